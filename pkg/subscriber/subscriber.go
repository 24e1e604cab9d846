package subscriber

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"

	"github.com/cuemby/pubsub-overlay/pkg/coord"
	"github.com/cuemby/pubsub-overlay/pkg/log"
	"github.com/cuemby/pubsub-overlay/pkg/metrics"
	"github.com/cuemby/pubsub-overlay/pkg/pstypes"
	"github.com/cuemby/pubsub-overlay/pkg/transport"
)

const notifySocketName = "notify"

// Config is the subset of pubsubconfig.Config a Subscriber needs.
type Config struct {
	Host          string
	Topics        []string
	Requested     int
	SleepPeriod   time.Duration
	Indefinite    bool
	MaxEventCount int
	Filename      string
}

// Subscriber is the spec.md §4.4 client.
type Subscriber struct {
	cfg    Config
	coord  coord.Client
	pool   *transport.PortAllocator
	id     string
	logger zerolog.Logger

	mu          sync.Mutex
	zone        pstypes.Zone
	switching   bool
	primary     pstypes.PrimaryInfo
	centralized bool
	notifyPort  int
	notifySock  *transport.RepClient
	topicSocks  map[string]*transport.EventSubscriber
	poller      *transport.Poller
	received    []pstypes.ReceivedRecord
}

// New constructs a Subscriber with a fresh, stable identity.
func New(cfg Config, client coord.Client, pool *transport.PortAllocator) *Subscriber {
	id := pstypes.NewID()
	return &Subscriber{
		cfg:        cfg,
		coord:      client,
		pool:       pool,
		id:         id,
		logger:     log.WithClientID(id).With().Str("role", "subscriber").Logger(),
		topicSocks: make(map[string]*transport.EventSubscriber),
	}
}

// Received returns a snapshot of the received log accumulated so far.
func (s *Subscriber) Received() []pstypes.ReceivedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pstypes.ReceivedRecord(nil), s.received...)
}

// Run assigns a zone, registers, and runs the receive loop until ctx
// is canceled or max_event_count is reached.
func (s *Subscriber) Run(ctx context.Context) error {
	if err := s.coord.Connect(); err != nil {
		return fmt.Errorf("subscriber: connect: %w", err)
	}

	zone, err := s.assignZone()
	if err != nil {
		return fmt.Errorf("subscriber: assign zone: %w", err)
	}
	s.mu.Lock()
	s.zone = zone
	s.mu.Unlock()

	if err := s.register(ctx); err != nil {
		return fmt.Errorf("subscriber: register: %w", err)
	}

	s.coord.WatchData(pstypes.PrimaryNodePath(zone), s.onPrimaryChanged(ctx))

	defer s.disconnect(ctx)
	defer s.teardownSockets()
	return s.receiveLoop(ctx)
}

func (s *Subscriber) assignZone() (pstypes.Zone, error) {
	children, err := s.coord.Children(pstypes.PrimariesRoot)
	if err != nil {
		return 0, err
	}
	var zones []pstypes.Zone
	for _, c := range children {
		if z, ok := pstypes.ZoneFromPrimariesChild(c); ok {
			zones = append(zones, z)
		}
	}
	if len(zones) == 0 {
		return 0, fmt.Errorf("no zones available under %s", pstypes.PrimariesRoot)
	}
	return zones[rand.Intn(len(zones))], nil
}

func (s *Subscriber) primaryAddress() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primary.Host, s.primary.SubRegPort
}

// register reads the zone's primary node, sends this subscriber's
// registration, and (re-)builds its receive sockets from the reply —
// the decentralized notify socket or one subscribe socket per topic.
func (s *Subscriber) register(ctx context.Context) error {
	s.mu.Lock()
	zone := s.zone
	s.mu.Unlock()

	data, err := s.coord.Get(pstypes.PrimaryNodePath(zone))
	if err != nil {
		return err
	}
	info, err := pstypes.ParsePrimaryInfo(string(data))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.primary = info
	s.mu.Unlock()

	client, err := transport.DialReg(ctx, fmt.Sprintf("tcp://%s:%d", info.Host, info.SubRegPort))
	if err != nil {
		return err
	}
	defer client.Close()

	req := registerRequest{Address: s.cfg.Host, Topics: s.cfg.Topics, Requested: s.cfg.Requested, ID: s.id}
	var resp registerResponse
	if err := client.Call(req, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("subscriber: registration rejected: %s", resp.Error)
	}

	poller := transport.NewPoller(64)

	s.mu.Lock()
	s.poller = poller
	s.topicSocks = make(map[string]*transport.EventSubscriber)
	s.mu.Unlock()

	switch {
	case resp.RegisterSub != nil:
		return s.setupDecentralized(ctx, info.Host, resp.RegisterSub.NotifyPort)
	case resp.TopicPorts != nil:
		return s.setupCentralized(ctx, info.Host, resp.TopicPorts)
	default:
		return fmt.Errorf("subscriber: registration reply had neither register_sub nor topic ports")
	}
}

// setupDecentralized connects this subscriber's notify REP socket to
// the broker's bound notify endpoint (spec.md §4.4: the broker binds
// host:notify_port, the subscriber connects there), matching
// original_source/src/lib/subscriber.py's notify_sub_socket.connect().
func (s *Subscriber) setupDecentralized(ctx context.Context, brokerHost string, notifyPort int) error {
	notifySock, err := transport.DialRepClient(ctx, fmt.Sprintf("tcp://%s:%d", brokerHost, notifyPort))
	if err != nil {
		return fmt.Errorf("subscriber: connect notify socket: %w", err)
	}
	s.mu.Lock()
	s.centralized = false
	s.notifyPort = notifyPort
	s.notifySock = notifySock
	s.poller.Register(notifySocketName, notifySock.Socket())
	s.mu.Unlock()
	return nil
}

func (s *Subscriber) setupCentralized(ctx context.Context, host string, ports map[string]int) error {
	s.mu.Lock()
	s.centralized = true
	s.mu.Unlock()
	for topic, port := range ports {
		sub, err := transport.NewEventSubscriber(ctx, fmt.Sprintf("tcp://%s:%d", host, port), []string{topic})
		if err != nil {
			s.logger.Warn().Err(err).Str("topic", topic).Msg("subscriber: connect to forward socket failed")
			continue
		}
		key := "topic:" + topic
		s.mu.Lock()
		s.topicSocks[key] = sub
		s.poller.Register(key, sub.Socket())
		s.mu.Unlock()
	}
	return nil
}

// onPrimaryChanged implements the watch-driven reconfigure from
// spec.md §4.4: SWITCHING, tear down all topic sockets, re-register
// with the same id, clear SWITCHING. The received log is preserved.
func (s *Subscriber) onPrimaryChanged(ctx context.Context) coord.DataWatchFunc {
	return func(data []byte, err error) {
		if err != nil || data == nil {
			return
		}
		s.mu.Lock()
		s.switching = true
		s.mu.Unlock()

		s.logger.Info().Msg("subscriber: primary changed, reconfiguring")
		metrics.PrimarySwitchesTotal.WithLabelValues("subscriber").Inc()

		s.teardownSockets()
		if regErr := s.register(ctx); regErr != nil {
			s.logger.Warn().Err(regErr).Msg("subscriber: re-registration after primary switch failed")
		}

		s.mu.Lock()
		s.switching = false
		s.mu.Unlock()
	}
}

func (s *Subscriber) teardownSockets() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poller != nil {
		s.poller.Close()
		s.poller = nil
	}
	for _, sub := range s.topicSocks {
		sub.Close()
	}
	s.topicSocks = make(map[string]*transport.EventSubscriber)
	if s.notifySock != nil {
		s.notifySock.Close()
		s.notifySock = nil
	}
}

// receiveLoop polls every current subscribe socket plus the notify
// socket (if any), per spec.md §4.4.
func (s *Subscriber) receiveLoop(ctx context.Context) error {
	for {
		if s.cfg.MaxEventCount > 0 && len(s.Received()) >= s.cfg.MaxEventCount {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		s.mu.Lock()
		switching := s.switching
		poller := s.poller
		s.mu.Unlock()
		if switching || poller == nil {
			time.Sleep(s.cfg.SleepPeriod)
			continue
		}

		ev, ok := poller.Next(500 * time.Millisecond)
		if !ok {
			continue
		}
		if ev.Err != nil {
			s.logger.Warn().Err(ev.Err).Str("socket", ev.Socket).Msg("subscriber: socket recv failed")
			continue
		}

		if ev.Socket == notifySocketName {
			s.handleNotify(ctx, ev.Msg)
			continue
		}
		s.handleTopicMessage(ev.Socket, ev.Msg)
	}
}

func (s *Subscriber) handleNotify(ctx context.Context, msg zmq4.Msg) {
	s.mu.Lock()
	notifySock := s.notifySock
	s.mu.Unlock()
	if notifySock == nil {
		return
	}

	var notifications []newPublisherNotification
	if err := transport.DecodeRequest(msg, &notifications); err != nil {
		s.logger.Warn().Err(err).Msg("subscriber: notify decode failed")
		return
	}

	for _, n := range notifications {
		for _, addr := range n.RegisterPub.Addresses {
			s.connectDirectPublisher(ctx, n.RegisterPub.Topic, addr)
		}
	}

	_ = notifySock.SendReply("ack")
}

func (s *Subscriber) connectDirectPublisher(ctx context.Context, topic, addr string) {
	key := "direct:" + topic + ":" + addr
	s.mu.Lock()
	_, exists := s.topicSocks[key]
	poller := s.poller
	s.mu.Unlock()
	if exists || poller == nil {
		return
	}

	sub, err := transport.NewEventSubscriber(ctx, "tcp://"+addr, []string{topic})
	if err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Str("publisher", addr).Msg("subscriber: direct connect failed")
		return
	}
	s.mu.Lock()
	s.topicSocks[key] = sub
	s.poller.Register(key, sub.Socket())
	s.mu.Unlock()
}

// handleTopicMessage decodes one [topic, history] message already
// received by the event loop's Poller and appends the
// dominance-filtered tail to the received log, per spec.md §4.4.
func (s *Subscriber) handleTopicMessage(socketName string, msg zmq4.Msg) {
	s.mu.Lock()
	_, ok := s.topicSocks[socketName]
	s.mu.Unlock()
	if !ok {
		return
	}

	var history []pstypes.Event
	topic, err := transport.DecodeEvent(msg, &history)
	if err != nil {
		s.logger.Warn().Err(err).Str("socket", socketName).Msg("subscriber: topic decode failed")
		return
	}

	n := s.cfg.Requested
	if n > len(history) {
		n = len(history)
	}
	tail := history[len(history)-n:]

	s.mu.Lock()
	for _, event := range tail {
		s.received = append(s.received, pstypes.ReceivedRecord{
			Publisher:        event.Publisher,
			Topic:            event.Topic,
			TotalTimeSeconds: time.Since(event.PublishTime).Seconds(),
		})
	}
	s.mu.Unlock()

	metrics.EventsReceivedTotal.WithLabelValues(topic).Add(float64(len(tail)))
}

func (s *Subscriber) disconnect(ctx context.Context) {
	host, port := s.primaryAddress()
	client, err := transport.DialReg(ctx, fmt.Sprintf("tcp://%s:%d", host, port))
	if err != nil {
		s.logger.Warn().Err(err).Msg("subscriber: dial for disconnect failed")
		return
	}
	defer client.Close()

	s.mu.Lock()
	body := disconnectBody{ID: s.id, Address: s.cfg.Host, Topics: s.cfg.Topics}
	if !s.centralized {
		body.NotifyPort = s.notifyPort
	}
	s.mu.Unlock()

	var resp disconnectResponse
	if err := client.Call(disconnectRequest{Disconnect: body}, &resp); err != nil {
		s.logger.Warn().Err(err).Msg("subscriber: disconnect call failed")
	}
}
