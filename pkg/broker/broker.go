package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/pubsub-overlay/pkg/coord"
	"github.com/cuemby/pubsub-overlay/pkg/log"
	"github.com/cuemby/pubsub-overlay/pkg/metrics"
	"github.com/cuemby/pubsub-overlay/pkg/pstypes"
	"github.com/cuemby/pubsub-overlay/pkg/transport"
)

// Config is the subset of pubsubconfig.Config a Broker needs, kept
// narrow so broker tests don't depend on the config package.
type Config struct {
	Zone          pstypes.Zone
	Host          string
	Centralized   bool
	AutokillSecs  int
	MaxEventCount int // 0 = indefinite
	PollTimeout   time.Duration
}

// Broker is the per-zone mediator from spec.md §4.2.
type Broker struct {
	cfg    Config
	id     string
	coord  coord.Client
	pool   *transport.PortAllocator
	logger zerolog.Logger

	reg *registry

	mu          sync.Mutex
	role        pstypes.BrokerRole
	pubReg      *transport.RepServer
	subReg      *transport.RepServer
	poller      *transport.Poller
	receiveSubs map[string]*transport.EventSubscriber // centralized: topic -> sub from publishers
	sendPubs    map[string]*transport.EventPublisher  // centralized: topic -> pub to subscribers
	notifyReqs  map[string]*transport.ReqServer       // decentralized: subscriber id -> bound notify socket
}

// New constructs a Broker with a freshly generated identity, per
// spec.md §4.2 "A broker that previously lost a session must be
// restarted fresh (new id)".
func New(cfg Config, client coord.Client, pool *transport.PortAllocator) *Broker {
	id := pstypes.NewID()
	return &Broker{
		cfg:         cfg,
		id:          id,
		coord:       client,
		pool:        pool,
		logger:      log.WithZone(int(cfg.Zone)).With().Str("broker_id", id).Logger(),
		reg:         newRegistry(),
		role:        pstypes.RoleBackup,
		receiveSubs: make(map[string]*transport.EventSubscriber),
		sendPubs:    make(map[string]*transport.EventPublisher),
		notifyReqs:  make(map[string]*transport.ReqServer),
	}
}

// Run establishes the coordinator session, ensures the shared tree
// exists, and blocks in leader election until this instance wins or
// the coordinator session is lost or suspended; ctx is not consulted
// while waiting. Once it wins, it serves the zone until the session is
// lost, autokill fires, max_event_count is reached, or ctx is canceled.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.coord.Connect(); err != nil {
		return fmt.Errorf("broker: connect: %w", err)
	}
	if err := b.ensureTree(); err != nil {
		return err
	}

	b.coord.WatchChildren(pstypes.PublishersRoot, b.onPublisherChildren)
	b.coord.WatchChildren(pstypes.SubscribersRoot, b.onSubscriberChildren)

	zoneLabel := fmt.Sprint(b.cfg.Zone)
	election := b.coord.NewElection(pstypes.ElectionPath(b.cfg.Zone), b.id)
	metrics.ElectionsTotal.WithLabelValues(zoneLabel).Inc()

	runErr := election.Run(func(stop <-chan struct{}) {
		metrics.ElectionWinsTotal.WithLabelValues(zoneLabel).Inc()
		b.mu.Lock()
		b.role = pstypes.RolePrimary
		b.mu.Unlock()
		metrics.BrokerIsPrimary.WithLabelValues(fmt.Sprint(b.cfg.Zone)).Set(1)
		defer metrics.BrokerIsPrimary.WithLabelValues(fmt.Sprint(b.cfg.Zone)).Set(0)

		if err := b.becomePrimary(ctx, stop); err != nil {
			b.logger.Error().Err(err).Msg("broker: primary term ended with error")
		}
	})
	if runErr != nil {
		return fmt.Errorf("broker: election: %w", runErr)
	}
	return nil
}

func (b *Broker) ensureTree() error {
	for _, p := range []string{pstypes.PrimariesRoot, pstypes.ElectionsRoot, pstypes.SharedStateRoot, pstypes.PublishersRoot, pstypes.SubscribersRoot} {
		if err := b.coord.Create(p, nil, false); err != nil && err != coord.ErrAlreadyExists {
			return fmt.Errorf("broker: ensure %s: %w", p, err)
		}
	}
	if err := b.coord.Create(pstypes.ElectionPath(b.cfg.Zone), nil, false); err != nil && err != coord.ErrAlreadyExists {
		return fmt.Errorf("broker: ensure election path: %w", err)
	}
	if _, err := b.coord.Exists(pstypes.CurrentLoadPath); err == nil {
		if _, checkErr := b.coord.Get(pstypes.CurrentLoadPath); checkErr != nil {
			_ = b.coord.Create(pstypes.CurrentLoadPath, []byte("0"), false)
		}
	}
	return nil
}

// becomePrimary binds the registration sockets, publishes the
// primary-node value, then runs the event loop until stop closes or
// an exit condition from spec.md §5 is reached.
func (b *Broker) becomePrimary(ctx context.Context, stop <-chan struct{}) error {
	pubReg, err := transport.NewRepServer(ctx, b.pool)
	if err != nil {
		return fmt.Errorf("broker: bind pub_reg_port: %w", err)
	}
	subReg, err := transport.NewRepServer(ctx, b.pool)
	if err != nil {
		pubReg.Close()
		return fmt.Errorf("broker: bind sub_reg_port: %w", err)
	}
	b.mu.Lock()
	b.pubReg, b.subReg = pubReg, subReg
	b.mu.Unlock()

	defer func() {
		pubReg.Close()
		subReg.Close()
		b.mu.Lock()
		for _, s := range b.receiveSubs {
			s.Close()
		}
		for _, p := range b.sendPubs {
			p.Close()
		}
		for _, n := range b.notifyReqs {
			n.Close()
		}
		b.receiveSubs = make(map[string]*transport.EventSubscriber)
		b.sendPubs = make(map[string]*transport.EventPublisher)
		b.notifyReqs = make(map[string]*transport.ReqServer)
		b.mu.Unlock()
	}()

	info := pstypes.PrimaryInfo{Host: b.cfg.Host, PubRegPort: pubReg.Port(), SubRegPort: subReg.Port()}
	if err := b.publishPrimaryNode(info); err != nil {
		return err
	}
	if err := b.updateCurrentLoad(); err != nil {
		b.logger.Warn().Err(err).Msg("broker: update_current_load failed")
	}

	poller := transport.NewPoller(64)
	defer poller.Close()
	poller.Register("pub_reg", pubReg.Socket())
	poller.Register("sub_reg", subReg.Socket())
	b.mu.Lock()
	b.poller = poller
	b.mu.Unlock()

	var autokill <-chan time.Time
	if b.cfg.AutokillSecs > 0 {
		t := time.NewTimer(time.Duration(b.cfg.AutokillSecs) * time.Second)
		defer t.Stop()
		autokill = t.C
	}

	timeout := b.cfg.PollTimeout
	if timeout <= 0 || timeout > 500*time.Millisecond {
		timeout = 500 * time.Millisecond
	}

	events := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-autokill:
			b.logger.Info().Msg("broker: autokill deadline reached, stepping down")
			return nil
		default:
		}

		ev, ok := poller.Next(timeout)
		if !ok {
			continue
		}
		if ev.Err != nil {
			b.logger.Warn().Err(ev.Err).Str("socket", ev.Socket).Msg("broker: socket recv failed")
			continue
		}
		switch ev.Socket {
		case "pub_reg":
			b.handlePublisherRegSocket(ev.Msg)
		case "sub_reg":
			b.handleSubscriberRegSocket(ev.Msg)
		default:
			b.forwardCentralized(ev.Socket, ev.Msg)
		}

		if b.cfg.MaxEventCount > 0 {
			events++
			if events >= b.cfg.MaxEventCount {
				return nil
			}
		}
	}
}

func (b *Broker) publishPrimaryNode(info pstypes.PrimaryInfo) error {
	path := pstypes.PrimaryNodePath(b.cfg.Zone)
	value := []byte(info.Encode())
	if err := b.coord.Create(path, value, true); err != nil {
		if err == coord.ErrAlreadyExists {
			if _, setErr := b.coord.Set(path, value); setErr != nil {
				return fmt.Errorf("broker: overwrite primary node: %w", setErr)
			}
			return nil
		}
		return fmt.Errorf("broker: create primary node: %w", err)
	}
	return nil
}

// updateCurrentLoad recomputes (num_publishers + num_subscribers) /
// num_zones and writes it, per spec.md §4.2.
func (b *Broker) updateCurrentLoad() error {
	zones, err := b.coord.Children(pstypes.PrimariesRoot)
	if err != nil {
		return err
	}
	numZones := len(zones)
	if numZones == 0 {
		numZones = 1
	}
	load := float64(b.reg.numPublishers()+b.reg.numSubscribers()) / float64(numZones)
	metrics.CurrentLoad.Set(load)
	_, err = b.coord.Set(pstypes.CurrentLoadPath, []byte(fmt.Sprintf("%f", load)))
	if err == coord.ErrNotFound {
		return b.coord.Create(pstypes.CurrentLoadPath, []byte(fmt.Sprintf("%f", load)), false)
	}
	return err
}
