package publisher

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/pubsub-overlay/pkg/coord"
	"github.com/cuemby/pubsub-overlay/pkg/log"
	"github.com/cuemby/pubsub-overlay/pkg/metrics"
	"github.com/cuemby/pubsub-overlay/pkg/pstypes"
	"github.com/cuemby/pubsub-overlay/pkg/transport"
)

// Config is the subset of pubsubconfig.Config a Publisher needs.
type Config struct {
	Host          string
	Topics        []string
	Offered       int
	SleepPeriod   time.Duration
	Indefinite    bool
	MaxEventCount int
}

type regRequest struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Offered int      `json:"offered"`
	ID      string   `json:"id"`
}

type regResponse struct {
	Success string `json:"success"`
	Error   string `json:"error"`
}

type disconnectBody struct {
	ID      string   `json:"id"`
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
}

type disconnectRequest struct {
	Disconnect disconnectBody `json:"disconnect"`
}

type disconnectResponse struct {
	Disconnect string `json:"disconnect"`
}

// Publisher is the spec.md §4.3 client.
type Publisher struct {
	cfg    Config
	coord  coord.Client
	pool   *transport.PortAllocator
	id     string
	logger zerolog.Logger

	mu        sync.Mutex
	zone      pstypes.Zone
	switching bool
	history   []pstypes.Event
	eventPub  *transport.EventPublisher
	primary   pstypes.PrimaryInfo
}

// New constructs a Publisher with a fresh, stable identity.
func New(cfg Config, client coord.Client, pool *transport.PortAllocator) *Publisher {
	id := pstypes.NewID()
	return &Publisher{
		cfg:    cfg,
		coord:  client,
		pool:   pool,
		id:     id,
		logger: log.WithClientID(id).With().Str("role", "publisher").Logger(),
	}
}

// Run assigns a zone, binds the publish endpoint, registers, and runs
// the publish loop until ctx is canceled or max_event_count is hit.
func (p *Publisher) Run(ctx context.Context) error {
	if err := p.coord.Connect(); err != nil {
		return fmt.Errorf("publisher: connect: %w", err)
	}

	zone, err := p.assignZone()
	if err != nil {
		return fmt.Errorf("publisher: assign zone: %w", err)
	}
	p.mu.Lock()
	p.zone = zone
	p.mu.Unlock()

	eventPub, err := transport.NewEventPublisher(ctx, p.pool)
	if err != nil {
		return fmt.Errorf("publisher: bind event socket: %w", err)
	}
	defer eventPub.Close()
	p.mu.Lock()
	p.eventPub = eventPub
	p.mu.Unlock()

	if err := p.register(ctx); err != nil {
		return fmt.Errorf("publisher: register: %w", err)
	}

	p.coord.WatchData(pstypes.PrimaryNodePath(zone), p.onPrimaryChanged(ctx))

	defer p.disconnect(ctx)
	return p.publishLoop(ctx)
}

// assignZone reads children(/primaries) and picks one uniformly at
// random, per spec.md §4.3 — this is the publisher's zone for life.
func (p *Publisher) assignZone() (pstypes.Zone, error) {
	children, err := p.coord.Children(pstypes.PrimariesRoot)
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

func (p *Publisher) primaryAddress() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("%s:%d", p.primary.Host, p.primary.PubRegPort)
}

// register reads the zone's primary node and sends this publisher's
// registration, identity stable across broker switches.
func (p *Publisher) register(ctx context.Context) error {
	p.mu.Lock()
	zone := p.zone
	selfAddr := p.eventPub
	p.mu.Unlock()

	data, err := p.coord.Get(pstypes.PrimaryNodePath(zone))
	if err != nil {
		return err
	}
	info, err := pstypes.ParsePrimaryInfo(string(data))
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.primary = info
	p.mu.Unlock()

	client, err := transport.DialReg(ctx, fmt.Sprintf("tcp://%s:%d", info.Host, info.PubRegPort))
	if err != nil {
		return err
	}
	defer client.Close()

	req := regRequest{Address: fmt.Sprintf("%s:%d", p.cfg.Host, selfAddr.Port()), Topics: p.cfg.Topics, Offered: p.cfg.Offered, ID: p.id}
	var resp regResponse
	if err := client.Call(req, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("publisher: registration rejected: %s", resp.Error)
	}
	return nil
}

// onPrimaryChanged implements the watch-driven reconfigure from
// spec.md §4.3: set SWITCHING, re-register with the same id over a
// fresh registration socket, clear SWITCHING. The bound event socket
// is kept, and the sliding history buffer is preserved.
func (p *Publisher) onPrimaryChanged(ctx context.Context) coord.DataWatchFunc {
	return func(data []byte, err error) {
		if err != nil || data == nil {
			return
		}
		p.mu.Lock()
		p.switching = true
		p.mu.Unlock()

		p.logger.Info().Msg("publisher: primary changed, reconfiguring")
		metrics.PrimarySwitchesTotal.WithLabelValues("publisher").Inc()

		if regErr := p.register(ctx); regErr != nil {
			p.logger.Warn().Err(regErr).Msg("publisher: re-registration after primary switch failed")
		}

		p.mu.Lock()
		p.switching = false
		p.mu.Unlock()
	}
}

// publishLoop cycles through topics, maintains the sliding history,
// and emits the multipart [topic, history] message (spec.md §4.3).
// When switching is set the loop spins instead of emitting.
func (p *Publisher) publishLoop(ctx context.Context) error {
	iteration := 0
	for {
		if p.cfg.MaxEventCount > 0 && iteration >= p.cfg.MaxEventCount {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		p.mu.Lock()
		switching := p.switching
		p.mu.Unlock()
		if switching {
			p.logger.Debug().Msg("publisher: switching, spinning")
			time.Sleep(p.cfg.SleepPeriod)
			continue
		}

		topic := p.cfg.Topics[iteration%len(p.cfg.Topics)]
		event := pstypes.Event{
			Publisher:   fmt.Sprintf("%s:%d", p.cfg.Host, p.currentPort()),
			Topic:       topic,
			PublishTime: time.Now(),
		}
		p.appendHistory(event)

		p.mu.Lock()
		historySnapshot := append([]pstypes.Event(nil), p.history...)
		pub := p.eventPub
		p.mu.Unlock()

		if err := pub.Publish(topic, historySnapshot); err != nil {
			p.logger.Warn().Err(err).Msg("publisher: publish failed")
		} else {
			metrics.EventsPublishedTotal.WithLabelValues(topic).Inc()
		}

		iteration++
		time.Sleep(p.cfg.SleepPeriod)
	}
}

func (p *Publisher) currentPort() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eventPub.Port()
}

// appendHistory evicts the oldest record once history reaches
// cfg.Offered in length, then appends, keeping the sliding window
// spec.md §3 describes.
func (p *Publisher) appendHistory(event pstypes.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, event)
	if len(p.history) > p.cfg.Offered {
		p.history = p.history[len(p.history)-p.cfg.Offered:]
	}
}

func (p *Publisher) disconnect(ctx context.Context) {
	client, err := transport.DialReg(ctx, "tcp://"+p.primaryAddress())
	if err != nil {
		p.logger.Warn().Err(err).Msg("publisher: dial for disconnect failed")
		return
	}
	defer client.Close()

	req := disconnectRequest{Disconnect: disconnectBody{ID: p.id, Address: p.cfg.Host, Topics: p.cfg.Topics}}
	var resp disconnectResponse
	if err := client.Call(req, &resp); err != nil {
		p.logger.Warn().Err(err).Msg("publisher: disconnect call failed")
	}
}
