package backuppool

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/pubsub-overlay/pkg/broker"
	"github.com/cuemby/pubsub-overlay/pkg/coord"
	"github.com/cuemby/pubsub-overlay/pkg/log"
	"github.com/cuemby/pubsub-overlay/pkg/metrics"
	"github.com/cuemby/pubsub-overlay/pkg/pstypes"
	"github.com/cuemby/pubsub-overlay/pkg/transport"
)

// Config is the subset of pubsubconfig.Config a BackupPool needs.
type Config struct {
	Host        string
	Threshold   float64
	Centralized bool
	PollTimeout time.Duration
}

// BackupPool is the spec.md §4.5 autoscale-up actor: it never touches
// client sockets, only the coordinator and the brokers it spins up.
type BackupPool struct {
	cfg    Config
	coord  coord.Client
	pool   *transport.PortAllocator
	logger zerolog.Logger

	mu      sync.Mutex
	spawned map[pstypes.Zone]bool
}

// New constructs a BackupPool.
func New(cfg Config, client coord.Client, pool *transport.PortAllocator) *BackupPool {
	return &BackupPool{
		cfg:     cfg,
		coord:   client,
		pool:    pool,
		logger:  log.WithComponent("backup_pool"),
		spawned: make(map[pstypes.Zone]bool),
	}
}

// Run ensures /shared_state/current_load exists, installs a data-watch
// on it, and blocks until ctx is canceled.
func (bp *BackupPool) Run(ctx context.Context) error {
	if err := bp.coord.Connect(); err != nil {
		return fmt.Errorf("backup_pool: connect: %w", err)
	}
	for _, p := range []string{pstypes.SharedStateRoot, pstypes.PrimariesRoot} {
		if err := bp.coord.Create(p, nil, false); err != nil && err != coord.ErrAlreadyExists {
			return fmt.Errorf("backup_pool: ensure %s: %w", p, err)
		}
	}
	if err := bp.coord.Create(pstypes.CurrentLoadPath, []byte("0"), false); err != nil && err != coord.ErrAlreadyExists {
		return fmt.Errorf("backup_pool: ensure current_load: %w", err)
	}

	bp.coord.WatchData(pstypes.CurrentLoadPath, bp.onLoadChanged(ctx))

	<-ctx.Done()
	return nil
}

// onLoadChanged implements the policy from spec.md §4.5: when load
// exceeds the configured threshold, spin up a fresh broker.
func (bp *BackupPool) onLoadChanged(ctx context.Context) coord.DataWatchFunc {
	return func(data []byte, err error) {
		if err != nil || data == nil {
			return
		}
		load, parseErr := strconv.ParseFloat(string(data), 64)
		if parseErr != nil {
			bp.logger.Warn().Err(parseErr).Msg("backup_pool: malformed current_load value")
			return
		}
		if load <= bp.cfg.Threshold {
			return
		}
		bp.spinUpNewBroker(ctx)
	}
}

// spinUpNewBroker computes max(existing zone ids)+1 and starts a fresh
// Broker there; in an empty zone it wins its election immediately and
// publishes /primaries/zone_<N> itself.
func (bp *BackupPool) spinUpNewBroker(ctx context.Context) {
	children, err := bp.coord.Children(pstypes.PrimariesRoot)
	if err != nil {
		bp.logger.Warn().Err(err).Msg("backup_pool: list zones failed")
		return
	}
	nextZone := pstypes.Zone(1)
	for _, c := range children {
		if z, ok := pstypes.ZoneFromPrimariesChild(c); ok && z >= nextZone {
			nextZone = z + 1
		}
	}

	bp.mu.Lock()
	if bp.spawned[nextZone] {
		bp.mu.Unlock()
		return
	}
	bp.spawned[nextZone] = true
	bp.mu.Unlock()

	bp.logger.Info().Int("zone", int(nextZone)).Msg("backup_pool: autoscaling up")
	metrics.AutoscaleEventsTotal.Inc()
	metrics.PromotionsTotal.Inc()

	newBroker := broker.New(broker.Config{
		Zone:        nextZone,
		Host:        bp.cfg.Host,
		Centralized: bp.cfg.Centralized,
		PollTimeout: bp.cfg.PollTimeout,
	}, bp.coord, bp.pool)

	go func() {
		if err := newBroker.Run(ctx); err != nil {
			bp.logger.Warn().Err(err).Int("zone", int(nextZone)).Msg("backup_pool: spun-up broker exited with error")
		}
		bp.mu.Lock()
		delete(bp.spawned, nextZone)
		bp.mu.Unlock()
	}()
}
