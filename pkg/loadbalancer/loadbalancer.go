package loadbalancer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/pubsub-overlay/pkg/coord"
	"github.com/cuemby/pubsub-overlay/pkg/log"
	"github.com/cuemby/pubsub-overlay/pkg/metrics"
	"github.com/cuemby/pubsub-overlay/pkg/pstypes"
)

// ZoneRecord is the per-zone accounting a new primary owns, per
// spec.md §4.6: {primary, publishers[], subscribers[], ratio}.
type ZoneRecord struct {
	Primary     string
	Publishers  []string
	Subscribers []string
}

// Ratio is the client-to-zone ratio this zone record contributes,
// used by the demotion policy.
func (z ZoneRecord) Ratio(numZones int) float64 {
	if numZones <= 0 {
		numZones = 1
	}
	return float64(len(z.Publishers)+len(z.Subscribers)) / float64(numZones)
}

// Config is the subset of pubsubconfig.Config a LoadBalancer needs.
type Config struct {
	Threshold float64
}

// LoadBalancer is the administrative counterpart to BackupPool: it
// never touches client sockets, only the coordinator.
type LoadBalancer struct {
	cfg    Config
	coord  coord.Client
	logger zerolog.Logger

	mu    sync.Mutex
	zones map[pstypes.Zone]*ZoneRecord
}

// New constructs a LoadBalancer.
func New(cfg Config, client coord.Client) *LoadBalancer {
	return &LoadBalancer{
		cfg:    cfg,
		coord:  client,
		logger: log.WithComponent("load_balancer"),
		zones:  make(map[pstypes.Zone]*ZoneRecord),
	}
}

// Zones returns a snapshot of the current per-zone accounting.
func (lb *LoadBalancer) Zones() map[pstypes.Zone]ZoneRecord {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	out := make(map[pstypes.Zone]ZoneRecord, len(lb.zones))
	for z, rec := range lb.zones {
		out[z] = *rec
	}
	return out
}

// Run watches /primaries children, /shared_state/current_load, and the
// publisher/subscriber registries, recomputing zone records on every
// change, and blocks until ctx is canceled.
func (lb *LoadBalancer) Run(ctx context.Context) error {
	if err := lb.coord.Connect(); err != nil {
		return fmt.Errorf("load_balancer: connect: %w", err)
	}

	lb.coord.WatchChildren(pstypes.PrimariesRoot, lb.onZonesChanged)
	lb.coord.WatchChildren(pstypes.PublishersRoot, lb.onRegistryChanged)
	lb.coord.WatchChildren(pstypes.SubscribersRoot, lb.onRegistryChanged)
	lb.coord.WatchData(pstypes.CurrentLoadPath, lb.onLoadChanged)

	<-ctx.Done()
	return nil
}

func (lb *LoadBalancer) onZonesChanged(children []string, err error) {
	if err != nil {
		return
	}
	lb.rebuild()
}

func (lb *LoadBalancer) onRegistryChanged(children []string, err error) {
	if err != nil {
		return
	}
	lb.rebuild()
}

// rebuild reads every known primary node and every publisher/subscriber
// record, grouping them by zone into ZoneRecords.
func (lb *LoadBalancer) rebuild() {
	zoneChildren, err := lb.coord.Children(pstypes.PrimariesRoot)
	if err != nil {
		lb.logger.Warn().Err(err).Msg("load_balancer: list zones failed")
		return
	}

	zones := make(map[pstypes.Zone]*ZoneRecord, len(zoneChildren))
	for _, c := range zoneChildren {
		z, ok := pstypes.ZoneFromPrimariesChild(c)
		if !ok {
			continue
		}
		data, err := lb.coord.Get(pstypes.PrimaryNodePath(z))
		primary := ""
		if err == nil {
			if info, perr := pstypes.ParsePrimaryInfo(string(data)); perr == nil {
				primary = info.Host
			}
		}
		zones[z] = &ZoneRecord{Primary: primary}
	}

	lb.collectPublishers(zones)
	lb.collectSubscribers(zones)

	metrics.ZonesTotal.Set(float64(len(zones)))

	lb.mu.Lock()
	lb.zones = zones
	lb.mu.Unlock()
}

func (lb *LoadBalancer) collectPublishers(zones map[pstypes.Zone]*ZoneRecord) {
	ids, err := lb.coord.Children(pstypes.PublishersRoot)
	if err != nil {
		return
	}
	for _, id := range ids {
		data, err := lb.coord.Get(pstypes.PublisherPath(id))
		if err != nil {
			continue
		}
		var rec pstypes.PublisherRecord
		if json.Unmarshal(data, &rec) != nil {
			continue
		}
		if z, ok := zones[rec.Zone]; ok {
			z.Publishers = append(z.Publishers, id)
		}
	}
}

func (lb *LoadBalancer) collectSubscribers(zones map[pstypes.Zone]*ZoneRecord) {
	ids, err := lb.coord.Children(pstypes.SubscribersRoot)
	if err != nil {
		return
	}
	for _, id := range ids {
		data, err := lb.coord.Get(pstypes.SubscriberPath(id))
		if err != nil {
			continue
		}
		var rec pstypes.SubscriberRecord
		if json.Unmarshal(data, &rec) != nil {
			continue
		}
		if z, ok := zones[rec.Zone]; ok {
			z.Subscribers = append(z.Subscribers, id)
		}
	}
}

// onLoadChanged implements the demotion half of spec.md §4.6: once
// load drops enough that losing a zone would still keep the
// remaining zones under threshold, flag the lightest zone for
// demotion by deleting only its current primary's own election entry
// — the next-lowest contender's Children() re-scan then sees itself
// as the new lowest sequence number and takes over naturally, per
// coord.Election.Run. Deleting the whole election path would strand
// every contender in that zone at once, leaving nothing to take over.
func (lb *LoadBalancer) onLoadChanged(data []byte, err error) {
	if err != nil || data == nil {
		return
	}
	load, parseErr := strconv.ParseFloat(string(data), 64)
	if parseErr != nil {
		return
	}

	lb.mu.Lock()
	numZones := len(lb.zones)
	lb.mu.Unlock()
	if numZones <= 1 {
		return
	}

	afterDemotion := load * float64(numZones) / float64(numZones-1)
	if afterDemotion > lb.cfg.Threshold {
		return
	}

	lightest := lb.lightestZone()
	if lightest == 0 {
		return
	}
	node, ok := lb.currentPrimaryNode(lightest)
	if !ok {
		return
	}
	lb.logger.Info().Int("zone", int(lightest)).Str("node", node).Msg("load_balancer: demoting lightest zone's primary")
	metrics.DemotionsTotal.Inc()
	if err := lb.coord.Delete(pstypes.ElectionPath(lightest)+"/"+node, false); err != nil {
		lb.logger.Warn().Err(err).Int("zone", int(lightest)).Msg("load_balancer: demote failed")
	}
}

// currentPrimaryNode returns the lowest-sequence-number child under
// /elections/zone_<N> — the contender coord.Election.Run's algorithm
// has declared primary — so demotion can target that one node instead
// of the whole election path.
func (lb *LoadBalancer) currentPrimaryNode(zone pstypes.Zone) (string, bool) {
	children, err := lb.coord.Children(pstypes.ElectionPath(zone))
	if err != nil || len(children) == 0 {
		return "", false
	}
	best := ""
	bestSeq := -1
	for _, child := range children {
		idx := strings.LastIndex(child, pstypes.ElectionNodePrefix)
		if idx < 0 {
			continue
		}
		seq, convErr := strconv.Atoi(child[idx+len(pstypes.ElectionNodePrefix):])
		if convErr != nil {
			continue
		}
		if best == "" || seq < bestSeq {
			bestSeq = seq
			best = child
		}
	}
	if best == "" {
		return "", false
	}
	return best, true
}

func (lb *LoadBalancer) lightestZone() pstypes.Zone {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	var lightest pstypes.Zone
	best := -1
	for z, rec := range lb.zones {
		count := len(rec.Publishers) + len(rec.Subscribers)
		if best == -1 || count < best {
			best = count
			lightest = z
		}
	}
	return lightest
}
