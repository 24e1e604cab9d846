package broker

import (
	"fmt"

	"github.com/cuemby/pubsub-overlay/pkg/metrics"
	"github.com/cuemby/pubsub-overlay/pkg/pstypes"
)

// onPublisherChildren reconciles /shared_state/publishers against the
// in-memory registry (spec.md §4.2 "State derived from watches"). This
// is how multiple primaries — which never speak to each other
// directly — converge on the same client registry.
func (b *Broker) onPublisherChildren(children []string, err error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CoordWatchDuration)

	if err != nil {
		b.logger.Warn().Err(err).Msg("broker: publishers children watch error")
		return
	}
	present := make(map[string]struct{}, len(children))
	for _, id := range children {
		present[id] = struct{}{}
	}

	for id := range present {
		if b.reg.hasPublisher(id) {
			continue
		}
		data, getErr := b.coord.Get(pstypes.PublisherPath(id))
		if getErr != nil {
			b.logger.Warn().Err(getErr).Str("publisher_id", id).Msg("broker: read new publisher node failed")
			continue
		}
		rec, decErr := decodePublisher(id, data)
		if decErr != nil {
			b.logger.Warn().Err(decErr).Str("publisher_id", id).Msg("broker: malformed publisher node")
			continue
		}
		b.reg.addPublisher(rec)
		b.onNewPublisher(rec)
	}

	for id := range b.reg.publisherIDs() {
		if _, stillThere := present[id]; !stillThere {
			b.reg.removePublisher(id)
		}
	}

	metrics.PublishersTotal.WithLabelValues(fmt.Sprint(b.cfg.Zone)).Set(float64(b.reg.numPublishers()))
	_ = b.updateCurrentLoad()
}

// onSubscriberChildren is the symmetric reconciliation for subscribers.
func (b *Broker) onSubscriberChildren(children []string, err error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CoordWatchDuration)

	if err != nil {
		b.logger.Warn().Err(err).Msg("broker: subscribers children watch error")
		return
	}
	present := make(map[string]struct{}, len(children))
	for _, id := range children {
		present[id] = struct{}{}
	}

	for id := range present {
		if b.reg.hasSubscriber(id) {
			continue
		}
		data, getErr := b.coord.Get(pstypes.SubscriberPath(id))
		if getErr != nil {
			b.logger.Warn().Err(getErr).Str("subscriber_id", id).Msg("broker: read new subscriber node failed")
			continue
		}
		rec, decErr := decodeSubscriber(id, data)
		if decErr != nil {
			b.logger.Warn().Err(decErr).Str("subscriber_id", id).Msg("broker: malformed subscriber node")
			continue
		}
		b.reg.addSubscriber(rec)
	}

	for id := range b.reg.subscriberIDs() {
		if _, stillThere := present[id]; !stillThere {
			b.reg.removeSubscriber(id)
			b.mu.Lock()
			if srv, ok := b.notifyReqs[id]; ok {
				srv.Close()
				delete(b.notifyReqs, id)
			}
			b.mu.Unlock()
		}
	}

	metrics.SubscribersTotal.WithLabelValues(fmt.Sprint(b.cfg.Zone)).Set(float64(b.reg.numSubscribers()))
	_ = b.updateCurrentLoad()
}

// onNewPublisher applies the side effects spec.md §4.2 lists for a
// publisher becoming visible (whether by direct registration or by
// another broker's registration surfacing through the children
// watch): in decentralized mode, notify every dominance-eligible
// subscriber; in centralized mode, open a receive subscription.
func (b *Broker) onNewPublisher(pub pstypes.PublisherRecord) {
	if b.cfg.Centralized {
		for _, topic := range pub.Topics {
			b.ensureReceiveSocket(topic)
		}
		return
	}
	for _, topic := range pub.Topics {
		for _, sub := range b.reg.subscribersInterestedIn(topic, pub.Offered) {
			b.notifyNewPublisher(sub, topic, pub)
		}
	}
}
