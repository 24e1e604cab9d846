package broker

import (
	"context"

	"github.com/go-zeromq/zmq4"

	"github.com/cuemby/pubsub-overlay/pkg/metrics"
	"github.com/cuemby/pubsub-overlay/pkg/transport"
)

// ensureReceiveSocket opens receive_socket[topic] (spec.md §4.2
// "Centralized forwarding"): a subscribe-pattern socket connected to
// every currently-known publisher endpoint for topic, filtered by
// topic prefix. It is idempotent and registers the new socket with
// the event-loop poller so forwardCentralized gets woken for it.
func (b *Broker) ensureReceiveSocket(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.receiveSubs[topic]; ok {
		return
	}

	var endpoints []string
	for _, p := range b.reg.dominatingPublishers(topic, 0) {
		endpoints = append(endpoints, "tcp://"+p.Address)
	}
	if len(endpoints) == 0 {
		return
	}

	ctx := context.Background()
	sub, err := transport.NewEventSubscriber(ctx, endpoints[0], []string{topic})
	if err != nil {
		b.logger.Warn().Err(err).Str("topic", topic).Msg("broker: open receive socket failed")
		return
	}
	for _, ep := range endpoints[1:] {
		_ = sub.Socket().Dial(ep)
	}
	b.receiveSubs[topic] = sub
	if b.poller != nil {
		b.poller.Register(topic, sub.Socket())
	}
}

// ensureSendSocket opens send_socket[topic] (spec.md §4.2): a
// publish-pattern socket bound to a random unused port, recorded so
// registerSubscriber can reply with it. Returns the bound port,
// whether newly bound or already existing.
func (b *Broker) ensureSendSocket(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pub, ok := b.sendPubs[topic]; ok {
		return pub.Port()
	}
	pub, err := transport.NewEventPublisher(context.Background(), b.pool)
	if err != nil {
		b.logger.Warn().Err(err).Str("topic", topic).Msg("broker: bind send socket failed")
		return 0
	}
	b.sendPubs[topic] = pub
	return pub.Port()
}

// forwardCentralized relays one multipart [topic, payload] message,
// already received by the event loop's Poller off receive_socket[topic],
// to send_socket[topic] unmodified. Dominance filtering happens at the
// subscriber, not here, per spec.md §4.2: "the same payload may be
// acceptable to some subscribers and not others."
func (b *Broker) forwardCentralized(topic string, msg zmq4.Msg) {
	b.mu.Lock()
	_, okSub := b.receiveSubs[topic]
	pub, okPub := b.sendPubs[topic]
	b.mu.Unlock()
	if !okSub || !okPub {
		return
	}

	if err := pub.Socket().Send(msg); err != nil {
		b.logger.Warn().Err(err).Str("topic", topic).Msg("broker: send_socket forward failed")
		return
	}
	metrics.EventsForwardedTotal.WithLabelValues(topic).Inc()
}

// closeAbandonedTopicSockets drops receive_socket[topic] for topics
// that no longer have any registered publisher, per spec.md §4.2's
// disconnect handling ("close sockets when the last pub/sub for a
// topic leaves").
func (b *Broker) closeAbandonedTopicSockets(topics []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		if len(b.reg.dominatingPublishers(topic, 0)) > 0 {
			continue
		}
		if sub, ok := b.receiveSubs[topic]; ok {
			sub.Close()
			delete(b.receiveSubs, topic)
		}
	}
}

// closeAbandonedSendSockets drops send_socket[topic] entries once no
// subscriber is listening for that topic any more (centralized mode
// counterpart to closeAbandonedTopicSockets).
func (b *Broker) closeAbandonedSendSockets(topics []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		if b.reg.hasSubscribersForTopic(topic) {
			continue
		}
		if pub, ok := b.sendPubs[topic]; ok {
			pub.Close()
			delete(b.sendPubs, topic)
		}
	}
}
