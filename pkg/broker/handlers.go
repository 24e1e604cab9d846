package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-zeromq/zmq4"

	"github.com/cuemby/pubsub-overlay/pkg/coord"
	"github.com/cuemby/pubsub-overlay/pkg/metrics"
	"github.com/cuemby/pubsub-overlay/pkg/pserrors"
	"github.com/cuemby/pubsub-overlay/pkg/pstypes"
	"github.com/cuemby/pubsub-overlay/pkg/transport"
)

// handlePublisherRegSocket reads one request off pub_reg and replies,
// dispatching to register or disconnect based on the envelope shape
// (spec.md §4.2: "if pub-reg socket is readable -> handle pub
// registration/disconnect"). Handler exceptions are caught here and
// turned into an error reply so a single bad request never tears down
// the broker (spec.md §4.2 "Failure semantics").
func (b *Broker) handlePublisherRegSocket(msg zmq4.Msg) {
	timer := metrics.NewTimer()
	var raw json.RawMessage
	if err := transport.DecodeRequest(msg, &raw); err != nil {
		b.logger.Warn().Err(err).Msg("broker: pub_reg decode failed")
		_ = b.pubReg.SendReply(PublisherRegisterResponse{Error: pserrors.Transient("decode publisher request", err).Error()})
		return
	}

	if body, ok := peekDisconnect(raw); ok {
		b.handlePublisherDisconnect(body)
		_ = b.pubReg.SendReply(DisconnectResponse{Disconnect: "success"})
		metrics.DisconnectsTotal.WithLabelValues("publisher").Inc()
		return
	}

	var req PublisherRegisterRequest
	resp := b.registerPublisher(req, raw)
	_ = b.pubReg.SendReply(resp)
	result := "ok"
	if resp.Error != "" {
		result = "error"
	}
	metrics.RegistrationsTotal.WithLabelValues("publisher", result).Inc()
	timer.ObserveDurationVec(metrics.RegistrationDuration, "publisher")
}

func (b *Broker) registerPublisher(req PublisherRegisterRequest, raw json.RawMessage) PublisherRegisterResponse {
	if err := json.Unmarshal(raw, &req); err != nil {
		return PublisherRegisterResponse{Error: pserrors.Transient("decode publisher registration", err).Error()}
	}
	if req.ID == "" || len(req.Topics) == 0 {
		return PublisherRegisterResponse{Error: "malformed topic list or missing id"}
	}

	rec := pstypes.PublisherRecord{ID: req.ID, Address: req.Address, Topics: req.Topics, Offered: req.Offered, Zone: b.cfg.Zone}
	b.reg.addPublisher(rec)

	data, _ := json.Marshal(rec)
	if _, setErr := b.coord.Set(pstypes.PublisherPath(req.ID), data); setErr != nil {
		if err := b.coord.Create(pstypes.PublisherPath(req.ID), data, true); err != nil && err != coord.ErrAlreadyExists {
			return PublisherRegisterResponse{Error: pserrors.Transient("persist publisher registration", err).Error()}
		}
	}

	b.onNewPublisher(rec)
	metrics.PublishersTotal.WithLabelValues(fmt.Sprint(b.cfg.Zone)).Set(float64(b.reg.numPublishers()))
	_ = b.updateCurrentLoad()

	return PublisherRegisterResponse{Success: "registered"}
}

func (b *Broker) handlePublisherDisconnect(body publisherDisconnectBody) {
	b.reg.removePublisher(body.ID)
	if err := b.coord.Delete(pstypes.PublisherPath(body.ID), false); err != nil {
		b.logger.Warn().Err(err).Str("publisher_id", body.ID).Msg("broker: delete publisher node failed")
	}
	b.closeAbandonedTopicSockets(body.Topics)
	_ = b.updateCurrentLoad()
}

// handleSubscriberRegSocket is the symmetric handler for the
// subscriber registration/disconnect channel.
func (b *Broker) handleSubscriberRegSocket(msg zmq4.Msg) {
	timer := metrics.NewTimer()
	var raw json.RawMessage
	if err := transport.DecodeRequest(msg, &raw); err != nil {
		b.logger.Warn().Err(err).Msg("broker: sub_reg decode failed")
		_ = b.subReg.SendReply(SubscriberRegisterResponse{Error: pserrors.Transient("decode subscriber request", err).Error()})
		return
	}

	if body, ok := peekSubscriberDisconnect(raw); ok {
		b.handleSubscriberDisconnect(body)
		_ = b.subReg.SendReply(DisconnectResponse{Disconnect: "success"})
		metrics.DisconnectsTotal.WithLabelValues("subscriber").Inc()
		return
	}

	var req SubscriberRegisterRequest
	resp := b.registerSubscriber(req, raw)
	_ = b.subReg.SendReply(resp)
	result := "ok"
	if resp.Error != "" {
		result = "error"
	}
	metrics.RegistrationsTotal.WithLabelValues("subscriber", result).Inc()
	timer.ObserveDurationVec(metrics.RegistrationDuration, "subscriber")
}

func (b *Broker) registerSubscriber(req SubscriberRegisterRequest, raw json.RawMessage) SubscriberRegisterResponse {
	if err := json.Unmarshal(raw, &req); err != nil {
		return SubscriberRegisterResponse{Error: pserrors.Transient("decode subscriber registration", err).Error()}
	}
	if req.ID == "" || len(req.Topics) == 0 {
		return SubscriberRegisterResponse{Error: "malformed topic list or missing id"}
	}

	rec := pstypes.SubscriberRecord{ID: req.ID, Address: req.Address, Topics: req.Topics, Requested: req.Requested, Zone: b.cfg.Zone}

	if b.cfg.Centralized {
		ports := make(map[string]int, len(req.Topics))
		for _, topic := range req.Topics {
			ports[topic] = b.ensureSendSocket(topic)
		}
		b.reg.addSubscriber(rec)
		b.persistSubscriber(rec)
		return SubscriberRegisterResponse{TopicPorts: ports}
	}

	notifySrv, err := b.allocateNotifyServer(req.ID)
	if err != nil {
		return SubscriberRegisterResponse{Error: pserrors.Fatal("allocate notify port", err).Error()}
	}
	rec.NotifyPort = notifySrv.Port()

	b.reg.addSubscriber(rec)
	b.persistSubscriber(rec)

	go b.sendInitialPublisherList(rec)

	return SubscriberRegisterResponse{RegisterSub: &decentralizedRegisterSub{NotifyPort: notifySrv.Port()}}
}

func (b *Broker) persistSubscriber(rec pstypes.SubscriberRecord) {
	data, _ := json.Marshal(rec)
	if _, setErr := b.coord.Set(pstypes.SubscriberPath(rec.ID), data); setErr != nil {
		if err := b.coord.Create(pstypes.SubscriberPath(rec.ID), data, true); err != nil && err != coord.ErrAlreadyExists {
			b.logger.Warn().Err(err).Str("subscriber_id", rec.ID).Msg("broker: persist subscriber registration failed")
		}
	}
	metrics.SubscribersTotal.WithLabelValues(fmt.Sprint(b.cfg.Zone)).Set(float64(b.reg.numSubscribers()))
	_ = b.updateCurrentLoad()
}

func (b *Broker) handleSubscriberDisconnect(body subscriberDisconnectBody) {
	b.reg.removeSubscriber(body.ID)
	if err := b.coord.Delete(pstypes.SubscriberPath(body.ID), false); err != nil {
		b.logger.Warn().Err(err).Str("subscriber_id", body.ID).Msg("broker: delete subscriber node failed")
	}
	b.mu.Lock()
	if srv, ok := b.notifyReqs[body.ID]; ok {
		srv.Close()
		delete(b.notifyReqs, body.ID)
	}
	b.mu.Unlock()
	b.closeAbandonedSendSockets(body.Topics)
	_ = b.updateCurrentLoad()
}

// sendInitialPublisherList delivers the new subscriber the current
// dominance-filtered publisher set per topic, as a REQ call on the
// broker's own bound notify socket for this subscriber (spec.md §4.4:
// the broker binds host:notify_port, the subscriber connects there).
func (b *Broker) sendInitialPublisherList(sub pstypes.SubscriberRecord) {
	var notifications []NewPublisherNotification
	for _, topic := range sub.Topics {
		var addrs []string
		for _, p := range b.reg.dominatingPublishers(topic, sub.Requested) {
			addrs = append(addrs, p.Address)
		}
		notifications = append(notifications, NewPublisherNotification{RegisterPub: registerPubBody{Addresses: addrs, Topic: topic}})
	}
	b.sendNotification(sub.ID, notifications)
}

// notifyNewPublisher gossips a single newly-visible publisher to one
// already-registered subscriber (decentralized mode only).
func (b *Broker) notifyNewPublisher(sub pstypes.SubscriberRecord, topic string, pub pstypes.PublisherRecord) {
	b.sendNotification(sub.ID, []NewPublisherNotification{{RegisterPub: registerPubBody{Addresses: []string{pub.Address}, Topic: topic}}})
}

func (b *Broker) sendNotification(subID string, notifications []NewPublisherNotification) {
	b.mu.Lock()
	srv, ok := b.notifyReqs[subID]
	b.mu.Unlock()
	if !ok {
		return
	}

	var ack string
	if err := srv.Call(notifications, &ack); err != nil {
		b.logger.Warn().Err(err).Str("subscriber_id", subID).Msg("broker: notify call failed")
	}
}

// allocateNotifyServer binds a persistent REQ socket for subID and
// keeps it open for the lifetime of the subscriber's registration —
// the broker owns this endpoint, matching
// original_source/src/lib/broker.py's notify_sub_sockets, not a
// probe-then-close port check.
func (b *Broker) allocateNotifyServer(subID string) (*transport.ReqServer, error) {
	srv, err := transport.NewReqServer(context.Background(), b.pool)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.notifyReqs[subID] = srv
	b.mu.Unlock()
	return srv, nil
}

func peekDisconnect(raw json.RawMessage) (publisherDisconnectBody, bool) {
	var env struct {
		Disconnect *publisherDisconnectBody `json:"disconnect"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || env.Disconnect == nil {
		return publisherDisconnectBody{}, false
	}
	return *env.Disconnect, true
}

func peekSubscriberDisconnect(raw json.RawMessage) (subscriberDisconnectBody, bool) {
	var env struct {
		Disconnect *subscriberDisconnectBody `json:"disconnect"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || env.Disconnect == nil {
		return subscriberDisconnectBody{}, false
	}
	return *env.Disconnect, true
}
