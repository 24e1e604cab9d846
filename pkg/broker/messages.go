package broker

import "encoding/json"

// Wire messages from spec.md §6, JSON-tagged verbatim against the
// field names the spec gives.

// PublisherRegisterRequest is the publisher registration request body.
type PublisherRegisterRequest struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Offered int      `json:"offered"`
	ID      string   `json:"id"`
}

// PublisherRegisterResponse carries either Success or Error, never both.
type PublisherRegisterResponse struct {
	Success string `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SubscriberRegisterRequest is the subscriber registration request body.
type SubscriberRegisterRequest struct {
	Address   string   `json:"address"`
	Topics    []string `json:"topics"`
	Requested int      `json:"requested"`
	ID        string   `json:"id"`
}

// decentralizedRegisterSub wraps the decentralized-mode reply payload.
type decentralizedRegisterSub struct {
	NotifyPort int `json:"notify_port"`
}

// SubscriberRegisterResponse is the subscriber registration reply. In
// decentralized mode only RegisterSub is populated; in centralized
// mode only TopicPorts is populated (spec.md §6: "{topic -> port}").
type SubscriberRegisterResponse struct {
	RegisterSub *decentralizedRegisterSub `json:"register_sub,omitempty"`
	TopicPorts  map[string]int            `json:"-"`
	Error       string                    `json:"error,omitempty"`
}

// MarshalJSON renders the centralized-mode reply as a flat
// topic->port map (spec.md §6: "{<topic>:<int>, ...}"), and the
// decentralized/error replies as their nested form.
func (r SubscriberRegisterResponse) MarshalJSON() ([]byte, error) {
	if r.TopicPorts != nil {
		return json.Marshal(r.TopicPorts)
	}
	type alias SubscriberRegisterResponse
	return json.Marshal(alias(r))
}

// publisherDisconnectBody is the payload under the "disconnect" key.
type publisherDisconnectBody struct {
	ID      string   `json:"id"`
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
}

// PublisherDisconnectRequest wraps the disconnect body as spec.md §6
// specifies: {"disconnect":{...}}.
type PublisherDisconnectRequest struct {
	Disconnect publisherDisconnectBody `json:"disconnect"`
}

type subscriberDisconnectBody struct {
	ID         string   `json:"id"`
	Address    string   `json:"address"`
	Topics     []string `json:"topics"`
	NotifyPort int      `json:"notify_port,omitempty"`
}

// SubscriberDisconnectRequest is the subscriber's disconnect envelope.
type SubscriberDisconnectRequest struct {
	Disconnect subscriberDisconnectBody `json:"disconnect"`
}

// DisconnectResponse acknowledges a disconnect.
type DisconnectResponse struct {
	Disconnect string `json:"disconnect"`
}

// registerPubBody is the payload of one element of the decentralized
// new-publisher gossip array sent broker -> subscriber.
type registerPubBody struct {
	Addresses []string `json:"addresses"`
	Topic     string   `json:"topic"`
}

// NewPublisherNotification wraps registerPubBody under "register_pub".
type NewPublisherNotification struct {
	RegisterPub registerPubBody `json:"register_pub"`
}
