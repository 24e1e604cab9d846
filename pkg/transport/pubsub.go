package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-zeromq/zmq4"
)

// EventPublisher wraps a bound PUB socket. Frame 0 is the topic (so
// subscribers can filter by prefix via zmq's own subscription
// mechanism), frame 1 is the JSON-encoded payload — the two-frame
// envelope spec.md §6 describes for event dissemination.
type EventPublisher struct {
	sock zmq4.Socket
	port int
	pool *PortAllocator
}

// NewEventPublisher binds a PUB socket to a random port.
func NewEventPublisher(ctx context.Context, pool *PortAllocator) (*EventPublisher, error) {
	sock := zmq4.NewPub(ctx)
	port, err := pool.BindRandom(sock)
	if err != nil {
		sock.Close()
		return nil, err
	}
	return &EventPublisher{sock: sock, port: port, pool: pool}, nil
}

// Port reports the bound port.
func (p *EventPublisher) Port() int { return p.port }

// Close closes the socket and releases its port.
func (p *EventPublisher) Close() error {
	p.pool.Release(p.port)
	return p.sock.Close()
}

// Socket exposes the underlying zmq4 socket for verbatim forwarding
// (centralized mode relays publisher frames unmodified).
func (p *EventPublisher) Socket() zmq4.Socket { return p.sock }

// Publish sends payload tagged with topic to every current subscriber.
func (p *EventPublisher) Publish(topic string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: encode event: %w", err)
	}
	msg := zmq4.NewMsgFrom([]byte(topic), body)
	if err := p.sock.Send(msg); err != nil {
		return fmt.Errorf("transport: publish %s: %w", topic, err)
	}
	return nil
}

// EventSubscriber wraps a SUB socket dialed at one or more publisher
// endpoints, filtered to a fixed set of topics.
type EventSubscriber struct {
	sock zmq4.Socket
}

// NewEventSubscriber dials endpoint and subscribes to topics. An empty
// topics list subscribes to everything.
func NewEventSubscriber(ctx context.Context, endpoint string, topics []string) (*EventSubscriber, error) {
	sock := zmq4.NewSub(ctx)
	if err := sock.Dial(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("transport: dial %s: %w", endpoint, err)
	}
	if len(topics) == 0 {
		if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
			sock.Close()
			return nil, fmt.Errorf("transport: subscribe all: %w", err)
		}
	}
	for _, t := range topics {
		if err := sock.SetOption(zmq4.OptionSubscribe, t); err != nil {
			sock.Close()
			return nil, fmt.Errorf("transport: subscribe %s: %w", t, err)
		}
	}
	return &EventSubscriber{sock: sock}, nil
}

// Close closes the underlying socket.
func (s *EventSubscriber) Close() error { return s.sock.Close() }

// Receive blocks for the next matching message and decodes its payload
// frame into v, returning the topic frame verbatim. Callers that
// already have the message off a Poller must use DecodeEvent on that
// Event's Msg instead — Recv-ing here a second time would block
// forever waiting for a message the poller already consumed.
func (s *EventSubscriber) Receive(v interface{}) (topic string, err error) {
	msg, err := s.sock.Recv()
	if err != nil {
		return "", fmt.Errorf("transport: recv event: %w", err)
	}
	return DecodeEvent(msg, v)
}

// DecodeEvent decodes the payload frame of an event message already
// received — by a Poller's background goroutine, typically — into v,
// returning the topic frame verbatim. Handlers that dequeue an Event
// from a Poller must decode ev.Msg with this instead of calling
// Receive again on the same socket.
func DecodeEvent(msg zmq4.Msg, v interface{}) (topic string, err error) {
	if len(msg.Frames) != 2 {
		return "", fmt.Errorf("transport: malformed event envelope (%d frames)", len(msg.Frames))
	}
	if err := json.Unmarshal(msg.Frames[1], v); err != nil {
		return "", fmt.Errorf("transport: decode event: %w", err)
	}
	return string(msg.Frames[0]), nil
}

// Socket exposes the underlying zmq4 socket so a Poller can watch it
// alongside registration sockets.
func (s *EventSubscriber) Socket() zmq4.Socket { return s.sock }
