package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-zeromq/zmq4"
)

// RepServer wraps a bound REP socket and decodes/encodes JSON request
// and reply bodies, matching the registration protocol spec.md §6
// describes (a single JSON request, a single JSON reply, no
// pipelining — REQ/REP's lockstep is exactly this shape).
type RepServer struct {
	sock zmq4.Socket
	port int
	pool *PortAllocator
}

// NewRepServer binds a REP socket to a random port drawn from pool.
func NewRepServer(ctx context.Context, pool *PortAllocator) (*RepServer, error) {
	sock := NewRepSocket(ctx)
	port, err := pool.BindRandom(sock)
	if err != nil {
		sock.Close()
		return nil, err
	}
	return &RepServer{sock: sock, port: port, pool: pool}, nil
}

// Port reports the bound port.
func (s *RepServer) Port() int { return s.port }

// Socket exposes the underlying zmq4 socket so a Poller can watch it.
func (s *RepServer) Socket() zmq4.Socket { return s.sock }

// Close closes the underlying socket and releases its port.
func (s *RepServer) Close() error {
	s.pool.Release(s.port)
	return s.sock.Close()
}

// ReceiveRequest blocks for the next request and unmarshals it into v.
// Callers that already have the request off a Poller must use
// DecodeRequest on that Event's Msg instead — Recv-ing here a second
// time would block forever waiting for a request the poller already
// consumed.
func (s *RepServer) ReceiveRequest(v interface{}) error {
	msg, err := s.sock.Recv()
	if err != nil {
		return fmt.Errorf("transport: recv request: %w", err)
	}
	return DecodeRequest(msg, v)
}

// DecodeRequest unmarshals a request message already received — by a
// Poller's background goroutine, typically — into v. Handlers that
// dequeue an Event from a Poller must decode ev.Msg with this instead
// of calling ReceiveRequest again on the same socket.
func DecodeRequest(msg zmq4.Msg, v interface{}) error {
	if len(msg.Frames) == 0 {
		return fmt.Errorf("transport: empty request")
	}
	if err := json.Unmarshal(msg.Frames[0], v); err != nil {
		return fmt.Errorf("transport: decode request: %w", err)
	}
	return nil
}

// SendReply JSON-encodes v and sends it as the reply to the
// most-recently received request.
func (s *RepServer) SendReply(v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: encode reply: %w", err)
	}
	if err := s.sock.Send(zmq4.NewMsg(body)); err != nil {
		return fmt.Errorf("transport: send reply: %w", err)
	}
	return nil
}

// ReqServer wraps a bound, persistent REQ socket: the broker's side of
// the decentralized notify channel (spec.md §4.4), which binds once at
// subscriber registration and then issues repeated Call()s as new
// publishers appear, matching original_source/src/lib/broker.py's
// notify_sub_sockets (bound once, kept open, reused for every
// notify_subscribers call) rather than dialing out per notification.
type ReqServer struct {
	sock zmq4.Socket
	port int
	pool *PortAllocator
}

// NewReqServer binds a REQ socket to a random port drawn from pool.
func NewReqServer(ctx context.Context, pool *PortAllocator) (*ReqServer, error) {
	sock := NewReqSocket(ctx)
	port, err := pool.BindRandom(sock)
	if err != nil {
		sock.Close()
		return nil, err
	}
	return &ReqServer{sock: sock, port: port, pool: pool}, nil
}

// Port reports the bound port a subscriber connects its REP socket to.
func (s *ReqServer) Port() int { return s.port }

// Socket exposes the underlying zmq4 socket.
func (s *ReqServer) Socket() zmq4.Socket { return s.sock }

// Close closes the underlying socket and releases its port.
func (s *ReqServer) Close() error {
	s.pool.Release(s.port)
	return s.sock.Close()
}

// Call sends req and decodes the single reply into resp.
func (s *ReqServer) Call(req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("transport: encode notification: %w", err)
	}
	if err := s.sock.Send(zmq4.NewMsg(body)); err != nil {
		return fmt.Errorf("transport: send notification: %w", err)
	}
	msg, err := s.sock.Recv()
	if err != nil {
		return fmt.Errorf("transport: recv notification ack: %w", err)
	}
	if len(msg.Frames) == 0 {
		return fmt.Errorf("transport: empty notification ack")
	}
	if err := json.Unmarshal(msg.Frames[0], resp); err != nil {
		return fmt.Errorf("transport: decode notification ack: %w", err)
	}
	return nil
}

// RepClient wraps a connected REP socket: the subscriber's side of the
// decentralized notify channel, which dials the broker's notify
// endpoint rather than binding one of its own, matching
// original_source/src/lib/subscriber.py's notify_sub_socket.connect().
type RepClient struct {
	sock zmq4.Socket
}

// DialRepClient dials a REP socket at endpoint (e.g. "tcp://host:port").
func DialRepClient(ctx context.Context, endpoint string) (*RepClient, error) {
	sock := NewRepSocket(ctx)
	if err := sock.Dial(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("transport: dial %s: %w", endpoint, err)
	}
	return &RepClient{sock: sock}, nil
}

// Socket exposes the underlying zmq4 socket so a Poller can watch it.
func (c *RepClient) Socket() zmq4.Socket { return c.sock }

// Close closes the underlying socket.
func (c *RepClient) Close() error { return c.sock.Close() }

// SendReply JSON-encodes v and sends it as the reply to the
// most-recently received notification.
func (c *RepClient) SendReply(v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: encode reply: %w", err)
	}
	if err := c.sock.Send(zmq4.NewMsg(body)); err != nil {
		return fmt.Errorf("transport: send reply: %w", err)
	}
	return nil
}

// RegClient is the publisher/subscriber side of the registration
// channel: dial once, then Call as many times as needed (reconnecting
// on Dial after a primary switch).
type RegClient struct {
	sock zmq4.Socket
}

// DialReg dials a REQ socket at endpoint (e.g. "tcp://host:port").
func DialReg(ctx context.Context, endpoint string) (*RegClient, error) {
	sock := NewReqSocket(ctx)
	if err := sock.Dial(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("transport: dial %s: %w", endpoint, err)
	}
	return &RegClient{sock: sock}, nil
}

// Close closes the underlying socket.
func (c *RegClient) Close() error { return c.sock.Close() }

// Call sends req and decodes the single reply into resp.
func (c *RegClient) Call(req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("transport: encode request: %w", err)
	}
	if err := c.sock.Send(zmq4.NewMsg(body)); err != nil {
		return fmt.Errorf("transport: send request: %w", err)
	}
	msg, err := c.sock.Recv()
	if err != nil {
		return fmt.Errorf("transport: recv reply: %w", err)
	}
	if len(msg.Frames) == 0 {
		return fmt.Errorf("transport: empty reply")
	}
	if err := json.Unmarshal(msg.Frames[0], resp); err != nil {
		return fmt.Errorf("transport: decode reply: %w", err)
	}
	return nil
}
