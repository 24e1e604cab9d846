package transport

import (
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
)

// Event is one message received on a watched socket.
type Event struct {
	Socket string
	Msg    zmq4.Msg
	Err    error
}

// Poller fans in Recv() results from multiple sockets, approximating
// the original's single-threaded multi-socket poll (spec.md §4.2/§5)
// as a lightweight goroutine per watched endpoint feeding one
// single-consumer channel, per spec.md §9's translation guidance.
type Poller struct {
	mu      sync.Mutex
	events  chan Event
	closed  chan struct{}
	closeWG sync.WaitGroup
}

// NewPoller creates an empty poller with the given event-channel buffer.
func NewPoller(buffer int) *Poller {
	return &Poller{
		events: make(chan Event, buffer),
		closed: make(chan struct{}),
	}
}

// Register starts a goroutine that blocks on sock.Recv() in a loop,
// forwarding every result (success or error) as an Event tagged with
// name. The goroutine exits once the poller is closed or Recv returns
// a non-recoverable error.
func (p *Poller) Register(name string, sock zmq4.Socket) {
	p.closeWG.Add(1)
	go func() {
		defer p.closeWG.Done()
		for {
			msg, err := sock.Recv()
			select {
			case p.events <- Event{Socket: name, Msg: msg, Err: err}:
			case <-p.closed:
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// Next blocks until an event arrives or timeout elapses, matching
// spec.md §4.2's bounded-timeout poll primitive (<=500ms per the
// original's default). A zero timeout blocks indefinitely.
func (p *Poller) Next(timeout time.Duration) (Event, bool) {
	if timeout <= 0 {
		select {
		case ev := <-p.events:
			return ev, true
		case <-p.closed:
			return Event{}, false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case ev := <-p.events:
		return ev, true
	case <-t.C:
		return Event{}, false
	case <-p.closed:
		return Event{}, false
	}
}

// Close stops accepting new events. It does not close the watched
// sockets themselves — callers own those.
func (p *Poller) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
}
