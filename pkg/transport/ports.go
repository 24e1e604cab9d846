package transport

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/go-zeromq/zmq4"
)

// Port range brokers draw from when binding registration/event sockets,
// per spec.md §4.2.
const (
	MinPort = 10000
	MaxPort = 20000
)

// PortAllocator hands out random ports in [MinPort, MaxPort) and tracks
// which ones are already bound by this process, mirroring the
// original's clearPort()/used-port-set behavior: a bind failure (port
// already taken by something outside this process) retries with a
// freshly drawn port rather than port+1, bounded by maxBindAttempts.
type PortAllocator struct {
	mu   sync.Mutex
	used map[int]bool
	rng  *rand.Rand
}

// NewPortAllocator builds an allocator seeded from seed (pass a value
// derived from the broker's own id so tests are deterministic).
func NewPortAllocator(seed int64) *PortAllocator {
	return &PortAllocator{
		used: make(map[int]bool),
		rng:  rand.New(rand.NewSource(seed)),
	}
}

func (a *PortAllocator) draw() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		p := MinPort + a.rng.Intn(MaxPort-MinPort)
		if !a.used[p] {
			a.used[p] = true
			return p
		}
	}
}

// Release frees a port this process bound earlier (on socket close),
// so a restarted listener on the same broker can reuse it.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, port)
}

// maxBindAttempts bounds the retry loop; exceeding it is a KindFatal
// condition per spec.md §7 ("no port available after bounded retries").
const maxBindAttempts = 20

// BindRandom binds sock to "tcp://*:<port>" for a freshly-drawn port,
// retrying on failure up to maxBindAttempts times. It returns the port
// that was successfully bound.
func (a *PortAllocator) BindRandom(sock zmq4.Socket) (int, error) {
	var lastErr error
	for attempt := 0; attempt < maxBindAttempts; attempt++ {
		port := a.draw()
		endpoint := fmt.Sprintf("tcp://*:%d", port)
		if err := sock.Listen(endpoint); err != nil {
			a.Release(port)
			lastErr = err
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("transport: no port available after %d attempts: %w", maxBindAttempts, lastErr)
}

// NewRepSocket builds a REQ/REP reply socket used for registration
// handlers (spec.md §4.2/§4.3/§4.4's publisher/subscriber registration
// channel).
func NewRepSocket(ctx context.Context) zmq4.Socket {
	return zmq4.NewRep(ctx)
}

// NewReqSocket builds the client side of the registration channel.
func NewReqSocket(ctx context.Context) zmq4.Socket {
	return zmq4.NewReq(ctx)
}
