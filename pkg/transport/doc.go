// Package transport wraps github.com/go-zeromq/zmq4 sockets for the
// request/reply registration channel and the publish/subscribe event
// channel spec.md §4 describes, plus the per-broker random port
// allocator (spec.md §4.2 "clearPort"). The original system (see
// original_source/) used pyzmq for exactly this; zmq4 is its pure-Go
// counterpart.
//
// There is no OS-level multi-socket poll primitive in zmq4, so the
// "multi-socket poller with a bounded timeout" spec.md §4.2/§5
// describes is realized as spec.md §9 suggests: one goroutine per
// watched socket feeding a single fan-in channel that the event loop
// selects on with a bounded timeout.
package transport
