// Package subscriber implements spec.md §4.4: a client that registers
// topic interests with its zone's primary broker, then either connects
// directly to dominating publishers (decentralized) or consumes the
// broker's per-topic forward stream (centralized), reconfiguring
// transparently when its zone's primary changes.
package subscriber
