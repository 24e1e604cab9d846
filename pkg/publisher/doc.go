// Package publisher implements spec.md §4.3: a client that binds an
// event-publish endpoint, registers with its zone's primary broker,
// and emits topic-tagged events carrying a sliding history window,
// transparently reconfiguring when its zone's primary changes.
package publisher
