// Package broker is the per-zone mediator from spec.md §4.2: it
// contends for leadership of its zone, and once primary, serves
// publisher/subscriber registration, maintains topic routing tables
// reconciled from coordinator-backed shared state, and forwards
// events (centralized mode) or gossips new-publisher notifications
// (decentralized mode).
package broker
