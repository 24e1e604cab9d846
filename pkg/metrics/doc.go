/*
Package metrics defines the Prometheus metrics exposed by every role
process and served over /metrics via Handler(). It also carries a
small generic health-status aggregator (health.go) with handlers for
/health, /ready and /live endpoints, and a Timer helper for histogram
timing. cmd/pubsubd mounts only the /metrics handler.
*/
package metrics
