/*
Package log provides structured logging shared by every role process
(broker, publisher, subscriber, backup pool, load balancer) using
zerolog.

Call Init once at process start, then derive component-scoped loggers
with WithComponent/WithZone/WithBrokerID/WithClientID so every log line
carries enough context to tell which zone and which entity emitted it.
*/
package log
