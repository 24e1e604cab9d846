// Package pstypes holds the wire and in-memory types shared by every
// role: the publisher/subscriber registration records, the primary-node
// value, and the published event record. Field names and JSON tags
// follow the wire formats named by the external interface contract.
package pstypes
