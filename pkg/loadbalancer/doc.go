// Package loadbalancer implements spec.md §4.6: the administrative
// counterpart to the backup pool. It watches /primaries children, the
// publisher/subscriber registries and /shared_state/current_load, and
// demotes the lightest zone's primary on load decrease. It keeps no
// backup-pool list and does not promote backups to primaries; new zones
// come only from pkg/backuppool. It never touches client sockets.
package loadbalancer
