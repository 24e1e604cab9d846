// Package backuppool implements spec.md §4.5: a process that watches
// /shared_state/current_load and, once it crosses a configured
// threshold, spins up a fresh broker in the next unused zone — the
// "autoscale up" actor.
package backuppool
