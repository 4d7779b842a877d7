// Package session defines the per-connection session record, its state machine,
// the process-wide session id sequencer, output file naming and the registry
// observers use to read session progress.
package session
