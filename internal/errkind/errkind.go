// Package errkind defines the sentinel error values pgclone components
// wrap with fmt.Errorf("...: %w", ...) so callers can classify failures
// with errors.Is instead of matching on strings.
package errkind

import "errors"

var (
	// ConfigMismatch means the working directory's catalog disagrees with
	// the connection parameters or filter file passed on this invocation.
	ConfigMismatch = errors.New("config mismatch")

	// SnapshotLost means the exported snapshot's holding transaction ended
	// before every table-copy worker finished reading it.
	SnapshotLost = errors.New("snapshot lost")

	// CopyAborted means a COPY stream failed mid-transfer on a connection
	// that can be retried on a fresh one.
	CopyAborted = errors.New("copy aborted")

	// ConstraintPromotionConflict means ALTER TABLE ... ADD CONSTRAINT
	// USING INDEX failed after the backing index had already built clean.
	ConstraintPromotionConflict = errors.New("constraint promotion conflict")

	// ReplicationDisconnected means the logical replication connection
	// dropped and the receiver must reconnect and resume from its last
	// confirmed LSN.
	ReplicationDisconnected = errors.New("replication disconnected")

	// ApplyConflict means a change could not be applied to the target
	// (unique violation, missing row on update/delete, etc).
	ApplyConflict = errors.New("apply conflict")

	// EndposReached is returned by the CDC receiver when it reaches a
	// configured end LSN. It is a normal termination signal, not a failure.
	EndposReached = errors.New("endpos reached")

	// Cancelled means the operation stopped because its context was
	// cancelled (signal, or a sibling worker's fail-fast cancellation).
	Cancelled = errors.New("cancelled")
)
