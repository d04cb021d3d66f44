package bus

// Reconciliation pass event topics.
const (
	TopicPassStarted   = "sync.pass.started"
	TopicPassCompleted = "sync.pass.completed"
	TopicPassFailed    = "sync.pass.failed"

	TopicIdentityReconciled = "sync.identity.reconciled"
	TopicIdentitySkipped    = "sync.identity.skipped"
	TopicConflictDetected   = "sync.conflict.detected"
	TopicTombstone          = "sync.tombstone"
)

// PassEvent is published when a reconciliation pass starts, completes, or
// fails.
type PassEvent struct {
	PassID  string
	SystemA string
	SystemB string
	Err     string // set for sync.pass.failed
}

// IdentityEvent is published per reconciled or skipped identity.
type IdentityEvent struct {
	PassID string
	UUID   string
	State  string // classification the driver acted on
	Err    string // set for sync.identity.skipped
}

// ConflictEvent is published when both sides changed the same task.
type ConflictEvent struct {
	PassID   string
	UUID     string
	Resolved bool
}

// TombstoneEvent is published when a task vanished from one system and its
// counterpart is retired.
type TombstoneEvent struct {
	PassID string
	UUID   string
	System string // system the task vanished from
}
