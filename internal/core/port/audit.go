package port

import "context"

// AuditEntry represents a single schema-changing or maintenance event.
type AuditEntry struct {
	Action     string
	Target     string
	SQL        string
	DurationMS int64
	Err        error
	Details    any // optional payload, e.g. a maintenance report
}

// Auditor records audit events.
type Auditor interface {
	Record(ctx context.Context, entry AuditEntry)
	Close() error
}
