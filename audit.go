package ability

import (
	"context"
	"time"
)

// ============================================================================
// DECISION AUDIT
// ============================================================================

// AuditEntry records one Decide call.
type AuditEntry struct {
	ID        string    `json:"id"`
	TraceID   string    `json:"trace_id"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
	Action    string    `json:"action"`
	Subject   string    `json:"subject"`
	Mode      Mode      `json:"mode"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
	// ErrorKind is set when the check failed instead of producing a decision.
	ErrorKind Kind `json:"error_kind,omitempty"`
}

type AuditFilter struct {
	UserID    string
	Action    string
	Subject   string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// Matches reports whether e passes every non-zero filter field.
func (f AuditFilter) Matches(e *AuditEntry) bool {
	switch {
	case e == nil:
		return false
	case f.UserID != "" && e.UserID != f.UserID:
		return false
	case f.Action != "" && e.Action != f.Action:
		return false
	case f.Subject != "" && e.Subject != f.Subject:
		return false
	case !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime):
		return false
	case !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime):
		return false
	}
	return true
}

// AuditSink receives an entry per decision. Write failures are logged and
// never change the decision.
type AuditSink interface {
	LogDecision(ctx context.Context, entry *AuditEntry) error
}

// WithAuditSink records every decision in sink.
func WithAuditSink(sink AuditSink) EngineOption {
	return func(e *Engine) error {
		e.audit = sink
		return nil
	}
}

func (e *Engine) writeAudit(ctx context.Context, entry *AuditEntry) {
	if e.audit == nil {
		return
	}
	if err := e.audit.LogDecision(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Warn("audit write failed", "trace_id", entry.TraceID, "error", err)
	}
}
