package audit

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mrocore.org/internal/auth"
	"mrocore.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Recorder writes audit entries to the structured log and, when a sink is
// configured, to durable storage.
type Recorder struct {
	sink auth.AuditStore
	now  func() time.Time
}

var _ auth.Auditor = (*Recorder)(nil)

// NewRecorder builds a recorder. sink may be nil for log-only auditing.
func NewRecorder(sink auth.AuditStore) *Recorder {
	return &Recorder{sink: sink, now: time.Now}
}

// Record enriches entry with request and caller context, logs it and persists it.
func (r *Recorder) Record(ctx context.Context, entry auth.AuditEntry) error {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = r.now().UTC()
	}
	if entry.RequestID == "" {
		entry.RequestID = RequestIDFromContext(ctx)
	}
	if entry.ActorUserID == "" {
		entry.ActorUserID = auth.ActorFromContext(ctx)
	}

	fields := logrus.Fields{
		"type":        "audit",
		"event":       entry.Action,
		"occurred_at": entry.OccurredAt.Format(time.RFC3339Nano),
	}
	for k, v := range map[string]string{
		"request_id":     entry.RequestID,
		"user_id":        entry.ActorUserID,
		"target_user_id": entry.TargetUserID,
		"resource_type":  entry.ResourceType,
		"resource_id":    entry.ResourceID,
	} {
		if v != "" {
			fields[k] = v
		}
	}
	if len(entry.Metadata) > 0 {
		meta := make(map[string]string, len(entry.Metadata))
		for k, v := range entry.Metadata {
			meta[k] = v
		}
		fields["fields"] = meta
	}
	obs.Logger().WithFields(fields).Info("audit")

	if r.sink == nil {
		return nil
	}
	return r.sink.AppendAudit(ctx, entry)
}
