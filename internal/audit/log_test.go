package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"mrocore.org/internal/auth"
	"mrocore.org/internal/obs"
)

type failingSink struct{}

func (failingSink) AppendAudit(context.Context, auth.AuditEntry) error {
	return errors.New("disk full")
}

func TestRecorderLogsAndPersists(t *testing.T) {
	var buf bytes.Buffer
	obs.Init(obs.Options{Format: "json", Output: &buf})
	t.Cleanup(func() { obs.Init(obs.Options{}) })

	store := auth.NewMemoryStore()
	rec := NewRecorder(store)

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = auth.ContextWithClaims(ctx, &auth.Claims{UserID: "user-42"})

	err := rec.Record(ctx, auth.AuditEntry{
		Action:       "rbac.role.create",
		ResourceType: "role",
		ResourceID:   "r-1",
		Metadata:     map[string]string{"name": "Stores"},
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v (%s)", err, buf.String())
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "rbac.role.create" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" {
		t.Fatalf("unexpected user id: %v", entry["user_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["name"] != "Stores" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}

	stored := store.AuditEntries()
	if len(stored) != 1 {
		t.Fatalf("expected 1 persisted entry, got %d", len(stored))
	}
	if stored[0].RequestID != "req-123" || stored[0].ActorUserID != "user-42" || stored[0].OccurredAt.IsZero() {
		t.Fatalf("persisted entry not enriched: %+v", stored[0])
	}
}

func TestRecorderSinkFailure(t *testing.T) {
	var buf bytes.Buffer
	obs.Init(obs.Options{Output: &buf})
	t.Cleanup(func() { obs.Init(obs.Options{}) })

	if err := NewRecorder(failingSink{}).Record(context.Background(), auth.AuditEntry{Action: "x"}); err == nil {
		t.Fatal("expected sink error")
	}
	if buf.Len() == 0 {
		t.Fatal("entry must be logged even when the sink fails")
	}
	if err := NewRecorder(nil).Record(context.Background(), auth.AuditEntry{Action: "x"}); err != nil {
		t.Fatalf("log-only recorder: %v", err)
	}
}

func TestRequestIDFromContext(t *testing.T) {
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("unexpected id %q", got)
	}
	if got := RequestIDFromContext(WithRequestID(context.Background(), "  ")); got != "" {
		t.Fatalf("blank id stored: %q", got)
	}
}
