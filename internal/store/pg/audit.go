package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mrocore.org/internal/auth"
	"mrocore.org/internal/ids"
)

func (s *Store) AppendAudit(ctx context.Context, e auth.AuditEntry) error {
	if s.db == nil {
		return errNoDB
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = b
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, occurred_at, actor_user_id, action, target_user_id,
			resource_type, resource_id, metadata, request_id)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.OccurredAt, e.ActorUserID, e.Action, e.TargetUserID, e.ResourceType, e.ResourceID, meta, e.RequestID)
	return err
}
