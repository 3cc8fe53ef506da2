package inventory

import (
	"context"
	"errors"
	"strconv"

	"mrocore.org/internal/auth"
	"mrocore.org/internal/locking"
	"mrocore.org/internal/obs"
	"mrocore.org/internal/stream"
)

// Store persists tools. UpdateTool must run the version check and increment
// atomically with the mutation.
type Store interface {
	GetTool(ctx context.Context, id int64) (Tool, error)
	CreateTool(ctx context.Context, in NewTool) (Tool, error)
	UpdateTool(ctx context.Context, id int64, provided locking.Provided, upd ToolUpdate) (Tool, bool, error)
}

// Publisher receives change events after commit.
type Publisher interface {
	Publish(evt stream.ChangeEvent)
}

// Service fronts a Store with validation, auditing and change notification.
type Service struct {
	store   Store
	events  Publisher
	auditor auth.Auditor
}

// NewService wires the tool service. events and auditor may be nil.
func NewService(store Store, events Publisher, auditor auth.Auditor) (*Service, error) {
	if store == nil {
		return nil, errors.New("inventory: store is required")
	}
	return &Service{store: store, events: events, auditor: auditor}, nil
}

func (s *Service) Get(ctx context.Context, id int64) (Tool, error) {
	return s.store.GetTool(ctx, id)
}

func (s *Service) Create(ctx context.Context, actor string, in NewTool) (Tool, error) {
	in, err := in.Normalize()
	if err != nil {
		return Tool{}, err
	}
	tool, err := s.store.CreateTool(ctx, in)
	if err != nil {
		return Tool{}, err
	}
	s.committed(ctx, actor, "tool.create", tool)
	return tool, nil
}

// Update applies upd when provided matches the stored version. A stale
// version yields *locking.ConflictError carrying the current tool.
func (s *Service) Update(ctx context.Context, actor string, id int64, provided locking.Provided, upd ToolUpdate) (Tool, error) {
	if err := upd.Validate(); err != nil {
		return Tool{}, err
	}
	tool, changed, err := s.store.UpdateTool(ctx, id, provided, upd)
	if err != nil {
		var conflict *locking.ConflictError
		if errors.As(err, &conflict) {
			obs.ObserveConflict(ResourceTool)
		}
		return Tool{}, err
	}
	if !changed {
		return tool, nil
	}
	s.committed(ctx, actor, "tool.update", tool)
	return tool, nil
}

func (s *Service) committed(ctx context.Context, actor, action string, tool Tool) {
	if s.auditor != nil {
		err := s.auditor.Record(ctx, auth.AuditEntry{
			ActorUserID:  actor,
			Action:       action,
			ResourceType: ResourceTool,
			ResourceID:   strconv.FormatInt(tool.ID, 10),
			Metadata:     map[string]string{"version": strconv.FormatInt(tool.Version, 10)},
		})
		if err != nil {
			obs.Logger().WithError(err).WithField("action", action).Warn("audit_record_failed")
		}
	}
	if s.events != nil {
		s.events.Publish(stream.ChangeEvent{
			ResourceType: ResourceTool,
			ResourceID:   tool.ID,
			Version:      tool.Version,
			Actor:        actor,
		})
	}
}
