package inventory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mrocore.org/internal/locking"
)

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu       sync.Mutex
	tools    map[int64]*Tool
	byNumber map[string]int64
	seq      int64
	now      func() time.Time
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty tool store.
func NewInMemory() *InMemory {
	return &InMemory{
		tools:    make(map[int64]*Tool),
		byNumber: make(map[string]int64),
		now:      time.Now,
	}
}

func (s *InMemory) GetTool(ctx context.Context, id int64) (Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[id]
	if !ok {
		return Tool{}, ErrNotFound
	}
	return *t, nil
}

func (s *InMemory) CreateTool(ctx context.Context, in NewTool) (Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byNumber[in.ToolNumber]; ok {
		return Tool{}, fmt.Errorf("%w: tool number %s", ErrAlreadyExists, in.ToolNumber)
	}
	s.seq++
	now := s.now().UTC()
	t := &Tool{
		ID:           s.seq,
		ToolNumber:   in.ToolNumber,
		SerialNumber: in.SerialNumber,
		Description:  in.Description,
		Location:     in.Location,
		Category:     in.Category,
		Status:       in.Status,
		Version:      locking.InitialVersion,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.tools[t.ID] = t
	s.byNumber[t.ToolNumber] = t.ID
	return *t, nil
}

// UpdateTool checks and increments the version under the store lock. An
// update that changes no field returns the stored tool untouched.
func (s *InMemory) UpdateTool(ctx context.Context, id int64, provided locking.Provided, upd ToolUpdate) (Tool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[id]
	if !ok {
		return Tool{}, false, ErrNotFound
	}
	if err := locking.CheckVersion(*t, provided); err != nil {
		return Tool{}, false, err
	}
	next := *t
	upd.Apply(&next)
	if next == *t {
		return next, false, nil
	}
	next.Version++
	next.UpdatedAt = s.now().UTC()
	*t = next
	return next, true, nil
}
