package locking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"mrocore.org/internal/dbx"
)

// Placeholder selects the bind-parameter syntax of the SQL dialect.
type Placeholder int

const (
	Dollar   Placeholder = iota // $1, $2 (postgres)
	Question                    // ?, ? (sqlite)
)

// Target names the table backing a versioned resource.
type Target struct {
	Table        string
	ResourceType string
}

// LoadFunc reads the current state of a record.
type LoadFunc func(ctx context.Context, q dbx.DBTX, id int64) (Versioned, error)

// ApplyFunc writes the mutation for a record that passed the version check.
// It must not touch the version column. Returning ErrNoChange leaves the
// record and its version as they are.
type ApplyFunc func(ctx context.Context, tx dbx.DBTX, current Versioned) error

// ErrNoChange is returned by an ApplyFunc when the mutation would not alter the record.
var ErrNoChange = errors.New("locking: no change")

// Coordinator brackets load, check, apply and version increment in one transaction.
type Coordinator struct {
	db          *sql.DB
	placeholder Placeholder
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPlaceholder overrides the default postgres placeholder style.
func WithPlaceholder(p Placeholder) Option {
	return func(c *Coordinator) { c.placeholder = p }
}

// NewCoordinator constructs a Coordinator over db.
func NewCoordinator(db *sql.DB, opts ...Option) *Coordinator {
	c := &Coordinator{db: db, placeholder: Dollar}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Update performs a version-checked mutation of one record and returns its
// committed state. Stale versions yield *ConflictError whose CurrentData is
// re-read after the rollback.
func (c *Coordinator) Update(ctx context.Context, target Target, id int64, provided Provided, load LoadFunc, apply ApplyFunc) (Versioned, error) {
	if c == nil || c.db == nil {
		return nil, errors.New("locking: database connection unavailable")
	}
	var updated Versioned
	err := dbx.WithTx(ctx, c.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		current, err := load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := CheckVersion(current, provided); err != nil {
			return err
		}
		if err := apply(ctx, tx, current); err != nil {
			if errors.Is(err, ErrNoChange) {
				updated = current
				return nil
			}
			return err
		}
		if err := c.increment(ctx, tx, target, current); err != nil {
			return err
		}
		updated, err = load(ctx, tx, id)
		return err
	})
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			c.refresh(ctx, conflict, id, load)
		}
		return nil, err
	}
	return updated, nil
}

func (c *Coordinator) increment(ctx context.Context, tx dbx.DBTX, target Target, current Versioned) error {
	res, err := tx.ExecContext(ctx, c.casQuery(target.Table), current.ResourceID(), current.CurrentVersion())
	if err != nil {
		return fmt.Errorf("increment version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment version: %w", err)
	}
	if n == 0 {
		pv := current.CurrentVersion()
		return &ConflictError{
			ResourceType:    target.ResourceType,
			ResourceID:      current.ResourceID(),
			CurrentVersion:  current.CurrentVersion(),
			ProvidedVersion: &pv,
		}
	}
	return nil
}

func (c *Coordinator) casQuery(table string) string {
	if c.placeholder == Question {
		return fmt.Sprintf(`update %s set version = version + 1 where id = ? and version = ?`, table)
	}
	return fmt.Sprintf(`update %s set version = version + 1 where id = $1 and version = $2`, table)
}

// refresh replaces the conflict snapshot with the row as committed by the winner.
func (c *Coordinator) refresh(ctx context.Context, conflict *ConflictError, id int64, load LoadFunc) {
	fresh, err := load(ctx, c.db, id)
	if err != nil {
		return
	}
	conflict.CurrentVersion = fresh.CurrentVersion()
	conflict.CurrentData = fresh
}
