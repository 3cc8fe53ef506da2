package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"mrocore.org/internal/dbx"
	"mrocore.org/internal/inventory"
	"mrocore.org/internal/locking"
)

const toolColumns = `id, tool_number, serial_number, description, location, category, status, version, created_at, updated_at`

var toolTarget = locking.Target{Table: "tools", ResourceType: inventory.ResourceTool}

func scanTool(row rowScanner) (inventory.Tool, error) {
	var t inventory.Tool
	err := row.Scan(&t.ID, &t.ToolNumber, &t.SerialNumber, &t.Description, &t.Location, &t.Category,
		&t.Status, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.Tool{}, inventory.ErrNotFound
	}
	return t, err
}

func loadTool(ctx context.Context, q dbx.DBTX, id int64) (locking.Versioned, error) {
	t, err := scanTool(q.QueryRowContext(ctx, `select `+toolColumns+` from tools where id = $1`, id))
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) GetTool(ctx context.Context, id int64) (inventory.Tool, error) {
	if s.db == nil {
		return inventory.Tool{}, errNoDB
	}
	return scanTool(s.db.QueryRowContext(ctx, `select `+toolColumns+` from tools where id = $1`, id))
}

func (s *Store) CreateTool(ctx context.Context, in inventory.NewTool) (inventory.Tool, error) {
	if s.db == nil {
		return inventory.Tool{}, errNoDB
	}
	t, err := scanTool(s.db.QueryRowContext(ctx, `
		insert into tools (tool_number, serial_number, description, location, category, status, version)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning `+toolColumns,
		in.ToolNumber, in.SerialNumber, in.Description, in.Location, in.Category, in.Status, locking.InitialVersion))
	if err != nil {
		if isUniqueViolation(err) {
			return inventory.Tool{}, fmt.Errorf("%w: tool number %s", inventory.ErrAlreadyExists, in.ToolNumber)
		}
		return inventory.Tool{}, err
	}
	return t, nil
}

// UpdateTool runs the mutation through the lock coordinator so the version
// check, the field update and the increment commit together.
func (s *Store) UpdateTool(ctx context.Context, id int64, provided locking.Provided, upd inventory.ToolUpdate) (inventory.Tool, bool, error) {
	if s.db == nil {
		return inventory.Tool{}, false, errNoDB
	}
	changed := false
	updated, err := s.locks.Update(ctx, toolTarget, id, provided, loadTool,
		func(ctx context.Context, tx dbx.DBTX, current locking.Versioned) error {
			prev := current.(inventory.Tool)
			next := prev
			upd.Apply(&next)
			if next == prev {
				return locking.ErrNoChange
			}
			changed = true
			_, err := tx.ExecContext(ctx, `
				update tools
				set serial_number = $2, description = $3, location = $4, category = $5, status = $6, updated_at = now()
				where id = $1
			`, next.ID, next.SerialNumber, next.Description, next.Location, next.Category, next.Status)
			return err
		})
	if err != nil {
		return inventory.Tool{}, false, err
	}
	return updated.(inventory.Tool), changed, nil
}
