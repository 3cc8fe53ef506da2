package pg

import (
	"context"
	"database/sql"
	"errors"

	"mrocore.org/internal/auth"
	"mrocore.org/internal/dbx"
)

const overrideSelect = `
	select up.user_id, up.permission_id, p.name, up.grant_type, up.granted_by, up.reason,
		up.expires_at, up.created_at, up.updated_at
	from user_permissions up
	join permissions p on p.id = up.permission_id`

func scanOverride(row rowScanner) (auth.UserPermission, error) {
	var (
		p       auth.UserPermission
		grant   string
		expires sql.NullTime
	)
	if err := row.Scan(&p.UserID, &p.PermissionID, &p.PermissionName, &grant, &p.GrantedBy, &p.Reason,
		&expires, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.UserPermission{}, auth.ErrNotFound
		}
		return auth.UserPermission{}, err
	}
	p.GrantType = auth.GrantType(grant)
	p.ExpiresAt = timePtr(expires)
	return p, nil
}

func (s *Store) ListOverrides(ctx context.Context, userID string) ([]auth.UserPermission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, overrideSelect+` where up.user_id = $1 order by p.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []auth.UserPermission{}
	for rows.Next() {
		p, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) UpsertOverride(ctx context.Context, p auth.UserPermission) (auth.UserPermission, error) {
	if s.db == nil {
		return auth.UserPermission{}, errNoDB
	}
	var saved auth.UserPermission
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := upsertOverride(ctx, tx, p); err != nil {
			return err
		}
		var err error
		saved, err = scanOverride(tx.QueryRowContext(ctx, overrideSelect+` where up.user_id = $1 and p.name = $2`, p.UserID, p.PermissionName))
		return err
	})
	if err != nil {
		return auth.UserPermission{}, err
	}
	return saved, nil
}

func (s *Store) DeleteOverride(ctx context.Context, userID, permissionName string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		delete from user_permissions up
		using permissions p
		where p.id = up.permission_id and up.user_id = $1 and p.name = $2
	`, userID, permissionName)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, auth.ErrNotFound)
}

// ReplaceOverrides swaps the full override set of userID in one transaction.
func (s *Store) ReplaceOverrides(ctx context.Context, userID string, perms []auth.UserPermission) error {
	if s.db == nil {
		return errNoDB
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, `delete from user_permissions where user_id = $1`, userID); err != nil {
			return err
		}
		for _, p := range perms {
			p.UserID = userID
			if err := upsertOverride(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertOverride(ctx context.Context, tx dbx.DBTX, p auth.UserPermission) error {
	permID, err := permissionID(ctx, tx, p.PermissionName)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into user_permissions (user_id, permission_id, grant_type, granted_by, reason, expires_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (user_id, permission_id) do update
		set grant_type = excluded.grant_type, granted_by = excluded.granted_by,
			reason = excluded.reason, expires_at = excluded.expires_at, updated_at = now()
	`, p.UserID, permID, string(p.GrantType), p.GrantedBy, p.Reason, nullTime(p.ExpiresAt))
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return auth.ErrNotFound
	}
	return err
}
