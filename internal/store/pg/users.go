package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mrocore.org/internal/auth"
	"mrocore.org/internal/dbx"
	"mrocore.org/internal/ids"
)

const userColumns = `id, name, employee_number, department, is_admin, is_active, password_hash,
	failed_login_attempts, locked_until, force_password_change, password_changed_at,
	password_history, totp_secret, totp_enabled, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (auth.User, error) {
	var (
		u       auth.User
		locked  sql.NullTime
		history []byte
	)
	err := row.Scan(&u.ID, &u.Name, &u.EmployeeNumber, &u.Department, &u.IsAdmin, &u.IsActive, &u.PasswordHash,
		&u.FailedLoginAttempts, &locked, &u.ForcePasswordChange, &u.PasswordChangedAt,
		&history, &u.TOTPSecret, &u.TOTPEnabled, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	u.LockedUntil = timePtr(locked)
	if len(history) > 0 {
		if err := json.Unmarshal(history, &u.PasswordHistory); err != nil {
			return auth.User{}, fmt.Errorf("decode password history: %w", err)
		}
	}
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u auth.User) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	history, err := json.Marshal(nonNil(u.PasswordHistory))
	if err != nil {
		return auth.User{}, fmt.Errorf("encode password history: %w", err)
	}
	if u.PasswordChangedAt.IsZero() {
		u.PasswordChangedAt = time.Now().UTC()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into users (id, name, employee_number, department, is_admin, is_active, password_hash,
			force_password_change, password_changed_at, password_history)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		returning `+userColumns,
		u.ID, u.Name, u.EmployeeNumber, u.Department, u.IsAdmin, u.IsActive, u.PasswordHash,
		u.ForcePasswordChange, u.PasswordChangedAt, history)
	created, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return auth.User{}, fmt.Errorf("%w: employee number %s", auth.ErrAlreadyExists, u.EmployeeNumber)
		}
		return auth.User{}, err
	}
	return created, nil
}

func (s *Store) FindUser(ctx context.Context, id string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
}

func (s *Store) FindUserByEmployeeNumber(ctx context.Context, employeeNumber string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where employee_number = $1`, employeeNumber))
}

// RecordLoginFailure increments the counter in a single statement so that
// parallel failures cannot overwrite each other.
func (s *Store) RecordLoginFailure(ctx context.Context, userID string, threshold int, now, lockUntil time.Time) (int, *time.Time, error) {
	if s.db == nil {
		return 0, nil, errNoDB
	}
	var (
		attempts int
		locked   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		update users set
			failed_login_attempts = case when locked_until <= $3 then 1 else failed_login_attempts + 1 end,
			locked_until = case
				when locked_until > $3 then locked_until
				when (case when locked_until <= $3 then 1 else failed_login_attempts + 1 end) >= $2 then $4
				else null
			end,
			updated_at = now()
		where id = $1
		returning failed_login_attempts, locked_until
	`, userID, threshold, now, lockUntil).Scan(&attempts, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, auth.ErrNotFound
	}
	if err != nil {
		return 0, nil, err
	}
	return attempts, timePtr(locked), nil
}

func (s *Store) ResetLoginFailures(ctx context.Context, userID string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update users set failed_login_attempts = 0, locked_until = null, updated_at = now()
		where id = $1
	`, userID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, auth.ErrNotFound)
}

func (s *Store) UpdatePassword(ctx context.Context, userID string, change auth.PasswordChange) error {
	if s.db == nil {
		return errNoDB
	}
	history, err := json.Marshal(nonNil(change.History))
	if err != nil {
		return fmt.Errorf("encode password history: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		update users
		set password_hash = $2, password_history = $3, password_changed_at = $4,
			force_password_change = $5, updated_at = now()
		where id = $1
	`, userID, change.Hash, history, change.ChangedAt, change.ForcePasswordChange)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, auth.ErrNotFound)
}

func (s *Store) SetTOTP(ctx context.Context, userID, secret string, enabled bool) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update users set totp_secret = $2, totp_enabled = $3, updated_at = now()
		where id = $1
	`, userID, secret, enabled)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, auth.ErrNotFound)
}

// SetUserRoles replaces the role assignments of userID in one transaction.
func (s *Store) SetUserRoles(ctx context.Context, userID string, roleIDs []string) error {
	if s.db == nil {
		return errNoDB
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, `delete from user_roles where user_id = $1`, userID); err != nil {
			return err
		}
		for _, roleID := range roleIDs {
			if _, err := tx.ExecContext(ctx, `
				insert into user_roles (user_id, role_id) values ($1, $2)
				on conflict do nothing
			`, userID, roleID); err != nil {
				if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
					return auth.ErrNotFound
				}
				return err
			}
		}
		return nil
	})
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
