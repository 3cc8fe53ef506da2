package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"mrocore.org/internal/auth"
	"mrocore.org/internal/dbx"
	"mrocore.org/internal/ids"
)

const roleSelect = `
	select r.id, r.name, r.description, r.is_system_role, r.created_at, r.updated_at,
		coalesce(array_to_string(array_agg(p.name order by p.name) filter (where p.name is not null), ','), '')
	from roles r
	left join role_permissions rp on rp.role_id = r.id
	left join permissions p on p.id = rp.permission_id`

func scanRole(row rowScanner) (auth.Role, error) {
	var (
		role  auth.Role
		perms string
	)
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.IsSystemRole, &role.CreatedAt, &role.UpdatedAt, &perms)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Role{}, err
	}
	role.Permissions = []string{}
	if perms != "" {
		role.Permissions = strings.Split(perms, ",")
	}
	return role, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, roleSelect+` group by r.id order by r.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) FindRole(ctx context.Context, id string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	return scanRole(s.db.QueryRowContext(ctx, roleSelect+` where r.id = $1 group by r.id`, id))
}

func (s *Store) FindRoleByName(ctx context.Context, name string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	return scanRole(s.db.QueryRowContext(ctx, roleSelect+` where r.name = $1 group by r.id`, name))
}

func (s *Store) CreateRole(ctx context.Context, role auth.Role) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into roles (id, name, description, is_system_role)
		values ($1, $2, $3, $4)
		returning created_at, updated_at
	`, role.ID, role.Name, role.Description, role.IsSystemRole).Scan(&role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return auth.Role{}, fmt.Errorf("%w: role %s", auth.ErrAlreadyExists, role.Name)
		}
		return auth.Role{}, err
	}
	role.Permissions = []string{}
	return role, nil
}

func (s *Store) UpdateRole(ctx context.Context, id string, upd auth.RoleUpdate) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Description != nil {
		sets = append(sets, fmt.Sprintf("description = $%d", idx))
		args = append(args, *upd.Description)
		idx++
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update roles set %s where id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			if isUniqueViolation(err) {
				return auth.Role{}, fmt.Errorf("%w: role %s", auth.ErrAlreadyExists, *upd.Name)
			}
			return auth.Role{}, err
		}
		if err := affectedOrNotFound(res, auth.ErrNotFound); err != nil {
			return auth.Role{}, err
		}
	}
	return s.FindRole(ctx, id)
}

func (s *Store) DeleteRole(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, auth.ErrNotFound)
}

func (s *Store) SetRolePermissions(ctx context.Context, roleID string, names []string) error {
	if s.db == nil {
		return errNoDB
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `select 1 from roles where id = $1`, roleID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return auth.ErrNotFound
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
			return err
		}
		for _, name := range names {
			permID, err := permissionID(ctx, tx, name)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				insert into role_permissions (role_id, permission_id)
				values ($1, $2)
				on conflict do nothing
			`, roleID, permID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `update roles set updated_at = now() where id = $1`, roleID)
		return err
	})
}

func (s *Store) UserRolePermissions(ctx context.Context, userID string) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.name
		from user_roles ur
		join role_permissions rp on rp.role_id = ur.role_id
		join permissions p on p.id = rp.permission_id
		where ur.user_id = $1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		perms = append(perms, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select id, name, description, category from permissions order by category, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Category); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// EnsurePermissions inserts missing catalog entries and refreshes labels of existing ones.
func (s *Store) EnsurePermissions(ctx context.Context, perms []auth.Permission) error {
	if s.db == nil {
		return errNoDB
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, p := range perms {
			if _, err := tx.ExecContext(ctx, `
				insert into permissions (id, name, description, category)
				values ($1, $2, $3, $4)
				on conflict (name) do update
				set description = excluded.description, category = excluded.category
			`, ids.New(), p.Name, p.Description, p.Category); err != nil {
				return err
			}
		}
		return nil
	})
}

func permissionID(ctx context.Context, q dbx.DBTX, name string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, `select id from permissions where name = $1`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: permission %s", auth.ErrNotFound, name)
	}
	return id, err
}
