package pg

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"mrocore.org/internal/auth"
	"mrocore.org/internal/inventory"
	"mrocore.org/internal/locking"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	return New(db), mock
}

var userCols = []string{
	"id", "name", "employee_number", "department", "is_admin", "is_active", "password_hash",
	"failed_login_attempts", "locked_until", "force_password_change", "password_changed_at",
	"password_history", "totp_secret", "totp_enabled", "created_at", "updated_at",
}

func userRow(id, number string, locked driver.Value) *sqlmock.Rows {
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(userCols).AddRow(
		id, "Ada", number, "Tooling", false, true, "$argon2id$hash",
		2, locked, false, now,
		[]byte(`["$argon2id$old"]`), "", false, now, now,
	)
}

var toolCols = []string{"id", "tool_number", "serial_number", "description", "location", "category", "status", "version", "created_at", "updated_at"}

func toolRow(id, version int64, description string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(toolCols).AddRow(id, "T-1", "SN-1", description, "Bay 1", "hand", "available", version, now, now)
}

func TestFindUserByEmployeeNumber(t *testing.T) {
	store, mock := newMockStore(t)
	locked := time.Date(2024, 3, 1, 8, 15, 0, 0, time.UTC)

	mock.ExpectQuery("from users where employee_number").WithArgs("E100").WillReturnRows(userRow("u-1", "E100", locked))
	u, err := store.FindUserByEmployeeNumber(context.Background(), "E100")
	if err != nil {
		t.Fatalf("FindUserByEmployeeNumber: %v", err)
	}
	if u.ID != "u-1" || u.FailedLoginAttempts != 2 || u.LockedUntil == nil || !u.LockedUntil.Equal(locked) {
		t.Fatalf("unexpected user: %+v", u)
	}
	if len(u.PasswordHistory) != 1 || u.PasswordHistory[0] != "$argon2id$old" {
		t.Fatalf("unexpected history: %v", u.PasswordHistory)
	}

	mock.ExpectQuery("from users where employee_number").WithArgs("NOPE").WillReturnRows(sqlmock.NewRows(userCols))
	if _, err := store.FindUserByEmployeeNumber(context.Background(), "NOPE"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("insert into users").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	_, err := store.CreateUser(context.Background(), auth.User{Name: "Ada", EmployeeNumber: "E100", PasswordHash: "h"})
	if !errors.Is(err, auth.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestRecordLoginFailureIncrementsInDatabase(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	until := now.Add(15 * time.Minute)
	mock.ExpectQuery(`update users set\s+failed_login_attempts = case when locked_until <= \$3 then 1 else failed_login_attempts \+ 1 end`).
		WithArgs("u-1", 5, now, until).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}).AddRow(5, until))

	attempts, locked, err := store.RecordLoginFailure(context.Background(), "u-1", 5, now, until)
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if attempts != 5 || locked == nil || !locked.Equal(until) {
		t.Fatalf("unexpected state: attempts=%d locked=%v", attempts, locked)
	}
}

func TestRecordLoginFailureMissingUser(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectQuery("update users set").
		WithArgs("u-404", 5, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}))

	if _, _, err := store.RecordLoginFailure(context.Background(), "u-404", 5, now, now.Add(time.Minute)); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResetLoginFailuresMissingUser(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("update users set failed_login_attempts = 0").
		WithArgs("u-404").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.ResetLoginFailures(context.Background(), "u-404"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetUserRolesRollsBackOnUnknownRole(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("delete from user_roles").WithArgs("u-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into user_roles").WithArgs("u-1", "r-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into user_roles").WithArgs("u-1", "r-missing").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	mock.ExpectRollback()

	if err := store.SetUserRoles(context.Background(), "u-1", []string{"r-1", "r-missing"}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindRoleSplitsPermissions(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectQuery("from roles r").WithArgs("r-1").WillReturnRows(
		sqlmock.NewRows([]string{"id", "name", "description", "is_system_role", "created_at", "updated_at", "perms"}).
			AddRow("r-1", "Viewer", "Read-only", true, now, now, "report.view,tool.view"),
	)
	role, err := store.FindRole(context.Background(), "r-1")
	if err != nil {
		t.Fatalf("FindRole: %v", err)
	}
	if !role.IsSystemRole || len(role.Permissions) != 2 || role.Permissions[1] != "tool.view" {
		t.Fatalf("unexpected role: %+v", role)
	}
}

func TestAppendAuditEncodesMetadata(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into audit_log").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "u-1", "tool.update", "", "tool", "7", []byte(`{"version":"3"}`), "req-1").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.AppendAudit(context.Background(), auth.AuditEntry{
		ActorUserID: "u-1", Action: "tool.update", ResourceType: "tool", ResourceID: "7",
		Metadata: map[string]string{"version": "3"}, RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
}

func TestUpdateToolIncrementsVersion(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("from tools where id").WithArgs(int64(7)).WillReturnRows(toolRow(7, 2, "old"))
	mock.ExpectExec(`update tools\s+set serial_number`).
		WithArgs(int64(7), "SN-1", "new", "Bay 1", "hand", "available").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`update tools set version = version \+ 1`).WithArgs(int64(7), int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("from tools where id").WithArgs(int64(7)).WillReturnRows(toolRow(7, 3, "new"))
	mock.ExpectCommit()

	desc := "new"
	tool, changed, err := store.UpdateTool(context.Background(), 7, locking.Version(2), inventory.ToolUpdate{Description: &desc})
	if err != nil {
		t.Fatalf("UpdateTool: %v", err)
	}
	if !changed || tool.Version != 3 || tool.Description != "new" {
		t.Fatalf("unexpected tool: %+v", tool)
	}
}

func TestUpdateToolStaleVersion(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("from tools where id").WithArgs(int64(7)).WillReturnRows(toolRow(7, 4, "winner"))
	mock.ExpectRollback()
	mock.ExpectQuery("from tools where id").WithArgs(int64(7)).WillReturnRows(toolRow(7, 4, "winner"))

	desc := "loser"
	_, _, err := store.UpdateTool(context.Background(), 7, locking.Version(3), inventory.ToolUpdate{Description: &desc})
	var conflict *locking.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.CurrentVersion != 4 || *conflict.ProvidedVersion != 3 {
		t.Fatalf("unexpected conflict: %+v", conflict)
	}
	if current, ok := conflict.CurrentData.(inventory.Tool); !ok || current.Description != "winner" {
		t.Fatalf("unexpected current data: %#v", conflict.CurrentData)
	}
}

func TestUpdateToolLosesCompareAndIncrement(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("from tools where id").WithArgs(int64(7)).WillReturnRows(toolRow(7, 2, "old"))
	mock.ExpectExec(`update tools\s+set serial_number`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`update tools set version = version \+ 1`).WithArgs(int64(7), int64(2)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectQuery("from tools where id").WithArgs(int64(7)).WillReturnRows(toolRow(7, 3, "racer"))

	desc := "mine"
	_, _, err := store.UpdateTool(context.Background(), 7, locking.Version(2), inventory.ToolUpdate{Description: &desc})
	var conflict *locking.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.CurrentVersion != 3 {
		t.Fatalf("conflict must carry the committed version, got %d", conflict.CurrentVersion)
	}
	if current := conflict.CurrentData.(inventory.Tool); current.Description != "racer" {
		t.Fatalf("unexpected current data: %+v", current)
	}
}

func TestUpdateToolWithoutChangesKeepsVersion(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("from tools where id").WithArgs(int64(7)).WillReturnRows(toolRow(7, 2, "same"))
	mock.ExpectCommit()

	desc := "same"
	tool, changed, err := store.UpdateTool(context.Background(), 7, locking.Version(2), inventory.ToolUpdate{Description: &desc})
	if err != nil {
		t.Fatalf("UpdateTool: %v", err)
	}
	if changed || tool.Version != 2 {
		t.Fatalf("unchanged tool must keep its version: changed=%v version=%d", changed, tool.Version)
	}
}

func TestGetToolNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("from tools where id").WithArgs(int64(9)).WillReturnRows(sqlmock.NewRows(toolCols))
	if _, err := store.GetTool(context.Background(), 9); !errors.Is(err, inventory.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNilDatabaseGuard(t *testing.T) {
	store := &Store{}
	if _, err := store.FindUser(context.Background(), "u-1"); err == nil {
		t.Fatal("expected error without a database")
	}
	if _, err := store.GetTool(context.Background(), 1); err == nil {
		t.Fatal("expected error without a database")
	}
	if err := store.Ping(context.Background()); err == nil {
		t.Fatal("expected error without a database")
	}
}
