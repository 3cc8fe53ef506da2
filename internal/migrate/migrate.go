// Package migrate applies the embedded schema migrations with goose.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var migrations embed.FS

const migrationsDir = "sql"

// Seams for tests.
var (
	gooseUpContext     = goose.UpContext
	gooseDownContext   = goose.DownContext
	gooseStatusContext = goose.StatusContext
)

// Manager runs migrations against one database.
type Manager struct {
	db      *sql.DB
	dialect string
}

// Option configures Manager.
type Option func(*Manager)

// WithDialect overrides the goose dialect (default "pgx").
func WithDialect(dialect string) Option {
	return func(m *Manager) {
		if dialect != "" {
			m.dialect = dialect
		}
	}
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{db: db, dialect: "pgx"}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations.
func (m *Manager) Up(ctx context.Context) error {
	if err := m.setup(); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, m.db, migrationsDir); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Down rolls back the most recent migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.setup(); err != nil {
		return err
	}
	if err := gooseDownContext(ctx, m.db, migrationsDir); err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// Status logs the applied state of every migration.
func (m *Manager) Status(ctx context.Context) error {
	if err := m.setup(); err != nil {
		return err
	}
	if err := gooseStatusContext(ctx, m.db, migrationsDir); err != nil {
		return fmt.Errorf("migrate status: %w", err)
	}
	return nil
}

func (m *Manager) setup() error {
	if m.db == nil {
		return errors.New("database connection unavailable")
	}
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect(m.dialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	return nil
}
