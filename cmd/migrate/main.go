package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"

	"mrocore.org/internal/migrate"
	"mrocore.org/internal/obs"
)

var openDB = func(dsn string) (*sql.DB, error) { return sql.Open("pgx", dsn) }

func main() {
	log := obs.Init(obs.Options{Level: "info", Format: "text"})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stderr, log); err != nil {
		log.WithError(err).Fatal("migrate_failed")
	}
}

func run(ctx context.Context, args []string, stderr io.Writer, log *logrus.Logger) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dsn := fs.String("dsn", os.Getenv("MROCORE_DATABASE_DSN"), "PostgreSQL DSN")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dsn == "" {
		return errors.New("missing DSN: provide via -dsn or MROCORE_DATABASE_DSN")
	}
	if fs.NArg() == 0 {
		return errors.New("usage: migrate [-dsn DSN] up|down|status")
	}
	cmd := fs.Arg(0)
	if cmd != "up" && cmd != "down" && cmd != "status" {
		return fmt.Errorf("unknown command %q", cmd)
	}

	db, err := openDB(*dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db)
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "status":
		err = mgr.Status(ctx)
	}
	if err != nil {
		return err
	}
	log.WithField("command", cmd).Info("migrate_done")
	return nil
}
