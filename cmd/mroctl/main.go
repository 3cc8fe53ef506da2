// Command mroctl performs operator tasks against the mrocore database:
// provisioning the first administrator and generating signing secrets.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"mrocore.org/internal/audit"
	"mrocore.org/internal/auth"
	"mrocore.org/internal/config"
	"mrocore.org/internal/obs"
	"mrocore.org/internal/store/pg"
)

// Seams for tests.
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
	loadConfig   = config.Load
	openStore    = func(cfg *config.Config) (auth.Store, func() error, error) {
		if cfg.Database.DSN == "" {
			return nil, nil, errors.New("database.dsn is required")
		}
		s, err := pg.Open(cfg.Database.DSN, 2)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
)

type fdReader interface {
	io.Reader
	Fd() uintptr
}

const usage = `usage: mroctl <command> [flags]

commands:
  bootstrap-admin  create an administrator account
  secret           print a random signing secret
`

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "mroctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return errors.New("missing command")
	}
	switch args[0] {
	case "bootstrap-admin":
		return bootstrapAdmin(ctx, args[1:], in, out)
	case "secret":
		return printSecret(args[1:], out)
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printSecret(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("secret", flag.ContinueOnError)
	fs.SetOutput(out)
	size := fs.Int("bytes", 32, "number of random bytes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	secret, err := auth.GenerateSecret(*size)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, secret)
	return err
}

func bootstrapAdmin(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("bootstrap-admin", flag.ContinueOnError)
	fs.SetOutput(out)
	number := fs.String("employee-number", "", "employee number of the administrator")
	name := fs.String("name", "", "display name")
	department := fs.String("department", "", "department")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*number) == "" || strings.TrimSpace(*name) == "" {
		return errors.New("-employee-number and -name are required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	obs.Init(obs.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	password, err := promptPassword(in, out)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rbac, err := auth.NewRBACService(store, audit.NewRecorder(store))
	if err != nil {
		return err
	}
	if err := rbac.EnsureBuiltins(ctx); err != nil {
		return err
	}
	user, err := rbac.CreateUser(ctx, "", auth.NewUser{
		Name:                *name,
		EmployeeNumber:      *number,
		Department:          *department,
		Password:            password,
		IsAdmin:             true,
		ForcePasswordChange: true,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "created administrator %s (%s); a password change is required at first login\n", user.EmployeeNumber, user.ID)
	return err
}

// promptPassword reads the password twice. A terminal is read without echo;
// piped input is read line by line.
func promptPassword(in io.Reader, out io.Writer) (string, error) {
	read := lineReader(in)
	if f, ok := in.(fdReader); ok && isTerminal(int(f.Fd())) {
		read = func() (string, error) {
			pw, err := readPassword(int(f.Fd()))
			fmt.Fprintln(out)
			return string(pw), err
		}
	}
	fmt.Fprint(out, "Password: ")
	first, err := read()
	if err != nil {
		return "", err
	}
	fmt.Fprint(out, "Repeat password: ")
	second, err := read()
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passwords do not match")
	}
	if err := auth.ValidatePasswordStrength(first); err != nil {
		return "", err
	}
	return first, nil
}

func lineReader(in io.Reader) func() (string, error) {
	r := bufio.NewReader(in)
	return func() (string, error) {
		line, err := r.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
}
