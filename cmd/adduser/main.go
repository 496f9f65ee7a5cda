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

	"golang.org/x/term"

	"controlgastos/internal/auth"
	"controlgastos/internal/log"
	"controlgastos/internal/session"
	"controlgastos/internal/storage"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("adduser", flag.ContinueOnError)
	fs.SetOutput(stderr)

	username := fs.String("user", "", "Username")
	passwordFlag := fs.String("password", "", "Password (optional, will prompt if omitted)")
	backendFlag := fs.String("backend", "sqlite", "Storage backend: sqlite or postgres (env DATA_BACKEND)")
	dbPath := fs.String("db", "./data/controlgastos.db", "Path to SQLite database file (env SQLITE_DB_PATH)")
	dsn := fs.String("dsn", "", "PostgreSQL connection string (env DATABASE_URL)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *username == "" {
		fmt.Fprintln(stdout, "Usage: adduser -user <username> [-password <password>] [-backend sqlite|postgres] [-db <db_path>] [-dsn <url>]")
		fs.PrintDefaults()
		return fmt.Errorf("missing required flags: user")
	}

	// Environment fills in whatever was not given on the command line.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	envDefault(set, "backend", "DATA_BACKEND", backendFlag)
	envDefault(set, "db", "SQLITE_DB_PATH", dbPath)
	envDefault(set, "dsn", "DATABASE_URL", dsn)

	password := *passwordFlag
	if password == "" {
		fmt.Fprint(stdout, "Password: ")
		var err error
		password, err = readPassword(stdin)
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(stdout)
	}

	if strings.TrimSpace(password) == "" {
		return fmt.Errorf("password cannot be empty")
	}

	var (
		repo *storage.SQLRepository
		err  error
	)
	switch *backendFlag {
	case "sqlite":
		repo, err = storage.NewSQLiteRepository(*dbPath, log.Discard())
	case "postgres":
		if *dsn == "" {
			return fmt.Errorf("postgres backend needs -dsn or DATABASE_URL")
		}
		repo, err = storage.NewPostgresRepository(*dsn, log.Discard())
	default:
		return fmt.Errorf("unsupported backend %q: users live in sqlite or postgres", *backendFlag)
	}
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer repo.Close()

	svc := auth.NewService(repo, session.NewManager(nil), nil)
	user, err := svc.Register(context.Background(), *username, password)
	switch {
	case errors.Is(err, auth.ErrUserExists):
		return fmt.Errorf("user %s already exists", auth.NormalizeUsername(*username))
	case err != nil:
		return fmt.Errorf("failed to create user: %w", err)
	}

	fmt.Fprintf(stdout, "User %s created successfully with ID %s\n", user.Username, user.ID)
	return nil
}

func envDefault(set map[string]bool, name, env string, dst *string) {
	if set[name] {
		return
	}
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func readPassword(stdin io.Reader) (string, error) {
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		bytePassword, err := term.ReadPassword(int(f.Fd()))
		if err != nil {
			return "", err
		}
		return string(bytePassword), nil
	}

	// Pipes and tests.
	scanner := bufio.NewScanner(stdin)
	if scanner.Scan() {
		return scanner.Text(), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
