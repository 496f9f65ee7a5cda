// Package storage persists expenses and users in SQLite or PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"controlgastos/internal/core"
	"controlgastos/internal/expenses"
	"controlgastos/internal/log"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) driverName() string {
	return string(d)
}

// SQLRepository implements expenses.Repository and the user store over
// database/sql. Queries are written with ? placeholders and rebound for
// PostgreSQL.
type SQLRepository struct {
	db      *sql.DB
	dialect Dialect
	logger  *log.Logger
}

var _ expenses.Repository = (*SQLRepository)(nil)

// NewSQLiteRepository opens (creating if needed) the database file at dbPath
// and migrates it.
func NewSQLiteRepository(dbPath string, logger *log.Logger) (*SQLRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	return open(DialectSQLite, dsn, logger)
}

// NewPostgresRepository connects to dsn and migrates the schema.
func NewPostgresRepository(dsn string, logger *log.Logger) (*SQLRepository, error) {
	return open(DialectPostgres, dsn, logger)
}

func open(d Dialect, dsn string, logger *log.Logger) (*SQLRepository, error) {
	if logger == nil {
		logger = log.Discard()
	}

	db, err := sql.Open(d.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", d, err)
	}
	if d == DialectSQLite {
		// One writer at a time; readers share the same connection.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w: %w", core.ErrConnectivity, err)
	}

	if err := RunMigrations(d, dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLRepository{
		db:      db,
		dialect: d,
		logger:  logger.WithComponent(log.ComponentStorage),
	}, nil
}

func (r *SQLRepository) Dialect() Dialect {
	return r.dialect
}

func (r *SQLRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", core.ErrConnectivity, err)
	}
	return nil
}

func (r *SQLRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// occurred_at holds Unix nanoseconds; core.ValidDate keeps dates within
// the representable range.
const expenseColumns = "id, user_id, name, amount_cents, category, occurred_at, description"

func (r *SQLRepository) Insert(ctx context.Context, e core.Expense) error {
	if !core.ValidDate(e.Date) {
		return fmt.Errorf("insert expense: %w", core.ErrInvalidDate)
	}
	_, err := r.db.ExecContext(ctx, r.rebind(
		`INSERT INTO expenses (`+expenseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.UserID, e.Name, e.Amount.Cents, string(e.Category), e.Date.UnixNano(), e.Description)
	if err != nil {
		return wrapErr("insert expense", err)
	}
	return nil
}

func (r *SQLRepository) Replace(ctx context.Context, e core.Expense) (string, error) {
	if !core.ValidDate(e.Date) {
		return "", fmt.Errorf("replace expense: %w", core.ErrInvalidDate)
	}
	var owner string
	err := r.db.QueryRowContext(ctx, r.rebind(
		`UPDATE expenses
		    SET name = ?, amount_cents = ?, category = ?, occurred_at = ?, description = ?
		  WHERE id = ?
		RETURNING user_id`),
		e.Name, e.Amount.Cents, string(e.Category), e.Date.UnixNano(), e.Description, e.ID,
	).Scan(&owner)
	if err != nil {
		return "", wrapErr("replace expense", err)
	}
	return owner, nil
}

func (r *SQLRepository) Delete(ctx context.Context, id string) (string, bool, error) {
	var owner string
	err := r.db.QueryRowContext(ctx, r.rebind(
		`DELETE FROM expenses WHERE id = ? RETURNING user_id`), id,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr("delete expense", err)
	}
	return owner, true, nil
}

func (r *SQLRepository) Get(ctx context.Context, id string) (core.Expense, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(
		`SELECT `+expenseColumns+` FROM expenses WHERE id = ?`), id)
	e, err := scanExpense(row)
	if err != nil {
		return core.Expense{}, wrapErr("get expense", err)
	}
	return e, nil
}

func (r *SQLRepository) ListByUser(ctx context.Context, userID string) ([]core.Expense, error) {
	return r.query(ctx, "list expenses",
		`SELECT `+expenseColumns+` FROM expenses
		  WHERE user_id = ?
		  ORDER BY occurred_at DESC, seq DESC`, userID)
}

func (r *SQLRepository) ListByUserBetween(ctx context.Context, userID string, start, end time.Time) ([]core.Expense, error) {
	return r.query(ctx, "list expenses in range",
		`SELECT `+expenseColumns+` FROM expenses
		  WHERE user_id = ? AND occurred_at >= ? AND occurred_at <= ?
		  ORDER BY occurred_at DESC, seq DESC`, userID, start.UnixNano(), end.UnixNano())
}

func (r *SQLRepository) query(ctx context.Context, op, q string, args ...any) ([]core.Expense, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(q), args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()

	var out []core.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, wrapErr(op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(op, err)
	}
	return out, nil
}

// CreateUser stores u; a taken username yields core.ErrUserExists.
func (r *SQLRepository) CreateUser(ctx context.Context, u core.User) error {
	_, err := r.db.ExecContext(ctx, r.rebind(
		`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`),
		u.ID, u.Username, u.PasswordHash, u.CreatedAt.UnixNano())
	if isUniqueViolation(err) {
		return core.ErrUserExists
	}
	if err != nil {
		return wrapErr("create user", err)
	}
	r.logger.InfoContext(ctx, "User created", log.FieldUserID, u.ID, log.FieldUsername, u.Username)
	return nil
}

func (r *SQLRepository) GetUserByUsername(ctx context.Context, username string) (core.User, error) {
	var (
		u       core.User
		created int64
	)
	err := r.db.QueryRowContext(ctx, r.rebind(
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`), username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, core.ErrUserNotFound
	}
	if err != nil {
		return core.User{}, wrapErr("get user", err)
	}
	u.CreatedAt = time.Unix(0, created).UTC()
	return u, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExpense(s scanner) (core.Expense, error) {
	var (
		e        core.Expense
		cents    int64
		category string
		occurred int64
	)
	if err := s.Scan(&e.ID, &e.UserID, &e.Name, &cents, &category, &occurred, &e.Description); err != nil {
		return core.Expense{}, err
	}
	e.Amount = core.Money{Cents: cents}
	e.Category = core.Category(category)
	e.Date = time.Unix(0, occurred).UTC()
	return e, nil
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (r *SQLRepository) rebind(q string) string {
	if r.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// wrapErr maps sql.ErrNoRows to core.ErrNotFound and marks every other
// driver failure as core.ErrConnectivity.
func wrapErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, core.ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, core.ErrConnectivity, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
