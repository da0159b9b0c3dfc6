// Package storage implements the SQLite-backed store for users,
// expenses, and recurrence jobs.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"outlay/internal/core"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &SQLiteRepository{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return r, nil
}

// migrate applies pending embedded schema migrations on the shared
// pool. The migrate instance is not Closed: its Close would close the
// pool out from under the repository.
func (r *SQLiteRepository) migrate() error {
	driver, err := migratesqlite.WithInstance(r.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// isUniqueViolation reports whether err is a sqlite unique-constraint
// failure. modernc/sqlite exposes no typed error for this.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateUser inserts a local-credential user. A taken username yields
// core.ErrDuplicateUsername.
func (r *SQLiteRepository) CreateUser(ctx context.Context, username, passwordHash string) (core.User, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, currency) VALUES (?, ?, ?)`,
		username, passwordHash, core.DefaultCurrency,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return core.User{}, core.ErrDuplicateUsername
		}
		return core.User{}, fmt.Errorf("insert user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return core.User{}, fmt.Errorf("user insert id: %w", err)
	}
	return r.UserByID(ctx, id)
}

func (r *SQLiteRepository) scanUser(row *sql.Row) (core.User, error) {
	var (
		u          core.User
		budget     int64
		externalID sql.NullString
	)
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Currency, &budget, &externalID, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, core.ErrNotFound
	}
	if err != nil {
		return core.User{}, fmt.Errorf("scan user: %w", err)
	}
	u.Budget = core.Money{Cents: budget}
	u.ExternalID = externalID.String
	return u, nil
}

const userColumns = `id, username, password_hash, currency, budget_cents, external_id, created_at`

func (r *SQLiteRepository) UserByID(ctx context.Context, id int64) (core.User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (r *SQLiteRepository) UserByUsername(ctx context.Context, username string) (core.User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}

func (r *SQLiteRepository) UserByExternalID(ctx context.Context, externalID string) (core.User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE external_id = ?`, externalID))
}

// UpsertExternalUser returns the user bound to externalID, creating it
// on first sight. Created accounts have no local credential. The call
// is idempotent; a concurrent insert race resolves to the winner's row.
func (r *SQLiteRepository) UpsertExternalUser(ctx context.Context, externalID, email string) (core.User, error) {
	u, err := r.UserByExternalID(ctx, externalID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return core.User{}, err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, currency, external_id) VALUES (?, '', ?, ?)`,
		email, core.DefaultCurrency, externalID,
	)
	if err != nil {
		if !isUniqueViolation(err) {
			return core.User{}, fmt.Errorf("insert external user: %w", err)
		}
		// Either a concurrent insert of the same identity won the race,
		// or the email is already taken as a local username. Only the
		// first case leaves a row to return.
		u, lookupErr := r.UserByExternalID(ctx, externalID)
		if errors.Is(lookupErr, core.ErrNotFound) {
			return core.User{}, core.ErrDuplicateUsername
		}
		return u, lookupErr
	}
	return r.UserByExternalID(ctx, externalID)
}

// UpdateUserPassword replaces the stored credential hash.
func (r *SQLiteRepository) UpdateUserPassword(ctx context.Context, id int64, passwordHash string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ? WHERE id = ?`, passwordHash, id)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update password rows: %w", err)
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

// nullableUnix converts an optional timestamp to its storage form.
func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func joinTags(tags []string) string {
	return strings.Join(tags, ",")
}

func parseTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
