package outcome

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Guizzs26/booking-sync/internal/models"
)

type sqliteBackend struct {
	db *sql.DB
}

// openSQLite is for single-instance deployments and tests. Writers are
// serialized on one connection; WAL keeps readers off the writer's back.
func openSQLite(ctx context.Context, path string) (*sqliteBackend, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping failed: %w", err)
	}

	return &sqliteBackend{db: db}, nil
}

// rebind turns $1 into ?1, which sqlite binds by position.
func rebind(query string) string {
	return strings.ReplaceAll(query, "$", "?")
}

func (b *sqliteBackend) queryRow(ctx context.Context, query string, args ...any) row {
	return sqlRow{b.db.QueryRowContext(ctx, rebind(query), args...)}
}

func (b *sqliteBackend) query(ctx context.Context, query string, args ...any) (rows, error) {
	r, err := b.db.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{r}, nil
}

func (b *sqliteBackend) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := b.db.ExecContext(ctx, rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (b *sqliteBackend) ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *sqliteBackend) close() {
	_ = b.db.Close()
}

type sqlRow struct {
	*sql.Row
}

func (r sqlRow) Scan(dest ...any) error {
	err := r.Row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() {
	_ = r.Rows.Close()
}
