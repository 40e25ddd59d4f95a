package outcome

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Guizzs26/booking-sync/internal/models"
)

type postgresBackend struct {
	pool *pgxpool.Pool
}

func openPostgres(ctx context.Context, connString string) (*postgresBackend, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres not responding: %w", err)
	}

	return &postgresBackend{pool: p}, nil
}

func (b *postgresBackend) queryRow(ctx context.Context, query string, args ...any) row {
	return pgRow{b.pool.QueryRow(ctx, query, args...)}
}

func (b *postgresBackend) query(ctx context.Context, query string, args ...any) (rows, error) {
	r, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (b *postgresBackend) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := b.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (b *postgresBackend) ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

func (b *postgresBackend) close() {
	b.pool.Close()
}

type pgRow struct {
	pgx.Row
}

func (r pgRow) Scan(dest ...any) error {
	err := r.Row.Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}
