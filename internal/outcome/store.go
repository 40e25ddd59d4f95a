package outcome

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Guizzs26/booking-sync/internal/models"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	// sqlite caps bound variables per statement; postgres does not care.
	syncedChunk = 500
)

// Store is the durable idempotency ledger. One row per booking id; the
// conditional claim is what serializes concurrent attempts, across
// processes as well as goroutines.
type Store struct {
	db     backend
	driver string
	logger *slog.Logger
}

func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*Store, error) {
	var (
		db  backend
		err error
	)
	switch driver {
	case DriverPostgres:
		db, err = openPostgres(ctx, dsn)
	case DriverSQLite:
		db, err = openSQLite(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported outcome store driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Outcome store connected", "driver", driver)
	return &Store{db: db, driver: driver, logger: logger.With("component", "outcome_store")}, nil
}

func (s *Store) Driver() string {
	return s.driver
}

func (s *Store) InitSchema(ctx context.Context) error {
	schema := sqliteSchema
	if s.driver == DriverPostgres {
		schema = postgresSchema
	}
	if _, err := s.db.exec(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.ping(ctx)
}

func (s *Store) Close() {
	s.db.close()
}

// Get returns models.ErrNotFound when the booking was never attempted.
func (s *Store) Get(ctx context.Context, bookingID string) (models.SyncOutcome, error) {
	o, err := scanOutcome(s.db.queryRow(ctx, selectOutcome, bookingID))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.SyncOutcome{}, err
		}
		return models.SyncOutcome{}, fmt.Errorf("get outcome %s: %w", bookingID, err)
	}
	return o, nil
}

// Claim atomically moves the booking into pending for a new attempt. When
// the claim is refused it returns the row as it stands and claimed=false.
func (s *Store) Claim(ctx context.Context, c models.Claim) (models.SyncOutcome, bool, error) {
	o, err := scanOutcome(s.db.queryRow(ctx, claimOutcome,
		c.BookingID, c.OrderID, utc(c.At), c.Force, utc(c.StaleBefore),
	))
	if err == nil {
		return o, true, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return models.SyncOutcome{}, false, fmt.Errorf("claim %s: %w", c.BookingID, err)
	}

	current, err := s.Get(ctx, c.BookingID)
	if err != nil {
		return models.SyncOutcome{}, false, fmt.Errorf("claim %s refused, reload failed: %w", c.BookingID, err)
	}
	return current, false, nil
}

func (s *Store) MarkSuccess(ctx context.Context, bookingID string, res models.SyncResult, at time.Time) error {
	n, err := s.db.exec(ctx, markSuccess, bookingID, res.ERPOrderID, res.ERPCustomerID, res.ERPProductID, utc(at))
	if err != nil {
		return fmt.Errorf("mark success %s: %w", bookingID, err)
	}
	if n == 0 {
		return fmt.Errorf("mark success %s: no pending claim", bookingID)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, bookingID string, f models.FailureUpdate) error {
	n, err := s.db.exec(ctx, markFailed, bookingID, string(f.Kind), f.Detail, utcPtr(f.NextAttemptAt), utc(f.At))
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", bookingID, err)
	}
	if n == 0 {
		return fmt.Errorf("mark failed %s: no pending claim", bookingID)
	}
	return nil
}

// SyncedSet reports which of ids already have a success row.
func (s *Store) SyncedSet(ctx context.Context, ids []string) (map[string]bool, error) {
	synced := make(map[string]bool, len(ids))
	for start := 0; start < len(ids); start += syncedChunk {
		chunk := ids[start:min(start+syncedChunk, len(ids))]

		placeholders := make([]string, len(chunk))
		args := make([]any, len(chunk))
		for i, id := range chunk {
			placeholders[i] = "$" + strconv.Itoa(i+1)
			args[i] = id
		}

		r, err := s.db.query(ctx, fmt.Sprintf(selectSynced, strings.Join(placeholders, ", ")), args...)
		if err != nil {
			return nil, fmt.Errorf("synced set: %w", err)
		}
		for r.Next() {
			var id string
			if err := r.Scan(&id); err != nil {
				r.Close()
				return nil, fmt.Errorf("synced set scan: %w", err)
			}
			synced[id] = true
		}
		err = r.Err()
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("synced set: %w", err)
		}
	}
	return synced, nil
}

// ListRetryable returns failed rows with a transient error kind whose
// backoff has elapsed, and pending rows claimed before staleBefore, oldest
// due first.
func (s *Store) ListRetryable(ctx context.Context, now, staleBefore time.Time, maxAttempts, limit int) ([]models.SyncOutcome, error) {
	r, err := s.db.query(ctx, selectRetryable, maxAttempts, utc(now), limit, utc(staleBefore))
	if err != nil {
		return nil, fmt.Errorf("list retryable: %w", err)
	}
	return collect(r)
}

// RetryBacklog counts every row the scheduler will still retry on its own,
// due or not.
func (s *Store) RetryBacklog(ctx context.Context, staleBefore time.Time, maxAttempts int) (int, error) {
	var n int
	if err := s.db.queryRow(ctx, countRetryable, maxAttempts, utc(staleBefore)).Scan(&n); err != nil {
		return 0, fmt.Errorf("retry backlog: %w", err)
	}
	return n, nil
}

// MarkRejected records a permanent failure for a row that is not currently
// held by a claim. It is a no-op on success rows.
func (s *Store) MarkRejected(ctx context.Context, bookingID, detail string, at time.Time) error {
	if _, err := s.db.exec(ctx, markRejected, bookingID, detail, utc(at)); err != nil {
		return fmt.Errorf("mark rejected %s: %w", bookingID, err)
	}
	return nil
}

type ListFilter struct {
	Status models.SyncStatus
	Limit  int
}

// List returns the most recently attempted rows first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]models.SyncOutcome, error) {
	query := `SELECT ` + outcomeColumns + ` FROM booking_sync_outcomes`
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += ` WHERE status = $1`
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(` ORDER BY attempted_at DESC, booking_id ASC LIMIT $%d`, len(args))

	r, err := s.db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	return collect(r)
}

// Stats counts rows per status. Missing statuses are reported as zero.
func (s *Store) Stats(ctx context.Context) (map[models.SyncStatus]int, error) {
	stats := map[models.SyncStatus]int{
		models.StatusPending: 0,
		models.StatusSuccess: 0,
		models.StatusFailed:  0,
	}

	r, err := s.db.query(ctx, selectStats)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer r.Close()

	for r.Next() {
		var (
			status string
			n      int
		)
		if err := r.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("stats scan: %w", err)
		}
		stats[models.SyncStatus(status)] = n
	}
	return stats, r.Err()
}

// GetWatermark returns models.ErrNotFound before the first successful tick.
func (s *Store) GetWatermark(ctx context.Context, scope string) (models.Watermark, error) {
	var w models.Watermark
	err := s.db.queryRow(ctx, selectWatermark, scope).Scan(
		&w.Scope, &w.Watermark, &w.LastSuccessAt, &w.LastAttemptAt, &w.LastError,
	)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Watermark{}, err
		}
		return models.Watermark{}, fmt.Errorf("get watermark %s: %w", scope, err)
	}
	w.Watermark = w.Watermark.UTC()
	return w, nil
}

func (s *Store) SetWatermark(ctx context.Context, w models.Watermark) error {
	_, err := s.db.exec(ctx, upsertWatermark,
		w.Scope, utc(w.Watermark), utcPtr(w.LastSuccessAt), utcPtr(w.LastAttemptAt), w.LastError,
	)
	if err != nil {
		return fmt.Errorf("set watermark %s: %w", w.Scope, err)
	}
	return nil
}

func scanOutcome(r row) (models.SyncOutcome, error) {
	var (
		o      models.SyncOutcome
		status string
		kind   string
	)
	err := r.Scan(
		&o.BookingID, &o.OrderID, &status, &o.ERPOrderID, &o.ERPCustomerID, &o.ERPProductID,
		&kind, &o.ErrorDetail, &o.AttemptCount, &o.AttemptedAt, &o.NextAttemptAt, &o.CompletedAt,
	)
	if err != nil {
		return models.SyncOutcome{}, err
	}

	o.Status = models.SyncStatus(status)
	o.ErrorKind = models.ErrorKind(kind)
	o.AttemptedAt = o.AttemptedAt.UTC()
	return o, nil
}

func collect(r rows) ([]models.SyncOutcome, error) {
	defer r.Close()

	var out []models.SyncOutcome
	for r.Next() {
		o, err := scanOutcome(r)
		if err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, r.Err()
}

// Timestamps are stored in UTC at microsecond precision so both drivers
// round-trip the same value and sqlite text ordering matches time ordering.
func utc(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return utc(*t)
}
