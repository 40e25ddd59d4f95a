package reconcile

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/Guizzs26/booking-sync/internal/config"
	"github.com/Guizzs26/booking-sync/internal/engine"
	"github.com/Guizzs26/booking-sync/internal/models"
	"github.com/Guizzs26/booking-sync/internal/storefront"
	"github.com/Guizzs26/booking-sync/pkg/infra"
	"github.com/Guizzs26/booking-sync/pkg/metrics"
)

const WatermarkScope = "woocommerce_orders"

type Storefront interface {
	FetchOrder(ctx context.Context, orderID string) (storefront.RawOrder, error)
	RecentOrders(ctx context.Context, since time.Time) iter.Seq2[storefront.RawOrder, error]
	IsBillable(o storefront.RawOrder) bool
}

type Syncer interface {
	Sync(ctx context.Context, rec models.BookingRecord, opts engine.Options) (engine.Result, error)
}

type Store interface {
	SyncedSet(ctx context.Context, ids []string) (map[string]bool, error)
	ListRetryable(ctx context.Context, now, staleBefore time.Time, maxAttempts, limit int) ([]models.SyncOutcome, error)
	RetryBacklog(ctx context.Context, staleBefore time.Time, maxAttempts int) (int, error)
	MarkRejected(ctx context.Context, bookingID, detail string, at time.Time) error
	GetWatermark(ctx context.Context, scope string) (models.Watermark, error)
	SetWatermark(ctx context.Context, w models.Watermark) error
}

// Report summarizes one pass.
type Report struct {
	Since          time.Time `json:"since"`
	Orders         int       `json:"orders"`
	Ignored        int       `json:"ignored"`
	Malformed      int       `json:"malformed"`
	Bookings       int       `json:"bookings"`
	AlreadySynced  int       `json:"already_synced"`
	Synced         int       `json:"synced"`
	Failed         int       `json:"failed"`
	InFlight       int       `json:"in_flight"`
	NeedsAttention int       `json:"needs_attention"`
	Retried        int       `json:"retried"`
}

type Reconciler struct {
	storefront Storefront
	syncer     Syncer
	store      Store
	logger     *slog.Logger
	now        func() time.Time

	interval       time.Duration
	lookback       time.Duration
	overlap        time.Duration
	bookingTimeout time.Duration
	staleAfter     time.Duration
	maxAttempts    int
	retryBatch     int

	// One pass at a time, whether from the ticker or a manual window.
	passMu sync.Mutex
}

func New(sf Storefront, syncer Syncer, store Store, cfg config.Config, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		storefront:     sf,
		syncer:         syncer,
		store:          store,
		logger:         logger.With("component", "reconciler"),
		now:            time.Now,
		interval:       cfg.SyncInterval,
		lookback:       cfg.ReconcileLookback,
		overlap:        cfg.ReconcileOverlap,
		bookingTimeout: cfg.BookingTimeout,
		staleAfter:     cfg.ClaimStaleAfter,
		maxAttempts:    cfg.MaxAttempts,
		retryBatch:     cfg.BatchSize,
	}
}

// Run ticks until ctx is canceled. A failed tick is retried on a jittered
// backoff capped at the interval instead of waiting out the full interval.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("🔁 Reconciliation scheduler started", "interval", r.interval, "lookback", r.lookback)
	backoff := infra.NewBackoff(5*time.Second, r.interval, 2.0)

	wait := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("👋 Reconciliation scheduler stopped")
			return
		case <-time.After(wait):
		}

		if _, err := r.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				r.logger.Info("👋 Reconciliation scheduler stopped")
				return
			}
			wait = backoff.Next()
			r.logger.Error("Reconciliation tick failed", "retry_in", wait, "attempts", backoff.Attempts(), "error", err)
			continue
		}

		backoff.Reset()
		wait = r.interval
	}
}

// Tick pulls orders since the stored watermark, syncs the bookings that are
// not yet successful and then re-drives due retries. The watermark moves to
// the tick start as soon as the fetch succeeds.
func (r *Reconciler) Tick(ctx context.Context) (Report, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	start := r.now()
	timer := time.Now()
	defer func() { metrics.ReconcileDuration.Observe(time.Since(timer).Seconds()) }()

	since := start.Add(-r.lookback)
	wm, err := r.store.GetWatermark(ctx, WatermarkScope)
	switch {
	case err == nil:
		since = wm.Watermark
	case !errors.Is(err, models.ErrNotFound):
		return Report{}, fmt.Errorf("load watermark: %w", err)
	}

	orders, err := r.fetch(ctx, since.Add(-r.overlap))
	if err != nil {
		metrics.ReconcileFailures.Inc()
		r.noteFailure(ctx, wm, since, start, err)
		return Report{Since: since}, fmt.Errorf("fetch orders since %s: %w", since.Format(time.RFC3339), err)
	}

	if err := r.store.SetWatermark(ctx, models.Watermark{
		Scope:         WatermarkScope,
		Watermark:     start,
		LastSuccessAt: &start,
		LastAttemptAt: &start,
	}); err != nil {
		return Report{Since: since}, fmt.Errorf("advance watermark: %w", err)
	}

	report := Report{Since: since}
	seen, err := r.process(ctx, orders, engine.SourceScheduler, &report)
	if err != nil {
		return report, err
	}

	if err := r.retry(ctx, seen, &report); err != nil {
		return report, err
	}

	metrics.ReconcileBookings.WithLabelValues("fetched").Observe(float64(report.Bookings))
	metrics.ReconcileBookings.WithLabelValues("synced").Observe(float64(report.Synced))
	metrics.ReconcileBookings.WithLabelValues("failed").Observe(float64(report.Failed))
	r.logger.Info("Reconciliation tick finished",
		"since", since,
		"orders", report.Orders,
		"bookings", report.Bookings,
		"synced", report.Synced,
		"failed", report.Failed,
		"retried", report.Retried,
		"duration_ms", time.Since(timer).Milliseconds(),
	)
	return report, nil
}

// ReconcileWindow syncs everything since the given time without touching
// the watermark. Operators use it after an outage longer than the lookback.
func (r *Reconciler) ReconcileWindow(ctx context.Context, since time.Time) (Report, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	report := Report{Since: since}
	orders, err := r.fetch(ctx, since)
	if err != nil {
		return report, fmt.Errorf("fetch orders since %s: %w", since.Format(time.RFC3339), err)
	}

	_, err = r.process(ctx, orders, engine.SourceManual, &report)
	return report, err
}

func (r *Reconciler) fetch(ctx context.Context, since time.Time) ([]storefront.RawOrder, error) {
	var orders []storefront.RawOrder
	for o, err := range r.storefront.RecentOrders(ctx, since) {
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (r *Reconciler) noteFailure(ctx context.Context, wm models.Watermark, since, at time.Time, cause error) {
	msg := cause.Error()
	wm.Scope = WatermarkScope
	wm.Watermark = since
	wm.LastAttemptAt = &at
	wm.LastError = &msg

	if err := r.store.SetWatermark(ctx, wm); err != nil {
		r.logger.Warn("Failed to record tick failure", "error", err)
	}
}

// process normalizes orders and syncs bookings one by one. A bad order or a
// failed booking never stops the pass; only cancellation does.
func (r *Reconciler) process(ctx context.Context, orders []storefront.RawOrder, source string, report *Report) (map[string]bool, error) {
	report.Orders += len(orders)

	var pending []models.BookingRecord
	for _, o := range orders {
		if !r.storefront.IsBillable(o) {
			report.Ignored++
			continue
		}

		recs, err := storefront.Normalize(o)
		if err != nil {
			report.Malformed++
			metrics.MalformedOrders.WithLabelValues(source).Inc()
			r.logger.Warn("Skipping malformed order", "order_id", o.ID, "error", err)
			continue
		}
		pending = append(pending, recs...)
	}
	report.Bookings += len(pending)

	seen := make(map[string]bool, len(pending))
	if len(pending) == 0 {
		return seen, nil
	}

	ids := make([]string, len(pending))
	for i, rec := range pending {
		ids[i] = rec.BookingID
	}
	synced, err := r.store.SyncedSet(ctx, ids)
	if err != nil {
		return seen, fmt.Errorf("load synced set: %w", err)
	}

	for _, rec := range pending {
		seen[rec.BookingID] = true
		if synced[rec.BookingID] {
			report.AlreadySynced++
			continue
		}

		select {
		case <-ctx.Done():
			r.logger.Warn("Shutdown signal received, leaving remaining bookings for the next tick")
			return seen, ctx.Err()
		default:
		}

		r.syncOne(ctx, rec, source, report)
	}
	return seen, nil
}

// retry re-drives failed bookings whose backoff has elapsed and pending
// claims abandoned by a crashed worker. They are re-fetched so the ERP sees
// the order as it stands now.
func (r *Reconciler) retry(ctx context.Context, seen map[string]bool, report *Report) error {
	now := r.now()
	staleBefore := now.Add(-r.staleAfter)
	due, err := r.store.ListRetryable(ctx, now, staleBefore, r.maxAttempts, r.retryBatch)
	if err != nil {
		return fmt.Errorf("list retryable: %w", err)
	}

	byOrder := map[string][]models.SyncOutcome{}
	var orderIDs []string
	for _, o := range due {
		if seen[o.BookingID] {
			continue
		}
		if _, ok := byOrder[o.OrderID]; !ok {
			orderIDs = append(orderIDs, o.OrderID)
		}
		byOrder[o.OrderID] = append(byOrder[o.OrderID], o)
	}

	for _, orderID := range orderIDs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		l := r.logger.With("order_id", orderID)
		order, err := r.storefront.FetchOrder(ctx, orderID)
		if errors.Is(err, models.ErrNotFound) {
			l.Error("Order vanished from the storefront, giving up on its bookings")
			for _, o := range byOrder[orderID] {
				r.reject(ctx, o.BookingID, fmt.Sprintf("order %s not found in storefront", orderID))
			}
			continue
		}
		if err != nil {
			l.Warn("Retry skipped, order fetch failed", "error", err)
			continue
		}
		if !r.storefront.IsBillable(order) {
			l.Warn("Retry skipped, order is no longer billable", "status", order.Status)
			continue
		}

		recs, err := storefront.Normalize(order)
		if err != nil {
			metrics.MalformedOrders.WithLabelValues(engine.SourceRetry).Inc()
			l.Warn("Retry skipped, order became malformed", "error", err)
			continue
		}

		byID := make(map[string]models.BookingRecord, len(recs))
		for _, rec := range recs {
			byID[rec.BookingID] = rec
		}
		for _, o := range byOrder[orderID] {
			rec, ok := byID[o.BookingID]
			if !ok {
				l.Warn("Booking no longer in order, giving up", "booking_id", o.BookingID)
				r.reject(ctx, o.BookingID, fmt.Sprintf("booking no longer in order %s", orderID))
				continue
			}
			report.Retried++
			r.syncOne(ctx, rec, engine.SourceRetry, report)
		}
	}

	if backlog, err := r.store.RetryBacklog(ctx, staleBefore, r.maxAttempts); err == nil {
		metrics.RetryBacklog.Set(float64(backlog))
	}
	return nil
}

func (r *Reconciler) reject(ctx context.Context, bookingID, detail string) {
	if err := r.store.MarkRejected(ctx, bookingID, detail, r.now()); err != nil {
		r.logger.Warn("Failed to record rejection", "booking_id", bookingID, "error", err)
		return
	}
	metrics.SyncOutcomes.WithLabelValues(string(models.StatusFailed), string(models.KindRejected), engine.SourceRetry).Inc()
}

func (r *Reconciler) syncOne(ctx context.Context, rec models.BookingRecord, source string, report *Report) {
	bookingCtx := ctx
	if r.bookingTimeout > 0 {
		var cancel context.CancelFunc
		bookingCtx, cancel = context.WithTimeout(ctx, r.bookingTimeout)
		defer cancel()
	}

	res, err := r.syncer.Sync(bookingCtx, rec, engine.Options{Source: source})
	switch {
	case err == nil && res.AlreadySynced:
		report.AlreadySynced++
	case err == nil:
		report.Synced++
	case errors.Is(err, models.ErrSyncInFlight):
		report.InFlight++
	case errors.Is(err, models.ErrNeedsAttention):
		report.NeedsAttention++
	default:
		report.Failed++
	}
}
