package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Guizzs26/booking-sync/internal/config"
	"github.com/Guizzs26/booking-sync/internal/events"
	"github.com/Guizzs26/booking-sync/internal/lock"
	"github.com/Guizzs26/booking-sync/internal/models"
	"github.com/Guizzs26/booking-sync/pkg/infra"
	"github.com/Guizzs26/booking-sync/pkg/metrics"
)

// ERP is the subset of the ERP client the engine drives.
type ERP interface {
	FindCustomerByEmail(ctx context.Context, email string) (int64, bool, error)
	CreateCustomer(ctx context.Context, name, email string) (int64, error)
	FindProductByName(ctx context.Context, name string) (int64, bool, error)
	CreateProduct(ctx context.Context, name string, price decimal.Decimal) (int64, error)
	FindSalesOrderByReference(ctx context.Context, reference string) (int64, bool, error)
	CreateSalesOrder(ctx context.Context, customerID, productID int64, amount decimal.Decimal, reference string) (int64, error)
	SetSalesOrderState(ctx context.Context, id int64, state string) error
}

// OutcomeStore is the idempotency ledger.
type OutcomeStore interface {
	Get(ctx context.Context, bookingID string) (models.SyncOutcome, error)
	Claim(ctx context.Context, c models.Claim) (models.SyncOutcome, bool, error)
	MarkSuccess(ctx context.Context, bookingID string, res models.SyncResult, at time.Time) error
	MarkFailed(ctx context.Context, bookingID string, f models.FailureUpdate) error
}

// Locker guards find-or-create sequences keyed by email or product name.
type Locker interface {
	Lock(ctx context.Context, key string) (lock.Unlock, error)
}

// IDCache remembers resolved ERP ids by natural key.
type IDCache interface {
	Get(ctx context.Context, kind, key string) (int64, bool, error)
	Set(ctx context.Context, kind, key string, id int64) error
}

type Stage string

const (
	StageReceived          Stage = "received"
	StageResolvingCustomer Stage = "resolving_customer"
	StageResolvingProduct  Stage = "resolving_product"
	StageCreatingOrder     Stage = "creating_order"
	StageDone              Stage = "done"
	StageFailed            Stage = "failed"
)

const (
	SourceWebhook   = "webhook"
	SourceScheduler = "scheduler"
	SourceRetry     = "retry"
	SourceManual    = "manual"

	recordTimeout = 5 * time.Second
)

type Options struct {
	Source string
	// Force re-opens a booking the ERP rejected, after an operator fixed it.
	Force bool
}

type Result struct {
	Outcome       models.SyncOutcome
	AlreadySynced bool
	// ERPState is the sales order state written for an already synced
	// booking whose storefront status changed.
	ERPState string
}

// orderStates maps storefront order statuses onto the sales order state
// they imply. Other statuses leave the ERP order alone.
var orderStates = map[string]string{
	"completed": "sale",
	"cancelled": "cancel",
}

// Deps are the collaborators. Locker, Cache and Events fall back to
// in-process implementations when nil.
type Deps struct {
	ERP    ERP
	Store  OutcomeStore
	Locker Locker
	Cache  IDCache
	Events events.Publisher
}

type Engine struct {
	erp     ERP
	store   OutcomeStore
	locker  Locker
	cache   IDCache
	events  events.Publisher
	backoff *infra.Backoff
	logger  *slog.Logger
	now     func() time.Time

	stepTimeout time.Duration
	staleAfter  time.Duration
	maxAttempts int
}

func New(d Deps, cfg config.Config, logger *slog.Logger) *Engine {
	e := &Engine{
		erp:         d.ERP,
		store:       d.Store,
		locker:      d.Locker,
		cache:       d.Cache,
		events:      d.Events,
		backoff:     infra.NewBackoff(cfg.RetryBase, cfg.RetryMax, 2),
		logger:      logger.With("component", "engine"),
		now:         time.Now,
		stepTimeout: 2 * cfg.ERPCallTimeout,
		staleAfter:  cfg.ClaimStaleAfter,
		maxAttempts: cfg.MaxAttempts,
	}
	if e.locker == nil {
		e.locker = lock.NewLocal()
	}
	if e.cache == nil {
		e.cache = newMemoryCache()
	}
	if e.events == nil {
		e.events = events.Noop{}
	}
	return e
}

// MaxAttempts is the attempt ceiling after which only an operator re-drives a booking.
func (e *Engine) MaxAttempts() int {
	return e.maxAttempts
}

// Sync pushes one booking into the ERP at most once. A booking already
// synced short-circuits with AlreadySynced; the only ERP call left is the
// order state write when its storefront status maps to one. Failures are
// recorded before returning so the scheduler can pick them up; the returned
// error carries the classification (see models.Classify).
func (e *Engine) Sync(ctx context.Context, rec models.BookingRecord, opts Options) (Result, error) {
	l := e.logger.With("booking_id", rec.BookingID, "order_id", rec.OrderID, "source", opts.Source)

	if rec.BookingID == "" {
		return Result{}, fmt.Errorf("%w: empty booking id", models.ErrMalformedOrder)
	}

	existing, err := e.store.Get(ctx, rec.BookingID)
	switch {
	case err == nil && existing.Status == models.StatusSuccess:
		l.Debug("Booking already synced", "erp_order_id", existing.ERPOrderID)
		metrics.SyncOutcomes.WithLabelValues("already_synced", "", opts.Source).Inc()
		return e.propagate(ctx, existing, rec, l)
	case err != nil && !errors.Is(err, models.ErrNotFound):
		return Result{}, fmt.Errorf("%s: outcome lookup: %w", StageReceived, err)
	}

	now := e.now()
	claimed, ok, err := e.store.Claim(ctx, models.Claim{
		BookingID:   rec.BookingID,
		OrderID:     rec.OrderID,
		At:          now,
		StaleBefore: now.Add(-e.staleAfter),
		Force:       opts.Force,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%s: claim: %w", StageReceived, err)
	}
	if !ok {
		res, err := e.refused(claimed, opts, l)
		if err == nil && res.AlreadySynced {
			return e.propagate(ctx, res.Outcome, rec, l)
		}
		return res, err
	}

	l = l.With("attempt", claimed.AttemptCount)
	l.Info("Booking claimed, pushing to ERP")

	start := time.Now()
	res, stage, pushErr := e.push(ctx, rec, l)

	// The attempt is recorded even if the caller has gone away.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if pushErr == nil {
		outcome, err := e.recordSuccess(recordCtx, claimed, res)
		metrics.SyncDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
		if err != nil {
			l.Error("CRITICAL: ERP order created but outcome not recorded", "erp_order_id", res.ERPOrderID, "error", err)
			return Result{Outcome: outcome}, fmt.Errorf("%s: record success: %w", StageDone, err)
		}
		metrics.SyncOutcomes.WithLabelValues("success", "", opts.Source).Inc()
		l.Info("✅ Booking synced", "erp_order_id", res.ERPOrderID, "duration_ms", time.Since(start).Milliseconds())
		e.publish(recordCtx, events.EventBookingSynced, rec.BookingID, events.BookingSyncedPayload{
			BookingID:     rec.BookingID,
			OrderID:       rec.OrderID,
			ERPOrderID:    res.ERPOrderID,
			ERPCustomerID: res.ERPCustomerID,
			ERPProductID:  res.ERPProductID,
			Amount:        rec.TotalAmount.String(),
			AttemptCount:  outcome.AttemptCount,
			Source:        opts.Source,
		}, l)
		return Result{Outcome: outcome}, nil
	}

	kind := models.Classify(pushErr)
	outcome, err := e.recordFailure(recordCtx, claimed, stage, kind, pushErr)
	metrics.SyncDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
	metrics.SyncOutcomes.WithLabelValues("failed", string(kind), opts.Source).Inc()
	if err != nil {
		l.Error("Failed to record failed attempt, claim will go stale", "error", err)
	}

	logFn := l.Warn
	if !kind.Transient() {
		logFn = l.Error
	}
	logFn("❌ Booking sync failed", "stage", stage, "kind", kind, "error", pushErr, "next_attempt_at", outcome.NextAttemptAt)

	e.publish(recordCtx, events.EventBookingSyncFailed, rec.BookingID, events.BookingSyncFailedPayload{
		BookingID:     rec.BookingID,
		OrderID:       rec.OrderID,
		Kind:          string(kind),
		Detail:        deref(outcome.ErrorDetail),
		AttemptCount:  outcome.AttemptCount,
		NextAttemptAt: outcome.NextAttemptAt,
		Source:        opts.Source,
	}, l)

	return Result{Outcome: outcome}, fmt.Errorf("%s: %w", stage, pushErr)
}

func (e *Engine) refused(current models.SyncOutcome, opts Options, l *slog.Logger) (Result, error) {
	switch current.Status {
	case models.StatusSuccess:
		metrics.SyncOutcomes.WithLabelValues("already_synced", "", opts.Source).Inc()
		return Result{Outcome: current, AlreadySynced: true}, nil
	case models.StatusPending:
		l.Info("Booking sync already in flight, skipping", "attempted_at", current.AttemptedAt)
		metrics.SyncOutcomes.WithLabelValues("in_flight", "", opts.Source).Inc()
		return Result{Outcome: current}, models.ErrSyncInFlight
	default:
		l.Warn("Booking was rejected by the ERP, needs a forced re-sync", "error_detail", deref(current.ErrorDetail))
		metrics.SyncOutcomes.WithLabelValues("needs_attention", string(current.ErrorKind), opts.Source).Inc()
		return Result{Outcome: current}, models.ErrNeedsAttention
	}
}

// PropagateStatus carries a storefront status change onto the ERP order of
// an already synced booking. A booking that never reached the ERP is left
// alone, so a cancelled order is never billed.
func (e *Engine) PropagateStatus(ctx context.Context, rec models.BookingRecord) (Result, error) {
	l := e.logger.With("booking_id", rec.BookingID, "order_id", rec.OrderID, "order_status", rec.OrderStatus)

	existing, err := e.store.Get(ctx, rec.BookingID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		l.Debug("Status change for a booking never synced, nothing to update")
		return Result{}, nil
	case err != nil:
		return Result{}, fmt.Errorf("%s: outcome lookup: %w", StageReceived, err)
	case existing.Status != models.StatusSuccess:
		l.Debug("Status change for a booking not in the ERP, nothing to update", "status", existing.Status)
		return Result{Outcome: existing}, nil
	}
	return e.propagate(ctx, existing, rec, l)
}

// propagate writes the sales order state implied by the order status, if
// any. The outcome row is untouched: the booking stays synced either way.
func (e *Engine) propagate(ctx context.Context, o models.SyncOutcome, rec models.BookingRecord, l *slog.Logger) (Result, error) {
	res := Result{Outcome: o, AlreadySynced: true}

	state, ok := orderStates[rec.OrderStatus]
	if !ok || o.ERPOrderID == nil {
		return res, nil
	}

	_, err := e.step(ctx, func(ctx context.Context) (int64, error) {
		return 0, e.erp.SetSalesOrderState(ctx, *o.ERPOrderID, state)
	})
	if err != nil {
		l.Warn("Failed to update ERP order state", "erp_order_id", *o.ERPOrderID, "state", state, "error", err)
		return res, fmt.Errorf("update order state: %w", err)
	}

	l.Info("ERP order state updated", "erp_order_id", *o.ERPOrderID, "state", state)
	res.ERPState = state
	return res, nil
}

// push walks the state machine. It returns the stage that failed.
func (e *Engine) push(ctx context.Context, rec models.BookingRecord, l *slog.Logger) (models.SyncResult, Stage, error) {
	var res models.SyncResult
	var err error

	res.ERPCustomerID, err = e.step(ctx, func(ctx context.Context) (int64, error) {
		return e.resolveCustomer(ctx, rec.Customer())
	})
	if err != nil {
		return res, StageResolvingCustomer, err
	}
	l.Debug("Customer resolved", "stage", StageResolvingCustomer, "erp_customer_id", res.ERPCustomerID)

	res.ERPProductID, err = e.step(ctx, func(ctx context.Context) (int64, error) {
		return e.resolveProduct(ctx, rec.Product())
	})
	if err != nil {
		return res, StageResolvingProduct, err
	}
	l.Debug("Product resolved", "stage", StageResolvingProduct, "erp_product_id", res.ERPProductID)

	res.ERPOrderID, err = e.step(ctx, func(ctx context.Context) (int64, error) {
		return e.createOrder(ctx, rec, res.ERPCustomerID, res.ERPProductID, l)
	})
	if err != nil {
		return res, StageCreatingOrder, err
	}

	return res, StageDone, nil
}

func (e *Engine) step(ctx context.Context, fn func(context.Context) (int64, error)) (int64, error) {
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}
	return fn(ctx)
}

// EnsureCustomer resolves a storefront customer outside any booking, under
// the same per-email lock and id cache the booking path uses.
func (e *Engine) EnsureCustomer(ctx context.Context, c models.Customer) (int64, error) {
	if c.Email == "" {
		return 0, fmt.Errorf("%w: customer without email", models.ErrMalformedOrder)
	}
	return e.step(ctx, func(ctx context.Context) (int64, error) {
		return e.resolveCustomer(ctx, c)
	})
}

func (e *Engine) resolveCustomer(ctx context.Context, c models.Customer) (int64, error) {
	return e.findOrCreate(ctx, "customer", c.Email,
		func(ctx context.Context) (int64, bool, error) { return e.erp.FindCustomerByEmail(ctx, c.Email) },
		func(ctx context.Context) (int64, error) { return e.erp.CreateCustomer(ctx, c.DisplayName, c.Email) },
	)
}

// resolveProduct prices the product at the storefront total. The discount
// was applied upstream and is not applied again.
func (e *Engine) resolveProduct(ctx context.Context, p models.Product) (int64, error) {
	return e.findOrCreate(ctx, "product", p.Name,
		func(ctx context.Context) (int64, bool, error) { return e.erp.FindProductByName(ctx, p.Name) },
		func(ctx context.Context) (int64, error) { return e.erp.CreateProduct(ctx, p.Name, p.Price) },
	)
}

func (e *Engine) findOrCreate(
	ctx context.Context,
	kind, key string,
	find func(context.Context) (int64, bool, error),
	create func(context.Context) (int64, error),
) (int64, error) {
	if id, ok := e.cached(ctx, kind, key); ok {
		return id, nil
	}

	unlock, err := e.locker.Lock(ctx, kind+":"+key)
	if err != nil {
		return 0, fmt.Errorf("lock %s %q: %w", kind, key, err)
	}
	defer unlock()

	// Whoever held the lock before us may have just created it.
	if id, ok := e.cached(ctx, kind, key); ok {
		return id, nil
	}

	id, found, err := find(ctx)
	if err != nil {
		return 0, fmt.Errorf("find %s: %w", kind, err)
	}
	if !found {
		if id, err = create(ctx); err != nil {
			return 0, fmt.Errorf("create %s: %w", kind, err)
		}
	}

	if err := e.cache.Set(ctx, kind, key, id); err != nil {
		e.logger.Warn("Failed to cache ERP id", "kind", kind, "error", err)
	}
	return id, nil
}

func (e *Engine) cached(ctx context.Context, kind, key string) (int64, bool) {
	id, ok, err := e.cache.Get(ctx, kind, key)
	if err != nil {
		e.logger.Warn("ERP id cache unavailable, falling back to lookup", "kind", kind, "error", err)
		return 0, false
	}
	return id, ok
}

// createOrder adopts an order already carrying this booking's reference,
// which happens when a previous attempt timed out after the ERP committed.
func (e *Engine) createOrder(ctx context.Context, rec models.BookingRecord, customerID, productID int64, l *slog.Logger) (int64, error) {
	ref := rec.Reference()

	id, found, err := e.erp.FindSalesOrderByReference(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("find sales order: %w", err)
	}
	if found {
		l.Warn("Adopting existing ERP order for booking", "erp_order_id", id, "reference", ref)
		return id, nil
	}

	id, err = e.erp.CreateSalesOrder(ctx, customerID, productID, rec.TotalAmount, ref)
	if err != nil {
		return 0, fmt.Errorf("create sales order: %w", err)
	}
	return id, nil
}

func (e *Engine) recordSuccess(ctx context.Context, o models.SyncOutcome, res models.SyncResult) (models.SyncOutcome, error) {
	at := e.now()
	o.Status = models.StatusSuccess
	o.ERPOrderID = &res.ERPOrderID
	o.ERPCustomerID = &res.ERPCustomerID
	o.ERPProductID = &res.ERPProductID
	o.ErrorKind = models.KindNone
	o.ErrorDetail = nil
	o.NextAttemptAt = nil
	o.CompletedAt = &at

	return o, e.store.MarkSuccess(ctx, o.BookingID, res, at)
}

func (e *Engine) recordFailure(ctx context.Context, o models.SyncOutcome, stage Stage, kind models.ErrorKind, cause error) (models.SyncOutcome, error) {
	at := e.now()
	detail := fmt.Sprintf("%s: %v", stage, cause)

	var next *time.Time
	if kind.Transient() && o.AttemptCount < e.maxAttempts {
		t := at.Add(e.backoff.Delay(o.AttemptCount))
		next = &t
	}

	o.Status = models.StatusFailed
	o.ErrorKind = kind
	o.ErrorDetail = &detail
	o.NextAttemptAt = next
	o.CompletedAt = &at

	return o, e.store.MarkFailed(ctx, o.BookingID, models.FailureUpdate{
		Kind:          kind,
		Detail:        detail,
		At:            at,
		NextAttemptAt: next,
	})
}

func (e *Engine) publish(ctx context.Context, eventType, bookingID string, payload any, l *slog.Logger) {
	env, err := events.NewEnvelope(eventType, bookingID, payload)
	if err == nil {
		err = e.events.Publish(ctx, env)
	}
	if err != nil {
		l.Warn("Outcome event not published", "event_type", eventType, "error", err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
