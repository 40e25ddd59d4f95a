package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Guizzs26/booking-sync/internal/config"
	"github.com/Guizzs26/booking-sync/internal/engine"
	"github.com/Guizzs26/booking-sync/internal/models"
	"github.com/Guizzs26/booking-sync/internal/outcome"
	"github.com/Guizzs26/booking-sync/internal/reconcile"
	"github.com/Guizzs26/booking-sync/internal/storefront"
	"github.com/Guizzs26/booking-sync/internal/webhook"
	"github.com/Guizzs26/booking-sync/pkg/encoding"
	"github.com/Guizzs26/booking-sync/pkg/metrics"
)

const (
	healthTimeout = 5 * time.Second
	queryTimeout  = 10 * time.Second
	manualTimeout = 10 * time.Minute

	topicOrder    = "order"
	topicCustomer = "customer"
)

type Storefront interface {
	FetchOrder(ctx context.Context, orderID string) (storefront.RawOrder, error)
	IsBillable(o storefront.RawOrder) bool
	IsStatusUpdate(o storefront.RawOrder) bool
}

type Syncer interface {
	Sync(ctx context.Context, rec models.BookingRecord, opts engine.Options) (engine.Result, error)
	PropagateStatus(ctx context.Context, rec models.BookingRecord) (engine.Result, error)
	EnsureCustomer(ctx context.Context, c models.Customer) (int64, error)
}

type ERP interface {
	Ping(ctx context.Context) error
}

type Store interface {
	Get(ctx context.Context, bookingID string) (models.SyncOutcome, error)
	List(ctx context.Context, f outcome.ListFilter) ([]models.SyncOutcome, error)
	Stats(ctx context.Context) (map[models.SyncStatus]int, error)
	GetWatermark(ctx context.Context, scope string) (models.Watermark, error)
	Ping(ctx context.Context) error
}

type Reconciler interface {
	ReconcileWindow(ctx context.Context, since time.Time) (reconcile.Report, error)
}

type Deps struct {
	Verifier   *webhook.Verifier
	Storefront Storefront
	Syncer     Syncer
	ERP        ERP
	Store      Store
	Reconciler Reconciler
}

type Handler struct {
	Deps
	environment    string
	webhookTimeout time.Duration
	syncInterval   time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

func NewHandler(d Deps, cfg config.Config, logger *slog.Logger) *Handler {
	return &Handler{
		Deps:           d,
		environment:    cfg.Environment,
		webhookTimeout: cfg.WebhookSyncTimeout,
		syncInterval:   cfg.SyncInterval,
		logger:         logger.With("component", "http"),
		now:            time.Now,
	}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/webhook/order", h.orderWebhook)
	r.Post("/webhook/customer", h.customerWebhook)
	r.Get("/health", h.health)

	r.Route("/sync", func(r chi.Router) {
		r.With(middleware.Timeout(manualTimeout)).Post("/manual", h.manualSync)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(queryTimeout))
			r.Get("/status", h.status)
			r.Get("/outcomes", h.listOutcomes)
			r.Get("/outcomes/{booking_id}", h.getOutcome)
		})
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// BookingOutcome is one booking's result inside a webhook or manual sync response.
type BookingOutcome struct {
	BookingID     string            `json:"booking_id"`
	Status        models.SyncStatus `json:"status,omitempty"`
	ERPOrderID    *int64            `json:"erp_order_id,omitempty"`
	AlreadySynced bool              `json:"already_synced,omitempty"`
	AttemptCount  int               `json:"attempt_count,omitempty"`
	ErrorKind     models.ErrorKind  `json:"error_kind,omitempty"`
	ERPState      string            `json:"erp_state,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// verified reads at most one byte past the limit so the verifier can
// reject oversized bodies without hashing them.
func (h *Handler) verified(w http.ResponseWriter, r *http.Request, topic string) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.Verifier.MaxBody()+1))
	if err != nil {
		h.reply(w, topic, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return nil, false
	}

	if err := h.Verifier.Check(body, r.Header.Get(webhook.SignatureHeader)); err != nil {
		h.logger.Warn("Webhook rejected", "topic", topic, "remote", r.RemoteAddr, "error", err)
		h.reply(w, topic, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return nil, false
	}
	return body, true
}

// The storefront sends "webhook_id=N" as a form body when a webhook is first saved.
func isPing(body []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(body), []byte("webhook_id="))
}

func (h *Handler) reply(w http.ResponseWriter, topic string, code int, v any) {
	metrics.WebhookRequests.WithLabelValues(topic, strconv.Itoa(code)).Inc()
	writeJSON(w, code, v)
}

func (h *Handler) orderWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verified(w, r, topicOrder)
	if !ok {
		return
	}
	if isPing(body) {
		h.reply(w, topicOrder, http.StatusOK, map[string]string{"status": "ignored", "reason": "ping"})
		return
	}

	order, err := storefront.ParseOrder(body)
	if err != nil {
		metrics.MalformedOrders.WithLabelValues(engine.SourceWebhook).Inc()
		h.reply(w, topicOrder, http.StatusBadRequest, map[string]string{"error": "malformed order payload"})
		return
	}

	l := h.logger.With("order_id", order.ID, "status", order.Status)
	if h.Storefront.IsStatusUpdate(order) {
		h.statusUpdate(w, r, order, l)
		return
	}
	if !h.Storefront.IsBillable(order) {
		l.Debug("Ignoring order in non-billable status")
		h.reply(w, topicOrder, http.StatusOK, map[string]string{"status": "ignored", "reason": "status " + order.Status})
		return
	}

	recs, err := storefront.Normalize(order)
	if err != nil {
		metrics.MalformedOrders.WithLabelValues(engine.SourceWebhook).Inc()
		l.Warn("Skipping malformed order", "error", err)
		h.reply(w, topicOrder, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	// The storefront hanging up must not cut an ERP write in half; the
	// timeout still bounds how long it waits for the answer.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.webhookTimeout)
	defer cancel()

	outcomes, internalErr := h.syncAll(ctx, recs, func(ctx context.Context, rec models.BookingRecord) (engine.Result, error) {
		return h.Syncer.Sync(ctx, rec, engine.Options{Source: engine.SourceWebhook})
	})
	if internalErr != nil {
		l.Error("Webhook sync failed before the attempt was recorded", "error", internalErr)
		h.reply(w, topicOrder, http.StatusInternalServerError, map[string]any{"error": "internal error", "bookings": outcomes})
		return
	}

	h.reply(w, topicOrder, http.StatusOK, map[string]any{
		"status":   "accepted",
		"order_id": order.IDString(),
		"bookings": outcomes,
	})
}

// statusUpdate carries a cancellation onto bookings already in the ERP.
// Nothing is created for bookings that never synced.
func (h *Handler) statusUpdate(w http.ResponseWriter, r *http.Request, order storefront.RawOrder, l *slog.Logger) {
	recs, err := storefront.Normalize(order)
	if err != nil {
		l.Debug("Ignoring status change for an order without usable bookings", "error", err)
		h.reply(w, topicOrder, http.StatusOK, map[string]string{"status": "ignored", "reason": "status " + order.Status})
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.webhookTimeout)
	defer cancel()

	outcomes, internalErr := h.syncAll(ctx, recs, h.Syncer.PropagateStatus)
	if internalErr != nil {
		l.Error("Order status could not be propagated", "error", internalErr)
		h.reply(w, topicOrder, http.StatusInternalServerError, map[string]any{"error": "internal error", "bookings": outcomes})
		return
	}

	h.reply(w, topicOrder, http.StatusOK, map[string]any{
		"status":   "status_updated",
		"order_id": order.IDString(),
		"bookings": outcomes,
	})
}

// syncAll runs every booking and reports an internal error when an attempt
// could not even be recorded, or when a synced booking's order state could
// not be updated, so the storefront redelivers. Recorded failures are
// healed later.
func (h *Handler) syncAll(ctx context.Context, recs []models.BookingRecord, run func(context.Context, models.BookingRecord) (engine.Result, error)) ([]BookingOutcome, error) {
	var internalErr error
	outcomes := make([]BookingOutcome, 0, len(recs))

	for _, rec := range recs {
		res, err := run(ctx, rec)
		out := BookingOutcome{
			BookingID:     rec.BookingID,
			Status:        res.Outcome.Status,
			ERPOrderID:    res.Outcome.ERPOrderID,
			AlreadySynced: res.AlreadySynced,
			AttemptCount:  res.Outcome.AttemptCount,
			ErrorKind:     res.Outcome.ErrorKind,
			ERPState:      res.ERPState,
		}
		if err != nil {
			out.Error = err.Error()
			if (res.Outcome.BookingID == "" || res.AlreadySynced) && internalErr == nil {
				internalErr = err
			}
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, internalErr
}

func (h *Handler) customerWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verified(w, r, topicCustomer)
	if !ok {
		return
	}
	if isPing(body) {
		h.reply(w, topicCustomer, http.StatusOK, map[string]string{"status": "ignored", "reason": "ping"})
		return
	}

	var c storefront.RawCustomer
	if err := json.Unmarshal(body, &c); err != nil {
		h.reply(w, topicCustomer, http.StatusBadRequest, map[string]string{"error": "malformed customer payload"})
		return
	}
	email := encoding.Email(c.Email)
	if email == "" {
		email = encoding.Email(c.Billing.Email)
	}
	if email == "" {
		h.reply(w, topicCustomer, http.StatusBadRequest, map[string]string{"error": "customer email missing"})
		return
	}
	name := encoding.Clean(c.DisplayName())
	if name == "" {
		name = email
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.webhookTimeout)
	defer cancel()

	id, err := h.Syncer.EnsureCustomer(ctx, models.Customer{Email: email, DisplayName: name})
	if err != nil {
		// Bookings resolve their customer anyway, so nothing is lost.
		h.logger.Warn("Customer webhook deferred to next booking", "customer_id", c.ID, "error", err)
		h.reply(w, topicCustomer, http.StatusOK, map[string]string{"status": "deferred", "error_kind": string(models.Classify(err))})
		return
	}

	h.reply(w, topicCustomer, http.StatusOK, map[string]any{"status": "accepted", "erp_customer_id": id})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	erpOK := h.ERP.Ping(ctx) == nil
	storeOK := h.Store.Ping(ctx) == nil

	status := "ok"
	if !erpOK || !storeOK {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"erp_connection":   erpOK,
		"store_connection": storeOK,
		"timestamp":        h.now().UTC().Format(time.RFC3339),
		"environment":      h.environment,
	})
}

type manualRequest struct {
	OrderID flexibleID `json:"order_id"`
	Force   bool       `json:"force"`
	Hours   int        `json:"hours"`
}

// flexibleID accepts the order id as a JSON string or number.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("order_id must be a string or number")
	}
	*f = flexibleID(n.String())
	return nil
}

func (h *Handler) manualSync(w http.ResponseWriter, r *http.Request) {
	var req manualRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	switch {
	case req.OrderID != "":
		h.manualOrder(w, r, string(req.OrderID), req.Force)
	case req.Hours > 0:
		h.manualWindow(w, r, req.Hours)
	default:
		writeError(w, http.StatusBadRequest, "order_id or hours is required")
	}
}

func (h *Handler) manualOrder(w http.ResponseWriter, r *http.Request, orderID string, force bool) {
	ctx := r.Context()
	l := h.logger.With("order_id", orderID, "force", force)

	order, err := h.Storefront.FetchOrder(ctx, orderID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, models.ErrMalformedOrder):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, models.ErrRemoteUnavailable):
			writeError(w, http.StatusServiceUnavailable, "storefront unavailable")
		default:
			l.Error("Manual sync fetch failed", "error", err)
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	if !h.Storefront.IsBillable(order) {
		writeError(w, http.StatusConflict, "order status "+order.Status+" is not billable")
		return
	}

	recs, err := storefront.Normalize(order)
	if err != nil {
		metrics.MalformedOrders.WithLabelValues(engine.SourceManual).Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	l.Info("Manual sync requested", "bookings", len(recs))
	opts := engine.Options{Source: engine.SourceManual, Force: force}
	outcomes, internalErr := h.syncAll(ctx, recs, func(ctx context.Context, rec models.BookingRecord) (engine.Result, error) {
		return h.Syncer.Sync(ctx, rec, opts)
	})
	if internalErr != nil {
		l.Error("Manual sync failed before the attempt was recorded", "error", internalErr)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error", "bookings": outcomes})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "completed",
		"order_id": order.IDString(),
		"bookings": outcomes,
	})
}

func (h *Handler) manualWindow(w http.ResponseWriter, r *http.Request, hours int) {
	since := h.now().Add(-time.Duration(hours) * time.Hour)
	report, err := h.Reconciler.ReconcileWindow(r.Context(), since)
	if err != nil {
		h.logger.Error("Manual window sync failed", "hours", hours, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "report": report})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "hours": hours, "report": report})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Store.Stats(r.Context())
	if err != nil {
		h.logger.Error("Status query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "outcome store unavailable")
		return
	}

	resp := map[string]any{
		"status":            "active",
		"environment":       h.environment,
		"sync_interval_sec": int(h.syncInterval.Seconds()),
		"outcomes":          stats,
		"timestamp":         h.now().UTC().Format(time.RFC3339),
	}

	wm, err := h.Store.GetWatermark(r.Context(), reconcile.WatermarkScope)
	switch {
	case err == nil:
		resp["reconciliation"] = wm
	case !errors.Is(err, models.ErrNotFound):
		h.logger.Warn("Watermark query failed", "error", err)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getOutcome(w http.ResponseWriter, r *http.Request) {
	o, err := h.Store.Get(r.Context(), chi.URLParam(r, "booking_id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "booking not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "outcome store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) listOutcomes(w http.ResponseWriter, r *http.Request) {
	f := outcome.ListFilter{Status: models.SyncStatus(r.URL.Query().Get("status"))}
	switch f.Status {
	case "", models.StatusPending, models.StatusSuccess, models.StatusFailed:
	default:
		writeError(w, http.StatusBadRequest, "status must be pending, success or failed")
		return
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		f.Limit = min(limit, 1000)
	}

	list, err := h.Store.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "outcome store unavailable")
		return
	}
	if list == nil {
		list = []models.SyncOutcome{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": list})
}
