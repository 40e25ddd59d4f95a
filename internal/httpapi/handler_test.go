package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/booking-sync/internal/config"
	"github.com/Guizzs26/booking-sync/internal/engine"
	"github.com/Guizzs26/booking-sync/internal/erp"
	"github.com/Guizzs26/booking-sync/internal/erp/erptest"
	"github.com/Guizzs26/booking-sync/internal/models"
	"github.com/Guizzs26/booking-sync/internal/outcome"
	"github.com/Guizzs26/booking-sync/internal/reconcile"
	"github.com/Guizzs26/booking-sync/internal/storefront"
	"github.com/Guizzs26/booking-sync/internal/webhook"
)

const secret = "whsec_test"

type fakeStorefront struct {
	orders map[string]string
}

func (f fakeStorefront) FetchOrder(_ context.Context, id string) (storefront.RawOrder, error) {
	body, ok := f.orders[id]
	if !ok {
		return storefront.RawOrder{}, fmt.Errorf("order %s: %w", id, models.ErrNotFound)
	}
	return storefront.ParseOrder([]byte(body))
}

func (f fakeStorefront) IsBillable(o storefront.RawOrder) bool {
	return o.Status == "processing" || o.Status == "completed"
}

func (f fakeStorefront) IsStatusUpdate(o storefront.RawOrder) bool {
	return o.Status == "cancelled"
}

type fakeReconciler struct {
	mu    sync.Mutex
	since []time.Time
}

func (f *fakeReconciler) ReconcileWindow(_ context.Context, since time.Time) (reconcile.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, since)
	return reconcile.Report{Orders: 2}, nil
}

type testServer struct {
	*httptest.Server
	erp   *erptest.Server
	store *outcome.Store
	rec   *fakeReconciler
	now   time.Time
}

func orderJSON(id int, status, email string) string {
	return fmt.Sprintf(`{"id":%d,"status":%q,"date_created":"2025-03-10T09:00:00","total":"95.00",
	  "billing":{"first_name":"Ana","last_name":"García","email":%q},
	  "line_items":[{"id":1,"name":"Aquagym","subtotal":"100.00","total":"95.00",
	    "meta_data":[{"key":"booking_date","value":"2025-03-14 18:30"},{"key":"Personas","value":"2"}]}]}`,
		id, status, email)
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	erpSrv := erptest.NewServer()
	t.Cleanup(erpSrv.Close)

	store, err := outcome.Open(ctx, outcome.DriverSQLite, filepath.Join(t.TempDir(), "outcomes.db"), logger)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.InitSchema(ctx))

	cfg := config.Config{
		Environment:         "test",
		ERPURL:              erpSrv.URL,
		ERPCallTimeout:      time.Second,
		WebhookSecret:       secret,
		WebhookMaxBodyBytes: 1 << 16,
		WebhookSyncTimeout:  5 * time.Second,
		SyncInterval:        time.Minute,
		MaxAttempts:         3,
		RetryBase:           time.Second,
		RetryMax:            time.Minute,
		ClaimStaleAfter:     time.Minute,
	}

	client := erp.NewClient(cfg, logger)
	rec := &fakeReconciler{}
	h := NewHandler(Deps{
		Verifier: webhook.NewVerifier(cfg.WebhookSecret, cfg.WebhookMaxBodyBytes),
		Storefront: fakeStorefront{orders: map[string]string{
			"1001": orderJSON(1001, "processing", "ana@example.com"),
			"1002": orderJSON(1002, "pending", "ana@example.com"),
		}},
		Syncer:     engine.New(engine.Deps{ERP: client, Store: store}, cfg, logger),
		ERP:        client,
		Store:      store,
		Reconciler: rec,
	}, cfg, logger)

	ts := &testServer{erp: erpSrv, store: store, rec: rec, now: time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)}
	h.now = func() time.Time { return ts.now }
	ts.Server = httptest.NewServer(NewRouter(h, logger))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) deliver(t *testing.T, path, body, signature string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(webhook.SignatureHeader, signature)
	req.Header.Set(webhook.TopicHeader, "order.updated")
	return do(t, req)
}

func (ts *testServer) post(t *testing.T, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	return do(t, req)
}

func (ts *testServer) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	require.NoError(t, err)
	return do(t, req)
}

func do(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func bookings(t *testing.T, body map[string]any) []map[string]any {
	t.Helper()
	raw, ok := body["bookings"].([]any)
	require.True(t, ok, "response has no bookings: %v", body)
	out := make([]map[string]any, len(raw))
	for i, b := range raw {
		out[i] = b.(map[string]any)
	}
	return out
}

func TestOrderWebhookRejectsBadSignature(t *testing.T) {
	ts := newTestServer(t)
	body := orderJSON(1001, "processing", "ana@example.com")

	code, _ := ts.deliver(t, "/webhook/order", body, webhook.Sign([]byte(body), "other"))
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = ts.deliver(t, "/webhook/order", body, "")
	assert.Equal(t, http.StatusUnauthorized, code)

	assert.Zero(t, ts.erp.Count(erp.ModelSaleOrder))
}

func TestOrderWebhookAnswersPing(t *testing.T) {
	ts := newTestServer(t)
	body := "webhook_id=12"

	code, resp := ts.deliver(t, "/webhook/order", body, webhook.Sign([]byte(body), secret))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ping", resp["reason"])
}

func TestOrderWebhookSyncsOnceAcrossRedeliveries(t *testing.T) {
	ts := newTestServer(t)
	body := orderJSON(1001, "processing", "ana@example.com")
	sig := webhook.Sign([]byte(body), secret)

	code, resp := ts.deliver(t, "/webhook/order", body, sig)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "accepted", resp["status"])
	first := bookings(t, resp)
	require.Len(t, first, 1)
	assert.Equal(t, "1001-1", first[0]["booking_id"])
	assert.Equal(t, "success", first[0]["status"])

	code, resp = ts.deliver(t, "/webhook/order", body, sig)
	require.Equal(t, http.StatusOK, code)
	second := bookings(t, resp)
	assert.Equal(t, true, second[0]["already_synced"])
	assert.Equal(t, first[0]["erp_order_id"], second[0]["erp_order_id"])

	assert.Equal(t, 1, ts.erp.Count(erp.ModelSaleOrder))
	assert.Equal(t, 1, ts.erp.Count(erp.ModelPartner))
}

func TestOrderWebhookPropagatesStatusChanges(t *testing.T) {
	ts := newTestServer(t)
	send := func(status string) (int, map[string]any) {
		body := orderJSON(1001, status, "ana@example.com")
		return ts.deliver(t, "/webhook/order", body, webhook.Sign([]byte(body), secret))
	}

	code, _ := send("processing")
	require.Equal(t, http.StatusOK, code)

	code, resp := send("completed")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "sale", bookings(t, resp)[0]["erp_state"])

	code, resp = send("cancelled")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "status_updated", resp["status"])
	assert.Equal(t, "cancel", bookings(t, resp)[0]["erp_state"])

	orders := ts.erp.Records(erp.ModelSaleOrder)
	require.Len(t, orders, 1)
	assert.Equal(t, "cancel", orders[0]["state"])

	// A cancelled order that never synced creates nothing.
	body := orderJSON(1003, "cancelled", "luis@example.com")
	code, resp = ts.deliver(t, "/webhook/order", body, webhook.Sign([]byte(body), secret))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "status_updated", resp["status"])
	assert.Equal(t, 1, ts.erp.Count(erp.ModelSaleOrder))
	assert.Equal(t, 1, ts.erp.Count(erp.ModelPartner))
}

func TestOrderWebhookRetriesFailedStatusUpdate(t *testing.T) {
	ts := newTestServer(t)
	body := orderJSON(1001, "processing", "ana@example.com")
	code, _ := ts.deliver(t, "/webhook/order", body, webhook.Sign([]byte(body), secret))
	require.Equal(t, http.StatusOK, code)

	ts.erp.SetUnavailable(true)
	body = orderJSON(1001, "cancelled", "ana@example.com")
	code, _ = ts.deliver(t, "/webhook/order", body, webhook.Sign([]byte(body), secret))
	assert.Equal(t, http.StatusInternalServerError, code)

	o, err := ts.store.Get(context.Background(), "1001-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, o.Status)
}

func TestOrderWebhookIgnoresUnbillableStatus(t *testing.T) {
	ts := newTestServer(t)
	body := orderJSON(1002, "pending", "ana@example.com")

	code, resp := ts.deliver(t, "/webhook/order", body, webhook.Sign([]byte(body), secret))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ignored", resp["status"])
	assert.Zero(t, ts.erp.Calls(erp.ModelSaleOrder, "create"))
}

func TestOrderWebhookRejectsMalformedOrder(t *testing.T) {
	ts := newTestServer(t)

	noEmail := orderJSON(1003, "processing", "")
	code, _ := ts.deliver(t, "/webhook/order", noEmail, webhook.Sign([]byte(noEmail), secret))
	assert.Equal(t, http.StatusBadRequest, code)

	notJSON := `{"id":`
	code, _ = ts.deliver(t, "/webhook/order", notJSON, webhook.Sign([]byte(notJSON), secret))
	assert.Equal(t, http.StatusBadRequest, code)

	_, err := ts.store.Get(context.Background(), "1003-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestOrderWebhookAcceptsWhenERPIsDown(t *testing.T) {
	ts := newTestServer(t)
	ts.erp.SetUnavailable(true)
	body := orderJSON(1001, "processing", "ana@example.com")

	code, resp := ts.deliver(t, "/webhook/order", body, webhook.Sign([]byte(body), secret))
	require.Equal(t, http.StatusOK, code)
	b := bookings(t, resp)[0]
	assert.Equal(t, "failed", b["status"])
	assert.Equal(t, "unavailable", b["error_kind"])

	o, err := ts.store.Get(context.Background(), "1001-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, o.Status)
	assert.NotNil(t, o.NextAttemptAt)
}

func TestOrderWebhookRejectsOversizedBody(t *testing.T) {
	ts := newTestServer(t)
	body := strings.Repeat("x", 1<<16+10)

	code, _ := ts.deliver(t, "/webhook/order", body, webhook.Sign([]byte(body), secret))
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestCustomerWebhookCreatesPartnerOnce(t *testing.T) {
	ts := newTestServer(t)
	body := `{"id":5,"email":"Luis@Example.com","first_name":"Luis","last_name":"Pérez"}`
	sig := webhook.Sign([]byte(body), secret)

	code, resp := ts.deliver(t, "/webhook/customer", body, sig)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "accepted", resp["status"])

	code, _ = ts.deliver(t, "/webhook/customer", body, sig)
	require.Equal(t, http.StatusOK, code)

	partners := ts.erp.Records(erp.ModelPartner)
	require.Len(t, partners, 1)
	assert.Equal(t, "luis@example.com", partners[0]["email"])
}

func TestHealthReportsDegradedERP(t *testing.T) {
	ts := newTestServer(t)

	code, resp := ts.get(t, "/health")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, true, resp["erp_connection"])
	assert.Equal(t, "test", resp["environment"])

	ts.erp.SetUnavailable(true)
	code, resp = ts.get(t, "/health")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", resp["status"])
	assert.Equal(t, false, resp["erp_connection"])
}

func TestManualSyncByOrderID(t *testing.T) {
	ts := newTestServer(t)

	code, resp := ts.post(t, "/sync/manual", `{"order_id":1001}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", bookings(t, resp)[0]["status"])

	code, _ = ts.post(t, "/sync/manual", `{"order_id":"9999"}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = ts.post(t, "/sync/manual", `{"order_id":"1002"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = ts.post(t, "/sync/manual", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestManualSyncForceReopensRejectedBooking(t *testing.T) {
	ts := newTestServer(t)
	ts.erp.Reject(erp.ModelSaleOrder, "Pricelist mismatch")

	code, resp := ts.post(t, "/sync/manual", `{"order_id":"1001"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "rejected", bookings(t, resp)[0]["error_kind"])

	ts.erp.Reject(erp.ModelSaleOrder, "")
	_, resp = ts.post(t, "/sync/manual", `{"order_id":"1001"}`)
	assert.NotEmpty(t, bookings(t, resp)[0]["error"])
	assert.Zero(t, ts.erp.Count(erp.ModelSaleOrder))

	_, resp = ts.post(t, "/sync/manual", `{"order_id":"1001","force":true}`)
	assert.Equal(t, "success", bookings(t, resp)[0]["status"])
	assert.Equal(t, 1, ts.erp.Count(erp.ModelSaleOrder))
}

func TestManualSyncWindow(t *testing.T) {
	ts := newTestServer(t)

	code, resp := ts.post(t, "/sync/manual", `{"hours":6}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", resp["status"])

	require.Len(t, ts.rec.since, 1)
	assert.Equal(t, ts.now.Add(-6*time.Hour), ts.rec.since[0])
}

func TestOutcomeEndpoints(t *testing.T) {
	ts := newTestServer(t)

	code, _ := ts.get(t, "/sync/outcomes/1001-1")
	assert.Equal(t, http.StatusNotFound, code)

	_, _ = ts.post(t, "/sync/manual", `{"order_id":"1001"}`)

	code, resp := ts.get(t, "/sync/outcomes/1001-1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", resp["status"])

	code, resp = ts.get(t, "/sync/outcomes?status=success")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, resp["outcomes"], 1)

	code, _ = ts.get(t, "/sync/outcomes?status=bogus")
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp = ts.get(t, "/sync/status")
	require.Equal(t, http.StatusOK, code)
	stats := resp["outcomes"].(map[string]any)
	assert.EqualValues(t, 1, stats["success"])
}
