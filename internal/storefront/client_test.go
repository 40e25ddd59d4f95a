package storefront

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/booking-sync/internal/config"
	"github.com/Guizzs26/booking-sync/internal/models"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Config{
		WooURL:            srv.URL,
		WooConsumerKey:    "ck",
		WooConsumerSecret: "cs",
		WooOrderStatuses:  []string{"processing", "completed"},
		BatchSize:         2,
		StorefrontTimeout: 2 * time.Second,
	}
	return NewClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func orderJSON(id int) string {
	return fmt.Sprintf(`{"id":%d,"status":"processing","date_created":"2025-03-10T09:00:00","total":"10.00","billing":{"email":"c%d@example.com"},"line_items":[{"id":1,"name":"Spa","total":"10.00"}]}`, id, id)
}

func TestFetchOrder(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "ck", user)
		assert.Equal(t, "cs", pass)
		assert.Equal(t, "/wp-json/wc/v3/orders/1001", r.URL.Path)
		_, _ = io.WriteString(w, orderJSON(1001))
	}))

	order, err := c.FetchOrder(context.Background(), "1001")
	require.NoError(t, err)
	assert.Equal(t, int64(1001), order.ID)
	assert.NotEmpty(t, order.Raw)
	assert.True(t, c.IsBillable(order))
}

func TestFetchOrderErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"not found", http.StatusNotFound, models.ErrNotFound},
		{"unauthorized", http.StatusUnauthorized, models.ErrRemoteRejected},
		{"server error", http.StatusBadGateway, models.ErrRemoteUnavailable},
		{"rate limited", http.StatusTooManyRequests, models.ErrRemoteUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"code":"woocommerce_rest_error","message":"nope"}`)
			}))

			_, err := c.FetchOrder(context.Background(), "1")
			assert.ErrorIs(t, err, tt.want)
		})
	}

	c := newTestClient(t, http.NotFoundHandler())
	_, err := c.FetchOrder(context.Background(), "12; DROP")
	assert.ErrorIs(t, err, models.ErrMalformedOrder)
}

func TestFetchOrderUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c := NewClient(config.Config{WooURL: srv.URL, StorefrontTimeout: time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := c.FetchOrder(context.Background(), "1")
	assert.ErrorIs(t, err, models.ErrRemoteUnavailable)
}

func TestPagerWalksAllPages(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		q := r.URL.Query()
		// Orders edited after creation must still show up.
		assert.Equal(t, "2025-03-10T08:00:00", q.Get("modified_after"))
		assert.Empty(t, q.Get("after"))
		assert.Equal(t, "true", q.Get("dates_are_gmt"))
		assert.Equal(t, "processing,completed", q.Get("status"))
		assert.Equal(t, "asc", q.Get("order"))

		page, _ := strconv.Atoi(q.Get("page"))
		w.Header().Set("X-WP-TotalPages", "2")
		switch page {
		case 1:
			_, _ = io.WriteString(w, "["+orderJSON(1)+","+orderJSON(2)+"]")
		case 2:
			_, _ = io.WriteString(w, "["+orderJSON(3)+"]")
		default:
			t.Errorf("unexpected page %d", page)
		}
	}))

	since := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	var ids []int64
	for o, err := range c.FetchRecentOrders(since).Orders(context.Background()) {
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}

	assert.Equal(t, []int64{1, 2, 3}, ids)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPagerResumesFromCursor(t *testing.T) {
	var failPage2 atomic.Bool
	failPage2.Store(true)

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == 2 && failPage2.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		switch page {
		case 1:
			_, _ = io.WriteString(w, "["+orderJSON(1)+","+orderJSON(2)+"]")
		case 2:
			_, _ = io.WriteString(w, "["+orderJSON(3)+"]")
		}
	}))

	pager := c.FetchRecentOrders(time.Time{})
	first, err := pager.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, first, 2)

	_, err = pager.Next(context.Background())
	require.ErrorIs(t, err, models.ErrRemoteUnavailable)
	cursor := pager.Cursor()
	assert.Equal(t, 2, cursor.Page)

	failPage2.Store(false)
	resumed := c.ResumeOrders(cursor)
	rest, err := resumed.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, int64(3), rest[0].ID)
	assert.True(t, resumed.Done())
}

func TestPingAndBillable(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, ok := r.BasicAuth(); !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "1", r.URL.Query().Get("per_page"))
		_, _ = io.WriteString(w, "[]")
	}))
	require.NoError(t, c.Ping(context.Background()))

	assert.True(t, c.IsBillable(RawOrder{Status: "processing"}))
	assert.False(t, c.IsBillable(RawOrder{Status: "pending"}))
	assert.False(t, c.IsBillable(RawOrder{Status: "cancelled"}))
	assert.True(t, c.IsStatusUpdate(RawOrder{Status: "Cancelled"}))
	assert.False(t, c.IsStatusUpdate(RawOrder{Status: "completed"}))
	assert.False(t, c.IsStatusUpdate(RawOrder{Status: "pending"}))
	assert.Equal(t, []string{"processing", "completed"}, c.Statuses())
}
