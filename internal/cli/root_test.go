package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/booking-sync/internal/config"
	"github.com/Guizzs26/booking-sync/internal/erp"
	"github.com/Guizzs26/booking-sync/internal/erp/erptest"
	"github.com/Guizzs26/booking-sync/internal/events"
)

const order1001 = `{"id":1001,"status":"processing","date_created":"2025-03-10T09:00:00","total":"95.00",
  "billing":{"first_name":"Ana","last_name":"García","email":"ana@example.com"},
  "line_items":[{"id":1,"name":"Aquagym","total":"95.00","meta_data":[{"key":"booking_date","value":"2025-03-14 18:30"}]}]}`

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "syncctl", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"check", "sync", "reconcile", "outcomes", "events"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestFlags(t *testing.T) {
	cmd := NewRootCommand()

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	syncCmd, _, err := cmd.Find([]string{"sync"})
	require.NoError(t, err)
	assert.NotNil(t, syncCmd.Flags().Lookup("force"))

	reconcileCmd, _, err := cmd.Find([]string{"reconcile"})
	require.NoError(t, err)
	assert.NotNil(t, reconcileCmd.Flags().Lookup("hours"))
}

type env struct {
	cfg config.Config
	erp *erptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	erpSrv := erptest.NewServer()
	t.Cleanup(erpSrv.Close)

	shop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/wp-json/wc/v3/orders/1001":
			_, _ = io.WriteString(w, order1001)
		case "/wp-json/wc/v3/orders":
			w.Header().Set("X-WP-TotalPages", "1")
			_, _ = io.WriteString(w, "[]")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(shop.Close)

	return &env{
		erp: erpSrv,
		cfg: config.Config{
			ERPURL:              erpSrv.URL,
			ERPDatabase:         "test",
			ERPUsername:         "sync",
			ERPAPIKey:           "key",
			ERPCallTimeout:      time.Second,
			WooURL:              shop.URL,
			WooConsumerKey:      "ck",
			WooConsumerSecret:   "cs",
			WooOrderStatuses:    []string{"processing", "completed"},
			StorefrontTimeout:   time.Second,
			WebhookSecret:       "s",
			WebhookMaxBodyBytes: 1024,
			SyncInterval:        time.Minute,
			ReconcileLookback:   time.Hour,
			BatchSize:           50,
			BookingTimeout:      5 * time.Second,
			MaxAttempts:         3,
			RetryBase:           time.Second,
			RetryMax:            time.Minute,
			ClaimStaleAfter:     time.Minute,
			StoreDriver:         "sqlite",
			DatabaseURL:         filepath.Join(t.TempDir(), "cli.db"),
			EventsSink:          "none",
		},
	}
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(func() config.Config { return e.cfg })
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInvalidFormat(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "check", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidConfig(t *testing.T) {
	e := newEnv(t)
	e.cfg.ERPAPIKey = ""
	_, err := e.run(t, "outcomes")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "ERP_API_KEY")
}

func TestCheck(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "check")
	require.NoError(t, err)
	assert.Contains(t, out, "✔ erp")

	e.erp.SetUnavailable(true)
	out, err = e.run(t, "check")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✘ erp")
}

func TestSyncThenOutcomes(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "sync", "1001")
	require.NoError(t, err)
	assert.Contains(t, out, "✔ 1001-1 synced as ERP order")

	out, err = e.run(t, "sync", "1001")
	require.NoError(t, err)
	assert.Contains(t, out, "already synced")
	assert.Equal(t, 1, e.erp.Count(erp.ModelSaleOrder))

	out, err = e.run(t, "outcomes", "1001-1", "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Status string           `json:"status"`
		Data   []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "success", resp.Data[0]["status"])

	out, err = e.run(t, "outcomes", "--status", "success")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "BOOKING"))
	assert.Contains(t, out, "1001-1")
}

func TestSyncUnknownOrder(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "sync", "4040")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestReconcileEmptyWindow(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "reconcile", "--hours", "3", "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "ok"`)
}

func TestEventsWithoutSink(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "events")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestPrintEvent(t *testing.T) {
	ev, err := events.NewEnvelope(events.EventBookingSynced, "1001-1", events.BookingSyncedPayload{BookingID: "1001-1"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printEvent(&buf, "text", ev))
	assert.Contains(t, buf.String(), "BookingSynced")
	assert.Contains(t, buf.String(), "1001-1")

	buf.Reset()
	require.NoError(t, printEvent(&buf, "json", ev))
	assert.Contains(t, buf.String(), `"event_id":"`+ev.EventID+`"`)
}
