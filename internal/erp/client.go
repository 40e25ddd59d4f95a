package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/booking-sync/internal/config"
	"github.com/Guizzs26/booking-sync/internal/models"
	"github.com/Guizzs26/booking-sync/pkg/metrics"
)

const rpcPath = "/jsonrpc"

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
		Debug   string `json:"debug"`
	} `json:"data"`
}

// Client talks to the ERP over its JSON-RPC endpoint. It never retries;
// retry policy belongs to the caller.
type Client struct {
	baseURL  string
	database string
	username string
	apiKey   string
	timeout  time.Duration
	http     *http.Client
	logger   *slog.Logger

	mu  sync.Mutex
	uid int64

	seq atomic.Int64
}

func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(cfg.ERPURL, "/"),
		database: cfg.ERPDatabase,
		username: cfg.ERPUsername,
		apiKey:   cfg.ERPAPIKey,
		timeout:  cfg.ERPCallTimeout,
		http:     &http.Client{},
		logger:   logger.With("component", "erp"),
	}
}

// Authenticate logs in and caches the user id for later calls.
func (c *Client) Authenticate(ctx context.Context) (int64, error) {
	raw, err := c.call(ctx, "common", "authenticate", c.database, c.username, c.apiKey, map[string]any{})
	if err != nil {
		metrics.ERPUp.Set(0)
		return 0, fmt.Errorf("authenticate: %w", err)
	}

	// A failed login returns false rather than an error.
	var uid int64
	if err := json.Unmarshal(raw, &uid); err != nil || uid == 0 {
		metrics.ERPUp.Set(0)
		return 0, fmt.Errorf("%w: authentication refused for %s on %s", models.ErrRemoteRejected, c.username, c.database)
	}

	c.mu.Lock()
	c.uid = uid
	c.mu.Unlock()
	metrics.ERPUp.Set(1)

	return uid, nil
}

// Ping re-authenticates, which is the cheapest proof of a working link.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Authenticate(ctx)
	return err
}

func (c *Client) session(ctx context.Context) (int64, error) {
	c.mu.Lock()
	uid := c.uid
	c.mu.Unlock()
	if uid != 0 {
		return uid, nil
	}
	return c.Authenticate(ctx)
}

func (c *Client) dropSession() {
	c.mu.Lock()
	c.uid = 0
	c.mu.Unlock()
}

// ExecuteKW runs model.method(*args, **kwargs) as the sync user.
func (c *Client) ExecuteKW(ctx context.Context, model, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	uid, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	start := time.Now()
	raw, err := c.call(ctx, "object", "execute_kw", c.database, uid, c.apiKey, model, method, args, kwargs)

	result := "ok"
	if err != nil {
		result = string(models.Classify(err))
		var re *RemoteError
		if errors.As(err, &re) && strings.Contains(re.Name, "AccessDenied") {
			c.dropSession()
		}
	}
	metrics.ERPCallDuration.WithLabelValues(model, method, result).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", model, method, err)
	}
	return raw, nil
}

func (c *Client) call(ctx context.Context, service, method string, args ...any) (json.RawMessage, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      c.seq.Add(1),
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+rpcPath, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, statusError(resp.StatusCode)
	}

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, transportError(fmt.Errorf("decode response: %w", err))
	}
	if out.Error != nil {
		re := newRemoteError(*out.Error)
		c.logger.Debug("ERP raised", "service", service, "method", method, "exception", re.Name, "message", re.Message)
		return nil, re
	}
	return out.Result, nil
}
