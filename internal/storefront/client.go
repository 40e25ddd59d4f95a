package storefront

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Guizzs26/booking-sync/internal/config"
	"github.com/Guizzs26/booking-sync/internal/models"
)

const (
	apiPrefix      = "/wp-json/wc/v3"
	defaultPerPage = 50

	// With dates_are_gmt, "modified_after" is UTC ISO 8601 without offset.
	afterLayout = "2006-01-02T15:04:05"

	// StatusCancelled orders are never billed, only propagated.
	StatusCancelled = "cancelled"

	maxErrorBody = 4 << 10
)

type Client struct {
	baseURL  string
	key      string
	secret   string
	statuses []string
	perPage  int
	client   *http.Client
	logger   *slog.Logger
}

func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(cfg.WooURL, "/"),
		key:      cfg.WooConsumerKey,
		secret:   cfg.WooConsumerSecret,
		statuses: cfg.WooOrderStatuses,
		perPage:  min(max(cfg.BatchSize, 1), 100),
		client:   &http.Client{Timeout: cfg.StorefrontTimeout},
		logger:   logger.With("component", "storefront"),
	}
}

// IsBillable reports whether the order status is one the sync should bill.
func (c *Client) IsBillable(o RawOrder) bool {
	for _, s := range c.statuses {
		if strings.EqualFold(s, o.Status) {
			return true
		}
	}
	return false
}

// IsStatusUpdate reports orders that are never billed but whose status
// still has to reach bookings already in the ERP.
func (c *Client) IsStatusUpdate(o RawOrder) bool {
	return strings.EqualFold(o.Status, StatusCancelled) && !c.IsBillable(o)
}

func (c *Client) Statuses() []string {
	return append([]string(nil), c.statuses...)
}

func (c *Client) FetchOrder(ctx context.Context, orderID string) (RawOrder, error) {
	orderID = strings.TrimSpace(orderID)
	if _, err := strconv.ParseInt(orderID, 10, 64); err != nil {
		return RawOrder{}, fmt.Errorf("%w: order id %q is not numeric", models.ErrMalformedOrder, orderID)
	}

	body, _, err := c.get(ctx, "/orders/"+orderID, nil)
	if err != nil {
		return RawOrder{}, fmt.Errorf("fetch order %s: %w", orderID, err)
	}

	order, err := ParseOrder(body)
	if err != nil {
		return RawOrder{}, fmt.Errorf("%w: %v", models.ErrMalformedOrder, err)
	}
	return order, nil
}

// Ping checks credentials with the cheapest authenticated call available.
func (c *Client) Ping(ctx context.Context) error {
	_, _, err := c.get(ctx, "/orders", url.Values{"per_page": {"1"}})
	return err
}

// listOrders fetches one page. totalPages is 0 when the header is absent.
func (c *Client) listOrders(ctx context.Context, since time.Time, page int) ([]RawOrder, int, error) {
	params := url.Values{}
	params.Set("per_page", strconv.Itoa(c.perPage))
	params.Set("page", strconv.Itoa(page))
	params.Set("orderby", "date")
	params.Set("order", "asc")
	if !since.IsZero() {
		params.Set("modified_after", since.UTC().Format(afterLayout))
		params.Set("dates_are_gmt", "true")
	}
	if len(c.statuses) > 0 {
		params.Set("status", strings.Join(c.statuses, ","))
	}

	body, header, err := c.get(ctx, "/orders", params)
	if err != nil {
		return nil, 0, err
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, 0, fmt.Errorf("%w: decode order list: %v", models.ErrRemoteUnavailable, err)
	}

	orders := make([]RawOrder, 0, len(raws))
	for _, raw := range raws {
		o, err := ParseOrder(raw)
		if err != nil {
			c.logger.Warn("skipping undecodable order in list", "page", page, "error", err)
			continue
		}
		orders = append(orders, o)
	}

	totalPages, _ := strconv.Atoi(header.Get("X-WP-TotalPages"))
	return orders, totalPages, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, http.Header, error) {
	u := c.baseURL + apiPrefix + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, err
	}
	req.SetBasicAuth(c.key, c.secret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, nil, statusError(resp.StatusCode, snippet)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read body: %v", models.ErrRemoteUnavailable, err)
	}
	return body, resp.Header, nil
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func statusError(status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	msg := strings.TrimSpace(apiErr.Message)
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %w: storefront %d %s", models.ErrRemoteRejected, models.ErrNotFound, status, msg)
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: storefront %d %s", models.ErrRemoteUnavailable, status, msg)
	default:
		return fmt.Errorf("%w: storefront %d %s (%s)", models.ErrRemoteRejected, status, msg, apiErr.Code)
	}
}

// classifyTransport keeps caller cancellation distinct from a dead storefront.
func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrRemoteUnavailable, err)
}
