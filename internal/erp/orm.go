package erp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Guizzs26/booking-sync/internal/models"
)

// Domain is a search filter in the ERP's prefix notation, e.g.
// Domain{{"email", "=ilike", "a@b.c"}}.
type Domain [][]any

func (d Domain) args() []any {
	out := make([]any, len(d))
	for i, term := range d {
		out[i] = term
	}
	return out
}

func (c *Client) Search(ctx context.Context, model string, domain Domain, limit int) ([]int64, error) {
	kwargs := map[string]any{}
	if limit > 0 {
		kwargs["limit"] = limit
	}

	raw, err := c.ExecuteKW(ctx, model, "search", []any{domain.args()}, kwargs)
	if err != nil {
		return nil, err
	}

	var ids []int64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("%w: %s.search returned %s", models.ErrRemoteUnavailable, model, truncate(raw))
	}
	return ids, nil
}

func (c *Client) Read(ctx context.Context, model string, ids []int64, fields []string) ([]map[string]any, error) {
	raw, err := c.ExecuteKW(ctx, model, "read", []any{ids}, map[string]any{"fields": fields})
	if err != nil {
		return nil, err
	}
	return decodeRecords(model, "read", raw)
}

func (c *Client) SearchRead(ctx context.Context, model string, domain Domain, fields []string, limit int) ([]map[string]any, error) {
	kwargs := map[string]any{"fields": fields}
	if limit > 0 {
		kwargs["limit"] = limit
	}

	raw, err := c.ExecuteKW(ctx, model, "search_read", []any{domain.args()}, kwargs)
	if err != nil {
		return nil, err
	}
	return decodeRecords(model, "search_read", raw)
}

func (c *Client) Create(ctx context.Context, model string, values Values) (int64, error) {
	raw, err := c.ExecuteKW(ctx, model, "create", []any{values.format()}, nil)
	if err != nil {
		return 0, err
	}

	var id int64
	if err := json.Unmarshal(raw, &id); err != nil || id == 0 {
		// Some versions answer create with a one-element list.
		var ids []int64
		if err := json.Unmarshal(raw, &ids); err != nil || len(ids) != 1 {
			return 0, fmt.Errorf("%w: %s.create returned %s", models.ErrRemoteUnavailable, model, truncate(raw))
		}
		id = ids[0]
	}
	return id, nil
}

// Write updates records in place. The ERP answers true on success.
func (c *Client) Write(ctx context.Context, model string, ids []int64, values Values) error {
	raw, err := c.ExecuteKW(ctx, model, "write", []any{ids, values.format()}, nil)
	if err != nil {
		return err
	}

	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil || !ok {
		return fmt.Errorf("%w: %s.write returned %s", models.ErrRemoteRejected, model, truncate(raw))
	}
	return nil
}

func decodeRecords(model, method string, raw json.RawMessage) ([]map[string]any, error) {
	var records []map[string]any
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("%w: %s.%s returned %s", models.ErrRemoteUnavailable, model, method, truncate(raw))
	}
	return records, nil
}

func truncate(raw json.RawMessage) string {
	const limit = 200
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}
