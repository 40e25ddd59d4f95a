package storefront

import (
	"context"
	"iter"
	"time"
)

// Cursor identifies a position in a paginated order listing. A reconciliation
// tick that is interrupted can resume from the cursor it last saw.
type Cursor struct {
	Since time.Time
	Page  int
}

// OrderPager walks the order listing lazily, one page per Next call.
type OrderPager struct {
	client *Client
	cursor Cursor
	done   bool
}

func (c *Client) FetchRecentOrders(since time.Time) *OrderPager {
	return c.ResumeOrders(Cursor{Since: since, Page: 1})
}

func (c *Client) ResumeOrders(cursor Cursor) *OrderPager {
	if cursor.Page < 1 {
		cursor.Page = 1
	}
	return &OrderPager{client: c, cursor: cursor}
}

// Cursor returns the position of the next page to fetch.
func (p *OrderPager) Cursor() Cursor {
	return p.cursor
}

func (p *OrderPager) Done() bool {
	return p.done
}

// Next returns the next page. After the last page it returns nil, nil and
// Done reports true. On error the cursor is left on the failed page.
func (p *OrderPager) Next(ctx context.Context) ([]RawOrder, error) {
	if p.done {
		return nil, nil
	}

	orders, totalPages, err := p.client.listOrders(ctx, p.cursor.Since, p.cursor.Page)
	if err != nil {
		return nil, err
	}

	switch {
	case len(orders) == 0:
		p.done = true
	case totalPages > 0 && p.cursor.Page >= totalPages:
		p.done = true
	case totalPages == 0 && len(orders) < p.client.perPage:
		p.done = true
	}
	p.cursor.Page++

	return orders, nil
}

// Orders yields every remaining order. Iteration stops after the first error.
func (p *OrderPager) Orders(ctx context.Context) iter.Seq2[RawOrder, error] {
	return func(yield func(RawOrder, error) bool) {
		for !p.done {
			page, err := p.Next(ctx)
			if err != nil {
				yield(RawOrder{}, err)
				return
			}
			for _, o := range page {
				if !yield(o, nil) {
					return
				}
			}
		}
	}
}

// RecentOrders is FetchRecentOrders(since).Orders(ctx) for callers that only range.
func (c *Client) RecentOrders(ctx context.Context, since time.Time) iter.Seq2[RawOrder, error] {
	return c.FetchRecentOrders(since).Orders(ctx)
}
