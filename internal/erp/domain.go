package erp

import (
	"context"

	"github.com/shopspring/decimal"
)

const (
	ModelPartner    = "res.partner"
	ModelProduct    = "product.product"
	ModelSaleOrder  = "sale.order"
	searchFirstOnly = 1
)

func (c *Client) findOne(ctx context.Context, model string, domain Domain) (int64, bool, error) {
	ids, err := c.Search(ctx, model, domain, searchFirstOnly)
	if err != nil {
		return 0, false, err
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	return ids[0], true, nil
}

// FindCustomerByEmail matches case-insensitively; email is the customer's natural key.
func (c *Client) FindCustomerByEmail(ctx context.Context, email string) (int64, bool, error) {
	return c.findOne(ctx, ModelPartner, Domain{{"email", "=ilike", email}})
}

func (c *Client) CreateCustomer(ctx context.Context, name, email string) (int64, error) {
	return c.Create(ctx, ModelPartner, Values{
		"name":          name,
		"email":         email,
		"customer_rank": 1,
	})
}

func (c *Client) FindProductByName(ctx context.Context, name string) (int64, bool, error) {
	return c.findOne(ctx, ModelProduct, Domain{{"name", "=", name}})
}

// CreateProduct creates a sellable service priced exactly at price.
func (c *Client) CreateProduct(ctx context.Context, name string, price decimal.Decimal) (int64, error) {
	return c.Create(ctx, ModelProduct, Values{
		"name":           name,
		"type":           "service",
		"list_price":     price,
		"sale_ok":        true,
		"purchase_ok":    false,
		"invoice_policy": "order",
	})
}

// CreateSalesOrder creates a confirmed-ready quotation with a single line of
// quantity 1 at amount. reference is stored as the customer reference so the
// order can be found again.
func (c *Client) CreateSalesOrder(ctx context.Context, customerID, productID int64, amount decimal.Decimal, reference string) (int64, error) {
	return c.Create(ctx, ModelSaleOrder, Values{
		"partner_id":       customerID,
		"client_order_ref": reference,
		"origin":           reference,
		"order_line": []any{CreateLine(Values{
			"product_id":      productID,
			"product_uom_qty": 1,
			"price_unit":      amount,
			"discount":        0,
		})},
	})
}

func (c *Client) FindSalesOrderByReference(ctx context.Context, reference string) (int64, bool, error) {
	return c.findOne(ctx, ModelSaleOrder, Domain{{"client_order_ref", "=", reference}})
}

// FindOrCreateCustomer is not safe against concurrent callers on its own;
// the sync engine serializes it per email.
func (c *Client) FindOrCreateCustomer(ctx context.Context, name, email string) (int64, error) {
	id, found, err := c.FindCustomerByEmail(ctx, email)
	if err != nil {
		return 0, err
	}
	if found {
		return id, nil
	}
	return c.CreateCustomer(ctx, name, email)
}

func (c *Client) FindOrCreateProduct(ctx context.Context, name string, price decimal.Decimal) (int64, error) {
	id, found, err := c.FindProductByName(ctx, name)
	if err != nil {
		return 0, err
	}
	if found {
		return id, nil
	}
	return c.CreateProduct(ctx, name, price)
}

// SetSalesOrderState moves an existing order to state ("sale", "cancel").
func (c *Client) SetSalesOrderState(ctx context.Context, id int64, state string) error {
	return c.Write(ctx, ModelSaleOrder, []int64{id}, Values{"state": state})
}
