package odoo

import (
	"context"
	"fmt"
)

// SearchOptions are the optional keyword arguments of search and search_read
type SearchOptions struct {
	Offset int
	Limit  int
	Order  string
}

func (o *SearchOptions) kwargs() map[string]interface{} {
	kw := map[string]interface{}{}
	if o == nil {
		return kw
	}
	if o.Offset > 0 {
		kw["offset"] = o.Offset
	}
	if o.Limit > 0 {
		kw["limit"] = o.Limit
	}
	if o.Order != "" {
		kw["order"] = o.Order
	}
	return kw
}

func domainArg(d Domain) Domain {
	if d == nil {
		return Domain{}
	}
	return d
}

// Create creates one record and returns its id
func (c *Client) Create(ctx context.Context, model string, values map[string]interface{}) (int64, error) {
	res, err := c.ExecuteKw(ctx, model, "create", []interface{}{values}, nil)
	if err != nil {
		return 0, err
	}
	id, ok := asInt64(res)
	if !ok {
		return 0, fmt.Errorf("%s.create: unexpected result %T", model, res)
	}
	return id, nil
}

// Read reads the given fields (all fields when empty) of ids
func (c *Client) Read(ctx context.Context, model string, ids []int64, fields []string) ([]Record, error) {
	kwargs := map[string]interface{}{}
	if len(fields) > 0 {
		kwargs["fields"] = fields
	}
	res, err := c.ExecuteKw(ctx, model, "read", []interface{}{ids}, kwargs)
	if err != nil {
		return nil, err
	}
	return asRecords(res)
}

// Search returns the ids matching domain
func (c *Client) Search(ctx context.Context, model string, domain Domain, opts *SearchOptions) ([]int64, error) {
	res, err := c.ExecuteKw(ctx, model, "search", []interface{}{domainArg(domain)}, opts.kwargs())
	if err != nil {
		return nil, err
	}
	return asInt64Slice(res)
}

// SearchRead combines search and read in one call
func (c *Client) SearchRead(ctx context.Context, model string, domain Domain, fields []string, opts *SearchOptions) ([]Record, error) {
	kwargs := opts.kwargs()
	if len(fields) > 0 {
		kwargs["fields"] = fields
	}
	res, err := c.ExecuteKw(ctx, model, "search_read", []interface{}{domainArg(domain)}, kwargs)
	if err != nil {
		return nil, err
	}
	return asRecords(res)
}

// SearchCount counts the records matching domain
func (c *Client) SearchCount(ctx context.Context, model string, domain Domain) (int64, error) {
	res, err := c.ExecuteKw(ctx, model, "search_count", []interface{}{domainArg(domain)}, nil)
	if err != nil {
		return 0, err
	}
	n, ok := asInt64(res)
	if !ok {
		return 0, fmt.Errorf("%s.search_count: unexpected result %T", model, res)
	}
	return n, nil
}

// Write updates ids with values and reports the server's boolean answer
func (c *Client) Write(ctx context.Context, model string, ids []int64, values map[string]interface{}) (bool, error) {
	res, err := c.ExecuteKw(ctx, model, "write", []interface{}{ids, values}, nil)
	if err != nil {
		return false, err
	}
	return asBool(res), nil
}

// Unlink deletes ids
func (c *Client) Unlink(ctx context.Context, model string, ids []int64) (bool, error) {
	res, err := c.ExecuteKw(ctx, model, "unlink", []interface{}{ids}, nil)
	if err != nil {
		return false, err
	}
	return asBool(res), nil
}

// FieldsGet describes the fields of model, limited to attributes when given
func (c *Client) FieldsGet(ctx context.Context, model string, attributes []string) (map[string]Record, error) {
	kwargs := map[string]interface{}{}
	if len(attributes) > 0 {
		kwargs["attributes"] = attributes
	}
	res, err := c.ExecuteKw(ctx, model, "fields_get", nil, kwargs)
	if err != nil {
		return nil, err
	}
	raw, ok := res.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s.fields_get: unexpected result %T", model, res)
	}
	fields := make(map[string]Record, len(raw))
	for name, def := range raw {
		if rec, ok := def.(map[string]interface{}); ok {
			fields[name] = rec
		}
	}
	return fields, nil
}
