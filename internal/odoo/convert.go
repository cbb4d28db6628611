package odoo

import "fmt"

// Record is one row as returned by read/search_read
type Record = map[string]interface{}

// Domain is an Odoo search domain: a list of condition triples and
// prefix operators ("&", "|", "!").
type Domain []interface{}

// Cond builds one (field, operator, value) condition
func Cond(field, operator string, value interface{}) []interface{} {
	return []interface{}{field, operator, value}
}

// asInt64 converts the numeric shapes the XML-RPC decoder may produce
func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), n == float64(int64(n))
	default:
		return 0, false
	}
}

func asInt64Slice(v interface{}) ([]int64, error) {
	if n, ok := asInt64(v); ok {
		return []int64{n}, nil
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected list of ids, got %T", v)
	}
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		n, ok := asInt64(item)
		if !ok {
			return nil, fmt.Errorf("expected integer id, got %T", item)
		}
		ids = append(ids, n)
	}
	return ids, nil
}

func asRecords(v interface{}) ([]Record, error) {
	items, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected list of records, got %T", v)
	}
	records := make([]Record, 0, len(items))
	for _, item := range items {
		rec, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("expected record, got %T", item)
		}
		records = append(records, rec)
	}
	return records, nil
}

func asBool(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}
