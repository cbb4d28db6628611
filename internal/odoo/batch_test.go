package odoo

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchCreate_SingleCall(t *testing.T) {
	f := newFakeOdoo(t, func(c rpcCall) (int, string) {
		if status, body, ok := authOK(c); ok {
			return status, body
		}
		return 0, xmlResponse(xmlArray(xmlInt(10), xmlInt(11), xmlInt(12)))
	})
	c := f.client(Config{})

	ids, err := c.BatchCreate(context.Background(), "res.partner", []map[string]interface{}{
		{"name": "a"}, {"name": "b"}, {"name": "c"},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11, 12}, ids)
	assert.Equal(t, 1, f.count("create"))
}

func TestBatchCreate_Empty(t *testing.T) {
	f := newFakeOdoo(t, func(c rpcCall) (int, string) {
		t.Error("no call expected")
		return 0, ""
	})
	ids, err := f.client(Config{}).BatchCreate(context.Background(), "res.partner", nil)
	require.NoError(t, err)
	assert.Nil(t, ids)
}

func TestBatchWrite_AllSucceed(t *testing.T) {
	f := newFakeOdoo(t, func(c rpcCall) (int, string) {
		if status, body, ok := authOK(c); ok {
			return status, body
		}
		return 0, xmlResponse(xmlBool(true))
	})
	c := f.client(Config{BatchConcurrency: 2})

	ops := []WriteOp{
		{IDs: []int64{1}, Values: map[string]interface{}{"name": "a"}},
		{IDs: []int64{2}, Values: map[string]interface{}{"name": "b"}},
		{IDs: []int64{3}, Values: map[string]interface{}{"name": "c"}},
	}
	require.NoError(t, c.BatchWrite(context.Background(), "res.partner", ops))
	assert.Equal(t, 3, f.count("write"))
	assert.Equal(t, 1, f.count("authenticate"))
}

func TestBatchWrite_PartialFailureReportsIDs(t *testing.T) {
	f := newFakeOdoo(t, func(c rpcCall) (int, string) {
		if status, body, ok := authOK(c); ok {
			return status, body
		}
		if strings.Contains(c.Body, "<int>2</int>") {
			return 0, xmlResponse(xmlBool(false))
		}
		if strings.Contains(c.Body, "<int>3</int>") {
			return 0, xmlFault(2, "ValidationError: name required")
		}
		return 0, xmlResponse(xmlBool(true))
	})
	c := f.client(Config{})

	ops := []WriteOp{
		{IDs: []int64{1}, Values: map[string]interface{}{"name": "a"}},
		{IDs: []int64{2}, Values: map[string]interface{}{"name": "b"}},
		{IDs: []int64{3}, Values: map[string]interface{}{"name": ""}},
	}
	err := c.BatchWrite(context.Background(), "res.partner", ops)

	var batchErr *BatchWriteError
	require.True(t, errors.As(err, &batchErr), "got %v", err)
	assert.Equal(t, 3, batchErr.Total)
	assert.ElementsMatch(t, []int64{2, 3}, batchErr.FailedIDs())
	assert.Equal(t, 3, f.count("write"), "every write is awaited")
}
