package odoo

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// WriteOp is one write call of a BatchWrite
type WriteOp struct {
	IDs    []int64
	Values map[string]interface{}
}

// BatchCreate creates all records with a single multi-record create call
func (c *Client) BatchCreate(ctx context.Context, model string, records []map[string]interface{}) ([]int64, error) {
	if len(records) == 0 {
		return nil, nil
	}
	res, err := c.ExecuteKw(ctx, model, "create", []interface{}{records}, nil)
	if err != nil {
		return nil, err
	}
	ids, err := asInt64Slice(res)
	if err != nil {
		return nil, fmt.Errorf("%s.create: %w", model, err)
	}
	return ids, nil
}

// BatchWrite issues one write per op concurrently and waits for all of them.
// It succeeds only if every write returned true; otherwise a *BatchWriteError
// lists the failed ops. Writes that did succeed are not undone.
func (c *Client) BatchWrite(ctx context.Context, model string, ops []WriteOp) error {
	if len(ops) == 0 {
		return nil
	}
	// authenticate once up front instead of racing N logins
	if _, err := c.Authenticate(ctx); err != nil {
		return err
	}

	var (
		mu       sync.Mutex
		failures []WriteFailure
		g        errgroup.Group
	)
	g.SetLimit(c.cfg.BatchConcurrency)

	for _, op := range ops {
		op := op
		g.Go(func() error {
			ok, err := c.Write(ctx, model, op.IDs, op.Values)
			if err == nil && !ok {
				err = fmt.Errorf("write returned false")
			}
			if err != nil {
				mu.Lock()
				failures = append(failures, WriteFailure{IDs: op.IDs, Err: err})
				mu.Unlock()
			}
			// failures are collected, not propagated, so every write is awaited
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		return &BatchWriteError{Model: model, Total: len(ops), Failures: failures}
	}
	return nil
}
