package pool

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hkuds/vmpool/internal/executor"
)

// ItemResult is the outcome of one batch item. Err is set when the item could
// not be dispatched or its execution failed.
type ItemResult struct {
	Index    int
	Instance string
	Result   executor.Result
	Err      error
	Elapsed  time.Duration
}

// ParallelClient fans batches of requests out across a pool.
type ParallelClient struct {
	pool *Orchestrator

	// ScaleToBatch grows the pool to the batch size, within its bounds, before
	// dispatching.
	ScaleToBatch bool

	// Limit caps concurrent dispatches. Zero means one goroutine per item.
	Limit int
}

// NewParallelClient returns a client dispatching on o.
func NewParallelClient(o *Orchestrator) *ParallelClient {
	return &ParallelClient{pool: o}
}

// Run executes every request concurrently, one acquired instance per item, and
// returns results in request order. A failing item never aborts the others.
// Every acquired instance is released once all items finished.
func (c *ParallelClient) Run(ctx context.Context, reqs []executor.Request) []ItemResult {
	results := make([]ItemResult, len(reqs))
	if len(reqs) == 0 {
		return results
	}

	if c.ScaleToBatch {
		if err := c.pool.ScaleTo(ctx, len(reqs)); err != nil {
			log.Warn().Err(err).Int("items", len(reqs)).Msg("pool did not fully scale to batch size")
		}
	}

	entries := make([]*Entry, len(reqs))
	defer func() {
		for _, e := range entries {
			if e != nil {
				c.pool.Release(e.ID)
			}
		}
	}()
	for i := range reqs {
		results[i].Index = i
		e, err := c.pool.Acquire(ctx)
		if err != nil {
			results[i].Err = err
			continue
		}
		entries[i] = e
		results[i].Instance = e.ID
	}

	var g errgroup.Group
	if c.Limit > 0 {
		g.SetLimit(c.Limit)
	}
	for i, req := range reqs {
		e := entries[i]
		if e == nil {
			continue
		}
		g.Go(func() error {
			start := time.Now()
			res, err := e.Run(ctx, req)
			results[i].Result = res
			results[i].Err = err
			results[i].Elapsed = time.Since(start)
			if err != nil {
				log.Warn().Err(err).Int("item", i).Str("instance", e.ID).Msg("batch item failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
