// Package pool keeps a bounded set of sandbox instances, hands out the least
// loaded one for work and fans batches of executions across them.
package pool

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hkuds/vmpool/internal/executor"
	"github.com/hkuds/vmpool/internal/ports"
)

// DefaultPrefix names pool instances <prefix>-<i>.
const DefaultPrefix = "vmpool"

// Factory brings up one named instance on the given host ports and returns the
// executor that reaches it. Closing the executor tears the instance down.
type Factory interface {
	Create(ctx context.Context, name string, ports ports.Map) (executor.Executor, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, name string, ports ports.Map) (executor.Executor, error)

// Create calls f.
func (f FactoryFunc) Create(ctx context.Context, name string, p ports.Map) (executor.Executor, error) {
	return f(ctx, name, p)
}

// Config bounds the pool.
type Config struct {
	Min    int
	Max    int
	Prefix string

	// CreateConcurrency limits parallel creates in ScaleTo and EnsureMin.
	// Zero means no limit.
	CreateConcurrency int
}

// Entry is one pool instance. Its load is owned by the Orchestrator.
type Entry struct {
	ID        string
	Ports     ports.Map
	CreatedAt time.Time

	exec executor.Executor
	load int
}

// Run executes req on the entry's instance.
func (e *Entry) Run(ctx context.Context, req executor.Request) (executor.Result, error) {
	return e.exec.Run(ctx, req)
}

// Executor returns the executor reaching the instance.
func (e *Entry) Executor() executor.Executor { return e.exec }

// EntryInfo is a snapshot of an Entry.
type EntryInfo struct {
	ID        string
	Ports     ports.Map
	Load      int
	CreatedAt time.Time
}

// Stats holds pool statistics.
type Stats struct {
	Instances int
	Pending   int
	InFlight  int
	Min       int
	Max       int
	Closed    bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records pool activity in m.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// Orchestrator manages a pool of instances within [Min, Max].
type Orchestrator struct {
	cfg     Config
	factory Factory
	alloc   *ports.Allocator
	metrics *Metrics

	mu      sync.Mutex
	entries map[string]*Entry
	pending map[string]struct{}
	closed  bool

	// settled is closed and replaced whenever a pending create finishes.
	settled chan struct{}
}

// New creates an empty orchestrator. Call EnsureMin to bring it to Min.
func New(cfg Config, factory Factory, alloc *ports.Allocator, opts ...Option) (*Orchestrator, error) {
	if cfg.Min < 0 || cfg.Max < 1 || cfg.Min > cfg.Max {
		return nil, fmt.Errorf("invalid pool bounds min=%d max=%d", cfg.Min, cfg.Max)
	}
	if factory == nil {
		return nil, fmt.Errorf("factory cannot be nil")
	}
	if alloc == nil {
		return nil, fmt.Errorf("port allocator cannot be nil")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}

	o := &Orchestrator{
		cfg:     cfg,
		factory: factory,
		alloc:   alloc,
		entries: make(map[string]*Entry),
		pending: make(map[string]struct{}),
		settled: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Config returns the pool bounds.
func (o *Orchestrator) Config() Config { return o.cfg }

// Create adds one instance to the pool. It fails with *PoolCapacityError when
// Max instances exist or are being created.
func (o *Orchestrator) Create(ctx context.Context) (*Entry, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if len(o.entries)+len(o.pending) >= o.cfg.Max {
		o.mu.Unlock()
		o.metrics.rejected()
		return nil, &PoolCapacityError{Max: o.cfg.Max}
	}
	name := o.nextNameLocked()
	o.pending[name] = struct{}{}
	o.updateMetricsLocked()
	o.mu.Unlock()

	start := time.Now()
	entry, err := o.create(ctx, name)

	var orphan *Entry
	o.mu.Lock()
	delete(o.pending, name)
	close(o.settled)
	o.settled = make(chan struct{})
	switch {
	case err == nil && o.closed:
		orphan, err = entry, ErrClosed
	case err == nil:
		o.entries[name] = entry
	}
	o.updateMetricsLocked()
	o.mu.Unlock()

	if orphan != nil {
		o.destroy(context.WithoutCancel(ctx), orphan)
	}

	o.metrics.created(err == nil, time.Since(start).Seconds())
	if err != nil {
		if !errors.Is(err, ErrClosed) {
			log.Error().Err(err).Str("instance", name).Msg("instance creation failed")
		}
		return nil, err
	}

	log.Info().Str("instance", name).Dur("elapsed", time.Since(start)).Msg("instance added to pool")
	return entry, nil
}

func (o *Orchestrator) create(ctx context.Context, name string) (*Entry, error) {
	p, err := o.alloc.Get(name)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate ports for %s: %w", name, err)
	}
	exec, err := o.factory.Create(ctx, name, p)
	if err != nil {
		return nil, fmt.Errorf("failed to create instance %s: %w", name, err)
	}
	return &Entry{ID: name, Ports: p, CreatedAt: time.Now(), exec: exec}, nil
}

// nextNameLocked returns the lowest free <prefix>-<i>.
func (o *Orchestrator) nextNameLocked() string {
	for i := 0; ; i++ {
		name := o.cfg.Prefix + "-" + strconv.Itoa(i)
		_, inUse := o.entries[name]
		_, creating := o.pending[name]
		if !inUse && !creating {
			return name
		}
	}
}

// EnsureMin creates instances until the pool holds at least Min.
func (o *Orchestrator) EnsureMin(ctx context.Context) error {
	o.mu.Lock()
	missing := o.cfg.Min - len(o.entries) - len(o.pending)
	o.mu.Unlock()
	return o.grow(ctx, missing)
}

// ScaleTo clamps n into [Min, Max] and grows or shrinks the pool to it.
// Shrinking removes the least loaded entries.
func (o *Orchestrator) ScaleTo(ctx context.Context, n int) error {
	n = max(o.cfg.Min, min(n, o.cfg.Max))

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	cur := len(o.entries)
	var victims []*Entry
	if n < cur {
		victims = o.leastLoadedLocked(cur - n)
		for _, e := range victims {
			delete(o.entries, e.ID)
		}
		o.updateMetricsLocked()
	}
	missing := n - cur - len(o.pending)
	o.mu.Unlock()

	log.Info().Int("from", cur).Int("to", n).Msg("scaling pool")

	if len(victims) > 0 {
		var g errgroup.Group
		for _, e := range victims {
			g.Go(func() error {
				o.destroy(ctx, e)
				return nil
			})
		}
		_ = g.Wait()
		return nil
	}
	return o.grow(ctx, missing)
}

func (o *Orchestrator) grow(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	if o.cfg.CreateConcurrency > 0 {
		g.SetLimit(o.cfg.CreateConcurrency)
	}
	for range n {
		g.Go(func() error {
			if _, err := o.Create(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// leastLoadedLocked returns the n entries with the lowest load, newest names
// first on ties.
func (o *Orchestrator) leastLoadedLocked(n int) []*Entry {
	all := slices.Collect(maps.Values(o.entries))
	slices.SortFunc(all, func(a, b *Entry) int {
		if c := cmp.Compare(a.load, b.load); c != 0 {
			return c
		}
		return cmp.Compare(nameIndex(b.ID), nameIndex(a.ID))
	})
	return all[:min(n, len(all))]
}

func nameIndex(id string) int {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '-' {
			n, _ := strconv.Atoi(id[i+1:])
			return n
		}
	}
	return 0
}

// Acquire returns the entry with the fewest in-flight tasks and counts one
// more task on it. An empty pool gets one instance first; when Max creates are
// already in flight it waits for one of them instead.
func (o *Orchestrator) Acquire(ctx context.Context) (*Entry, error) {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return nil, ErrClosed
		}
		if len(o.entries) > 0 {
			var best *Entry
			for _, id := range slices.Sorted(maps.Keys(o.entries)) {
				if e := o.entries[id]; best == nil || e.load < best.load {
					best = e
				}
			}
			best.load++
			o.updateMetricsLocked()
			o.mu.Unlock()
			return best, nil
		}
		if len(o.pending) >= o.cfg.Max {
			// Every slot is being filled; take whichever create lands first.
			settled := o.settled
			o.mu.Unlock()
			select {
			case <-settled:
				continue
			case <-ctx.Done():
				return nil, fmt.Errorf("failed to acquire instance: %w", ctx.Err())
			}
		}
		o.mu.Unlock()

		if _, err := o.Create(ctx); err != nil {
			var capErr *PoolCapacityError
			if errors.As(err, &capErr) {
				// Lost the race for the last slot.
				continue
			}
			return nil, fmt.Errorf("failed to acquire instance: %w", err)
		}
	}
}

// Release counts one task on id as finished. The count never drops below zero.
func (o *Orchestrator) Release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[id]
	if !ok {
		log.Debug().Str("instance", id).Msg("release of unknown instance ignored")
		return
	}
	if e.load > 0 {
		e.load--
	}
	o.updateMetricsLocked()
}

// Run acquires an instance, runs req on it and releases it.
func (o *Orchestrator) Run(ctx context.Context, req executor.Request) (executor.Result, error) {
	e, err := o.Acquire(ctx)
	if err != nil {
		return executor.Result{}, err
	}
	defer o.Release(e.ID)
	return e.Run(ctx, req)
}

// Remove drops id from the pool and tears its instance down. Teardown errors
// are logged; the entry is gone either way.
func (o *Orchestrator) Remove(ctx context.Context, id string) error {
	o.mu.Lock()
	e, ok := o.entries[id]
	if ok {
		delete(o.entries, id)
		o.updateMetricsLocked()
	}
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	o.destroy(ctx, e)
	return nil
}

func (o *Orchestrator) destroy(ctx context.Context, e *Entry) {
	if err := e.exec.Close(ctx); err != nil {
		log.Warn().Err(err).Str("instance", e.ID).Msg("instance teardown failed")
	}
	o.metrics.removed()
	log.Info().Str("instance", e.ID).Msg("instance removed from pool")
}

// Close removes every instance. Later calls are no-ops.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	all := slices.Collect(maps.Values(o.entries))
	clear(o.entries)
	o.updateMetricsLocked()
	o.mu.Unlock()

	var g errgroup.Group
	for _, e := range all {
		g.Go(func() error {
			o.destroy(ctx, e)
			return nil
		})
	}
	return g.Wait()
}

// Len returns the number of ready instances.
func (o *Orchestrator) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Entries returns a snapshot of every entry ordered by id.
func (o *Orchestrator) Entries() []EntryInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]EntryInfo, 0, len(o.entries))
	for _, id := range slices.Sorted(maps.Keys(o.entries)) {
		e := o.entries[id]
		out = append(out, EntryInfo{ID: e.ID, Ports: e.Ports.Clone(), Load: e.load, CreatedAt: e.CreatedAt})
	}
	return out
}

// Stats returns current pool statistics.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Stats{
		Instances: len(o.entries),
		Pending:   len(o.pending),
		InFlight:  o.inFlightLocked(),
		Min:       o.cfg.Min,
		Max:       o.cfg.Max,
		Closed:    o.closed,
	}
}

func (o *Orchestrator) inFlightLocked() int {
	n := 0
	for _, e := range o.entries {
		n += e.load
	}
	return n
}

func (o *Orchestrator) updateMetricsLocked() {
	o.metrics.setSizes(len(o.entries), len(o.pending), o.inFlightLocked())
}
