// Package profile provides the sharded customer profile store.
//
// Customers are partitioned across shards by hash of their id. Each shard is
// a single goroutine that owns its profiles outright, so every
// read-modify-write for a customer is serialized without locks.
package profile

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrShardUnavailable is returned when the owning shard cannot serve a
// request in time. Callers fall back to stateless features.
var ErrShardUnavailable = errors.New("profile shard unavailable")

// SnapshotLoader restores a profile that is not resident in memory.
// It returns nil, nil when nothing is stored. Loads run off the shard
// goroutine; requests for the customer wait for the load while the rest of
// the shard keeps serving.
type SnapshotLoader interface {
	LoadProfile(ctx context.Context, customerID string) (*Snapshot, error)
}

// SnapshotSink receives a snapshot after every applied mutation.
// It runs on the shard goroutine and must not block.
type SnapshotSink func(snap *Snapshot)

// Options configures a Store.
type Options struct {
	Shards         int
	QueueSize      int
	WindowCapacity int
	IdleEviction   time.Duration
	WarmTimeout    time.Duration
	Loader         SnapshotLoader
	Sink           SnapshotSink
}

// OptionsFrom maps the profile section of the configuration.
func OptionsFrom(cfg domain.ProfileConfig) Options {
	return Options{
		Shards:         cfg.Shards,
		QueueSize:      cfg.QueueSize,
		WindowCapacity: cfg.WindowCapacity,
		IdleEviction:   cfg.IdleEviction,
		WarmTimeout:    cfg.WarmTimeout,
	}
}

// Store is the sharded profile store.
type Store struct {
	opts   Options
	shards []*shard
	quit   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

type shard struct {
	id       int
	inbox    chan *request
	profiles map[string]*CustomerProfile
	down     atomic.Bool

	// warming parks requests, in arrival order, for customers whose
	// snapshot is being loaded; loaded carries the results back.
	warming map[string][]*request
	loaded  chan warmed
}

type warmed struct {
	customerID string
	profile    *CustomerProfile
}

type request struct {
	ctx        context.Context
	customerID string
	create     bool
	mutates    bool
	run        func(p *CustomerProfile) bool
	abort      func(err error)
}

// NewStore starts the shard goroutines.
func NewStore(opts Options) *Store {
	if opts.Shards <= 0 {
		opts.Shards = 16
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.WarmTimeout <= 0 {
		opts.WarmTimeout = 20 * time.Millisecond
	}

	s := &Store{
		opts:   opts,
		shards: make([]*shard, opts.Shards),
		quit:   make(chan struct{}),
	}
	for i := range s.shards {
		sh := &shard{
			id:       i,
			inbox:    make(chan *request, opts.QueueSize),
			profiles: make(map[string]*CustomerProfile),
			warming:  make(map[string][]*request),
			loaded:   make(chan warmed, opts.QueueSize),
		}
		s.shards[i] = sh
		s.wg.Add(1)
		go s.loop(sh)
	}
	return s
}

// ShardFor returns the index of the shard owning customerID.
func (s *Store) ShardFor(customerID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(customerID))
	return int(h.Sum32() % uint32(len(s.shards)))
}

// SetShardAvailable marks a shard up or down. A down shard rejects requests
// immediately with ErrShardUnavailable.
func (s *Store) SetShardAvailable(idx int, up bool) {
	if idx >= 0 && idx < len(s.shards) {
		s.shards[idx].down.Store(!up)
	}
}

// Update runs fn on the customer's profile inside the owning shard,
// creating the profile if needed. fn's result is handed back to the caller;
// fn must not retain the profile pointer.
func Update[T any](ctx context.Context, s *Store, customerID string, fn func(p *CustomerProfile) (T, error)) (T, error) {
	return submit(ctx, s, customerID, true, true, fn)
}

// Read runs fn on the customer's profile without creating it. fn receives
// nil when the customer is unknown.
func Read[T any](ctx context.Context, s *Store, customerID string, fn func(p *CustomerProfile) (T, error)) (T, error) {
	return submit(ctx, s, customerID, false, false, fn)
}

type result[T any] struct {
	val T
	err error
}

func submit[T any](ctx context.Context, s *Store, customerID string, create, mutates bool, fn func(p *CustomerProfile) (T, error)) (T, error) {
	var zero T
	sh := s.shards[s.ShardFor(customerID)]
	if s.closed.Load() || sh.down.Load() {
		return zero, fmt.Errorf("%w: shard %d is down", ErrShardUnavailable, sh.id)
	}

	// Buffered so a late shard never blocks on an abandoned caller.
	out := make(chan result[T], 1)
	req := &request{
		ctx:        ctx,
		customerID: customerID,
		create:     create,
		mutates:    mutates,
		run: func(p *CustomerProfile) bool {
			v, err := fn(p)
			out <- result[T]{val: v, err: err}
			return err == nil
		},
		abort: func(err error) { out <- result[T]{err: err} },
	}

	select {
	case sh.inbox <- req:
	default:
		return zero, fmt.Errorf("%w: shard %d queue full", ErrShardUnavailable, sh.id)
	}

	select {
	case r := <-out:
		return r.val, r.err
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %v", ErrShardUnavailable, ctx.Err())
	case <-s.quit:
		return zero, fmt.Errorf("%w: store closed", ErrShardUnavailable)
	}
}

// GetOrCreate returns a snapshot of the customer's profile, creating an
// empty one for a new customer.
func (s *Store) GetOrCreate(ctx context.Context, customerID string) (*Snapshot, error) {
	return Update(ctx, s, customerID, func(p *CustomerProfile) (*Snapshot, error) {
		return p.Snapshot(), nil
	})
}

// Get returns a snapshot or domain.ErrNotFound for an unknown customer.
func (s *Store) Get(ctx context.Context, customerID string) (*Snapshot, error) {
	return Read(ctx, s, customerID, func(p *CustomerProfile) (*Snapshot, error) {
		if p == nil {
			return nil, fmt.Errorf("profile %s: %w", customerID, domain.ErrNotFound)
		}
		return p.Snapshot(), nil
	})
}

// Apply folds txn into the profile and records fv as the latest feature
// vector. Re-applying a transaction id already in the window is a no-op.
func (s *Store) Apply(ctx context.Context, customerID string, txn *domain.Transaction, fv *domain.FeatureVector) (*Snapshot, error) {
	return Update(ctx, s, customerID, func(p *CustomerProfile) (*Snapshot, error) {
		p.ObserveWith(txn, fv)
		return p.Snapshot(), nil
	})
}

// Len returns the number of resident profiles across all shards.
func (s *Store) Len(ctx context.Context) int {
	total := 0
	for _, sh := range s.shards {
		n := make(chan int, 1)
		req := &request{
			ctx:   ctx,
			run:   func(*CustomerProfile) bool { n <- len(sh.profiles); return false },
			abort: func(error) { n <- 0 },
		}
		select {
		case sh.inbox <- req:
		case <-ctx.Done():
			return total
		}
		select {
		case c := <-n:
			total += c
		case <-ctx.Done():
			return total
		}
	}
	return total
}

// Close stops all shards. Pending callers receive ErrShardUnavailable.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.quit)
	s.wg.Wait()
	return nil
}

func (s *Store) loop(sh *shard) {
	defer s.wg.Done()

	sweep := time.Minute
	if s.opts.IdleEviction > 0 && s.opts.IdleEviction < sweep {
		sweep = s.opts.IdleEviction
	}
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case req := <-sh.inbox:
			s.handle(sh, req)
		case w := <-sh.loaded:
			s.finishWarm(sh, w)
		case now := <-ticker.C:
			s.evictIdle(sh, now)
		}
	}
}

func (s *Store) handle(sh *shard, req *request) {
	if err := req.ctx.Err(); err != nil {
		req.abort(fmt.Errorf("%w: %v", ErrShardUnavailable, err))
		return
	}
	if req.customerID == "" {
		// shard-level request (Len)
		req.run(nil)
		return
	}

	if parked, ok := sh.warming[req.customerID]; ok {
		sh.warming[req.customerID] = append(parked, req)
		return
	}
	p := sh.profiles[req.customerID]
	if p == nil && s.opts.Loader != nil {
		sh.warming[req.customerID] = []*request{req}
		go s.warm(sh, req.customerID)
		return
	}
	s.serve(sh, req, p)
}

func (s *Store) serve(sh *shard, req *request, p *CustomerProfile) {
	if p == nil && req.create {
		p = newProfile(req.customerID, s.opts.WindowCapacity)
		sh.profiles[req.customerID] = p
	}
	if p != nil {
		p.touched = time.Now()
	}

	ok := req.run(p)
	if ok && req.mutates && p != nil && s.opts.Sink != nil {
		s.opts.Sink(p.Snapshot())
	}
}

// warm loads a snapshot and hands the result back to the shard goroutine.
func (s *Store) warm(sh *shard, customerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WarmTimeout)
	defer cancel()

	var p *CustomerProfile
	snap, err := s.opts.Loader.LoadProfile(ctx, customerID)
	switch {
	case err != nil:
		slog.Warn("profile warm load failed",
			"customer_id", customerID,
			"error", err,
		)
	case snap != nil:
		p = restore(snap, s.opts.WindowCapacity)
	}

	select {
	case sh.loaded <- warmed{customerID: customerID, profile: p}:
	case <-s.quit:
	}
}

func (s *Store) finishWarm(sh *shard, w warmed) {
	parked := sh.warming[w.customerID]
	delete(sh.warming, w.customerID)
	if w.profile != nil && sh.profiles[w.customerID] == nil {
		sh.profiles[w.customerID] = w.profile
	}
	for _, req := range parked {
		if err := req.ctx.Err(); err != nil {
			req.abort(fmt.Errorf("%w: %v", ErrShardUnavailable, err))
			continue
		}
		s.serve(sh, req, sh.profiles[w.customerID])
	}
}

func (s *Store) evictIdle(sh *shard, now time.Time) {
	if s.opts.IdleEviction <= 0 {
		return
	}
	for id, p := range sh.profiles {
		if now.Sub(p.touched) > s.opts.IdleEviction {
			delete(sh.profiles, id)
		}
	}
}
