// Package outbox delivers write-behind events off the scoring hot path.
//
// Producers enqueue without blocking. Events are partitioned by key over a
// fixed pool of workers, so events sharing a key are delivered in enqueue
// order, each worker handing its events to the handler registered for their
// kind and retrying failures with backoff. Profile snapshots bypass the
// partitions: only the newest pending snapshot per customer is kept and a
// dedicated worker writes them, so a burst of snapshots cannot crowd out
// alerts and transactions. Events that still fail, or that arrive while the
// queue is full, land in a bounded in-memory dead-letter queue. Delivery
// failures are also persisted and announced on the event bus when those are
// configured.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/retry"
)

// Kind identifies the type of an outbox event.
type Kind string

const (
	KindTransactionRecorded Kind = "transaction.recorded"
	KindAlertUpserted       Kind = "alert.upserted"
	KindProfileSnapshot     Kind = "profile.snapshot"
	KindDecisionPublished   Kind = "decision.published"
)

var (
	// ErrQueueFull is recorded on events rejected by a full queue.
	ErrQueueFull = errors.New("outbox queue full")

	// ErrClosed is recorded on events enqueued after Stop.
	ErrClosed = errors.New("outbox closed")
)

// coalesced kinds only need their newest pending event per key delivered.
var coalesced = map[Kind]bool{
	KindProfileSnapshot: true,
}

// Event is one unit of write-behind work.
type Event struct {
	ID        string
	Kind      Kind
	Key       string
	Payload   any
	CreatedAt time.Time
}

// Handler delivers an event. Returning a retry.Permanent error skips the
// remaining attempts.
type Handler func(ctx context.Context, ev Event) error

// DeadLetterStore persists dead letters.
type DeadLetterStore interface {
	SaveDeadLetter(ctx context.Context, dl *domain.DeadLetter) error
}

// Publisher announces dead letters.
type Publisher interface {
	Publish(ctx context.Context, topic string, key string, payload []byte) error
}

// Outbox is a bounded write-behind queue.
type Outbox struct {
	cfg      domain.OutboxConfig
	queues   []chan Event
	latest   *latest
	handlers map[Kind]Handler
	store    DeadLetterStore
	pub      Publisher
	logger   *slog.Logger

	// mu guards closed against concurrent sends on queue.
	mu     sync.RWMutex
	closed bool

	dlqMu sync.Mutex
	dlq   []domain.DeadLetter

	depth  atomic.Int64
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	start  sync.Once
}

// New creates an outbox. store and pub may be nil.
func New(cfg domain.OutboxConfig, store DeadLetterStore, pub Publisher, logger *slog.Logger) *Outbox {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.DeadLetters <= 0 {
		cfg.DeadLetters = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	capacity := (cfg.BufferSize + cfg.Workers - 1) / cfg.Workers
	queues := make([]chan Event, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan Event, capacity)
	}
	return &Outbox{
		cfg:      cfg,
		queues:   queues,
		latest:   newLatest(cfg.BufferSize),
		handlers: make(map[Kind]Handler),
		store:    store,
		pub:      pub,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handle registers the handler for kind. It must be called before Start.
// Events of a kind without a handler are dropped.
func (o *Outbox) Handle(kind Kind, h Handler) {
	o.handlers[kind] = h
}

// Start launches the delivery workers.
func (o *Outbox) Start() {
	o.start.Do(func() {
		for _, q := range o.queues {
			o.wg.Add(1)
			go o.run(q)
		}
		o.wg.Add(1)
		go o.runLatest()
		o.logger.Info("outbox started",
			"workers", o.cfg.Workers,
			"buffer_size", o.cfg.BufferSize,
		)
	})
}

// Enqueue queues an event and never blocks. It reports whether the event
// was accepted; rejected events are dead-lettered. A coalesced event
// replaces a pending one with the same kind and key.
func (o *Outbox) Enqueue(kind Kind, key string, payload any) bool {
	ev := Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Key:       key,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	o.mu.RLock()
	if o.closed {
		o.mu.RUnlock()
		o.deadLetter(ev, ErrClosed, 0, false)
		return false
	}
	if coalesced[kind] {
		added, ok := o.latest.put(ev)
		o.mu.RUnlock()
		if !ok {
			o.deadLetter(ev, ErrQueueFull, 0, false)
			return false
		}
		if added {
			o.depth.Add(1)
			metrics.OutboxDepth.Inc()
		}
		return true
	}
	select {
	case o.queues[partition(key, len(o.queues))] <- ev:
		o.depth.Add(1)
		metrics.OutboxDepth.Inc()
		o.mu.RUnlock()
		return true
	default:
		o.mu.RUnlock()
		o.deadLetter(ev, ErrQueueFull, 0, false)
		return false
	}
}

// Depth returns the number of events waiting for delivery.
func (o *Outbox) Depth() int {
	return int(o.depth.Load())
}

// DeadLetters returns up to limit of the most recent dead letters, newest
// first. A limit of 0 returns all of them.
func (o *Outbox) DeadLetters(limit int) []domain.DeadLetter {
	o.dlqMu.Lock()
	defer o.dlqMu.Unlock()
	n := len(o.dlq)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.DeadLetter, 0, n)
	for i := len(o.dlq) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, o.dlq[i])
	}
	return out
}

// Stop rejects further events and waits for queued ones to be delivered.
// When ctx expires first, in-flight retries are abandoned and the rest of
// the queue is dead-lettered.
func (o *Outbox) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	for _, q := range o.queues {
		close(q)
	}
	o.latest.close()
	o.mu.Unlock()

	// Workers never started: nothing will drain the queue.
	o.Start()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		o.logger.Info("outbox drained")
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return fmt.Errorf("outbox stop: %w", ctx.Err())
	}
}

func (o *Outbox) run(queue <-chan Event) {
	defer o.wg.Done()
	for ev := range queue {
		o.depth.Add(-1)
		metrics.OutboxDepth.Dec()
		o.deliver(ev)
	}
}

func (o *Outbox) runLatest() {
	defer o.wg.Done()
	for {
		ev, ok := o.latest.take()
		if !ok {
			return
		}
		o.depth.Add(-1)
		metrics.OutboxDepth.Dec()
		o.deliver(ev)
	}
}

// partition maps key onto one of n queues with FNV-1a.
func partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (o *Outbox) deliver(ev Event) {
	h, ok := o.handlers[ev.Kind]
	if !ok {
		o.logger.Debug("outbox event without handler", "kind", ev.Kind, "key", ev.Key)
		return
	}

	if o.ctx.Err() != nil {
		o.deadLetter(ev, o.ctx.Err(), 0, true)
		return
	}

	attempts := 0
	policy := retry.Policy{
		MaxAttempts: o.cfg.MaxAttempts,
		BaseDelay:   o.cfg.BaseDelay,
		MaxDelay:    5 * time.Second,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			metrics.OutboxRetries.WithLabelValues(string(ev.Kind)).Inc()
			o.logger.Warn("outbox delivery failed, retrying",
				"kind", ev.Kind,
				"key", ev.Key,
				"attempt", attempt,
				"wait", wait,
				"error", err,
			)
		},
	}
	err := policy.Do(o.ctx, func() error {
		attempts++
		return h(o.ctx, ev)
	})
	if err != nil {
		o.deadLetter(ev, err, attempts, true)
	}
}

// deadLetter records ev as undeliverable. Events rejected by Enqueue are
// only kept in memory since the caller must not block; the rest are also
// persisted and announced on a best-effort basis.
func (o *Outbox) deadLetter(ev Event, cause error, attempts int, durable bool) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		payload = []byte(fmt.Sprintf("%q", fmt.Sprint(ev.Payload)))
	}
	dl := domain.DeadLetter{
		ID:        ev.ID,
		Kind:      string(ev.Kind),
		Key:       ev.Key,
		Payload:   payload,
		Error:     cause.Error(),
		Attempts:  attempts,
		CreatedAt: time.Now().UTC(),
	}

	o.dlqMu.Lock()
	if len(o.dlq) >= o.cfg.DeadLetters {
		o.dlq = append(o.dlq[:0], o.dlq[1:]...)
	}
	o.dlq = append(o.dlq, dl)
	o.dlqMu.Unlock()

	metrics.OutboxDeadLetters.WithLabelValues(string(ev.Kind)).Inc()
	o.logger.Error("outbox event dead-lettered",
		"id", dl.ID,
		"kind", dl.Kind,
		"key", dl.Key,
		"attempts", attempts,
		"error", cause,
	)

	if !durable {
		return
	}

	// The worker context may already be cancelled during shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if o.store != nil {
		if err := o.store.SaveDeadLetter(ctx, &dl); err != nil {
			o.logger.Warn("failed to persist dead letter", "id", dl.ID, "error", err)
		}
	}
	if o.pub != nil {
		data, err := json.Marshal(dl)
		if err == nil {
			err = o.pub.Publish(ctx, domain.TopicDeadLetter, dl.Key, data)
		}
		if err != nil {
			o.logger.Warn("failed to announce dead letter", "id", dl.ID, "error", err)
		}
	}
}

// AlertChanged queues a changed alert for persistence.
func (o *Outbox) AlertChanged(_ context.Context, a *domain.Alert) {
	o.Enqueue(KindAlertUpserted, a.AlertID, a)
}

// ProfileSink returns a snapshot sink that queues profile snapshots.
func (o *Outbox) ProfileSink() profile.SnapshotSink {
	return func(snap *profile.Snapshot) {
		o.Enqueue(KindProfileSnapshot, snap.CustomerID, snap)
	}
}
