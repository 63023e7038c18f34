// Package worker consumes the transaction ingestion stream.
//
// Messages are routed to a fixed number of partitions by customer id so
// that one customer's transactions are scored in arrival order while
// different customers proceed in parallel. Decisions leave through the
// scorer's write-behind outbox, not through the worker.
package worker

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

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// ErrStopped is returned for messages that arrive after Stop.
var ErrStopped = errors.New("worker stopped")

// Scorer scores one transaction. *coordinator.Coordinator implements it.
type Scorer interface {
	Score(ctx context.Context, txn domain.Transaction) (*domain.ScoreOutcome, error)
}

// Worker processes transactions asynchronously from the EventBus.
type Worker struct {
	bus    domain.EventBus
	scorer Scorer
	cfg    domain.IngestConfig
	logger *slog.Logger

	mu         sync.RWMutex
	started    bool
	stopped    bool
	partitions []chan *domain.Message
	sub        domain.Subscription

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	processed atomic.Int64
	alerts    atomic.Int64
	malformed atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates an ingestion worker. A nil logger uses slog.Default.
func NewWorker(bus domain.EventBus, scorer Scorer, cfg domain.IngestConfig, logger *slog.Logger) *Worker {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		scorer: scorer,
		cfg:    cfg,
		logger: logger.With("component", "ingest"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the partitions and subscribes to the ingestion topic.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.New("worker already started")
	}
	if w.stopped {
		return ErrStopped
	}

	w.partitions = make([]chan *domain.Message, w.cfg.Partitions)
	for i := range w.partitions {
		ch := make(chan *domain.Message, w.cfg.QueueSize)
		w.partitions[i] = ch
		w.wg.Add(1)
		go w.run(i, ch)
	}

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionIngest, w.dispatch)
	if err != nil {
		for _, ch := range w.partitions {
			close(ch)
		}
		w.partitions = nil
		return fmt.Errorf("subscribe %s: %w", domain.TopicTransactionIngest, err)
	}
	w.sub = sub
	w.started = true

	w.logger.Info("ingestion worker started",
		"topic", domain.TopicTransactionIngest,
		"partitions", w.cfg.Partitions,
		"queue_size", w.cfg.QueueSize,
	)
	return nil
}

// dispatch hands msg to its partition. It blocks while the partition is
// full, which stalls the subscription. The channel bus built by bus.New
// makes the ingest topic lossless, so publishers then wait too; NATS
// buffers on the client and reports a slow consumer once its pending
// limits are exceeded.
func (w *Worker) dispatch(ctx context.Context, msg *domain.Message) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return ErrStopped
	}

	key := msg.Key
	if key == "" {
		key = peekCustomer(msg.Payload)
	}
	ch := w.partitions[Partition(key, len(w.partitions))]

	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return ErrStopped
	}
}

// Partition maps a key onto one of n partitions.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// peekCustomer recovers the routing key from a message published without one.
func peekCustomer(payload []byte) string {
	var peek struct {
		CustomerID string `json:"customer_id"`
	}
	_ = json.Unmarshal(payload, &peek)
	return peek.CustomerID
}

func (w *Worker) run(idx int, ch <-chan *domain.Message) {
	defer w.wg.Done()
	for msg := range ch {
		w.process(idx, msg)
	}
}

// process scores one message. Failures are logged and counted; a bad
// message never stops its partition.
func (w *Worker) process(idx int, msg *domain.Message) {
	start := time.Now()

	var txn domain.Transaction
	if err := json.Unmarshal(msg.Payload, &txn); err != nil {
		w.malformed.Add(1)
		metrics.IngestMessages.WithLabelValues("malformed").Inc()
		metrics.MalformedTransactions.WithLabelValues("payload").Inc()
		w.logger.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"partition", idx,
			"error", err,
		)
		return
	}

	out, err := w.scorer.Score(w.ctx, txn)
	if err != nil {
		if errors.Is(err, domain.ErrMalformedTransaction) {
			w.malformed.Add(1)
			metrics.IngestMessages.WithLabelValues("malformed").Inc()
			w.logger.Warn("transaction rejected",
				"message_id", msg.ID,
				"txn_id", txn.TxnID,
				"error", err,
			)
			return
		}
		w.failed.Add(1)
		metrics.IngestMessages.WithLabelValues("failed").Inc()
		w.logger.Error("transaction scoring failed",
			"message_id", msg.ID,
			"txn_id", txn.TxnID,
			"customer_id", txn.CustomerID,
			"error", err,
		)
		return
	}

	w.processed.Add(1)
	result := "scored"
	if out.IsAlert {
		w.alerts.Add(1)
		result = "alert"
	}
	metrics.IngestMessages.WithLabelValues(result).Inc()

	w.logger.Debug("transaction processed",
		"txn_id", out.TxnID,
		"customer_id", out.CustomerID,
		"partition", idx,
		"score", out.CombinedScore,
		"is_alert", out.IsAlert,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop unsubscribes and drains the partitions. When ctx expires first the
// in-flight scoring is cancelled and the remaining messages are dropped.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.RLock()
	sub := w.sub
	w.mu.RUnlock()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.sub = nil
	for _, ch := range w.partitions {
		close(ch)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.cancel()
		w.logger.Info("ingestion worker stopped", "processed", w.processed.Load())
		return nil
	case <-ctx.Done():
		w.cancel()
		<-done
		return fmt.Errorf("stop ingestion worker: %w", ctx.Err())
	}
}

// Stats returns worker statistics.
type Stats struct {
	Partitions int    `json:"partitions"`
	Topic      string `json:"topic"`
	Running    bool   `json:"running"`
	Processed  int64  `json:"processed"`
	Alerts     int64  `json:"alerts"`
	Malformed  int64  `json:"malformed"`
	Failed     int64  `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.RLock()
	running := w.started && !w.stopped
	w.mu.RUnlock()
	return Stats{
		Partitions: w.cfg.Partitions,
		Topic:      domain.TopicTransactionIngest,
		Running:    running,
		Processed:  w.processed.Load(),
		Alerts:     w.alerts.Load(),
		Malformed:  w.malformed.Load(),
		Failed:     w.failed.Load(),
	}
}
