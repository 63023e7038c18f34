package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// stubScorer records the order transactions arrive in per customer.
type stubScorer struct {
	mu    sync.Mutex
	seen  map[string][]string
	delay time.Duration
}

func newStubScorer() *stubScorer {
	return &stubScorer{seen: make(map[string][]string)}
}

func (s *stubScorer) Score(ctx context.Context, txn domain.Transaction) (*domain.ScoreOutcome, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	txn.Normalize()
	if err := txn.Validate(0); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.seen[txn.CustomerID] = append(s.seen[txn.CustomerID], txn.TxnID)
	s.mu.Unlock()
	return &domain.ScoreOutcome{
		TxnID:      txn.TxnID,
		CustomerID: txn.CustomerID,
		IsAlert:    txn.Amount > 1000,
	}, nil
}

func (s *stubScorer) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ids := range s.seen {
		n += len(ids)
	}
	return n
}

func publishTxn(t *testing.T, b domain.EventBus, id, customer string, amount float64) {
	t.Helper()
	payload, _ := json.Marshal(domain.Transaction{
		TxnID:       id,
		Timestamp:   time.Now().UTC(),
		CustomerID:  customer,
		MerchantID:  "m-1",
		Amount:      amount,
		CountryCode: "US",
	})
	if err := b.Publish(context.Background(), domain.TopicTransactionIngest, customer, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWorker(t *testing.T) {
	t.Run("StartAndStop", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, newStubScorer(), domain.IngestConfig{Partitions: 4}, nil)
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := w.Start(); err == nil {
			t.Error("expected second Start to fail")
		}
		if !w.GetStats().Running {
			t.Error("expected worker to be running")
		}

		if err := w.Stop(context.Background()); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if w.GetStats().Running {
			t.Error("expected worker to be stopped")
		}
		if err := w.Stop(context.Background()); err != nil {
			t.Errorf("second Stop should be a no-op, got %v", err)
		}
	})

	t.Run("ProcessTransactions", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		scorer := newStubScorer()
		w := NewWorker(eventBus, scorer, domain.IngestConfig{Partitions: 2}, nil)
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop(context.Background())

		publishTxn(t, eventBus, "tx-001", "cust-a", 50)
		publishTxn(t, eventBus, "tx-002", "cust-b", 5000)

		waitFor(t, func() bool { return w.GetStats().Processed == 2 })
		if got := w.GetStats().Alerts; got != 1 {
			t.Errorf("expected 1 alert, got %d", got)
		}
	})

	t.Run("MalformedMessages", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, newStubScorer(), domain.IngestConfig{Partitions: 2}, nil)
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop(context.Background())

		eventBus.Publish(context.Background(), domain.TopicTransactionIngest, "", []byte("{not json"))
		publishTxn(t, eventBus, "tx-bad", "cust-c", -5)
		publishTxn(t, eventBus, "tx-good", "cust-c", 20)

		waitFor(t, func() bool { return w.GetStats().Processed == 1 })
		if got := w.GetStats().Malformed; got != 2 {
			t.Errorf("expected 2 malformed messages, got %d", got)
		}
	})
}

func TestPerCustomerOrdering(t *testing.T) {
	eventBus := bus.NewChannelBus(4096)
	defer eventBus.Close()

	scorer := newStubScorer()
	w := NewWorker(eventBus, scorer, domain.IngestConfig{Partitions: 4, QueueSize: 16}, nil)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	const customers, perCustomer = 10, 50
	for i := 0; i < perCustomer; i++ {
		for c := 0; c < customers; c++ {
			publishTxn(t, eventBus, fmt.Sprintf("c%d-%03d", c, i), fmt.Sprintf("cust-%d", c), 10)
		}
	}

	waitFor(t, func() bool { return scorer.total() == customers*perCustomer })
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	for c := 0; c < customers; c++ {
		ids := scorer.seen[fmt.Sprintf("cust-%d", c)]
		for i, id := range ids {
			if want := fmt.Sprintf("c%d-%03d", c, i); id != want {
				t.Fatalf("customer %d: position %d got %s, want %s", c, i, id, want)
			}
		}
	}
}

func TestStopDrains(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	scorer := newStubScorer()
	scorer.delay = 5 * time.Millisecond
	w := NewWorker(eventBus, scorer, domain.IngestConfig{Partitions: 1, QueueSize: 32}, nil)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		publishTxn(t, eventBus, fmt.Sprintf("d-%d", i), "cust-d", 10)
	}
	// Let the subscription hand everything to the partition.
	waitFor(t, func() bool { return scorer.total() >= 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	stats := w.GetStats()
	if stats.Processed+stats.Failed == 0 {
		t.Error("expected queued messages to be processed before stop returned")
	}
}

func TestBackpressureLosesNothing(t *testing.T) {
	eventBus := bus.NewChannelBus(2, domain.TopicTransactionIngest)
	defer eventBus.Close()

	scorer := newStubScorer()
	scorer.delay = time.Millisecond
	w := NewWorker(eventBus, scorer, domain.IngestConfig{Partitions: 1, QueueSize: 1}, nil)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop(context.Background())

	const total = 100
	for i := 0; i < total; i++ {
		publishTxn(t, eventBus, fmt.Sprintf("bp-%03d", i), "cust-bp", 10)
	}

	waitFor(t, func() bool { return scorer.total() == total })
	if dropped := eventBus.Dropped(); dropped != 0 {
		t.Errorf("expected no dropped messages, got %d", dropped)
	}
	scorer.mu.Lock()
	ids := append([]string(nil), scorer.seen["cust-bp"]...)
	scorer.mu.Unlock()
	for i, id := range ids {
		if want := fmt.Sprintf("bp-%03d", i); id != want {
			t.Fatalf("position %d got %s, want %s", i, id, want)
		}
	}
}

func TestPartition(t *testing.T) {
	if Partition("anything", 1) != 0 {
		t.Error("single partition must always be 0")
	}
	for _, key := range []string{"", "cust-1", "cust-2", "a very long customer identifier"} {
		p := Partition(key, 8)
		if p < 0 || p >= 8 {
			t.Errorf("partition %d out of range for %q", p, key)
		}
		if Partition(key, 8) != p {
			t.Errorf("partition not stable for %q", key)
		}
	}
}

func TestPeekCustomer(t *testing.T) {
	if got := peekCustomer([]byte(`{"customer_id":"c-9","amount":1}`)); got != "c-9" {
		t.Errorf("expected c-9, got %q", got)
	}
	if got := peekCustomer([]byte("garbage")); got != "" {
		t.Errorf("expected empty key for garbage, got %q", got)
	}
}
