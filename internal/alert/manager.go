// Package alert turns alert-eligible scores into analyst alerts and owns
// their lifecycle.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// alertNamespace seeds deterministic alert ids, so re-scoring a
// transaction can never mint a second alert for it.
var alertNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://opensource-finance.org/kestrel/alerts"))

// Decision is what Evaluate did with a score.
type Decision int

const (
	// DecisionNone means the score was below the alert threshold.
	DecisionNone Decision = iota
	// DecisionCreated means a new alert was raised.
	DecisionCreated
	// DecisionLinked means the transaction was folded into an open alert
	// for the same customer.
	DecisionLinked
	// DecisionExisting means the transaction already belonged to an alert.
	DecisionExisting
)

func (d Decision) String() string {
	switch d {
	case DecisionCreated:
		return "created"
	case DecisionLinked:
		return "linked"
	case DecisionExisting:
		return "existing"
	}
	return "none"
}

// Sink receives a copy of every alert after it changes. It is called with
// the manager's lock held, in mutation order, and must not block.
type Sink interface {
	AlertChanged(ctx context.Context, a *domain.Alert)
}

// Store is the durable alert history. The manager consults it for alerts it
// does not hold, such as those resolved before a restart.
type Store interface {
	GetAlert(ctx context.Context, alertID string) (*domain.Alert, error)
	FindAlertByTxn(ctx context.Context, txnID string) (*domain.Alert, error)
}

// AlertID returns the deterministic alert id for a transaction.
func AlertID(txnID string) string {
	return uuid.NewSHA1(alertNamespace, []byte(txnID)).String()
}

// Manager holds alerts in memory and applies deduplication and the status
// lifecycle. It is safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	alerts    map[string]*domain.Alert
	byTxn     map[string]string
	open      map[string]string // customer id -> open alert id
	threshold float64
	cfg       domain.AlertsConfig
	sink      Sink
	store     Store
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a manager. sink may be nil.
func NewManager(threshold float64, cfg domain.AlertsConfig, sink Sink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		alerts:    make(map[string]*domain.Alert),
		byTxn:     make(map[string]string),
		open:      make(map[string]string),
		threshold: threshold,
		cfg:       cfg,
		sink:      sink,
		logger:    logger,
		now:       time.Now,
	}
}

// SetStore sets the durable history consulted on in-memory misses. It must
// be called before the manager is shared.
func (m *Manager) SetStore(store Store) {
	m.store = store
}

// Threshold returns the alert threshold.
func (m *Manager) Threshold() float64 {
	return m.threshold
}

// Evaluate decides whether result raises an alert for txn. expl may be nil
// when the explanation is computed later.
func (m *Manager) Evaluate(ctx context.Context, txn *domain.Transaction, result domain.ScoreResult, expl *domain.Explanation) (*domain.Alert, Decision) {
	m.mu.Lock()

	if id, ok := m.byTxn[txn.TxnID]; ok {
		a := m.alerts[id].Clone()
		m.mu.Unlock()
		return a, DecisionExisting
	}

	if result.CombinedScore < m.threshold {
		m.mu.Unlock()
		return nil, DecisionNone
	}

	if m.store != nil {
		m.mu.Unlock()
		stored := m.lookupTxn(ctx, txn.TxnID)
		m.mu.Lock()
		if stored != nil {
			a := m.adopt(stored).Clone()
			m.mu.Unlock()
			return a, DecisionExisting
		}
		if id, ok := m.byTxn[txn.TxnID]; ok {
			a := m.alerts[id].Clone()
			m.mu.Unlock()
			return a, DecisionExisting
		}
	}

	now := m.now().UTC()

	if a := m.suppressing(txn); a != nil {
		a.LinkedTxnIDs = append(a.LinkedTxnIDs, txn.TxnID)
		a.Occurrences++
		if txn.Timestamp.After(a.LastOccurrence) {
			a.LastOccurrence = txn.Timestamp
		}
		if txn.Timestamp.Before(a.FirstOccurrence) {
			a.FirstOccurrence = txn.Timestamp
		}
		if result.CombinedScore > a.Score {
			a.Score = result.CombinedScore
		}
		a.UpdatedAt = now
		m.byTxn[txn.TxnID] = a.AlertID
		out := a.Clone()
		m.publish(ctx, out)
		m.mu.Unlock()

		m.logger.Debug("alert deduplicated",
			"alert_id", out.AlertID,
			"txn_id", txn.TxnID,
			"occurrences", out.Occurrences,
		)
		return out, DecisionLinked
	}

	a := &domain.Alert{
		AlertID:         AlertID(txn.TxnID),
		TxnID:           txn.TxnID,
		CustomerID:      txn.CustomerID,
		Score:           result.CombinedScore,
		Status:          domain.AlertNew,
		Explanation:     expl,
		Occurrences:     1,
		Degraded:        result.Degraded,
		CreatedAt:       now,
		UpdatedAt:       now,
		FirstOccurrence: txn.Timestamp,
		LastOccurrence:  txn.Timestamp,
	}
	m.alerts[a.AlertID] = a
	m.byTxn[txn.TxnID] = a.AlertID
	m.open[txn.CustomerID] = a.AlertID
	out := a.Clone()
	m.publish(ctx, out)
	m.mu.Unlock()

	m.logger.Info("alert raised",
		"alert_id", out.AlertID,
		"txn_id", out.TxnID,
		"customer_id", out.CustomerID,
		"score", out.Score,
	)
	return out, DecisionCreated
}

// suppressing returns the customer's open alert if txn falls inside its
// suppression window. Callers hold m.mu.
func (m *Manager) suppressing(txn *domain.Transaction) *domain.Alert {
	if m.cfg.SuppressionWindow <= 0 {
		return nil
	}
	id, ok := m.open[txn.CustomerID]
	if !ok {
		return nil
	}
	a := m.alerts[id]
	if a == nil || a.Status.Terminal() {
		delete(m.open, txn.CustomerID)
		return nil
	}

	anchor := a.FirstOccurrence
	if m.cfg.SlidingSuppression {
		anchor = a.LastOccurrence
	}
	gap := txn.Timestamp.Sub(anchor)
	if gap < 0 {
		// Late arrivals are measured back from the first occurrence.
		gap = a.FirstOccurrence.Sub(txn.Timestamp)
	}
	if gap > m.cfg.SuppressionWindow {
		return nil
	}
	return a
}

// Transition moves an alert to status. Terminal states are absorbing.
func (m *Manager) Transition(ctx context.Context, id string, status domain.AlertStatus, notes string) (*domain.Alert, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, status)
	}

	m.mu.Lock()
	a, ok := m.alerts[id]
	if !ok && m.store != nil {
		m.mu.Unlock()
		stored, err := m.store.GetAlert(ctx, id)
		m.mu.Lock()
		if err == nil {
			a, ok = m.adopt(stored), true
		}
	}
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("alert %s: %w", id, domain.ErrNotFound)
	}
	if !a.Status.CanTransitionTo(status) {
		from := a.Status
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, status)
	}

	a.Status = status
	if notes != "" {
		a.AnalystNotes = notes
	}
	a.UpdatedAt = m.now().UTC()
	if status.Terminal() && m.open[a.CustomerID] == a.AlertID {
		delete(m.open, a.CustomerID)
	}
	out := a.Clone()
	m.publish(ctx, out)
	m.mu.Unlock()

	m.logger.Info("alert transitioned", "alert_id", id, "status", status)
	return out, nil
}

// AttachExplanation stores an explanation computed after the alert was raised.
func (m *Manager) AttachExplanation(ctx context.Context, id string, expl *domain.Explanation) error {
	m.mu.Lock()
	a, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("alert %s: %w", id, domain.ErrNotFound)
	}
	a.Explanation = expl
	a.UpdatedAt = m.now().UTC()
	out := a.Clone()
	m.publish(ctx, out)
	m.mu.Unlock()

	return nil
}

// Get returns a copy of the alert.
func (m *Manager) Get(id string) (*domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, domain.ErrNotFound)
	}
	return a.Clone(), nil
}

// ForTxn returns the alert a transaction belongs to, if any.
func (m *Manager) ForTxn(txnID string) (*domain.Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTxn[txnID]
	if !ok {
		return nil, false
	}
	return m.alerts[id].Clone(), true
}

// List returns matching alerts, newest first, and the total match count
// before paging.
func (m *Manager) List(filter domain.AlertFilter) ([]*domain.Alert, int) {
	m.mu.Lock()
	matched := make([]*domain.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.CustomerID != "" && a.CustomerID != filter.CustomerID {
			continue
		}
		matched = append(matched, a.Clone())
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].AlertID < matched[j].AlertID
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*domain.Alert{}, total
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total
}

// Restore loads previously persisted alerts, typically the open ones read
// back from the repository at startup.
func (m *Manager) Restore(alerts []*domain.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range alerts {
		m.adopt(a)
	}
}

// adopt indexes a persisted alert unless a copy is already held, and returns
// the held alert. Callers hold m.mu.
func (m *Manager) adopt(a *domain.Alert) *domain.Alert {
	if held, ok := m.alerts[a.AlertID]; ok {
		return held
	}
	c := a.Clone()
	m.alerts[c.AlertID] = c
	m.byTxn[c.TxnID] = c.AlertID
	for _, linked := range c.LinkedTxnIDs {
		m.byTxn[linked] = c.AlertID
	}
	if c.Status.Terminal() {
		return c
	}
	if cur, ok := m.open[c.CustomerID]; ok && m.alerts[cur].CreatedAt.After(c.CreatedAt) {
		return c
	}
	m.open[c.CustomerID] = c.AlertID
	return c
}

// lookupTxn asks the store for the alert txnID belongs to. Store failures
// are logged and treated as a miss so scoring never fails on history.
func (m *Manager) lookupTxn(ctx context.Context, txnID string) *domain.Alert {
	a, err := m.store.FindAlertByTxn(ctx, txnID)
	if err == nil {
		return a
	}
	if !errors.Is(err, domain.ErrNotFound) {
		m.logger.Warn("alert history lookup failed", "txn_id", txnID, "error", err)
	}
	return nil
}

// Len returns the number of alerts held.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

func (m *Manager) publish(ctx context.Context, a *domain.Alert) {
	if m.sink != nil {
		m.sink.AlertChanged(ctx, a.Clone())
	}
}
