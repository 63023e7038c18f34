// Package coordinator runs a transaction through the scoring pipeline:
// validation, feature extraction, ensemble scoring, the alert decision,
// explanation and write-behind persistence.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/explain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/models"
	"github.com/opensource-finance/kestrel/internal/outbox"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/telemetry"
)

// Enqueuer accepts write-behind events without blocking.
type Enqueuer interface {
	Enqueue(kind outbox.Kind, key string, payload any) bool
}

// Options wires a Coordinator. Outbox and Logger may be nil.
type Options struct {
	Config    *domain.Config
	Profiles  *profile.Store
	Extractor *features.Extractor
	Scorer    *scoring.Scorer
	Explainer *explain.Explainer
	Alerts    *alert.Manager
	Outbox    Enqueuer
	Logger    *slog.Logger
}

// Coordinator is the synchronous scoring path. It is safe for concurrent
// use; per-customer ordering is provided by the profile shards.
type Coordinator struct {
	cfg       *domain.Config
	profiles  *profile.Store
	extractor *features.Extractor
	scorer    *scoring.Scorer
	explainer *explain.Explainer
	alerts    *alert.Manager
	outbox    Enqueuer
	logger    *slog.Logger
	now       func() time.Time

	// explainSem bounds background explanations.
	explainSem chan struct{}
	explainWG  sync.WaitGroup

	reloadMu sync.Mutex
}

// New creates a coordinator.
func New(opts Options) *Coordinator {
	cfg := opts.Config
	if cfg == nil {
		cfg = domain.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:        cfg,
		profiles:   opts.Profiles,
		extractor:  opts.Extractor,
		scorer:     opts.Scorer,
		explainer:  opts.Explainer,
		alerts:     opts.Alerts,
		outbox:     opts.Outbox,
		logger:     logger,
		now:        time.Now,
		explainSem: make(chan struct{}, 4*runtime.GOMAXPROCS(0)),
	}
}

// Score scores one transaction. It returns a *domain.ValidationError for
// malformed input and domain.ErrAllModelsUnavailable when no model could
// score; every other failure degrades the result instead of failing it.
func (c *Coordinator) Score(ctx context.Context, txn domain.Transaction) (*domain.ScoreOutcome, error) {
	start := c.now()
	ctx, span := telemetry.StartSpan(ctx, "coordinator.Score",
		telemetry.TxnID(txn.TxnID),
		telemetry.CustomerID(txn.CustomerID),
	)
	defer span.End()

	txn.Normalize()
	if err := txn.Validate(c.cfg.Features.MaxAmount); err != nil {
		reason := "invalid"
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			reason = ve.Field
		}
		metrics.MalformedTransactions.WithLabelValues(reason).Inc()
		metrics.TransactionsProcessed.WithLabelValues("rejected").Inc()
		c.logger.Warn("malformed transaction rejected",
			"txn_id", txn.TxnID,
			"customer_id", txn.CustomerID,
			"error", err,
		)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var reasons []string

	fv, err := c.extractor.Extract(ctx, &txn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("score %s: %w", txn.TxnID, ctx.Err())
		}
		c.logger.Warn("profile unavailable, scoring stateless",
			"txn_id", txn.TxnID,
			"customer_id", txn.CustomerID,
			"error", err,
		)
		fv = c.extractor.Stateless(&txn)
		reasons = append(reasons, domain.DegradedProfileUnavailable)
	}

	result, err := c.score(ctx, &fv)
	if err != nil {
		if errors.Is(err, scoringTimeout) {
			reasons = append(reasons, domain.DegradedScoringTimeout)
			result, err = c.scorer.Fallback(&fv)
		}
		if err != nil {
			outcome := "failed"
			if ctx.Err() != nil {
				err = fmt.Errorf("score %s: %w", txn.TxnID, ctx.Err())
			}
			metrics.TransactionsProcessed.WithLabelValues(outcome).Inc()
			c.logger.Error("scoring failed",
				"txn_id", txn.TxnID,
				"customer_id", txn.CustomerID,
				"error", err,
			)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
	for _, name := range result.Unavailable {
		metrics.ModelUnavailable.WithLabelValues(name).Inc()
	}
	if len(result.Unavailable) > 0 {
		reasons = append(reasons, domain.DegradedModelUnavailable)
	}
	if fv.Stateless {
		result.Degraded = true
	}
	for _, r := range reasons {
		metrics.DegradedResults.WithLabelValues(r).Inc()
	}

	out := &domain.ScoreOutcome{
		TxnID:           txn.TxnID,
		CustomerID:      txn.CustomerID,
		CombinedScore:   result.CombinedScore,
		Status:          domain.DecisionApproved,
		Degraded:        len(reasons) > 0,
		DegradedReasons: reasons,
		Features:        fv,
		Score:           result,
	}

	a, decision := c.alerts.Evaluate(ctx, &txn, result, nil)
	if a != nil {
		out.IsAlert = true
		out.AlertID = a.AlertID
		out.Status = string(a.Status)
	}
	label := domain.DecisionApproved
	switch decision {
	case alert.DecisionCreated:
		metrics.AlertsRaised.Inc()
		c.explainAlert(ctx, a.AlertID, fv, result)
		label = "alert"
	case alert.DecisionLinked:
		metrics.AlertsDeduplicated.Inc()
		out.Deduplicated = true
		label = "deduplicated"
	case alert.DecisionExisting:
		label = "alert"
	}

	out.ScoredAt = c.now().UTC()
	elapsed := out.ScoredAt.Sub(start)
	out.LatencyMs = float64(elapsed.Microseconds()) / 1000

	c.persist(&txn, out)

	metrics.TransactionsProcessed.WithLabelValues(label).Inc()
	metrics.ScoringLatency.Observe(elapsed.Seconds())
	span.SetAttributes(
		telemetry.Score(out.CombinedScore),
		telemetry.BundleVersion(result.BundleVersion),
	)

	c.logger.Debug("transaction scored",
		"txn_id", out.TxnID,
		"customer_id", out.CustomerID,
		"score", out.CombinedScore,
		"decision", decision.String(),
		"degraded", out.Degraded,
		"latency_ms", out.LatencyMs,
	)
	return out, nil
}

// scoringTimeout marks a score that ran out of its latency budget while the
// caller was still waiting.
var scoringTimeout = errors.New("scoring timeout")

func (c *Coordinator) score(ctx context.Context, fv *domain.FeatureVector) (domain.ScoreResult, error) {
	timeout := c.cfg.Scoring.Timeout
	if timeout <= 0 {
		return c.scorer.Score(ctx, fv)
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.scorer.Score(sctx, fv)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return result, fmt.Errorf("%w: %v", scoringTimeout, err)
	}
	return result, err
}

// explainAlert explains a freshly created alert, inline or in the
// background depending on configuration.
func (c *Coordinator) explainAlert(ctx context.Context, alertID string, fv domain.FeatureVector, result domain.ScoreResult) {
	if c.explainer == nil {
		return
	}
	if !c.cfg.Explain.Async {
		c.runExplain(ctx, alertID, fv, result)
		return
	}

	select {
	case c.explainSem <- struct{}{}:
	default:
		c.logger.Warn("explanation backlog full, alert left unexplained", "alert_id", alertID)
		return
	}
	c.explainWG.Add(1)
	go func() {
		defer c.explainWG.Done()
		defer func() { <-c.explainSem }()
		c.runExplain(context.Background(), alertID, fv, result)
	}()
}

func (c *Coordinator) runExplain(ctx context.Context, alertID string, fv domain.FeatureVector, result domain.ScoreResult) {
	if c.cfg.Explain.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Explain.Timeout)
		defer cancel()
	}
	ctx, span := telemetry.StartSpan(ctx, "coordinator.Explain", telemetry.AlertID(alertID))
	defer span.End()

	start := time.Now()
	expl, err := c.explainer.Explain(ctx, fv, result)
	metrics.ExplanationLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		c.logger.Warn("explanation failed", "alert_id", alertID, "error", err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if err := c.alerts.AttachExplanation(ctx, alertID, expl); err != nil {
		c.logger.Warn("failed to attach explanation", "alert_id", alertID, "error", err)
	}
}

// persist queues the write-behind events for a scored transaction.
func (c *Coordinator) persist(txn *domain.Transaction, out *domain.ScoreOutcome) {
	if c.outbox == nil {
		return
	}
	c.outbox.Enqueue(outbox.KindTransactionRecorded, txn.CustomerID, &domain.TransactionRecord{
		Transaction:   *txn,
		CombinedScore: out.CombinedScore,
		IsAlert:       out.IsAlert,
		Degraded:      out.Degraded,
		BundleVersion: out.Score.BundleVersion,
		ScoredAt:      out.ScoredAt,
	})
	decision := *out
	c.outbox.Enqueue(outbox.KindDecisionPublished, txn.CustomerID, &decision)
}

// Explain computes an explanation on demand for an alert that has none.
func (c *Coordinator) Explain(ctx context.Context, alertID string) (*domain.Alert, error) {
	a, err := c.alerts.Get(alertID)
	if err != nil {
		return nil, err
	}
	if a.Explanation != nil || c.explainer == nil || c.profiles == nil {
		return a, nil
	}
	snap, err := c.profiles.Get(ctx, a.CustomerID)
	if err != nil || snap.LastFeatures == nil || snap.LastFeatures.TxnID != a.TxnID {
		return a, nil
	}
	res := domain.ScoreResult{CombinedScore: a.Score, Degraded: true}
	c.runExplain(ctx, alertID, *snap.LastFeatures, res)
	return c.alerts.Get(alertID)
}

// UpdateAlert applies an analyst status change.
func (c *Coordinator) UpdateAlert(ctx context.Context, alertID string, status domain.AlertStatus, notes string) (*domain.Alert, error) {
	a, err := c.alerts.Transition(ctx, alertID, status, notes)
	if err != nil {
		return nil, err
	}
	metrics.AlertTransitions.WithLabelValues(string(status)).Inc()
	return a, nil
}

// Alerts returns the alert manager.
func (c *Coordinator) Alerts() *alert.Manager {
	return c.alerts
}

// Profile returns a snapshot of a customer's profile.
func (c *Coordinator) Profile(ctx context.Context, customerID string) (*profile.Snapshot, error) {
	if c.profiles == nil {
		return nil, fmt.Errorf("profile %s: %w", customerID, domain.ErrNotFound)
	}
	return c.profiles.Get(ctx, customerID)
}

// Models describes the active bundle.
func (c *Coordinator) Models() models.BundleInfo {
	return c.scorer.Bundle().Describe()
}

// ReloadModels loads the bundle in dir and swaps it in. An empty dir uses
// the configured models directory, or the built-in bundle when none is
// configured. On failure the active bundle is kept.
func (c *Coordinator) ReloadModels(dir string) (models.BundleInfo, error) {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	if dir == "" {
		dir = c.cfg.Scoring.ModelsDir
	}
	params := models.ParamsFrom(c.cfg)

	var (
		b   *models.Bundle
		err error
	)
	if dir == "" {
		b, err = models.DefaultBundle(params)
	} else {
		b, err = models.LoadBundle(dir, params)
	}
	if err != nil {
		metrics.BundleReloads.WithLabelValues("failure").Inc()
		c.logger.Error("model bundle reload failed", "dir", dir, "error", err)
		return models.BundleInfo{}, fmt.Errorf("reload models: %w", err)
	}

	old := c.scorer.Swap(b)
	metrics.BundleReloads.WithLabelValues("success").Inc()

	info := b.Describe()
	c.logger.Info("model bundle reloaded",
		"from", old.Version,
		"to", b.Version,
		"source", b.Source,
		"models", len(b.Models),
	)
	for _, m := range info.Models {
		if !m.Available {
			c.logger.Warn("model unavailable in bundle", "model", m.Name, "error", m.Error)
		}
	}
	return info, nil
}

// Close waits for background explanations to finish or ctx to expire.
func (c *Coordinator) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.explainWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
