// Package scoring combines the models of the active bundle into one score.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/models"
)

// Evaluator scores feature vectors. Scorer evaluates against whichever
// bundle is active; a Snapshot is pinned to one bundle.
type Evaluator interface {
	Score(ctx context.Context, fv *domain.FeatureVector) (domain.ScoreResult, error)
}

// Scorer is the ensemble scorer. The bundle reference is swapped atomically,
// so in-flight scores finish on the bundle they started with.
type Scorer struct {
	bundle         atomic.Pointer[models.Bundle]
	highConfidence float64
	fallback       models.Model
	logger         *slog.Logger
}

// NewScorer creates a scorer over b. fallback is used by Fallback only.
func NewScorer(b *models.Bundle, cfg domain.ScoringConfig, fallback models.Model, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	hc := cfg.HighConfidenceThreshold
	if hc <= 0 {
		hc = 0.9
	}
	s := &Scorer{highConfidence: hc, fallback: fallback, logger: logger}
	s.bundle.Store(b)
	return s
}

// Bundle returns the active bundle.
func (s *Scorer) Bundle() *models.Bundle {
	return s.bundle.Load()
}

// Swap installs b and returns the previous bundle.
func (s *Scorer) Swap(b *models.Bundle) *models.Bundle {
	old := s.bundle.Swap(b)
	s.logger.Info("model bundle swapped",
		"version", b.Version,
		"source", b.Source,
		"models", len(b.Models),
	)
	return old
}

// Score evaluates fv against the active bundle.
func (s *Scorer) Score(ctx context.Context, fv *domain.FeatureVector) (domain.ScoreResult, error) {
	return s.scoreWith(ctx, s.bundle.Load(), fv)
}

// Snapshot pins the active bundle so repeated scoring, as done by the
// explainer, sees one consistent set of models.
func (s *Scorer) Snapshot() *Pinned {
	return &Pinned{scorer: s, bundle: s.bundle.Load()}
}

// Fallback scores fv with the heuristic model. The result is marked degraded.
func (s *Scorer) Fallback(fv *domain.FeatureVector) (domain.ScoreResult, error) {
	if s.fallback == nil {
		return domain.ScoreResult{}, domain.ErrAllModelsUnavailable
	}
	score, err := s.fallback.Predict(fv)
	if err != nil {
		return domain.ScoreResult{}, fmt.Errorf("%w: fallback: %v", domain.ErrAllModelsUnavailable, err)
	}
	b := s.bundle.Load()
	return domain.ScoreResult{
		ModelScores:   map[string]float64{s.fallback.Name(): score},
		CombinedScore: score,
		ModelVersions: map[string]string{s.fallback.Name(): s.fallback.Version()},
		BundleVersion: b.Version,
		Degraded:      true,
	}, nil
}

// Pinned is an Evaluator bound to a single bundle.
type Pinned struct {
	scorer *Scorer
	bundle *models.Bundle
}

// Score evaluates fv against the pinned bundle.
func (p *Pinned) Score(ctx context.Context, fv *domain.FeatureVector) (domain.ScoreResult, error) {
	return p.scorer.scoreWith(ctx, p.bundle, fv)
}

// Bundle returns the pinned bundle.
func (p *Pinned) Bundle() *models.Bundle {
	return p.bundle
}

type prediction struct {
	name  string
	score float64
	err   error
}

func (s *Scorer) scoreWith(ctx context.Context, b *models.Bundle, fv *domain.FeatureVector) (domain.ScoreResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ScoreResult{}, err
	}

	// Buffered so stragglers never block after a deadline.
	out := make(chan prediction, len(b.Models))
	for _, m := range b.Models {
		go func(m models.Model) {
			defer func() {
				if r := recover(); r != nil {
					out <- prediction{name: m.Name(), err: fmt.Errorf("model panicked: %v", r)}
				}
			}()
			score, err := m.Predict(fv)
			out <- prediction{name: m.Name(), score: score, err: err}
		}(m)
	}

	result := domain.ScoreResult{
		ModelScores:   make(map[string]float64, len(b.Models)),
		ModelVersions: make(map[string]string, len(b.Models)),
		BundleVersion: b.Version,
	}
	for _, m := range b.Models {
		result.ModelVersions[m.Name()] = m.Version()
	}

	for range b.Models {
		select {
		case p := <-out:
			if p.err != nil {
				s.logger.Debug("model unavailable", "model", p.name, "error", p.err)
				result.Unavailable = append(result.Unavailable, p.name)
				continue
			}
			result.ModelScores[p.name] = p.score
		case <-ctx.Done():
			return domain.ScoreResult{}, ctx.Err()
		}
	}
	sort.Strings(result.Unavailable)

	if len(result.ModelScores) == 0 {
		return result, domain.ErrAllModelsUnavailable
	}
	result.CombinedScore, result.Escalated = Combine(result.ModelScores, b.Weights, s.highConfidence)
	return result, nil
}

// Combine merges sub-scores. Any sub-score at or above highConfidence
// escalates the result to the maximum sub-score; otherwise the result is
// the weighted mean over available models. Zero-weight models take part
// only in escalation, unless every weight is zero.
func Combine(scores, weights map[string]float64, highConfidence float64) (float64, bool) {
	if len(scores) == 0 {
		return 0, false
	}

	maxScore := 0.0
	for _, v := range scores {
		if v > maxScore {
			maxScore = v
		}
	}
	if maxScore >= highConfidence {
		return clamp01(maxScore), true
	}

	// Fixed summation order keeps the result bit-for-bit reproducible.
	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	sort.Strings(names)

	var sum, total float64
	for _, name := range names {
		w := weights[name]
		if w <= 0 {
			continue
		}
		sum += w * scores[name]
		total += w
	}
	if total == 0 {
		for _, name := range names {
			sum += scores[name]
		}
		return clamp01(sum / float64(len(names))), false
	}
	return clamp01(sum / total), false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
