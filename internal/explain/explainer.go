// Package explain produces feature attributions and counterfactual
// suggestions for alert-eligible scores.
//
// Attributions are local: each feature is replaced by its population
// baseline one at a time and the drop in combined score is recorded. The
// deltas are not additive and carry no game-theoretic guarantee.
package explain

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Source hands out evaluators pinned to the active model bundle.
type Source interface {
	Snapshot() *scoring.Pinned
}

// binaryFeatures cannot be moved halfway.
var binaryFeatures = map[string]bool{
	domain.FeatureCountryChange:  true,
	domain.FeatureCardNotPresent: true,
	domain.FeatureNewDevice:      true,
}

// Explainer computes explanations.
type Explainer struct {
	source    Source
	cfg       domain.ExplainConfig
	features  domain.FeaturesConfig
	threshold float64
	now       func() time.Time
}

// New creates an explainer. threshold is the alert threshold the
// counterfactual search tries to get under.
func New(source Source, cfg domain.ExplainConfig, features domain.FeaturesConfig, threshold float64) *Explainer {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.MaxPerturbations <= 0 {
		cfg.MaxPerturbations = 24
	}
	return &Explainer{
		source:    source,
		cfg:       cfg,
		features:  features,
		threshold: threshold,
		now:       time.Now,
	}
}

// Explain explains result for fv against the active bundle.
func (e *Explainer) Explain(ctx context.Context, fv domain.FeatureVector, result domain.ScoreResult) (*domain.Explanation, error) {
	snap := e.source.Snapshot()
	b := snap.Bundle()

	base := result.CombinedScore
	// A degraded result or a bundle swapped since scoring has no ensemble
	// score to compare against, so take a fresh one.
	if result.Degraded || result.BundleVersion != b.Version {
		res, err := snap.Score(ctx, &fv)
		if err != nil {
			return nil, fmt.Errorf("explain: rescore: %w", err)
		}
		base = res.CombinedScore
	}
	return e.ExplainWith(ctx, snap, b.Baseline, fv, base)
}

// ExplainWith explains a vector scoring base under ev, using baseline as
// the population reference.
func (e *Explainer) ExplainWith(ctx context.Context, ev scoring.Evaluator, baseline map[string]float64, fv domain.FeatureVector, base float64) (*domain.Explanation, error) {
	ranked, err := e.attribute(ctx, ev, baseline, fv, base)
	if err != nil {
		return nil, err
	}
	if len(ranked) > e.cfg.TopK {
		ranked = ranked[:e.cfg.TopK]
	}

	cfs, final, err := e.counterfactuals(ctx, ev, fv, base, ranked)
	if err != nil {
		return nil, err
	}

	return &domain.Explanation{
		Method:          domain.ExplanationMethod,
		Score:           base,
		RankedFeatures:  ranked,
		Counterfactuals: cfs,
		RiskFactors:     e.RiskFactors(fv),
		BelowThreshold:  final < e.threshold,
		GeneratedAt:     e.now().UTC(),
	}, nil
}

// attribute substitutes each feature with its baseline and ranks features
// by the absolute score change. Features already at baseline or with no
// effect are omitted.
func (e *Explainer) attribute(ctx context.Context, ev scoring.Evaluator, baseline map[string]float64, fv domain.FeatureVector, base float64) ([]domain.FeatureContribution, error) {
	type ranked struct {
		domain.FeatureContribution
		order int
	}
	var out []ranked

	for i, name := range domain.FeatureNames {
		value, _ := fv.Value(name)
		ref, ok := baseline[name]
		if !ok || value == ref {
			continue
		}
		variant := fv.WithFeature(name, ref)
		res, err := ev.Score(ctx, &variant)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("explain: %w", ctx.Err())
			}
			continue
		}
		delta := base - res.CombinedScore
		if delta == 0 {
			continue
		}
		out = append(out, ranked{
			FeatureContribution: domain.FeatureContribution{
				Feature:  name,
				Value:    value,
				Baseline: ref,
				Delta:    delta,
			},
			order: i,
		})
	}

	sort.SliceStable(out, func(a, b int) bool {
		da, db := math.Abs(out[a].Delta), math.Abs(out[b].Delta)
		if da != db {
			return da > db
		}
		return out[a].order < out[b].order
	})

	result := make([]domain.FeatureContribution, len(out))
	for i, r := range out {
		result[i] = r.FeatureContribution
	}
	return result, nil
}

// counterfactuals walks the top contributors toward their baselines, a
// half step first and then the full step, keeping every change that lowers
// the score. It stops under the threshold or when the re-score budget runs
// out.
func (e *Explainer) counterfactuals(ctx context.Context, ev scoring.Evaluator, fv domain.FeatureVector, base float64, ranked []domain.FeatureContribution) ([]domain.Counterfactual, float64, error) {
	current := fv
	score := base
	budget := e.cfg.MaxPerturbations
	var out []domain.Counterfactual

	try := func(name string, from, to float64) (bool, error) {
		variant := current.WithFeature(name, to)
		budget--
		res, err := ev.Score(ctx, &variant)
		if err != nil {
			if ctx.Err() != nil {
				return false, fmt.Errorf("explain: %w", ctx.Err())
			}
			return false, nil
		}
		if res.CombinedScore >= score {
			return false, nil
		}
		out = append(out, domain.Counterfactual{
			Feature:     name,
			From:        from,
			To:          to,
			ScoreAfter:  res.CombinedScore,
			Description: describe(name, from, to, score, res.CombinedScore),
		})
		current = variant
		score = res.CombinedScore
		return true, nil
	}

	for _, c := range ranked {
		if score < e.threshold || budget <= 0 {
			break
		}
		// Only features that pushed the score up are worth walking back.
		if c.Delta <= 0 {
			continue
		}

		from, _ := current.Value(c.Feature)
		if !binaryFeatures[c.Feature] {
			half := from + (c.Baseline-from)/2
			if c.Feature == domain.FeatureTxnCount1h || c.Feature == domain.FeatureTxnCount24h {
				half = math.Round(half)
			}
			if half != from && half != c.Baseline {
				ok, err := try(c.Feature, from, half)
				if err != nil {
					return nil, 0, err
				}
				if ok {
					from = half
				}
				if score < e.threshold || budget <= 0 {
					break
				}
			}
		}
		if _, err := try(c.Feature, from, c.Baseline); err != nil {
			return nil, 0, err
		}
	}
	return out, score, nil
}

// RiskFactors flags the named risk patterns present in fv.
func (e *Explainer) RiskFactors(fv domain.FeatureVector) map[string]bool {
	velocity := e.features.VelocityThreshold
	if velocity <= 0 {
		velocity = 5
	}
	high := e.features.HighAmount
	if high <= 0 {
		high = 5000
	}
	return map[string]bool{
		domain.RiskHighAmount:         fv.AmountZScore >= 3 || fv.Amount >= high,
		domain.RiskHighVelocity:       fv.TxnCount1h >= velocity,
		domain.RiskGeographicAnomaly:  fv.CountryChange,
		domain.RiskSuspiciousMerchant: fv.MerchantFraudRate > 0.1,
		domain.RiskDeviceAnomaly:      fv.NewDevice || fv.DeviceRarityScore > 0.8,
		domain.RiskCardNotPresent:     fv.CardNotPresent,
	}
}

func describe(name string, from, to, before, after float64) string {
	var change string
	switch name {
	case domain.FeatureAmountZScore:
		change = fmt.Sprintf("an amount %.1f standard deviations from the customer's average instead of %.1f", to, from)
	case domain.FeatureAmountLog:
		change = fmt.Sprintf("an amount of %.2f instead of %.2f", math.Expm1(to), math.Expm1(from))
	case domain.FeatureCountryChange:
		change = "no implausible change of country"
	case domain.FeatureDistanceKm:
		change = fmt.Sprintf("%.0f km from the previous transaction instead of %.0f km", to, from)
	case domain.FeatureTxnCount1h:
		change = fmt.Sprintf("%.0f transactions in the last hour instead of %.0f", to, from)
	case domain.FeatureTxnCount24h:
		change = fmt.Sprintf("%.0f transactions in the last 24 hours instead of %.0f", to, from)
	case domain.FeatureMerchantFraudRate:
		change = fmt.Sprintf("a merchant fraud rate of %.1f%% instead of %.1f%%", to*100, from*100)
	case domain.FeatureDeviceRarity:
		change = fmt.Sprintf("a device rarity of %.2f instead of %.2f", to, from)
	case domain.FeatureCardNotPresent:
		change = "a card-present purchase"
	case domain.FeatureNewDevice:
		change = "a device the customer has used before"
	default:
		change = fmt.Sprintf("%s of %.3f instead of %.3f", name, to, from)
	}
	return fmt.Sprintf("With %s the score would drop from %.2f to %.2f", change, before, after)
}
