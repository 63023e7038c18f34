package explain

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/models"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// linearModel scores 0.1 per z unit, 0.5 for a country change and 0.05 per
// transaction in the last hour.
type linearModel struct{}

func (linearModel) Name() string    { return "linear" }
func (linearModel) Version() string { return "t1" }

func (linearModel) Predict(fv *domain.FeatureVector) (float64, error) {
	s := 0.1*fv.AmountZScore + 0.05*float64(fv.TxnCount1h)
	if fv.CountryChange {
		s += 0.5
	}
	return math.Min(1, math.Max(0, s)), nil
}

func setup(t *testing.T, cfg domain.ExplainConfig, threshold float64) (*Explainer, *scoring.Scorer) {
	t.Helper()
	bundle := models.NewBundle("t", nil, linearModel{})
	scorer := scoring.NewScorer(bundle, domain.ScoringConfig{HighConfidenceThreshold: 1.1}, nil, nil)
	return New(scorer, cfg, domain.DefaultConfig().Features, threshold), scorer
}

// atBaseline returns a vector whose features all equal the default baseline.
func atBaseline() domain.FeatureVector {
	fv := domain.FeatureVector{TxnID: "x"}
	for name, v := range models.DefaultBaseline() {
		fv = fv.WithFeature(name, v)
	}
	return fv
}

func explain(t *testing.T, e *Explainer, s *scoring.Scorer, fv domain.FeatureVector) *domain.Explanation {
	t.Helper()
	ctx := context.Background()
	res, err := s.Score(ctx, &fv)
	require.NoError(t, err)
	expl, err := e.Explain(ctx, fv, res)
	require.NoError(t, err)
	return expl
}

func TestAttributionRanking(t *testing.T) {
	e, s := setup(t, domain.ExplainConfig{}, 0.7)

	fv := atBaseline()
	fv.AmountZScore = 2
	fv.CountryChange = true
	fv.TxnCount1h = 3

	expl := explain(t, e, s, fv)

	assert.Equal(t, domain.ExplanationMethod, expl.Method)
	assert.InDelta(t, 0.85, expl.Score, 1e-9)
	require.Len(t, expl.RankedFeatures, 3)
	assert.Equal(t, domain.FeatureCountryChange, expl.RankedFeatures[0].Feature)
	assert.Equal(t, domain.FeatureAmountZScore, expl.RankedFeatures[1].Feature)
	assert.Equal(t, domain.FeatureTxnCount1h, expl.RankedFeatures[2].Feature)
	assert.InDelta(t, 0.5, expl.RankedFeatures[0].Delta, 1e-9)
	assert.InDelta(t, 0.2, expl.RankedFeatures[1].Delta, 1e-9)
	assert.InDelta(t, 0.1, expl.RankedFeatures[2].Delta, 1e-9)

	for i := 1; i < len(expl.RankedFeatures); i++ {
		assert.GreaterOrEqual(t, math.Abs(expl.RankedFeatures[i-1].Delta), math.Abs(expl.RankedFeatures[i].Delta))
	}
}

func TestAttributionTieBreak(t *testing.T) {
	e, s := setup(t, domain.ExplainConfig{}, 0.7)

	// z of 0.5 and one extra transaction both contribute 0.05.
	fv := atBaseline()
	fv.AmountZScore = 0.5
	fv.TxnCount1h = 2

	for i := 0; i < 3; i++ {
		expl := explain(t, e, s, fv)
		require.Len(t, expl.RankedFeatures, 2)
		assert.Equal(t, domain.FeatureAmountZScore, expl.RankedFeatures[0].Feature, "feature order breaks ties")
		assert.Equal(t, domain.FeatureTxnCount1h, expl.RankedFeatures[1].Feature)
	}
}

func TestTopK(t *testing.T) {
	e, s := setup(t, domain.ExplainConfig{TopK: 1}, 0.7)

	fv := atBaseline()
	fv.AmountZScore = 2
	fv.CountryChange = true

	expl := explain(t, e, s, fv)
	require.Len(t, expl.RankedFeatures, 1)
	assert.Equal(t, domain.FeatureCountryChange, expl.RankedFeatures[0].Feature)
}

func TestCounterfactuals(t *testing.T) {
	t.Run("BinaryFeatureFullStep", func(t *testing.T) {
		e, s := setup(t, domain.ExplainConfig{}, 0.7)
		fv := atBaseline()
		fv.AmountZScore = 2
		fv.CountryChange = true
		fv.TxnCount1h = 3

		expl := explain(t, e, s, fv)
		require.Len(t, expl.Counterfactuals, 1)
		cf := expl.Counterfactuals[0]
		assert.Equal(t, domain.FeatureCountryChange, cf.Feature)
		assert.InDelta(t, 0.35, cf.ScoreAfter, 1e-9)
		assert.NotEmpty(t, cf.Description)
		assert.True(t, expl.BelowThreshold)
	})

	t.Run("HalfStepIsEnough", func(t *testing.T) {
		e, s := setup(t, domain.ExplainConfig{}, 0.7)
		fv := atBaseline()
		fv.AmountZScore = 6
		fv.TxnCount1h = 3

		expl := explain(t, e, s, fv)
		require.Len(t, expl.Counterfactuals, 1)
		cf := expl.Counterfactuals[0]
		assert.Equal(t, domain.FeatureAmountZScore, cf.Feature)
		assert.Equal(t, 6.0, cf.From)
		assert.Equal(t, 3.0, cf.To)
		assert.True(t, expl.BelowThreshold)
	})

	t.Run("BudgetExhausted", func(t *testing.T) {
		e, s := setup(t, domain.ExplainConfig{MaxPerturbations: 1}, 0.3)
		fv := atBaseline()
		fv.AmountZScore = 6
		fv.TxnCount1h = 3

		expl := explain(t, e, s, fv)
		assert.Len(t, expl.Counterfactuals, 1)
		assert.False(t, expl.BelowThreshold)
	})

	t.Run("WalksSeveralFeatures", func(t *testing.T) {
		e, s := setup(t, domain.ExplainConfig{}, 0.2)
		fv := atBaseline()
		fv.AmountZScore = 4
		fv.TxnCount1h = 9

		expl := explain(t, e, s, fv)
		assert.True(t, expl.BelowThreshold)
		assert.GreaterOrEqual(t, len(expl.Counterfactuals), 2)
		prev := expl.Score
		for _, cf := range expl.Counterfactuals {
			assert.Less(t, cf.ScoreAfter, prev, "each accepted step lowers the score")
			prev = cf.ScoreAfter
		}
	})
}

func TestRiskFactors(t *testing.T) {
	e, _ := setup(t, domain.ExplainConfig{}, 0.7)

	fv := atBaseline()
	fv.Amount = 10000
	fv.TxnCount1h = 6
	fv.CountryChange = true
	fv.MerchantFraudRate = 0.2
	fv.NewDevice = true
	fv.CardNotPresent = true

	rf := e.RiskFactors(fv)
	for _, k := range []string{
		domain.RiskHighAmount,
		domain.RiskHighVelocity,
		domain.RiskGeographicAnomaly,
		domain.RiskSuspiciousMerchant,
		domain.RiskDeviceAnomaly,
		domain.RiskCardNotPresent,
	} {
		assert.True(t, rf[k], k)
	}

	assert.False(t, e.RiskFactors(atBaseline())[domain.RiskHighAmount])
}

func TestExplainCancelled(t *testing.T) {
	e, s := setup(t, domain.ExplainConfig{}, 0.7)
	fv := atBaseline()
	fv.CountryChange = true

	res, err := s.Score(context.Background(), &fv)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Explain(ctx, fv, res)
	assert.ErrorIs(t, err, context.Canceled)
}
