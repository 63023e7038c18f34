package scoring

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/models"
)

type stubModel struct {
	name  string
	score float64
	err   error
	delay time.Duration
}

func (m stubModel) Name() string    { return m.name }
func (m stubModel) Version() string { return m.name + "-v1" }

func (m stubModel) Predict(*domain.FeatureVector) (float64, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return m.score, m.err
}

var weights = map[string]float64{"if": 0.35, "ae": 0.25, "rules": 0.4}

func newScorer(ms ...models.Model) *Scorer {
	b := models.NewBundle("b1", weights, ms...)
	return NewScorer(b, domain.ScoringConfig{HighConfidenceThreshold: 0.9}, models.Heuristic{}, nil)
}

func TestScoreWeightedMean(t *testing.T) {
	s := newScorer(
		stubModel{name: "if", score: 0.4},
		stubModel{name: "ae", score: 0.2},
		stubModel{name: "rules", score: 0.1},
	)

	res, err := s.Score(context.Background(), &domain.FeatureVector{})
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	want := 0.35*0.4 + 0.25*0.2 + 0.4*0.1
	if math.Abs(res.CombinedScore-want) > 1e-12 {
		t.Errorf("expected %f, got %f", want, res.CombinedScore)
	}
	if res.Escalated {
		t.Error("did not expect escalation")
	}
	if res.BundleVersion != "b1" || res.ModelVersions["rules"] != "rules-v1" {
		t.Errorf("missing version info: %+v", res)
	}
}

func TestScoreEscalation(t *testing.T) {
	s := newScorer(
		stubModel{name: "if", score: 0.5},
		stubModel{name: "ae", score: 0.1},
		stubModel{name: "rules", score: 0.95},
	)

	res, err := s.Score(context.Background(), &domain.FeatureVector{})
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if !res.Escalated || res.CombinedScore != 0.95 {
		t.Errorf("expected escalation to 0.95, got %f escalated=%v", res.CombinedScore, res.Escalated)
	}
}

func TestScoreUnavailableModels(t *testing.T) {
	t.Run("PartialFailure", func(t *testing.T) {
		s := newScorer(
			stubModel{name: "if", score: 0.6},
			stubModel{name: "ae", err: errors.New("boom")},
			stubModel{name: "rules", score: 0.2},
		)
		res, err := s.Score(context.Background(), &domain.FeatureVector{})
		if err != nil {
			t.Fatalf("Score failed: %v", err)
		}
		if len(res.Unavailable) != 1 || res.Unavailable[0] != "ae" {
			t.Errorf("expected ae unavailable, got %v", res.Unavailable)
		}
		want := (0.35*0.6 + 0.4*0.2) / 0.75
		if math.Abs(res.CombinedScore-want) > 1e-12 {
			t.Errorf("expected renormalised %f, got %f", want, res.CombinedScore)
		}
	})

	t.Run("AllFail", func(t *testing.T) {
		s := newScorer(
			stubModel{name: "if", err: errors.New("a")},
			models.Unavailable("ae", "v0", errors.New("missing artifact")),
		)
		_, err := s.Score(context.Background(), &domain.FeatureVector{})
		if !errors.Is(err, domain.ErrAllModelsUnavailable) {
			t.Errorf("expected ErrAllModelsUnavailable, got %v", err)
		}
	})
}

func TestScoreDeadline(t *testing.T) {
	s := newScorer(stubModel{name: "if", score: 0.3, delay: 200 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Score(ctx, &domain.FeatureVector{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 150*time.Millisecond {
		t.Error("Score did not return at the deadline")
	}

	fb, err := s.Fallback(&domain.FeatureVector{})
	if err != nil {
		t.Fatalf("Fallback failed: %v", err)
	}
	if !fb.Degraded || fb.CombinedScore != 0.05 {
		t.Errorf("unexpected fallback result: %+v", fb)
	}
}

func TestSwapAndSnapshot(t *testing.T) {
	s := newScorer(stubModel{name: "if", score: 0.2})
	pinned := s.Snapshot()

	old := s.Swap(models.NewBundle("b2", nil, stubModel{name: "if", score: 0.8}))
	if old.Version != "b1" {
		t.Errorf("expected old bundle b1, got %s", old.Version)
	}

	cur, _ := s.Score(context.Background(), &domain.FeatureVector{})
	if cur.BundleVersion != "b2" || cur.CombinedScore != 0.8 {
		t.Errorf("expected new bundle result, got %+v", cur)
	}
	was, _ := pinned.Score(context.Background(), &domain.FeatureVector{})
	if was.BundleVersion != "b1" || math.Abs(was.CombinedScore-0.2) > 1e-12 {
		t.Errorf("expected pinned bundle result, got %+v", was)
	}
}

func TestCombineProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	unit := gen.Float64Range(0, 1)

	properties.Property("combined score stays in [0,1]", prop.ForAll(
		func(a, b, c float64) bool {
			v, _ := Combine(map[string]float64{"if": a, "ae": b, "rules": c}, weights, 0.9)
			return v >= 0 && v <= 1
		},
		unit, unit, unit,
	))

	properties.Property("combined score is monotone in each sub-score", prop.ForAll(
		func(a, b, c, bump float64) bool {
			base := map[string]float64{"if": a, "ae": b, "rules": c}
			before, _ := Combine(base, weights, 0.9)
			for _, name := range []string{"if", "ae", "rules"} {
				raised := map[string]float64{"if": a, "ae": b, "rules": c}
				raised[name] = math.Min(1, raised[name]+bump)
				after, _ := Combine(raised, weights, 0.9)
				if after < before {
					return false
				}
			}
			return true
		},
		unit, unit, unit, unit,
	))

	properties.Property("deterministic for equal input", prop.ForAll(
		func(a, b, c float64) bool {
			in := map[string]float64{"if": a, "ae": b, "rules": c}
			x, _ := Combine(in, weights, 0.9)
			y, _ := Combine(in, weights, 0.9)
			return x == y
		},
		unit, unit, unit,
	))

	properties.TestingRun(t)
}
