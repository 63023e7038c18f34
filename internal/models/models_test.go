package models

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func normalVector() *domain.FeatureVector {
	return &domain.FeatureVector{
		TxnID:             "n1",
		Amount:            60,
		AmountLog:         math.Log1p(60),
		TxnCount1h:        1,
		TxnCount24h:       3,
		MerchantFraudRate: 0.005,
		DeviceRarityScore: 0.2,
	}
}

func defaultBundle(t *testing.T) *Bundle {
	t.Helper()
	b, err := DefaultBundle(Params{Rules: RuleParams{VelocityThreshold: 5, HighAmount: 5000}})
	if err != nil {
		t.Fatalf("DefaultBundle failed: %v", err)
	}
	return b
}

func modelByName(t *testing.T, b *Bundle, name string) Model {
	t.Helper()
	for _, m := range b.Models {
		if m.Name() == name {
			return m
		}
	}
	t.Fatalf("model %s not in bundle", name)
	return nil
}

func TestDefaultBundle(t *testing.T) {
	b := defaultBundle(t)

	if b.Version != "2026.05.1" {
		t.Errorf("expected version 2026.05.1, got %s", b.Version)
	}
	if b.Source != "builtin" {
		t.Errorf("expected builtin source, got %s", b.Source)
	}
	if len(b.Models) != 3 {
		t.Fatalf("expected 3 models, got %d", len(b.Models))
	}
	for _, mi := range b.Describe().Models {
		if !mi.Available {
			t.Errorf("model %s unavailable: %s", mi.Name, mi.Error)
		}
	}
	if b.Weight("rules") != 0.4 {
		t.Errorf("expected rules weight 0.4, got %f", b.Weight("rules"))
	}
}

func TestIsolationForest(t *testing.T) {
	forest := modelByName(t, defaultBundle(t), "isolation_forest")

	normal, err := forest.Predict(normalVector())
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if normal < 0.3 || normal > 0.5 {
		t.Errorf("expected ordinary point near 0.45, got %f", normal)
	}

	odd := normalVector()
	odd.AmountZScore = 50
	odd.AmountLog = math.Log1p(10000)
	anomalous, _ := forest.Predict(odd)
	if anomalous <= normal {
		t.Errorf("expected anomaly to score higher: %f <= %f", anomalous, normal)
	}

	t.Run("RejectsNonFinite", func(t *testing.T) {
		bad := normalVector()
		bad.AmountZScore = math.Inf(1)
		if _, err := forest.Predict(bad); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("ValidatesStructure", func(t *testing.T) {
		_, err := ParseIsolationForest("f", "v", []byte(`{"sample_size":256,"trees":[{"nodes":[{"feature":0,"threshold":1,"left":0,"right":1}]}]}`))
		if err == nil {
			t.Error("expected error for self-referencing node")
		}
	})
}

func TestAveragePathLength(t *testing.T) {
	if averagePathLength(1) != 0 || averagePathLength(2) != 1 {
		t.Error("unexpected small-n path lengths")
	}
	// c(256) is about 10.24
	if c := averagePathLength(256); math.Abs(c-10.24) > 0.05 {
		t.Errorf("expected c(256) ~ 10.24, got %f", c)
	}
}

func TestAutoencoder(t *testing.T) {
	ae := modelByName(t, defaultBundle(t), "autoencoder")

	normal, err := ae.Predict(normalVector())
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if normal > 0.1 {
		t.Errorf("expected low reconstruction error, got %f", normal)
	}

	odd := normalVector()
	odd.CountryChange = true
	odd.DistanceKm = 6900
	travel, _ := ae.Predict(odd)
	if travel != 1 {
		t.Errorf("expected saturated score for impossible travel, got %f", travel)
	}

	t.Run("RejectsShapeMismatch", func(t *testing.T) {
		_, err := ParseAutoencoder("ae", "v", []byte(`{"features":["amount_z_score"],"mean":[0],"scale":[1],"layers":[{"weights":[[1,2]],"bias":[0]}]}`))
		if err == nil {
			t.Error("expected error for layer width mismatch")
		}
	})
}

func TestRuleModel(t *testing.T) {
	m, err := NewRuleModel("rules", "test", DefaultRules(), RuleParams{VelocityThreshold: 5, HighAmount: 5000})
	if err != nil {
		t.Fatalf("NewRuleModel failed: %v", err)
	}

	tests := []struct {
		name string
		edit func(fv *domain.FeatureVector)
		want float64
	}{
		{"Normal", func(fv *domain.FeatureVector) {}, 0.1},
		{"HighZScore", func(fv *domain.FeatureVector) { fv.AmountZScore = 4 }, 0.95},
		{"HighAmount", func(fv *domain.FeatureVector) { fv.Amount = 10000 }, 0.95},
		{"ImpossibleTravel", func(fv *domain.FeatureVector) { fv.CountryChange = true }, 0.95},
		{"Velocity", func(fv *domain.FeatureVector) { fv.TxnCount1h = 5 }, 0.95},
		{"RiskyMerchant", func(fv *domain.FeatureVector) { fv.MerchantFraudRate = 0.2 }, 0.8},
		{"NewDeviceCNP", func(fv *domain.FeatureVector) {
			fv.CardNotPresent = true
			fv.NewDevice = true
			fv.DeviceRarityScore = 0.9
		}, 0.9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fv := normalVector()
			tt.edit(fv)
			got, err := m.Predict(fv)
			if err != nil {
				t.Fatalf("Predict failed: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("expected %f, got %f", tt.want, got)
			}
		})
	}
}

func TestRuleModelInvalidRule(t *testing.T) {
	_, err := NewRuleModel("rules", "test", []RuleConfig{
		{ID: "broken", Expression: "this is not valid CEL !!!", Enabled: true},
	}, RuleParams{})
	if err == nil {
		t.Error("expected compile error")
	}

	if err := ValidateRule(RuleConfig{ID: "str", Expression: `"text"`}); err == nil {
		t.Error("expected error for string-typed rule")
	}

	_, err = NewRuleModel("rules", "test", []RuleConfig{{ID: "off", Expression: "true", Enabled: false}}, RuleParams{})
	if err == nil {
		t.Error("expected error when no rule is enabled")
	}
}

func TestHeuristic(t *testing.T) {
	h := Heuristic{VelocityThreshold: 5, HighAmount: 5000}

	low, err := h.Predict(normalVector())
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if low != 0.05 {
		t.Errorf("expected floor score 0.05, got %f", low)
	}

	fv := normalVector()
	fv.TxnCount1h = 7
	if s, _ := h.Predict(fv); s != 0.9 {
		t.Errorf("expected 0.9 for velocity burst, got %f", s)
	}
}

func TestLoadBundle(t *testing.T) {
	dir := t.TempDir()
	src, err := os.ReadFile(filepath.Join("defaults", "isolation_forest.json"))
	if err != nil {
		t.Fatal(err)
	}
	write := func(name, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("forest.json", string(src))
	write(ManifestFile, `
version: "test-7"
models:
  - name: isolation_forest
    type: isolation_forest
    version: if-test
    path: forest.json
    weight: 0.5
  - name: autoencoder
    type: autoencoder
    version: ae-missing
    path: missing.json
    weight: 0.2
  - name: rules
    type: rules
    version: rules-builtin
    weight: 0.3
baseline:
  txn_count_1h: 2
`)

	b, err := LoadBundle(dir, Params{Weights: map[string]float64{"rules": 0.6}})
	if err != nil {
		t.Fatalf("LoadBundle failed: %v", err)
	}
	if b.Version != "test-7" {
		t.Errorf("expected version test-7, got %s", b.Version)
	}
	if b.Weight("rules") != 0.6 {
		t.Errorf("expected configured weight override, got %f", b.Weight("rules"))
	}
	if b.Baseline[domain.FeatureTxnCount1h] != 2 {
		t.Errorf("expected baseline override, got %f", b.Baseline[domain.FeatureTxnCount1h])
	}

	ae := modelByName(t, b, "autoencoder")
	if _, err := ae.Predict(normalVector()); err == nil {
		t.Error("expected placeholder for missing artifact to fail")
	}
	info := b.Describe()
	if info.Models[1].Available {
		t.Error("expected autoencoder reported unavailable")
	}

	t.Run("MissingManifest", func(t *testing.T) {
		if _, err := LoadBundle(t.TempDir(), Params{}); err == nil {
			t.Error("expected error for missing manifest")
		}
	})

	t.Run("UnknownBaselineFeature", func(t *testing.T) {
		bad := t.TempDir()
		body := "version: x\nmodels:\n  - {name: rules, type: rules}\nbaseline:\n  nope: 1\n"
		if err := os.WriteFile(filepath.Join(bad, ManifestFile), []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadBundle(bad, Params{}); err == nil {
			t.Error("expected error for unknown baseline feature")
		}
	})
}
