package domain

import "time"

// ExplanationMethod identifies how attributions were computed. The current
// method is a local one-at-a-time perturbation heuristic: contributions are
// not additive and carry no game-theoretic guarantees.
const ExplanationMethod = "local_perturbation"

// Risk factor names reported alongside an explanation.
const (
	RiskHighAmount         = "high_amount"
	RiskHighVelocity       = "high_velocity"
	RiskGeographicAnomaly  = "geographic_anomaly"
	RiskSuspiciousMerchant = "suspicious_merchant"
	RiskDeviceAnomaly      = "device_anomaly"
	RiskCardNotPresent     = "card_not_present"
)

// FeatureContribution is one feature's effect on the combined score.
// Delta is the score drop observed when the feature is replaced by its
// population baseline; negative values mean the feature lowered the score.
type FeatureContribution struct {
	Feature  string  `json:"feature"`
	Value    float64 `json:"value"`
	Baseline float64 `json:"baseline"`
	Delta    float64 `json:"delta"`
}

// Counterfactual is one suggested change that would lower the score.
type Counterfactual struct {
	Feature     string  `json:"feature"`
	From        float64 `json:"from"`
	To          float64 `json:"to"`
	ScoreAfter  float64 `json:"score_after"`
	Description string  `json:"description"`
}

// Explanation accompanies an alert-eligible score.
type Explanation struct {
	Method          string                `json:"method"`
	Score           float64               `json:"score"`
	RankedFeatures  []FeatureContribution `json:"ranked_features"`
	Counterfactuals []Counterfactual      `json:"counterfactuals"`
	RiskFactors     map[string]bool       `json:"risk_factors"`

	// BelowThreshold reports whether the counterfactual path reached a
	// score under the alert threshold within the perturbation budget.
	BelowThreshold bool      `json:"below_threshold"`
	GeneratedAt    time.Time `json:"generated_at"`
}
