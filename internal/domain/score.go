package domain

import "time"

// ScoreResult is the output of the ensemble for one feature vector.
type ScoreResult struct {
	ModelScores   map[string]float64 `json:"model_scores"`
	CombinedScore float64            `json:"combined_score"`
	ModelVersions map[string]string  `json:"model_versions"`
	BundleVersion string             `json:"bundle_version"`

	// Unavailable lists models that failed to produce a score.
	Unavailable []string `json:"unavailable,omitempty"`

	// Escalated is true when a single high-confidence model decided the score.
	Escalated bool `json:"escalated,omitempty"`

	// Degraded is true when the score came from the fallback heuristic.
	Degraded bool `json:"degraded,omitempty"`
}

// Degradation reasons attached to a ScoreOutcome.
const (
	DegradedScoringTimeout     = "scoring_timeout"
	DegradedProfileUnavailable = "profile_unavailable"
	DegradedModelUnavailable   = "model_unavailable"
)

// Decision status values reported for a scored transaction that did not alert.
const (
	DecisionApproved = "approved"
)

// ScoreOutcome is the coordinator's answer for one transaction.
type ScoreOutcome struct {
	TxnID           string        `json:"txn_id"`
	CustomerID      string        `json:"customer_id"`
	CombinedScore   float64       `json:"combined_score"`
	IsAlert         bool          `json:"is_alert"`
	Status          string        `json:"status"`
	AlertID         string        `json:"alert_id,omitempty"`
	Deduplicated    bool          `json:"deduplicated,omitempty"`
	Degraded        bool          `json:"degraded"`
	DegradedReasons []string      `json:"degraded_reasons,omitempty"`
	Features        FeatureVector `json:"features"`
	Score           ScoreResult   `json:"score"`
	ScoredAt        time.Time     `json:"scored_at"`
	LatencyMs       float64       `json:"latency_ms"`
}
