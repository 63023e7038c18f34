package models

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Heuristic is the fallback scorer used when the ensemble misses its
// deadline. It is pure arithmetic over the vector and cannot fail on
// finite input.
type Heuristic struct {
	VelocityThreshold int
	HighAmount        float64
}

func (h Heuristic) Name() string    { return TypeHeuristic }
func (h Heuristic) Version() string { return "static-v1" }

// Predict returns the strongest single signal in fv.
func (h Heuristic) Predict(fv *domain.FeatureVector) (float64, error) {
	if fv == nil {
		return 0, ErrInvalidInput
	}
	threshold := h.VelocityThreshold
	if threshold <= 0 {
		threshold = 5
	}
	high := h.HighAmount
	if high <= 0 {
		high = 5000
	}

	s := 0.05
	if fv.CountryChange {
		s = math.Max(s, 0.9)
	}
	if fv.TxnCount1h >= threshold {
		s = math.Max(s, 0.9)
	}
	if fv.AmountZScore >= 3 || fv.Amount >= high {
		s = math.Max(s, 0.85)
	}
	if fv.MerchantFraudRate > 0.1 {
		s = math.Max(s, 0.6)
	}
	if fv.DeviceRarityScore > 0.8 && fv.CardNotPresent {
		s = math.Max(s, 0.6)
	}
	return s, nil
}
