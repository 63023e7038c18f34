package domain

import "math"

// Feature names in vector order. Model artifacts are trained against this order.
const (
	FeatureAmountZScore      = "amount_z_score"
	FeatureAmountLog         = "amount_log"
	FeatureCountryChange     = "country_change"
	FeatureDistanceKm        = "distance_km_since_last"
	FeatureTxnCount1h        = "txn_count_1h"
	FeatureTxnCount24h       = "txn_count_24h"
	FeatureMerchantFraudRate = "merchant_fraud_rate"
	FeatureDeviceRarity      = "device_rarity_score"
	FeatureCardNotPresent    = "card_not_present"
	FeatureNewDevice         = "new_device"
)

// FeatureNames lists the numeric features in the order used by Vector.
var FeatureNames = []string{
	FeatureAmountZScore,
	FeatureAmountLog,
	FeatureCountryChange,
	FeatureDistanceKm,
	FeatureTxnCount1h,
	FeatureTxnCount24h,
	FeatureMerchantFraudRate,
	FeatureDeviceRarity,
	FeatureCardNotPresent,
	FeatureNewDevice,
}

// FeatureVector is the model input derived from a transaction and the
// customer's profile at the moment of scoring. It is a value type and is
// never mutated after extraction.
type FeatureVector struct {
	TxnID             string  `json:"txn_id"`
	Amount            float64 `json:"amount"`
	AmountZScore      float64 `json:"amount_z_score"`
	AmountLog         float64 `json:"amount_log"`
	CountryChange     bool    `json:"country_change"`
	DistanceKm        float64 `json:"distance_km_since_last"`
	SpeedKmh          float64 `json:"speed_kmh"`
	TxnCount1h        int     `json:"txn_count_1h"`
	TxnCount24h       int     `json:"txn_count_24h"`
	MerchantFraudRate float64 `json:"merchant_fraud_rate"`
	DeviceRarityScore float64 `json:"device_rarity_score"`
	NewDevice         bool    `json:"new_device"`
	CardNotPresent    bool    `json:"card_not_present"`
	HourOfDay         int     `json:"hour_of_day"`

	// Stateless is set when the profile was unavailable and only
	// transaction-local features could be computed.
	Stateless bool `json:"stateless,omitempty"`
}

// Vector returns the numeric features in FeatureNames order.
func (f FeatureVector) Vector() []float64 {
	return []float64{
		f.AmountZScore,
		f.AmountLog,
		boolToFloat(f.CountryChange),
		f.DistanceKm,
		float64(f.TxnCount1h),
		float64(f.TxnCount24h),
		f.MerchantFraudRate,
		f.DeviceRarityScore,
		boolToFloat(f.CardNotPresent),
		boolToFloat(f.NewDevice),
	}
}

// Value returns a single named feature as a float.
func (f FeatureVector) Value(name string) (float64, bool) {
	for i, n := range FeatureNames {
		if n == name {
			return f.Vector()[i], true
		}
	}
	return 0, false
}

// WithFeature returns a copy of f with one feature replaced.
// Boolean features are set when v >= 0.5 and counts are rounded.
func (f FeatureVector) WithFeature(name string, v float64) FeatureVector {
	switch name {
	case FeatureAmountZScore:
		f.AmountZScore = v
	case FeatureAmountLog:
		f.AmountLog = v
		f.Amount = math.Expm1(v)
	case FeatureCountryChange:
		f.CountryChange = v >= 0.5
	case FeatureDistanceKm:
		f.DistanceKm = v
	case FeatureTxnCount1h:
		f.TxnCount1h = int(math.Round(v))
	case FeatureTxnCount24h:
		f.TxnCount24h = int(math.Round(v))
	case FeatureMerchantFraudRate:
		f.MerchantFraudRate = v
	case FeatureDeviceRarity:
		f.DeviceRarityScore = v
	case FeatureCardNotPresent:
		f.CardNotPresent = v >= 0.5
	case FeatureNewDevice:
		f.NewDevice = v >= 0.5
	}
	return f
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
