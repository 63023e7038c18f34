// Package features turns a transaction plus the customer's profile into the
// feature vector consumed by the models.
package features

import (
	"context"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/profile"
)

// unknownDistanceKm is assumed between countries missing from the centroid table.
const unknownDistanceKm = 1000.0

// newDeviceRarity is the floor applied when an established customer uses a
// device they have never used before.
const newDeviceRarity = 0.9

// Extractor computes feature vectors. Extraction and the profile update it
// implies run as one step inside the customer's shard.
type Extractor struct {
	store  *profile.Store
	tables *RiskTables
	cfg    domain.FeaturesConfig
}

// NewExtractor creates an extractor.
func NewExtractor(store *profile.Store, tables *RiskTables, cfg domain.FeaturesConfig) *Extractor {
	if tables == nil {
		tables = DefaultTables()
	}
	if cfg.AmountEpsilon <= 0 {
		cfg.AmountEpsilon = 1.0
	}
	if cfg.MaxTravelSpeedKmh <= 0 {
		cfg.MaxTravelSpeedKmh = 900
	}
	return &Extractor{store: store, tables: tables, cfg: cfg}
}

// Extract computes the features for txn against the customer's profile as it
// was before txn, then folds txn into the profile. A transaction already in
// the window gets the features recorded on its first application. The
// returned error wraps profile.ErrShardUnavailable when the shard cannot
// serve the request.
func (e *Extractor) Extract(ctx context.Context, txn *domain.Transaction) (domain.FeatureVector, error) {
	return profile.Update(ctx, e.store, txn.CustomerID, func(p *profile.CustomerProfile) (domain.FeatureVector, error) {
		if fv, ok := p.Recorded(txn.TxnID); ok {
			return fv, nil
		}
		fv := e.compute(p, txn)
		p.ObserveWith(txn, &fv)
		return fv, nil
	})
}

// Stateless computes the transaction-local subset used when the profile is
// unavailable. History-dependent features take neutral values.
func (e *Extractor) Stateless(txn *domain.Transaction) domain.FeatureVector {
	fv := e.local(txn)
	fv.TxnCount1h = 1
	fv.TxnCount24h = 1
	fv.DeviceRarityScore = e.tables.DeviceRarity(txn.DeviceID, e.cfg.DefaultRarity)
	fv.Stateless = true
	return fv
}

// Tables exposes the reference data, for the simulator and explanations.
func (e *Extractor) Tables() *RiskTables {
	return e.tables
}

func (e *Extractor) local(txn *domain.Transaction) domain.FeatureVector {
	return domain.FeatureVector{
		TxnID:             txn.TxnID,
		Amount:            txn.Amount,
		AmountLog:         math.Log1p(txn.Amount),
		MerchantFraudRate: e.tables.MerchantFraudRate(txn.MerchantID, txn.MerchantCategory, e.cfg.DefaultFraudRate),
		CardNotPresent:    txn.Channel == domain.ChannelCardNotPresent,
		HourOfDay:         txn.Timestamp.UTC().Hour(),
	}
}

func (e *Extractor) compute(p *profile.CustomerProfile, txn *domain.Transaction) domain.FeatureVector {
	fv := e.local(txn)
	replay := p.Seen(txn.TxnID)

	// Amount deviation against history. Stddev is 0 below two observations,
	// which forces a zero z-score rather than dividing by epsilon.
	if p.Count >= 2 {
		fv.AmountZScore = (txn.Amount - p.Mean) / math.Max(p.Stddev(), e.cfg.AmountEpsilon)
	}

	// Exact windowed counts, including this transaction.
	c1, c24 := p.Velocity(txn.Timestamp)
	if !replay {
		c1++
		c24++
	}
	fv.TxnCount1h = c1
	fv.TxnCount24h = c24

	fv.DistanceKm, fv.SpeedKmh, fv.CountryChange = e.travel(p, txn)

	fv.DeviceRarityScore, fv.NewDevice = e.deviceRarity(p, txn, replay)
	return fv
}

// travel flags a country change only when the implied speed since the last
// transaction is physically implausible.
func (e *Extractor) travel(p *profile.CustomerProfile, txn *domain.Transaction) (distance, speed float64, changed bool) {
	if p.LastCountry == "" || p.LastCountry == txn.CountryCode {
		return 0, 0, false
	}

	from, okFrom := e.tables.Centroid(p.LastCountry)
	to, okTo := e.tables.Centroid(txn.CountryCode)
	if okFrom && okTo {
		distance = Haversine(from, to)
	} else {
		distance = unknownDistanceKm
	}

	elapsed := txn.Timestamp.Sub(p.LastSeen)
	if elapsed < 0 {
		elapsed = -elapsed
	}
	if elapsed < time.Second {
		elapsed = time.Second
	}

	speed = distance / (float64(elapsed) / float64(time.Hour))
	return distance, speed, speed > e.cfg.MaxTravelSpeedKmh
}

func (e *Extractor) deviceRarity(p *profile.CustomerProfile, txn *domain.Transaction, replay bool) (float64, bool) {
	rarity := e.tables.DeviceRarity(txn.DeviceID, e.cfg.DefaultRarity)
	history, seen := p.Count, p.DeviceSeen(txn.DeviceID)
	if replay {
		history--
		seen--
	}
	if txn.DeviceID == "" || history <= 0 {
		return rarity, false
	}
	if seen <= 0 {
		return math.Max(rarity, newDeviceRarity), true
	}
	return rarity / float64(1+seen), false
}
