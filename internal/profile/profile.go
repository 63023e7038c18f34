package profile

import (
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Velocity windows.
const (
	Window1h  = time.Hour
	Window24h = 24 * time.Hour
)

// CustomerProfile is the mutable behavioral state of one customer. It is
// owned by exactly one shard goroutine and must never be shared.
type CustomerProfile struct {
	CustomerID string

	// Welford running statistics over transaction amounts.
	Count int64
	Mean  float64
	M2    float64

	LastCountry string
	LastSeen    time.Time
	Devices     map[string]int

	LastFeatures *domain.FeatureVector

	recent  *window
	touched time.Time
}

func newProfile(customerID string, capacity int) *CustomerProfile {
	return &CustomerProfile{
		CustomerID: customerID,
		Devices:    make(map[string]int),
		recent:     newWindow(capacity),
	}
}

// Stddev is the sample standard deviation, defined as 0 below two observations.
func (p *CustomerProfile) Stddev() float64 {
	if p.Count < 2 {
		return 0
	}
	return math.Sqrt(p.M2 / float64(p.Count-1))
}

// Seen reports whether txnID is still held in the 24h window.
func (p *CustomerProfile) Seen(txnID string) bool {
	return p.recent.contains(txnID)
}

// Recorded returns the feature vector stored when txnID was applied, if the
// transaction is still in the window and was applied with features.
func (p *CustomerProfile) Recorded(txnID string) (domain.FeatureVector, bool) {
	e, ok := p.recent.find(txnID)
	if !ok || e.Features == nil {
		return domain.FeatureVector{}, false
	}
	return *e.Features, true
}

// Velocity returns the exact number of observations in the 1h and 24h
// windows ending at t. Expired observations are evicted first.
func (p *CustomerProfile) Velocity(t time.Time) (count1h, count24h int) {
	p.evict()
	return p.recent.count(t.Add(-Window1h), t), p.recent.count(t.Add(-Window24h), t)
}

// DeviceSeen returns how often the customer has used deviceID.
func (p *CustomerProfile) DeviceSeen(deviceID string) int {
	if deviceID == "" {
		return 0
	}
	return p.Devices[deviceID]
}

// Observe folds txn into the profile without recording features.
func (p *CustomerProfile) Observe(txn *domain.Transaction) bool {
	return p.ObserveWith(txn, nil)
}

// ObserveWith folds txn into the profile and, when fv is non-nil, records fv
// as both the transaction's features and the latest features. It returns
// false without changes when the transaction id was already applied. Final state does not depend on the
// arrival order of a given set of transactions: the window is kept in event
// time order and the last-seen location only moves forward in event time.
func (p *CustomerProfile) ObserveWith(txn *domain.Transaction, fv *domain.FeatureVector) bool {
	p.evict()
	if p.recent.contains(txn.TxnID) {
		return false
	}

	p.Count++
	delta := txn.Amount - p.Mean
	p.Mean += delta / float64(p.Count)
	p.M2 += delta * (txn.Amount - p.Mean)

	obs := Observation{At: txn.Timestamp, TxnID: txn.TxnID}
	if fv != nil {
		v := *fv
		obs.Features = &v
		last := v
		p.LastFeatures = &last
	}
	p.recent.insert(obs)

	if p.LastSeen.IsZero() || txn.Timestamp.After(p.LastSeen) ||
		(txn.Timestamp.Equal(p.LastSeen) && txn.CountryCode > p.LastCountry) {
		p.LastSeen = txn.Timestamp
		p.LastCountry = txn.CountryCode
	}

	if txn.DeviceID != "" {
		p.Devices[txn.DeviceID]++
	}
	return true
}

func (p *CustomerProfile) evict() {
	if newest := p.recent.newest(); !newest.IsZero() {
		p.recent.evictBefore(newest.Add(-Window24h))
	}
}

// Snapshot is a point-in-time copy of a customer profile. It is what leaves
// the owning shard: API reads, cache persistence and warm restores.
type Snapshot struct {
	CustomerID   string                `json:"customer_id"`
	Count        int64                 `json:"count"`
	Mean         float64               `json:"mean"`
	M2           float64               `json:"m2"`
	Stddev       float64               `json:"stddev"`
	LastCountry  string                `json:"last_country,omitempty"`
	LastSeen     time.Time             `json:"last_seen,omitempty"`
	Devices      map[string]int        `json:"devices,omitempty"`
	Recent       []Observation         `json:"recent,omitempty"`
	LastFeatures *domain.FeatureVector `json:"last_features,omitempty"`
}

// Snapshot copies the profile.
func (p *CustomerProfile) Snapshot() *Snapshot {
	devices := make(map[string]int, len(p.Devices))
	for k, v := range p.Devices {
		devices[k] = v
	}
	var last *domain.FeatureVector
	if p.LastFeatures != nil {
		fv := *p.LastFeatures
		last = &fv
	}
	return &Snapshot{
		CustomerID:   p.CustomerID,
		Count:        p.Count,
		Mean:         p.Mean,
		M2:           p.M2,
		Stddev:       p.Stddev(),
		LastCountry:  p.LastCountry,
		LastSeen:     p.LastSeen,
		Devices:      devices,
		Recent:       p.recent.entries(),
		LastFeatures: last,
	}
}

// restore rebuilds a profile from a snapshot.
func restore(s *Snapshot, capacity int) *CustomerProfile {
	p := newProfile(s.CustomerID, capacity)
	p.Count = s.Count
	p.Mean = s.Mean
	p.M2 = s.M2
	p.LastCountry = s.LastCountry
	p.LastSeen = s.LastSeen
	for k, v := range s.Devices {
		p.Devices[k] = v
	}
	for _, e := range s.Recent {
		p.recent.insert(e)
	}
	p.LastFeatures = s.LastFeatures
	return p
}
