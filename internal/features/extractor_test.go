package features

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/profile"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newExtractor(t *testing.T) (*Extractor, *profile.Store) {
	t.Helper()
	store := profile.NewStore(profile.Options{Shards: 4})
	t.Cleanup(func() { store.Close() })
	cfg := domain.DefaultConfig().Features
	return NewExtractor(store, DefaultTables(), cfg), store
}

func tx(id string, at time.Time, amount float64, country string) *domain.Transaction {
	return &domain.Transaction{
		TxnID:            id,
		Timestamp:        at,
		CustomerID:       "CUST001",
		MerchantID:       "MERCH001",
		MerchantCategory: "grocery",
		Amount:           amount,
		CountryCode:      country,
		Channel:          domain.ChannelCardPresent,
		DeviceID:         "DEVICE001",
	}
}

func TestExtractZScore(t *testing.T) {
	ctx := context.Background()

	t.Run("ZeroBelowTwoObservations", func(t *testing.T) {
		e, _ := newExtractor(t)
		fv, err := e.Extract(ctx, tx("a", t0, 100, "US"))
		if err != nil {
			t.Fatalf("Extract failed: %v", err)
		}
		if fv.AmountZScore != 0 {
			t.Errorf("expected z=0 for first txn, got %f", fv.AmountZScore)
		}
		fv, _ = e.Extract(ctx, tx("b", t0.Add(time.Hour), 5000, "US"))
		if fv.AmountZScore != 0 {
			t.Errorf("expected z=0 with one prior observation, got %f", fv.AmountZScore)
		}
	})

	t.Run("HighAmountAgainstSmallHistory", func(t *testing.T) {
		e, _ := newExtractor(t)
		for i := 0; i < 10; i++ {
			amount := 45.0 + float64(i)
			e.Extract(ctx, tx(fmt.Sprintf("h%d", i), t0.Add(time.Duration(i)*6*time.Hour), amount, "US"))
		}
		fv, err := e.Extract(ctx, tx("big", t0.Add(70*time.Hour), 10000, "US"))
		if err != nil {
			t.Fatalf("Extract failed: %v", err)
		}
		if fv.AmountZScore < 100 {
			t.Errorf("expected very high z-score, got %f", fv.AmountZScore)
		}
	})

	t.Run("EpsilonGuardsConstantHistory", func(t *testing.T) {
		e, _ := newExtractor(t)
		e.Extract(ctx, tx("c1", t0, 50, "US"))
		e.Extract(ctx, tx("c2", t0.Add(time.Hour), 50, "US"))
		fv, _ := e.Extract(ctx, tx("c3", t0.Add(2*time.Hour), 52, "US"))
		if math.IsInf(fv.AmountZScore, 0) || math.IsNaN(fv.AmountZScore) {
			t.Fatalf("expected finite z-score, got %f", fv.AmountZScore)
		}
		if math.Abs(fv.AmountZScore-2) > 1e-9 {
			t.Errorf("expected z=2 with epsilon 1, got %f", fv.AmountZScore)
		}
	})
}

func TestExtractVelocity(t *testing.T) {
	e, _ := newExtractor(t)
	ctx := context.Background()

	var fv domain.FeatureVector
	for i := 0; i < 5; i++ {
		var err error
		fv, err = e.Extract(ctx, tx(fmt.Sprintf("v%d", i), t0.Add(time.Duration(i)*10*time.Second), 50, "US"))
		if err != nil {
			t.Fatalf("Extract failed: %v", err)
		}
		if fv.TxnCount1h != i+1 {
			t.Errorf("txn %d: expected count_1h %d, got %d", i, i+1, fv.TxnCount1h)
		}
	}
	if fv.TxnCount24h != 5 {
		t.Errorf("expected count_24h 5, got %d", fv.TxnCount24h)
	}

	// replaying a transaction does not inflate the counts
	replay, _ := e.Extract(ctx, tx("v4", t0.Add(40*time.Second), 50, "US"))
	if replay.TxnCount1h != 5 {
		t.Errorf("expected replay count_1h 5, got %d", replay.TxnCount1h)
	}
}

func TestExtractRetryReturnsRecordedFeatures(t *testing.T) {
	e, store := newExtractor(t)
	ctx := context.Background()

	for i, amount := range []float64{40, 60, 50} {
		if _, err := e.Extract(ctx, tx(fmt.Sprintf("us-%d", i), t0.Add(time.Duration(i)*time.Hour), amount, "US")); err != nil {
			t.Fatalf("Extract failed: %v", err)
		}
	}
	abroad := tx("fr-1", t0.Add(2*time.Hour+10*time.Minute), 60, "FR")
	first, err := e.Extract(ctx, abroad)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if !first.CountryChange || first.AmountZScore == 0 {
		t.Fatalf("expected a country change and a non-zero z-score, got %+v", first)
	}

	retry, err := e.Extract(ctx, abroad)
	if err != nil {
		t.Fatalf("Extract (retry) failed: %v", err)
	}
	if retry != first {
		t.Errorf("retry features differ:\n first %+v\n retry %+v", first, retry)
	}

	snap, err := store.Get(ctx, "CUST001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snap.Count != 4 {
		t.Errorf("retry re-applied the transaction: count %d", snap.Count)
	}
}

func TestExtractCountryChange(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		second  string
		gap     time.Duration
		changed bool
	}{
		{"ImpossibleTravelUSToUK", "UK", 5 * time.Minute, true},
		{"PlausibleFlight", "GB", 12 * time.Hour, false},
		{"SameCountry", "US", time.Minute, false},
		{"SimultaneousDifferentCountry", "CA", 0, true},
		{"UnknownCountryQuickly", "ZZ", 10 * time.Minute, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newExtractor(t)
			e.Extract(ctx, tx("first", t0, 100, "US"))
			fv, err := e.Extract(ctx, tx("second", t0.Add(tt.gap), 100, tt.second))
			if err != nil {
				t.Fatalf("Extract failed: %v", err)
			}
			if fv.CountryChange != tt.changed {
				t.Errorf("expected country_change=%v, got %v (distance=%.0fkm speed=%.0fkm/h)",
					tt.changed, fv.CountryChange, fv.DistanceKm, fv.SpeedKmh)
			}
		})
	}
}

func TestExtractDevice(t *testing.T) {
	e, _ := newExtractor(t)
	ctx := context.Background()

	first, _ := e.Extract(ctx, tx("d1", t0, 20, "US"))
	if first.NewDevice {
		t.Error("first transaction should not flag a new device")
	}

	known, _ := e.Extract(ctx, tx("d2", t0.Add(time.Hour), 20, "US"))
	if known.DeviceRarityScore >= first.DeviceRarityScore {
		t.Errorf("expected familiar device to be less rare: %f >= %f", known.DeviceRarityScore, first.DeviceRarityScore)
	}

	other := tx("d3", t0.Add(2*time.Hour), 20, "US")
	other.DeviceID = "DEVICE999"
	fresh, _ := e.Extract(ctx, other)
	if !fresh.NewDevice || fresh.DeviceRarityScore <= 0.8 {
		t.Errorf("expected new device with rarity > 0.8, got new=%v rarity=%f", fresh.NewDevice, fresh.DeviceRarityScore)
	}
}

func TestExtractShardUnavailable(t *testing.T) {
	e, store := newExtractor(t)
	store.SetShardAvailable(store.ShardFor("CUST001"), false)

	txn := tx("s1", t0, 300, "US")
	txn.Channel = domain.ChannelCardNotPresent
	_, err := e.Extract(context.Background(), txn)
	if !errors.Is(err, profile.ErrShardUnavailable) {
		t.Fatalf("expected ErrShardUnavailable, got %v", err)
	}

	fv := e.Stateless(txn)
	if !fv.Stateless || !fv.CardNotPresent || fv.TxnCount1h != 1 {
		t.Errorf("unexpected stateless vector: %+v", fv)
	}
	if fv.AmountLog != math.Log1p(300) {
		t.Errorf("expected amount_log computed, got %f", fv.AmountLog)
	}
}

func TestMerchantFraudRate(t *testing.T) {
	tables := DefaultTables()
	tables.Merchants["MERCH-BAD"] = 0.3

	if r := tables.MerchantFraudRate("MERCH-BAD", "grocery", 0.02); r != 0.3 {
		t.Errorf("expected merchant rate 0.3, got %f", r)
	}
	if r := tables.MerchantFraudRate("MERCH-X", "gift_cards", 0.02); r != 0.18 {
		t.Errorf("expected category rate 0.18, got %f", r)
	}
	if r := tables.MerchantFraudRate("MERCH-X", "unknown", 0.02); r != 0.02 {
		t.Errorf("expected default 0.02, got %f", r)
	}
}

func TestLoadTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.yaml")
	body := `
merchants:
  MERCH-RISKY: 0.4
categories:
  Casino: 1.7
devices:
  EMULATOR-1: 0.97
countries:
  xk: {lat: 42.6, lon: 20.9}
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	tables, err := LoadTables(path)
	if err != nil {
		t.Fatalf("LoadTables failed: %v", err)
	}
	if tables.Merchants["MERCH-RISKY"] != 0.4 {
		t.Error("expected merchant entry")
	}
	if tables.Categories["casino"] != 1 {
		t.Errorf("expected clamped lower-cased category, got %v", tables.Categories["casino"])
	}
	if _, ok := tables.Centroid("XK"); !ok {
		t.Error("expected upper-cased country entry")
	}
	if _, ok := tables.Centroid("US"); !ok {
		t.Error("expected defaults to survive the merge")
	}
}

func TestHaversine(t *testing.T) {
	london := LatLon{51.5074, -0.1278}
	paris := LatLon{48.8566, 2.3522}
	d := Haversine(london, paris)
	if d < 330 || d > 350 {
		t.Errorf("expected ~344km London-Paris, got %.1f", d)
	}
	if Haversine(paris, paris) != 0 {
		t.Error("expected zero distance to self")
	}
}
