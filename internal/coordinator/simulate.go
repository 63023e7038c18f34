package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Scenario names a synthetic fraud pattern.
type Scenario string

const (
	ScenarioImpossibleTravel Scenario = "impossible_travel"
	ScenarioHighAmount       Scenario = "high_amount"
	ScenarioVelocityAttack   Scenario = "velocity_attack"
	ScenarioCardNotPresent   Scenario = "card_not_present"
)

// Scenarios lists the supported scenarios.
var Scenarios = []Scenario{
	ScenarioImpossibleTravel,
	ScenarioHighAmount,
	ScenarioVelocityAttack,
	ScenarioCardNotPresent,
}

// ParseScenario validates a scenario name.
func ParseScenario(s string) (Scenario, error) {
	for _, sc := range Scenarios {
		if string(sc) == s {
			return sc, nil
		}
	}
	return "", &domain.ValidationError{Field: "scenario", Reason: fmt.Sprintf("unknown scenario %q", s)}
}

// SimulationOutcome is the result of the final, stressed transaction of a
// scenario.
type SimulationOutcome struct {
	Scenario Scenario `json:"scenario"`
	Primed   int      `json:"primed_transactions"`
	*domain.ScoreOutcome
}

// Simulate synthesizes the named scenario for customerID and scores it
// through the normal path. Scenarios that need history first score the
// priming transactions that build it. An empty customerID gets a fresh
// synthetic customer and a zero amount the scenario's default.
func (c *Coordinator) Simulate(ctx context.Context, scenario Scenario, customerID string, amount float64) (*SimulationOutcome, error) {
	if _, err := ParseScenario(string(scenario)); err != nil {
		return nil, err
	}
	if customerID == "" {
		customerID = "sim-" + uuid.NewString()[:8]
	}
	if amount < 0 {
		return nil, &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	now := c.now().UTC()
	priming, final := buildScenario(scenario, customerID, amount, now)

	for i := range priming {
		if _, err := c.Score(ctx, priming[i]); err != nil {
			return nil, fmt.Errorf("simulate %s: priming transaction %d: %w", scenario, i+1, err)
		}
	}
	out, err := c.Score(ctx, final)
	if err != nil {
		return nil, fmt.Errorf("simulate %s: %w", scenario, err)
	}

	c.logger.Info("scenario simulated",
		"scenario", scenario,
		"customer_id", customerID,
		"score", out.CombinedScore,
		"is_alert", out.IsAlert,
	)
	return &SimulationOutcome{Scenario: scenario, Primed: len(priming), ScoreOutcome: out}, nil
}

// buildScenario returns the priming transactions and the stressed one.
func buildScenario(scenario Scenario, customerID string, amount float64, now time.Time) ([]domain.Transaction, domain.Transaction) {
	homeDevice := "sim-dev-" + customerID
	base := func(ts time.Time, amt float64) domain.Transaction {
		return domain.Transaction{
			TxnID:            uuid.NewString(),
			Timestamp:        ts,
			CustomerID:       customerID,
			MerchantID:       "MERCH001",
			MerchantCategory: "retail",
			Amount:           amt,
			CountryCode:      "US",
			Channel:          domain.ChannelCardPresent,
			DeviceID:         homeDevice,
		}
	}
	orDefault := func(def float64) float64 {
		if amount > 0 {
			return amount
		}
		return def
	}

	var priming []domain.Transaction
	var final domain.Transaction

	switch scenario {
	case ScenarioImpossibleTravel:
		// A purchase at home, then one in London five minutes later.
		priming = append(priming, base(now.Add(-5*time.Minute), 100))
		final = base(now, orDefault(500))
		final.CountryCode = "UK"
		final.MerchantID = "MERCH-LDN-01"

	case ScenarioHighAmount:
		// Ten days of purchases around $50, one per day.
		for i := 10; i >= 1; i-- {
			amt := 45 + float64(i%5)*2.5
			priming = append(priming, base(now.Add(-time.Duration(i)*25*time.Hour), amt))
		}
		final = base(now, orDefault(10000))
		final.MerchantCategory = "electronics"

	case ScenarioVelocityAttack:
		// Five $50 purchases inside one minute.
		for i := 4; i >= 1; i-- {
			t := base(now.Add(-time.Duration(i)*12*time.Second), 50)
			t.MerchantCategory = "gas_station"
			priming = append(priming, t)
		}
		final = base(now, orDefault(50))
		final.MerchantCategory = "gas_station"

	case ScenarioCardNotPresent:
		// Established in-store history, then an online purchase from a
		// device never seen before.
		for i := 3; i >= 1; i-- {
			priming = append(priming, base(now.Add(-time.Duration(i)*30*time.Hour), 80))
		}
		final = base(now, orDefault(200))
		final.Channel = domain.ChannelCardNotPresent
		final.MerchantCategory = "online_retail"
		final.DeviceID = "sim-dev-" + uuid.NewString()[:8]
	}
	return priming, final
}
