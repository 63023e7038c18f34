package models

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// RuleConfig is one CEL rule of the rule model. The expression returns a
// bool, int or double which becomes the rule's score.
type RuleConfig struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description" json:"description"`
	Expression  string `yaml:"expression" json:"expression"`
	Enabled     bool   `yaml:"enabled" json:"enabled"`
}

// RuleResult is the outcome of one rule for one vector.
type RuleResult struct {
	RuleID string  `json:"rule_id"`
	Score  float64 `json:"score"`
	Err    error   `json:"-"`
}

// RuleParams are the tunables exposed to rule expressions.
type RuleParams struct {
	VelocityThreshold int
	HighAmount        float64
}

// DefaultRules returns the built-in fraud rules.
func DefaultRules() []RuleConfig {
	return []RuleConfig{
		{
			ID:          "high_amount",
			Description: "Amount far above the customer's history",
			Expression:  `amount_z_score >= 3.0 || amount >= high_amount ? 0.95 : (amount_z_score > 0.0 ? amount_z_score * 0.2 : 0.0)`,
			Enabled:     true,
		},
		{
			ID:          "impossible_travel",
			Description: "Country changed faster than a plane could fly",
			Expression:  `country_change ? 0.95 : 0.0`,
			Enabled:     true,
		},
		{
			ID:          "velocity",
			Description: "Burst of transactions within the last hour",
			Expression:  `txn_count_1h >= velocity_threshold ? 0.95 : double(txn_count_1h) / double(velocity_threshold) * 0.5`,
			Enabled:     true,
		},
		{
			ID:          "risky_merchant",
			Description: "Merchant or category with an elevated fraud rate",
			Expression:  `merchant_fraud_rate > 0.1 ? 0.8 : merchant_fraud_rate * 4.0`,
			Enabled:     true,
		},
		{
			ID:          "device_anomaly",
			Description: "Rare or new device on a card-not-present purchase",
			Expression:  `card_not_present && new_device ? 0.9 : (card_not_present && device_rarity_score > 0.8 ? 0.7 : device_rarity_score * 0.3)`,
			Enabled:     true,
		},
	}
}

// ParseRules decodes rule definitions from YAML holding a list of rules
// under the "rules" key.
func ParseRules(data []byte) ([]RuleConfig, error) {
	var file struct {
		Rules []RuleConfig `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return file.Rules, nil
}

// RuleModel evaluates CEL rules against the feature vector and scores the
// maximum of the rule outputs.
type RuleModel struct {
	name       string
	version    string
	params     RuleParams
	rules      []compiledRule
	maxWorkers int
}

type compiledRule struct {
	config  RuleConfig
	program cel.Program
}

// NewRuleModel compiles the enabled rules. A rule that fails to compile
// fails the whole model.
func NewRuleModel(name, version string, configs []RuleConfig, params RuleParams) (*RuleModel, error) {
	if params.VelocityThreshold <= 0 {
		params.VelocityThreshold = 5
	}
	if params.HighAmount <= 0 {
		params.HighAmount = 5000
	}

	env, err := newRuleEnv()
	if err != nil {
		return nil, err
	}

	m := &RuleModel{name: name, version: version, params: params, maxWorkers: 4}
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		prg, err := compileRule(env, cfg)
		if err != nil {
			return nil, err
		}
		m.rules = append(m.rules, compiledRule{config: cfg, program: prg})
	}
	if len(m.rules) == 0 {
		return nil, fmt.Errorf("rule model %s: no enabled rules", name)
	}
	return m, nil
}

// ValidateRule compiles a rule without loading it.
func ValidateRule(cfg RuleConfig) error {
	env, err := newRuleEnv()
	if err != nil {
		return err
	}
	_, err = compileRule(env, cfg)
	return err
}

func newRuleEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable(domain.FeatureAmountZScore, cel.DoubleType),
		cel.Variable(domain.FeatureAmountLog, cel.DoubleType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable(domain.FeatureCountryChange, cel.BoolType),
		cel.Variable(domain.FeatureDistanceKm, cel.DoubleType),
		cel.Variable("speed_kmh", cel.DoubleType),
		cel.Variable(domain.FeatureTxnCount1h, cel.IntType),
		cel.Variable(domain.FeatureTxnCount24h, cel.IntType),
		cel.Variable(domain.FeatureMerchantFraudRate, cel.DoubleType),
		cel.Variable(domain.FeatureDeviceRarity, cel.DoubleType),
		cel.Variable(domain.FeatureCardNotPresent, cel.BoolType),
		cel.Variable(domain.FeatureNewDevice, cel.BoolType),
		cel.Variable("hour_of_day", cel.IntType),
		cel.Variable("velocity_threshold", cel.IntType),
		cel.Variable("high_amount", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

func compileRule(env *cel.Env, cfg RuleConfig) (cel.Program, error) {
	ast, issues := env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}
	return program, nil
}

func (m *RuleModel) Name() string    { return m.name }
func (m *RuleModel) Version() string { return m.version }

// Rules returns the loaded rule definitions.
func (m *RuleModel) Rules() []RuleConfig {
	out := make([]RuleConfig, len(m.rules))
	for i, r := range m.rules {
		out[i] = r.config
	}
	return out
}

// Predict returns the highest rule score. It fails only when every rule
// fails to evaluate.
func (m *RuleModel) Predict(fv *domain.FeatureVector) (float64, error) {
	results, err := m.Evaluate(fv)
	if err != nil {
		return 0, err
	}
	best, ok := 0.0, false
	var lastErr error
	for _, r := range results {
		if r.Err != nil {
			lastErr = r.Err
			continue
		}
		ok = true
		if r.Score > best {
			best = r.Score
		}
	}
	if !ok {
		return 0, fmt.Errorf("rule model %s: all rules failed: %w", m.name, lastErr)
	}
	return best, nil
}

// Evaluate runs every rule in parallel and returns results in rule order.
func (m *RuleModel) Evaluate(fv *domain.FeatureVector) ([]RuleResult, error) {
	if fv == nil {
		return nil, fmt.Errorf("%w: nil feature vector", ErrInvalidInput)
	}
	activation := m.activation(fv)

	results := make([]RuleResult, len(m.rules))
	var wg sync.WaitGroup
	sem := make(chan struct{}, m.maxWorkers)

	for i, rule := range m.rules {
		wg.Add(1)
		go func(idx int, r compiledRule) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = evaluateRule(r, activation)
		}(i, rule)
	}

	wg.Wait()
	return results, nil
}

func (m *RuleModel) activation(fv *domain.FeatureVector) map[string]any {
	return map[string]any{
		domain.FeatureAmountZScore:      fv.AmountZScore,
		domain.FeatureAmountLog:         fv.AmountLog,
		"amount":                        fv.Amount,
		domain.FeatureCountryChange:     fv.CountryChange,
		domain.FeatureDistanceKm:        fv.DistanceKm,
		"speed_kmh":                     fv.SpeedKmh,
		domain.FeatureTxnCount1h:        int64(fv.TxnCount1h),
		domain.FeatureTxnCount24h:       int64(fv.TxnCount24h),
		domain.FeatureMerchantFraudRate: fv.MerchantFraudRate,
		domain.FeatureDeviceRarity:      fv.DeviceRarityScore,
		domain.FeatureCardNotPresent:    fv.CardNotPresent,
		domain.FeatureNewDevice:         fv.NewDevice,
		"hour_of_day":                   int64(fv.HourOfDay),
		"velocity_threshold":            int64(m.params.VelocityThreshold),
		"high_amount":                   m.params.HighAmount,
	}
}

func evaluateRule(r compiledRule, activation map[string]any) RuleResult {
	result := RuleResult{RuleID: r.config.ID}
	out, _, err := r.program.Eval(activation)
	if err != nil {
		result.Err = fmt.Errorf("rule %s: evaluation error: %w", r.config.ID, err)
		return result
	}
	result.Score = clamp01(toScore(out))
	return result
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}
