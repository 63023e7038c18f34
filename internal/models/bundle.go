package models

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ManifestFile is the bundle descriptor inside a models directory.
const ManifestFile = "manifest.yaml"

//go:embed defaults/*
var defaultArtifacts embed.FS

// Manifest describes a versioned model bundle.
type Manifest struct {
	Version  string             `yaml:"version"`
	Models   []ModelSpec        `yaml:"models"`
	Baseline map[string]float64 `yaml:"baseline"`
}

// ModelSpec is one entry of the manifest. Path is relative to the manifest.
type ModelSpec struct {
	Name    string  `yaml:"name"`
	Type    string  `yaml:"type"`
	Version string  `yaml:"version"`
	Path    string  `yaml:"path"`
	Weight  float64 `yaml:"weight"`
}

// Params carries the runtime settings a bundle is built with.
type Params struct {
	Rules RuleParams

	// Weights override manifest weights by model name.
	Weights map[string]float64
}

// ParamsFrom derives bundle parameters from the service configuration.
func ParamsFrom(cfg *domain.Config) Params {
	return Params{
		Rules: RuleParams{
			VelocityThreshold: cfg.Features.VelocityThreshold,
			HighAmount:        cfg.Features.HighAmount,
		},
		Weights: cfg.Scoring.Weights,
	}
}

// Bundle is an immutable set of models scored together. A new bundle is
// built for every reload and swapped in whole.
type Bundle struct {
	Version  string
	Source   string
	Models   []Model
	Weights  map[string]float64
	Baseline map[string]float64
	LoadedAt time.Time
}

// ModelInfo describes one model of a bundle.
type ModelInfo struct {
	Name      string  `json:"name"`
	Version   string  `json:"version"`
	Weight    float64 `json:"weight"`
	Available bool    `json:"available"`
	Error     string  `json:"error,omitempty"`
}

// BundleInfo is the public description of a bundle.
type BundleInfo struct {
	Version  string             `json:"version"`
	Source   string             `json:"source"`
	LoadedAt time.Time          `json:"loaded_at"`
	Models   []ModelInfo        `json:"models"`
	Baseline map[string]float64 `json:"baseline"`
}

// Describe summarizes the bundle.
func (b *Bundle) Describe() BundleInfo {
	info := BundleInfo{
		Version:  b.Version,
		Source:   b.Source,
		LoadedAt: b.LoadedAt,
		Baseline: b.Baseline,
		Models:   make([]ModelInfo, 0, len(b.Models)),
	}
	for _, m := range b.Models {
		mi := ModelInfo{Name: m.Name(), Version: m.Version(), Weight: b.Weights[m.Name()], Available: true}
		if u, ok := m.(*unavailableModel); ok {
			mi.Available = false
			mi.Error = u.err.Error()
		}
		info.Models = append(info.Models, mi)
	}
	return info
}

// Weight returns the ensemble weight of a model.
func (b *Bundle) Weight(name string) float64 {
	return b.Weights[name]
}

// LoadBundle reads the manifest in dir and every model it names. A model
// whose artifact cannot be loaded is kept as an unavailable placeholder;
// a missing or invalid manifest fails the whole load.
func LoadBundle(dir string, params Params) (*Bundle, error) {
	b, err := loadBundleFS(os.DirFS(dir), params)
	if err != nil {
		return nil, fmt.Errorf("load bundle %q: %w", dir, err)
	}
	b.Source = dir
	return b, nil
}

// DefaultBundle returns the bundle compiled into the binary.
func DefaultBundle(params Params) (*Bundle, error) {
	sub, err := fs.Sub(defaultArtifacts, "defaults")
	if err != nil {
		return nil, err
	}
	b, err := loadBundleFS(sub, params)
	if err != nil {
		return nil, fmt.Errorf("load default bundle: %w", err)
	}
	b.Source = "builtin"
	return b, nil
}

// NewBundle assembles a bundle from already-built models, mainly for tests
// and embedding.
func NewBundle(version string, weights map[string]float64, ms ...Model) *Bundle {
	w := make(map[string]float64, len(ms))
	for _, m := range ms {
		w[m.Name()] = 1
		if v, ok := weights[m.Name()]; ok {
			w[m.Name()] = v
		}
	}
	return &Bundle{
		Version:  version,
		Source:   "inline",
		Models:   ms,
		Weights:  w,
		Baseline: DefaultBaseline(),
		LoadedAt: time.Now().UTC(),
	}
}

// DefaultBaseline is the population reference point used for attributions
// when a manifest does not provide one.
func DefaultBaseline() map[string]float64 {
	return map[string]float64{
		domain.FeatureAmountZScore:      0,
		domain.FeatureAmountLog:         math.Log1p(60),
		domain.FeatureCountryChange:     0,
		domain.FeatureDistanceKm:        0,
		domain.FeatureTxnCount1h:        1,
		domain.FeatureTxnCount24h:       3,
		domain.FeatureMerchantFraudRate: 0.02,
		domain.FeatureDeviceRarity:      0.2,
		domain.FeatureCardNotPresent:    0,
		domain.FeatureNewDevice:         0,
	}
}

func loadBundleFS(fsys fs.FS, params Params) (*Bundle, error) {
	data, err := fs.ReadFile(fsys, ManifestFile)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Version == "" {
		return nil, errors.New("manifest: version is required")
	}
	if len(m.Models) == 0 {
		return nil, errors.New("manifest: no models")
	}

	b := &Bundle{
		Version:  m.Version,
		Weights:  make(map[string]float64, len(m.Models)),
		Baseline: DefaultBaseline(),
		LoadedAt: time.Now().UTC(),
	}
	for k, v := range m.Baseline {
		if _, known := b.Baseline[k]; !known {
			return nil, fmt.Errorf("manifest: baseline has unknown feature %q", k)
		}
		b.Baseline[k] = v
	}

	seen := make(map[string]bool, len(m.Models))
	for _, spec := range m.Models {
		if spec.Name == "" {
			spec.Name = spec.Type
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("manifest: duplicate model %q", spec.Name)
		}
		seen[spec.Name] = true

		weight := spec.Weight
		if w, ok := params.Weights[spec.Name]; ok {
			weight = w
		}
		if weight < 0 {
			return nil, fmt.Errorf("manifest: model %q has negative weight", spec.Name)
		}
		b.Weights[spec.Name] = weight

		model, err := loadModel(fsys, spec, params)
		if err != nil {
			model = Unavailable(spec.Name, spec.Version, err)
		}
		b.Models = append(b.Models, model)
	}
	return b, nil
}

func loadModel(fsys fs.FS, spec ModelSpec, params Params) (Model, error) {
	read := func() ([]byte, error) {
		if spec.Path == "" {
			return nil, fmt.Errorf("model %s: path is required", spec.Name)
		}
		return fs.ReadFile(fsys, spec.Path)
	}

	switch spec.Type {
	case TypeIsolationForest:
		data, err := read()
		if err != nil {
			return nil, err
		}
		return ParseIsolationForest(spec.Name, spec.Version, data)
	case TypeAutoencoder:
		data, err := read()
		if err != nil {
			return nil, err
		}
		return ParseAutoencoder(spec.Name, spec.Version, data)
	case TypeRules:
		rules := DefaultRules()
		if spec.Path != "" {
			data, err := read()
			if err != nil {
				return nil, err
			}
			if rules, err = ParseRules(data); err != nil {
				return nil, err
			}
		}
		return NewRuleModel(spec.Name, spec.Version, rules, params.Rules)
	case TypeHeuristic:
		return namedHeuristic{Heuristic: Heuristic(params.Rules), name: spec.Name, version: spec.Version}, nil
	default:
		return nil, fmt.Errorf("model %s: unknown type %q", spec.Name, spec.Type)
	}
}

// namedHeuristic lets a manifest carry the heuristic as a regular member.
type namedHeuristic struct {
	Heuristic
	name    string
	version string
}

func (h namedHeuristic) Name() string    { return h.name }
func (h namedHeuristic) Version() string { return h.version }
