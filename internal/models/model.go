// Package models holds the scoring models and the versioned bundles they
// are shipped in.
package models

import (
	"errors"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvalidInput is returned by Predict for vectors a model cannot score.
var ErrInvalidInput = errors.New("invalid model input")

// Model scores a feature vector. Implementations are immutable after
// construction and safe for concurrent use.
type Model interface {
	Name() string
	Version() string

	// Predict returns an anomaly/fraud score in [0,1].
	Predict(fv *domain.FeatureVector) (float64, error)
}

// Model type identifiers used in bundle manifests.
const (
	TypeIsolationForest = "isolation_forest"
	TypeAutoencoder     = "autoencoder"
	TypeRules           = "rules"
	TypeHeuristic       = "heuristic"
)

// unavailableModel stands in for a model whose artifact failed to load so
// that every score reports it as unavailable.
type unavailableModel struct {
	name    string
	version string
	err     error
}

func (m *unavailableModel) Name() string    { return m.name }
func (m *unavailableModel) Version() string { return m.version }

func (m *unavailableModel) Predict(*domain.FeatureVector) (float64, error) {
	return 0, fmt.Errorf("model %s unavailable: %w", m.name, m.err)
}

// Unavailable returns a placeholder model that always fails with err.
func Unavailable(name, version string, err error) Model {
	return &unavailableModel{name: name, version: version, err: err}
}

// vectorFor returns the vector columns named by features, validating that
// every value is finite.
func vectorFor(fv *domain.FeatureVector, index []int) ([]float64, error) {
	if fv == nil {
		return nil, fmt.Errorf("%w: nil feature vector", ErrInvalidInput)
	}
	full := fv.Vector()
	out := make([]float64, len(index))
	for i, idx := range index {
		v := full[idx]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: feature %s is not finite", ErrInvalidInput, domain.FeatureNames[idx])
		}
		out[i] = v
	}
	return out, nil
}

// featureIndex maps artifact feature names to positions in the domain vector.
func featureIndex(names []string) ([]int, error) {
	if len(names) == 0 {
		names = domain.FeatureNames
	}
	pos := make(map[string]int, len(domain.FeatureNames))
	for i, n := range domain.FeatureNames {
		pos[n] = i
	}
	out := make([]int, len(names))
	for i, n := range names {
		p, ok := pos[n]
		if !ok {
			return nil, fmt.Errorf("unknown feature %q", n)
		}
		out[i] = p
	}
	return out, nil
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
