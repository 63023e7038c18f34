package models

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Autoencoder scores vectors by reconstruction error through a small dense
// network. Inputs are standardized with the artifact's scaler first.
type Autoencoder struct {
	name       string
	version    string
	index      []int
	mean       []float64
	scale      []float64
	layers     []denseLayer
	errorScale float64
}

type denseLayer struct {
	weights    [][]float64 // [out][in]
	bias       []float64
	activation string
}

type autoencoderArtifact struct {
	Features   []string  `json:"features"`
	Mean       []float64 `json:"mean"`
	Scale      []float64 `json:"scale"`
	ErrorScale float64   `json:"error_scale"`
	Layers     []struct {
		Weights    [][]float64 `json:"weights"`
		Bias       []float64   `json:"bias"`
		Activation string      `json:"activation"`
	} `json:"layers"`
}

// ParseAutoencoder decodes a JSON autoencoder artifact.
func ParseAutoencoder(name, version string, data []byte) (*Autoencoder, error) {
	var art autoencoderArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("parse autoencoder %s: %w", name, err)
	}
	return newAutoencoder(name, version, &art)
}

func newAutoencoder(name, version string, art *autoencoderArtifact) (*Autoencoder, error) {
	index, err := featureIndex(art.Features)
	if err != nil {
		return nil, fmt.Errorf("autoencoder %s: %w", name, err)
	}
	n := len(index)
	if len(art.Mean) != n || len(art.Scale) != n {
		return nil, fmt.Errorf("autoencoder %s: scaler has %d/%d entries, want %d", name, len(art.Mean), len(art.Scale), n)
	}
	for i, s := range art.Scale {
		if s <= 0 {
			return nil, fmt.Errorf("autoencoder %s: scale[%d] must be positive", name, i)
		}
	}
	if len(art.Layers) == 0 {
		return nil, fmt.Errorf("autoencoder %s: no layers", name)
	}
	if art.ErrorScale <= 0 {
		art.ErrorScale = 1
	}

	layers := make([]denseLayer, len(art.Layers))
	width := n
	for l, layer := range art.Layers {
		if len(layer.Weights) == 0 || len(layer.Bias) != len(layer.Weights) {
			return nil, fmt.Errorf("autoencoder %s: layer %d: weights and bias disagree", name, l)
		}
		for r, row := range layer.Weights {
			if len(row) != width {
				return nil, fmt.Errorf("autoencoder %s: layer %d row %d has %d inputs, want %d", name, l, r, len(row), width)
			}
		}
		switch layer.Activation {
		case "", "linear", "relu", "tanh", "sigmoid":
		default:
			return nil, fmt.Errorf("autoencoder %s: layer %d: unknown activation %q", name, l, layer.Activation)
		}
		layers[l] = denseLayer{weights: layer.Weights, bias: layer.Bias, activation: layer.Activation}
		width = len(layer.Weights)
	}
	if width != n {
		return nil, fmt.Errorf("autoencoder %s: output width %d, want %d", name, width, n)
	}

	return &Autoencoder{
		name:       name,
		version:    version,
		index:      index,
		mean:       art.Mean,
		scale:      art.Scale,
		layers:     layers,
		errorScale: art.ErrorScale,
	}, nil
}

func (a *Autoencoder) Name() string    { return a.name }
func (a *Autoencoder) Version() string { return a.version }

// Predict returns min(1, mse*error_scale) of the reconstruction.
func (a *Autoencoder) Predict(fv *domain.FeatureVector) (float64, error) {
	x, err := vectorFor(fv, a.index)
	if err != nil {
		return 0, err
	}
	for i := range x {
		x[i] = (x[i] - a.mean[i]) / a.scale[i]
	}

	out := x
	for _, l := range a.layers {
		out = l.forward(out)
	}

	var mse float64
	for i := range x {
		d := out[i] - x[i]
		mse += d * d
	}
	mse /= float64(len(x))
	return clamp01(mse * a.errorScale), nil
}

func (l denseLayer) forward(in []float64) []float64 {
	out := make([]float64, len(l.weights))
	for o, row := range l.weights {
		sum := l.bias[o]
		for i, w := range row {
			sum += w * in[i]
		}
		out[o] = activate(l.activation, sum)
	}
	return out
}

func activate(fn string, v float64) float64 {
	switch fn {
	case "relu":
		return math.Max(0, v)
	case "tanh":
		return math.Tanh(v)
	case "sigmoid":
		return 1 / (1 + math.Exp(-v))
	}
	return v
}
