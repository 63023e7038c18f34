package models

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const eulerGamma = 0.5772156649015329

// IsolationForest scores vectors with a pre-trained isolation forest.
// The score is 2^(-E[h(x)]/c(n)): close to 1 for points isolated quickly,
// around 0.5 or below for ordinary points.
type IsolationForest struct {
	name    string
	version string
	index   []int
	trees   []iTree
	cn      float64
}

type iTree struct {
	nodes []iNode
}

type iNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Leaf      bool    `json:"leaf"`
	Size      int     `json:"size"`
}

type forestArtifact struct {
	SampleSize int      `json:"sample_size"`
	Features   []string `json:"features"`
	Trees      []struct {
		Nodes []iNode `json:"nodes"`
	} `json:"trees"`
}

// ParseIsolationForest decodes a JSON forest artifact.
func ParseIsolationForest(name, version string, data []byte) (*IsolationForest, error) {
	var art forestArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("parse isolation forest %s: %w", name, err)
	}
	return newIsolationForest(name, version, &art)
}

func newIsolationForest(name, version string, art *forestArtifact) (*IsolationForest, error) {
	if art.SampleSize < 2 {
		return nil, fmt.Errorf("isolation forest %s: sample_size must be >= 2", name)
	}
	if len(art.Trees) == 0 {
		return nil, fmt.Errorf("isolation forest %s: no trees", name)
	}
	index, err := featureIndex(art.Features)
	if err != nil {
		return nil, fmt.Errorf("isolation forest %s: %w", name, err)
	}

	trees := make([]iTree, len(art.Trees))
	for t, tree := range art.Trees {
		if len(tree.Nodes) == 0 {
			return nil, fmt.Errorf("isolation forest %s: tree %d is empty", name, t)
		}
		for i, n := range tree.Nodes {
			if n.Leaf {
				continue
			}
			if n.Feature < 0 || n.Feature >= len(index) {
				return nil, fmt.Errorf("isolation forest %s: tree %d node %d: feature %d out of range", name, t, i, n.Feature)
			}
			// children must point forward so traversal terminates
			if n.Left <= i || n.Right <= i || n.Left >= len(tree.Nodes) || n.Right >= len(tree.Nodes) {
				return nil, fmt.Errorf("isolation forest %s: tree %d node %d: bad child index", name, t, i)
			}
		}
		trees[t] = iTree{nodes: tree.Nodes}
	}

	return &IsolationForest{
		name:    name,
		version: version,
		index:   index,
		trees:   trees,
		cn:      averagePathLength(art.SampleSize),
	}, nil
}

func (f *IsolationForest) Name() string    { return f.name }
func (f *IsolationForest) Version() string { return f.version }

// Predict returns the anomaly score for fv.
func (f *IsolationForest) Predict(fv *domain.FeatureVector) (float64, error) {
	x, err := vectorFor(fv, f.index)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, t := range f.trees {
		total += t.pathLength(x)
	}
	mean := total / float64(len(f.trees))
	return clamp01(math.Pow(2, -mean/f.cn)), nil
}

func (t iTree) pathLength(x []float64) float64 {
	depth := 0.0
	i := 0
	for {
		n := t.nodes[i]
		if n.Leaf {
			return depth + averagePathLength(n.Size)
		}
		if x[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// search in a binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	h := math.Log(float64(n-1)) + eulerGamma
	return 2*h - 2*float64(n-1)/float64(n)
}
