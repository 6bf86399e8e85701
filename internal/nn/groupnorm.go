// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn

import (
	"fmt"

	"github.com/born-ml/diffuse/internal/tensor"
)

// GroupNorm normalizes over channel groups of an NCHW tensor:
//
//	y = (x - mean) / sqrt(var + eps) * weight + bias
//
// where mean and variance are computed per (batch, group). Weight and bias
// are per-channel affine parameters; nil disables the affine transform.
type GroupNorm[B tensor.Backend] struct {
	NumGroups   int
	NumChannels int
	Eps         float64

	Weight *tensor.Tensor[float32, B]
	Bias   *tensor.Tensor[float32, B]
}

// NewGroupNorm creates a GroupNorm layer. numChannels must be divisible by
// numGroups.
func NewGroupNorm[B tensor.Backend](numGroups, numChannels int) (*GroupNorm[B], error) {
	if numGroups < 1 || numChannels%numGroups != 0 {
		return nil, fmt.Errorf("groupnorm: %d channels not divisible into %d groups", numChannels, numGroups)
	}
	return &GroupNorm[B]{
		NumGroups:   numGroups,
		NumChannels: numChannels,
		Eps:         1e-5,
	}, nil
}

// Forward applies group normalization to a [N, C, H, W] tensor.
func (g *GroupNorm[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("groupnorm: input must be 4D NCHW, got %v", shape))
	}
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	if c != g.NumChannels {
		panic(fmt.Sprintf("groupnorm: input has %d channels, layer expects %d", c, g.NumChannels))
	}

	// Fold each group into one axis and normalize over it.
	grouped := x.Reshape(n, g.NumGroups, c/g.NumGroups*h*w)
	mean := grouped.MeanDim(2, true)
	centered := grouped.Sub(mean)
	variance := centered.Mul(centered).MeanDim(2, true)
	normed := centered.Div(variance.AddScalar(float32(g.Eps)).Sqrt())

	out := normed.Reshape(n, c, h, w)
	if g.Weight != nil {
		out = out.Mul(g.Weight.Reshape(1, c, 1, 1))
	}
	if g.Bias != nil {
		out = out.Add(g.Bias.Reshape(1, c, 1, 1))
	}
	return out
}
