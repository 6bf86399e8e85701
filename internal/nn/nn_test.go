// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/diffuse/internal/backend/cpu"
	"github.com/born-ml/diffuse/internal/tensor"
)

func TestScaledDotProductAttentionShapes(t *testing.T) {
	backend := cpu.New()
	q := tensor.Ones[float32](tensor.Shape{1, 2, 3, 4}, backend)
	k := tensor.Ones[float32](tensor.Shape{1, 2, 3, 4}, backend)
	v := tensor.Ones[float32](tensor.Shape{1, 2, 3, 4}, backend)

	out := ScaledDotProductAttention(q, k, v, nil, 0, nil)
	assert.Equal(t, tensor.Shape{1, 2, 3, 4}, out.Shape())

	// Uniform inputs give uniform weights, so output equals value.
	assert.Equal(t, v.Data(), out.Data())
}

func TestScaledDotProductAttentionObserver(t *testing.T) {
	backend := cpu.New()
	q := tensor.Ones[float32](tensor.Shape{1, 2, 3, 4}, backend)
	k := tensor.Ones[float32](tensor.Shape{1, 2, 3, 4}, backend)
	v := tensor.Ones[float32](tensor.Shape{1, 2, 3, 4}, backend)

	rec := &AttentionRecorder[*cpu.Backend]{}
	ScaledDotProductAttention(q, k, v, nil, 0, rec)

	require.NotNil(t, rec.Weights)
	// The recorder folds heads into the batch axis.
	assert.Equal(t, tensor.Shape{2, 3, 3}, rec.Weights.Shape())

	// Each row of weights sums to 1.
	data := rec.Weights.Data()
	for row := 0; row < 6; row++ {
		sum := float64(0)
		for i := 0; i < 3; i++ {
			sum += float64(data[row*3+i])
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}

	rec.Reset()
	assert.Nil(t, rec.Weights)
}

func TestSigmoidSiLU(t *testing.T) {
	backend := cpu.New()
	x, err := tensor.FromSlice([]float32{0, 2, -2}, tensor.Shape{3}, backend)
	require.NoError(t, err)

	sig := Sigmoid(x).Data()
	assert.InDelta(t, 0.5, float64(sig[0]), 1e-6)
	assert.InDelta(t, 1/(1+math.Exp(-2)), float64(sig[1]), 1e-6)
	assert.InDelta(t, 1/(1+math.Exp(2)), float64(sig[2]), 1e-6)

	silu := SiLU(x).Data()
	assert.InDelta(t, 0.0, float64(silu[0]), 1e-6)
	assert.InDelta(t, 2/(1+math.Exp(-2)), float64(silu[1]), 1e-6)
}

func TestGroupNormNormalizes(t *testing.T) {
	backend := cpu.New()
	gn, err := NewGroupNorm[*cpu.Backend](2, 4)
	require.NoError(t, err)

	x, err := tensor.FromSlice([]float32{
		1, 2, 3, 4, // c0
		5, 6, 7, 8, // c1
		2, 2, 2, 2, // c2
		0, 4, 0, 4, // c3
	}, tensor.Shape{1, 4, 2, 2}, backend)
	require.NoError(t, err)

	out := gn.Forward(x)
	require.Equal(t, x.Shape(), out.Shape())

	// Each group (2 channels x 4 pixels) has mean 0 and unit variance.
	data := out.Data()
	for g := 0; g < 2; g++ {
		mean, sq := 0.0, 0.0
		for i := 0; i < 8; i++ {
			v := float64(data[g*8+i])
			mean += v
			sq += v * v
		}
		mean /= 8
		assert.InDelta(t, 0.0, mean, 1e-4)
		assert.InDelta(t, 1.0, sq/8-mean*mean, 1e-3)
	}
}

func TestGroupNormBadGroups(t *testing.T) {
	_, err := NewGroupNorm[*cpu.Backend](3, 4)
	assert.Error(t, err)
}

func TestLinearForward(t *testing.T) {
	backend := cpu.New()
	w, err := tensor.FromSlice([]float32{1, 0, 0, 1, 1, 1}, tensor.Shape{3, 2}, backend)
	require.NoError(t, err)
	bias, err := tensor.FromSlice([]float32{0, 0, 10}, tensor.Shape{3}, backend)
	require.NoError(t, err)

	layer, err := NewLinear(w, bias)
	require.NoError(t, err)

	x, err := tensor.FromSlice([]float32{2, 3}, tensor.Shape{1, 2}, backend)
	require.NoError(t, err)

	out := layer.Forward(x)
	require.Equal(t, tensor.Shape{1, 3}, out.Shape())
	assert.Equal(t, []float32{2, 3, 15}, out.Data())
}
