// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package codec

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/diffuse/internal/backend/cpu"
	"github.com/born-ml/diffuse/internal/tensor"
)

func TestPoolingRoundTrip(t *testing.T) {
	backend := cpu.New()
	c, err := NewPooling(backend, 4, 8)
	require.NoError(t, err)

	// Constant image survives encode/decode exactly.
	img := tensor.Full[float32](tensor.Shape{1, 3, 64, 64}, 0.25, backend)
	dist, err := c.Encode(img)
	require.NoError(t, err)

	latents := dist.Mode()
	assert.Equal(t, tensor.Shape{1, 4, 8, 8}, latents.Shape())
	for _, v := range latents.Data() {
		assert.InDelta(t, 0.25, float64(v), 1e-5)
	}

	decoded, err := c.Decode(latents)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 3, 64, 64}, decoded.Shape())
	for _, v := range decoded.Data() {
		assert.InDelta(t, 0.25, float64(v), 1e-5)
	}
}

func TestPoolingEncodeValidation(t *testing.T) {
	backend := cpu.New()
	c, err := NewPooling(backend, 4, 8)
	require.NoError(t, err)

	// Not divisible by the downscale factor.
	img := tensor.Full[float32](tensor.Shape{1, 3, 60, 64}, 0.5, backend)
	_, err = c.Encode(img)
	assert.Error(t, err)

	// Wrong rank.
	flat := tensor.Full[float32](tensor.Shape{3, 64, 64}, 0.5, backend)
	_, err = c.Encode(flat)
	assert.Error(t, err)
}

func TestPoolingDecodeChannelMismatch(t *testing.T) {
	backend := cpu.New()
	c, err := NewPooling(backend, 4, 8)
	require.NoError(t, err)

	latents := tensor.Zeros[float32](tensor.Shape{1, 5, 8, 8}, backend)
	_, err = c.Decode(latents)
	assert.Error(t, err)
}

func TestNewPoolingValidation(t *testing.T) {
	backend := cpu.New()
	_, err := NewPooling(backend, 0, 8)
	assert.Error(t, err)
	_, err = NewPooling(backend, 4, 6)
	assert.Error(t, err)
}

func TestDiagonalGaussianSampleDeterministic(t *testing.T) {
	backend := cpu.New()
	mean := tensor.Full[float32](tensor.Shape{1, 2, 2, 2}, 1.5, backend)
	logVar := tensor.Zeros[float32](tensor.Shape{1, 2, 2, 2}, backend)
	dist := &DiagonalGaussian[*cpu.Backend]{Mean: mean, LogVar: logVar}

	a := dist.Sample(rand.New(rand.NewSource(3)))
	b := dist.Sample(rand.New(rand.NewSource(3)))
	assert.Equal(t, a.Data(), b.Data())

	// Different seeds diverge.
	c := dist.Sample(rand.New(rand.NewSource(4)))
	assert.NotEqual(t, a.Data(), c.Data())
}

func TestDiagonalGaussianNearDeterministicEncode(t *testing.T) {
	backend := cpu.New()
	c, err := NewPooling(backend, 4, 8)
	require.NoError(t, err)

	img := tensor.Full[float32](tensor.Shape{1, 3, 16, 16}, -0.5, backend)
	dist, err := c.Encode(img)
	require.NoError(t, err)

	// Variance is pushed far negative, so samples collapse onto the mean.
	sampled := dist.Sample(rand.New(rand.NewSource(1)))
	for i, v := range sampled.Data() {
		assert.InDelta(t, float64(dist.Mean.Data()[i]), float64(v), 1e-4)
	}
}

func TestScalingFactor(t *testing.T) {
	backend := cpu.New()
	c, err := NewPooling(backend, 4, 8)
	require.NoError(t, err)
	assert.InDelta(t, 0.18215, c.ScalingFactor(), 1e-9)
	assert.Equal(t, 4, c.LatentChannels())
	assert.Equal(t, 8, c.DownscaleFactor())
}
