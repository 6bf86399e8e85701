// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/born-ml/diffuse/internal/backend/cpu"
	"github.com/born-ml/diffuse/internal/tensor"
	"github.com/born-ml/diffuse/internal/weights"
)

func checkpointFrom(t *testing.T, tensors map[string]*tensor.Tensor[float32, *cpu.Backend]) *weights.Checkpoint {
	t.Helper()
	buf, err := weights.Save(tensors)
	require.NoError(t, err)
	c, err := weights.FromBytes(buf)
	require.NoError(t, err)
	return c
}

func TestLinearFromCheckpoint(t *testing.T) {
	backend := cpu.New()

	weight, err := tensor.FromSlice([]float32{1, 0, 0, 1, 1, 1}, tensor.Shape{3, 2}, backend)
	require.NoError(t, err)
	bias, err := tensor.FromSlice([]float32{0.5, -0.5, 0}, tensor.Shape{3}, backend)
	require.NoError(t, err)

	c := checkpointFrom(t, map[string]*tensor.Tensor[float32, *cpu.Backend]{
		"proj.weight": weight,
		"proj.bias":   bias,
	})

	layer, err := LinearFromCheckpoint(c, "proj", backend)
	require.NoError(t, err)

	x, err := tensor.FromSlice([]float32{2, 3}, tensor.Shape{1, 2}, backend)
	require.NoError(t, err)
	out := layer.Forward(x)
	require.Equal(t, []float32{2.5, 2.5, 5}, out.Data())
}

func TestLinearFromCheckpointWithoutBias(t *testing.T) {
	backend := cpu.New()

	weight, err := tensor.FromSlice([]float32{2, 0, 0, 2}, tensor.Shape{2, 2}, backend)
	require.NoError(t, err)

	c := checkpointFrom(t, map[string]*tensor.Tensor[float32, *cpu.Backend]{
		"proj.weight": weight,
	})

	layer, err := LinearFromCheckpoint(c, "proj", backend)
	require.NoError(t, err)
	require.Nil(t, layer.Bias)
}

func TestLinearFromCheckpointMissingWeight(t *testing.T) {
	backend := cpu.New()
	c := checkpointFrom(t, map[string]*tensor.Tensor[float32, *cpu.Backend]{})

	_, err := LinearFromCheckpoint(c, "proj", backend)
	require.Error(t, err)
	require.Contains(t, err.Error(), "proj")
}

func TestGroupNormFromCheckpoint(t *testing.T) {
	backend := cpu.New()

	weight := tensor.Ones[float32](tensor.Shape{4}, backend)
	bias := tensor.Zeros[float32](tensor.Shape{4}, backend)

	c := checkpointFrom(t, map[string]*tensor.Tensor[float32, *cpu.Backend]{
		"norm.weight": weight,
		"norm.bias":   bias,
	})

	layer, err := GroupNormFromCheckpoint(c, "norm", 2, backend)
	require.NoError(t, err)
	require.Equal(t, 4, layer.NumChannels)
	require.Equal(t, 2, layer.NumGroups)

	x := tensor.Randn[float32](tensor.Shape{1, 4, 2, 2}, rand.New(rand.NewSource(1)), backend)
	out := layer.Forward(x)
	require.Equal(t, tensor.Shape{1, 4, 2, 2}, out.Shape())
}

func TestGroupNormFromCheckpointEmpty(t *testing.T) {
	backend := cpu.New()
	c := checkpointFrom(t, map[string]*tensor.Tensor[float32, *cpu.Backend]{})

	_, err := GroupNormFromCheckpoint(c, "norm", 2, backend)
	require.Error(t, err)
	require.Contains(t, err.Error(), "neither weight nor bias")
}
