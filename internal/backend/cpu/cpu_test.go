// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/diffuse/internal/tensor"
)

func fromSlice(t *testing.T, data []float32, shape tensor.Shape) *tensor.Tensor[float32, *Backend] {
	t.Helper()
	out, err := tensor.FromSlice(data, shape, New())
	require.NoError(t, err)
	return out
}

func TestAddBroadcast(t *testing.T) {
	a := fromSlice(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	b := fromSlice(t, []float32{10, 20, 30}, tensor.Shape{3})

	got := a.Add(b)
	assert.Equal(t, tensor.Shape{2, 3}, got.Shape())
	assert.Equal(t, []float32{11, 22, 33, 14, 25, 36}, got.Data())
}

func TestScalarOps(t *testing.T) {
	a := fromSlice(t, []float32{1, 2, 3, 4}, tensor.Shape{4})

	assert.Equal(t, []float32{3, 4, 5, 6}, a.AddScalar(2).Data())
	assert.Equal(t, []float32{2, 4, 6, 8}, a.MulScalar(2).Data())
	assert.Equal(t, []float32{0.5, 1, 1.5, 2}, a.DivScalar(2).Data())
}

func TestClamp(t *testing.T) {
	a := fromSlice(t, []float32{-2, -0.5, 0.5, 2}, tensor.Shape{4})
	got := a.Clamp(-1, 1)
	assert.Equal(t, []float32{-1, -0.5, 0.5, 1}, got.Data())
}

func TestMatMul(t *testing.T) {
	a := fromSlice(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	b := fromSlice(t, []float32{7, 8, 9, 10, 11, 12}, tensor.Shape{3, 2})

	got := a.MatMul(b)
	assert.Equal(t, tensor.Shape{2, 2}, got.Shape())
	assert.Equal(t, []float32{58, 64, 139, 154}, got.Data())
}

func TestBatchMatMul3D(t *testing.T) {
	// Two identical (2,2) @ (2,2) products stacked on the batch dim.
	a := fromSlice(t, []float32{1, 2, 3, 4, 1, 2, 3, 4}, tensor.Shape{2, 2, 2})
	b := fromSlice(t, []float32{5, 6, 7, 8, 5, 6, 7, 8}, tensor.Shape{2, 2, 2})

	got := a.BatchMatMul(b)
	assert.Equal(t, tensor.Shape{2, 2, 2}, got.Shape())
	assert.Equal(t, []float32{19, 22, 43, 50, 19, 22, 43, 50}, got.Data())
}

func TestBatchMatMul4D(t *testing.T) {
	a := fromSlice(t, []float32{1, 2, 3, 4}, tensor.Shape{1, 1, 2, 2})
	b := fromSlice(t, []float32{1, 0, 0, 1}, tensor.Shape{1, 1, 2, 2})

	got := a.BatchMatMul(b)
	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, got.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4}, got.Data())
}

func TestConv2DIdentity(t *testing.T) {
	input := fromSlice(t, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, tensor.Shape{1, 1, 3, 3})
	kernel := fromSlice(t, []float32{1}, tensor.Shape{1, 1, 1, 1})

	got := input.Conv2D(kernel, 1, 0, 1)
	assert.Equal(t, input.Shape(), got.Shape())
	assert.Equal(t, input.Data(), got.Data())
}

func TestConv2DDepthwise(t *testing.T) {
	// Two channels, each convolved with its own 1x1 kernel.
	input := fromSlice(t, []float32{1, 2, 3, 4, 10, 20, 30, 40}, tensor.Shape{1, 2, 2, 2})
	kernel := fromSlice(t, []float32{2, 3}, tensor.Shape{2, 1, 1, 1})

	got := input.Conv2D(kernel, 1, 0, 2)
	assert.Equal(t, tensor.Shape{1, 2, 2, 2}, got.Shape())
	assert.Equal(t, []float32{2, 4, 6, 8, 30, 60, 90, 120}, got.Data())
}

func TestConv2DBoxBlurSum(t *testing.T) {
	input := fromSlice(t, []float32{1, 1, 1, 1, 1, 1, 1, 1, 1}, tensor.Shape{1, 1, 3, 3})
	kernel := fromSlice(t, []float32{1, 1, 1, 1, 1, 1, 1, 1, 1}, tensor.Shape{1, 1, 3, 3})

	got := input.Conv2D(kernel, 1, 0, 1)
	assert.Equal(t, tensor.Shape{1, 1, 1, 1}, got.Shape())
	assert.InDelta(t, 9.0, float64(got.Data()[0]), 1e-6)
}

func TestPadReflect2D(t *testing.T) {
	input := fromSlice(t, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, tensor.Shape{1, 1, 3, 3})

	got := input.PadReflect2D(1)
	require.Equal(t, tensor.Shape{1, 1, 5, 5}, got.Shape())

	want := []float32{
		5, 4, 5, 6, 5,
		2, 1, 2, 3, 2,
		5, 4, 5, 6, 5,
		8, 7, 8, 9, 8,
		5, 4, 5, 6, 5,
	}
	assert.Equal(t, want, got.Data())
}

func TestResize2DNearest(t *testing.T) {
	input := fromSlice(t, []float32{1, 2, 3, 4}, tensor.Shape{1, 1, 2, 2})

	got := input.Resize2D(4, 4)
	require.Equal(t, tensor.Shape{1, 1, 4, 4}, got.Shape())

	want := []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}
	assert.Equal(t, want, got.Data())
}

func TestSoftmax(t *testing.T) {
	input := fromSlice(t, []float32{1, 2, 3, 1, 2, 3}, tensor.Shape{2, 3})

	got := input.Softmax(-1)
	data := got.Data()

	for row := 0; row < 2; row++ {
		sum := float64(0)
		for i := 0; i < 3; i++ {
			sum += float64(data[row*3+i])
		}
		assert.InDelta(t, 1.0, sum, 1e-6)
	}
	// Monotone in the input.
	assert.Less(t, data[0], data[1])
	assert.Less(t, data[1], data[2])
}

func TestSoftmaxLargeValuesStable(t *testing.T) {
	input := fromSlice(t, []float32{1000, 1001, 1002}, tensor.Shape{3})
	got := input.Softmax(0)
	sum := float64(0)
	for _, v := range got.Data() {
		sum += float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestGreater(t *testing.T) {
	a := fromSlice(t, []float32{1, 5, 3}, tensor.Shape{3})
	b := fromSlice(t, []float32{2, 2, 3}, tensor.Shape{3})

	got := a.Greater(b)
	assert.Equal(t, tensor.Bool, got.DType())
	assert.Equal(t, []bool{false, true, false}, got.Data())
}

func TestWhere(t *testing.T) {
	backend := New()
	cond, err := tensor.FromSlice([]bool{true, false, true}, tensor.Shape{3}, backend)
	require.NoError(t, err)
	x := fromSlice(t, []float32{1, 1, 1}, tensor.Shape{3})
	y := fromSlice(t, []float32{0, 0, 0}, tensor.Shape{3})

	got := tensor.Where(cond, x, y)
	assert.Equal(t, []float32{1, 0, 1}, got.Data())
}

func TestCatChunkRoundTrip(t *testing.T) {
	uncond := fromSlice(t, []float32{1, 2, 3, 4}, tensor.Shape{1, 4})
	cond := fromSlice(t, []float32{5, 6, 7, 8}, tensor.Shape{1, 4})

	batch := tensor.Cat([]*tensor.Tensor[float32, *Backend]{uncond, cond}, 0)
	require.Equal(t, tensor.Shape{2, 4}, batch.Shape())

	parts := batch.Chunk(2, 0)
	require.Len(t, parts, 2)
	assert.Equal(t, uncond.Data(), parts[0].Data())
	assert.Equal(t, cond.Data(), parts[1].Data())
}

func TestCatInnerDim(t *testing.T) {
	a := fromSlice(t, []float32{1, 2, 3, 4}, tensor.Shape{2, 2})
	b := fromSlice(t, []float32{5, 6}, tensor.Shape{2, 1})

	got := tensor.Cat([]*tensor.Tensor[float32, *Backend]{a, b}, 1)
	require.Equal(t, tensor.Shape{2, 3}, got.Shape())
	assert.Equal(t, []float32{1, 2, 5, 3, 4, 6}, got.Data())
}

func TestTranspose2D(t *testing.T) {
	a := fromSlice(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})

	got := a.Transpose()
	require.Equal(t, tensor.Shape{3, 2}, got.Shape())
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, got.Data())
}

func TestTransposeAxes(t *testing.T) {
	a := fromSlice(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, tensor.Shape{2, 2, 2})

	got := a.Transpose(0, 2, 1)
	require.Equal(t, tensor.Shape{2, 2, 2}, got.Shape())
	assert.Equal(t, []float32{1, 3, 2, 4, 5, 7, 6, 8}, got.Data())
}

func TestReduceDims(t *testing.T) {
	a := fromSlice(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})

	sum := a.SumDim(1, false)
	require.Equal(t, tensor.Shape{2}, sum.Shape())
	assert.Equal(t, []float32{6, 15}, sum.Data())

	mean := a.MeanDim(1, true)
	require.Equal(t, tensor.Shape{2, 1}, mean.Shape())
	assert.Equal(t, []float32{2, 5}, mean.Data())

	sum0 := a.SumDim(0, false)
	require.Equal(t, tensor.Shape{3}, sum0.Shape())
	assert.Equal(t, []float32{5, 7, 9}, sum0.Data())
}

func TestUnsqueezeSqueeze(t *testing.T) {
	a := fromSlice(t, []float32{1, 2, 3, 4}, tensor.Shape{2, 2})

	up := a.Unsqueeze(0)
	require.Equal(t, tensor.Shape{1, 2, 2}, up.Shape())

	down := up.Squeeze(0)
	assert.Equal(t, tensor.Shape{2, 2}, down.Shape())
	assert.Equal(t, a.Data(), down.Data())
}

func TestExpand(t *testing.T) {
	a := fromSlice(t, []float32{1, 2}, tensor.Shape{1, 2})

	got := a.Expand(tensor.Shape{3, 2})
	require.Equal(t, tensor.Shape{3, 2}, got.Shape())
	assert.Equal(t, []float32{1, 2, 1, 2, 1, 2}, got.Data())
}

func TestCastBool(t *testing.T) {
	a := fromSlice(t, []float32{0.2, 0.7}, tensor.Shape{2})
	half := fromSlice(t, []float32{0.5, 0.5}, tensor.Shape{2})

	mask := a.Greater(half)
	back := mask.Float32()
	assert.Equal(t, []float32{0, 1}, back.Data())
}
