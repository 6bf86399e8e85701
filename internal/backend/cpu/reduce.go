// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpu

import (
	"math"

	"github.com/born-ml/diffuse/internal/tensor"
)

// SumDim sums along a dimension.
func (b *Backend) SumDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	return b.reduce(x, dim, keepDim, false)
}

// MeanDim averages along a dimension.
func (b *Backend) MeanDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	return b.reduce(x, dim, keepDim, true)
}

func (b *Backend) reduce(x *tensor.RawTensor, dim int, keepDim, mean bool) *tensor.RawTensor {
	shape := x.Shape()
	dim = shape.Dim(dim)

	outer := 1
	for d := 0; d < dim; d++ {
		outer *= shape[d]
	}
	size := shape[dim]
	inner := 1
	for d := dim + 1; d < len(shape); d++ {
		inner *= shape[d]
	}

	var outShape tensor.Shape
	if keepDim {
		outShape = shape.Clone()
		outShape[dim] = 1
	} else {
		outShape = make(tensor.Shape, 0, len(shape)-1)
		outShape = append(outShape, shape[:dim]...)
		outShape = append(outShape, shape[dim+1:]...)
		if len(outShape) == 0 {
			outShape = tensor.Shape{1}
		}
	}

	result := mustRaw(outShape, x.DType(), b.Device())
	data := toFloat64(x)
	out := make([]float64, outer*inner)

	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			sum := 0.0
			for s := 0; s < size; s++ {
				sum += data[(o*size+s)*inner+in]
			}
			if mean {
				sum /= float64(size)
			}
			out[o*inner+in] = sum
		}
	}

	fromFloat64(out, result)
	return result
}

// Softmax computes softmax along a dimension, with the usual max
// subtraction for numerical stability.
func (b *Backend) Softmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	shape := x.Shape()
	dim = shape.Dim(dim)

	outer := 1
	for d := 0; d < dim; d++ {
		outer *= shape[d]
	}
	size := shape[dim]
	inner := 1
	for d := dim + 1; d < len(shape); d++ {
		inner *= shape[d]
	}

	result := mustRaw(shape, x.DType(), b.Device())
	data := toFloat64(x)
	out := make([]float64, len(data))

	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			maxVal := math.Inf(-1)
			for s := 0; s < size; s++ {
				if v := data[(o*size+s)*inner+in]; v > maxVal {
					maxVal = v
				}
			}
			sum := 0.0
			for s := 0; s < size; s++ {
				e := math.Exp(data[(o*size+s)*inner+in] - maxVal)
				out[(o*size+s)*inner+in] = e
				sum += e
			}
			for s := 0; s < size; s++ {
				out[(o*size+s)*inner+in] /= sum
			}
		}
	}

	fromFloat64(out, result)
	return result
}
