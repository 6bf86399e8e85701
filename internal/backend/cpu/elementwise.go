// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/diffuse/internal/tensor"
)

// Add performs element-wise addition with broadcasting.
func (b *Backend) Add(a, other *tensor.RawTensor) *tensor.RawTensor {
	return b.elementWise(a, other, func(x, y float64) float64 { return x + y })
}

// Sub performs element-wise subtraction with broadcasting.
func (b *Backend) Sub(a, other *tensor.RawTensor) *tensor.RawTensor {
	return b.elementWise(a, other, func(x, y float64) float64 { return x - y })
}

// Mul performs element-wise multiplication with broadcasting.
func (b *Backend) Mul(a, other *tensor.RawTensor) *tensor.RawTensor {
	return b.elementWise(a, other, func(x, y float64) float64 { return x * y })
}

// Div performs element-wise division with broadcasting.
func (b *Backend) Div(a, other *tensor.RawTensor) *tensor.RawTensor {
	return b.elementWise(a, other, func(x, y float64) float64 { return x / y })
}

func (b *Backend) elementWise(a, other *tensor.RawTensor, op func(float64, float64) float64) *tensor.RawTensor {
	outShape, _, err := tensor.BroadcastShapes(a.Shape(), other.Shape())
	if err != nil {
		panic(err)
	}
	result := mustRaw(outShape, a.DType(), b.Device())

	aData := toFloat64(a)
	otherData := toFloat64(other)
	resultData := make([]float64, outShape.NumElements())

	for i := range resultData {
		resultData[i] = op(aData[broadcastIndex(i, outShape, a.Shape())],
			otherData[broadcastIndex(i, outShape, other.Shape())])
	}

	fromFloat64(resultData, result)
	return result
}

// AddScalar adds a scalar to every element.
func (b *Backend) AddScalar(x *tensor.RawTensor, scalar any) *tensor.RawTensor {
	s := scalarToFloat64(scalar)
	return b.unary(x, func(v float64) float64 { return v + s })
}

// SubScalar subtracts a scalar from every element.
func (b *Backend) SubScalar(x *tensor.RawTensor, scalar any) *tensor.RawTensor {
	s := scalarToFloat64(scalar)
	return b.unary(x, func(v float64) float64 { return v - s })
}

// MulScalar multiplies every element by a scalar.
func (b *Backend) MulScalar(x *tensor.RawTensor, scalar any) *tensor.RawTensor {
	s := scalarToFloat64(scalar)
	return b.unary(x, func(v float64) float64 { return v * s })
}

// DivScalar divides every element by a scalar.
func (b *Backend) DivScalar(x *tensor.RawTensor, scalar any) *tensor.RawTensor {
	s := scalarToFloat64(scalar)
	return b.unary(x, func(v float64) float64 { return v / s })
}

// Exp computes e^x element-wise.
func (b *Backend) Exp(x *tensor.RawTensor) *tensor.RawTensor {
	return b.unary(x, math.Exp)
}

// Sqrt computes the square root element-wise.
func (b *Backend) Sqrt(x *tensor.RawTensor) *tensor.RawTensor {
	return b.unary(x, math.Sqrt)
}

// Clamp limits every element to [lo, hi].
func (b *Backend) Clamp(x *tensor.RawTensor, lo, hi float64) *tensor.RawTensor {
	return b.unary(x, func(v float64) float64 {
		return math.Min(math.Max(v, lo), hi)
	})
}

func (b *Backend) unary(x *tensor.RawTensor, op func(float64) float64) *tensor.RawTensor {
	result := mustRaw(x.Shape(), x.DType(), b.Device())
	data := toFloat64(x)
	for i, v := range data {
		data[i] = op(v)
	}
	fromFloat64(data, result)
	return result
}

// Greater returns a bool tensor marking a > other, with broadcasting.
func (b *Backend) Greater(a, other *tensor.RawTensor) *tensor.RawTensor {
	outShape, _, err := tensor.BroadcastShapes(a.Shape(), other.Shape())
	if err != nil {
		panic(err)
	}
	result := mustRaw(outShape, tensor.Bool, b.Device())

	aData := toFloat64(a)
	otherData := toFloat64(other)
	out := result.AsBool()
	for i := range out {
		out[i] = aData[broadcastIndex(i, outShape, a.Shape())] >
			otherData[broadcastIndex(i, outShape, other.Shape())]
	}
	return result
}

// Where selects from x where condition is true, else from y.
func (b *Backend) Where(condition, x, y *tensor.RawTensor) *tensor.RawTensor {
	if condition.DType() != tensor.Bool {
		panic(fmt.Sprintf("cpu: Where condition must be bool, got %s", condition.DType()))
	}
	outShape, _, err := tensor.BroadcastShapes(x.Shape(), y.Shape())
	if err != nil {
		panic(err)
	}
	outShape, _, err = tensor.BroadcastShapes(outShape, condition.Shape())
	if err != nil {
		panic(err)
	}

	result := mustRaw(outShape, x.DType(), b.Device())
	cond := condition.AsBool()
	xData := toFloat64(x)
	yData := toFloat64(y)
	resultData := make([]float64, outShape.NumElements())

	for i := range resultData {
		if cond[broadcastIndex(i, outShape, condition.Shape())] {
			resultData[i] = xData[broadcastIndex(i, outShape, x.Shape())]
		} else {
			resultData[i] = yData[broadcastIndex(i, outShape, y.Shape())]
		}
	}

	fromFloat64(resultData, result)
	return result
}

// Cast converts the tensor to a different dtype.
func (b *Backend) Cast(x *tensor.RawTensor, dtype tensor.DataType) *tensor.RawTensor {
	result := mustRaw(x.Shape(), dtype, b.Device())
	if x.DType() == tensor.Bool {
		src := x.AsBool()
		data := make([]float64, len(src))
		for i, v := range src {
			if v {
				data[i] = 1
			}
		}
		fromFloat64(data, result)
		return result
	}
	fromFloat64(toFloat64(x), result)
	return result
}

func scalarToFloat64(scalar any) float64 {
	switch s := scalar.(type) {
	case float32:
		return float64(s)
	case float64:
		return s
	case int:
		return float64(s)
	case int32:
		return float64(s)
	case int64:
		return float64(s)
	case uint8:
		return float64(s)
	default:
		panic(fmt.Sprintf("cpu: unsupported scalar type %T", scalar))
	}
}
