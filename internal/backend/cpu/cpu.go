// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu implements the pure-Go reference backend.
//
// Operations are written for correctness first. Matrix multiplication and
// convolution split their row and channel loops across worker goroutines;
// everything else runs on a single core.
package cpu

import (
	"fmt"

	"github.com/born-ml/diffuse/internal/parallel"
	"github.com/born-ml/diffuse/internal/tensor"
)

// Verify that Backend implements tensor.Backend.
var _ tensor.Backend = (*Backend)(nil)

// Backend computes tensor operations on the host CPU.
type Backend struct {
	par parallel.Config
}

// New creates a new CPU backend.
func New() *Backend {
	return &Backend{par: parallel.DefaultConfig()}
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "cpu"
}

// Device returns the device type.
func (b *Backend) Device() tensor.Device {
	return tensor.CPU
}

// toFloat64 widens any numeric tensor to float64 for generic processing.
func toFloat64(t *tensor.RawTensor) []float64 {
	switch t.DType() {
	case tensor.Float32:
		src := t.AsFloat32()
		dst := make([]float64, len(src))
		for i, v := range src {
			dst[i] = float64(v)
		}
		return dst
	case tensor.Float64:
		return t.AsFloat64()
	case tensor.Int32:
		src := t.AsInt32()
		dst := make([]float64, len(src))
		for i, v := range src {
			dst[i] = float64(v)
		}
		return dst
	case tensor.Int64:
		src := t.AsInt64()
		dst := make([]float64, len(src))
		for i, v := range src {
			dst[i] = float64(v)
		}
		return dst
	case tensor.Uint8:
		src := t.AsUint8()
		dst := make([]float64, len(src))
		for i, v := range src {
			dst[i] = float64(v)
		}
		return dst
	default:
		panic(fmt.Sprintf("cpu: unsupported dtype %s", t.DType()))
	}
}

// fromFloat64 narrows float64 results back into the tensor's dtype.
func fromFloat64(src []float64, t *tensor.RawTensor) {
	switch t.DType() {
	case tensor.Float32:
		dst := t.AsFloat32()
		for i, v := range src {
			dst[i] = float32(v)
		}
	case tensor.Float64:
		copy(t.AsFloat64(), src)
	case tensor.Int32:
		dst := t.AsInt32()
		for i, v := range src {
			dst[i] = int32(v)
		}
	case tensor.Int64:
		dst := t.AsInt64()
		for i, v := range src {
			dst[i] = int64(v)
		}
	case tensor.Uint8:
		dst := t.AsUint8()
		for i, v := range src {
			dst[i] = uint8(v)
		}
	default:
		panic(fmt.Sprintf("cpu: unsupported dtype %s", t.DType()))
	}
}

// broadcastIndex maps a flat output index to the corresponding flat input
// index under NumPy broadcasting rules.
func broadcastIndex(flatIdx int, outShape, inShape tensor.Shape) int {
	outStrides := outShape.ComputeStrides()
	indices := make([]int, len(outShape))
	temp := flatIdx
	for i := 0; i < len(outShape); i++ {
		indices[i] = temp / outStrides[i]
		temp %= outStrides[i]
	}

	inStrides := inShape.ComputeStrides()
	inIdx := 0
	offset := len(outShape) - len(inShape)
	for i := 0; i < len(inShape); i++ {
		outDimIdx := indices[offset+i]
		if inShape[i] == 1 {
			outDimIdx = 0
		}
		inIdx += outDimIdx * inStrides[i]
	}
	return inIdx
}

// mustRaw allocates an output tensor, panicking on invalid shapes.
// Backend operations panic on programmer errors; validation with error
// returns happens in the pipeline layer before any compute starts.
func mustRaw(shape tensor.Shape, dtype tensor.DataType, device tensor.Device) *tensor.RawTensor {
	out, err := tensor.NewRaw(shape, dtype, device)
	if err != nil {
		panic(err)
	}
	return out
}
