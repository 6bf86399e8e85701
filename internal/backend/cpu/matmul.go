// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpu

import (
	"fmt"

	"github.com/born-ml/diffuse/internal/parallel"
	"github.com/born-ml/diffuse/internal/tensor"
)

// MatMul performs 2D matrix multiplication: (M, K) @ (K, N) -> (M, N).
func (b *Backend) MatMul(a, other *tensor.RawTensor) *tensor.RawTensor {
	aShape, oShape := a.Shape(), other.Shape()
	if len(aShape) != 2 || len(oShape) != 2 {
		panic("cpu: MatMul requires 2D tensors")
	}
	if aShape[1] != oShape[0] {
		panic(fmt.Sprintf("cpu: incompatible shapes for MatMul: %v @ %v", aShape, oShape))
	}

	m, k, n := aShape[0], aShape[1], oShape[1]
	result := mustRaw(tensor.Shape{m, n}, a.DType(), b.Device())

	aData := toFloat64(a)
	oData := toFloat64(other)
	out := make([]float64, m*n)

	b.matmul(aData, oData, out, m, k, n)
	fromFloat64(out, result)
	return result
}

// BatchMatMul performs batched matrix multiplication for 3D/4D tensors.
// For 3D: [B, M, K] @ [B, K, N] -> [B, M, N]
// For 4D: [B, H, M, K] @ [B, H, K, N] -> [B, H, M, N]
func (b *Backend) BatchMatMul(a, other *tensor.RawTensor) *tensor.RawTensor {
	aShape, oShape := a.Shape(), other.Shape()
	if len(aShape) != len(oShape) || (len(aShape) != 3 && len(aShape) != 4) {
		panic(fmt.Sprintf("cpu: BatchMatMul requires matching 3D or 4D tensors, got %v and %v", aShape, oShape))
	}

	nd := len(aShape)
	m, k, n := aShape[nd-2], aShape[nd-1], oShape[nd-1]
	if oShape[nd-2] != k {
		panic(fmt.Sprintf("cpu: incompatible shapes for BatchMatMul: %v @ %v", aShape, oShape))
	}

	batch := 1
	outShape := make(tensor.Shape, nd)
	for i := 0; i < nd-2; i++ {
		if aShape[i] != oShape[i] {
			panic(fmt.Sprintf("cpu: batch dims mismatch: %v vs %v", aShape, oShape))
		}
		batch *= aShape[i]
		outShape[i] = aShape[i]
	}
	outShape[nd-2], outShape[nd-1] = m, n

	result := mustRaw(outShape, a.DType(), b.Device())
	aData := toFloat64(a)
	oData := toFloat64(other)
	out := make([]float64, batch*m*n)

	// Batches share no output rows, so they split across workers directly.
	parallel.For(batch, b.par, func(bi int) {
		matmulRows(aData[bi*m*k:(bi+1)*m*k], oData[bi*k*n:(bi+1)*k*n], out[bi*m*n:(bi+1)*m*n], 0, m, k, n)
	})

	fromFloat64(out, result)
	return result
}

func (b *Backend) matmul(a, o, out []float64, m, k, n int) {
	parallel.For(m, b.par, func(i int) {
		matmulRows(a, o, out, i, i+1, k, n)
	})
}

func matmulRows(a, b, out []float64, rowStart, rowEnd, k, n int) {
	for i := rowStart; i < rowEnd; i++ {
		for j := 0; j < n; j++ {
			sum := 0.0
			for kk := 0; kk < k; kk++ {
				sum += a[i*k+kk] * b[kk*n+j]
			}
			out[i*n+j] = sum
		}
	}
}
