// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpu

import (
	"fmt"

	"github.com/born-ml/diffuse/internal/tensor"
)

// Reshape returns a tensor with the same data and a different shape.
func (b *Backend) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	out, err := t.Clone().WithShape(newShape)
	if err != nil {
		panic(err)
	}
	return out
}

// Transpose permutes the tensor's dimensions. With no axes given, all
// dimensions are reversed.
func (b *Backend) Transpose(t *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	shape := t.Shape()
	nd := len(shape)

	if len(axes) == 0 {
		axes = make([]int, nd)
		for i := range axes {
			axes[i] = nd - 1 - i
		}
	}
	if len(axes) != nd {
		panic(fmt.Sprintf("cpu: Transpose needs %d axes, got %d", nd, len(axes)))
	}

	seen := make([]bool, nd)
	outShape := make(tensor.Shape, nd)
	for i, ax := range axes {
		ax = shape.Dim(ax)
		axes[i] = ax
		if seen[ax] {
			panic(fmt.Sprintf("cpu: Transpose axis %d repeated", ax))
		}
		seen[ax] = true
		outShape[i] = shape[ax]
	}

	result := mustRaw(outShape, t.DType(), b.Device())
	data := toFloat64(t)
	out := make([]float64, len(data))

	inStrides := shape.ComputeStrides()
	outStrides := outShape.ComputeStrides()
	indices := make([]int, nd)
	for i := range out {
		temp := i
		for d := 0; d < nd; d++ {
			indices[d] = temp / outStrides[d]
			temp %= outStrides[d]
		}
		inIdx := 0
		for d := 0; d < nd; d++ {
			inIdx += indices[d] * inStrides[axes[d]]
		}
		out[i] = data[inIdx]
	}

	fromFloat64(out, result)
	return result
}

// Expand broadcasts the tensor to a larger shape, materializing the result.
func (b *Backend) Expand(x *tensor.RawTensor, shape tensor.Shape) *tensor.RawTensor {
	if _, _, err := tensor.BroadcastShapes(x.Shape(), shape); err != nil {
		panic(err)
	}
	result := mustRaw(shape, x.DType(), b.Device())
	data := toFloat64(x)
	out := make([]float64, shape.NumElements())
	for i := range out {
		out[i] = data[broadcastIndex(i, shape, x.Shape())]
	}
	fromFloat64(out, result)
	return result
}

// Cat concatenates tensors along the given dimension. All inputs must agree
// on every other dimension.
func (b *Backend) Cat(tensors []*tensor.RawTensor, dim int) *tensor.RawTensor {
	if len(tensors) == 0 {
		panic("cpu: Cat requires at least one tensor")
	}
	first := tensors[0].Shape()
	dim = first.Dim(dim)

	outShape := first.Clone()
	for _, t := range tensors[1:] {
		s := t.Shape()
		if len(s) != len(first) {
			panic(fmt.Sprintf("cpu: Cat rank mismatch: %v vs %v", first, s))
		}
		for d := range s {
			if d != dim && s[d] != first[d] {
				panic(fmt.Sprintf("cpu: Cat shape mismatch at dim %d: %v vs %v", d, first, s))
			}
		}
		outShape[dim] += s[dim]
	}

	result := mustRaw(outShape, tensors[0].DType(), b.Device())
	out := make([]float64, outShape.NumElements())

	// Treat each tensor as [outer, dimSize*inner] blocks and interleave.
	outer := 1
	for d := 0; d < dim; d++ {
		outer *= first[d]
	}
	inner := 1
	for d := dim + 1; d < len(first); d++ {
		inner *= first[d]
	}

	outBlock := outShape[dim] * inner
	offset := 0
	for _, t := range tensors {
		data := toFloat64(t)
		block := t.Shape()[dim] * inner
		for o := 0; o < outer; o++ {
			copy(out[o*outBlock+offset:o*outBlock+offset+block], data[o*block:(o+1)*block])
		}
		offset += block
	}

	fromFloat64(out, result)
	return result
}

// Chunk splits a tensor into n equal parts along the given dimension.
func (b *Backend) Chunk(x *tensor.RawTensor, n, dim int) []*tensor.RawTensor {
	shape := x.Shape()
	dim = shape.Dim(dim)
	if n < 1 || shape[dim]%n != 0 {
		panic(fmt.Sprintf("cpu: cannot chunk dim %d of size %d into %d parts", dim, shape[dim], n))
	}

	partShape := shape.Clone()
	partShape[dim] = shape[dim] / n

	outer := 1
	for d := 0; d < dim; d++ {
		outer *= shape[d]
	}
	inner := 1
	for d := dim + 1; d < len(shape); d++ {
		inner *= shape[d]
	}

	data := toFloat64(x)
	inBlock := shape[dim] * inner
	partBlock := partShape[dim] * inner

	parts := make([]*tensor.RawTensor, n)
	for p := 0; p < n; p++ {
		part := mustRaw(partShape, x.DType(), b.Device())
		out := make([]float64, partShape.NumElements())
		for o := 0; o < outer; o++ {
			copy(out[o*partBlock:(o+1)*partBlock], data[o*inBlock+p*partBlock:o*inBlock+(p+1)*partBlock])
		}
		fromFloat64(out, part)
		parts[p] = part
	}
	return parts
}

// Unsqueeze inserts a dimension of size 1 at the given position.
func (b *Backend) Unsqueeze(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	shape := x.Shape()
	if dim < 0 {
		dim += len(shape) + 1
	}
	if dim < 0 || dim > len(shape) {
		panic(fmt.Sprintf("cpu: Unsqueeze dim %d out of range for shape %v", dim, shape))
	}
	newShape := make(tensor.Shape, 0, len(shape)+1)
	newShape = append(newShape, shape[:dim]...)
	newShape = append(newShape, 1)
	newShape = append(newShape, shape[dim:]...)
	return b.Reshape(x, newShape)
}

// Squeeze removes a dimension of size 1 at the given position.
func (b *Backend) Squeeze(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	shape := x.Shape()
	dim = shape.Dim(dim)
	if shape[dim] != 1 {
		panic(fmt.Sprintf("cpu: cannot squeeze dim %d of size %d", dim, shape[dim]))
	}
	newShape := make(tensor.Shape, 0, len(shape)-1)
	newShape = append(newShape, shape[:dim]...)
	newShape = append(newShape, shape[dim+1:]...)
	return b.Reshape(x, newShape)
}
