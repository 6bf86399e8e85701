// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package guidance

import (
	"math"

	"github.com/born-ml/diffuse/internal/tensor"
)

// GaussianBlur2D blurs the spatial dimensions of an NCHW tensor with a
// separable gaussian kernel applied as one depthwise convolution. The input
// is reflect-padded so the output keeps its shape.
func GaussianBlur2D[B tensor.Backend](img *tensor.Tensor[float32, B], kernelSize int, sigma float64) *tensor.Tensor[float32, B] {
	channels := img.Shape()[1]
	kernel := gaussianKernel2D(kernelSize, sigma, channels, img.Backend())

	padded := img.PadReflect2D(kernelSize / 2)
	return padded.Conv2D(kernel, 1, 0, channels)
}

// gaussianKernel2D builds a [C, 1, k, k] depthwise kernel as the outer
// product of a normalized 1D gaussian.
func gaussianKernel2D[B tensor.Backend](kernelSize int, sigma float64, channels int, backend B) *tensor.Tensor[float32, B] {
	half := float64(kernelSize-1) / 2

	oneD := make([]float64, kernelSize)
	sum := 0.0
	for i := range oneD {
		x := -half + float64(i)
		oneD[i] = math.Exp(-0.5 * (x / sigma) * (x / sigma))
		sum += oneD[i]
	}
	for i := range oneD {
		oneD[i] /= sum
	}

	data := make([]float32, channels*kernelSize*kernelSize)
	for y := 0; y < kernelSize; y++ {
		for x := 0; x < kernelSize; x++ {
			v := float32(oneD[y] * oneD[x])
			for c := 0; c < channels; c++ {
				data[(c*kernelSize+y)*kernelSize+x] = v
			}
		}
	}

	kernel, err := tensor.FromSlice(data, tensor.Shape{channels, 1, kernelSize, kernelSize}, backend)
	if err != nil {
		panic(err)
	}
	return kernel
}
