// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpu

import (
	"fmt"

	"github.com/born-ml/diffuse/internal/parallel"
	"github.com/born-ml/diffuse/internal/tensor"
)

// Conv2D applies a 2D convolution.
// input is [N, Cin, H, W], kernel is [Cout, Cin/groups, KH, KW].
// groups == Cin with Cout == Cin gives a depthwise convolution.
func (b *Backend) Conv2D(input, kernel *tensor.RawTensor, stride, padding, groups int) *tensor.RawTensor {
	inShape, kShape := input.Shape(), kernel.Shape()
	if len(inShape) != 4 || len(kShape) != 4 {
		panic(fmt.Sprintf("cpu: Conv2D requires 4D input and kernel, got %v and %v", inShape, kShape))
	}
	if stride < 1 {
		panic("cpu: Conv2D stride must be >= 1")
	}

	n, cin, h, w := inShape[0], inShape[1], inShape[2], inShape[3]
	cout, kcin, kh, kw := kShape[0], kShape[1], kShape[2], kShape[3]
	if groups < 1 || cin%groups != 0 || cout%groups != 0 {
		panic(fmt.Sprintf("cpu: Conv2D groups %d incompatible with Cin=%d Cout=%d", groups, cin, cout))
	}
	if kcin != cin/groups {
		panic(fmt.Sprintf("cpu: Conv2D kernel channels %d, want Cin/groups = %d", kcin, cin/groups))
	}

	outH := (h+2*padding-kh)/stride + 1
	outW := (w+2*padding-kw)/stride + 1
	result := mustRaw(tensor.Shape{n, cout, outH, outW}, input.DType(), b.Device())

	inData := toFloat64(input)
	kData := toFloat64(kernel)
	out := make([]float64, n*cout*outH*outW)

	cinPerGroup := cin / groups
	coutPerGroup := cout / groups

	// Each (image, output channel) pair writes a disjoint plane.
	parallel.For2D(n, cout, b.par, func(ni, co int) {
		g := co / coutPerGroup
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				sum := 0.0
				for ci := 0; ci < cinPerGroup; ci++ {
					inC := g*cinPerGroup + ci
					for ky := 0; ky < kh; ky++ {
						iy := oy*stride + ky - padding
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < kw; kx++ {
							ix := ox*stride + kx - padding
							if ix < 0 || ix >= w {
								continue
							}
							inIdx := ((ni*cin+inC)*h+iy)*w + ix
							kIdx := ((co*cinPerGroup+ci)*kh+ky)*kw + kx
							sum += inData[inIdx] * kData[kIdx]
						}
					}
				}
				out[((ni*cout+co)*outH+oy)*outW+ox] = sum
			}
		}
	})

	fromFloat64(out, result)
	return result
}

// PadReflect2D pads the last two dimensions with reflected border values.
// Requires the padded dims to be larger than pad.
func (b *Backend) PadReflect2D(x *tensor.RawTensor, pad int) *tensor.RawTensor {
	shape := x.Shape()
	if len(shape) < 2 {
		panic(fmt.Sprintf("cpu: PadReflect2D requires at least 2 dims, got %v", shape))
	}
	h, w := shape[len(shape)-2], shape[len(shape)-1]
	if pad >= h || pad >= w {
		panic(fmt.Sprintf("cpu: reflect pad %d too large for dims %dx%d", pad, h, w))
	}

	outer := 1
	for _, d := range shape[:len(shape)-2] {
		outer *= d
	}

	outShape := shape.Clone()
	outH, outW := h+2*pad, w+2*pad
	outShape[len(outShape)-2], outShape[len(outShape)-1] = outH, outW
	result := mustRaw(outShape, x.DType(), b.Device())

	data := toFloat64(x)
	out := make([]float64, outer*outH*outW)

	for o := 0; o < outer; o++ {
		for oy := 0; oy < outH; oy++ {
			iy := reflectIndex(oy-pad, h)
			for ox := 0; ox < outW; ox++ {
				ix := reflectIndex(ox-pad, w)
				out[(o*outH+oy)*outW+ox] = data[(o*h+iy)*w+ix]
			}
		}
	}

	fromFloat64(out, result)
	return result
}

// reflectIndex mirrors an out-of-range index back into [0, n) without
// repeating the border element.
func reflectIndex(i, n int) int {
	if i < 0 {
		return -i
	}
	if i >= n {
		return 2*n - 2 - i
	}
	return i
}

// Resize2D resizes the last two dimensions with nearest-neighbor sampling.
func (b *Backend) Resize2D(x *tensor.RawTensor, outH, outW int) *tensor.RawTensor {
	shape := x.Shape()
	if len(shape) < 2 {
		panic(fmt.Sprintf("cpu: Resize2D requires at least 2 dims, got %v", shape))
	}
	h, w := shape[len(shape)-2], shape[len(shape)-1]

	outer := 1
	for _, d := range shape[:len(shape)-2] {
		outer *= d
	}

	outShape := shape.Clone()
	outShape[len(outShape)-2], outShape[len(outShape)-1] = outH, outW
	result := mustRaw(outShape, x.DType(), b.Device())

	data := toFloat64(x)
	out := make([]float64, outer*outH*outW)

	for o := 0; o < outer; o++ {
		for oy := 0; oy < outH; oy++ {
			iy := oy * h / outH
			for ox := 0; ox < outW; ox++ {
				ix := ox * w / outW
				out[(o*outH+oy)*outW+ox] = data[(o*h+iy)*w+ix]
			}
		}
	}

	fromFloat64(out, result)
	return result
}
