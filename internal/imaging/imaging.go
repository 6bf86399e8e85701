// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package imaging converts between image.Image values and the NCHW float32
// tensors the pipelines operate on.
package imaging

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"github.com/born-ml/diffuse/internal/tensor"
)

// Resize methods.
const (
	ResizeBilinear = iota
	ResizeNearestNeighbor
	ResizeCatmullrom
)

// Resize returns an image scaled to a new size.
func Resize(img image.Image, width, height, method int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))

	kernels := map[int]draw.Interpolator{
		ResizeBilinear:        draw.BiLinear,
		ResizeNearestNeighbor: draw.NearestNeighbor,
		ResizeCatmullrom:      draw.CatmullRom,
	}

	kernel, ok := kernels[method]
	if !ok {
		panic("imaging: no resizing method found")
	}

	kernel.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)
	return dst
}

// Preprocess converts an image into a [1, 3, H, W] float32 tensor normalized
// to [-1, 1], the input range of latent codecs.
func Preprocess[B tensor.Backend](img image.Image, backend B) (*tensor.Tensor[float32, B], error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("imaging: empty image")
	}

	data := make([]float32, 3*h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			idx := y*w + x
			data[0*h*w+idx] = float32(r)/32767.5 - 1
			data[1*h*w+idx] = float32(g)/32767.5 - 1
			data[2*h*w+idx] = float32(b)/32767.5 - 1
		}
	}

	return tensor.FromSlice(data, tensor.Shape{1, 3, h, w}, backend)
}

// PreprocessMask converts a grayscale mask image into a [1, 1, H, W] float32
// tensor in [0, 1]. White marks the region to repaint.
func PreprocessMask[B tensor.Backend](img image.Image, backend B) (*tensor.Tensor[float32, B], error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("imaging: empty mask")
	}

	data := make([]float32, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gray := color.GrayModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
			data[y*w+x] = float32(gray.Y) / 255
		}
	}

	return tensor.FromSlice(data, tensor.Shape{1, 1, h, w}, backend)
}

// Postprocess converts a [N, 3, H, W] tensor in [-1, 1] back into images:
// denormalize, clip to [0, 1] and quantize per batch element.
func Postprocess[B tensor.Backend](t *tensor.Tensor[float32, B]) ([]image.Image, error) {
	shape := t.Shape()
	if len(shape) != 4 || shape[1] != 3 {
		return nil, fmt.Errorf("imaging: postprocess expects [N, 3, H, W], got %v", shape)
	}
	n, h, w := shape[0], shape[2], shape[3]

	normalized := t.DivScalar(2).AddScalar(0.5).Clamp(0, 1)
	data := normalized.Data()

	images := make([]image.Image, n)
	for b := 0; b < n; b++ {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				idx := y*w + x
				base := b * 3 * h * w
				img.SetRGBA(x, y, color.RGBA{
					R: quantize(data[base+0*h*w+idx]),
					G: quantize(data[base+1*h*w+idx]),
					B: quantize(data[base+2*h*w+idx]),
					A: 255,
				})
			}
		}
		images[b] = img
	}
	return images, nil
}

func quantize(v float32) uint8 {
	scaled := v*255 + 0.5
	if scaled < 0 {
		return 0
	}
	if scaled > 255 {
		return 255
	}
	return uint8(scaled)
}
