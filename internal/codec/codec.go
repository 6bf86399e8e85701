// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package codec defines the latent codec contract: the encoder/decoder pair
// that maps between pixel space and the latent space the denoising loop
// operates in.
package codec

import (
	"math/rand"

	"github.com/born-ml/diffuse/internal/tensor"
)

// Codec maps images to latent distributions and latents back to images.
//
// Images are NCHW float32 in [-1, 1]; latents are NCHW with LatentChannels
// channels at 1/DownscaleFactor of the image resolution. Latents handed to
// the denoising loop are multiplied by ScalingFactor after encoding and
// divided by it before decoding.
type Codec[B tensor.Backend] interface {
	Encode(image *tensor.Tensor[float32, B]) (*DiagonalGaussian[B], error)
	Decode(latents *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error)
	ScalingFactor() float64
	LatentChannels() int
	DownscaleFactor() int
}

// DiagonalGaussian is the posterior returned by a codec's encoder: a
// per-element gaussian with diagonal covariance.
type DiagonalGaussian[B tensor.Backend] struct {
	Mean   *tensor.Tensor[float32, B]
	LogVar *tensor.Tensor[float32, B]
}

// Sample draws from the distribution using the caller's generator.
func (d *DiagonalGaussian[B]) Sample(g *rand.Rand) *tensor.Tensor[float32, B] {
	std := d.LogVar.MulScalar(0.5).Exp()
	noise := tensor.Randn[float32](d.Mean.Shape(), g, d.Mean.Backend())
	return d.Mean.Add(std.Mul(noise))
}

// Mode returns the distribution mode, the mean.
func (d *DiagonalGaussian[B]) Mode() *tensor.Tensor[float32, B] {
	return d.Mean
}
