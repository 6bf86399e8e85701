// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package codec

import (
	"fmt"

	"github.com/born-ml/diffuse/internal/tensor"
)

// Verify that Pooling implements Codec.
var _ Codec[tensor.Backend] = (*Pooling[tensor.Backend])(nil)

// Pooling is a weightless reference codec: encode average-pools the image by
// the downscale factor and tiles the result across latent channels, decode
// reverses both. It preserves low-frequency image content exactly, which
// makes end-to-end loop behavior observable in tests without VAE weights.
type Pooling[B tensor.Backend] struct {
	backend        B
	latentChannels int
	downscale      int
	scaling        float64
}

// NewPooling creates a pooling codec. downscale must be a power of two.
func NewPooling[B tensor.Backend](backend B, latentChannels, downscale int) (*Pooling[B], error) {
	if latentChannels < 1 {
		return nil, fmt.Errorf("codec: latent channels must be >= 1, got %d", latentChannels)
	}
	if downscale < 1 || downscale&(downscale-1) != 0 {
		return nil, fmt.Errorf("codec: downscale factor must be a power of two, got %d", downscale)
	}
	return &Pooling[B]{
		backend:        backend,
		latentChannels: latentChannels,
		downscale:      downscale,
		scaling:        0.18215,
	}, nil
}

// Encode average-pools each image channel by the downscale factor, averages
// over image channels and tiles over latent channels. The returned
// distribution is deterministic (zero log variance would still sample noise,
// so variance is pushed far negative).
func (p *Pooling[B]) Encode(image *tensor.Tensor[float32, B]) (*DiagonalGaussian[B], error) {
	shape := image.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("codec: encode expects 4D NCHW image, got %v", shape)
	}
	n, h, w := shape[0], shape[2], shape[3]
	if h%p.downscale != 0 || w%p.downscale != 0 {
		return nil, fmt.Errorf("codec: image size %dx%d not divisible by downscale factor %d", h, w, p.downscale)
	}

	latentH, latentW := h/p.downscale, w/p.downscale

	pooled := avgPool2D(image, p.downscale)
	mono := pooled.MeanDim(1, true)
	mean := mono.Expand(tensor.Shape{n, p.latentChannels, latentH, latentW})

	logVar := tensor.Full[float32](mean.Shape(), -30, p.backend)
	return &DiagonalGaussian[B]{Mean: mean, LogVar: logVar}, nil
}

// Decode averages latent channels, upsamples by the downscale factor and
// tiles over three image channels.
func (p *Pooling[B]) Decode(latents *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	shape := latents.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("codec: decode expects 4D NCHW latents, got %v", shape)
	}
	if shape[1] != p.latentChannels {
		return nil, fmt.Errorf("codec: decode got %d latent channels, codec expects %d", shape[1], p.latentChannels)
	}
	n, h, w := shape[0], shape[2], shape[3]

	mono := latents.MeanDim(1, true)
	up := mono.Resize2D(h*p.downscale, w*p.downscale)
	return up.Expand(tensor.Shape{n, 3, h * p.downscale, w * p.downscale}), nil
}

// ScalingFactor is the latent normalization constant.
func (p *Pooling[B]) ScalingFactor() float64 {
	return p.scaling
}

// LatentChannels is the channel count of encoded latents.
func (p *Pooling[B]) LatentChannels() int {
	return p.latentChannels
}

// DownscaleFactor is the spatial ratio between image and latent space.
func (p *Pooling[B]) DownscaleFactor() int {
	return p.downscale
}

// avgPool2D average-pools the spatial dims by an integer factor using a
// uniform depthwise convolution with matching stride.
func avgPool2D[B tensor.Backend](x *tensor.Tensor[float32, B], factor int) *tensor.Tensor[float32, B] {
	c := x.Shape()[1]
	weight := float32(1) / float32(factor*factor)
	kernel := tensor.Full[float32](tensor.Shape{c, 1, factor, factor}, weight, x.Backend())
	return x.Conv2D(kernel, factor, 0, c)
}
