// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pipeline

import (
	"image"

	"github.com/born-ml/diffuse/internal/tensor"
)

// ImageResult bundles the outputs of the image pipelines. Fields are
// populated according to the requested output type; Latents is always set.
type ImageResult[B tensor.Backend] struct {
	// Images holds the decoded, denormalized images.
	Images []image.Image

	// Tensor is the decoded pixel tensor [N, 3, H, W] in [-1, 1].
	Tensor *tensor.Tensor[float32, B]

	// Latents is the final latent state before decoding.
	Latents *tensor.Tensor[float32, B]

	// NSFWFlags marks images replaced by the safety checker, one entry per
	// image. Empty when no checker is configured.
	NSFWFlags []bool
}

// VideoResult bundles the outputs of the text-to-video pipeline.
type VideoResult[B tensor.Backend] struct {
	// Frames holds the decoded frame lists, one list per batch entry.
	Frames [][]image.Image

	// Tensor is the decoded video tensor [B, 3, F, H, W].
	Tensor *tensor.Tensor[float32, B]

	// Latents is the final latent state before decoding.
	Latents *tensor.Tensor[float32, B]
}

// Mesh is a triangle mesh produced by the 3D pipeline's renderer.
type Mesh struct {
	Vertices     [][3]float32
	Faces        [][3]int
	VertexColors [][3]float32
}

// ShapEResult bundles the outputs of the 3D generation pipeline.
type ShapEResult[B tensor.Backend] struct {
	// Images holds rendered views, one list per batch entry.
	Images [][]image.Image

	// Meshes holds decoded triangle meshes, one per batch entry.
	Meshes []*Mesh

	// Latents is the final prior latent state.
	Latents *tensor.Tensor[float32, B]
}
