// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package pipeline is the public API for the diffusion inference pipelines.
//
//	pipe := pipeline.NewTextToImage(backend, unet, sched, codec, encoder)
//	opts := pipeline.DefaultTextToImageOptions[*cpu.Backend]()
//	opts.Prompt = "a lighthouse at dawn"
//	res, err := pipe.Generate(opts)
package pipeline

import (
	"go.uber.org/zap"

	"github.com/born-ml/diffuse/internal/codec"
	"github.com/born-ml/diffuse/internal/pipeline"
	"github.com/born-ml/diffuse/internal/prompt"
	"github.com/born-ml/diffuse/internal/scheduler"
	"github.com/born-ml/diffuse/internal/tensor"
)

// Validation sentinels. Use errors.Is to branch on them.
var (
	ErrInvalidInput   = pipeline.ErrInvalidInput
	ErrConfigMismatch = pipeline.ErrConfigMismatch
)

// NoisePredictor is the denoising network contract.
type NoisePredictor[B tensor.Backend] = pipeline.NoisePredictor[B]

// AttentionMapper reports the observed attention layer's feature map size,
// required for self-attention guidance.
type AttentionMapper = pipeline.AttentionMapper

// SafetyChecker screens decoded images.
type SafetyChecker[B tensor.Backend] = pipeline.SafetyChecker[B]

// Renderer turns generated 3D latents into views or meshes.
type Renderer[B tensor.Backend] = pipeline.Renderer[B]

// Codec is the latent codec contract.
type Codec[B tensor.Backend] = codec.Codec[B]

// PromptEncoder assembles conditioning embeddings from text prompts.
type PromptEncoder[B tensor.Backend] = prompt.Encoder[B]

// Scheduler is the noise scheduler contract.
type Scheduler = scheduler.Scheduler

// Callback observes intermediate latents during the denoising loop.
type Callback = pipeline.Callback

// OutputType selects the representation of generated results.
type OutputType = pipeline.OutputType

// Supported output types.
const (
	OutputImage  OutputType = pipeline.OutputImage
	OutputTensor OutputType = pipeline.OutputTensor
	OutputLatent OutputType = pipeline.OutputLatent
	OutputMesh   OutputType = pipeline.OutputMesh
)

// Options is the common call-parameter core.
type Options[B tensor.Backend] = pipeline.Options[B]

// DefaultOptions returns the standard generation parameters.
func DefaultOptions[B tensor.Backend]() Options[B] {
	return pipeline.DefaultOptions[B]()
}

// Option configures optional pipeline collaborators.
type Option[B tensor.Backend] = pipeline.Option[B]

// WithLogger sets the pipeline logger.
func WithLogger[B tensor.Backend](log *zap.Logger) Option[B] {
	return pipeline.WithLogger[B](log)
}

// WithSafetyChecker enables content screening of decoded images.
func WithSafetyChecker[B tensor.Backend](s SafetyChecker[B]) Option[B] {
	return pipeline.WithSafetyChecker[B](s)
}

// Results.
type (
	// ImageResult bundles the outputs of the image pipelines.
	ImageResult[B tensor.Backend] = pipeline.ImageResult[B]
	// VideoResult bundles the outputs of the text-to-video pipeline.
	VideoResult[B tensor.Backend] = pipeline.VideoResult[B]
	// ShapEResult bundles the outputs of the 3D pipeline.
	ShapEResult[B tensor.Backend] = pipeline.ShapEResult[B]
	// Mesh is a triangle mesh produced by the 3D pipeline's renderer.
	Mesh = pipeline.Mesh
)

// TextToImage generates images from text prompts.
type TextToImage[B tensor.Backend] = pipeline.TextToImage[B]

// TextToImageOptions extends Options with self-attention guidance.
type TextToImageOptions[B tensor.Backend] = pipeline.TextToImageOptions[B]

// NewTextToImage assembles a text-to-image pipeline.
func NewTextToImage[B tensor.Backend](
	backend B,
	unet NoisePredictor[B],
	sched Scheduler,
	cdc Codec[B],
	enc *PromptEncoder[B],
	opts ...Option[B],
) *TextToImage[B] {
	return pipeline.NewTextToImage(backend, unet, sched, cdc, enc, opts...)
}

// DefaultTextToImageOptions returns the standard text-to-image parameters.
func DefaultTextToImageOptions[B tensor.Backend]() TextToImageOptions[B] {
	return pipeline.DefaultTextToImageOptions[B]()
}

// ImageToImage generates images conditioned on a reference image.
type ImageToImage[B tensor.Backend] = pipeline.ImageToImage[B]

// ImageToImageOptions extends Options with the reference image and strength.
type ImageToImageOptions[B tensor.Backend] = pipeline.ImageToImageOptions[B]

// NewImageToImage assembles an image-to-image pipeline.
func NewImageToImage[B tensor.Backend](
	backend B,
	unet NoisePredictor[B],
	sched Scheduler,
	cdc Codec[B],
	enc *PromptEncoder[B],
	opts ...Option[B],
) *ImageToImage[B] {
	return pipeline.NewImageToImage(backend, unet, sched, cdc, enc, opts...)
}

// DefaultImageToImageOptions returns the standard image-to-image parameters.
func DefaultImageToImageOptions[B tensor.Backend]() ImageToImageOptions[B] {
	return pipeline.DefaultImageToImageOptions[B]()
}

// Inpaint regenerates the masked region of a reference image.
type Inpaint[B tensor.Backend] = pipeline.Inpaint[B]

// InpaintOptions extends Options with the reference image and mask.
type InpaintOptions[B tensor.Backend] = pipeline.InpaintOptions[B]

// NewInpaint assembles an inpainting pipeline.
func NewInpaint[B tensor.Backend](
	backend B,
	unet NoisePredictor[B],
	sched Scheduler,
	cdc Codec[B],
	enc *PromptEncoder[B],
	opts ...Option[B],
) *Inpaint[B] {
	return pipeline.NewInpaint(backend, unet, sched, cdc, enc, opts...)
}

// DefaultInpaintOptions returns the standard inpainting parameters.
func DefaultInpaintOptions[B tensor.Backend]() InpaintOptions[B] {
	return pipeline.DefaultInpaintOptions[B]()
}

// ControlNet generates images conditioned on a spatial hint.
type ControlNet[B tensor.Backend] = pipeline.ControlNet[B]

// ControlNetOptions extends Options with the conditioning hint.
type ControlNetOptions[B tensor.Backend] = pipeline.ControlNetOptions[B]

// NewControlNet assembles a hint-conditioned pipeline.
func NewControlNet[B tensor.Backend](
	backend B,
	unet NoisePredictor[B],
	sched Scheduler,
	cdc Codec[B],
	enc *PromptEncoder[B],
	opts ...Option[B],
) *ControlNet[B] {
	return pipeline.NewControlNet(backend, unet, sched, cdc, enc, opts...)
}

// DefaultControlNetOptions returns the standard hint-conditioned parameters.
func DefaultControlNetOptions[B tensor.Backend]() ControlNetOptions[B] {
	return pipeline.DefaultControlNetOptions[B]()
}

// TextToVideo generates short clips from text prompts.
type TextToVideo[B tensor.Backend] = pipeline.TextToVideo[B]

// TextToVideoOptions extends Options with the clip length.
type TextToVideoOptions[B tensor.Backend] = pipeline.TextToVideoOptions[B]

// NewTextToVideo assembles a text-to-video pipeline.
func NewTextToVideo[B tensor.Backend](
	backend B,
	unet NoisePredictor[B],
	sched Scheduler,
	cdc Codec[B],
	enc *PromptEncoder[B],
	opts ...Option[B],
) *TextToVideo[B] {
	return pipeline.NewTextToVideo(backend, unet, sched, cdc, enc, opts...)
}

// DefaultTextToVideoOptions returns the standard text-to-video parameters.
func DefaultTextToVideoOptions[B tensor.Backend]() TextToVideoOptions[B] {
	return pipeline.DefaultTextToVideoOptions[B]()
}

// ShapE generates 3D assets from text prompts.
type ShapE[B tensor.Backend] = pipeline.ShapE[B]

// ShapEOptions extends Options with the render resolution.
type ShapEOptions[B tensor.Backend] = pipeline.ShapEOptions[B]

// NewShapE assembles a 3D generation pipeline.
func NewShapE[B tensor.Backend](
	backend B,
	prior NoisePredictor[B],
	sched Scheduler,
	renderer Renderer[B],
	enc *PromptEncoder[B],
	numEmbeddings, embedDim int,
	opts ...Option[B],
) (*ShapE[B], error) {
	return pipeline.NewShapE(backend, prior, sched, renderer, enc, numEmbeddings, embedDim, opts...)
}

// DefaultShapEOptions returns the standard 3D generation parameters.
func DefaultShapEOptions[B tensor.Backend]() ShapEOptions[B] {
	return pipeline.DefaultShapEOptions[B]()
}
