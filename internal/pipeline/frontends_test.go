// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pipeline

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/diffuse/internal/backend/cpu"
	"github.com/born-ml/diffuse/internal/nn"
	"github.com/born-ml/diffuse/internal/tensor"
)

func solidImage(w, h int, c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestStrengthTimesteps(t *testing.T) {
	timesteps := make([]int, 10)
	for i := range timesteps {
		timesteps[i] = 1000 - i*100
	}

	// Full strength keeps the whole schedule.
	assert.Len(t, strengthTimesteps(timesteps, 1.0), 10)

	// Partial strength keeps the tail: min(int(10*0.3), 10) = 3 steps.
	tail := strengthTimesteps(timesteps, 0.3)
	assert.Len(t, tail, 3)
	assert.Equal(t, timesteps[7:], tail)

	// Near-zero strength keeps at least nothing, never panics.
	assert.Empty(t, strengthTimesteps(timesteps, 0.01))
}

func img2imgOptions() ImageToImageOptions[*cpu.Backend] {
	opts := DefaultImageToImageOptions[*cpu.Backend]()
	opts.Prompt = "a watercolor harbor"
	opts.Steps = 4
	opts.GuidanceScale = 1.0
	opts.Generators = []*rand.Rand{rand.New(rand.NewSource(11))}
	opts.Image = solidImage(64, 64, color.RGBA{120, 140, 160, 255})
	return opts
}

func TestImageToImageFullStrength(t *testing.T) {
	rig := newRig(t, 4)
	pipe := NewImageToImage(rig.backend, rig.unet, rig.sched, rig.codec, rig.enc)

	opts := img2imgOptions()
	opts.Strength = 1.0

	res, err := pipe.Generate(opts)
	require.NoError(t, err)

	// Strength 1 leaves the full schedule in effect.
	assert.Equal(t, 4, rig.sched.steps)
	assert.Equal(t, tensor.Shape{1, 4, 8, 8}, res.Latents.Shape())
}

func TestImageToImagePartialStrength(t *testing.T) {
	rig := newRig(t, 4)
	pipe := NewImageToImage(rig.backend, rig.unet, rig.sched, rig.codec, rig.enc)

	opts := img2imgOptions()
	opts.Strength = 0.5

	_, err := pipe.Generate(opts)
	require.NoError(t, err)

	// min(int(4*0.5), 4) = 2 executed steps.
	assert.Equal(t, 2, rig.sched.steps)
	assert.Equal(t, 2, rig.unet.calls)
}

func TestImageToImageValidation(t *testing.T) {
	rig := newRig(t, 4)
	pipe := NewImageToImage(rig.backend, rig.unet, rig.sched, rig.codec, rig.enc)

	opts := img2imgOptions()
	opts.Strength = 1.5
	_, err := pipe.Generate(opts)
	require.ErrorIs(t, err, ErrInvalidInput)

	opts = img2imgOptions()
	opts.Image = nil
	_, err = pipe.Generate(opts)
	require.ErrorIs(t, err, ErrInvalidInput)

	// Image and tensor together are ambiguous.
	opts = img2imgOptions()
	opts.ImageTensor = tensor.Zeros[float32](tensor.Shape{1, 3, 64, 64}, rig.backend)
	_, err = pipe.Generate(opts)
	require.ErrorIs(t, err, ErrInvalidInput)

	assert.Zero(t, rig.unet.calls)
}

func inpaintOptions() InpaintOptions[*cpu.Backend] {
	opts := DefaultInpaintOptions[*cpu.Backend]()
	opts.Prompt = "a red door"
	opts.Steps = 2
	opts.GuidanceScale = 1.0
	opts.Generators = []*rand.Rand{rand.New(rand.NewSource(3))}
	opts.Image = solidImage(64, 64, color.RGBA{90, 90, 90, 255})
	opts.Mask = solidImage(64, 64, color.RGBA{255, 255, 255, 255})
	return opts
}

func TestInpaintChannelSum(t *testing.T) {
	// Latents (4) + mask (1) + masked image latents (4) = 9 input channels.
	rig := newRig(t, 9)
	pipe := NewInpaint(rig.backend, rig.unet, rig.sched, rig.codec, rig.enc)

	res, err := pipe.Generate(inpaintOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, rig.sched.steps)
	assert.Equal(t, tensor.Shape{1, 4, 8, 8}, res.Latents.Shape())
}

func TestInpaintChannelMismatchFailsBeforeLoop(t *testing.T) {
	rig := newRig(t, 4)
	pipe := NewInpaint(rig.backend, rig.unet, rig.sched, rig.codec, rig.enc)

	_, err := pipe.Generate(inpaintOptions())
	require.ErrorIs(t, err, ErrConfigMismatch)
	assert.Zero(t, rig.unet.calls)
	assert.Zero(t, rig.sched.steps)
}

func TestInpaintRequiresImageAndMask(t *testing.T) {
	rig := newRig(t, 9)
	pipe := NewInpaint(rig.backend, rig.unet, rig.sched, rig.codec, rig.enc)

	opts := inpaintOptions()
	opts.Mask = nil
	_, err := pipe.Generate(opts)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestControlNetHintChannels(t *testing.T) {
	// Latents (4) + hint (3) = 7 input channels.
	rig := newRig(t, 7)
	pipe := NewControlNet(rig.backend, rig.unet, rig.sched, rig.codec, rig.enc)

	opts := DefaultControlNetOptions[*cpu.Backend]()
	opts.Prompt = "a bridge at dusk"
	opts.Height, opts.Width = 64, 64
	opts.Steps = 2
	opts.GuidanceScale = 7.5
	opts.Generators = []*rand.Rand{rand.New(rand.NewSource(5))}
	opts.Hint = solidImage(32, 32, color.RGBA{255, 0, 0, 255})

	res, err := pipe.Generate(opts)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 4, 8, 8}, res.Latents.Shape())
	// Guidance doubling applies to the hint channels too.
	assert.Equal(t, []int{2, 2}, rig.unet.batches)
}

func TestControlNetRequiresHint(t *testing.T) {
	rig := newRig(t, 7)
	pipe := NewControlNet(rig.backend, rig.unet, rig.sched, rig.codec, rig.enc)

	opts := DefaultControlNetOptions[*cpu.Backend]()
	opts.Prompt = "a bridge"
	opts.Height, opts.Width = 64, 64

	_, err := pipe.Generate(opts)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestTextToVideo(t *testing.T) {
	rig := newRig(t, 4)
	pipe := NewTextToVideo(rig.backend, rig.unet, rig.sched, rig.codec, rig.enc)

	opts := DefaultTextToVideoOptions[*cpu.Backend]()
	opts.Prompt = "waves on a shore"
	opts.Height, opts.Width = 64, 64
	opts.NumFrames = 2
	opts.Steps = 2
	opts.GuidanceScale = 1.0
	opts.Generators = []*rand.Rand{rand.New(rand.NewSource(9))}
	opts.OutputType = OutputTensor

	res, err := pipe.Generate(opts)
	require.NoError(t, err)
	assert.Equal(t, 2, rig.sched.steps)
	assert.Equal(t, tensor.Shape{1, 4, 2, 8, 8}, res.Latents.Shape())
	assert.Equal(t, tensor.Shape{1, 3, 2, 64, 64}, res.Tensor.Shape())

	opts.OutputType = OutputImage
	res, err = pipe.Generate(opts)
	require.NoError(t, err)
	require.Len(t, res.Frames, 1)
	assert.Len(t, res.Frames[0], 2)
}

// fakePrior predicts over [batch, ne, 2*ed] embeddings, the split layout of
// a Shap-E style prior.
type fakePrior struct {
	backend *cpu.Backend
	ed      int
	calls   int
	batches []int
}

func (f *fakePrior) InChannels() int { return 0 }

func (f *fakePrior) Predict(
	sample *tensor.Tensor[float32, *cpu.Backend],
	timestep int,
	cond *tensor.Tensor[float32, *cpu.Backend],
	observer nn.AttentionObserver[*cpu.Backend],
) (*tensor.Tensor[float32, *cpu.Backend], error) {
	f.calls++
	shape := sample.Shape()
	f.batches = append(f.batches, shape[0])
	return tensor.Full[float32](tensor.Shape{shape[0], shape[1], 2 * f.ed}, 0.02, f.backend), nil
}

type fakeRenderer struct{ backend *cpu.Backend }

func (f fakeRenderer) RenderImages(latent *tensor.Tensor[float32, *cpu.Backend], size int) (*tensor.Tensor[float32, *cpu.Backend], error) {
	return tensor.Zeros[float32](tensor.Shape{1, 3, size, size}, f.backend), nil
}

func (f fakeRenderer) RenderMesh(latent *tensor.Tensor[float32, *cpu.Backend]) (*Mesh, error) {
	return &Mesh{
		Vertices: [][3]float32{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
		Faces:    [][3]int{{0, 1, 2}},
	}, nil
}

func TestShapE(t *testing.T) {
	rig := newRig(t, 4)
	prior := &fakePrior{backend: rig.backend, ed: 3}
	pipe, err := NewShapE[*cpu.Backend](rig.backend, prior, rig.sched, fakeRenderer{backend: rig.backend}, rig.enc, 2, 3)
	require.NoError(t, err)

	opts := DefaultShapEOptions[*cpu.Backend]()
	opts.Prompt = "a shark"
	opts.Steps = 2
	opts.Generators = []*rand.Rand{rand.New(rand.NewSource(13))}
	opts.OutputType = OutputLatent

	res, err := pipe.Generate(opts)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 2, 3}, res.Latents.Shape())
	// Default guidance scale 15 doubles the prior batch.
	assert.Equal(t, []int{2, 2}, prior.batches)

	opts.OutputType = OutputMesh
	res, err = pipe.Generate(opts)
	require.NoError(t, err)
	require.Len(t, res.Meshes, 1)
	assert.Len(t, res.Meshes[0].Faces, 1)

	opts.OutputType = OutputImage
	res, err = pipe.Generate(opts)
	require.NoError(t, err)
	require.Len(t, res.Images, 1)
	require.Len(t, res.Images[0], 1)
}
