// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pipeline

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/diffuse/internal/backend/cpu"
	"github.com/born-ml/diffuse/internal/codec"
	"github.com/born-ml/diffuse/internal/nn"
	"github.com/born-ml/diffuse/internal/prompt"
	"github.com/born-ml/diffuse/internal/scheduler"
	"github.com/born-ml/diffuse/internal/tensor"
)

// fakeTokenizer maps runes to code points, fixed length 4.
type fakeTokenizer struct{}

func (fakeTokenizer) Tokenize(text string) ([]int32, bool) {
	ids := make([]int32, 4)
	for i, r := range text {
		if i >= 4 {
			return ids, true
		}
		ids[i] = int32(r)
	}
	return ids, false
}

func (fakeTokenizer) MaxLength() int { return 4 }

type fakeTextEncoder struct{ backend *cpu.Backend }

func (f fakeTextEncoder) EncodeTokens(ids []int32) (*tensor.Tensor[float32, *cpu.Backend], error) {
	data := make([]float32, len(ids)*2)
	for i, id := range ids {
		data[i*2] = float32(id)
		data[i*2+1] = 1
	}
	return tensor.FromSlice(data, tensor.Shape{1, len(ids), 2}, f.backend)
}

func (fakeTextEncoder) EmbedDim() int { return 2 }

// fakeUNet predicts a constant noise residual and records how it was called.
// With an observer present it reports synthetic attention weights whose first
// key column carries enough mass to cross the masking threshold.
type fakeUNet struct {
	backend *cpu.Backend
	inC     int
	outC    int
	heads   int
	value   float32

	calls   int
	batches []int
}

func (f *fakeUNet) InChannels() int { return f.inC }

func (f *fakeUNet) AttentionMapSize(h, w int) (int, int) { return h / 2, w / 2 }

func (f *fakeUNet) Predict(
	sample *tensor.Tensor[float32, *cpu.Backend],
	timestep int,
	cond *tensor.Tensor[float32, *cpu.Backend],
	observer nn.AttentionObserver[*cpu.Backend],
) (*tensor.Tensor[float32, *cpu.Backend], error) {
	f.calls++
	shape := sample.Shape()
	f.batches = append(f.batches, shape[0])
	if shape[1] != f.inC {
		return nil, fmt.Errorf("got %d input channels, expected %d", shape[1], f.inC)
	}
	if cond == nil {
		return nil, errors.New("missing conditioning")
	}

	if observer != nil {
		mapH, mapW := f.AttentionMapSize(shape[2], shape[3])
		hw := mapH * mapW
		data := make([]float32, shape[0]*f.heads*hw*hw)
		for i := range data {
			data[i] = 1 / float32(hw)
		}
		for q := 0; q < shape[0]*f.heads*hw; q++ {
			data[q*hw] += 0.5
		}
		weights, err := tensor.FromSlice(data, tensor.Shape{shape[0] * f.heads, hw, hw}, f.backend)
		if err != nil {
			return nil, err
		}
		observer.ObserveAttention(weights)
	}

	out := shape.Clone()
	out[1] = f.outC
	return tensor.Full[float32](out, f.value, f.backend), nil
}

// countingScheduler counts reverse-diffusion updates.
type countingScheduler struct {
	scheduler.Scheduler
	steps int
}

func (s *countingScheduler) Step(modelOutput *tensor.RawTensor, timestep int, sample *tensor.RawTensor, opts scheduler.StepOptions) (scheduler.StepResult, error) {
	s.steps++
	return s.Scheduler.Step(modelOutput, timestep, sample, opts)
}

type fakeSafety struct{ flagIndex int }

func (f fakeSafety) Check(images *tensor.Tensor[float32, *cpu.Backend]) (*tensor.Tensor[float32, *cpu.Backend], []bool, error) {
	flags := make([]bool, images.Shape()[0])
	if f.flagIndex >= 0 && f.flagIndex < len(flags) {
		flags[f.flagIndex] = true
	}
	return images, flags, nil
}

type testRig struct {
	backend *cpu.Backend
	unet    *fakeUNet
	sched   *countingScheduler
	codec   codec.Codec[*cpu.Backend]
	enc     *prompt.Encoder[*cpu.Backend]
}

func newRig(t *testing.T, inChannels int) *testRig {
	t.Helper()
	backend := cpu.New()
	ddim, err := scheduler.NewDDIM(scheduler.DefaultConfig())
	require.NoError(t, err)
	pooling, err := codec.NewPooling(backend, 4, 8)
	require.NoError(t, err)
	return &testRig{
		backend: backend,
		unet:    &fakeUNet{backend: backend, inC: inChannels, outC: 4, heads: 2, value: 0.05},
		sched:   &countingScheduler{Scheduler: ddim},
		codec:   pooling,
		enc:     prompt.NewEncoder[*cpu.Backend](fakeTokenizer{}, fakeTextEncoder{backend: backend}, nil),
	}
}

func (r *testRig) textToImage(opts ...Option[*cpu.Backend]) *TextToImage[*cpu.Backend] {
	return NewTextToImage(r.backend, r.unet, r.sched, r.codec, r.enc, opts...)
}

func t2iOptions() TextToImageOptions[*cpu.Backend] {
	opts := DefaultTextToImageOptions[*cpu.Backend]()
	opts.Prompt = "a lighthouse"
	opts.Height, opts.Width = 64, 64
	opts.Steps = 2
	opts.GuidanceScale = 1.0
	opts.Generators = []*rand.Rand{rand.New(rand.NewSource(7))}
	return opts
}

func TestTextToImageEndToEnd(t *testing.T) {
	rig := newRig(t, 4)
	pipe := rig.textToImage()

	var callbackSteps []int
	opts := t2iOptions()
	opts.Callback = func(step, timestep int, latents *tensor.RawTensor) error {
		callbackSteps = append(callbackSteps, step)
		return nil
	}

	res, err := pipe.Generate(opts)
	require.NoError(t, err)

	// Two inference steps: two scheduler updates, two callbacks, and with
	// guidance disabled the network only ever sees a single-entry batch.
	assert.Equal(t, 2, rig.sched.steps)
	assert.Equal(t, []int{0, 1}, callbackSteps)
	assert.Equal(t, []int{1, 1}, rig.unet.batches)

	require.Len(t, res.Images, 1)
	assert.Equal(t, tensor.Shape{1, 4, 8, 8}, res.Latents.Shape())
}

func TestCallbackInterval(t *testing.T) {
	rig := newRig(t, 4)
	pipe := rig.textToImage()

	var callbackSteps []int
	opts := t2iOptions()
	opts.Steps = 5
	opts.CallbackSteps = 2
	opts.Callback = func(step, timestep int, latents *tensor.RawTensor) error {
		callbackSteps = append(callbackSteps, step)
		return nil
	}

	_, err := pipe.Generate(opts)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 4}, callbackSteps)
}

func TestCallbackAborts(t *testing.T) {
	rig := newRig(t, 4)
	pipe := rig.textToImage()

	abort := errors.New("stop")
	opts := t2iOptions()
	opts.Steps = 5
	opts.Callback = func(step, timestep int, latents *tensor.RawTensor) error {
		if step == 1 {
			return abort
		}
		return nil
	}

	_, err := pipe.Generate(opts)
	require.ErrorIs(t, err, abort)
	// The loop stopped after observing step 1.
	assert.Equal(t, 2, rig.sched.steps)
}

func TestGuidanceDoublesBatch(t *testing.T) {
	rig := newRig(t, 4)
	pipe := rig.textToImage()

	opts := t2iOptions()
	opts.GuidanceScale = 7.5

	_, err := pipe.Generate(opts)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, rig.unet.batches)
}

func TestSelfAttentionGuidance(t *testing.T) {
	rig := newRig(t, 4)
	pipe := rig.textToImage()

	opts := t2iOptions()
	opts.GuidanceScale = 7.5
	opts.SAGScale = 0.75

	res, err := pipe.Generate(opts)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 4, 8, 8}, res.Latents.Shape())

	// Each step runs the doubled guidance batch plus the degraded
	// re-prediction on the unconditional branch alone.
	assert.Equal(t, []int{2, 1, 2, 1}, rig.unet.batches)
}

// attentionUNet routes a pooled self-attention call through the real
// attention layer, so the guidance path consumes whatever layout
// ScaledDotProductAttention hands the observer.
type attentionUNet struct {
	backend *cpu.Backend
	heads   int
	batches []int
}

func (a *attentionUNet) InChannels() int { return 4 }

func (a *attentionUNet) AttentionMapSize(h, w int) (int, int) { return h / 2, w / 2 }

func (a *attentionUNet) Predict(
	sample *tensor.Tensor[float32, *cpu.Backend],
	timestep int,
	cond *tensor.Tensor[float32, *cpu.Backend],
	observer nn.AttentionObserver[*cpu.Backend],
) (*tensor.Tensor[float32, *cpu.Backend], error) {
	shape := sample.Shape()
	a.batches = append(a.batches, shape[0])
	if cond == nil {
		return nil, errors.New("missing conditioning")
	}

	mapH, mapW := a.AttentionMapSize(shape[2], shape[3])
	pooled := sample.Resize2D(mapH, mapW)
	qkv := pooled.
		Reshape(shape[0], a.heads, shape[1]/a.heads, mapH*mapW).
		Transpose(0, 1, 3, 2)
	nn.ScaledDotProductAttention(qkv, qkv, qkv, nil, 0, observer)

	return tensor.Full[float32](shape.Clone(), 0.05, a.backend), nil
}

func TestSelfAttentionGuidanceWithAttentionLayer(t *testing.T) {
	backend := cpu.New()
	ddim, err := scheduler.NewDDIM(scheduler.DefaultConfig())
	require.NoError(t, err)
	pooling, err := codec.NewPooling(backend, 4, 8)
	require.NoError(t, err)

	unet := &attentionUNet{backend: backend, heads: 2}
	enc := prompt.NewEncoder[*cpu.Backend](fakeTokenizer{}, fakeTextEncoder{backend: backend}, nil)
	pipe := NewTextToImage[*cpu.Backend](backend, unet, &countingScheduler{Scheduler: ddim}, pooling, enc)

	opts := t2iOptions()
	opts.GuidanceScale = 7.5
	opts.SAGScale = 0.75

	res, err := pipe.Generate(opts)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 4, 8, 8}, res.Latents.Shape())
	assert.Equal(t, []int{2, 1, 2, 1}, unet.batches)
}

func TestSAGWithoutCFG(t *testing.T) {
	rig := newRig(t, 4)
	pipe := rig.textToImage()

	opts := t2iOptions()
	opts.SAGScale = 0.75

	_, err := pipe.Generate(opts)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 1, 1}, rig.unet.batches)
}

func TestLearnedVariancePassthrough(t *testing.T) {
	backend := cpu.New()
	cfg := scheduler.DefaultConfig()
	cfg.VarianceType = scheduler.VarianceLearnedRange
	ddpm, err := scheduler.NewDDPM(cfg)
	require.NoError(t, err)
	pooling, err := codec.NewPooling(backend, 4, 8)
	require.NoError(t, err)

	unet := &fakeUNet{backend: backend, inC: 4, outC: 8, heads: 2, value: 0.05}
	enc := prompt.NewEncoder[*cpu.Backend](fakeTokenizer{}, fakeTextEncoder{backend: backend}, nil)
	pipe := NewTextToImage[*cpu.Backend](backend, unet, &countingScheduler{Scheduler: ddpm}, pooling, enc)

	opts := t2iOptions()
	res, err := pipe.Generate(opts)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 4, 8, 8}, res.Latents.Shape())
}

func TestVarianceDiscardedForFixedSchedulers(t *testing.T) {
	// A learned-variance network paired with a fixed-variance scheduler:
	// the variance half is dropped before the step.
	rig := newRig(t, 4)
	rig.unet.outC = 8
	pipe := rig.textToImage()

	res, err := pipe.Generate(t2iOptions())
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 4, 8, 8}, res.Latents.Shape())
}

func TestBadPredictionChannels(t *testing.T) {
	rig := newRig(t, 4)
	rig.unet.outC = 6
	pipe := rig.textToImage()

	_, err := pipe.Generate(t2iOptions())
	require.ErrorIs(t, err, ErrConfigMismatch)
}

func TestInvalidDimensions(t *testing.T) {
	rig := newRig(t, 4)
	pipe := rig.textToImage()

	opts := t2iOptions()
	opts.Height = 100

	_, err := pipe.Generate(opts)
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Zero(t, rig.unet.calls)
}

func TestPromptEmbedsExclusive(t *testing.T) {
	rig := newRig(t, 4)
	pipe := rig.textToImage()

	embeds, err := tensor.FromSlice(make([]float32, 8), tensor.Shape{1, 4, 2}, rig.backend)
	require.NoError(t, err)

	opts := t2iOptions()
	opts.PromptEmbeds = embeds
	_, err = pipe.Generate(opts)
	require.ErrorIs(t, err, ErrInvalidInput)

	opts = t2iOptions()
	opts.Prompt = ""
	_, err = pipe.Generate(opts)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestPromptEmbedsNeedNegativeUnderGuidance(t *testing.T) {
	rig := newRig(t, 4)
	pipe := rig.textToImage()

	embeds, err := tensor.FromSlice(make([]float32, 8), tensor.Shape{1, 4, 2}, rig.backend)
	require.NoError(t, err)

	opts := t2iOptions()
	opts.Prompt = ""
	opts.PromptEmbeds = embeds
	opts.GuidanceScale = 7.5

	_, err = pipe.Generate(opts)
	require.ErrorIs(t, err, ErrInvalidInput)

	opts.NegativePromptEmbeds = embeds
	_, err = pipe.Generate(opts)
	require.NoError(t, err)
}

func TestGeneratorCountMismatch(t *testing.T) {
	rig := newRig(t, 4)
	pipe := rig.textToImage()

	opts := t2iOptions()
	opts.Generators = []*rand.Rand{
		rand.New(rand.NewSource(1)),
		rand.New(rand.NewSource(2)),
	}

	_, err := pipe.Generate(opts)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestProvidedLatentsShapeChecked(t *testing.T) {
	rig := newRig(t, 4)
	pipe := rig.textToImage()

	bad := tensor.Zeros[float32](tensor.Shape{1, 4, 4, 4}, rig.backend)
	opts := t2iOptions()
	opts.Latents = bad

	_, err := pipe.Generate(opts)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestDeterministicWithSeed(t *testing.T) {
	run := func() []float32 {
		rig := newRig(t, 4)
		pipe := rig.textToImage()
		opts := t2iOptions()
		opts.OutputType = OutputLatent
		res, err := pipe.Generate(opts)
		require.NoError(t, err)
		return res.Latents.Data()
	}
	assert.Equal(t, run(), run())
}

func TestSafetyCheckerFlags(t *testing.T) {
	rig := newRig(t, 4)
	pipe := rig.textToImage(WithSafetyChecker[*cpu.Backend](fakeSafety{flagIndex: 0}))

	res, err := pipe.Generate(t2iOptions())
	require.NoError(t, err)
	require.Len(t, res.NSFWFlags, 1)
	assert.True(t, res.NSFWFlags[0])
}

func TestOutputTypes(t *testing.T) {
	rig := newRig(t, 4)
	pipe := rig.textToImage()

	opts := t2iOptions()
	opts.OutputType = OutputTensor
	res, err := pipe.Generate(opts)
	require.NoError(t, err)
	require.NotNil(t, res.Tensor)
	assert.Equal(t, tensor.Shape{1, 3, 64, 64}, res.Tensor.Shape())

	opts.OutputType = OutputLatent
	res, err = pipe.Generate(opts)
	require.NoError(t, err)
	assert.Nil(t, res.Images)
	assert.NotNil(t, res.Latents)

	opts.OutputType = OutputType("mp3")
	_, err = pipe.Generate(opts)
	require.ErrorIs(t, err, ErrConfigMismatch)
}
