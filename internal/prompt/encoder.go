// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package prompt

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/born-ml/diffuse/internal/tensor"
)

// TextEncoder maps a token ID sequence to a conditioning embedding
// [1, seq, dim]. Implementations wrap the text model of a checkpoint.
type TextEncoder[B tensor.Backend] interface {
	EncodeTokens(ids []int32) (*tensor.Tensor[float32, B], error)
	EmbedDim() int
}

// Encoder assembles conditioning embeddings for the denoising loop.
type Encoder[B tensor.Backend] struct {
	tokenizer Tokenizer
	text      TextEncoder[B]
	log       *zap.Logger
}

// NewEncoder creates a prompt encoder. A nil logger is replaced with a nop
// logger.
func NewEncoder[B tensor.Backend](tokenizer Tokenizer, text TextEncoder[B], log *zap.Logger) *Encoder[B] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Encoder[B]{tokenizer: tokenizer, text: text, log: log}
}

// Encode produces the conditioning embeddings for one prompt, repeated
// numImages times along the batch dimension. When doCFG is set the result is
// the guidance-doubled batch with the negative-prompt (unconditional)
// embeddings first:
//
//	[uncond x numImages, cond x numImages]
func (e *Encoder[B]) Encode(promptText, negativeText string, numImages int, doCFG bool) (*tensor.Tensor[float32, B], error) {
	if numImages < 1 {
		return nil, fmt.Errorf("prompt: numImages must be >= 1, got %d", numImages)
	}

	cond, err := e.embed(promptText)
	if err != nil {
		return nil, err
	}

	if !doCFG {
		if negativeText != "" {
			e.log.Warn("negative prompt ignored because guidance is disabled")
		}
		return repeatBatch(cond, numImages), nil
	}

	uncond, err := e.embed(negativeText)
	if err != nil {
		return nil, fmt.Errorf("prompt: encoding negative prompt: %w", err)
	}

	return tensor.Cat([]*tensor.Tensor[float32, B]{
		repeatBatch(uncond, numImages),
		repeatBatch(cond, numImages),
	}, 0), nil
}

func (e *Encoder[B]) embed(text string) (*tensor.Tensor[float32, B], error) {
	ids, truncated := e.tokenizer.Tokenize(text)
	if truncated {
		e.log.Warn("prompt truncated to the tokenizer's maximum length",
			zap.Int("max_tokens", e.tokenizer.MaxLength()))
	}

	emb, err := e.text.EncodeTokens(ids)
	if err != nil {
		return nil, err
	}
	shape := emb.Shape()
	if len(shape) != 3 || shape[0] != 1 {
		return nil, fmt.Errorf("prompt: text encoder returned shape %v, want [1, seq, dim]", shape)
	}
	return emb, nil
}

// repeatBatch tiles a [1, seq, dim] embedding to [n, seq, dim].
func repeatBatch[B tensor.Backend](emb *tensor.Tensor[float32, B], n int) *tensor.Tensor[float32, B] {
	if n == 1 {
		return emb
	}
	shape := emb.Shape()
	return emb.Expand(tensor.Shape{n, shape[1], shape[2]})
}
