// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package prompt turns text prompts into conditioning embeddings.
//
//	tok, err := prompt.NewTikToken("cl100k_base", 77)
//	if err != nil {
//		...
//	}
//	enc := prompt.NewEncoder(tok, textModel, logger)
package prompt

import (
	"go.uber.org/zap"

	"github.com/born-ml/diffuse/internal/prompt"
	"github.com/born-ml/diffuse/internal/tensor"
)

// Tokenizer converts text to token ids of a fixed maximum length.
type Tokenizer = prompt.Tokenizer

// TextEncoder embeds token ids into the conditioning space.
type TextEncoder[B tensor.Backend] = prompt.TextEncoder[B]

// Encoder assembles classifier-free guidance embeddings from prompts.
type Encoder[B tensor.Backend] = prompt.Encoder[B]

// NewEncoder creates a prompt encoder. log may be nil.
func NewEncoder[B tensor.Backend](tokenizer Tokenizer, text TextEncoder[B], log *zap.Logger) *Encoder[B] {
	return prompt.NewEncoder(tokenizer, text, log)
}

// TikToken is a BPE tokenizer backed by tiktoken encodings, truncating and
// padding to a fixed length.
type TikToken = prompt.TikToken

// NewTikToken creates a tokenizer for a named tiktoken encoding.
func NewTikToken(encodingName string, maxLength int) (*TikToken, error) {
	return prompt.NewTikToken(encodingName, maxLength)
}
