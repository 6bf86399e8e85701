// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package prompt turns text prompts into the conditioning embeddings the
// denoising network consumes, including the guidance batch assembly for
// classifier-free guidance.
package prompt

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer converts prompt text into fixed-length token ID sequences.
type Tokenizer interface {
	// Tokenize returns exactly MaxLength token IDs, padding or truncating
	// as needed, and reports whether the input was truncated.
	Tokenize(text string) (ids []int32, truncated bool)
	MaxLength() int
}

// TikToken is a Tokenizer over the pkoukk/tiktoken-go BPE encodings.
type TikToken struct {
	encoding  *tiktoken.Tiktoken
	name      string
	maxLength int
}

// NewTikToken creates a tokenizer with the given encoding, e.g.
// "cl100k_base", producing sequences of maxLength tokens.
func NewTikToken(encodingName string, maxLength int) (*TikToken, error) {
	if maxLength < 1 {
		return nil, fmt.Errorf("prompt: max length must be >= 1, got %d", maxLength)
	}
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %q: %w", encodingName, err)
	}
	return &TikToken{
		encoding:  encoding,
		name:      encodingName,
		maxLength: maxLength,
	}, nil
}

// Tokenize encodes text and pads or truncates it to MaxLength.
func (t *TikToken) Tokenize(text string) ([]int32, bool) {
	tokens := t.encoding.Encode(text, nil, nil)

	truncated := len(tokens) > t.maxLength
	if truncated {
		tokens = tokens[:t.maxLength]
	}

	ids := make([]int32, t.maxLength)
	for i, tok := range tokens {
		ids[i] = int32(tok) //nolint:gosec // G115: token IDs fit in int32, vocab size < 2^31
	}
	return ids, truncated
}

// MaxLength is the fixed sequence length.
func (t *TikToken) MaxLength() int {
	return t.maxLength
}

// Name returns the encoding name.
func (t *TikToken) Name() string {
	return t.name
}
