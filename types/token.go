package types

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer defines the interface for token counting. The shared-context
// summarizer uses it to decide when a serialized context exceeds its budget.
type Tokenizer interface {
	// CountTokens counts tokens in a text string.
	CountTokens(text string) int
}

// TiktokenTokenizer counts tokens with a tiktoken BPE encoding.
type TiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenTokenizer creates a tokenizer for the given encoding name
// (e.g. "cl100k_base").
func NewTiktokenTokenizer(encoding string) (*TiktokenTokenizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %q: %w", encoding, err)
	}
	return &TiktokenTokenizer{enc: enc}, nil
}

// CountTokens counts tokens in text.
func (t *TiktokenTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// EstimateTokenizer provides a simple character-based token estimation,
// used when the BPE dictionaries are unavailable (e.g. offline tests).
type EstimateTokenizer struct {
	charsPerToken float64
}

// NewEstimateTokenizer creates a new EstimateTokenizer.
func NewEstimateTokenizer() *EstimateTokenizer {
	return &EstimateTokenizer{charsPerToken: 4.0}
}

// CountTokens counts tokens in text.
func (t *EstimateTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	tokens := float64(len(text)) / t.charsPerToken
	if tokens < 1 {
		return 1
	}
	return int(tokens)
}
