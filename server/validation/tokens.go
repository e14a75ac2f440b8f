package validation

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer defines the interface for token counting
type Tokenizer interface {
	CountTokens(text string) int
}

// tiktokenWrapper wraps tiktoken to implement our Tokenizer interface
type tiktokenWrapper struct {
	*tiktoken.Tiktoken
}

func (t *tiktokenWrapper) CountTokens(text string) int {
	return len(t.Encode(text, nil, nil))
}

// approxTokenizer estimates four bytes of UTF-8 per token. It is used when
// no BPE ranks can be loaded.
type approxTokenizer struct{}

func (approxTokenizer) CountTokens(text string) int {
	return (len(text) + 3) / 4
}

// TokenCounter handles token counting for messages
type TokenCounter struct {
	encoding Tokenizer
}

// NewTokenCounter creates a token counter for the specified model. Models
// tiktoken does not know use the cl100k_base encoding.
func NewTokenCounter(model string) (*TokenCounter, error) {
	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding for model %s: %w", model, err)
		}
	}
	return &TokenCounter{encoding: &tiktokenWrapper{encoding}}, nil
}

// NewTokenCounterWith creates a counter on top of an existing tokenizer.
func NewTokenCounterWith(t Tokenizer) *TokenCounter {
	return &TokenCounter{encoding: t}
}

// ApproximateTokenCounter returns a counter that needs no encoding files.
func ApproximateTokenCounter() *TokenCounter {
	return &TokenCounter{encoding: approxTokenizer{}}
}

// Count returns the total number of tokens in texts.
func (tc *TokenCounter) Count(texts ...string) int {
	total := 0
	for _, text := range texts {
		total += tc.encoding.CountTokens(text)
	}
	return total
}

// Check returns an error if texts exceed maxContextTokens.
func (tc *TokenCounter) Check(maxContextTokens int, texts ...string) (int, error) {
	if maxContextTokens <= 0 {
		return 0, fmt.Errorf("invalid max_context_tokens: must be greater than 0")
	}

	total := tc.Count(texts...)
	if total > maxContextTokens {
		return total, fmt.Errorf("total tokens (%d) exceeds max context length (%d)", total, maxContextTokens)
	}
	return total, nil
}
