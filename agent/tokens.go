package agent

import (
	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates token counts for budget decisions.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter counts with a real BPE codec. Claude and GPT tokenize
// similarly enough for budget purposes; both use the GPT-4 encoding here.
type TiktokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a tiktoken-backed counter, falling back to a
// character heuristic when the codec cannot be built.
func NewTokenCounter() TokenCounter {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return heuristicCounter{}
	}
	return &TiktokenCounter{codec: codec}
}

// Count returns the number of tokens in the given text.
func (tc *TiktokenCounter) Count(text string) int {
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// heuristicCounter approximates 4 characters per token.
type heuristicCounter struct{}

func (heuristicCounter) Count(text string) int {
	return len(text) / 4
}
