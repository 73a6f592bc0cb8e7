package chunker

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// CharsPerToken is the heuristic ratio used by HeuristicCounter
const CharsPerToken = 4

// TokenCounter estimates the number of model tokens in a text
type TokenCounter interface {
	Count(text string) int
}

// HeuristicCounter estimates tokens as chars/4, rounded up
type HeuristicCounter struct{}

// Count implements TokenCounter
func (HeuristicCounter) Count(text string) int {
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// TiktokenCounter counts tokens with a BPE encoding
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding (e.g. cl100k_base). When the
// encoding cannot be loaded it returns a HeuristicCounter together with the
// load error, so callers can log and carry on.
func NewTiktokenCounter(encoding string) (TokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return HeuristicCounter{}, fmt.Errorf("load encoding %q: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count implements TokenCounter
func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// EstimateTokenCount estimates the number of tokens in a string
func EstimateTokenCount(text string) int {
	return HeuristicCounter{}.Count(text)
}
