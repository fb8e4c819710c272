package ingest

import (
	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token counts for chunk metadata and budget checks.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter counts with a real BPE encoding.
type TiktokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the cl100k_base encoding. Falls back to a
// character heuristic when the encoding cannot be loaded (offline hosts).
func NewTiktokenCounter() TokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return SimpleCounter{}
	}
	return &TiktokenCounter{encoding: enc}
}

func (c *TiktokenCounter) Count(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// SimpleCounter approximates four characters per token.
type SimpleCounter struct{}

func (SimpleCounter) Count(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
