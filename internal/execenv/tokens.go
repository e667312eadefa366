package execenv

import (
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gated/internal/validation"
)

// NewTokenCounter returns a cl100k_base token counter. When the
// encoding cannot be loaded it falls back to a character heuristic so
// budget checks degrade instead of blocking runs.
func NewTokenCounter(logger *zap.Logger) validation.TokenCounter {
	enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	if err != nil {
		logger.Warn("token encoding unavailable, using heuristic counter", zap.Error(err))
		return heuristicCounter{}
	}
	return &tiktokenCounter{enc: enc}
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// heuristicCounter approximates tokens as one per four characters.
type heuristicCounter struct{}

func (heuristicCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
