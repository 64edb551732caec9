package upstream

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// CountTokens approximates token usage with cl100k_base for responses whose
// upstream omitted a usage block, so logs always carry token counts. Falls
// back to the rough chars/4 estimate if the encoding cannot load.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	encOnce.Do(func() {
		var err error
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn().Err(err).Msg("tiktoken encoding unavailable; estimating tokens")
		}
	})
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}
