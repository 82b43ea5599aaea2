package summary

import (
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts model tokens in a text.
type TokenCounter interface {
	Count(text string) int
}

type codecCounter struct {
	codec tokenizer.Codec
}

func (c codecCounter) Count(text string) int {
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return len(strings.Fields(text))
	}
	return len(ids)
}

type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

// NewTokenCounter counts cl100k_base tokens, falling back to words when the
// codec cannot be loaded.
func NewTokenCounter() TokenCounter {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		log.Warn().Err(err).Str("component", "summary").Msg("cl100k_base codec unavailable, counting words instead")
		return wordCounter{}
	}
	return codecCounter{codec: codec}
}
