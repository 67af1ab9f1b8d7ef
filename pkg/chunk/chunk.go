// Package chunk splits extracted page text into bounded spans for embedding.
//
// Tokens are estimated as whitespace-separated words. The same rule is used
// everywhere a token count is stored so chunk sizes are comparable across
// pages.
package chunk

import (
	"unicode"
	"unicode/utf8"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

// DefaultMaxTokens is the chunk size used when none is configured.
const DefaultMaxTokens = 512

// EstimateTokens returns the token estimate for text.
func EstimateTokens(text string) int {
	return len(words(text))
}

type span struct {
	start, end int
}

// words returns the byte spans of whitespace-separated words.
func words(text string) []span {
	var spans []span
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, span{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, span{start, len(text)})
	}
	return spans
}

// Split cuts text into chunks of at most maxTokens tokens. Each chunk records
// its byte offset into text. Chunk boundaries prefer sentence ends in the last
// quarter of a window so chunks rarely cut a sentence in half.
func Split(text string, maxTokens int) []models.PageChunk {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	spans := words(text)
	if len(spans) == 0 {
		return nil
	}

	var chunks []models.PageChunk
	for i := 0; i < len(spans); {
		end := i + maxTokens
		if end > len(spans) {
			end = len(spans)
		} else if cut := sentenceBreak(text, spans, i, end, maxTokens/4); cut > i {
			end = cut
		}

		start := spans[i].start
		stop := spans[end-1].end
		chunks = append(chunks, models.PageChunk{
			Index:       len(chunks),
			Text:        text[start:stop],
			StartOffset: start,
			TokenCount:  end - i,
		})
		i = end
	}
	return chunks
}

// sentenceBreak looks backwards from end for a word ending a sentence, no
// further than lookback words. It returns the exclusive word index to cut at,
// or -1.
func sentenceBreak(text string, spans []span, begin, end, lookback int) int {
	for j := end - 1; j > begin && j >= end-lookback; j-- {
		last, _ := utf8.DecodeLastRuneInString(text[spans[j].start:spans[j].end])
		switch last {
		case '.', '!', '?':
			return j + 1
		}
	}
	return -1
}
