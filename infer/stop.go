package infer

import (
	"fmt"
	"strings"
)

// StopWord is either literal text or a token id sequence that is decoded
// before matching.
type StopWord struct {
	Text     string
	TokenIDs []int
}

func TextStop(s string) StopWord {
	return StopWord{Text: s}
}

func TokenStop(ids ...int) StopWord {
	return StopWord{TokenIDs: ids}
}

func textStops(words []string) []StopWord {
	out := make([]StopWord, 0, len(words))
	for _, w := range words {
		out = append(out, TextStop(w))
	}
	return out
}

// ResolveStopWords decodes token-id stop words and deduplicates the set,
// keeping first-seen order. Empty words are dropped.
func ResolveStopWords(tok Tokenizer, words []StopWord) ([]string, error) {
	seen := make(map[string]struct{}, len(words))
	stop := make([]string, 0, len(words))
	for _, w := range words {
		text := w.Text
		if len(w.TokenIDs) > 0 {
			if tok == nil {
				return nil, fmt.Errorf("decode stop word %v: no tokenizer", w.TokenIDs)
			}
			decoded, err := tok.Decode(w.TokenIDs)
			if err != nil {
				return nil, fmt.Errorf("decode stop word %v: %w", w.TokenIDs, err)
			}
			text = decoded
		}
		if text == "" {
			continue
		}
		if _, ok := seen[text]; ok {
			continue
		}
		seen[text] = struct{}{}
		stop = append(stop, text)
	}
	return stop, nil
}

// minStopWindow is the number of trailing tokens decoded when no stop word
// needs a longer tail.
const minStopWindow = 20

// StopCriterion decides whether a row has terminated. It holds no mutable
// state and may be shared between goroutines.
type StopCriterion struct {
	tok       Tokenizer
	stopWords []string
	maxTokens int
	eosID     int
	padID     int
	window    int
}

// NewStopCriterion builds a criterion. A negative maxTokens disables the
// length check; a negative eos or pad id disables that check.
func NewStopCriterion(tok Tokenizer, stopWords []string, maxTokens, eosID, padID int) *StopCriterion {
	window := minStopWindow
	for _, w := range stopWords {
		if len(w)+1 > window {
			window = len(w) + 1
		}
	}
	return &StopCriterion{
		tok:       tok,
		stopWords: stopWords,
		maxTokens: maxTokens,
		eosID:     eosID,
		padID:     padID,
		window:    window,
	}
}

// StopWords returns the resolved stop strings.
func (c *StopCriterion) StopWords() []string {
	return c.stopWords
}

// ShouldStop reports whether generation must end given every id generated
// so far for the row.
func (c *StopCriterion) ShouldStop(generated []int) bool {
	if c.maxTokens >= 0 && len(generated) >= c.maxTokens {
		return true
	}
	if len(generated) == 0 {
		return false
	}
	last := generated[len(generated)-1]
	if (c.eosID >= 0 && last == c.eosID) || (c.padID >= 0 && last == c.padID) {
		return true
	}
	return c.MatchStopWord(generated) != ""
}

// MatchStopWord returns the stop word that suffixes the decoded tail of
// generated, or "" when none does.
func (c *StopCriterion) MatchStopWord(generated []int) string {
	if len(c.stopWords) == 0 || c.tok == nil || len(generated) == 0 {
		return ""
	}
	tail := generated
	if len(tail) > c.window {
		tail = tail[len(tail)-c.window:]
	}
	text, err := c.tok.Decode(tail)
	if err != nil {
		return ""
	}
	for _, w := range c.stopWords {
		if strings.HasSuffix(text, w) {
			return w
		}
	}
	return ""
}
