package infer

import (
	"strings"
	"unicode/utf8"
)

// Detokenizer turns a growing id sequence into append-only text deltas.
//
// Text is decoded from a short prefix window ending at the last emitted
// position so that tokenizers which rewrite leading whitespace produce the
// same text they would for the full sequence. A delta is held back while it
// is not valid UTF-8 or ends in U+FFFD, unless the sequence is finished.
//
// A Detokenizer belongs to exactly one generation sequence and is not safe
// for concurrent use.
type Detokenizer struct {
	tok          Tokenizer
	prefixOffset int
	readOffset   int
	done         bool
}

func NewDetokenizer(tok Tokenizer) *Detokenizer {
	return &Detokenizer{tok: tok}
}

// Next returns the printable text added since the previous call. ids must
// be the complete id history of the sequence.
func (d *Detokenizer) Next(ids []int, finished bool) (string, error) {
	if d.done || len(ids) <= d.readOffset {
		if finished {
			d.done = true
		}
		return "", nil
	}

	prefixText, err := d.tok.Decode(ids[d.prefixOffset:d.readOffset])
	if err != nil {
		return "", err
	}
	newText, err := d.tok.Decode(ids[d.prefixOffset:])
	if err != nil {
		return "", err
	}

	if len(newText) <= len(prefixText) || (!finished && !strings.HasPrefix(newText, prefixText)) {
		if finished {
			d.done = true
		}
		return "", nil
	}

	delta := newText[len(prefixText):]
	if !finished && (!utf8.ValidString(delta) || strings.HasSuffix(delta, string(utf8.RuneError))) {
		return "", nil
	}

	d.prefixOffset = d.readOffset
	d.readOffset = len(ids)
	d.done = finished
	return delta, nil
}

// Reset clears all state so the instance can serve a new sequence.
func (d *Detokenizer) Reset() {
	d.prefixOffset = 0
	d.readOffset = 0
	d.done = false
}

// turnEndTrimmer keeps the marker that closes an assistant turn out of the
// emitted text. Text that may be the start of a marker is withheld until
// later text rules it out; a marker ending the finished text is dropped.
type turnEndTrimmer struct {
	markers []string
	held    string
}

func (t *turnEndTrimmer) Next(delta string, finished bool) string {
	if len(t.markers) == 0 {
		return delta
	}
	buf := t.held + delta
	t.held = ""
	if finished {
		return trimTurnEnd(buf, t.markers)
	}
	n := partialMarker(buf, t.markers)
	t.held = buf[len(buf)-n:]
	return buf[:len(buf)-n]
}

// trimTurnEnd removes one marker suffixing text.
func trimTurnEnd(text string, markers []string) string {
	for _, m := range markers {
		if m != "" && strings.HasSuffix(text, m) {
			return text[:len(text)-len(m)]
		}
	}
	return text
}

// partialMarker returns the length of the longest tail of s that is a
// prefix of some marker.
func partialMarker(s string, markers []string) int {
	best := 0
	for _, m := range markers {
		for n := min(len(m), len(s)); n > best; n-- {
			if strings.HasSuffix(s, m[:n]) {
				best = n
				break
			}
		}
	}
	return best
}
