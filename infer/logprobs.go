package infer

import (
	"math"
	"slices"
)

// TokenLogprob pairs a token id with its log-probability.
type TokenLogprob struct {
	ID      int     `json:"id"`
	Logprob float64 `json:"logprob"`
}

// StepLogprobs is the log-probability record of one decode step: the chosen
// token and the highest-ranked alternatives in descending order.
type StepLogprobs struct {
	Chosen TokenLogprob   `json:"chosen"`
	Top    []TokenLogprob `json:"top,omitempty"`
}

// LogSoftmax returns log(softmax(logits)) in float64.
func LogSoftmax(logits []float32) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		if float64(l) > maxLogit {
			maxLogit = float64(l)
		}
	}
	if math.IsInf(maxLogit, -1) {
		for i := range out {
			out[i] = math.Inf(-1)
		}
		return out
	}
	var sum float64
	for _, l := range logits {
		sum += math.Exp(float64(l) - maxLogit)
	}
	logSum := math.Log(sum) + maxLogit
	for i, l := range logits {
		out[i] = float64(l) - logSum
	}
	return out
}

// ComputeStepLogprobs records the chosen token and the topK most likely
// tokens of one step. Alternatives with -Inf log-probability are dropped.
func ComputeStepLogprobs(logits []float32, chosen, topK int) StepLogprobs {
	lp := LogSoftmax(logits)
	step := StepLogprobs{Chosen: TokenLogprob{ID: chosen, Logprob: math.Inf(-1)}}
	if chosen >= 0 && chosen < len(lp) {
		step.Chosen.Logprob = lp[chosen]
	}
	if topK <= 0 {
		return step
	}

	idx := make([]int, 0, len(lp))
	for i, v := range lp {
		if !math.IsInf(v, -1) && !math.IsNaN(v) {
			idx = append(idx, i)
		}
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		switch {
		case lp[a] > lp[b]:
			return -1
		case lp[a] < lp[b]:
			return 1
		}
		return 0
	})
	if len(idx) > topK {
		idx = idx[:topK]
	}
	step.Top = make([]TokenLogprob, len(idx))
	for i, id := range idx {
		step.Top[i] = TokenLogprob{ID: id, Logprob: lp[id]}
	}
	return step
}

// buildChoiceLogprobs renders step records into protocol entries. It
// returns nil when there is nothing to report.
func buildChoiceLogprobs(tok Tokenizer, steps []StepLogprobs, includeTop bool) (*ChoiceLogprobs, error) {
	if steps == nil {
		return nil, nil
	}
	content := make([]LogprobEntry, 0, len(steps))
	for _, s := range steps {
		text, err := tok.Decode([]int{s.Chosen.ID})
		if err != nil {
			return nil, err
		}
		entry := LogprobEntry{Token: text, Logprob: s.Chosen.Logprob, Bytes: tokenBytes(tok, s.Chosen.ID, text)}
		if includeTop {
			entry.TopLogprobs = make([]TopLogprob, 0, len(s.Top))
			for _, alt := range s.Top {
				if math.IsInf(alt.Logprob, -1) {
					continue
				}
				altText, err := tok.Decode([]int{alt.ID})
				if err != nil {
					return nil, err
				}
				entry.TopLogprobs = append(entry.TopLogprobs, TopLogprob{
					Token:   altText,
					Logprob: alt.Logprob,
					Bytes:   tokenBytes(tok, alt.ID, altText),
				})
			}
		}
		content = append(content, entry)
	}
	return &ChoiceLogprobs{Content: content}, nil
}

// tokenBytes prefers the tokenizer's raw bytes for id and falls back to the
// bytes of its decoded text.
func tokenBytes(tok Tokenizer, id int, text string) []int {
	raw := []byte(text)
	if r, ok := tok.(TokenByteReader); ok {
		if b, ok := r.TokenBytes(id); ok {
			raw = b
		}
	}
	out := make([]int, len(raw))
	for i, c := range raw {
		out[i] = int(c)
	}
	return out
}
