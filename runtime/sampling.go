package runtime

import (
	"math"
	"math/rand/v2"
	"slices"

	"streaminfer/infer"
)

// SamplingParams holds the per-sequence sampling parameters
type SamplingParams struct {
	Temperature       float64
	TopP              float64
	TopK              int
	RepetitionPenalty float64
	FrequencyPenalty  float64
	PresencePenalty   float64
	Greedy            bool
	MaxTokens         int
	IgnoreEOS         bool
	EOS               int

	// TopLogprobs > 0 records that many alternatives per step.
	TopLogprobs int
	Logprobs    bool
}

// SamplingParamsFrom maps a resolved generation config onto sampler
// settings.
func SamplingParamsFrom(g *infer.GenerationConfig) *SamplingParams {
	return &SamplingParams{
		Temperature:       g.Temperature,
		TopP:              g.TopP,
		TopK:              g.TopK,
		RepetitionPenalty: g.RepetitionPenalty,
		FrequencyPenalty:  g.FrequencyPenalty,
		PresencePenalty:   g.PresencePenalty,
		Greedy:            !g.DoSample,
		MaxTokens:         g.MaxTokens,
		EOS:               g.EOSTokenID,
		TopLogprobs:       g.TopLogprobs,
		Logprobs:          g.Logprobs,
	}
}

// Sampler draws tokens for one sequence. It is not safe for concurrent use.
type Sampler struct {
	rng *rand.Rand
}

// NewSampler seeds a sampler. A nil seed draws a random one.
func NewSampler(seed *int64) *Sampler {
	var s uint64
	if seed != nil {
		s = uint64(*seed)
	} else {
		s = rand.Uint64()
	}
	return &Sampler{rng: rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15))}
}

// Sample picks the next token from logits. history holds every token of the
// sequence so far and feeds the repetition penalties. logits is modified.
func (s *Sampler) Sample(logits []float32, history []int, completion []int, p *SamplingParams) int {
	if len(logits) == 0 {
		return -1
	}
	applyPenalties(logits, history, completion, p)

	if p.Greedy || p.Temperature <= 1e-5 {
		return argmax(logits)
	}

	if p.Temperature != 1.0 {
		for i := range logits {
			logits[i] /= float32(p.Temperature)
		}
	}

	probs := softmax(logits)

	if p.TopK > 0 && p.TopK < len(probs) {
		probs = topKFiltering(probs, p.TopK)
	}
	if p.TopP > 0 && p.TopP < 1.0 {
		probs = topPFiltering(probs, float32(p.TopP))
	}

	return s.sampleMultinomial(probs)
}

// applyPenalties applies the multiplicative repetition penalty over the
// whole sequence and the additive frequency and presence penalties over
// the completion.
func applyPenalties(logits []float32, history, completion []int, p *SamplingParams) {
	if p.RepetitionPenalty > 0 && p.RepetitionPenalty != 1.0 {
		seen := make(map[int]struct{}, len(history))
		for _, id := range history {
			if id < 0 || id >= len(logits) {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			if logits[id] > 0 {
				logits[id] /= float32(p.RepetitionPenalty)
			} else {
				logits[id] *= float32(p.RepetitionPenalty)
			}
		}
	}
	if p.FrequencyPenalty == 0 && p.PresencePenalty == 0 {
		return
	}
	counts := make(map[int]int, len(completion))
	for _, id := range completion {
		if id >= 0 && id < len(logits) {
			counts[id]++
		}
	}
	for id, n := range counts {
		logits[id] -= float32(p.FrequencyPenalty)*float32(n) + float32(p.PresencePenalty)
	}
}

func argmax(logits []float32) int {
	maxIdx := 0
	maxVal := logits[0]
	for j := 1; j < len(logits); j++ {
		if logits[j] > maxVal {
			maxVal = logits[j]
			maxIdx = j
		}
	}
	return maxIdx
}

// softmax converts logits to probabilities
func softmax(logits []float32) []float32 {
	maxLogit := logits[0]
	for _, l := range logits[1:] {
		if l > maxLogit {
			maxLogit = l
		}
	}

	probs := make([]float32, len(logits))
	var sum float32
	for i, l := range logits {
		probs[i] = float32(math.Exp(float64(l - maxLogit)))
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

type indexedProb struct {
	idx  int
	prob float32
}

func sortedProbs(probs []float32) []indexedProb {
	indexed := make([]indexedProb, len(probs))
	for i, p := range probs {
		indexed[i] = indexedProb{i, p}
	}
	slices.SortStableFunc(indexed, func(a, b indexedProb) int {
		switch {
		case a.prob > b.prob:
			return -1
		case a.prob < b.prob:
			return 1
		}
		return 0
	})
	return indexed
}

// topKFiltering keeps only top-k probabilities, zeros out the rest
func topKFiltering(probs []float32, k int) []float32 {
	indexed := sortedProbs(probs)
	result := make([]float32, len(probs))
	for i := 0; i < k && i < len(indexed); i++ {
		result[indexed[i].idx] = indexed[i].prob
	}
	return result
}

// topPFiltering keeps the smallest prefix whose mass reaches p
func topPFiltering(probs []float32, p float32) []float32 {
	indexed := sortedProbs(probs)

	var total float32
	for _, item := range indexed {
		total += item.prob
	}
	cumProb := float32(0)
	cutoff := len(indexed)
	for i, item := range indexed {
		cumProb += item.prob
		if cumProb >= p*total {
			cutoff = i + 1
			break
		}
	}

	result := make([]float32, len(probs))
	for i := 0; i < cutoff; i++ {
		result[indexed[i].idx] = indexed[i].prob
	}
	return result
}

// sampleMultinomial samples from an unnormalised distribution
func (s *Sampler) sampleMultinomial(probs []float32) int {
	cumProbs := make([]float32, len(probs))
	cumProbs[0] = probs[0]
	for i := 1; i < len(probs); i++ {
		cumProbs[i] = cumProbs[i-1] + probs[i]
	}
	total := cumProbs[len(cumProbs)-1]
	if total <= 0 {
		return argmax(probs)
	}

	r := s.rng.Float32() * total
	idx, _ := slices.BinarySearchFunc(cumProbs, r, func(c, target float32) int {
		if c < target {
			return -1
		}
		return 1
	})
	if idx >= len(probs) {
		idx = len(probs) - 1
	}
	// Skip zero-mass entries that share the cumulative value.
	for idx < len(probs)-1 && probs[idx] == 0 {
		idx++
	}
	return idx
}
