package infer

// RequestConfig holds per-request sampling overrides. A nil field means
// "not set" and falls back to the engine defaults.
type RequestConfig struct {
	Temperature       *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	TopK              *int     `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty" yaml:"repetition_penalty,omitempty"`
	NumBeams          *int     `json:"num_beams,omitempty" yaml:"num_beams,omitempty"`
	MaxTokens         *int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`

	Stream      bool `json:"stream,omitempty" yaml:"stream,omitempty"`
	Logprobs    bool `json:"logprobs,omitempty" yaml:"logprobs,omitempty"`
	TopLogprobs *int `json:"top_logprobs,omitempty" yaml:"top_logprobs,omitempty"`

	Stop []string `json:"stop,omitempty" yaml:"stop,omitempty"`

	N                *int     `json:"n,omitempty" yaml:"n,omitempty"`
	BestOf           *int     `json:"best_of,omitempty" yaml:"best_of,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty" yaml:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty" yaml:"presence_penalty,omitempty"`
	LengthPenalty    *float64 `json:"length_penalty,omitempty" yaml:"length_penalty,omitempty"`
	Seed             *int64   `json:"seed,omitempty" yaml:"seed,omitempty"`
}

const maxTopLogprobs = 20

// Validate rejects out-of-range values.
func (c *RequestConfig) Validate() error {
	if c == nil {
		return nil
	}
	if c.Temperature != nil && *c.Temperature < 0 {
		return configErrorf("temperature", "must be >= 0, got %v", *c.Temperature)
	}
	if c.TopP != nil && (*c.TopP <= 0 || *c.TopP > 1) {
		return configErrorf("top_p", "must be in (0, 1], got %v", *c.TopP)
	}
	if c.TopK != nil && *c.TopK < -1 {
		return configErrorf("top_k", "must be >= -1, got %d", *c.TopK)
	}
	if c.RepetitionPenalty != nil && *c.RepetitionPenalty <= 0 {
		return configErrorf("repetition_penalty", "must be > 0, got %v", *c.RepetitionPenalty)
	}
	if c.NumBeams != nil && *c.NumBeams < 1 {
		return configErrorf("num_beams", "must be >= 1, got %d", *c.NumBeams)
	}
	if c.MaxTokens != nil && *c.MaxTokens < 0 {
		return configErrorf("max_tokens", "must be >= 0, got %d", *c.MaxTokens)
	}
	if c.TopLogprobs != nil && (*c.TopLogprobs < 0 || *c.TopLogprobs > maxTopLogprobs) {
		return configErrorf("top_logprobs", "must be in [0, %d], got %d", maxTopLogprobs, *c.TopLogprobs)
	}
	if c.N != nil && *c.N < 1 {
		return configErrorf("n", "must be >= 1, got %d", *c.N)
	}
	if c.BestOf != nil {
		n := 1
		if c.N != nil {
			n = *c.N
		}
		if *c.BestOf < n {
			return configErrorf("best_of", "must be >= n (%d), got %d", n, *c.BestOf)
		}
	}
	return nil
}

// Ptr returns a pointer to v, for filling optional config fields.
func Ptr[T any](v T) *T {
	return &v
}
