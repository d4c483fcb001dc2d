package infer

import (
	"fmt"

	"go.uber.org/zap"
)

// DefaultMaxModelLen is assumed when the model does not report its
// context length and validation is lenient.
const DefaultMaxModelLen = 8192

// GenerationDefaults is the model-scoped sampling configuration, usually
// read from the model's generation config.
type GenerationDefaults struct {
	Temperature       float64  `yaml:"temperature"`
	TopP              float64  `yaml:"top_p"`
	TopK              int      `yaml:"top_k"`
	RepetitionPenalty float64  `yaml:"repetition_penalty"`
	NumBeams          int      `yaml:"num_beams"`
	LengthPenalty     float64  `yaml:"length_penalty"`
	DoSample          bool     `yaml:"do_sample"`
	StopWords         []string `yaml:"stop_words"`
}

func DefaultGenerationDefaults() GenerationDefaults {
	return GenerationDefaults{
		Temperature:       1,
		TopP:              1,
		TopK:              50,
		RepetitionPenalty: 1,
		NumBeams:          1,
		LengthPenalty:     1,
		DoSample:          true,
	}
}

// GenerationConfig is the concrete sampling configuration of one
// generation call. It is not modified after resolution.
type GenerationConfig struct {
	MaxTokens         int      `json:"max_tokens"`
	Temperature       float64  `json:"temperature"`
	TopP              float64  `json:"top_p"`
	TopK              int      `json:"top_k"`
	RepetitionPenalty float64  `json:"repetition_penalty"`
	NumBeams          int      `json:"num_beams"`
	LengthPenalty     float64  `json:"length_penalty"`
	DoSample          bool     `json:"do_sample"`
	FrequencyPenalty  float64  `json:"frequency_penalty"`
	PresencePenalty   float64  `json:"presence_penalty"`
	N                 int      `json:"n"`
	BestOf            int      `json:"best_of"`
	Seed              *int64   `json:"seed,omitempty"`
	StopWords         []string `json:"stop_words,omitempty"`

	Logprobs bool `json:"logprobs"`
	// TopLogprobs is the number of alternatives recorded per step.
	TopLogprobs int `json:"top_logprobs"`
	// IncludeTopLogprobs controls whether alternatives reach the response.
	IncludeTopLogprobs bool `json:"include_top_logprobs"`

	EOSTokenID int `json:"eos_token_id"`
	PadTokenID int `json:"pad_token_id"`

	// TurnEnd holds the template markers stripped from the end of the text.
	TurnEnd []string `json:"turn_end,omitempty"`
}

// StopCriterion builds the termination predicate for this config.
func (g *GenerationConfig) StopCriterion(tok Tokenizer) *StopCriterion {
	return NewStopCriterion(tok, g.StopWords, g.MaxTokens, g.EOSTokenID, g.PadTokenID)
}

// FinishReason maps a finished row's generated count to its reason.
func (g *GenerationConfig) FinishReason(numGenerated int) FinishReason {
	if numGenerated >= g.MaxTokens {
		return FinishLength
	}
	return FinishStop
}

// Resolver merges request overrides with engine defaults.
type Resolver struct {
	Defaults GenerationDefaults
	// MaxModelLen <= 0 means unknown.
	MaxModelLen int
	// Strict turns budget violations and an unknown MaxModelLen into errors.
	Strict bool
	Logger *zap.SugaredLogger
}

func (r *Resolver) logger() *zap.SugaredLogger {
	if r.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return r.Logger
}

// Resolve produces the generation config for a prompt of numPromptTokens
// tokens. A nil req behaves exactly like an empty one; tmpl may be nil.
func (r *Resolver) Resolve(req *RequestConfig, numPromptTokens int, tmpl Template) (*GenerationConfig, error) {
	if req == nil {
		req = &RequestConfig{}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	maxTokens, err := r.maxTokens(req.MaxTokens, numPromptTokens)
	if err != nil {
		return nil, err
	}

	d := r.Defaults
	g := &GenerationConfig{
		MaxTokens:         maxTokens,
		Temperature:       pick(req.Temperature, d.Temperature),
		TopP:              pick(req.TopP, d.TopP),
		TopK:              pick(req.TopK, d.TopK),
		RepetitionPenalty: pick(req.RepetitionPenalty, d.RepetitionPenalty),
		NumBeams:          pick(req.NumBeams, d.NumBeams),
		LengthPenalty:     pick(req.LengthPenalty, d.LengthPenalty),
		FrequencyPenalty:  pick(req.FrequencyPenalty, 0),
		PresencePenalty:   pick(req.PresencePenalty, 0),
		N:                 pick(req.N, 1),
		Seed:              req.Seed,
		EOSTokenID:        -1,
		PadTokenID:        -1,
	}
	g.BestOf = pick(req.BestOf, g.N)
	if g.NumBeams < 1 {
		g.NumBeams = 1
	}

	if !d.DoSample {
		g.Temperature = 0
	}
	if g.Temperature == 0 {
		g.DoSample = false
		g.Temperature = 1
		g.TopP = 1
		g.TopK = 50
	} else {
		g.DoSample = true
	}

	if req.Logprobs {
		g.Logprobs = true
		g.TopLogprobs = 1
		if req.TopLogprobs != nil {
			g.IncludeTopLogprobs = true
			g.TopLogprobs = max(1, *req.TopLogprobs)
		}
	}

	var tok Tokenizer
	words := textStops(req.Stop)
	words = append(words, textStops(d.StopWords)...)
	if tmpl != nil {
		tok = tmpl.Tokenizer()
		words = append(words, tmpl.StopWords()...)
		if suffix := tmpl.Suffix(); len(suffix) > 0 {
			words = append(words, suffix[len(suffix)-1])
			if g.TurnEnd, err = ResolveStopWords(tok, suffix[len(suffix)-1:]); err != nil {
				return nil, fmt.Errorf("resolve template suffix: %w", err)
			}
		}
		if tok != nil {
			words = append(words, TextStop(tok.EOSToken()))
			g.EOSTokenID = tok.EOSTokenID()
			g.PadTokenID = padTokenID(tok)
		}
	}
	g.StopWords, err = ResolveStopWords(tok, words)
	if err != nil {
		return nil, fmt.Errorf("resolve stop words: %w", err)
	}
	return g, nil
}

func (r *Resolver) maxTokens(requested *int, numPromptTokens int) (int, error) {
	maxModelLen := r.MaxModelLen
	if maxModelLen <= 0 {
		if r.Strict {
			return 0, configErrorf("max_model_len", "unable to determine the model's max length")
		}
		r.logger().Warnw("model does not report max_model_len, using default",
			"max_model_len", DefaultMaxModelLen)
		maxModelLen = DefaultMaxModelLen
	}

	available := maxModelLen - numPromptTokens
	if available < 0 {
		if r.Strict {
			return 0, &ConfigError{
				Field: "max_tokens",
				Msg:   fmt.Sprintf("prompt has %d tokens but max_model_len is %d", numPromptTokens, maxModelLen),
				Err:   ErrPromptTooLong,
			}
		}
		r.logger().Warnw("prompt exceeds max_model_len, no room left to generate",
			"prompt_tokens", numPromptTokens, "max_model_len", maxModelLen)
		available = 0
	}

	if requested == nil {
		return available, nil
	}
	if *requested <= available {
		return *requested, nil
	}
	if r.Strict {
		return 0, &ConfigError{
			Field: "max_tokens",
			Msg: fmt.Sprintf("prompt has %d tokens and max_tokens is %d, but max_model_len is %d",
				numPromptTokens, *requested, maxModelLen),
			Err: ErrPromptTooLong,
		}
	}
	r.logger().Warnw("clamping max_tokens to fit max_model_len",
		"max_model_len", maxModelLen, "prompt_tokens", numPromptTokens,
		"requested", *requested, "max_tokens", available)
	return available, nil
}

func pick[T any](v *T, fallback T) T {
	if v != nil {
		return *v
	}
	return fallback
}
