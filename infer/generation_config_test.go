package infer

import (
	"errors"
	"reflect"
	"testing"
)

func TestResolveNilEqualsDefault(t *testing.T) {
	t.Parallel()

	r := &Resolver{Defaults: DefaultGenerationDefaults(), MaxModelLen: 64}
	tmpl := rawTemplate{stop: []StopWord{TextStop("###")}}

	fromNil, err := r.Resolve(nil, 10, tmpl)
	if err != nil {
		t.Fatalf("Resolve(nil): %v", err)
	}
	fromEmpty, err := r.Resolve(&RequestConfig{}, 10, tmpl)
	if err != nil {
		t.Fatalf("Resolve(empty): %v", err)
	}
	if !reflect.DeepEqual(fromNil, fromEmpty) {
		t.Fatalf("got %+v, want %+v", fromNil, fromEmpty)
	}
	if fromNil.MaxTokens != 54 {
		t.Fatalf("MaxTokens = %d, want 54", fromNil.MaxTokens)
	}
}

func TestResolveGreedyCanonicalization(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		defaults func(*GenerationDefaults)
		req      *RequestConfig
		wantTemp float64
		wantTopP float64
		wantTopK int
		sample   bool
	}{
		{
			name:     "explicit zero temperature",
			req:      &RequestConfig{Temperature: Ptr(0.0), TopP: Ptr(0.5), TopK: Ptr(5)},
			wantTemp: 1, wantTopP: 1, wantTopK: 50, sample: false,
		},
		{
			name:     "do_sample disabled upstream",
			defaults: func(d *GenerationDefaults) { d.DoSample = false },
			req:      &RequestConfig{Temperature: Ptr(0.7), TopP: Ptr(0.9)},
			wantTemp: 1, wantTopP: 1, wantTopK: 50, sample: false,
		},
		{
			name:     "sampling kept",
			req:      &RequestConfig{Temperature: Ptr(0.7), TopP: Ptr(0.9), TopK: Ptr(20)},
			wantTemp: 0.7, wantTopP: 0.9, wantTopK: 20, sample: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := DefaultGenerationDefaults()
			if tt.defaults != nil {
				tt.defaults(&d)
			}
			r := &Resolver{Defaults: d, MaxModelLen: 128}
			g, err := r.Resolve(tt.req, 4, nil)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if g.Temperature != tt.wantTemp || g.TopP != tt.wantTopP || g.TopK != tt.wantTopK || g.DoSample != tt.sample {
				t.Fatalf("got temp=%v top_p=%v top_k=%d do_sample=%v, want %v %v %d %v",
					g.Temperature, g.TopP, g.TopK, g.DoSample, tt.wantTemp, tt.wantTopP, tt.wantTopK, tt.sample)
			}
		})
	}
}

func TestResolveMaxTokensBudget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		maxLen     int
		strict     bool
		prompt     int
		requested  *int
		want       int
		wantErr    bool
		wantTooBig bool
	}{
		{name: "default fills budget", maxLen: 100, prompt: 30, want: 70},
		{name: "request within budget", maxLen: 100, prompt: 30, requested: Ptr(20), want: 20},
		{name: "lenient clamp", maxLen: 100, prompt: 30, requested: Ptr(500), want: 70},
		{name: "strict rejects", maxLen: 100, strict: true, prompt: 30, requested: Ptr(500), wantErr: true, wantTooBig: true},
		{name: "prompt fills context", maxLen: 100, prompt: 100, want: 0},
		{name: "unknown length lenient", maxLen: 0, prompt: 92, want: DefaultMaxModelLen - 92},
		{name: "unknown length strict", maxLen: 0, strict: true, prompt: 10, wantErr: true},
		{name: "prompt too long strict", maxLen: 10, strict: true, prompt: 11, wantErr: true, wantTooBig: true},
		{name: "prompt too long lenient", maxLen: 10, prompt: 11, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := &Resolver{Defaults: DefaultGenerationDefaults(), MaxModelLen: tt.maxLen, Strict: tt.strict}
			g, err := r.Resolve(&RequestConfig{MaxTokens: tt.requested}, tt.prompt, nil)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("err = %v, want ErrInvalidConfig", err)
				}
				if tt.wantTooBig && !errors.Is(err, ErrPromptTooLong) {
					t.Fatalf("err = %v, want ErrPromptTooLong", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if g.MaxTokens != tt.want {
				t.Fatalf("MaxTokens = %d, want %d", g.MaxTokens, tt.want)
			}
		})
	}
}

type suffixTemplate struct {
	rawTemplate
}

func (suffixTemplate) Suffix() []StopWord {
	return []StopWord{TextStop("\n"), TokenStop(byteIDs("<end>")...)}
}

func TestResolveStopWordUnion(t *testing.T) {
	t.Parallel()

	d := DefaultGenerationDefaults()
	d.StopWords = []string{"Human:", "STOP"}
	r := &Resolver{Defaults: d, MaxModelLen: 100}
	tmpl := suffixTemplate{rawTemplate{stop: []StopWord{TextStop("###"), TextStop("STOP")}}}

	g, err := r.Resolve(&RequestConfig{Stop: []string{"STOP", "halt"}}, 1, tmpl)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []string{"STOP", "halt", "Human:", "###", "<end>", "<eos>"}
	if !reflect.DeepEqual(g.StopWords, want) {
		t.Fatalf("StopWords = %q, want %q", g.StopWords, want)
	}
	if g.EOSTokenID != testEOS || g.PadTokenID != testPad {
		t.Fatalf("eos/pad = %d/%d, want %d/%d", g.EOSTokenID, g.PadTokenID, testEOS, testPad)
	}
}

func TestResolveLogprobs(t *testing.T) {
	t.Parallel()

	r := &Resolver{Defaults: DefaultGenerationDefaults(), MaxModelLen: 100}
	g, err := r.Resolve(&RequestConfig{Logprobs: true}, 1, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !g.Logprobs || g.TopLogprobs != 1 || g.IncludeTopLogprobs {
		t.Fatalf("got logprobs=%v top=%d include=%v", g.Logprobs, g.TopLogprobs, g.IncludeTopLogprobs)
	}

	g, err = r.Resolve(&RequestConfig{Logprobs: true, TopLogprobs: Ptr(3)}, 1, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if g.TopLogprobs != 3 || !g.IncludeTopLogprobs {
		t.Fatalf("got top=%d include=%v, want 3 true", g.TopLogprobs, g.IncludeTopLogprobs)
	}
}

func TestRequestConfigValidate(t *testing.T) {
	t.Parallel()

	bad := []*RequestConfig{
		{Temperature: Ptr(-1.0)},
		{TopP: Ptr(0.0)},
		{TopP: Ptr(1.5)},
		{TopK: Ptr(-2)},
		{NumBeams: Ptr(0)},
		{MaxTokens: Ptr(-1)},
		{TopLogprobs: Ptr(21)},
		{N: Ptr(0)},
		{N: Ptr(3), BestOf: Ptr(2)},
	}
	for _, c := range bad {
		if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("Validate(%+v) = %v, want ErrInvalidConfig", c, err)
		}
	}
	if err := (&RequestConfig{Temperature: Ptr(0.0), TopK: Ptr(-1), N: Ptr(2), BestOf: Ptr(2)}).Validate(); err != nil {
		t.Errorf("Validate(valid) = %v", err)
	}
}
