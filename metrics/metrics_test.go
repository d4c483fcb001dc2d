package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"streaminfer/infer"
	"streaminfer/runtime"
)

func reason(r infer.FinishReason) *infer.FinishReason { return &r }

func TestObserverResponses(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	o := NewObserver(reg, "test", "m")
	o.Reset()
	o.Update(&infer.ChatCompletionResponse{
		ID:    "a",
		Usage: infer.UsageInfo{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12},
		Choices: []infer.ChatCompletionChoice{
			{FinishReason: reason(infer.FinishStop)},
			{FinishReason: reason(infer.FinishLength)},
		},
	})
	o.Update((*infer.ChatCompletionResponse)(nil))
	o.Update("not a response")

	if got := testutil.ToFloat64(o.responses.WithLabelValues("m")); got != 1 {
		t.Fatalf("responses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(o.promptTokens.WithLabelValues("m")); got != 5 {
		t.Fatalf("prompt tokens = %v, want 5", got)
	}
	if got := testutil.ToFloat64(o.completionTokens.WithLabelValues("m")); got != 7 {
		t.Fatalf("completion tokens = %v, want 7", got)
	}
	if got := testutil.ToFloat64(o.finished.WithLabelValues("m", "length")); got != 1 {
		t.Fatalf("length finishes = %v, want 1", got)
	}
}

func TestObserverStreamCountsUsageGrowth(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	o := NewObserver(reg, "test", "m")
	chunks := []*infer.ChatCompletionStreamResponse{
		{ID: "s1", Usage: infer.UsageInfo{PromptTokens: 4, CompletionTokens: 1}},
		{ID: "s2", Usage: infer.UsageInfo{PromptTokens: 2, CompletionTokens: 1}},
		nil,
		{ID: "s1", Usage: infer.UsageInfo{PromptTokens: 4, CompletionTokens: 3}},
		{ID: "s1", Usage: infer.UsageInfo{PromptTokens: 4, CompletionTokens: 4},
			Choices: []infer.ChatCompletionStreamChoice{{FinishReason: reason(infer.FinishStop)}}},
	}
	for _, c := range chunks {
		o.Update(c)
	}

	if got := testutil.ToFloat64(o.streamChunks.WithLabelValues("m")); got != 4 {
		t.Fatalf("chunks = %v, want 4", got)
	}
	if got := testutil.ToFloat64(o.promptTokens.WithLabelValues("m")); got != 6 {
		t.Fatalf("prompt tokens = %v, want 6", got)
	}
	if got := testutil.ToFloat64(o.completionTokens.WithLabelValues("m")); got != 5 {
		t.Fatalf("completion tokens = %v, want 5", got)
	}
	if got := testutil.ToFloat64(o.finished.WithLabelValues("m", "stop")); got != 1 {
		t.Fatalf("stop finishes = %v, want 1", got)
	}
}

func TestObserverBoundsTrackedStreams(t *testing.T) {
	t.Parallel()

	o := NewObserver(prometheus.NewRegistry(), "test", "m")
	for i := range maxTrackedStreams + 10 {
		o.Update(&infer.ChatCompletionStreamResponse{ID: strings.Repeat("x", i+1)})
	}
	if len(o.streams) != maxTrackedStreams || len(o.order) != maxTrackedStreams {
		t.Fatalf("tracking %d/%d streams, want %d", len(o.streams), len(o.order), maxTrackedStreams)
	}
}

func TestRegisterGeneratorStats(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	RegisterGeneratorStats(reg, "test", func() runtime.Stats {
		return runtime.Stats{Waiting: 2, Running: 3, FreeBlocks: 40, Steps: 17}
	})

	expected := `
# HELP test_scheduler_running_sequences Sequences being decoded
# TYPE test_scheduler_running_sequences gauge
test_scheduler_running_sequences 3
# HELP test_scheduler_steps_total Model forward passes
# TYPE test_scheduler_steps_total counter
test_scheduler_steps_total 17
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_scheduler_running_sequences", "test_scheduler_steps_total"); err != nil {
		t.Fatal(err)
	}
	if n, err := testutil.GatherAndCount(reg); err != nil || n != 4 {
		t.Fatalf("gathered %d series (%v), want 4", n, err)
	}
}
