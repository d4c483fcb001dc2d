// Package metrics exports engine and backend activity to Prometheus.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"streaminfer/infer"
	"streaminfer/runtime"
)

// maxTrackedStreams bounds the per-request usage kept for stream deltas.
const maxTrackedStreams = 4096

// Observer implements infer.Metric on top of Prometheus counters. One
// Observer may be shared by concurrent calls; Reset is a no-op.
type Observer struct {
	model string

	responses        *prometheus.CounterVec
	streamChunks     *prometheus.CounterVec
	finished         *prometheus.CounterVec
	promptTokens     *prometheus.CounterVec
	completionTokens *prometheus.CounterVec
	responseTokens   *prometheus.HistogramVec

	mu      sync.Mutex
	streams map[string]infer.UsageInfo
	order   []string
}

// NewObserver registers the observer's collectors with reg.
func NewObserver(reg prometheus.Registerer, namespace, model string) *Observer {
	factory := promauto.With(reg)
	return &Observer{
		model: model,
		responses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "responses_total",
				Help:      "Completed non-streaming responses",
			},
			[]string{"model"},
		),
		streamChunks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_chunks_total",
				Help:      "Streamed response deltas",
			},
			[]string{"model"},
		),
		finished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "choices_finished_total",
				Help:      "Finished choices by finish reason",
			},
			[]string{"model", "reason"},
		),
		promptTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "prompt_tokens_total",
				Help:      "Total number of prompt tokens processed",
			},
			[]string{"model"},
		),
		completionTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "completion_tokens_total",
				Help:      "Total number of completion tokens generated",
			},
			[]string{"model"},
		),
		responseTokens: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "response_completion_tokens",
				Help:      "Completion tokens per non-streaming response",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"model"},
		),
		streams: make(map[string]infer.UsageInfo),
	}
}

func (o *Observer) Reset() {}

func (o *Observer) Update(output any) {
	switch r := output.(type) {
	case *infer.ChatCompletionResponse:
		if r != nil {
			o.observeResponse(r)
		}
	case *infer.ChatCompletionStreamResponse:
		if r != nil {
			o.observeChunk(r)
		}
	}
}

func (o *Observer) observeResponse(r *infer.ChatCompletionResponse) {
	o.responses.WithLabelValues(o.model).Inc()
	o.promptTokens.WithLabelValues(o.model).Add(float64(r.Usage.PromptTokens))
	o.completionTokens.WithLabelValues(o.model).Add(float64(r.Usage.CompletionTokens))
	o.responseTokens.WithLabelValues(o.model).Observe(float64(r.Usage.CompletionTokens))
	for _, c := range r.Choices {
		if c.FinishReason != nil {
			o.finished.WithLabelValues(o.model, string(*c.FinishReason)).Inc()
		}
	}
}

// observeChunk counts the growth of the cumulative usage a stream reports.
func (o *Observer) observeChunk(r *infer.ChatCompletionStreamResponse) {
	o.streamChunks.WithLabelValues(o.model).Inc()
	for _, c := range r.Choices {
		if c.FinishReason != nil {
			o.finished.WithLabelValues(o.model, string(*c.FinishReason)).Inc()
		}
	}

	o.mu.Lock()
	prev, seen := o.streams[r.ID]
	if !seen {
		o.order = append(o.order, r.ID)
		if len(o.order) > maxTrackedStreams {
			delete(o.streams, o.order[0])
			o.order = o.order[1:]
		}
	}
	o.streams[r.ID] = r.Usage
	o.mu.Unlock()

	if d := r.Usage.PromptTokens - prev.PromptTokens; d > 0 {
		o.promptTokens.WithLabelValues(o.model).Add(float64(d))
	}
	if d := r.Usage.CompletionTokens - prev.CompletionTokens; d > 0 {
		o.completionTokens.WithLabelValues(o.model).Add(float64(d))
	}
}

// RegisterGeneratorStats exports the scheduler state of a local generator
// as gauges read at scrape time.
func RegisterGeneratorStats(reg prometheus.Registerer, namespace string, stats func() runtime.Stats) {
	factory := promauto.With(reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "waiting_sequences",
		Help:      "Sequences waiting for KV cache",
	}, func() float64 { return float64(stats().Waiting) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "running_sequences",
		Help:      "Sequences being decoded",
	}, func() float64 { return float64(stats().Running) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "free_kv_blocks",
		Help:      "Unallocated KV cache blocks",
	}, func() float64 { return float64(stats().FreeBlocks) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "steps_total",
		Help:      "Model forward passes",
	}, func() float64 { return float64(stats().Steps) })
}
