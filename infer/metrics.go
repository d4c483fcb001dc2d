package infer

import (
	"sync"
	"time"
)

// Metric observes the outputs of an inference call. Reset runs when a call
// starts; Update runs once per produced output. Update receives nil
// placeholders (possibly as typed nil pointers) and must ignore them.
type Metric interface {
	Reset()
	Update(output any)
}

// InferStats aggregates request and token counts for one call.
type InferStats struct {
	mu     sync.Mutex
	start  time.Time
	usage  map[string]UsageInfo
	ids    []string
	ended  time.Time
	chunks int
}

func NewInferStats() *InferStats {
	s := &InferStats{}
	s.Reset()
	return s
}

func (s *InferStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start = time.Now()
	s.ended = s.start
	s.usage = make(map[string]UsageInfo)
	s.ids = nil
	s.chunks = 0
}

func (s *InferStats) Update(output any) {
	var (
		id    string
		usage UsageInfo
	)
	switch r := output.(type) {
	case *ChatCompletionResponse:
		if r == nil {
			return
		}
		id, usage = r.ID, r.Usage
	case *ChatCompletionStreamResponse:
		if r == nil {
			return
		}
		id, usage = r.ID, r.Usage
	default:
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usage[id]; !ok {
		s.ids = append(s.ids, id)
	}
	// Stream usage is cumulative, so the latest value wins.
	s.usage[id] = usage
	s.chunks++
	s.ended = time.Now()
}

// StatsSnapshot is a point-in-time view of InferStats.
type StatsSnapshot struct {
	NumRequests      int           `json:"num_requests"`
	NumChunks        int           `json:"num_chunks"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Runtime          time.Duration `json:"runtime"`
	TokensPerSecond  float64       `json:"tokens_per_second"`
}

func (s *InferStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatsSnapshot{
		NumRequests: len(s.ids),
		NumChunks:   s.chunks,
		Runtime:     s.ended.Sub(s.start),
	}
	for _, id := range s.ids {
		u := s.usage[id]
		snap.PromptTokens += u.PromptTokens
		snap.CompletionTokens += u.CompletionTokens
	}
	if secs := snap.Runtime.Seconds(); secs > 0 {
		snap.TokensPerSecond = float64(snap.CompletionTokens) / secs
	}
	return snap
}

func resetMetrics(metrics []Metric) {
	for _, m := range metrics {
		m.Reset()
	}
}

func updateMetrics[T any](metrics []Metric, outputs ...*T) {
	for _, out := range outputs {
		for _, m := range metrics {
			m.Update(out)
		}
	}
}
