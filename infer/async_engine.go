package infer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

// AsyncEngine serves requests on a RequestGenerator, which schedules
// concurrent requests itself. Batch calls fan out one task per request.
type AsyncEngine struct {
	engineCore
	gen RequestGenerator
}

func NewAsyncEngine(cfg *Config, gen RequestGenerator, tmpl Template) *AsyncEngine {
	return &AsyncEngine{
		engineCore: newEngineCore(cfg, tmpl, gen.MaxModelLen()),
		gen:        gen,
	}
}

func (e *AsyncEngine) InferAsync(ctx context.Context, req *InferRequest, rc *RequestConfig, opts ...InferOption) (*ChatCompletionResponse, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	o, err := e.options(opts)
	if err != nil {
		return nil, err
	}
	resetMetrics(o.metrics)
	s, err := e.submit(ctx, req, rc, o, false)
	if err != nil {
		return nil, err
	}
	resp, err := s.complete()
	if err != nil {
		return nil, err
	}
	updateMetrics(o.metrics, resp)
	return resp, nil
}

func (e *AsyncEngine) InferStreamAsync(ctx context.Context, req *InferRequest, rc *RequestConfig, opts ...InferOption) (<-chan StreamEvent, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	o, err := e.options(opts)
	if err != nil {
		return nil, err
	}
	resetMetrics(o.metrics)
	s, err := e.submit(ctx, req, rc, o, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		for resp, err := range s.deltas() {
			if err == nil {
				updateMetrics(o.metrics, resp)
			}
			select {
			case ch <- StreamEvent{Response: resp, Err: err}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (e *AsyncEngine) Infer(ctx context.Context, reqs []*InferRequest, rc *RequestConfig, opts ...InferOption) ([]*ChatCompletionResponse, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	o, err := e.options(opts)
	if err != nil {
		return nil, err
	}
	o.requestID = ""
	if len(reqs) == 0 {
		resetMetrics(o.metrics)
		return []*ChatCompletionResponse{}, nil
	}

	bar := newProgress(len(reqs), o.progress, "Inferring")
	defer bar.finish()

	var out []*ChatCompletionResponse
	task := func(ctx context.Context, i int, emit func(*ChatCompletionResponse)) error {
		s, err := e.submit(ctx, reqs[i], rc, o, false)
		if err != nil {
			return err
		}
		resp, err := s.complete()
		if err != nil {
			return err
		}
		emit(resp)
		return nil
	}
	for snapshot, err := range fanOut(ctx, len(reqs), e.cfg.MaxConcurrency, o.metrics, bar, task) {
		if err != nil {
			return nil, err
		}
		out = snapshot
	}
	return out, nil
}

func (e *AsyncEngine) InferStream(ctx context.Context, reqs []*InferRequest, rc *RequestConfig, opts ...InferOption) (iter.Seq2[[]*ChatCompletionStreamResponse, error], error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	o, err := e.options(opts)
	if err != nil {
		return nil, err
	}
	if err := e.precheckStream(rc); err != nil {
		return nil, err
	}
	o.requestID = ""

	task := func(ctx context.Context, i int, emit func(*ChatCompletionStreamResponse)) error {
		s, err := e.submit(ctx, reqs[i], rc, o, true)
		if err != nil {
			return err
		}
		for resp, err := range s.deltas() {
			if err != nil {
				return err
			}
			emit(resp)
		}
		return nil
	}
	return func(yield func([]*ChatCompletionStreamResponse, error) bool) {
		bar := newProgress(len(reqs), o.progress, "Inferring")
		defer bar.finish()
		for snapshot, err := range fanOut(ctx, len(reqs), e.cfg.MaxConcurrency, o.metrics, bar, task) {
			if !yield(snapshot, err) || err != nil {
				return
			}
		}
	}, nil
}

func (e *AsyncEngine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.gen.Close()
}

// submission is one request handed to the backend.
type submission struct {
	model        string
	requestID    string
	created      int64
	promptTokens int
	cfg          *GenerationConfig
	tok          Tokenizer
	stream       RequestStream
}

func (e *AsyncEngine) submit(ctx context.Context, req *InferRequest, rc *RequestConfig, o inferOptions, stream bool) (*submission, error) {
	tmpl := o.template
	in, err := tmpl.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	n, err := in.NumTokens()
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	gc, err := e.resolver.Resolve(rc, n, tmpl)
	if err != nil {
		return nil, err
	}
	if stream {
		if err := checkStreamable(gc); err != nil {
			return nil, err
		}
	}
	if _, err := e.adapterNames(o); err != nil {
		return nil, err
	}

	id := o.requestID
	if id == "" {
		id = NewRequestID()
	}
	var rs RequestStream
	if gc.MaxTokens == 0 {
		rs = emptyRequestStream(id, n, gc.N)
	} else {
		rs, err = e.gen.Submit(ctx, id, in, gc, SubmitOptions{Adapter: o.adapter})
		if err != nil {
			return nil, fmt.Errorf("submit %s: %w", id, err)
		}
	}
	return &submission{
		model:        e.cfg.Model,
		requestID:    id,
		created:      nowUnix(),
		promptTokens: n,
		cfg:          gc,
		tok:          tmpl.Tokenizer(),
		stream:       rs,
	}, nil
}

// next reads one update, converting a backend panic into an error.
func (s *submission) next() (out RequestOutput, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = backendPanicError(rec)
		}
	}()
	return s.stream.Next()
}

func (s *submission) usage(out RequestOutput) UsageInfo {
	prompt := out.PromptTokens
	if prompt == 0 {
		prompt = s.promptTokens
	}
	completion := 0
	for _, o := range out.Outputs {
		completion += len(o.TokenIDs)
	}
	return newUsageInfo(prompt, completion)
}


// complete waits for the final update and materialises the response.
func (s *submission) complete() (*ChatCompletionResponse, error) {
	defer s.stream.Close()

	var (
		last RequestOutput
		seen bool
	)
	for {
		out, err := s.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("generate %s: %w", s.requestID, err)
		}
		last, seen = out, true
	}
	if !seen {
		return nil, fmt.Errorf("generate %s: backend produced no output", s.requestID)
	}

	choices := make([]ChatCompletionChoice, 0, len(last.Outputs))
	for _, o := range last.Outputs {
		text, err := s.tok.Decode(withoutTrailingEOS(o.TokenIDs, s.cfg.EOSTokenID))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", s.requestID, err)
		}
		text = trimTurnEnd(text, s.cfg.TurnEnd)
		var logprobs *ChoiceLogprobs
		if s.cfg.Logprobs {
			logprobs, err = buildChoiceLogprobs(s.tok, o.Logprobs, s.cfg.IncludeTopLogprobs)
			if err != nil {
				return nil, err
			}
			if logprobs == nil {
				logprobs = &ChoiceLogprobs{Content: []LogprobEntry{}}
			}
		}
		choices = append(choices, ChatCompletionChoice{
			Index:        o.Index,
			Message:      ChatMessage{Role: RoleAssistant, Content: text, ToolCalls: ExtractToolCalls(text, true)},
			FinishReason: s.cfg.FinishReason(len(o.TokenIDs)).ptr(),
			Logprobs:     logprobs,
		})
	}
	return &ChatCompletionResponse{
		ID:      s.requestID,
		Object:  objectCompletion,
		Created: s.created,
		Model:   s.model,
		Choices: choices,
		Usage:   s.usage(last),
	}, nil
}

// outputState tracks one output index of a streamed request.
type outputState struct {
	detok  *Detokenizer
	trim   turnEndTrimmer
	text   strings.Builder
	cursor int
	done   bool
}

// deltas turns cumulative backend updates into stream responses. Updates
// that change no output's visible text and finish nothing are skipped.
func (s *submission) deltas() iter.Seq2[*ChatCompletionStreamResponse, error] {
	return func(yield func(*ChatCompletionStreamResponse, error) bool) {
		defer s.stream.Close()
		states := make(map[int]*outputState)

		for {
			out, err := s.next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("generate %s: %w", s.requestID, err))
				return
			}

			var choices []ChatCompletionStreamChoice
			for _, o := range out.Outputs {
				st, ok := states[o.Index]
				if !ok {
					st = &outputState{detok: NewDetokenizer(s.tok), trim: turnEndTrimmer{markers: s.cfg.TurnEnd}}
					states[o.Index] = st
				}
				if st.done {
					continue
				}
				finished := o.Finished() || out.Finished
				delta, err := st.detok.Next(withoutTrailingEOS(o.TokenIDs, s.cfg.EOSTokenID), finished)
				if err != nil {
					yield(nil, fmt.Errorf("detokenize %s: %w", s.requestID, err))
					return
				}
				delta = st.trim.Next(delta, finished)
				if delta == "" && !finished {
					continue
				}
				st.text.WriteString(delta)

				choice := ChatCompletionStreamChoice{
					Index: o.Index,
					Delta: DeltaMessage{Role: RoleAssistant, Content: delta},
				}
				if s.cfg.Logprobs && st.cursor <= len(o.Logprobs) {
					choice.Logprobs, err = buildChoiceLogprobs(s.tok, o.Logprobs[st.cursor:], s.cfg.IncludeTopLogprobs)
					if err != nil {
						yield(nil, err)
						return
					}
					st.cursor = len(o.Logprobs)
				}
				if finished {
					st.done = true
					choice.FinishReason = s.cfg.FinishReason(len(o.TokenIDs)).ptr()
					choice.Delta.ToolCalls = ExtractToolCalls(st.text.String(), true)
				}
				choices = append(choices, choice)
			}
			if len(choices) == 0 {
				continue
			}
			resp := &ChatCompletionStreamResponse{
				ID:      s.requestID,
				Object:  objectCompletionChunk,
				Created: s.created,
				Model:   s.model,
				Choices: choices,
				Usage:   s.usage(out),
			}
			if !yield(resp, nil) {
				return
			}
		}
	}
}

// staticRequestStream replays fixed updates. It stands in for the backend
// when a request has no room to generate.
type staticRequestStream struct {
	outputs []RequestOutput
}

func emptyRequestStream(requestID string, promptTokens, n int) *staticRequestStream {
	out := RequestOutput{RequestID: requestID, PromptTokens: promptTokens, Finished: true}
	for i := range max(n, 1) {
		out.Outputs = append(out.Outputs, CompletionOutput{Index: i, FinishReason: FinishLength.ptr()})
	}
	return &staticRequestStream{outputs: []RequestOutput{out}}
}

func (s *staticRequestStream) Next() (RequestOutput, error) {
	if len(s.outputs) == 0 {
		return RequestOutput{}, io.EOF
	}
	out := s.outputs[0]
	s.outputs = s.outputs[1:]
	return out, nil
}

func (s *staticRequestStream) Close() error {
	return nil
}
