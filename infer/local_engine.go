package infer

import (
	"context"
	"fmt"
	"iter"
	"slices"
)

// LocalEngine serves batches on a BatchGenerator, splitting them into
// sub-batches of at most Config.MaxBatchSize rows.
type LocalEngine struct {
	engineCore
	gen BatchGenerator
}

func NewLocalEngine(cfg *Config, gen BatchGenerator, tmpl Template) *LocalEngine {
	return &LocalEngine{
		engineCore: newEngineCore(cfg, tmpl, gen.MaxModelLen()),
		gen:        gen,
	}
}

func (e *LocalEngine) Infer(ctx context.Context, reqs []*InferRequest, rc *RequestConfig, opts ...InferOption) ([]*ChatCompletionResponse, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	o, err := e.options(opts)
	if err != nil {
		return nil, err
	}
	resetMetrics(o.metrics)
	bar := newProgress(len(reqs), o.progress, "Inferring")
	defer bar.finish()

	out := make([]*ChatCompletionResponse, len(reqs))
	for start := 0; start < len(reqs); start += e.cfg.MaxBatchSize {
		end := min(start+e.cfg.MaxBatchSize, len(reqs))
		loop, err := e.prepare(ctx, reqs[start:end], rc, o, false)
		if err != nil {
			return nil, err
		}
		res, err := loop.complete()
		if err != nil {
			return nil, err
		}
		copy(out[start:end], res)
		updateMetrics(o.metrics, res...)
		bar.add(end - start)
	}
	return out, nil
}

func (e *LocalEngine) InferStream(ctx context.Context, reqs []*InferRequest, rc *RequestConfig, opts ...InferOption) (iter.Seq2[[]*ChatCompletionStreamResponse, error], error) {
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

	return func(yield func([]*ChatCompletionStreamResponse, error) bool) {
		resetMetrics(o.metrics)
		bar := newProgress(len(reqs), o.progress, "Inferring")
		defer bar.finish()

		for start := 0; start < len(reqs); start += e.cfg.MaxBatchSize {
			end := min(start+e.cfg.MaxBatchSize, len(reqs))
			loop, err := e.prepare(ctx, reqs[start:end], rc, o, true)
			if err != nil {
				yield(nil, err)
				return
			}
			for step, err := range loop.steps() {
				if err != nil {
					yield(nil, err)
					return
				}
				updateMetrics(o.metrics, step...)
				full := make([]*ChatCompletionStreamResponse, len(reqs))
				copy(full[start:end], step)
				if !yield(full, nil) {
					return
				}
			}
			bar.add(end - start)
		}
	}, nil
}

func (e *LocalEngine) InferAsync(ctx context.Context, req *InferRequest, rc *RequestConfig, opts ...InferOption) (*ChatCompletionResponse, error) {
	res, err := e.Infer(ctx, []*InferRequest{req}, rc, append(slices.Clip(opts), WithProgress(false))...)
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

func (e *LocalEngine) InferStreamAsync(ctx context.Context, req *InferRequest, rc *RequestConfig, opts ...InferOption) (<-chan StreamEvent, error) {
	seq, err := e.InferStream(ctx, []*InferRequest{req}, rc, append(slices.Clip(opts), WithProgress(false))...)
	if err != nil {
		return nil, err
	}
	return forwardStream(ctx, seq, 0), nil
}

// Close releases the backend. Calls made afterwards fail with
// ErrEngineClosed.
func (e *LocalEngine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.gen.Close()
}

// prepare encodes one sub-batch, resolves its generation config and starts
// the backend. The backend is not called when no tokens may be generated.
func (e *LocalEngine) prepare(ctx context.Context, reqs []*InferRequest, rc *RequestConfig, o inferOptions, stream bool) (*decodeLoop, error) {
	tmpl := o.template
	tok := tmpl.Tokenizer()

	encoded := make([]*EncodedInputs, len(reqs))
	promptTokens := make([]int, len(reqs))
	for i, req := range reqs {
		in, err := tmpl.Encode(req)
		if err != nil {
			return nil, fmt.Errorf("encode request %d: %w", i, err)
		}
		n, err := in.NumTokens()
		if err != nil {
			return nil, fmt.Errorf("encode request %d: %w", i, err)
		}
		encoded[i], promptTokens[i] = in, n
	}
	batch, err := tmpl.Collate(encoded, PadLeft)
	if err != nil {
		return nil, fmt.Errorf("collate: %w", err)
	}

	gc, err := e.resolver.Resolve(rc, batch.PromptLen, tmpl)
	if err != nil {
		return nil, err
	}
	if stream {
		if err := checkStreamable(gc); err != nil {
			return nil, err
		}
	}
	adapters, err := e.adapterNames(o)
	if err != nil {
		return nil, err
	}

	slots := make([]*GenerationSlot, len(reqs))
	stops := make([]*StopCriterion, len(reqs))
	for i := range reqs {
		id := NewRequestID()
		if o.requestID != "" && len(reqs) == 1 {
			id = o.requestID
		}
		stops[i] = gc.StopCriterion(tok)
		slots[i] = newGenerationSlot(tok, stops[i], gc.TurnEnd, id, promptTokens[i])
	}

	var ts TokenStream
	if gc.MaxTokens > 0 {
		ts, err = e.gen.GenerateStream(ctx, batch, GenerateOptions{Config: gc, Stopping: stops, Adapters: adapters})
		if err != nil {
			return nil, fmt.Errorf("generate: %w", err)
		}
	}
	e.log.Debugw("starting batch", "rows", len(reqs), "prompt_len", batch.PromptLen,
		"max_tokens", gc.MaxTokens, "stream", stream)
	return newDecodeLoop(e.cfg.Model, tok, gc, ts, slots), nil
}
