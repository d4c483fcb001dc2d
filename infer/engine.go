package infer

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync/atomic"

	"go.uber.org/zap"
)

// Engine is the uniform call surface over every backend kind.
//
// Infer and InferStream take a batch and keep results index-aligned with
// the input. Stream snapshots hold nil for rows with nothing new. The async
// variants serve a single request.
type Engine interface {
	Infer(ctx context.Context, reqs []*InferRequest, cfg *RequestConfig, opts ...InferOption) ([]*ChatCompletionResponse, error)
	InferStream(ctx context.Context, reqs []*InferRequest, cfg *RequestConfig, opts ...InferOption) (iter.Seq2[[]*ChatCompletionStreamResponse, error], error)
	InferAsync(ctx context.Context, req *InferRequest, cfg *RequestConfig, opts ...InferOption) (*ChatCompletionResponse, error)
	InferStreamAsync(ctx context.Context, req *InferRequest, cfg *RequestConfig, opts ...InferOption) (<-chan StreamEvent, error)
	Adapters() *AdapterRegistry
	Close() error
}

// StreamEvent is one item of an async stream. Exactly one field is set.
type StreamEvent struct {
	Response *ChatCompletionStreamResponse
	Err      error
}

type inferOptions struct {
	template  Template
	metrics   []Metric
	progress  bool
	adapter   *Adapter
	requestID string
}

// InferOption customises one inference call.
type InferOption func(*inferOptions)

// WithTemplate overrides the engine's template for one call.
func WithTemplate(t Template) InferOption {
	return func(o *inferOptions) {
		o.template = t
	}
}

// WithMetrics attaches observers to one call.
func WithMetrics(m ...Metric) InferOption {
	return func(o *inferOptions) {
		o.metrics = append(o.metrics, m...)
	}
}

// WithProgress toggles the progress bar for one call.
func WithProgress(b bool) InferOption {
	return func(o *inferOptions) {
		o.progress = b
	}
}

// WithAdapter applies a registered or new adapter to one call.
func WithAdapter(a Adapter) InferOption {
	return func(o *inferOptions) {
		o.adapter = &a
	}
}

// WithRequestID fixes the response id of a single-request call.
func WithRequestID(id string) InferOption {
	return func(o *inferOptions) {
		o.requestID = id
	}
}

// engineCore holds what every engine kind shares.
type engineCore struct {
	cfg      *Config
	template Template
	resolver *Resolver
	adapters *AdapterRegistry
	log      *zap.SugaredLogger
	closed   atomic.Bool
}

func newEngineCore(cfg *Config, tmpl Template, backendMaxLen int) engineCore {
	maxLen := backendMaxLen
	if cfg.MaxModelLen > 0 {
		maxLen = cfg.MaxModelLen
	}
	return engineCore{
		cfg:      cfg,
		template: tmpl,
		resolver: &Resolver{
			Defaults:    cfg.Defaults,
			MaxModelLen: maxLen,
			Strict:      cfg.Strict,
			Logger:      cfg.Logger,
		},
		adapters: NewAdapterRegistry(),
		log:      cfg.Logger,
	}
}

func (c *engineCore) Adapters() *AdapterRegistry {
	return c.adapters
}

func (c *engineCore) options(opts []InferOption) (inferOptions, error) {
	o := inferOptions{template: c.template, progress: c.cfg.Progress}
	for _, opt := range opts {
		opt(&o)
	}
	if o.template == nil || o.template.Tokenizer() == nil {
		return o, configErrorf("template", "engine has no template with a tokenizer")
	}
	return o, nil
}

func (c *engineCore) checkOpen() error {
	if c.closed.Load() {
		return ErrEngineClosed
	}
	return nil
}

// adapterNames registers the call's adapter and returns the names to pass
// to the backend.
func (c *engineCore) adapterNames(o inferOptions) ([]string, error) {
	if o.adapter == nil {
		return nil, nil
	}
	added, err := c.adapters.Register(*o.adapter)
	if err != nil {
		return nil, err
	}
	if added {
		c.log.Infow("registered adapter", "adapter", o.adapter.Name, "path", o.adapter.Path)
	}
	return []string{o.adapter.Name}, nil
}

// precheckStream fails fast on stream-incompatible settings before any
// request is encoded.
func (c *engineCore) precheckStream(rc *RequestConfig) error {
	if err := rc.Validate(); err != nil {
		return err
	}
	beams := c.cfg.Defaults.NumBeams
	if rc != nil && rc.NumBeams != nil {
		beams = *rc.NumBeams
	}
	if beams > 1 {
		return ErrBeamSearchStream
	}
	return nil
}

// forwardStream relays row index of a batch stream onto a channel.
func forwardStream(ctx context.Context, seq iter.Seq2[[]*ChatCompletionStreamResponse, error], index int) <-chan StreamEvent {
	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		for batch, err := range seq {
			ev := StreamEvent{Err: err}
			if err == nil {
				if batch[index] == nil {
					continue
				}
				ev.Response = batch[index]
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

// Factory builds an engine for one backend kind.
type Factory func(cfg *Config, tmpl Template) (Engine, error)

// Registry maps backend names to factories.
type Registry map[string]Factory

// New builds the engine registered under name.
func (r Registry) New(name string, cfg *Config, tmpl Template) (Engine, error) {
	f, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownBackend, name, r.Names())
	}
	return f(cfg, tmpl)
}

func (r Registry) Names() []string {
	return slices.Sorted(maps.Keys(r))
}
