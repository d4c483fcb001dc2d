package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"streaminfer/config"
	"streaminfer/infer"
	"streaminfer/remote"
	"streaminfer/runtime"
)

type vocabTokenizer interface {
	infer.Tokenizer
	VocabSize() int
}

// backend is a built engine plus what the serve command exposes next to it.
type backend struct {
	engine infer.Engine
	// generator is the request level backend under engine.
	generator infer.RequestGenerator
	// stats is nil for remote backends.
	stats   func() runtime.Stats
	closers []func() error
}

func (b *backend) Close() error {
	var errs []error
	if b.engine != nil {
		errs = append(errs, b.engine.Close())
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

// backendFactory builds the generator for one backend name.
type backendFactory func(ctx context.Context, c config.Config, tok vocabTokenizer, log *zap.SugaredLogger, b *backend) (infer.RequestGenerator, error)

var backendFactories = map[string]backendFactory{
	"echo":        newEchoBackend,
	"onnx":        newONNXBackend,
	"http-runner": newHTTPRunnerBackend,
	"remote-http": newRemoteHTTPBackend,
	"nats":        newNATSBackend,
}

func backendNames() string {
	return strings.Join(slices.Sorted(maps.Keys(backendFactories)), ", ")
}

// registryFor adapts the backend factories to an engine registry. Local
// runtimes get the lock step engine in batch mode.
func registryFor(mode string, build func(name string) (infer.RequestGenerator, error)) infer.Registry {
	reg := make(infer.Registry, len(backendFactories))
	for name := range backendFactories {
		reg[name] = func(cfg *infer.Config, tmpl infer.Template) (infer.Engine, error) {
			gen, err := build(name)
			if err != nil {
				return nil, err
			}
			if bg, ok := gen.(infer.BatchGenerator); ok && mode == "batch" {
				return infer.NewLocalEngine(cfg, bg, tmpl), nil
			}
			return infer.NewAsyncEngine(cfg, gen, tmpl), nil
		}
	}
	return reg
}

// openBackend loads the tokenizer and builds the configured engine.
func openBackend(ctx context.Context, c config.Config, log *zap.SugaredLogger) (*backend, vocabTokenizer, error) {
	tok, err := loadTokenizer(c.Backend.TokenizerDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load tokenizer: %w", err)
	}

	b := &backend{}
	if cl, ok := tok.(io.Closer); ok {
		b.closers = append(b.closers, cl.Close)
	}

	icfg, err := infer.NewConfig(c.Engine.Model, append(c.EngineOptions(), infer.WithLogger(log))...)
	if err != nil {
		b.Close()
		return nil, nil, err
	}

	reg := registryFor(c.Engine.Mode, func(name string) (infer.RequestGenerator, error) {
		gen, err := backendFactories[name](ctx, c, tok, log, b)
		if err != nil {
			return nil, err
		}
		b.generator = gen
		return gen, nil
	})
	tmpl := infer.NewChatMLTemplate(tok, c.Engine.SystemPrompt)
	engine, err := reg.New(c.Backend.Name, icfg, tmpl)
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	b.engine = engine
	log.Infow("backend ready", "backend", c.Backend.Name, "model", c.Engine.Model, "mode", c.Engine.Mode)
	return b, tok, nil
}

func newRuntimeGenerator(c config.Config, runner runtime.ModelRunner, tok vocabTokenizer, log *zap.SugaredLogger, b *backend) (*runtime.Generator, error) {
	r := c.Backend.Runtime
	rcfg, err := runtime.NewConfig(
		runtime.WithMaxModelLen(r.MaxModelLen),
		runtime.WithMaxNumBatchedTokens(r.MaxNumBatchedTokens),
		runtime.WithMaxNumSeqs(r.MaxNumSeqs),
		runtime.WithKVCacheBlockSize(r.KVCacheBlockSize),
		runtime.WithNumKVCacheBlocks(r.NumKVCacheBlocks),
		runtime.WithLogger(log),
	)
	if err != nil {
		runner.Close()
		return nil, fmt.Errorf("runtime config: %w", err)
	}
	gen := runtime.NewGenerator(rcfg, runner, tok)
	b.stats = gen.Stats
	return gen, nil
}

func newEchoBackend(_ context.Context, c config.Config, tok vocabTokenizer, log *zap.SugaredLogger, b *backend) (infer.RequestGenerator, error) {
	runner := runtime.NewEchoRunner(tok.VocabSize(), tok.EOSTokenID(), 0)
	return newRuntimeGenerator(c, runner, tok, log, b)
}

func newONNXBackend(_ context.Context, c config.Config, tok vocabTokenizer, log *zap.SugaredLogger, b *backend) (infer.RequestGenerator, error) {
	o := c.Backend.ONNX
	if o.ModelPath == "" {
		return nil, errors.New("backend.onnx.model_path is required")
	}
	vocab := o.VocabSize
	if vocab == 0 {
		vocab = tok.VocabSize()
	}
	runner, err := runtime.NewONNXRunner(o.ModelPath, o.LibraryPath, vocab, c.Backend.Runtime.MaxModelLen, runtime.WithONNXLogger(log))
	if err != nil {
		return nil, err
	}
	return newRuntimeGenerator(c, runner, tok, log, b)
}

func newHTTPRunnerBackend(ctx context.Context, c config.Config, tok vocabTokenizer, log *zap.SugaredLogger, b *backend) (infer.RequestGenerator, error) {
	if c.Backend.Endpoint == "" {
		return nil, errors.New("backend.endpoint is required for http-runner")
	}
	runner, err := runtime.NewHTTPRunner(ctx, c.Backend.Endpoint, log)
	if err != nil {
		return nil, err
	}
	if runner.VocabSize() != tok.VocabSize() {
		log.Warnw("model and tokenizer vocab sizes differ", "model", runner.VocabSize(), "tokenizer", tok.VocabSize())
	}
	return newRuntimeGenerator(c, runner, tok, log, b)
}

func newRemoteHTTPBackend(ctx context.Context, c config.Config, _ vocabTokenizer, log *zap.SugaredLogger, _ *backend) (infer.RequestGenerator, error) {
	if c.Backend.Endpoint == "" {
		return nil, errors.New("backend.endpoint is required for remote-http")
	}
	return remote.NewHTTPGenerator(ctx, c.Backend.Endpoint, remote.WithHTTPLogger(log))
}

func newNATSBackend(ctx context.Context, c config.Config, _ vocabTokenizer, log *zap.SugaredLogger, b *backend) (infer.RequestGenerator, error) {
	nc, err := nats.Connect(c.Backend.NATS.URL, nats.Name("streaminfer-client"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	gen, err := remote.NewNATSGenerator(ctx, nc, c.Backend.NATS.Subject, log)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.closers = append(b.closers, func() error { nc.Close(); return nil })
	return gen, nil
}
