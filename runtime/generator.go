package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"go.uber.org/zap"

	"streaminfer/infer"
)

// ErrGeneratorClosed is returned by calls made after Close.
var ErrGeneratorClosed = errors.New("generator closed")

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Waiting    int
	Running    int
	FreeBlocks int
	Steps      int64
}

// Generator runs a continuous-batching decode loop on a ModelRunner. It
// serves both whole batches (infer.BatchGenerator) and individual requests
// (infer.RequestGenerator); concurrent callers share every decode step.
type Generator struct {
	cfg         *Config
	runner      ModelRunner
	tok         infer.Tokenizer
	log         *zap.SugaredLogger
	maxModelLen int

	mu      sync.Mutex
	pending []*track
	aborted []*Sequence
	closed  bool
	stats   Stats

	wake   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the loop goroutine.
	sched  *Scheduler
	owners map[*Sequence]*track
}

// track ties a scheduled sequence to the output slot it feeds.
type track struct {
	seq     *Sequence
	req     *request
	index   int
	sampler *Sampler
}

// NewGenerator starts the decode loop. tok builds stop criteria for
// submitted requests and may be nil when callers always pass their own.
func NewGenerator(cfg *Config, runner ModelRunner, tok infer.Tokenizer) *Generator {
	maxLen := cfg.MaxModelLen
	if n := runner.MaxModelLen(); n > 0 && n < maxLen {
		maxLen = n
	}
	sched := NewScheduler(cfg)
	sched.maxModelLen = maxLen

	ctx, cancel := context.WithCancel(context.Background())
	g := &Generator{
		cfg:         cfg,
		runner:      runner,
		tok:         tok,
		log:         cfg.Logger,
		maxModelLen: maxLen,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		sched:       sched,
		owners:      make(map[*Sequence]*track),
	}
	g.stats.FreeBlocks = sched.BlockManager().NumFreeBlocks()
	go g.loop()
	return g
}

// MaxModelLen returns the context length sequences are capped at.
func (g *Generator) MaxModelLen() int {
	return g.maxModelLen
}

// Stats returns the scheduler state after the latest step.
func (g *Generator) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// Close stops the loop, fails outstanding requests and closes the runner.
func (g *Generator) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	g.cancel()
	<-g.done
	return g.runner.Close()
}

// Submit queues one request. With cfg.N > 1 the request owns N sequences
// sampled independently from the same prompt.
func (g *Generator) Submit(ctx context.Context, requestID string, in *infer.EncodedInputs, cfg *infer.GenerationConfig, opts infer.SubmitOptions) (infer.RequestStream, error) {
	if err := checkSupported(in, cfg); err != nil {
		return nil, err
	}
	n := max(cfg.N, 1)
	req := newRequest(requestID, n, len(in.InputIDs), cfg.Logprobs, false, make(chan struct{}, 1))

	var adapter string
	if opts.Adapter != nil {
		adapter = opts.Adapter.Name
	}
	params := SamplingParamsFrom(cfg)
	tracks := make([]*track, n)
	for i := range n {
		tracks[i] = g.newTrack(in.InputIDs, params, cfg, i, req, adapter, nil)
	}
	if err := g.enqueue(tracks); err != nil {
		return nil, err
	}
	g.log.Debugw("request submitted", "request_id", requestID, "prompt_tokens", len(in.InputIDs), "n", n)
	return &requestStream{g: g, req: req, tracks: tracks, ctx: ctx}, nil
}

// GenerateStream queues every row of a batch and streams their tokens
// column by column. Rows that finished early are padded.
func (g *Generator) GenerateStream(ctx context.Context, in *infer.BatchedInputs, opts infer.GenerateOptions) (infer.TokenStream, error) {
	cfg := opts.Config
	if err := checkSupported(nil, cfg); err != nil {
		return nil, err
	}
	var adapter string
	if len(opts.Adapters) > 0 {
		adapter = opts.Adapters[0]
	}
	notify := make(chan struct{}, 1)
	params := SamplingParamsFrom(cfg)

	rows := in.Rows()
	reqs := make([]*request, rows)
	tracks := make([]*track, rows)
	for i := range rows {
		prompt := in.Unpadded(i)
		reqs[i] = newRequest("", 1, len(prompt), false, cfg.Logprobs, notify)
		var stop *infer.StopCriterion
		if i < len(opts.Stopping) {
			stop = opts.Stopping[i]
		}
		tracks[i] = g.newTrack(prompt, params, cfg, 0, reqs[i], adapter, stop)
		if cfg.Seed != nil {
			// Rows of one batch draw from distinct streams.
			seed := *cfg.Seed + int64(i)
			tracks[i].sampler = NewSampler(&seed)
		}
	}
	if err := g.enqueue(tracks); err != nil {
		return nil, err
	}
	return &batchStream{g: g, reqs: reqs, tracks: tracks, pad: in.PadTokenID, logits: cfg.Logprobs, notify: notify, ctx: ctx}, nil
}

func checkSupported(in *infer.EncodedInputs, cfg *infer.GenerationConfig) error {
	if cfg == nil {
		return fmt.Errorf("generation config is required")
	}
	if cfg.NumBeams > 1 {
		return &infer.ConfigError{Field: "num_beams", Msg: "beam search is not supported by the runtime backend"}
	}
	if in != nil && len(in.InputIDs) == 0 {
		return infer.ErrNoInputs
	}
	return nil
}

func (g *Generator) newTrack(prompt []int, params *SamplingParams, cfg *infer.GenerationConfig, index int, req *request, adapter string, stop *infer.StopCriterion) *track {
	seq := NewSequence(prompt, params, g.cfg.KVCacheBlockSize)
	seq.Adapter = adapter
	seq.Stop = stop
	if seq.Stop == nil && g.tok != nil {
		seq.Stop = cfg.StopCriterion(g.tok)
	}

	var seed *int64
	if cfg.Seed != nil {
		s := *cfg.Seed + int64(index)
		seed = &s
	}
	return &track{seq: seq, req: req, index: index, sampler: NewSampler(seed)}
}

func (g *Generator) enqueue(tracks []*track) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGeneratorClosed
	}
	g.pending = append(g.pending, tracks...)
	g.mu.Unlock()
	g.signal()
	return nil
}

func (g *Generator) abort(tracks []*track) {
	g.mu.Lock()
	for _, t := range tracks {
		g.aborted = append(g.aborted, t.seq)
	}
	g.mu.Unlock()
	g.signal()
}

func (g *Generator) signal() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func (g *Generator) loop() {
	defer close(g.done)
	defer g.failAll(ErrGeneratorClosed)

	for {
		g.mu.Lock()
		pending, aborted := g.pending, g.aborted
		g.pending, g.aborted = nil, nil
		g.mu.Unlock()

		for _, t := range pending {
			if err := g.sched.Add(t.seq); err != nil {
				t.req.fail(err)
				continue
			}
			g.owners[t.seq] = t
		}
		for _, seq := range aborted {
			if _, ok := g.owners[seq]; ok {
				g.sched.Abort(seq)
				delete(g.owners, seq)
			}
		}

		if g.sched.IsFinished() {
			g.updateStats(false)
			select {
			case <-g.wake:
				continue
			case <-g.ctx.Done():
				return
			}
		}

		if err := g.step(); err != nil {
			if g.ctx.Err() != nil {
				return
			}
			g.log.Errorw("decode step failed", "error", err, "sequences", len(g.owners))
			g.failAll(err)
		}
		g.updateStats(true)
	}
}

// step schedules, runs and samples one batch.
func (g *Generator) step() error {
	seqs, prefill, err := g.sched.Schedule()
	if err != nil {
		return err
	}
	logits, err := g.run(seqs, prefill)
	if err != nil {
		return fmt.Errorf("model runner: %w", err)
	}
	if len(logits) != len(seqs) {
		return fmt.Errorf("model runner returned %d rows for %d sequences", len(logits), len(seqs))
	}

	tokens := make([]int, len(seqs))
	records := make([]*infer.StepLogprobs, len(seqs))
	for i, seq := range seqs {
		t := g.owners[seq]
		row := logits[i]
		work := row
		if seq.Params.Logprobs {
			work = slices.Clone(row)
		}
		tokens[i] = t.sampler.Sample(work, seq.TokenIDs, seq.CompletionTokenIDs(), seq.Params)
		if seq.Params.Logprobs {
			rec := infer.ComputeStepLogprobs(row, tokens[i], seq.Params.TopLogprobs)
			records[i] = &rec
		}
	}

	g.sched.Postprocess(seqs, tokens)

	for i, seq := range seqs {
		t := g.owners[seq]
		t.req.record(t.index, tokens[i], records[i], logits[i], seq)
		if seq.IsFinished() {
			delete(g.owners, seq)
		}
	}
	return nil
}

func (g *Generator) run(seqs []*Sequence, prefill bool) (logits [][]float32, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("runner panicked: %v", rec)
		}
	}()
	return g.runner.Run(g.ctx, seqs, prefill)
}

func (g *Generator) failAll(err error) {
	for seq, t := range g.owners {
		g.sched.Abort(seq)
		t.req.fail(err)
	}
	clear(g.owners)
	g.mu.Lock()
	pending := g.pending
	g.pending = nil
	g.mu.Unlock()
	for _, t := range pending {
		t.req.fail(err)
	}
}

func (g *Generator) updateStats(stepped bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.Waiting = g.sched.NumWaiting()
	g.stats.Running = g.sched.NumRunning()
	g.stats.FreeBlocks = g.sched.BlockManager().NumFreeBlocks()
	if stepped {
		g.stats.Steps++
	}
}

// output accumulates one sequence's results for its consumer.
type output struct {
	tokens   []int
	logprobs []infer.StepLogprobs
	logits   [][]float32
	finished bool
	reason   infer.FinishReason
}

// request is the consumer-facing state of a group of sequences. The loop
// writes it; streams read it.
type request struct {
	id           string
	promptTokens int
	keepLogprobs bool
	keepLogits   bool
	notify       chan struct{}

	mu      sync.Mutex
	outputs []*output
	version int
	err     error
}

func newRequest(id string, n, promptTokens int, keepLogprobs, keepLogits bool, notify chan struct{}) *request {
	r := &request{
		id:           id,
		promptTokens: promptTokens,
		keepLogprobs: keepLogprobs,
		keepLogits:   keepLogits,
		notify:       notify,
		outputs:      make([]*output, n),
	}
	for i := range r.outputs {
		r.outputs[i] = &output{}
	}
	return r
}

func (r *request) record(index, token int, lp *infer.StepLogprobs, logits []float32, seq *Sequence) {
	r.mu.Lock()
	o := r.outputs[index]
	o.tokens = append(o.tokens, token)
	if r.keepLogprobs && lp != nil {
		o.logprobs = append(o.logprobs, *lp)
	}
	if r.keepLogits {
		o.logits = append(o.logits, logits)
	}
	if seq.IsFinished() {
		o.finished = true
		o.reason = seq.FinishReason
	}
	r.version++
	r.mu.Unlock()
	r.wake()
}

func (r *request) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
	r.wake()
}

func (r *request) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// snapshot must be called with r.mu held.
func (r *request) snapshot() infer.RequestOutput {
	out := infer.RequestOutput{RequestID: r.id, PromptTokens: r.promptTokens, Finished: true}
	for i, o := range r.outputs {
		co := infer.CompletionOutput{Index: i, TokenIDs: slices.Clone(o.tokens)}
		if r.keepLogprobs {
			co.Logprobs = slices.Clone(o.logprobs)
			if co.Logprobs == nil {
				co.Logprobs = []infer.StepLogprobs{}
			}
		}
		if o.finished {
			reason := o.reason
			co.FinishReason = &reason
		} else {
			out.Finished = false
		}
		out.Outputs = append(out.Outputs, co)
	}
	return out
}

// requestStream delivers cumulative updates of one submitted request.
// Intermediate updates may be coalesced; the final one never is.
type requestStream struct {
	g      *Generator
	req    *request
	tracks []*track
	ctx    context.Context
	seen   int
	ended  bool
	once   sync.Once
}

func (s *requestStream) Next() (infer.RequestOutput, error) {
	for {
		r := s.req
		r.mu.Lock()
		switch {
		case r.err != nil:
			err := r.err
			r.mu.Unlock()
			return infer.RequestOutput{}, err
		case s.ended:
			r.mu.Unlock()
			return infer.RequestOutput{}, io.EOF
		case r.version != s.seen:
			s.seen = r.version
			out := r.snapshot()
			s.ended = out.Finished
			r.mu.Unlock()
			return out, nil
		}
		r.mu.Unlock()

		select {
		case <-r.notify:
		case <-s.ctx.Done():
			s.Close()
			return infer.RequestOutput{}, s.ctx.Err()
		case <-s.g.done:
			r.fail(ErrGeneratorClosed)
		}
	}
}

// Close cancels the request if it is still running.
func (s *requestStream) Close() error {
	s.once.Do(func() {
		s.g.abort(s.tracks)
	})
	return nil
}

// batchStream yields one token column per call for a batch of requests
// sharing a notify channel.
type batchStream struct {
	g      *Generator
	reqs   []*request
	tracks []*track
	pad    int
	logits bool
	notify chan struct{}
	ctx    context.Context
	col    int
	once   sync.Once
}

func (s *batchStream) Next() (infer.StepOutput, error) {
	for {
		out, ready, err := s.column()
		if err != nil {
			return infer.StepOutput{}, err
		}
		if ready {
			return out, nil
		}
		select {
		case <-s.notify:
		case <-s.ctx.Done():
			s.Close()
			return infer.StepOutput{}, s.ctx.Err()
		case <-s.g.done:
			return infer.StepOutput{}, ErrGeneratorClosed
		}
	}
}

// column assembles the next column if every live row has produced it.
func (s *batchStream) column() (infer.StepOutput, bool, error) {
	out := infer.StepOutput{Tokens: make([]int, len(s.reqs))}
	if s.logits {
		out.Logits = make([][]float32, len(s.reqs))
	}
	live := false
	for i, r := range s.reqs {
		r.mu.Lock()
		o := r.outputs[0]
		err := r.err
		switch {
		case err != nil:
		case len(o.tokens) > s.col:
			out.Tokens[i] = o.tokens[s.col]
			if s.logits {
				out.Logits[i] = o.logits[s.col]
			}
			live = true
		case o.finished:
			out.Tokens[i] = s.pad
		default:
			r.mu.Unlock()
			return infer.StepOutput{}, false, nil
		}
		r.mu.Unlock()
		if err != nil {
			return infer.StepOutput{}, false, err
		}
	}
	if !live {
		return infer.StepOutput{}, false, io.EOF
	}
	s.col++
	return out, true, nil
}

func (s *batchStream) Close() error {
	s.once.Do(func() {
		s.g.abort(s.tracks)
	})
	return nil
}
