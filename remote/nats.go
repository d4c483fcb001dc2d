package remote

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"streaminfer/infer"
)

// NATS subjects derived from the base generate subject.
func infoSubject(subject string) string   { return subject + ".info" }
func cancelSubject(subject string) string { return subject + ".cancel" }

// QueueGroup load-balances requests between generator servers.
const QueueGroup = "streaminfer"

// NATSGenerator submits requests on a NATS subject. Updates come back on a
// per-request inbox named in the request payload.
type NATSGenerator struct {
	nc      *nats.Conn
	subject string
	info    Info
	log     *zap.SugaredLogger
}

// NewNATSGenerator asks the servers behind subject for their info.
func NewNATSGenerator(ctx context.Context, nc *nats.Conn, subject string, log *zap.SugaredLogger) (*NATSGenerator, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	msg, err := nc.RequestWithContext(ctx, infoSubject(subject), nil)
	if err != nil {
		return nil, fmt.Errorf("generator info on %s: %w", subject, err)
	}
	g := &NATSGenerator{nc: nc, subject: subject, log: log}
	if err := json.Unmarshal(msg.Data, &g.info); err != nil {
		return nil, fmt.Errorf("decode generator info: %w", err)
	}
	log.Infow("connected to generator subject", "subject", subject, "model", g.info.Model, "max_model_len", g.info.MaxModelLen)
	return g, nil
}

func (g *NATSGenerator) Info() Info {
	return g.info
}

func (g *NATSGenerator) MaxModelLen() int {
	return g.info.MaxModelLen
}

// Close leaves the connection to its owner.
func (g *NATSGenerator) Close() error {
	return nil
}

func (g *NATSGenerator) Submit(ctx context.Context, requestID string, in *infer.EncodedInputs, cfg *infer.GenerationConfig, opts infer.SubmitOptions) (infer.RequestStream, error) {
	if len(in.InputIDs) == 0 {
		return nil, infer.ErrNoInputs
	}
	inbox := g.nc.NewRespInbox()
	sub, err := g.nc.SubscribeSync(inbox)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", inbox, err)
	}
	payload, err := json.Marshal(GenerateRequest{
		RequestID:      requestID,
		PromptTokenIDs: in.InputIDs,
		Config:         cfg,
		Adapter:        opts.Adapter,
		ReplyTo:        inbox,
	})
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	if err := g.nc.Publish(g.subject, payload); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("publish %s: %w", requestID, err)
	}
	return &natsStream{g: g, ctx: ctx, sub: sub, requestID: requestID}, nil
}

type natsStream struct {
	g         *NATSGenerator
	ctx       context.Context
	sub       *nats.Subscription
	requestID string

	mu       sync.Mutex
	finished bool
	closed   bool
}

func (s *natsStream) Next() (infer.RequestOutput, error) {
	s.mu.Lock()
	finished := s.finished
	s.mu.Unlock()
	if finished {
		return infer.RequestOutput{}, io.EOF
	}

	msg, err := s.sub.NextMsgWithContext(s.ctx)
	if err != nil {
		s.Close()
		return infer.RequestOutput{}, err
	}
	ev, err := decodeEvent(msg.Data)
	if err != nil {
		return infer.RequestOutput{}, err
	}
	switch {
	case ev.Error != nil:
		s.finish()
		return infer.RequestOutput{}, ev.Error.err()
	case ev.Done:
		s.finish()
		return infer.RequestOutput{}, io.EOF
	}
	return *ev.Output, nil
}

func (s *natsStream) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.sub.Unsubscribe()
}

// Close stops listening and, unless the stream already ended, asks the
// server to abort the request.
func (s *natsStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	finished := s.finished
	s.finished = true
	s.mu.Unlock()

	if finished {
		return nil
	}
	s.sub.Unsubscribe()
	return s.g.nc.Publish(cancelSubject(s.g.subject), []byte(s.requestID))
}

// NATSServer serves a RequestGenerator on a NATS subject.
type NATSServer struct {
	nc      *nats.Conn
	subject string
	gen     infer.RequestGenerator
	model   string
	log     *zap.SugaredLogger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

func NewNATSServer(nc *nats.Conn, subject string, gen infer.RequestGenerator, model string, log *zap.SugaredLogger) *NATSServer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &NATSServer{
		nc:       nc,
		subject:  subject,
		gen:      gen,
		model:    model,
		log:      log,
		inflight: make(map[string]context.CancelFunc),
	}
}

// Serve handles requests until ctx is cancelled, then aborts the in-flight
// ones and waits for them.
func (s *NATSServer) Serve(ctx context.Context) error {
	var subs []*nats.Subscription
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	sub, err := s.nc.QueueSubscribe(s.subject, QueueGroup, func(msg *nats.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.subject, err)
	}
	subs = append(subs, sub)

	sub, err = s.nc.QueueSubscribe(infoSubject(s.subject), QueueGroup, func(msg *nats.Msg) {
		data, _ := json.Marshal(Info{Model: s.model, MaxModelLen: s.gen.MaxModelLen()})
		msg.Respond(data)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", infoSubject(s.subject), err)
	}
	subs = append(subs, sub)

	// every server sees cancels; only the owner has the request
	sub, err = s.nc.Subscribe(cancelSubject(s.subject), func(msg *nats.Msg) {
		s.cancel(string(msg.Data))
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", cancelSubject(s.subject), err)
	}
	subs = append(subs, sub)

	s.log.Infow("serving generator on nats", "subject", s.subject, "queue", QueueGroup)
	<-ctx.Done()

	s.mu.Lock()
	for _, cancel := range s.inflight {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *NATSServer) handle(ctx context.Context, msg *nats.Msg) {
	var req GenerateRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warnw("dropping malformed generate request", "error", err)
		return
	}
	if req.ReplyTo == "" {
		s.log.Warnw("dropping generate request without reply subject", "request_id", req.RequestID)
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.inflight[req.RequestID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, req.RequestID)
			s.mu.Unlock()
			cancel()
		}()

		publish := func(ev GenerateEvent) error {
			data, err := encodeEvent(ev)
			if err != nil {
				return err
			}
			return s.nc.Publish(req.ReplyTo, data)
		}
		if err := Forward(reqCtx, s.gen, &req, publish); err != nil {
			s.log.Warnw("failed to publish update", "request_id", req.RequestID, "error", err)
			return
		}
		if reqCtx.Err() == nil {
			publish(GenerateEvent{Done: true})
		}
	}()
}

func (s *NATSServer) cancel(requestID string) {
	s.mu.Lock()
	cancel, ok := s.inflight[requestID]
	s.mu.Unlock()
	if ok {
		s.log.Debugw("request cancelled by client", "request_id", requestID)
		cancel()
	}
}
