package remote

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"streaminfer/infer"
)

const (
	GeneratePath = "/v1/generate"
	InfoPath     = "/v1/info"
)

// HTTPGenerator submits requests to a generator server over HTTP and reads
// updates from a server-sent event stream.
type HTTPGenerator struct {
	baseURL string
	client  *http.Client
	info    Info
	log     *zap.SugaredLogger
}

// HTTPOption configures an HTTPGenerator.
type HTTPOption func(*HTTPGenerator)

// WithHTTPClient replaces the default client. Streaming requests must not
// have a client-wide timeout.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(g *HTTPGenerator) {
		g.client = c
	}
}

func WithHTTPLogger(l *zap.SugaredLogger) HTTPOption {
	return func(g *HTTPGenerator) {
		g.log = l
	}
}

// NewHTTPGenerator connects to the server at baseURL and reads its info.
func NewHTTPGenerator(ctx context.Context, baseURL string, opts ...HTTPOption) (*HTTPGenerator, error) {
	g := &HTTPGenerator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		log:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(g)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+InfoPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to generator server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("generator info: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&g.info); err != nil {
		return nil, fmt.Errorf("decode generator info: %w", err)
	}
	g.log.Infow("connected to generator server", "url", g.baseURL, "model", g.info.Model, "max_model_len", g.info.MaxModelLen)
	return g, nil
}

// Info returns what the server reported at connect time.
func (g *HTTPGenerator) Info() Info {
	return g.info
}

func (g *HTTPGenerator) MaxModelLen() int {
	return g.info.MaxModelLen
}

func (g *HTTPGenerator) Close() error {
	g.client.CloseIdleConnections()
	return nil
}

// Submit starts one request. The returned stream owns the HTTP response;
// closing it cancels the request on the server.
func (g *HTTPGenerator) Submit(ctx context.Context, requestID string, in *infer.EncodedInputs, cfg *infer.GenerationConfig, opts infer.SubmitOptions) (infer.RequestStream, error) {
	if len(in.InputIDs) == 0 {
		return nil, infer.ErrNoInputs
	}
	payload, err := json.Marshal(GenerateRequest{
		RequestID:      requestID,
		PromptTokenIDs: in.InputIDs,
		Config:         cfg,
		Adapter:        opts.Adapter,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+GeneratePath, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := g.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("submit %s: %w", requestID, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		defer cancel()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var ev GenerateEvent
		if json.Unmarshal(msg, &ev) == nil && ev.Error != nil {
			return nil, ev.Error.err()
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrRemote, resp.Status, bytes.TrimSpace(msg))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &sseStream{body: resp.Body, scanner: scanner, cancel: cancel}, nil
}

// sseStream decodes "data: " lines into RequestOutputs.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc

	done      bool
	closeOnce sync.Once
}

func (s *sseStream) Next() (infer.RequestOutput, error) {
	if s.done {
		return infer.RequestOutput{}, io.EOF
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			s.done = true
			return infer.RequestOutput{}, io.EOF
		}
		ev, err := decodeEvent([]byte(data))
		if err != nil {
			return infer.RequestOutput{}, err
		}
		switch {
		case ev.Error != nil:
			return infer.RequestOutput{}, ev.Error.err()
		case ev.Done:
			s.done = true
			return infer.RequestOutput{}, io.EOF
		}
		return *ev.Output, nil
	}
	if err := s.scanner.Err(); err != nil {
		return infer.RequestOutput{}, fmt.Errorf("read generate stream: %w", err)
	}
	return infer.RequestOutput{}, fmt.Errorf("%w: stream ended without [DONE]", ErrRemote)
}

func (s *sseStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.body.Close()
	})
	return nil
}
