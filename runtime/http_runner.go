package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// HTTPRunner implements ModelRunner by posting each step to a model server
// that returns next-token logits.
//
// The server exposes GET /info and POST /inference.
type HTTPRunner struct {
	serverURL   string
	client      *http.Client
	vocabSize   int
	eosTokenID  int
	maxModelLen int
	modelType   string
}

// ServerInfo is the body of GET /info.
type ServerInfo struct {
	VocabSize   int    `json:"vocab_size"`
	EOSTokenID  int    `json:"eos_token_id"`
	MaxModelLen int    `json:"max_model_len"`
	ModelType   string `json:"model_type"`
}

type inferenceSequence struct {
	TokenIDs        []int  `json:"token_ids"`
	NumPromptTokens int    `json:"num_prompt_tokens"`
	Adapter         string `json:"adapter,omitempty"`
}

type inferenceRequest struct {
	Sequences []inferenceSequence `json:"sequences"`
	IsPrefill bool                `json:"is_prefill"`
}

type inferenceResponse struct {
	Logits [][]float32 `json:"logits"`
}

// NewHTTPRunner connects to serverURL and reads the model info.
func NewHTTPRunner(ctx context.Context, serverURL string, log *zap.SugaredLogger) (*HTTPRunner, error) {
	runner := &HTTPRunner{
		serverURL: strings.TrimRight(serverURL, "/"),
		client:    &http.Client{Timeout: 5 * time.Minute},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, runner.serverURL+"/info", nil)
	if err != nil {
		return nil, err
	}
	resp, err := runner.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server info: %s", resp.Status)
	}

	var info ServerInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode server info: %w", err)
	}

	runner.vocabSize = info.VocabSize
	runner.eosTokenID = info.EOSTokenID
	runner.maxModelLen = info.MaxModelLen
	runner.modelType = info.ModelType
	if log != nil {
		log.Infow("connected to model server", "url", runner.serverURL, "vocab", info.VocabSize, "model_type", info.ModelType)
	}
	return runner, nil
}

// Run executes one step via HTTP
func (m *HTTPRunner) Run(ctx context.Context, seqs []*Sequence, isPrefill bool) ([][]float32, error) {
	body := inferenceRequest{
		Sequences: make([]inferenceSequence, len(seqs)),
		IsPrefill: isPrefill,
	}
	for i, seq := range seqs {
		body.Sequences[i] = inferenceSequence{
			TokenIDs:        seq.TokenIDs,
			NumPromptTokens: seq.NumPromptTokens,
			Adapter:         seq.Adapter,
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.serverURL+"/inference", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("inference: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var result inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode inference response: %w", err)
	}
	if len(result.Logits) != len(seqs) {
		return nil, fmt.Errorf("inference: got %d logit rows for %d sequences", len(result.Logits), len(seqs))
	}
	return result.Logits, nil
}

func (m *HTTPRunner) MaxModelLen() int {
	return m.maxModelLen
}

// Close cleans up resources
func (m *HTTPRunner) Close() error {
	m.client.CloseIdleConnections()
	return nil
}

// VocabSize returns the vocabulary size reported by the server.
func (m *HTTPRunner) VocabSize() int {
	return m.vocabSize
}

// EOSTokenID returns the end-of-sequence id reported by the server.
func (m *HTTPRunner) EOSTokenID() int {
	return m.eosTokenID
}
