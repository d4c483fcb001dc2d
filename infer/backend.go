package infer

import "context"

// StepOutput is one column of a batched generation: the token produced for
// every row of the batch in this step. Rows that already stopped receive the
// pad token. Logits is nil unless the config asked for logprobs.
type StepOutput struct {
	Tokens []int
	Logits [][]float32
}

// TokenStream yields generation steps. Next returns io.EOF once the backend
// has nothing left to produce. Close releases backend resources and may be
// called at any point, including before exhaustion.
type TokenStream interface {
	Next() (StepOutput, error)
	Close() error
}

// GenerateOptions carries everything a backend needs besides the inputs.
type GenerateOptions struct {
	Config *GenerationConfig
	// Stopping holds one criterion per row. Backends should stop producing
	// real tokens for a row once its criterion fires.
	Stopping []*StopCriterion
	Adapters []string
}

// BatchGenerator is a local backend that decodes a whole padded batch in
// lock step.
type BatchGenerator interface {
	GenerateStream(ctx context.Context, in *BatchedInputs, opts GenerateOptions) (TokenStream, error)
	// MaxModelLen returns 0 when unknown.
	MaxModelLen() int
	Close() error
}

// CompletionOutput is the cumulative state of one output sequence of a
// request. TokenIDs and Logprobs always hold everything generated so far.
type CompletionOutput struct {
	Index        int            `json:"index"`
	TokenIDs     []int          `json:"token_ids"`
	Logprobs     []StepLogprobs `json:"logprobs,omitempty"`
	FinishReason *FinishReason  `json:"finish_reason,omitempty"`
}

// Finished reports whether the output has a finish reason.
func (o *CompletionOutput) Finished() bool {
	return o.FinishReason != nil
}

// RequestOutput is one update of a submitted request.
type RequestOutput struct {
	RequestID    string             `json:"request_id"`
	PromptTokens int                `json:"prompt_tokens"`
	Outputs      []CompletionOutput `json:"outputs"`
	Finished     bool               `json:"finished"`
}

// RequestStream yields cumulative updates for one submitted request and
// returns io.EOF after the final one.
type RequestStream interface {
	Next() (RequestOutput, error)
	Close() error
}

// SubmitOptions are per-request backend options.
type SubmitOptions struct {
	Adapter *Adapter
}

// RequestGenerator is a backend that accepts one request at a time and
// schedules concurrent requests itself.
type RequestGenerator interface {
	Submit(ctx context.Context, requestID string, in *EncodedInputs, cfg *GenerationConfig, opts SubmitOptions) (RequestStream, error)
	MaxModelLen() int
	Close() error
}
