// Package remote implements infer.RequestGenerator over the network. A
// generator server (see server and ServeNATS) owns the model; clients submit
// encoded prompts and receive cumulative RequestOutput updates.
package remote

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"streaminfer/infer"
)

// GenerateRequest is the wire form of RequestGenerator.Submit.
type GenerateRequest struct {
	RequestID      string                  `json:"request_id"`
	PromptTokenIDs []int                   `json:"prompt_token_ids"`
	Config         *infer.GenerationConfig `json:"config"`
	Adapter        *infer.Adapter          `json:"adapter,omitempty"`
	// ReplyTo is the NATS subject updates are published on. Unused over HTTP.
	ReplyTo string `json:"reply_to,omitempty"`
}

// Validate checks the fields every transport needs.
func (r *GenerateRequest) Validate() error {
	switch {
	case r.RequestID == "":
		return fmt.Errorf("missing request_id")
	case len(r.PromptTokenIDs) == 0:
		return infer.ErrNoInputs
	case r.Config == nil:
		return fmt.Errorf("missing config")
	}
	return nil
}

// GenerateEvent is one message of a generation stream. Exactly one of
// Output, Error and Done is set. Done ends a stream on transports without
// their own terminator.
type GenerateEvent struct {
	Output *infer.RequestOutput `json:"output,omitempty"`
	Error  *EventError          `json:"error,omitempty"`
	Done   bool                 `json:"done,omitempty"`
}

// EventError carries a backend failure to the client.
type EventError struct {
	Message string `json:"message"`
	// Invalid marks errors that match infer.ErrInvalidConfig.
	Invalid bool `json:"invalid,omitempty"`
}

// ErrRemote wraps every failure reported by the generator server.
var ErrRemote = errors.New("remote generator error")

func (e *EventError) err() error {
	if e.Invalid {
		return &infer.ConfigError{Msg: e.Message, Err: ErrRemote}
	}
	return fmt.Errorf("%w: %s", ErrRemote, e.Message)
}

// NewErrorEvent converts err for the wire.
func NewErrorEvent(err error) GenerateEvent {
	return GenerateEvent{Error: &EventError{Message: err.Error(), Invalid: errors.Is(err, infer.ErrInvalidConfig)}}
}

// Info describes a generator server.
type Info struct {
	Model       string `json:"model"`
	MaxModelLen int    `json:"max_model_len"`
}

func encodeEvent(ev GenerateEvent) ([]byte, error) {
	return json.Marshal(ev)
}

func decodeEvent(data []byte) (GenerateEvent, error) {
	var ev GenerateEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode generate event: %w", err)
	}
	if ev.Output == nil && ev.Error == nil && !ev.Done {
		return ev, fmt.Errorf("decode generate event: empty event")
	}
	return ev, nil
}
