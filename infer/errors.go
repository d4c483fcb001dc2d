package infer

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is the root of every configuration error.
	ErrInvalidConfig = errors.New("invalid generation config")

	ErrBeamSearchStream = &ConfigError{Field: "num_beams", Msg: "streaming generation does not support beam search"}
	ErrPromptTooLong    = errors.New("prompt exceeds max model length")
	ErrAdapterConflict  = errors.New("adapter already registered with a different definition")
	ErrNoInputs         = errors.New("encoded inputs carry neither input ids nor embeddings")
	ErrEngineClosed     = errors.New("engine closed")
	ErrUnknownBackend   = errors.New("unknown backend")
)

// ConfigError reports a request or engine setting that cannot be honoured.
// It always matches ErrInvalidConfig under errors.Is.
type ConfigError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

func (e *ConfigError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidConfig, e.Err}
	}
	return []error{ErrInvalidConfig}
}

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// backendPanicError converts a recovered panic from a backend into an error.
func backendPanicError(rec any) error {
	if recErr, ok := rec.(error); ok {
		return fmt.Errorf("backend panicked: %w", recErr)
	}
	return fmt.Errorf("backend panicked: %v", rec)
}
