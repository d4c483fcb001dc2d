package remote

import (
	"context"
	"errors"
	"io"

	"streaminfer/infer"
)

// Forward submits req to gen and hands every update to emit until the
// request finishes. A backend failure is emitted as an error event; the
// returned error is only non-nil when emit itself fails.
func Forward(ctx context.Context, gen infer.RequestGenerator, req *GenerateRequest, emit func(GenerateEvent) error) error {
	if err := req.Validate(); err != nil {
		return emit(NewErrorEvent(&infer.ConfigError{Msg: err.Error(), Err: err}))
	}
	stream, err := gen.Submit(ctx, req.RequestID, &infer.EncodedInputs{InputIDs: req.PromptTokenIDs}, req.Config, infer.SubmitOptions{Adapter: req.Adapter})
	if err != nil {
		return emit(NewErrorEvent(err))
	}
	defer stream.Close()

	for {
		out, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return emit(NewErrorEvent(err))
		}
		if err := emit(GenerateEvent{Output: &out}); err != nil {
			return err
		}
	}
}
