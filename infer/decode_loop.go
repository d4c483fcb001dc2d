package infer

import (
	"errors"
	"fmt"
	"io"
	"iter"
)

const (
	objectCompletion      = "chat.completion"
	objectCompletionChunk = "chat.completion.chunk"
)

// decodeLoop drives one batched generation call and turns its token columns
// into per-row protocol deltas. Only the goroutine ranging over steps
// touches slot state.
type decodeLoop struct {
	model  string
	tok    Tokenizer
	cfg    *GenerationConfig
	stream TokenStream
	slots  []*GenerationSlot
}

// newDecodeLoop wires a loop over stream. A nil stream means the backend
// was never called, so every row finishes on the first step.
func newDecodeLoop(model string, tok Tokenizer, cfg *GenerationConfig, stream TokenStream, slots []*GenerationSlot) *decodeLoop {
	return &decodeLoop{model: model, tok: tok, cfg: cfg, stream: stream, slots: slots}
}

// checkStreamable rejects configs that cannot be streamed.
func checkStreamable(cfg *GenerationConfig) error {
	if cfg.NumBeams != 1 {
		return ErrBeamSearchStream
	}
	return nil
}

// steps yields one batch-shaped result per decode step in which at least one
// row produced visible output. Finished or silent rows are nil. Breaking out
// of the range closes the backend stream.
func (l *decodeLoop) steps() iter.Seq2[[]*ChatCompletionStreamResponse, error] {
	return func(yield func([]*ChatCompletionStreamResponse, error) bool) {
		if l.stream != nil {
			defer l.stream.Close()
		}
		exhausted := l.stream == nil
		for {
			if !exhausted {
				step, err := l.next()
				switch {
				case errors.Is(err, io.EOF):
					exhausted = true
				case err != nil:
					yield(nil, fmt.Errorf("generate: %w", err))
					return
				default:
					if err := l.absorb(step); err != nil {
						yield(nil, err)
						return
					}
				}
			}

			res, err := l.collect(exhausted)
			if err != nil {
				yield(nil, err)
				return
			}
			if hasResponse(res) && !yield(res, nil) {
				return
			}
			if exhausted || l.allFinished() {
				return
			}
		}
	}
}

func (l *decodeLoop) next() (step StepOutput, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = backendPanicError(rec)
		}
	}()
	return l.stream.Next()
}

// absorb appends one column to every active row.
func (l *decodeLoop) absorb(step StepOutput) error {
	if len(step.Tokens) != len(l.slots) {
		return fmt.Errorf("generate: backend returned %d tokens for %d rows", len(step.Tokens), len(l.slots))
	}
	for i, s := range l.slots {
		if s.Finished || s.backendDone {
			continue
		}
		token := step.Tokens[i]
		if token == l.cfg.PadTokenID && token != l.cfg.EOSTokenID {
			s.backendDone = true
			continue
		}
		var lp *StepLogprobs
		if l.cfg.Logprobs && i < len(step.Logits) && step.Logits[i] != nil {
			rec := ComputeStepLogprobs(step.Logits[i], token, l.cfg.TopLogprobs)
			lp = &rec
		}
		s.push(token, lp)
	}
	return nil
}

// collect builds this step's responses. exhausted forces every active row to
// finish and flush.
func (l *decodeLoop) collect(exhausted bool) ([]*ChatCompletionStreamResponse, error) {
	res := make([]*ChatCompletionStreamResponse, len(l.slots))
	for i, s := range l.slots {
		if s.Finished {
			continue
		}
		s.Finished = exhausted || s.backendDone || (s.stop != nil && s.stop.ShouldStop(s.TokenIDs))

		delta, err := s.detok.Next(s.textIDs(l.cfg.EOSTokenID), s.Finished)
		if err != nil {
			return nil, fmt.Errorf("detokenize row %d: %w", i, err)
		}
		delta = s.trim.Next(delta, s.Finished)
		if delta == "" && !s.Finished {
			continue
		}
		s.text.WriteString(delta)

		var logprobs *ChoiceLogprobs
		if l.cfg.Logprobs {
			logprobs, err = buildChoiceLogprobs(l.tok, s.pendingLogprobs(), l.cfg.IncludeTopLogprobs)
			if err != nil {
				return nil, fmt.Errorf("logprobs row %d: %w", i, err)
			}
		}

		var (
			reason *FinishReason
			calls  []ToolCall
		)
		if s.Finished {
			reason = l.cfg.FinishReason(len(s.TokenIDs)).ptr()
			calls = ExtractToolCalls(s.Text(), true)
		}

		res[i] = &ChatCompletionStreamResponse{
			ID:      s.RequestID,
			Object:  objectCompletionChunk,
			Created: s.Created,
			Model:   l.model,
			Choices: []ChatCompletionStreamChoice{{
				Index:        0,
				Delta:        DeltaMessage{Role: RoleAssistant, Content: delta, ToolCalls: calls},
				FinishReason: reason,
				Logprobs:     logprobs,
			}},
			Usage: newUsageInfo(s.PromptTokens, len(s.TokenIDs)),
		}
	}
	return res, nil
}

func (l *decodeLoop) allFinished() bool {
	for _, s := range l.slots {
		if !s.Finished {
			return false
		}
	}
	return true
}

// complete drains the loop and materialises one response per row.
func (l *decodeLoop) complete() ([]*ChatCompletionResponse, error) {
	n := len(l.slots)
	reasons := make([]*FinishReason, n)
	calls := make([][]ToolCall, n)
	content := make([][]LogprobEntry, n)

	for batch, err := range l.steps() {
		if err != nil {
			return nil, err
		}
		for i, r := range batch {
			if r == nil {
				continue
			}
			c := r.Choices[0]
			if c.Logprobs != nil {
				content[i] = append(content[i], c.Logprobs.Content...)
			}
			if c.FinishReason != nil {
				reasons[i] = c.FinishReason
				calls[i] = c.Delta.ToolCalls
			}
		}
	}

	out := make([]*ChatCompletionResponse, n)
	for i, s := range l.slots {
		var logprobs *ChoiceLogprobs
		if l.cfg.Logprobs {
			logprobs = &ChoiceLogprobs{Content: content[i]}
			if logprobs.Content == nil {
				logprobs.Content = []LogprobEntry{}
			}
		}
		out[i] = &ChatCompletionResponse{
			ID:      s.RequestID,
			Object:  objectCompletion,
			Created: s.Created,
			Model:   l.model,
			Choices: []ChatCompletionChoice{{
				Index:        0,
				Message:      ChatMessage{Role: RoleAssistant, Content: s.Text(), ToolCalls: calls[i]},
				FinishReason: reasons[i],
				Logprobs:     logprobs,
			}},
			Usage: newUsageInfo(s.PromptTokens, len(s.TokenIDs)),
		}
	}
	return out, nil
}

func hasResponse[T any](res []*T) bool {
	for _, r := range res {
		if r != nil {
			return true
		}
	}
	return false
}
