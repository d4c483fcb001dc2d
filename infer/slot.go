package infer

import "strings"

// GenerationSlot is the decode state of one row of a batch.
type GenerationSlot struct {
	RequestID    string
	Created      int64
	PromptTokens int

	Finished bool
	// TokenIDs holds generated ids with padding removed.
	TokenIDs []int
	// Logprobs is aligned with TokenIDs when logprobs were requested.
	Logprobs []StepLogprobs
	// Cursor marks how many entries of Logprobs have been reported.
	Cursor int

	detok *Detokenizer
	trim  turnEndTrimmer
	stop  *StopCriterion
	text  strings.Builder
	// backendDone is set when the backend padded the row.
	backendDone bool
}

func newGenerationSlot(tok Tokenizer, stop *StopCriterion, turnEnd []string, requestID string, promptTokens int) *GenerationSlot {
	return &GenerationSlot{
		RequestID:    requestID,
		Created:      nowUnix(),
		PromptTokens: promptTokens,
		detok:        NewDetokenizer(tok),
		trim:         turnEndTrimmer{markers: turnEnd},
		stop:         stop,
	}
}

// Text returns everything emitted for the slot so far.
func (s *GenerationSlot) Text() string {
	return s.text.String()
}

func (s *GenerationSlot) push(token int, lp *StepLogprobs) {
	s.TokenIDs = append(s.TokenIDs, token)
	if lp != nil {
		s.Logprobs = append(s.Logprobs, *lp)
	}
}

// textIDs is the part of the row that reaches the text.
func (s *GenerationSlot) textIDs(eosID int) []int {
	return withoutTrailingEOS(s.TokenIDs, eosID)
}

// withoutTrailingEOS drops a trailing end-of-sequence id. An eos that is
// followed by more tokens (ignore_eos) shows up once they arrive.
func withoutTrailingEOS(ids []int, eosID int) []int {
	if len(ids) > 0 && eosID >= 0 && ids[len(ids)-1] == eosID {
		return ids[:len(ids)-1]
	}
	return ids
}

// pendingLogprobs returns the records not yet reported and advances the
// cursor. The cursor never moves backwards.
func (s *GenerationSlot) pendingLogprobs() []StepLogprobs {
	if s.Logprobs == nil {
		return nil
	}
	end := len(s.Logprobs)
	if s.Cursor > end {
		return []StepLogprobs{}
	}
	pending := s.Logprobs[s.Cursor:end]
	s.Cursor = end
	return pending
}
