package runtime

import (
	"slices"
	"sync/atomic"

	"streaminfer/infer"
)

type SequenceStatus int

const (
	StatusWaiting SequenceStatus = iota
	StatusRunning
	StatusFinished
)

func (s SequenceStatus) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	}
	return "unknown"
}

// Sequence is one generated output of a request. A request with n > 1
// owns n sequences sharing the prompt. TokenIDs holds the prompt followed
// by everything sampled so far.
type Sequence struct {
	SeqID           int64
	Status          SequenceStatus
	TokenIDs        []int
	NumPromptTokens int
	NumCachedTokens int
	BlockTable      []int
	BlockSize       int

	Params  *SamplingParams
	Adapter string

	// Stop decides termination on the generated tokens. Nil means only
	// MaxTokens and the model length apply.
	Stop         *infer.StopCriterion
	FinishReason infer.FinishReason
}

var nextSeqID atomic.Int64

// NewSequence copies prompt so callers may reuse their slice.
func NewSequence(prompt []int, params *SamplingParams, blockSize int) *Sequence {
	return &Sequence{
		SeqID:           nextSeqID.Add(1) - 1,
		Status:          StatusWaiting,
		TokenIDs:        slices.Clone(prompt),
		NumPromptTokens: len(prompt),
		BlockSize:       blockSize,
		Params:          params,
	}
}

func (s *Sequence) Len() int {
	return len(s.TokenIDs)
}

// Last returns the newest token, or -1 for an empty sequence.
func (s *Sequence) Last() int {
	if len(s.TokenIDs) == 0 {
		return -1
	}
	return s.TokenIDs[len(s.TokenIDs)-1]
}

func (s *Sequence) IsFinished() bool {
	return s.Status == StatusFinished
}

func (s *Sequence) NumCompletionTokens() int {
	return len(s.TokenIDs) - s.NumPromptTokens
}

func (s *Sequence) CompletionTokenIDs() []int {
	return s.TokenIDs[s.NumPromptTokens:]
}

// NumBlocks is the number of KV cache pages the tokens span.
func (s *Sequence) NumBlocks() int {
	return (len(s.TokenIDs) + s.BlockSize - 1) / s.BlockSize
}

// Block returns the tokens of page i, nil when out of range. The last page
// may be partial.
func (s *Sequence) Block(i int) []int {
	if i < 0 || i >= s.NumBlocks() {
		return nil
	}
	lo := i * s.BlockSize
	return s.TokenIDs[lo:min(lo+s.BlockSize, len(s.TokenIDs))]
}

func (s *Sequence) AppendToken(tokenID int) {
	s.TokenIDs = append(s.TokenIDs, tokenID)
}
