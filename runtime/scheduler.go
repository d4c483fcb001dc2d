package runtime

import (
	"container/list"
	"errors"
	"fmt"
	"slices"

	"streaminfer/infer"
)

// ErrNothingScheduled means no sequence fits in the KV cache.
var ErrNothingScheduled = errors.New("no sequences scheduled")

// Scheduler manages sequence scheduling for prefill and decode phases
type Scheduler struct {
	maxNumSeqs          int
	maxNumBatchedTokens int
	maxModelLen         int
	blockManager        *BlockManager
	waiting             *list.List
	running             *list.List
}

// NewScheduler creates a new scheduler
func NewScheduler(config *Config) *Scheduler {
	return &Scheduler{
		maxNumSeqs:          config.MaxNumSeqs,
		maxNumBatchedTokens: config.MaxNumBatchedTokens,
		maxModelLen:         config.MaxModelLen,
		blockManager:        NewBlockManager(config.NumKVCacheBlocks, config.KVCacheBlockSize),
		waiting:             list.New(),
		running:             list.New(),
	}
}

// IsFinished returns true if there are no more sequences to process
func (s *Scheduler) IsFinished() bool {
	return s.waiting.Len() == 0 && s.running.Len() == 0
}

// NumWaiting returns the length of the waiting queue.
func (s *Scheduler) NumWaiting() int {
	return s.waiting.Len()
}

// NumRunning returns the length of the running queue.
func (s *Scheduler) NumRunning() int {
	return s.running.Len()
}

// BlockManager exposes the KV cache accounting.
func (s *Scheduler) BlockManager() *BlockManager {
	return s.blockManager
}

// Add adds a sequence to the waiting queue. Sequences that could never be
// scheduled are rejected.
func (s *Scheduler) Add(seq *Sequence) error {
	if seq.Len() == 0 {
		return fmt.Errorf("sequence %d has an empty prompt", seq.SeqID)
	}
	if seq.Len() > s.maxNumBatchedTokens {
		return fmt.Errorf("sequence %d: prompt of %d tokens exceeds max_num_batched_tokens %d", seq.SeqID, seq.Len(), s.maxNumBatchedTokens)
	}
	if seq.NumBlocks() > s.blockManager.NumBlocks() {
		return fmt.Errorf("sequence %d needs %d kv cache blocks, have %d", seq.SeqID, seq.NumBlocks(), s.blockManager.NumBlocks())
	}
	s.waiting.PushBack(seq)
	return nil
}

// Abort drops a sequence from whichever queue holds it.
func (s *Scheduler) Abort(seq *Sequence) {
	for _, q := range []*list.List{s.waiting, s.running} {
		for elem := q.Front(); elem != nil; elem = elem.Next() {
			if elem.Value.(*Sequence) == seq {
				q.Remove(elem)
				break
			}
		}
	}
	if len(seq.BlockTable) > 0 {
		s.blockManager.Deallocate(seq)
	}
	seq.Status = StatusFinished
}

// Schedule picks the next batch. Waiting prompts are prefilled whenever any
// of them fit; otherwise every running sequence gets one decode step. The
// bool result reports a prefill batch.
func (s *Scheduler) Schedule() ([]*Sequence, bool, error) {
	batch, err := s.prefill()
	if err != nil || len(batch) > 0 {
		return batch, len(batch) > 0, err
	}
	batch, err = s.decode()
	if err != nil {
		return nil, false, err
	}
	if len(batch) == 0 {
		return nil, false, ErrNothingScheduled
	}
	return batch, false, nil
}

// prefill admits waiting sequences in arrival order until the token budget,
// the sequence cap or the free pages run out.
func (s *Scheduler) prefill() ([]*Sequence, error) {
	var batch []*Sequence
	budget := s.maxNumBatchedTokens
	for s.waiting.Len() > 0 && len(batch) < s.maxNumSeqs {
		front := s.waiting.Front()
		seq := front.Value.(*Sequence)
		if seq.Len() > budget || !s.blockManager.CanAllocate(seq) {
			break
		}
		if err := s.blockManager.Allocate(seq); err != nil {
			return nil, fmt.Errorf("allocate sequence %d: %w", seq.SeqID, err)
		}
		budget -= seq.Len() - seq.NumCachedTokens
		seq.Status = StatusRunning
		s.waiting.Remove(front)
		s.running.PushBack(seq)
		batch = append(batch, seq)
	}
	return batch, nil
}

// decode reserves room for one more token per running sequence. When the
// cache is full the newest running sequence goes back to waiting; a
// sequence that cannot fit on its own preempts itself.
func (s *Scheduler) decode() ([]*Sequence, error) {
	var batch []*Sequence
	for s.running.Len() > 0 && len(batch) < s.maxNumSeqs {
		seq := s.running.Remove(s.running.Front()).(*Sequence)

		for !s.blockManager.CanAppend(seq) {
			victim := seq
			if back := s.running.Back(); back != nil {
				victim = s.running.Remove(back).(*Sequence)
			}
			s.preempt(victim)
			if victim == seq {
				break
			}
		}
		if seq.Status != StatusRunning {
			continue
		}
		if err := s.blockManager.MayAppend(seq); err != nil {
			return nil, fmt.Errorf("append sequence %d: %w", seq.SeqID, err)
		}
		batch = append(batch, seq)
	}

	for _, seq := range slices.Backward(batch) {
		s.running.PushFront(seq)
	}
	return batch, nil
}

func (s *Scheduler) preempt(seq *Sequence) {
	seq.Status = StatusWaiting
	s.blockManager.Deallocate(seq)
	s.waiting.PushFront(seq)
}

// Postprocess appends one sampled token to every scheduled sequence and
// retires the finished ones. It returns the sequences that finished.
func (s *Scheduler) Postprocess(seqs []*Sequence, tokenIDs []int) []*Sequence {
	var finished []*Sequence
	for i, seq := range seqs {
		tokenID := tokenIDs[i]
		seq.AppendToken(tokenID)

		reason, done := s.finishReason(seq, tokenID)
		if !done {
			continue
		}
		seq.Status = StatusFinished
		seq.FinishReason = reason
		s.blockManager.Deallocate(seq)
		for elem := s.running.Front(); elem != nil; elem = elem.Next() {
			if elem.Value.(*Sequence).SeqID == seq.SeqID {
				s.running.Remove(elem)
				break
			}
		}
		finished = append(finished, seq)
	}
	return finished
}

func (s *Scheduler) finishReason(seq *Sequence, tokenID int) (infer.FinishReason, bool) {
	p := seq.Params
	n := seq.NumCompletionTokens()
	switch {
	case !p.IgnoreEOS && p.EOS >= 0 && tokenID == p.EOS:
		return infer.FinishStop, true
	case p.MaxTokens >= 0 && n >= p.MaxTokens:
		return infer.FinishLength, true
	case seq.Len() >= s.maxModelLen:
		return infer.FinishLength, true
	case seq.Stop != nil && seq.Stop.ShouldStop(seq.CompletionTokenIDs()):
		return infer.FinishStop, true
	}
	return "", false
}
