package runtime

import "context"

// ModelRunner runs one forward pass over the scheduled sequences and
// returns next-token logits for each of them, in order.
//
// Implementations may be backed by ONNX Runtime, a remote inference server
// or a deterministic script.
type ModelRunner interface {
	Run(ctx context.Context, seqs []*Sequence, isPrefill bool) ([][]float32, error)

	// MaxModelLen reports the model's context length, or 0 if unknown.
	MaxModelLen() int

	Close() error
}

// EchoRunner is a deterministic runner that repeats each prompt back and
// then emits EOS. It needs no model files.
type EchoRunner struct {
	vocab  int
	eos    int
	maxLen int
}

// NewEchoRunner creates an echo runner over a vocabulary of vocab ids.
func NewEchoRunner(vocab, eos, maxLen int) *EchoRunner {
	return &EchoRunner{vocab: vocab, eos: eos, maxLen: maxLen}
}

// Run favours the prompt token at the current completion offset.
func (m *EchoRunner) Run(_ context.Context, seqs []*Sequence, _ bool) ([][]float32, error) {
	out := make([][]float32, len(seqs))
	for i, seq := range seqs {
		next := m.eos
		if n := seq.NumCompletionTokens(); n < seq.NumPromptTokens {
			next = seq.TokenIDs[n]
		}
		out[i] = OneHotLogits(m.vocab, next)
	}
	return out, nil
}

func (m *EchoRunner) MaxModelLen() int {
	return m.maxLen
}

func (m *EchoRunner) Close() error {
	return nil
}

// OneHotLogits returns logits that put almost all mass on token.
func OneHotLogits(vocab, token int) []float32 {
	l := make([]float32, vocab)
	for i := range l {
		l[i] = -20
	}
	if token >= 0 && token < vocab {
		l[token] = 20
	}
	return l
}
