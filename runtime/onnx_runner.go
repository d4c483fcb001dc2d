package runtime

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

var ortInit struct {
	once sync.Once
	err  error
}

// ONNXRunner implements ModelRunner with ONNX Runtime. The model must take
// "input_ids" of shape [1, seq_len] and produce "logits" of shape
// [1, seq_len, vocab_size].
type ONNXRunner struct {
	modelPath   string
	vocabSize   int
	maxModelLen int
	threads     int
	options     *ort.SessionOptions
	log         *zap.SugaredLogger
}

// ONNXOption configures an ONNXRunner.
type ONNXOption func(*ONNXRunner)

// WithIntraOpThreads sets the ONNX Runtime intra-op thread count.
func WithIntraOpThreads(n int) ONNXOption {
	return func(r *ONNXRunner) {
		r.threads = n
	}
}

// WithONNXLogger sets the runner logger.
func WithONNXLogger(l *zap.SugaredLogger) ONNXOption {
	return func(r *ONNXRunner) {
		r.log = l
	}
}

// NewONNXRunner initialises ONNX Runtime. libPath, when set, points at the
// onnxruntime shared library.
func NewONNXRunner(modelPath, libPath string, vocabSize, maxModelLen int, opts ...ONNXOption) (*ONNXRunner, error) {
	if vocabSize <= 0 {
		return nil, fmt.Errorf("vocab size must be positive")
	}
	ortInit.once.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if !ort.IsInitialized() {
			ortInit.err = ort.InitializeEnvironment()
		}
	})
	if ortInit.err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", ortInit.err)
	}

	r := &ONNXRunner{
		modelPath:   modelPath,
		vocabSize:   vocabSize,
		maxModelLen: maxModelLen,
		threads:     4,
		log:         zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(r)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if err := options.SetIntraOpNumThreads(r.threads); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("failed to set threads: %w", err)
	}
	r.options = options
	r.log.Infow("onnx runtime initialized", "model", modelPath, "vocab", vocabSize, "threads", r.threads)
	return r, nil
}

// Run runs the full sequence through the model, one sequence at a time,
// and returns the last position's logits.
func (m *ONNXRunner) Run(ctx context.Context, seqs []*Sequence, _ bool) ([][]float32, error) {
	if len(seqs) == 0 {
		return nil, fmt.Errorf("no sequences to process")
	}
	out := make([][]float32, len(seqs))
	for i, seq := range seqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logits, err := m.forward(seq.TokenIDs)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", seq.SeqID, err)
		}
		out[i] = logits
	}
	return out, nil
}

func (m *ONNXRunner) forward(tokenIDs []int) ([]float32, error) {
	if len(tokenIDs) == 0 {
		return nil, fmt.Errorf("sequence has no tokens")
	}
	seqLen := int64(len(tokenIDs))

	inputData := make([]int64, len(tokenIDs))
	for j, id := range tokenIDs {
		inputData[j] = int64(id)
	}
	inputTensor, err := ort.NewTensor(ort.NewShape(1, seqLen), inputData)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, seqLen, int64(m.vocabSize)))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	session, err := ort.NewAdvancedSession(
		m.modelPath,
		[]string{"input_ids"},
		[]string{"logits"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		m.options,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	logits := outputTensor.GetData()
	start := (len(tokenIDs) - 1) * m.vocabSize
	last := make([]float32, m.vocabSize)
	copy(last, logits[start:start+m.vocabSize])
	return last, nil
}

func (m *ONNXRunner) MaxModelLen() int {
	return m.maxModelLen
}

// Close releases the session options. The shared environment stays up for
// other runners.
func (m *ONNXRunner) Close() error {
	if m.options != nil {
		err := m.options.Destroy()
		m.options = nil
		return err
	}
	return nil
}
