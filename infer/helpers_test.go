package infer

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

const (
	testEOS = 256
	testPad = 257
)

// byteTokenizer maps every byte to its own id. Decoding a split multi-byte
// character yields invalid UTF-8, like a byte-level BPE vocabulary.
type byteTokenizer struct{}

func (byteTokenizer) Encode(text string) ([]int, error) {
	ids := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = int(text[i])
	}
	return ids, nil
}

func (byteTokenizer) Decode(ids []int) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		switch {
		case id == testEOS:
			b.WriteString("<eos>")
		case id == testPad:
		case id >= 0 && id < 256:
			b.WriteByte(byte(id))
		default:
			return "", errors.New("unknown token")
		}
	}
	return b.String(), nil
}

func (byteTokenizer) EOSToken() string { return "<eos>" }
func (byteTokenizer) EOSTokenID() int  { return testEOS }
func (byteTokenizer) PadTokenID() int  { return testPad }

func byteIDs(s string) []int {
	ids, _ := byteTokenizer{}.Encode(s)
	return ids
}

// rawTemplate encodes only the last message's content.
type rawTemplate struct {
	stop []StopWord
}

func (rawTemplate) Tokenizer() Tokenizer { return byteTokenizer{} }

func (rawTemplate) Encode(req *InferRequest) (*EncodedInputs, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("no messages")
	}
	ids, _ := byteTokenizer{}.Encode(req.Messages[len(req.Messages)-1].Content)
	return &EncodedInputs{InputIDs: ids}, nil
}

func (t rawTemplate) StopWords() []StopWord { return t.stop }
func (rawTemplate) Suffix() []StopWord      { return nil }

func (rawTemplate) Collate(batch []*EncodedInputs, side PaddingSide) (*BatchedInputs, error) {
	return Collate(batch, side, testPad)
}

func (rawTemplate) GenerateIDs(raw []int, promptLen int) []int { return raw[promptLen:] }

func userRequest(content string) *InferRequest {
	return &InferRequest{Messages: []Message{{Role: RoleUser, Content: content}}}
}

// columnStream replays per-row scripts column by column, padding rows that
// ran out.
type columnStream struct {
	rows   [][]int
	logits bool
	step   int
	failAt int
	err    error
	closed bool
}

func (s *columnStream) Next() (StepOutput, error) {
	if s.failAt > 0 && s.step == s.failAt {
		return StepOutput{}, s.err
	}
	longest := 0
	for _, r := range s.rows {
		longest = max(longest, len(r))
	}
	if s.step >= longest {
		return StepOutput{}, io.EOF
	}
	out := StepOutput{Tokens: make([]int, len(s.rows))}
	if s.logits {
		out.Logits = make([][]float32, len(s.rows))
	}
	for i, r := range s.rows {
		out.Tokens[i] = testPad
		if s.step < len(r) {
			out.Tokens[i] = r[s.step]
		}
		if s.logits {
			out.Logits[i] = peakedLogits(out.Tokens[i])
		}
	}
	s.step++
	return out, nil
}

func (s *columnStream) Close() error {
	s.closed = true
	return nil
}

// peakedLogits favours token, then token+1, over a 258 entry vocabulary.
func peakedLogits(token int) []float32 {
	l := make([]float32, 258)
	for i := range l {
		l[i] = -10
	}
	l[token] = 5
	l[(token+1)%len(l)] = 3
	return l
}

// scriptedGenerator answers every row with reply(prompt).
type scriptedGenerator struct {
	mu      sync.Mutex
	reply   func(prompt string) []int
	maxLen  int
	logits  bool
	failAt  int
	err     error
	calls   []int
	streams []*columnStream
	opts    []GenerateOptions
}

func (g *scriptedGenerator) GenerateStream(_ context.Context, in *BatchedInputs, opts GenerateOptions) (TokenStream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rows := make([][]int, in.Rows())
	for i := range rows {
		prompt, _ := byteTokenizer{}.Decode(in.Unpadded(i))
		rows[i] = g.reply(prompt)
	}
	s := &columnStream{rows: rows, logits: g.logits, failAt: g.failAt, err: g.err}
	g.calls = append(g.calls, in.Rows())
	g.streams = append(g.streams, s)
	g.opts = append(g.opts, opts)
	return s, nil
}

func (g *scriptedGenerator) MaxModelLen() int { return g.maxLen }
func (g *scriptedGenerator) Close() error     { return nil }

// echoReply answers "<prompt> done" followed by eos.
func echoReply(prompt string) []int {
	return append(byteIDs(prompt+" done"), testEOS)
}

func newTestConfig(opts ...ConfigOption) *Config {
	cfg, err := NewConfig("test-model", opts...)
	if err != nil {
		panic(err)
	}
	return cfg
}

// recordingMetric remembers every update.
type recordingMetric struct {
	mu      sync.Mutex
	resets  int
	updates []any
	nils    int
}

func (m *recordingMetric) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	m.updates = nil
	m.nils = 0
}

func (m *recordingMetric) Update(out any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch r := out.(type) {
	case *ChatCompletionResponse:
		if r == nil {
			m.nils++
			return
		}
	case *ChatCompletionStreamResponse:
		if r == nil {
			m.nils++
			return
		}
	}
	m.updates = append(m.updates, out)
}
