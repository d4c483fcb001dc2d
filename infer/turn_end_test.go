package infer

import (
	"context"
	"strings"
	"testing"
)

const (
	imEndID     = 300
	endOfTextID = 301
)

// chatTokenizer is byteTokenizer with <|im_end|> as an added token and a
// separate <|endoftext|> eos, like ChatML vocabularies.
type chatTokenizer struct{}

func (chatTokenizer) Encode(text string) ([]int, error) {
	var ids []int
	for len(text) > 0 {
		if strings.HasPrefix(text, chatMLEnd) {
			ids = append(ids, imEndID)
			text = text[len(chatMLEnd):]
			continue
		}
		ids = append(ids, int(text[0]))
		text = text[1:]
	}
	return ids, nil
}

func (chatTokenizer) Decode(ids []int) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		switch {
		case id == imEndID:
			b.WriteString(chatMLEnd)
		case id == endOfTextID:
			b.WriteString("<|endoftext|>")
		case id >= 0 && id < 256:
			b.WriteByte(byte(id))
		}
	}
	return b.String(), nil
}

func (chatTokenizer) EOSToken() string { return "<|endoftext|>" }
func (chatTokenizer) EOSTokenID() int  { return endOfTextID }
func (chatTokenizer) PadTokenID() int  { return -1 }

func turnReply(content string) func(string) []int {
	return func(string) []int {
		return append(byteIDs(content), imEndID, endOfTextID)
	}
}

func TestTurnEndMarkerStripped(t *testing.T) {
	t.Parallel()

	const content = "Action: search\nAction Input: {\"q\": \"go\"}"
	tmpl := NewChatMLTemplate(chatTokenizer{}, "")
	engines := map[string]Engine{
		"local": newLocal(&scriptedGenerator{reply: turnReply(content), maxLen: 1024}, tmpl),
		"async": NewAsyncEngine(newTestConfig(), &fakeRequestGenerator{reply: turnReply(content), maxLen: 1024}, tmpl),
	}
	for name, e := range engines {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			res, err := e.Infer(context.Background(), []*InferRequest{userRequest("find go")}, nil)
			if err != nil {
				t.Fatalf("Infer: %v", err)
			}
			choice := res[0].Choices[0]
			if choice.Message.Content != content {
				t.Errorf("content = %q, want %q", choice.Message.Content, content)
			}
			if *choice.FinishReason != FinishStop {
				t.Errorf("finish_reason = %q, want stop", *choice.FinishReason)
			}
			if len(choice.Message.ToolCalls) != 1 || choice.Message.ToolCalls[0].Function.Arguments != `{"q": "go"}` {
				t.Errorf("tool calls = %+v", choice.Message.ToolCalls)
			}

			seq, err := e.InferStream(context.Background(), []*InferRequest{userRequest("find go")}, nil)
			if err != nil {
				t.Fatalf("InferStream: %v", err)
			}
			var text strings.Builder
			var calls []ToolCall
			for batch, err := range seq {
				if err != nil {
					t.Fatalf("stream: %v", err)
				}
				if r := batch[0]; r != nil {
					text.WriteString(r.Choices[0].Delta.Content)
					if r.Choices[0].FinishReason != nil {
						calls = r.Choices[0].Delta.ToolCalls
					}
				}
			}
			if text.String() != content {
				t.Errorf("streamed %q, want %q", text.String(), content)
			}
			if len(calls) != 1 || calls[0].Function.Arguments != `{"q": "go"}` {
				t.Errorf("streamed tool calls = %+v", calls)
			}
		})
	}
}

func TestTurnEndTrimmer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		deltas []string
		want   []string
	}{
		{name: "marker at end", deltas: []string{"hi", "<|im", "_end|>", ""}, want: []string{"hi", "", "", ""}},
		{name: "false start released", deltas: []string{"a<|", "im_start", ""}, want: []string{"a", "<|im_start", ""}},
		{name: "cut short keeps partial", deltas: []string{"x<|im"}, want: []string{"x<|im"}},
		{name: "marker mid text", deltas: []string{"<|im_end|>", "more", ""}, want: []string{"", "<|im_end|>more", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := turnEndTrimmer{markers: []string{chatMLEnd}}
			for i, d := range tt.deltas {
				if got := tr.Next(d, i == len(tt.deltas)-1); got != tt.want[i] {
					t.Errorf("step %d: got %q, want %q", i, got, tt.want[i])
				}
			}
		})
	}
}
