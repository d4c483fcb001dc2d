package reqlog

import (
	"context"
	"path/filepath"
	"testing"

	"streaminfer/infer"
)

func finish(r infer.FinishReason) *infer.FinishReason { return &r }

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreLogsResponses(t *testing.T) {
	t.Parallel()
	s := openMemory(t)

	s.Reset()
	s.Update(&infer.ChatCompletionResponse{
		ID:    "chatcmpl-1",
		Model: "echo",
		Usage: infer.UsageInfo{PromptTokens: 3, CompletionTokens: 2},
		Choices: []infer.ChatCompletionChoice{
			{Index: 0, Message: infer.ChatMessage{Role: infer.RoleAssistant, Content: "hi"}, FinishReason: finish(infer.FinishStop)},
		},
	})
	s.Update((*infer.ChatCompletionResponse)(nil))
	s.Flush()

	recs, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	r := recs[0]
	if r.RequestID != "chatcmpl-1" || r.Content != "hi" || r.FinishReason != "stop" || r.PromptTokens != 3 || r.Streamed {
		t.Fatalf("record = %+v", r)
	}
}

func TestStoreJoinsStreamDeltas(t *testing.T) {
	t.Parallel()
	s := openMemory(t)

	chunk := func(index int, content string, reason *infer.FinishReason) *infer.ChatCompletionStreamResponse {
		return &infer.ChatCompletionStreamResponse{
			ID:      "chatcmpl-s",
			Model:   "echo",
			Usage:   infer.UsageInfo{PromptTokens: 4, CompletionTokens: 5},
			Choices: []infer.ChatCompletionStreamChoice{{Index: index, Delta: infer.DeltaMessage{Content: content}, FinishReason: reason}},
		}
	}
	s.Update(chunk(0, "hel", nil))
	s.Update(chunk(1, "wor", nil))
	s.Update(chunk(0, "lo", finish(infer.FinishStop)))
	s.Update((*infer.ChatCompletionStreamResponse)(nil))
	s.Update(chunk(1, "ld", finish(infer.FinishLength)))
	s.Flush()

	recs, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	// newest first
	if recs[0].Content != "world" || recs[0].ChoiceIndex != 1 || recs[0].FinishReason != "length" || !recs[0].Streamed {
		t.Fatalf("recs[0] = %+v", recs[0])
	}
	if recs[1].Content != "hello" || recs[1].ChoiceIndex != 0 {
		t.Fatalf("recs[1] = %+v", recs[1])
	}
	if len(s.streams) != 0 {
		t.Fatalf("%d streams still tracked", len(s.streams))
	}
}

func TestStoreOnDisk(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "requests.db")

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Update(&infer.ChatCompletionResponse{ID: "a", Model: "m", Choices: []infer.ChatCompletionChoice{{Message: infer.ChatMessage{Content: "x"}}}})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	recs, err := s.Recent(context.Background(), 1)
	if err != nil || len(recs) != 1 || recs[0].RequestID != "a" {
		t.Fatalf("Recent = %+v, %v", recs, err)
	}
	if _, err := s.Recent(context.Background(), 0); err == nil {
		t.Fatalf("Recent(0) succeeded")
	}
}
