package infer

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// FinishReason explains why a choice stopped generating.
type FinishReason string

const (
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
)

func (r FinishReason) ptr() *FinishReason {
	return &r
}

// Message is one turn of a conversation.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Tool describes a function the model may call.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// InferRequest is one logical conversation submitted for generation.
// It must not be mutated once handed to an engine.
type InferRequest struct {
	Messages []Message `json:"messages"`
	Images   []string  `json:"images,omitempty"`
	Audios   []string  `json:"audios,omitempty"`
	Videos   []string  `json:"videos,omitempty"`
	Tools    []Tool    `json:"tools,omitempty"`
}

type Function struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ToolCall struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

// UsageInfo counts tokens for one logical request. Completion tokens never
// include padding.
type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func newUsageInfo(promptTokens, completionTokens int) UsageInfo {
	return UsageInfo{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}

type TopLogprob struct {
	Token   string  `json:"token"`
	Logprob float64 `json:"logprob"`
	Bytes   []int   `json:"bytes"`
}

// LogprobEntry is the log-probability record of one generated token.
type LogprobEntry struct {
	Token       string       `json:"token"`
	Logprob     float64      `json:"logprob"`
	Bytes       []int        `json:"bytes"`
	TopLogprobs []TopLogprob `json:"top_logprobs,omitempty"`
}

type ChoiceLogprobs struct {
	Content []LogprobEntry `json:"content"`
}

type ChatMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type DeltaMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type ChatCompletionChoice struct {
	Index        int             `json:"index"`
	Message      ChatMessage     `json:"message"`
	FinishReason *FinishReason   `json:"finish_reason"`
	Logprobs     *ChoiceLogprobs `json:"logprobs,omitempty"`
}

type ChatCompletionStreamChoice struct {
	Index        int             `json:"index"`
	Delta        DeltaMessage    `json:"delta"`
	FinishReason *FinishReason   `json:"finish_reason"`
	Logprobs     *ChoiceLogprobs `json:"logprobs,omitempty"`
}

// ChatCompletionResponse is the materialised result of one request.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   UsageInfo              `json:"usage"`
}

// ChatCompletionStreamResponse carries one delta. All deltas of a logical
// request share the same ID.
type ChatCompletionStreamResponse struct {
	ID      string                       `json:"id"`
	Object  string                       `json:"object"`
	Created int64                        `json:"created"`
	Model   string                       `json:"model"`
	Choices []ChatCompletionStreamChoice `json:"choices"`
	Usage   UsageInfo                    `json:"usage"`
}

// Text returns the content of the first choice.
func (r *ChatCompletionResponse) Text() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Finished reports whether any choice carries a finish reason.
func (r *ChatCompletionStreamResponse) Finished() bool {
	if r == nil {
		return false
	}
	for _, c := range r.Choices {
		if c.FinishReason != nil {
			return true
		}
	}
	return false
}

// NewRequestID returns a fresh chat completion id.
func NewRequestID() string {
	return "chatcmpl-" + randomHex()
}

func newToolCallID() string {
	return "toolcall-" + randomHex()
}

func randomHex() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func nowUnix() int64 {
	return time.Now().Unix()
}
