package infer

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// PaddingSide selects where Collate pads shorter rows.
type PaddingSide int

const (
	PadLeft PaddingSide = iota
	PadRight
)

// EncodedInputs is the backend-facing form of one request.
type EncodedInputs struct {
	InputIDs      []int       `json:"input_ids,omitempty"`
	AttentionMask []int       `json:"attention_mask,omitempty"`
	InputsEmbeds  [][]float32 `json:"inputs_embeds,omitempty"`
	Images        []string    `json:"images,omitempty"`
	Audios        []string    `json:"audios,omitempty"`
	Videos        []string    `json:"videos,omitempty"`
}

// NumTokens returns the prompt length in tokens.
func (e *EncodedInputs) NumTokens() (int, error) {
	switch {
	case e == nil:
		return 0, ErrNoInputs
	case e.InputIDs != nil:
		return len(e.InputIDs), nil
	case e.InputsEmbeds != nil:
		return len(e.InputsEmbeds), nil
	}
	return 0, ErrNoInputs
}

// BatchedInputs is a padded batch. Every row has length PromptLen.
type BatchedInputs struct {
	InputIDs      [][]int `json:"input_ids"`
	AttentionMask [][]int `json:"attention_mask"`
	PromptLen     int     `json:"prompt_len"`
	PadTokenID    int     `json:"pad_token_id"`
}

// Rows returns the batch size.
func (b *BatchedInputs) Rows() int {
	return len(b.InputIDs)
}

// Unpadded returns row i without its padding.
func (b *BatchedInputs) Unpadded(i int) []int {
	ids := b.InputIDs[i]
	mask := b.AttentionMask[i]
	out := make([]int, 0, len(ids))
	for j, id := range ids {
		if mask[j] != 0 {
			out = append(out, id)
		}
	}
	return out
}

// Template renders conversations into model inputs and describes the
// markers that end an assistant turn.
type Template interface {
	Tokenizer() Tokenizer
	Encode(req *InferRequest) (*EncodedInputs, error)
	StopWords() []StopWord
	// Suffix is the sequence that closes an assistant turn; its last
	// element joins the stop words.
	Suffix() []StopWord
	Collate(batch []*EncodedInputs, side PaddingSide) (*BatchedInputs, error)
	// GenerateIDs strips the prompt from a full output row.
	GenerateIDs(raw []int, promptLen int) []int
}

// Collate pads token-id inputs to a common length. It is shared by
// templates that carry no special batching needs.
func Collate(batch []*EncodedInputs, side PaddingSide, padID int) (*BatchedInputs, error) {
	if len(batch) == 0 {
		return nil, ErrNoInputs
	}
	maxLen := 0
	for i, in := range batch {
		if in == nil || in.InputIDs == nil {
			return nil, fmt.Errorf("row %d: %w", i, ErrNoInputs)
		}
		maxLen = max(maxLen, len(in.InputIDs))
	}

	out := &BatchedInputs{
		InputIDs:      make([][]int, len(batch)),
		AttentionMask: make([][]int, len(batch)),
		PromptLen:     maxLen,
		PadTokenID:    padID,
	}
	for i, in := range batch {
		ids := make([]int, maxLen)
		mask := make([]int, maxLen)
		pad := maxLen - len(in.InputIDs)
		offset := 0
		if side == PadLeft {
			offset = pad
		}
		for j := range ids {
			ids[j] = padID
		}
		for j, id := range in.InputIDs {
			ids[offset+j] = id
			mask[offset+j] = 1
			if in.AttentionMask != nil && j < len(in.AttentionMask) {
				mask[offset+j] = in.AttentionMask[j]
			}
		}
		out.InputIDs[i] = ids
		out.AttentionMask[i] = mask
	}
	return out, nil
}

const (
	chatMLStart = "<|im_start|>"
	chatMLEnd   = "<|im_end|>"
)

// ChatMLTemplate renders conversations in the ChatML format. Tools are
// described in the system turn with a ReAct style calling convention.
type ChatMLTemplate struct {
	tok           Tokenizer
	DefaultSystem string
}

func NewChatMLTemplate(tok Tokenizer, defaultSystem string) *ChatMLTemplate {
	return &ChatMLTemplate{tok: tok, DefaultSystem: defaultSystem}
}

func (t *ChatMLTemplate) Tokenizer() Tokenizer {
	return t.tok
}

func (t *ChatMLTemplate) StopWords() []StopWord {
	return []StopWord{TextStop("Observation:")}
}

func (t *ChatMLTemplate) Suffix() []StopWord {
	return []StopWord{TextStop(chatMLEnd)}
}

// Render produces the prompt text for req.
func (t *ChatMLTemplate) Render(req *InferRequest) (string, error) {
	if req == nil || len(req.Messages) == 0 {
		return "", fmt.Errorf("render prompt: no messages")
	}
	var b strings.Builder

	system := t.DefaultSystem
	messages := req.Messages
	if messages[0].Role == RoleSystem {
		system = messages[0].Content
		messages = messages[1:]
	}
	if len(req.Tools) > 0 {
		tools, err := renderTools(req.Tools)
		if err != nil {
			return "", err
		}
		if system != "" {
			system += "\n\n"
		}
		system += tools
	}
	if system != "" {
		writeTurn(&b, RoleSystem, system)
	}
	for _, m := range messages {
		content := m.Content
		if m.Role == RoleTool {
			content = "Observation: " + content
		}
		writeTurn(&b, m.Role, content)
	}
	b.WriteString(chatMLStart + RoleAssistant + "\n")
	return b.String(), nil
}

func writeTurn(b *strings.Builder, role, content string) {
	b.WriteString(chatMLStart)
	b.WriteString(role)
	b.WriteByte('\n')
	b.WriteString(content)
	b.WriteString(chatMLEnd)
	b.WriteByte('\n')
}

func renderTools(tools []Tool) (string, error) {
	var b strings.Builder
	b.WriteString("You have access to the following tools:\n")
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		params, err := json.Marshal(tool.Function.Parameters)
		if err != nil {
			return "", fmt.Errorf("render tool %q: %w", tool.Function.Name, err)
		}
		fmt.Fprintf(&b, "%s: %s Parameters: %s\n", tool.Function.Name, tool.Function.Description, params)
		names = append(names, tool.Function.Name)
	}
	fmt.Fprintf(&b, "\nTo call a tool reply with:\nAction: one of [%s]\nAction Input: the input to the tool\n", strings.Join(names, ", "))
	return b.String(), nil
}

func (t *ChatMLTemplate) Encode(req *InferRequest) (*EncodedInputs, error) {
	prompt, err := t.Render(req)
	if err != nil {
		return nil, err
	}
	ids, err := t.tok.Encode(prompt)
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	mask := make([]int, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	return &EncodedInputs{
		InputIDs:      ids,
		AttentionMask: mask,
		Images:        req.Images,
		Audios:        req.Audios,
		Videos:        req.Videos,
	}, nil
}

func (t *ChatMLTemplate) Collate(batch []*EncodedInputs, side PaddingSide) (*BatchedInputs, error) {
	return Collate(batch, side, padTokenID(t.tok))
}

func (t *ChatMLTemplate) GenerateIDs(raw []int, promptLen int) []int {
	if promptLen >= len(raw) {
		return nil
	}
	return raw[promptLen:]
}
