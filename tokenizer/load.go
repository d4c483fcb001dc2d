package tokenizer

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
)

// tokenizerJSON is the subset of a HuggingFace tokenizer.json we read.
type tokenizerJSON struct {
	Model struct {
		Type   string            `json:"type"`
		Vocab  map[string]int    `json:"vocab"`
		Merges []json.RawMessage `json:"merges"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// Load reads a tokenizer from a model directory. It prefers tokenizer.json
// and falls back to vocab.json + merges.txt. Special tokens come from
// tokenizer_config.json, then config.json ids.
func Load(dir string) (*BPE, error) {
	vocab, merges, added, err := loadTokenizerJSON(filepath.Join(dir, "tokenizer.json"))
	if errors.Is(err, os.ErrNotExist) {
		vocab, merges, err = loadVocabMerges(dir)
	}
	if err != nil {
		return nil, fmt.Errorf("load tokenizer from %s: %w", dir, err)
	}

	special := loadSpecial(filepath.Join(dir, "tokenizer_config.json"))
	fillSpecialFromConfig(filepath.Join(dir, "config.json"), vocab, &special)
	for _, s := range []*string{&special.EOS, &special.BOS, &special.Pad} {
		if _, ok := vocab[*s]; !ok {
			*s = ""
		}
	}
	return NewBPE(vocab, merges, added, special)
}

func loadTokenizerJSON(path string) (map[string]int, [][2]string, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, err
	}
	var tj tokenizerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return nil, nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if tj.Model.Type != "" && tj.Model.Type != "BPE" {
		return nil, nil, nil, fmt.Errorf("unsupported tokenizer model %q", tj.Model.Type)
	}

	merges := make([][2]string, 0, len(tj.Model.Merges))
	for _, raw := range tj.Model.Merges {
		m, err := parseMerge(raw)
		if err != nil {
			return nil, nil, nil, err
		}
		merges = append(merges, m)
	}

	vocab := tj.Model.Vocab
	if vocab == nil {
		vocab = make(map[string]int)
	}
	added := make([]string, 0, len(tj.AddedTokens))
	for _, a := range tj.AddedTokens {
		vocab[a.Content] = a.ID
		added = append(added, a.Content)
	}
	return vocab, merges, added, nil
}

// parseMerge accepts both the "a b" and the ["a", "b"] encodings.
func parseMerge(raw json.RawMessage) ([2]string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		a, b, ok := strings.Cut(s, " ")
		if !ok {
			return [2]string{}, fmt.Errorf("malformed merge %q", s)
		}
		return [2]string{a, b}, nil
	}
	var p []string
	if err := json.Unmarshal(raw, &p); err != nil || len(p) != 2 {
		return [2]string{}, fmt.Errorf("malformed merge %s", raw)
	}
	return [2]string{p[0], p[1]}, nil
}

func loadVocabMerges(dir string) (map[string]int, [][2]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "vocab.json"))
	if err != nil {
		return nil, nil, err
	}
	var vocab map[string]int
	if err := json.Unmarshal(data, &vocab); err != nil {
		return nil, nil, fmt.Errorf("parse vocab.json: %w", err)
	}

	file, err := os.Open(filepath.Join(dir, "merges.txt"))
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	var merges [][2]string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#version") {
			continue
		}
		a, b, ok := strings.Cut(line, " ")
		if !ok {
			return nil, nil, fmt.Errorf("malformed merge %q", line)
		}
		merges = append(merges, [2]string{a, b})
	}
	return vocab, merges, scanner.Err()
}

// loadSpecial reads special token strings, which may be plain strings or
// {"content": ...} objects.
func loadSpecial(path string) Special {
	data, err := os.ReadFile(path)
	if err != nil {
		return Special{}
	}
	var cfg struct {
		EOSToken any `json:"eos_token"`
		BOSToken any `json:"bos_token"`
		PadToken any `json:"pad_token"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Special{}
	}
	return Special{
		EOS: tokenString(cfg.EOSToken),
		BOS: tokenString(cfg.BOSToken),
		Pad: tokenString(cfg.PadToken),
	}
}

func tokenString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case map[string]any:
		s, _ := v["content"].(string)
		return s
	}
	return ""
}

// fillSpecialFromConfig fills unset special tokens from the model's
// config.json ids. eos_token_id may be a list; the first entry wins.
func fillSpecialFromConfig(path string, vocab map[string]int, s *Special) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var cfg struct {
		EOSTokenID any `json:"eos_token_id"`
		BOSTokenID any `json:"bos_token_id"`
		PadTokenID any `json:"pad_token_id"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return
	}
	byID := func(v any) string {
		if list, ok := v.([]any); ok && len(list) > 0 {
			v = list[0]
		}
		f, ok := v.(float64)
		if !ok {
			return ""
		}
		for token, id := range vocab {
			if id == int(f) {
				return token
			}
		}
		return ""
	}
	if s.EOS == "" {
		s.EOS = byID(cfg.EOSTokenID)
	}
	if s.BOS == "" {
		s.BOS = byID(cfg.BOSTokenID)
	}
	if s.Pad == "" {
		s.Pad = byID(cfg.PadTokenID)
	}
}
