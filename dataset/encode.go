package dataset

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"streaminfer/infer"
)

// TemplateEncoder encodes chat examples ({"messages": [...], "tools": [...]})
// with tmpl into {"input_ids": [...]}.
func TemplateEncoder(tmpl infer.Template) EncodeFunc {
	return func(ex Example) (Example, error) {
		if _, ok := ex["messages"]; !ok {
			return nil, errors.New("example has no messages")
		}
		raw, err := json.Marshal(ex)
		if err != nil {
			return nil, err
		}
		var req infer.InferRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
		enc, err := tmpl.Encode(&req)
		if err != nil {
			return nil, err
		}
		return Example{"input_ids": enc.InputIDs}, nil
	}
}
