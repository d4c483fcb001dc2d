package infer

import (
	"regexp"
	"strings"
)

var actionPattern = regexp.MustCompile(`(?s)Action:\s*(.+?)\s*\nAction Input:\s*(.*?)\s*(?:\nObservation:|$)`)

// splitActionInput parses a ReAct style "Action: / Action Input:" block.
func splitActionInput(response string) (action, input string, ok bool) {
	m := actionPattern.FindStringSubmatch(response)
	if m == nil {
		return "", "", false
	}
	action = strings.TrimSpace(m[1])
	if action == "" {
		return "", "", false
	}
	return action, strings.TrimSpace(m[2]), true
}

// ExtractToolCalls returns a single function call parsed from a finished
// response, or nil.
func ExtractToolCalls(response string, finished bool) []ToolCall {
	if !finished {
		return nil
	}
	action, input, ok := splitActionInput(response)
	if !ok {
		return nil
	}
	return []ToolCall{{
		ID:       newToolCallID(),
		Type:     "function",
		Function: Function{Name: action, Arguments: input},
	}}
}
