package llm

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/kanbeast/kanbeast/pkg/models"
	"github.com/kanbeast/kanbeast/pkg/tools"
)

// Some models emit tool calls as XML-wrapped JSON in the content instead of
// the structured tool_calls field. extractXMLToolCalls recovers them when the
// payload names a declared tool and uses only declared argument keys;
// anything else is left in the content untouched.

var xmlCallTags = []struct{ open, close string }{
	{"<tool_call>", "</tool_call>"},
	{"<function_call>", "</function_call>"},
}

const maxXMLToolCalls = 20

func extractXMLToolCalls(content string, resolve func(name string) (*tools.Tool, bool)) (string, []models.ToolCall) {
	var calls []models.ToolCall

	for _, tags := range xmlCallTags {
		for i := 0; i < maxXMLToolCalls; i++ {
			start := strings.Index(content, tags.open)
			if start == -1 {
				break
			}
			endRel := strings.Index(content[start:], tags.close)
			if endRel == -1 {
				break
			}
			end := start + endRel

			payload := strings.TrimSpace(content[start+len(tags.open) : end])
			call, ok := parseXMLCallPayload(payload, resolve)
			if !ok {
				// Leave unparseable blocks in place so the text terminates
				// the loop normally.
				break
			}
			calls = append(calls, call)
			content = strings.TrimSpace(content[:start] + content[end+len(tags.close):])
		}
	}
	return content, calls
}

func parseXMLCallPayload(payload string, resolve func(name string) (*tools.Tool, bool)) (models.ToolCall, bool) {
	var parsed struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil || parsed.Name == "" {
		return models.ToolCall{}, false
	}

	tool, ok := resolve(parsed.Name)
	if !ok {
		return models.ToolCall{}, false
	}

	arguments := "{}"
	if len(parsed.Arguments) > 0 {
		var args map[string]any
		if err := json.Unmarshal(parsed.Arguments, &args); err != nil {
			// arguments may itself be a JSON-encoded string.
			var nested string
			if err := json.Unmarshal(parsed.Arguments, &nested); err != nil {
				return models.ToolCall{}, false
			}
			if err := json.Unmarshal([]byte(nested), &args); err != nil {
				return models.ToolCall{}, false
			}
			parsed.Arguments = json.RawMessage(nested)
		}

		declared := tool.ParamNames()
		for key := range args {
			if !declared[key] {
				return models.ToolCall{}, false
			}
		}
		arguments = string(parsed.Arguments)
	}

	return models.ToolCall{
		ID:        "xmlcall-" + uuid.NewString()[:8],
		Name:      parsed.Name,
		Arguments: arguments,
	}, true
}
