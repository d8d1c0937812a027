package tools

import (
	"context"
	"fmt"
	"strconv"
)

// Param describes one JSON-schema property of a tool definition.
type Param struct {
	Name        string
	Type        string // string | integer | number | boolean | array
	Description string
	Required    bool
	Items       string // element type when Type == "array"
}

// Handler executes a tool call. Errors are not fatal to the agent loop: the
// driver reports them back to the model as "Error: <msg>" tool responses.
type Handler func(ctx context.Context, tc *Context, args map[string]any) (*Result, error)

// Tool pairs a declarative definition with its handler. Descriptions may be
// rewritten between iterations (the SFCM pop_context tool does this), so the
// schema is rebuilt on every request.
type Tool struct {
	Name        string
	Description string
	Params      []Param
	Handler     Handler
}

// Result is what a tool hands back to the driver. ExitLoop ends the agent
// loop with ToolRequestedExit; MessageHandled means the tool already mutated
// the conversation and the driver must not append the response itself.
type Result struct {
	Response       string
	ExitLoop       bool
	MessageHandled bool
}

// Schema renders the OpenAI function-calling definition for this tool.
func (t *Tool) Schema() map[string]any {
	properties := make(map[string]any, len(t.Params))
	required := make([]string, 0, len(t.Params))
	for _, p := range t.Params {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Type == "array" {
			items := p.Items
			if items == "" {
				items = "string"
			}
			prop["items"] = map[string]any{"type": items}
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters": map[string]any{
				"type":       "object",
				"properties": properties,
				"required":   required,
			},
		},
	}
}

// ParamNames returns the declared property names, used by the XML tool-call
// fallback to validate argument keys.
func (t *Tool) ParamNames() map[string]bool {
	names := make(map[string]bool, len(t.Params))
	for _, p := range t.Params {
		names[p.Name] = true
	}
	return names
}

// StringArg extracts a string argument, with a presence check for required
// parameters handled by the caller.
func StringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// IntArg extracts an integer argument, accepting JSON numbers and numeric
// strings.
func IntArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// FloatArg extracts a float argument.
func FloatArg(args map[string]any, key string, def float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// BoolArg extracts a boolean argument.
func BoolArg(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

// RequireString returns the named string argument or an error suitable for a
// tool response.
func RequireString(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	return v, nil
}

func NewResult(response string) *Result {
	return &Result{Response: response}
}

func ExitResult(response string) *Result {
	return &Result{Response: response, ExitLoop: true}
}

func ErrorResult(format string, a ...any) *Result {
	return &Result{Response: "Error: " + fmt.Sprintf(format, a...)}
}
