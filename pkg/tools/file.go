package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxReadBytes = 256 * 1024

// NewFileTools returns the file tool family. readOnly restricts the set to
// read_file (planner roles).
func NewFileTools(readOnly bool) []*Tool {
	read := &Tool{
		Name:        "read_file",
		Description: "Read a file and return its content with line numbers. Reading a file is required before editing it.",
		Params: []Param{
			{Name: "path", Type: "string", Description: "File path, absolute or relative to the workspace", Required: true},
			{Name: "offset", Type: "integer", Description: "1-based line to start from"},
			{Name: "limit", Type: "integer", Description: "Maximum number of lines to return"},
		},
		Handler: readFile,
	}
	if readOnly {
		return []*Tool{read}
	}
	return []*Tool{
		read,
		{
			Name:        "write_file",
			Description: "Create or overwrite a file with the given content. Parent directories are created as needed.",
			Params: []Param{
				{Name: "path", Type: "string", Description: "File path to write", Required: true},
				{Name: "content", Type: "string", Description: "Full file content", Required: true},
			},
			Handler: writeFile,
		},
		{
			Name:        "edit_file",
			Description: "Replace one occurrence of old_string with new_string in a file. old_string must match exactly once; read the file first.",
			Params: []Param{
				{Name: "path", Type: "string", Description: "File path to edit", Required: true},
				{Name: "old_string", Type: "string", Description: "Exact text to replace", Required: true},
				{Name: "new_string", Type: "string", Description: "Replacement text", Required: true},
			},
			Handler: editFile,
		},
		{
			Name:        "multi_edit_file",
			Description: "Apply several edits to one file in order. Each edit is an object with old_string and new_string; all must apply or none do.",
			Params: []Param{
				{Name: "path", Type: "string", Description: "File path to edit", Required: true},
				{Name: "edits", Type: "array", Description: "List of {old_string, new_string} objects", Items: "object", Required: true},
			},
			Handler: multiEditFile,
		},
	}
}

func resolvePath(tc *Context, path string) string {
	if filepath.IsAbs(path) || tc == nil || tc.WorkDir == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(tc.WorkDir, path)
}

func readFile(ctx context.Context, tc *Context, args map[string]any) (*Result, error) {
	path, err := RequireString(args, "path")
	if err != nil {
		return nil, err
	}
	abs := resolvePath(tc, path)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
	}

	lines := strings.Split(string(data), "\n")
	offset := IntArg(args, "offset", 1)
	if offset < 1 {
		offset = 1
	}
	limit := IntArg(args, "limit", len(lines))
	if offset > len(lines) {
		return NewResult("(past end of file)"), nil
	}
	end := offset - 1 + limit
	if end > len(lines) {
		end = len(lines)
	}

	var b strings.Builder
	for i := offset - 1; i < end; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, lines[i])
	}

	if tc != nil {
		tc.ReadFiles.Mark(abs)
	}
	return NewResult(TruncateResponse(b.String())), nil
}

func writeFile(ctx context.Context, tc *Context, args map[string]any) (*Result, error) {
	path, err := RequireString(args, "path")
	if err != nil {
		return nil, err
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, fmt.Errorf("missing required parameter %q", "content")
	}
	abs := resolvePath(tc, path)

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if tc != nil {
		tc.ReadFiles.Mark(abs)
	}
	return NewResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), path)), nil
}

func applyEdit(content, oldStr, newStr string) (string, error) {
	if oldStr == "" {
		return "", fmt.Errorf("old_string must not be empty")
	}
	count := strings.Count(content, oldStr)
	switch count {
	case 0:
		return "", fmt.Errorf("old_string not found in file")
	case 1:
		return strings.Replace(content, oldStr, newStr, 1), nil
	default:
		return "", fmt.Errorf("old_string matches %d times; include more context to make it unique", count)
	}
}

func editFile(ctx context.Context, tc *Context, args map[string]any) (*Result, error) {
	path, err := RequireString(args, "path")
	if err != nil {
		return nil, err
	}
	oldStr, err := RequireString(args, "old_string")
	if err != nil {
		return nil, err
	}
	newStr, _ := args["new_string"].(string)
	abs := resolvePath(tc, path)

	if tc != nil && !tc.ReadFiles.Seen(abs) {
		return nil, fmt.Errorf("read %s before editing it", path)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	updated, err := applyEdit(string(data), oldStr, newStr)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return NewResult(fmt.Sprintf("Edited %s", path)), nil
}

func multiEditFile(ctx context.Context, tc *Context, args map[string]any) (*Result, error) {
	path, err := RequireString(args, "path")
	if err != nil {
		return nil, err
	}
	rawEdits, ok := args["edits"].([]any)
	if !ok || len(rawEdits) == 0 {
		return nil, fmt.Errorf("missing required parameter %q", "edits")
	}
	abs := resolvePath(tc, path)

	if tc != nil && !tc.ReadFiles.Seen(abs) {
		return nil, fmt.Errorf("read %s before editing it", path)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	content := string(data)
	for i, raw := range rawEdits {
		edit, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("edit %d is not an object", i+1)
		}
		oldStr, _ := edit["old_string"].(string)
		newStr, _ := edit["new_string"].(string)
		content, err = applyEdit(content, oldStr, newStr)
		if err != nil {
			return nil, fmt.Errorf("edit %d: %w", i+1, err)
		}
	}

	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return NewResult(fmt.Sprintf("Applied %d edits to %s", len(rawEdits), path)), nil
}
