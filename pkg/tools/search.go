package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	maxSearchResults = 200
	maxGrepFileSize  = 1024 * 1024
)

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
}

// NewSearchTools returns glob, grep, and directory listing tools.
func NewSearchTools() []*Tool {
	return []*Tool{
		{
			Name:        "glob_files",
			Description: "Find files whose path matches a glob pattern (e.g. '**/*.go'). Returns matching paths sorted alphabetically.",
			Params: []Param{
				{Name: "pattern", Type: "string", Description: "Glob pattern; ** matches across directories", Required: true},
				{Name: "root", Type: "string", Description: "Directory to search from (default: workspace)"},
			},
			Handler: globFiles,
		},
		{
			Name:        "grep_files",
			Description: "Search file contents with a regular expression. Returns path:line matches.",
			Params: []Param{
				{Name: "pattern", Type: "string", Description: "Go regular expression", Required: true},
				{Name: "root", Type: "string", Description: "Directory to search from (default: workspace)"},
				{Name: "glob", Type: "string", Description: "Only search files whose base name matches this glob"},
			},
			Handler: grepFiles,
		},
		{
			Name:        "list_directory",
			Description: "List a directory's entries with sizes.",
			Params: []Param{
				{Name: "path", Type: "string", Description: "Directory to list (default: workspace)"},
			},
			Handler: listDirectory,
		},
	}
}

// matchGlob supports '**' crossing directory separators on top of path.Match
// semantics for the rest of the pattern.
func matchGlob(pattern, path string) bool {
	if !strings.Contains(pattern, "**") {
		ok, _ := filepath.Match(pattern, path)
		if ok {
			return true
		}
		ok, _ = filepath.Match(pattern, filepath.Base(path))
		return ok
	}

	parts := strings.SplitN(pattern, "**", 2)
	prefix, suffix := parts[0], parts[1]
	prefix = strings.TrimSuffix(prefix, "/")
	suffix = strings.TrimPrefix(suffix, "/")

	if prefix != "" && !strings.HasPrefix(path, prefix) {
		return false
	}
	if suffix == "" {
		return true
	}
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.TrimPrefix(rest, "/")
	if strings.Contains(suffix, "**") {
		// One level of nesting is enough in practice.
		return matchGlob(suffix, rest)
	}
	ok, _ := filepath.Match(suffix, rest)
	if ok {
		return true
	}
	ok, _ = filepath.Match(suffix, filepath.Base(rest))
	return ok
}

func searchRoot(tc *Context, args map[string]any) string {
	root := StringArg(args, "root")
	if root == "" {
		if tc != nil && tc.WorkDir != "" {
			return tc.WorkDir
		}
		return "."
	}
	return resolvePath(tc, root)
}

func globFiles(ctx context.Context, tc *Context, args map[string]any) (*Result, error) {
	pattern, err := RequireString(args, "pattern")
	if err != nil {
		return nil, err
	}
	root := searchRoot(tc, args)

	var matches []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if matchGlob(pattern, rel) {
			matches = append(matches, rel)
			if len(matches) >= maxSearchResults {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("glob failed: %w", err)
	}

	if len(matches) == 0 {
		return NewResult("No files matched."), nil
	}
	sort.Strings(matches)
	return NewResult(strings.Join(matches, "\n")), nil
}

func grepFiles(ctx context.Context, tc *Context, args map[string]any) (*Result, error) {
	pattern, err := RequireString(args, "pattern")
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	nameGlob := StringArg(args, "glob")
	root := searchRoot(tc, args)

	var b strings.Builder
	count := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || count >= maxSearchResults {
			if count >= maxSearchResults {
				return filepath.SkipAll
			}
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if nameGlob != "" {
			if ok, _ := filepath.Match(nameGlob, d.Name()); !ok {
				return nil
			}
		}
		info, infoErr := d.Info()
		if infoErr != nil || info.Size() > maxGrepFileSize {
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil || !isText(data) {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				fmt.Fprintf(&b, "%s:%d: %s\n", rel, i+1, strings.TrimSpace(line))
				count++
				if count >= maxSearchResults {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("grep failed: %w", err)
	}

	if count == 0 {
		return NewResult("No matches."), nil
	}
	return NewResult(TruncateResponse(b.String())), nil
}

func listDirectory(ctx context.Context, tc *Context, args map[string]any) (*Result, error) {
	path := StringArg(args, "path")
	if path == "" {
		path = searchRoot(tc, args)
	} else {
		path = resolvePath(tc, path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", path, err)
	}

	var b strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&b, "%s/\n", entry.Name())
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			fmt.Fprintf(&b, "%s\n", entry.Name())
			continue
		}
		fmt.Fprintf(&b, "%s (%d bytes)\n", entry.Name(), info.Size())
	}
	if b.Len() == 0 {
		return NewResult("(empty directory)"), nil
	}
	return NewResult(b.String()), nil
}

func isText(data []byte) bool {
	if len(data) > 8000 {
		data = data[:8000]
	}
	for _, b := range data {
		if b == 0 {
			return false
		}
	}
	return true
}
