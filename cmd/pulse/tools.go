package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pulse-ide/pulse/agent"
)

const commandTimeout = 2 * time.Minute

// resolvePath joins a tool-supplied path with the working directory and
// rejects anything that escapes it.
func resolvePath(workDir, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(workDir, path)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(workDir, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q is outside the working directory", path)
	}
	return abs, nil
}

// registerBuiltinTools installs the coding toolset rooted at workDir.
func registerBuiltinTools(registry *agent.Registry, workDir string) {
	registry.Register(&agent.Tool{
		Name:        "read_file",
		Description: "Read the contents of a file.",
		Kind:        agent.ToolAtomic,
		ReadOnly:    true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "File path, relative to the working directory."},
			},
			"required": []any{"path"},
		},
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			var a struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return "", err
			}
			abs, err := resolvePath(workDir, a.Path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(abs)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
		StatusLine: func(args json.RawMessage) string {
			var a struct {
				Path string `json:"path"`
			}
			_ = json.Unmarshal(args, &a)
			return "Reading " + filepath.Base(a.Path) + "…"
		},
	})

	registry.Register(&agent.Tool{
		Name:        "list_dir",
		Description: "List the entries of a directory.",
		Kind:        agent.ToolAtomic,
		ReadOnly:    true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Directory path; defaults to the working directory."},
			},
		},
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			var a struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return "", err
			}
			if a.Path == "" {
				a.Path = "."
			}
			abs, err := resolvePath(workDir, a.Path)
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(abs)
			if err != nil {
				return "", err
			}
			var sb strings.Builder
			for _, e := range entries {
				if e.IsDir() {
					fmt.Fprintf(&sb, "%s/\n", e.Name())
				} else {
					fmt.Fprintf(&sb, "%s\n", e.Name())
				}
			}
			return sb.String(), nil
		},
	})

	registry.Register(&agent.Tool{
		Name:        "grep",
		Description: "Search files for a regular expression and return matching lines.",
		Kind:        agent.ToolAtomic,
		ReadOnly:    true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string", "description": "Go regular expression."},
				"path":    map[string]any{"type": "string", "description": "File or directory to search; defaults to the working directory."},
			},
			"required": []any{"pattern"},
		},
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			var a struct {
				Pattern string `json:"pattern"`
				Path    string `json:"path"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return "", err
			}
			re, err := regexp.Compile(a.Pattern)
			if err != nil {
				return "", fmt.Errorf("invalid pattern: %w", err)
			}
			if a.Path == "" {
				a.Path = "."
			}
			abs, err := resolvePath(workDir, a.Path)
			if err != nil {
				return "", err
			}
			return grepPath(ctx, re, workDir, abs)
		},
		StatusLine: func(args json.RawMessage) string {
			var a struct {
				Pattern string `json:"pattern"`
			}
			_ = json.Unmarshal(args, &a)
			return "Searching for " + a.Pattern + "…"
		},
	})

	registry.Register(&agent.Tool{
		Name:             "write_file",
		Description:      "Create or overwrite a file with the given content.",
		Kind:             agent.ToolPermissioned,
		RequiresApproval: true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required": []any{"path", "content"},
		},
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			var a struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return "", err
			}
			abs, err := resolvePath(workDir, a.Path)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(abs, []byte(a.Content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(a.Content), a.Path), nil
		},
		Previewer: func(args json.RawMessage) agent.ApprovalPreview {
			var a struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			_ = json.Unmarshal(args, &a)
			return agent.ApprovalPreview{
				Kind:      agent.ApprovalPatch,
				Preview:   fmt.Sprintf("write %s (%d bytes):\n%s", a.Path, len(a.Content), a.Content),
				Rationale: "creates or overwrites the file",
			}
		},
	})

	registry.Register(&agent.Tool{
		Name:             "apply_patch",
		Description:      "Replace an exact text fragment in a file.",
		Kind:             agent.ToolPermissioned,
		RequiresApproval: true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
				"old":  map[string]any{"type": "string", "description": "Exact text to replace; must occur exactly once."},
				"new":  map[string]any{"type": "string"},
			},
			"required": []any{"path", "old", "new"},
		},
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			var a struct {
				Path string `json:"path"`
				Old  string `json:"old"`
				New  string `json:"new"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return "", err
			}
			abs, err := resolvePath(workDir, a.Path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(abs)
			if err != nil {
				return "", err
			}
			content := string(data)
			count := strings.Count(content, a.Old)
			if count == 0 {
				return "", fmt.Errorf("text to replace not found in %s", a.Path)
			}
			if count > 1 {
				return "", fmt.Errorf("text to replace occurs %d times in %s; make it unique", count, a.Path)
			}
			updated := strings.Replace(content, a.Old, a.New, 1)
			if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
				return "", err
			}
			return "patched " + a.Path, nil
		},
		Previewer: func(args json.RawMessage) agent.ApprovalPreview {
			var a struct {
				Path string `json:"path"`
				Old  string `json:"old"`
				New  string `json:"new"`
			}
			_ = json.Unmarshal(args, &a)
			return agent.ApprovalPreview{
				Kind:      agent.ApprovalPatch,
				Preview:   fmt.Sprintf("patch %s:\n--- old\n%s\n+++ new\n%s", a.Path, a.Old, a.New),
				Rationale: "modifies the file in place",
			}
		},
	})

	registry.Register(&agent.Tool{
		Name:             "run_command",
		Description:      "Run a shell command in the working directory.",
		Kind:             agent.ToolPermissioned,
		RequiresApproval: true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string"},
			},
			"required": []any{"command"},
		},
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			var a struct {
				Command string `json:"command"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return "", err
			}
			cctx, cancel := context.WithTimeout(ctx, commandTimeout)
			defer cancel()
			cmd := exec.CommandContext(cctx, "sh", "-c", a.Command)
			cmd.Dir = workDir
			out, err := cmd.CombinedOutput()
			if err != nil {
				return "", fmt.Errorf("%w\n%s", err, out)
			}
			return string(out), nil
		},
		Previewer: func(args json.RawMessage) agent.ApprovalPreview {
			var a struct {
				Command string `json:"command"`
			}
			_ = json.Unmarshal(args, &a)
			return agent.ApprovalPreview{
				Kind:    agent.ApprovalCommand,
				Preview: a.Command,
			}
		},
		StatusLine: func(args json.RawMessage) string {
			var a struct {
				Command string `json:"command"`
			}
			_ = json.Unmarshal(args, &a)
			return "Running " + a.Command + "…"
		},
	})
}

// grepPath searches a file or directory tree, returning "path:line: text"
// matches sorted by path.
func grepPath(ctx context.Context, re *regexp.Regexp, workDir, abs string) (string, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}

	var files []string
	if info.IsDir() {
		err = filepath.WalkDir(abs, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			name := d.Name()
			if d.IsDir() {
				if name == ".git" || name == "node_modules" || name == "vendor" {
					return filepath.SkipDir
				}
				return nil
			}
			files = append(files, p)
			return nil
		})
		if err != nil {
			return "", err
		}
		sort.Strings(files)
	} else {
		files = []string{abs}
	}

	var sb strings.Builder
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		if strings.Contains(string(data), "\x00") {
			continue // binary
		}
		rel, _ := filepath.Rel(workDir, f)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				fmt.Fprintf(&sb, "%s:%d: %s\n", rel, i+1, line)
			}
		}
	}
	if sb.Len() == 0 {
		return "no matches", nil
	}
	return sb.String(), nil
}
