package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
)

const (
	// maxWriteChars forces large writes and edits to be segmented by the
	// caller; one oversized blob in a single tool call is rejected.
	maxWriteChars = 5000
	// maxGrepMatches caps grep output.
	maxGrepMatches = 200
)

// FileTools holds the filesystem toolset rooted at a workspace directory.
// All paths are resolved against the workspace and must stay inside it.
type FileTools struct {
	workspace string
}

func NewFileTools(workspace string) *FileTools {
	return &FileTools{workspace: workspace}
}

// Register adds read_file, write_file, edit_file and grep to the registry.
func (f *FileTools) Register(reg *Registry) error {
	specs := []Spec{
		{
			Name:        "read_file",
			Description: "Read a file's contents, optionally a line window (offset is 1-based)",
			Schema: ObjectSchema(map[string]interface{}{
				"path":   map[string]interface{}{"type": "string", "description": "Path to the file, relative to the workspace"},
				"offset": map[string]interface{}{"type": "integer", "minimum": 1.0, "description": "First line to return (1-based)"},
				"limit":  map[string]interface{}{"type": "integer", "minimum": 1.0, "description": "Maximum number of lines to return"},
			}, "path"),
			Handler: f.readFile,
		},
		{
			Name:        "write_file",
			Description: "Write content to a file, creating parent directories. Use append for content over 5000 characters, written in chunks.",
			Schema: ObjectSchema(map[string]interface{}{
				"path":    map[string]interface{}{"type": "string"},
				"content": map[string]interface{}{"type": "string"},
				"append":  map[string]interface{}{"type": "boolean", "description": "Append instead of overwrite"},
			}, "path", "content"),
			Handler: f.writeFile,
		},
		{
			Name:        "edit_file",
			Description: "Replace one occurrence of old text with new text. The old text must match exactly once.",
			Schema: ObjectSchema(map[string]interface{}{
				"path": map[string]interface{}{"type": "string"},
				"old":  map[string]interface{}{"type": "string"},
				"new":  map[string]interface{}{"type": "string"},
			}, "path", "old", "new"),
			Handler: f.editFile,
		},
		{
			Name:        "grep",
			Description: "Search file contents with a regular expression",
			Schema: ObjectSchema(map[string]interface{}{
				"pattern":   map[string]interface{}{"type": "string"},
				"path":      map[string]interface{}{"type": "string", "description": "File or directory to search (default: workspace root)"},
				"recursive": map[string]interface{}{"type": "boolean"},
			}, "pattern"),
			Handler: f.grep,
		},
	}
	for _, s := range specs {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileTools) readFile(ctx context.Context, args map[string]interface{}) *Result {
	path := strArg(args, "path")
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := resolvePath(path, f.workspace)
	if err != nil {
		return ErrorResult(err.Error())
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}

	offset := intArg(args, "offset", 0)
	limit := intArg(args, "limit", 0)
	if offset == 0 && limit == 0 {
		return SilentResult(string(data))
	}

	lines := strings.Split(string(data), "\n")
	total := len(lines)
	start := offset
	if start < 1 {
		start = 1
	}
	if start > total {
		return ErrorResult(fmt.Sprintf("offset %d beyond end of file (%d lines)", start, total))
	}
	end := total
	if limit > 0 && start-1+limit < total {
		end = start - 1 + limit
	}

	window := strings.Join(lines[start-1:end], "\n")
	if end < total {
		window += fmt.Sprintf("\n[truncated: showing lines %d-%d of %d]", start, end, total)
	}
	return SilentResult(window)
}

func (f *FileTools) writeFile(ctx context.Context, args map[string]interface{}) *Result {
	path := strArg(args, "path")
	content := strArg(args, "content")
	if path == "" {
		return ErrorResult("path is required")
	}
	if len(content) > maxWriteChars {
		return ErrorResult(fmt.Sprintf(
			"content is %d characters; write at most %d per call and use append:true for the remaining chunks",
			len(content), maxWriteChars))
	}
	resolved, err := resolvePath(path, f.workspace)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("failed to create directory: %v", err))
	}

	if boolArg(args, "append") {
		file, err := os.OpenFile(resolved, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return ErrorResult(fmt.Sprintf("failed to open file: %v", err))
		}
		defer file.Close()
		if _, err := file.WriteString(content); err != nil {
			return ErrorResult(fmt.Sprintf("failed to append: %v", err))
		}
		return SilentResult(fmt.Sprintf("Appended %d characters to %s", len(content), path))
	}

	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}
	return SilentResult(fmt.Sprintf("Wrote %d characters to %s", len(content), path))
}

func (f *FileTools) editFile(ctx context.Context, args map[string]interface{}) *Result {
	path := strArg(args, "path")
	oldText := strArg(args, "old")
	newText := strArg(args, "new")
	if path == "" || oldText == "" {
		return ErrorResult("path and old are required")
	}
	if len(newText) > maxWriteChars {
		return ErrorResult(fmt.Sprintf(
			"replacement is %d characters; split the edit into chunks of at most %d", len(newText), maxWriteChars))
	}
	resolved, err := resolvePath(path, f.workspace)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}

	content := string(data)
	switch n := strings.Count(content, oldText); {
	case n == 0:
		return ErrorResult("old text not found in file")
	case n > 1:
		return ErrorResult(fmt.Sprintf("old text appears %d times; include more surrounding context to make it unique", n))
	}

	content = strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}
	return SilentResult(fmt.Sprintf("Edited %s", path))
}

func (f *FileTools) grep(ctx context.Context, args map[string]interface{}) *Result {
	pattern := strArg(args, "pattern")
	if pattern == "" {
		return ErrorResult("pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid pattern: %v", err))
	}

	root := strArg(args, "path")
	if root == "" {
		root = "."
	}
	resolved, err := resolvePath(root, f.workspace)
	if err != nil {
		return ErrorResult(err.Error())
	}
	recursive := boolArg(args, "recursive")

	info, err := os.Stat(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to stat path: %v", err))
	}

	var matches []string
	search := func(file string) {
		if len(matches) >= maxGrepMatches {
			return
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return
		}
		rel, relErr := filepath.Rel(f.workspace, file)
		if relErr != nil {
			rel = file
		}
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, i+1, line))
				if len(matches) >= maxGrepMatches {
					return
				}
			}
		}
	}

	if !info.IsDir() {
		search(resolved)
	} else {
		filepath.WalkDir(resolved, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if strings.HasPrefix(d.Name(), ".") && p != resolved {
					return filepath.SkipDir
				}
				if !recursive && p != resolved {
					return filepath.SkipDir
				}
				return nil
			}
			search(p)
			if len(matches) >= maxGrepMatches {
				return filepath.SkipAll
			}
			return nil
		})
	}

	if len(matches) == 0 {
		return SilentResult("no matches")
	}
	out := strings.Join(matches, "\n")
	if len(matches) >= maxGrepMatches {
		out += fmt.Sprintf("\n[truncated at %d matches]", maxGrepMatches)
	}
	return SilentResult(out)
}

// resolvePath resolves a path relative to the workspace and rejects
// anything that, after symlink resolution, escapes the workspace boundary.
func resolvePath(path, workspace string) (string, error) {
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(workspace, path))
	}

	absWorkspace, _ := filepath.Abs(workspace)
	wsReal, err := filepath.EvalSymlinks(absWorkspace)
	if err != nil {
		wsReal = absWorkspace // workspace doesn't exist yet
	}

	absResolved, _ := filepath.Abs(resolved)
	real, err := filepath.EvalSymlinks(absResolved)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("security.path_resolve_failed", "path", path, "error", err)
			return "", fmt.Errorf("access denied: cannot resolve path")
		}
		// Non-existent target: resolve the parent and re-validate so a new
		// file cannot be created through a symlinked directory that escapes.
		parentReal, parentErr := filepath.EvalSymlinks(filepath.Dir(absResolved))
		if parentErr != nil {
			if os.IsNotExist(parentErr) {
				// Deep new path; validate against the cleaned form.
				real = absResolved
			} else {
				return "", fmt.Errorf("access denied: cannot resolve path")
			}
		} else {
			real = filepath.Join(parentReal, filepath.Base(absResolved))
		}
	}

	if !isPathInside(real, wsReal) {
		slog.Warn("security.path_escape", "path", path, "resolved", real, "workspace", wsReal)
		return "", fmt.Errorf("access denied: path outside workspace")
	}

	if err := checkHardlink(real); err != nil {
		return "", err
	}
	return real, nil
}

// isPathInside checks whether child is inside or equal to parent directory.
func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// checkHardlink rejects regular files with nlink > 1 (hardlink escapes).
// Directories naturally have nlink > 1 and are exempt.
func checkHardlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return nil // non-existent files fail later at read/write
	}
	if info.IsDir() {
		return nil
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok && stat.Nlink > 1 {
		slog.Warn("security.hardlink_rejected", "path", path, "nlink", stat.Nlink)
		return fmt.Errorf("access denied: hardlinked file not allowed")
	}
	return nil
}
