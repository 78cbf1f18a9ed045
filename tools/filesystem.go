package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ljchg12-hue/glm-cli/config"
	"github.com/ljchg12-hue/glm-cli/errors"
)

// NewReadFileTool reads a file with optional offset and limit, formatting
// output with 1-based line numbers.
func NewReadFileTool(fs *config.FilesystemAccess) *Descriptor {
	return &Descriptor{
		Name:        "read_file",
		Description: "Read the contents of a file. Returns the file content as text with line numbers.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "The absolute path to the file to read"},
				"offset": {"type": "integer", "description": "Line number to start reading from (1-based)"},
				"limit": {"type": "integer", "description": "Maximum number of lines to read"}
			},
			"required": ["path"]
		}`),
		Concurrency: ConcurrentSafe,
		Backend:     BackendLocal,
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var p struct {
				Path   string `json:"path"`
				Offset int    `json:"offset"`
				Limit  int    `json:"limit"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return "", errors.Wrapf(err, "invalid read_file arguments")
			}
			if p.Path == "" {
				return "", errors.New("missing 'path' argument")
			}
			path := expand(p.Path)
			if err := checkHidden(path, fs); err != nil {
				return "", err
			}

			info, err := os.Stat(path)
			if err != nil {
				return "", errors.Wrapf(err, "failed to read file %q", p.Path)
			}
			if info.IsDir() {
				return "", errors.New("path %q is a directory", p.Path)
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return "", errors.Wrapf(err, "failed to read file %q", p.Path)
			}

			lines := strings.Split(string(content), "\n")
			offset := p.Offset
			if offset < 1 {
				offset = 1
			}
			if offset > len(lines) {
				return "", nil
			}
			lines = lines[offset-1:]
			if p.Limit > 0 && p.Limit < len(lines) {
				lines = lines[:p.Limit]
			}

			var sb strings.Builder
			for i, line := range lines {
				fmt.Fprintf(&sb, "%6d\t%s\n", offset+i, strings.TrimRight(line, "\r"))
			}
			return sb.String(), nil
		},
	}
}

// NewWriteFileTool replaces a file's content entirely, creating parent
// directories as needed.
func NewWriteFileTool(fs *config.FilesystemAccess) *Descriptor {
	return &Descriptor{
		Name:        "write_file",
		Description: "Write content to a file, replacing it entirely. Creates the file if it doesn't exist.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "The absolute path to the file to write"},
				"content": {"type": "string", "description": "The content to write to the file"}
			},
			"required": ["path", "content"]
		}`),
		Concurrency: Exclusive,
		Backend:     BackendLocal,
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var p struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return "", errors.Wrapf(err, "invalid write_file arguments")
			}
			if p.Path == "" {
				return "", errors.New("missing 'path' argument")
			}
			path := expand(p.Path)
			if err := checkWritable(path, fs); err != nil {
				return "", err
			}

			if parent := filepath.Dir(path); parent != "" {
				if err := os.MkdirAll(parent, 0o755); err != nil {
					return "", errors.Wrapf(err, "failed to create directory for %q", p.Path)
				}
			}
			if err := os.WriteFile(path, []byte(p.Content), 0o644); err != nil {
				return "", errors.Wrapf(err, "failed to write to file %q", p.Path)
			}
			return fmt.Sprintf("Successfully wrote %d bytes to %s", len(p.Content), p.Path), nil
		},
	}
}

// NewEditFileTool replaces old_string with new_string in a file. Unless
// replace_all is set, the old string must occur exactly once.
func NewEditFileTool(fs *config.FilesystemAccess) *Descriptor {
	return &Descriptor{
		Name:        "edit_file",
		Description: "Edit a file by replacing old_string with new_string.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "The absolute path to the file to edit"},
				"old_string": {"type": "string", "description": "The text to replace"},
				"new_string": {"type": "string", "description": "The replacement text"},
				"replace_all": {"type": "boolean", "description": "Replace all occurrences (default: false)"}
			},
			"required": ["path", "old_string", "new_string"]
		}`),
		Concurrency: Exclusive,
		Backend:     BackendLocal,
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var p struct {
				Path       string `json:"path"`
				OldString  string `json:"old_string"`
				NewString  string `json:"new_string"`
				ReplaceAll bool   `json:"replace_all"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return "", errors.Wrapf(err, "invalid edit_file arguments")
			}
			if p.Path == "" || p.OldString == "" {
				return "", errors.New("missing 'path' or 'old_string' argument")
			}
			path := expand(p.Path)
			if err := checkWritable(path, fs); err != nil {
				return "", err
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return "", errors.Wrapf(err, "failed to read file %q", p.Path)
			}
			content := string(data)

			count := strings.Count(content, p.OldString)
			if count == 0 {
				return "", errors.New("string not found in file: %s", snippet(p.OldString))
			}
			if count > 1 && !p.ReplaceAll {
				return "", errors.New("string found %d times, use replace_all or provide more context", count)
			}

			replacements := 1
			if p.ReplaceAll {
				replacements = count
			}
			content = strings.Replace(content, p.OldString, p.NewString, replacements)
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return "", errors.Wrapf(err, "failed to write file %q", p.Path)
			}
			return fmt.Sprintf("Successfully edited %s (%d replacement(s))", p.Path, replacements), nil
		},
	}
}

func expand(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func checkHidden(path string, fs *config.FilesystemAccess) error {
	hidden, err := isPathRestricted(path, fs.Hidden)
	if err != nil {
		return err
	}
	if hidden {
		return errors.New("access denied: path %q is hidden", path)
	}
	return nil
}

func checkWritable(path string, fs *config.FilesystemAccess) error {
	if err := checkHidden(path, fs); err != nil {
		return err
	}
	readOnly, err := isPathRestricted(path, fs.ReadOnly)
	if err != nil {
		return err
	}
	if readOnly {
		return errors.New("access denied: path %q is read-only", path)
	}
	return nil
}

func snippet(s string) string {
	if len(s) > 50 {
		return s[:50] + "..."
	}
	return s
}
