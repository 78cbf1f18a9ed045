package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ljchg12-hue/glm-cli/config"
	"github.com/ljchg12-hue/glm-cli/errors"
)

const (
	maxGlobMatches = 100
	maxGrepMatches = 500
	maxGrepFiles   = 100
)

// NewGlobTool finds files matching a doublestar pattern, newest first.
func NewGlobTool() *Descriptor {
	return &Descriptor{
		Name:        "glob",
		Description: "Find files matching a glob pattern (e.g. '**/*.go', 'src/**/*.ts'). Results are sorted by modification time, newest first.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string", "description": "Glob pattern to match files against"},
				"path": {"type": "string", "description": "Base directory to search in (default: current directory)"}
			},
			"required": ["pattern"]
		}`),
		Concurrency: ConcurrentSafe,
		Backend:     BackendLocal,
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var p struct {
				Pattern string `json:"pattern"`
				Path    string `json:"path"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return "", errors.Wrapf(err, "invalid glob arguments")
			}
			if p.Pattern == "" {
				return "", errors.New("missing 'pattern' argument")
			}

			base := expand(p.Path)
			if base == "" {
				base, _ = os.Getwd()
			}
			matches, err := doublestar.Glob(os.DirFS(base), p.Pattern)
			if err != nil {
				return "", errors.Wrapf(err, "invalid glob pattern %q", p.Pattern)
			}

			type match struct {
				path  string
				mtime int64
			}
			files := make([]match, 0, len(matches))
			for _, m := range matches {
				full := filepath.Join(base, m)
				info, err := os.Stat(full)
				if err != nil || info.IsDir() {
					continue
				}
				files = append(files, match{path: full, mtime: info.ModTime().UnixNano()})
			}
			sort.Slice(files, func(i, j int) bool { return files[i].mtime > files[j].mtime })

			if len(files) == 0 {
				return "No files found matching pattern", nil
			}
			total := len(files)
			if total > maxGlobMatches {
				files = files[:maxGlobMatches]
			}
			var sb strings.Builder
			for _, f := range files {
				sb.WriteString(f.path)
				sb.WriteByte('\n')
			}
			if total > maxGlobMatches {
				fmt.Fprintf(&sb, "...(showing first %d of %d matches)\n", maxGlobMatches, total)
			}
			return sb.String(), nil
		},
	}
}

// NewGrepTool searches file contents with a regular expression.
func NewGrepTool() *Descriptor {
	return &Descriptor{
		Name:        "grep",
		Description: "Search for a regex pattern in files. Returns matching lines as path:line: text.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string", "description": "Regex pattern to search for"},
				"path": {"type": "string", "description": "File or directory to search in (default: current directory)"},
				"glob": {"type": "string", "description": "Glob pattern to filter files (e.g. '*.go')"},
				"case_insensitive": {"type": "boolean", "description": "Case insensitive search"}
			},
			"required": ["pattern"]
		}`),
		Concurrency: ConcurrentSafe,
		Backend:     BackendLocal,
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var p struct {
				Pattern         string `json:"pattern"`
				Path            string `json:"path"`
				Glob            string `json:"glob"`
				CaseInsensitive bool   `json:"case_insensitive"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return "", errors.Wrapf(err, "invalid grep arguments")
			}
			if p.Pattern == "" {
				return "", errors.New("missing 'pattern' argument")
			}
			pattern := p.Pattern
			if p.CaseInsensitive {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return "", errors.Wrapf(err, "invalid regex pattern")
			}

			base := expand(p.Path)
			if base == "" {
				base, _ = os.Getwd()
			}
			files, err := grepTargets(base, p.Glob)
			if err != nil {
				return "", err
			}

			var results []string
			for _, file := range files {
				if err := ctx.Err(); err != nil {
					return "", err
				}
				results = grepFile(file, re, results)
				if len(results) >= maxGrepMatches {
					break
				}
			}

			if len(results) == 0 {
				return fmt.Sprintf("No matches found for pattern: %s", p.Pattern), nil
			}
			out := strings.Join(results, "\n")
			if len(results) >= maxGrepMatches {
				out += fmt.Sprintf("\n...(truncated at %d matches)", maxGrepMatches)
			}
			return out, nil
		},
	}
}

func grepTargets(base, glob string) ([]string, error) {
	info, err := os.Stat(base)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot access %q", base)
	}
	if !info.IsDir() {
		return []string{base}, nil
	}

	var files []string
	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if glob != "" {
			ok, err := doublestar.Match(glob, d.Name())
			if err != nil {
				return errors.Wrapf(err, "invalid glob pattern %q", glob)
			}
			if !ok {
				return nil
			}
		}
		files = append(files, path)
		if len(files) >= maxGrepFiles {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func grepFile(path string, re *regexp.Regexp, results []string) []string {
	f, err := os.Open(path)
	if err != nil {
		return results
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if re.MatchString(text) {
			results = append(results, fmt.Sprintf("%s:%d: %s", path, line, strings.TrimRight(text, "\r")))
			if len(results) >= maxGrepMatches {
				return results
			}
		}
	}
	return results
}

// RegisterLocal registers the built-in local tool set.
func RegisterLocal(r *Registry, cfg *config.Config) error {
	descriptors := []*Descriptor{
		NewReadFileTool(&cfg.FilesystemAccess),
		NewWriteFileTool(&cfg.FilesystemAccess),
		NewEditFileTool(&cfg.FilesystemAccess),
		NewBashTool(cfg.AllowedCommands),
		NewGlobTool(),
		NewGrepTool(),
	}
	for _, d := range descriptors {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}
