// Package bootstrap builds an agent's initial conversational context
// (none/auto/manual/custom) and records each run in the bootstrap history.
package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when a requested path resolves outside the
// agent's working directory (e.g. via a traversal sequence or a symlink).
var ErrPathEscape = errors.New("bootstrap: file path escapes working directory")

// FileLoader reads context files rooted at an agent's working directory,
// rejecting any path that would escape it.
type FileLoader struct{}

// NewFileLoader builds a FileLoader.
func NewFileLoader() *FileLoader { return &FileLoader{} }

// Load reads relativePath under workingDir and returns its contents. It
// resolves symlinks before the escape check so a symlink pointing outside
// workingDir is rejected the same as a literal "../" traversal.
func (l *FileLoader) Load(workingDir, relativePath string) (string, error) {
	abs, err := l.resolve(workingDir, relativePath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", relativePath, err)
	}
	return string(data), nil
}

// Exists reports whether relativePath resolves to a readable file under
// workingDir, without erroring on a missing file.
func (l *FileLoader) Exists(workingDir, relativePath string) bool {
	abs, err := l.resolve(workingDir, relativePath)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && !info.IsDir()
}

func (l *FileLoader) resolve(workingDir, relativePath string) (string, error) {
	if workingDir == "" {
		return "", errors.New("bootstrap: empty working directory")
	}
	clean := filepath.Clean(relativePath)
	abs := filepath.Join(workingDir, clean)

	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	rel, err := filepath.Rel(workingDir, abs)
	if err != nil {
		return "", ErrPathEscape
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathEscape
	}
	return abs, nil
}

// DefaultAutoFiles is the ordered list of paths auto mode tries when the
// bootstrap.autoFiles setting lists none: a root context file, then a
// context file under .agentbroker/. Only these fixed paths are tried; no
// directory is searched for further context files.
var DefaultAutoFiles = []string{"CLAUDE.md", ".agentbroker/context.md"}

// ContextSeparator delimits concatenated file sections in built context.
const ContextSeparator = "\n\n---\n\n"

// BuildContext concatenates the contents of files (in order) with a
// "## <path>" header before each section, skipping entries the loader
// could not read. A path-escape failure is a security boundary violation,
// not a missing-file shrug, and is returned rather than dropped — every
// other read error (not-found, permission) is silently skipped since
// presence is optional in auto/manual mode.
func BuildContext(loader *FileLoader, workingDir string, files []string) (string, []string, error) {
	var sections []string
	var loaded []string
	for _, f := range files {
		content, err := loader.Load(workingDir, f)
		if err != nil {
			if errors.Is(err, ErrPathEscape) {
				return "", nil, err
			}
			continue
		}
		sections = append(sections, fmt.Sprintf("## %s\n\n%s", f, content))
		loaded = append(loaded, f)
	}
	return strings.Join(sections, ContextSeparator), loaded, nil
}
