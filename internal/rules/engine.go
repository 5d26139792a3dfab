// Package rules applies deterministic, single-failure source edits.
package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/lucasnoah/cihealer/internal/pipeline"
)

// Reasons a rule declined to change anything.
var (
	ErrNoLine         = errors.New("failure has no line number")
	ErrLineOutOfRange = errors.New("line out of range")
	ErrFileMissing    = errors.New("file does not exist")
	ErrAlreadyColon   = errors.New("line already ends with ':'")
	ErrNoKeyword      = errors.New("line does not start with a block keyword")
	ErrBlankLine      = errors.New("line is blank")
	ErrNoModuleName   = errors.New("no module name in error text")
	ErrInvalidModule  = errors.New("module name has invalid characters")
	ErrNoRemediation  = errors.New("no deterministic remediation")
	ErrUnknownBugType = errors.New("unknown bug type")
	ErrOutsideRepo    = errors.New("path is outside the repository")
)

// Installer installs a missing Python module from within cwd.
type Installer interface {
	Install(ctx context.Context, module, cwd string) error
}

// colonKeywords start statements that must end with ':'.
var colonKeywords = []string{"def", "class", "if", "else", "elif", "for", "while", "try", "except", "finally", "with"}

var (
	moduleNameRe  = regexp.MustCompile(`No module named ['"]([a-zA-Z0-9_-]+)['"]`)
	validModuleRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// Engine dispatches a failure to the rule for its bug type.
type Engine struct {
	installer Installer
}

// NewEngine creates an Engine. installer may be nil, in which case IMPORT
// failures are never remediated.
func NewEngine(installer Installer) *Engine {
	return &Engine{installer: installer}
}

// Apply attempts the rule for f against the file under repoRoot.
// A nil error means the fix was applied.
func (e *Engine) Apply(ctx context.Context, repoRoot string, f pipeline.Failure) error {
	path, err := InRepo(repoRoot, f.File)
	if err != nil {
		return err
	}

	switch f.BugType {
	case pipeline.BugLinting:
		return editLine(path, f.Line, removeLine)
	case pipeline.BugSyntax:
		return editLine(path, f.Line, addColon)
	case pipeline.BugIndentation:
		return editLine(path, f.Line, reindent)
	case pipeline.BugImport:
		return e.installModule(ctx, path, f.Snippet)
	case pipeline.BugLogic, pipeline.BugTypeError:
		return fmt.Errorf("%s: %w", f.BugType, ErrNoRemediation)
	default:
		return fmt.Errorf("%q: %w", f.BugType, ErrUnknownBugType)
	}
}

// InRepo resolves the slash-separated, repo-relative file against repoRoot.
// Absolute paths, paths climbing out with "..", and symlinks leading outside
// repoRoot are rejected with ErrOutsideRepo.
func InRepo(repoRoot, file string) (string, error) {
	if file == "" {
		return "", ErrFileMissing
	}
	rel := filepath.FromSlash(file)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%s: %w", file, ErrOutsideRepo)
	}
	path := filepath.Join(repoRoot, rel)

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		// Missing files are reported by the rule itself.
		return path, nil
	}
	root, err := filepath.EvalSymlinks(repoRoot)
	if err != nil {
		return "", fmt.Errorf("resolve repo root: %w", err)
	}
	if r, err := filepath.Rel(root, resolved); err != nil || !filepath.IsLocal(r) {
		return "", fmt.Errorf("%s: %w", file, ErrOutsideRepo)
	}
	return path, nil
}

// lineEdit mutates lines in place for the 0-based index idx, or returns the
// reason it refused; the slice returned replaces the original.
type lineEdit func(lines []string, idx int) ([]string, error)

// editLine reads path, applies edit at the 1-based line, and rewrites the file
// atomically only once the full result is computed.
func editLine(path string, line int, edit lineEdit) error {
	if line <= 0 {
		return ErrNoLine
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrFileMissing
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	lines := splitLines(string(data))
	if line > len(lines) {
		return fmt.Errorf("line %d of %d: %w", line, len(lines), ErrLineOutOfRange)
	}

	lines, err = edit(lines, line-1)
	if err != nil {
		return err
	}

	if err := pipeline.WriteAtomicMode(path, []byte(joinLines(lines)), info.Mode().Perm()); err != nil {
		return fmt.Errorf("rewrite %s: %w", path, err)
	}
	return nil
}

func removeLine(lines []string, idx int) ([]string, error) {
	return append(lines[:idx], lines[idx+1:]...), nil
}

func addColon(lines []string, idx int) ([]string, error) {
	content := lines[idx]
	stripped := strings.TrimSpace(content)
	if strings.HasSuffix(stripped, ":") {
		return nil, ErrAlreadyColon
	}
	for _, kw := range colonKeywords {
		if stripped == kw || strings.HasPrefix(stripped, kw+" ") || strings.HasPrefix(stripped, kw+"(") {
			lines[idx] = strings.TrimRightFunc(content, unicode.IsSpace) + ":"
			return lines, nil
		}
	}
	return nil, ErrNoKeyword
}

func reindent(lines []string, idx int) ([]string, error) {
	stripped := strings.TrimSpace(lines[idx])
	if stripped == "" {
		return nil, ErrBlankLine
	}

	indent := 0
	prev := idx - 1
	for prev >= 0 && strings.TrimSpace(lines[prev]) == "" {
		prev--
	}
	if prev >= 0 {
		p := lines[prev]
		indent = len(p) - len(strings.TrimLeftFunc(p, unicode.IsSpace))
		if strings.HasSuffix(strings.TrimSpace(p), ":") {
			indent += 4
		}
	}

	lines[idx] = strings.Repeat(" ", indent) + stripped
	return lines, nil
}

func (e *Engine) installModule(ctx context.Context, path, snippet string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return ErrFileMissing
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	m := moduleNameRe.FindStringSubmatch(snippet)
	if m == nil {
		return ErrNoModuleName
	}
	module := m[1]
	if !validModuleRe.MatchString(module) {
		return fmt.Errorf("%q: %w", module, ErrInvalidModule)
	}
	if e.installer == nil {
		return fmt.Errorf("no installer configured: %w", ErrNoRemediation)
	}
	if err := e.installer.Install(ctx, module, filepath.Dir(path)); err != nil {
		return fmt.Errorf("install %s: %w", module, err)
	}
	return nil
}

// splitLines splits on "\n", drops a trailing "\r" from each line, and
// ignores the empty element after a final newline.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// joinLines is the inverse of splitLines, always ending non-empty output
// with a newline.
func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
