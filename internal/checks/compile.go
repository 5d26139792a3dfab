package checks

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultSkipDirs are directory names never descended into while compiling.
var DefaultSkipDirs = []string{"__pycache__", ".git", "venv", ".venv", "env", "node_modules"}

// CompileError is one Python source file that failed to byte-compile.
// Line is 0 when the compiler did not report one.
type CompileError struct {
	File    string `json:"file"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

// CompileReport summarises a full-tree compile pass.
type CompileReport struct {
	ExitCode int            `json:"exit_code"`
	Output   string         `json:"output"`
	Errors   []CompileError `json:"errors"`
	Files    int            `json:"files"`
}

// Failed reports whether any file failed to compile.
func (r *CompileReport) Failed() bool {
	return len(r.Errors) > 0
}

// PyCompileChecker byte-compiles every .py file under a root, catching
// syntax errors in modules the test suite never imports.
type PyCompileChecker struct {
	runner   *Runner
	python   string
	timeout  time.Duration
	skipDirs map[string]bool
}

// NewPyCompileChecker creates a checker. A zero timeout uses DefaultTimeout per file.
func NewPyCompileChecker(cmd CommandRunner, python string, timeout time.Duration, skipDirs []string) *PyCompileChecker {
	if python == "" {
		python = "python"
	}
	if skipDirs == nil {
		skipDirs = DefaultSkipDirs
	}
	skip := make(map[string]bool, len(skipDirs))
	for _, d := range skipDirs {
		skip[d] = true
	}
	return &PyCompileChecker{runner: NewRunner(cmd), python: python, timeout: timeout, skipDirs: skip}
}

var compileLineRe = regexp.MustCompile(`line\s+(\d+)`)

// Check compiles each Python file under root in lexical walk order.
func (c *PyCompileChecker) Check(ctx context.Context, root string) (*CompileReport, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && c.skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".py") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	report := &CompileReport{Errors: []CompileError{}, Files: len(files)}
	var out []string
	for _, path := range files {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)

		res, err := c.runner.Run(ctx, root, CheckConfig{
			Name:    "py_compile",
			Command: fmt.Sprintf("%s -m py_compile %s", c.python, ShellQuote(rel)),
			Timeout: c.timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", rel, err)
		}
		if res.Passed {
			continue
		}

		ce := parseCompileError(rel, res.Output())
		if res.TimedOut {
			ce.Message = res.Summary
		}
		report.Errors = append(report.Errors, ce)
		lineStr := "?"
		if ce.Line > 0 {
			lineStr = strconv.Itoa(ce.Line)
		}
		out = append(out, fmt.Sprintf("SyntaxError in %s line %s: %s", ce.File, lineStr, ce.Message))
	}

	report.Output = strings.Join(out, "\n")
	if report.Failed() {
		report.ExitCode = 1
	}
	return report, nil
}

// parseCompileError reads py_compile's stderr. The message is the final
// "XxxError: detail" line so the exception name survives for classification.
func parseCompileError(rel, output string) CompileError {
	ce := CompileError{File: rel}
	if m := compileLineRe.FindStringSubmatch(output); m != nil {
		ce.Line, _ = strconv.Atoi(m[1])
	}
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			ce.Message = l
			break
		}
	}
	if ce.Message == "" {
		ce.Message = "compile failed"
	}
	return ce
}
