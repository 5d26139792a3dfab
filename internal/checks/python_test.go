package checks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPyCompileChecker_ReportsFailures(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.py"), "x = 1\n")
	writeFile(t, filepath.Join(root, "src", "b.py"), "def f()\n    pass\n")
	writeFile(t, filepath.Join(root, "venv", "lib.py"), "broken(\n")
	writeFile(t, filepath.Join(root, "src", "__pycache__", "b.py"), "junk")
	writeFile(t, filepath.Join(root, "README.md"), "# readme")

	mock := &mockCmd{
		results: []mockResult{
			{ExitCode: 0},
			{ExitCode: 1, Stderr: "  File \"src/b.py\", line 1\n    def f()\n           ^\nSyntaxError: expected ':'\n"},
		},
	}
	c := NewPyCompileChecker(mock, "python3", time.Second, nil)

	report, err := c.Check(context.Background(), root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.calls) != 2 {
		t.Fatalf("expected 2 compile calls (skip dirs excluded), got %d", len(mock.calls))
	}
	if mock.calls[0].Command != "python3 -m py_compile 'a.py'" {
		t.Errorf("unexpected command: %q", mock.calls[0].Command)
	}
	if report.Files != 2 {
		t.Errorf("expected 2 files, got %d", report.Files)
	}
	if !report.Failed() || report.ExitCode != 1 {
		t.Fatalf("expected failed report, got %+v", report)
	}
	ce := report.Errors[0]
	if ce.File != "src/b.py" || ce.Line != 1 {
		t.Errorf("unexpected compile error: %+v", ce)
	}
	if ce.Message != "SyntaxError: expected ':'" {
		t.Errorf("unexpected message: %q", ce.Message)
	}
	want := "SyntaxError in src/b.py line 1: SyntaxError: expected ':'"
	if report.Output != want {
		t.Errorf("output = %q, want %q", report.Output, want)
	}
}

func TestPyCompileChecker_Clean(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ok.py"), "x = 1\n")

	c := NewPyCompileChecker(&mockCmd{}, "", 0, nil)
	report, err := c.Check(context.Background(), root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Failed() || report.ExitCode != 0 || report.Output != "" {
		t.Errorf("expected clean report, got %+v", report)
	}
}

func TestPyCompileChecker_NoLine(t *testing.T) {
	ce := parseCompileError("x.py", "Sorry: something odd\n")
	if ce.Line != 0 {
		t.Errorf("expected no line, got %d", ce.Line)
	}
	if ce.Message != "Sorry: something odd" {
		t.Errorf("unexpected message: %q", ce.Message)
	}
}

func TestPythonTestRunner_DefaultCommand(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Stdout: "==== 1 passed in 0.01s ====", ExitCode: 0}}}
	r := NewPythonTestRunner(mock, "python3", "", 0)

	res, err := r.RunTests(context.Background(), "/repo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Passed {
		t.Error("expected passed=true")
	}
	if mock.calls[0].Command != "python3 -m pytest -v --tb=short" {
		t.Errorf("unexpected command: %q", mock.calls[0].Command)
	}
	if mock.calls[0].Dir != "/repo" {
		t.Errorf("unexpected dir: %q", mock.calls[0].Dir)
	}
}

func TestPythonTestRunner_Timeout(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Block: true}}}
	r := NewPythonTestRunner(mock, "", "pytest -x", 5*time.Millisecond)

	res, err := r.RunTests(context.Background(), "/repo")
	if err != nil {
		t.Fatalf("timeout should not be an error: %v", err)
	}
	if res.Passed || !res.TimedOut {
		t.Errorf("expected failed timed-out result, got %+v", res)
	}
}

func TestPipInstaller(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{ExitCode: 1, Stderr: "ERROR: No matching distribution"}}}
	p := NewPipInstaller(mock, "python3", 0)

	if err := p.Install(context.Background(), "requests", "/repo/src"); err != nil {
		t.Fatalf("non-zero pip exit still counts as invoked: %v", err)
	}
	if mock.calls[0].Command != "python3 -m pip install 'requests'" {
		t.Errorf("unexpected command: %q", mock.calls[0].Command)
	}
	if mock.calls[0].Dir != "/repo/src" {
		t.Errorf("unexpected dir: %q", mock.calls[0].Dir)
	}
}

func TestPipInstaller_Timeout(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Block: true}}}
	p := NewPipInstaller(mock, "", 5*time.Millisecond)

	err := p.Install(context.Background(), "requests", "/repo")
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}
