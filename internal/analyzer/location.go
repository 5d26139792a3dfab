package analyzer

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	// File "path/to/mod.py", line 12
	tracebackRe = regexp.MustCompile(`File\s+"([^"]+\.py)"[^,]*,\s*line\s+(\d+)`)
	// FAILED tests/test_x.py::test_name, tests/test_x.py:12, or a bare trailing path
	testIDRe = regexp.MustCompile(`(?:FAILED\s+)?([a-zA-Z0-9_/\\.\-]+\.py)(?::(\d+))?(?:::|$)`)
)

// ExtractLocation finds a file path and optional line number in text.
// Traceback form is preferred; line is 0 when only a test id matched.
func ExtractLocation(text string) (file string, line int, ok bool) {
	if m := tracebackRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[2])
		return strings.TrimSpace(m[1]), n, true
	}
	if m := testIDRe.FindStringSubmatch(text); m != nil {
		if m[2] != "" {
			line, _ = strconv.Atoi(m[2])
		}
		return strings.TrimSpace(m[1]), line, true
	}
	return "", 0, false
}

// ToRepoRelative normalises path to a "/"-separated path relative to root.
// Paths outside root are anchored at their last "src" or "tests" segment.
func ToRepoRelative(path, root string) string {
	if root != "" {
		if rel, err := filepath.Rel(root, path); err == nil && filepath.IsAbs(path) == filepath.IsAbs(root) && !strings.HasPrefix(rel, "..") {
			return strings.ReplaceAll(filepath.ToSlash(rel), `\`, "/")
		}
	}

	parts := strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' })
	for i := len(parts) - 2; i >= 0; i-- {
		if parts[i] == "src" || parts[i] == "tests" {
			return strings.Join(parts[i:], "/")
		}
	}
	return strings.ReplaceAll(path, `\`, "/")
}
