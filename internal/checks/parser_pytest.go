package checks

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PytestParser reads pytest's verbose text output.
type PytestParser struct{}

type pytestFailure struct {
	Kind   string `json:"kind"` // "FAILED" or "ERROR"
	Test   string `json:"test"`
	Reason string `json:"reason,omitempty"`
}

type pytestResult struct {
	Passed   int             `json:"passed"`
	Failed   int             `json:"failed"`
	Errors   int             `json:"errors"`
	Skipped  int             `json:"skipped"`
	Failures []pytestFailure `json:"failures,omitempty"`
}

// Matches the counts in the closing "==== 1 failed, 2 passed in 0.10s ====" line.
var pytestCountRe = regexp.MustCompile(`(\d+) (passed|failed|errors?|skipped|xfailed|xpassed|warnings?)`)

// Matches short-summary lines such as "FAILED tests/test_a.py::test_x - AssertionError".
var pytestSummaryLineRe = regexp.MustCompile(`^(FAILED|ERROR) (\S+)(?: - (.*))?$`)

func (p *PytestParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var result pytestResult

	for _, line := range strings.Split(joinOutput(stdout, stderr), "\n") {
		line = strings.TrimRight(line, "\r")
		if m := pytestSummaryLineRe.FindStringSubmatch(line); m != nil {
			result.Failures = append(result.Failures, pytestFailure{Kind: m[1], Test: m[2], Reason: m[3]})
			continue
		}
		if !strings.HasPrefix(line, "=") || !strings.Contains(line, " in ") {
			continue
		}
		for _, m := range pytestCountRe.FindAllStringSubmatch(line, -1) {
			n, _ := strconv.Atoi(m[1])
			switch m[2] {
			case "passed":
				result.Passed = n
			case "failed":
				result.Failed = n
			case "error", "errors":
				result.Errors = n
			case "skipped":
				result.Skipped = n
			}
		}
	}

	passed := exitCode == 0 && result.Failed == 0 && result.Errors == 0
	summary := fmt.Sprintf("%d passed, %d failed, %d errors, %d skipped", result.Passed, result.Failed, result.Errors, result.Skipped)
	if exitCode == 5 {
		summary = "no tests collected"
	}

	return ParseResult{
		Passed:   passed,
		Summary:  summary,
		Findings: result,
	}
}
