package review

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/lucasnoah/cihealer/internal/pipeline"
)

func TestDescribe(t *testing.T) {
	tests := []struct {
		fix  pipeline.Fix
		want string
	}{
		{
			pipeline.Fix{File: "src/utils.py", Line: 15, BugType: pipeline.BugLinting, Description: "applied"},
			"LINTING error in src/utils.py line 15 → Fix: remove the import statement",
		},
		{
			pipeline.Fix{File: "src/app.py", Line: 4, BugType: pipeline.BugSyntax, Description: ""},
			"SYNTAX error in src/app.py line 4 → Fix: add the colon at the correct position",
		},
		{
			pipeline.Fix{File: "tests/t.py", BugType: pipeline.BugImport, Description: "Fix applied"},
			"IMPORT error in tests/t.py line ? → Fix: fix module import",
		},
		{
			pipeline.Fix{File: "a.py", Line: 2, BugType: pipeline.BugIndentation, Description: "realigned block"},
			"INDENTATION error in a.py line 2 → Fix: realigned block",
		},
		{
			pipeline.Fix{File: "a.py", Line: 2, BugType: "STYLE", Description: "applied"},
			"STYLE error in a.py line 2 → Fix: fix applied",
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Describe(tt.fix))
	}
}

func TestReview_RewritesOnlyNonCanonical(t *testing.T) {
	canonical := "LOGIC error in tests/test_a.py line 9 → Fix: fix assertion"
	in := []pipeline.Fix{
		{File: "tests/test_a.py", Line: 9, BugType: pipeline.BugLogic, Description: canonical},
		{File: "src/b.py", Line: 1, BugType: pipeline.BugTypeError, Description: "applied"},
	}
	got := Review(in)

	want := []pipeline.Fix{
		{File: "tests/test_a.py", Line: 9, BugType: pipeline.BugLogic, Description: canonical},
		{File: "src/b.py", Line: 1, BugType: pipeline.BugTypeError, Description: "TYPE_ERROR error in src/b.py line 1 → Fix: fix type error"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Review mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "applied", in[1].Description, "input slice must not be mutated")
}

func TestReview_Idempotent(t *testing.T) {
	in := []pipeline.Fix{
		{File: "a.py", Line: 3, BugType: pipeline.BugSyntax, Description: "applied"},
		{File: "b.py", BugType: pipeline.BugImport, Description: "Fix applied"},
	}
	once := Review(in)
	twice := Review(once)
	if diff := cmp.Diff(once, twice); diff != "" {
		t.Errorf("Review not idempotent (-once +twice):\n%s", diff)
	}
	for _, f := range once {
		assert.True(t, Matches(f.Description), f.Description)
	}
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches("SYNTAX error in a.py line 3 → Fix: add colon"))
	assert.True(t, Matches("IMPORT error in a b.py line ? → Fix: x"))
	assert.False(t, Matches("syntax error in a.py line 3 → Fix: add colon"))
	assert.False(t, Matches("SYNTAX error in a.py line 3 -> Fix: add colon"))
	assert.False(t, Matches("applied"))
	assert.False(t, Matches(""))
}
