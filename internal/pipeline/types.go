package pipeline

// BugType is the closed taxonomy of failure categories the healer understands.
type BugType string

const (
	BugLinting     BugType = "LINTING"
	BugSyntax      BugType = "SYNTAX"
	BugIndentation BugType = "INDENTATION"
	BugImport      BugType = "IMPORT"
	BugLogic       BugType = "LOGIC"
	BugTypeError   BugType = "TYPE_ERROR"
)

// AllBugTypes returns every bug type in declaration order.
func AllBugTypes() []BugType {
	return []BugType{BugLinting, BugSyntax, BugIndentation, BugImport, BugLogic, BugTypeError}
}

// Known reports whether b is a member of the taxonomy.
func (b BugType) Known() bool {
	switch b {
	case BugLinting, BugSyntax, BugIndentation, BugImport, BugLogic, BugTypeError:
		return true
	}
	return false
}

// ParseBugType converts a string into a BugType.
func ParseBugType(s string) (BugType, bool) {
	b := BugType(s)
	return b, b.Known()
}

// CIStatus is the outcome of one test iteration.
type CIStatus string

const (
	CIPassed CIStatus = "PASSED"
	CIFailed CIStatus = "FAILED"
)

// RunStatus tracks where a healing run is in its lifecycle.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunPassed    RunStatus = "PASSED"
	RunExhausted RunStatus = "EXHAUSTED"
	RunFailed    RunStatus = "FAILED" // never reached the loop, e.g. clone failed
)

// Failure is one located, classified test failure.
// Line is 1-based; 0 means the location had no line number.
type Failure struct {
	File    string  `json:"file"`
	Line    int     `json:"line,omitempty"`
	BugType BugType `json:"bug_type"`
	Snippet string  `json:"snippet"`
}

// HasLine reports whether the failure carries a line number.
func (f Failure) HasLine() bool {
	return f.Line > 0
}

// Fix records a remediation that was applied to the working tree.
type Fix struct {
	File        string  `json:"file"`
	Line        int     `json:"line,omitempty"`
	BugType     BugType `json:"bug_type"`
	Description string  `json:"description"`
	Iteration   int     `json:"iteration,omitempty"`
}

// Commit records one fix committed to the working branch.
type Commit struct {
	Message   string  `json:"message"`
	SHA       string  `json:"sha"`
	File      string  `json:"file"`
	BugType   BugType `json:"bug_type"`
	Line      int     `json:"line,omitempty"`
	Iteration int     `json:"iteration,omitempty"` // iteration of the fix it carries
}

// TimelineEntry is one row of the CI timeline.
type TimelineEntry struct {
	Iteration int      `json:"iteration"`
	Status    CIStatus `json:"status"`
	Timestamp string   `json:"timestamp"`
}

// PipelineState is the mutable record of a single healing run.
type PipelineState struct {
	RunID        string          `json:"run_id"`
	RepoPath     string          `json:"repo_path"`
	Branch       string          `json:"branch"`
	Failures     []Failure       `json:"failures"`
	Fixes        []Fix           `json:"fixes"`
	Commits      []Commit        `json:"commits"`
	PushErrors   []string        `json:"push_errors"`
	Timeline     []TimelineEntry `json:"ci_timeline"`
	RetryLimit   int             `json:"retry_limit"`
	Iteration    int             `json:"iteration"`
	Status       RunStatus       `json:"status"`
	LastExitCode int             `json:"last_exit_code"`
	TestOutput   string          `json:"test_output,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

// NewState returns an empty RUNNING state for the given checkout.
func NewState(runID, repoPath, branch string, retryLimit int) *PipelineState {
	return &PipelineState{
		RunID:      runID,
		RepoPath:   repoPath,
		Branch:     branch,
		Failures:   []Failure{},
		Fixes:      []Fix{},
		Commits:    []Commit{},
		PushErrors: []string{},
		Timeline:   []TimelineEntry{},
		RetryLimit: retryLimit,
		Status:     RunRunning,
	}
}

// LastStatus returns the status of the most recent timeline entry, or FAILED when empty.
func (ps *PipelineState) LastStatus() CIStatus {
	if len(ps.Timeline) == 0 {
		return CIFailed
	}
	return ps.Timeline[len(ps.Timeline)-1].Status
}
