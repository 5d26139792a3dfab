package report

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/cihealer/internal/pipeline"
)

func request() RunRequest {
	return RunRequest{RepoURL: "https://github.com/acme/app", TeamName: "Rift", TeamLeaderName: "Jane"}
}

func passedState() *pipeline.PipelineState {
	ps := pipeline.NewState("run-1", "/tmp/repo", "RIFT_JANE_AI_Fix", 5)
	ps.Fixes = []pipeline.Fix{
		{File: "src/utils.py", Line: 15, BugType: pipeline.BugLinting, Description: "LINTING error in src/utils.py line 15 → Fix: remove the import statement"},
		{File: "src/app.py", BugType: pipeline.BugImport, Description: "IMPORT error in src/app.py line ? → Fix: fix module import"},
	}
	ps.Commits = []pipeline.Commit{
		{Message: "[AI-AGENT] Fix LINTING error in src/utils.py line 15", SHA: "abc", File: "src/utils.py", BugType: pipeline.BugLinting, Line: 15},
	}
	ps.Timeline = []pipeline.TimelineEntry{
		{Iteration: 1, Status: pipeline.CIFailed, Timestamp: "t1"},
		{Iteration: 2, Status: pipeline.CIPassed, Timestamp: "t2"},
	}
	return ps
}

func TestComputeScore(t *testing.T) {
	tests := []struct {
		name    string
		status  pipeline.CIStatus
		elapsed time.Duration
		commits int
		want    Score
	}{
		{"fast pass", pipeline.CIPassed, 10 * time.Second, 3, Score{Base: 100, SpeedBonus: 10, Total: 110}},
		{"slow pass", pipeline.CIPassed, 300 * time.Second, 3, Score{Base: 100, Total: 100}},
		{"fast fail no bonus", pipeline.CIFailed, time.Second, 0, Score{Base: 100, Total: 100}},
		{"penalty", pipeline.CIPassed, time.Minute, 25, Score{Base: 100, SpeedBonus: 10, EfficiencyPenalty: 10, Total: 100}},
		{"floored", pipeline.CIFailed, time.Hour, 100, Score{Base: 100, EfficiencyPenalty: 160, Total: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeScore(tt.status, tt.elapsed, tt.commits))
		})
	}
}

func TestBuild_JoinsFixesToCommits(t *testing.T) {
	resp := Build(BuildInput{Request: request(), Branch: "RIFT_JANE_AI_Fix", State: passedState(), Elapsed: 12340 * time.Millisecond})

	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, pipeline.CIPassed, resp.CIStatus)
	assert.Equal(t, 12.34, resp.TotalTimeSeconds)
	assert.Equal(t, 2, resp.TotalFixesApplied)
	assert.Equal(t, 0, resp.TotalFailures)
	assert.Equal(t, 110, resp.Score.Total)
	assert.Len(t, resp.Timeline, 2)
	assert.Empty(t, resp.Error)

	require.Len(t, resp.Fixes, 2)
	fixed := resp.Fixes[0]
	assert.Equal(t, StatusFixed, fixed.Status)
	assert.Equal(t, "[AI-AGENT] Fix LINTING error in src/utils.py line 15", fixed.CommitMessage)
	require.NotNil(t, fixed.LineNumber)
	assert.Equal(t, 15, *fixed.LineNumber)

	failed := resp.Fixes[1]
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Nil(t, failed.LineNumber)
	assert.Equal(t, "[AI-AGENT] Fix IMPORT error in src/app.py line ?", failed.CommitMessage)
}

func TestBuild_SameLineFixedInTwoIterations(t *testing.T) {
	ps := pipeline.NewState("run-2", "/tmp/repo", "RIFT_JANE_AI_Fix", 5)
	ps.Fixes = []pipeline.Fix{
		{File: "src/utils.py", Line: 4, BugType: pipeline.BugLinting, Iteration: 1},
		{File: "src/utils.py", Line: 4, BugType: pipeline.BugLinting, Iteration: 2},
	}
	// Only the second iteration's commit was pushed.
	ps.Commits = []pipeline.Commit{
		{Message: "[AI-AGENT] Fix LINTING error in src/utils.py line 4", SHA: "def", File: "src/utils.py",
			BugType: pipeline.BugLinting, Line: 4, Iteration: 2},
	}

	resp := Build(BuildInput{Request: request(), State: ps})
	require.Len(t, resp.Fixes, 2)
	assert.Equal(t, StatusFailed, resp.Fixes[0].Status)
	assert.Equal(t, StatusFixed, resp.Fixes[1].Status)

	ps.Commits = append(ps.Commits, pipeline.Commit{
		Message: "[AI-AGENT] Fix LINTING error in src/utils.py line 4 (first)", SHA: "abc", File: "src/utils.py",
		BugType: pipeline.BugLinting, Line: 4, Iteration: 1,
	})
	resp = Build(BuildInput{Request: request(), State: ps})
	assert.Equal(t, StatusFixed, resp.Fixes[0].Status)
	assert.Equal(t, "[AI-AGENT] Fix LINTING error in src/utils.py line 4 (first)", resp.Fixes[0].CommitMessage)
	assert.Equal(t, "[AI-AGENT] Fix LINTING error in src/utils.py line 4", resp.Fixes[1].CommitMessage)
}

func TestBuild_CommitClaimedOnce(t *testing.T) {
	ps := pipeline.NewState("run-3", "/tmp/repo", "B", 5)
	ps.Fixes = []pipeline.Fix{
		{File: "a.py", Line: 2, BugType: pipeline.BugSyntax, Iteration: 1},
		{File: "a.py", Line: 2, BugType: pipeline.BugSyntax, Iteration: 1},
	}
	ps.Commits = []pipeline.Commit{
		{Message: "[AI-AGENT] Fix SYNTAX error in a.py line 2", SHA: "abc", File: "a.py", BugType: pipeline.BugSyntax, Line: 2, Iteration: 1},
	}

	resp := Build(BuildInput{Request: request(), State: ps})
	require.Len(t, resp.Fixes, 2)
	assert.Equal(t, StatusFixed, resp.Fixes[0].Status)
	assert.Equal(t, StatusFailed, resp.Fixes[1].Status)
}

func TestBuild_PushErrors(t *testing.T) {
	ps := passedState()
	ps.PushErrors = []string{"Push failed for a.py: 403 forbidden", "Push failed for b.py: timeout"}

	resp := Build(BuildInput{Request: request(), Branch: "b", State: ps})
	assert.Contains(t, resp.Error, "Push failed for a.py: 403 forbidden; Push failed for b.py: timeout")
	assert.Contains(t, resp.Error, "GITHUB_TOKEN")
}

func TestPushErrorMessage(t *testing.T) {
	assert.Empty(t, PushErrorMessage(nil))
	assert.Equal(t, "Push failed for a.py: timeout", PushErrorMessage([]string{"Push failed for a.py: timeout"}))
	assert.Contains(t, PushErrorMessage([]string{"fatal: Unable to access remote"}), tokenHint)
}

func TestFailed(t *testing.T) {
	resp := Failed(request(), "RIFT_JANE_AI_Fix", 5, 1500*time.Millisecond, errors.New("clone failed"))

	assert.Equal(t, pipeline.CIFailed, resp.CIStatus)
	assert.Equal(t, "clone failed", resp.Error)
	assert.Equal(t, 1.5, resp.TotalTimeSeconds)
	assert.NotNil(t, resp.Fixes)
	require.Len(t, resp.Timeline, 1)
	assert.Equal(t, 1, resp.Timeline[0].Iteration)
	assert.Equal(t, pipeline.CIFailed, resp.Timeline[0].Status)
	assert.Equal(t, 100, resp.Score.Total)
}

func TestWriteResults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "results.json")
	resp := Build(BuildInput{Request: request(), Branch: "b", State: passedState()})
	require.NoError(t, WriteResults(path, resp))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"repo_url", "team_name", "team_leader_name", "branch_name", "total_failures",
		"total_fixes_applied", "ci_status", "total_time_seconds", "score", "fixes", "ci_timeline", "retry_limit"} {
		assert.Contains(t, raw, key)
	}
	fixes := raw["fixes"].([]any)
	assert.Nil(t, fixes[1].(map[string]any)["line_number"])
}

func TestRecord(t *testing.T) {
	resp := Build(BuildInput{Request: request(), Branch: "b", State: passedState(), Elapsed: 2 * time.Second})
	rec := resp.Record("run-1", pipeline.RunPassed)

	assert.Equal(t, "run-1", rec.ID)
	assert.Equal(t, "PASSED", rec.Status)
	assert.Equal(t, 2, rec.Iterations)
	assert.Equal(t, 1, rec.TotalCommits)
	assert.EqualValues(t, 2000, rec.DurationMs)
	require.Len(t, rec.Fixes, 2)
	assert.Equal(t, 0, rec.Fixes[1].Line)
}
