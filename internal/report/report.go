// Package report turns a finished healing run into the results document
// returned by the API and written to results.json.
package report

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/cihealer/internal/db"
	"github.com/lucasnoah/cihealer/internal/github"
	"github.com/lucasnoah/cihealer/internal/pipeline"
)

// Fix statuses.
const (
	StatusFixed  = "Fixed"
	StatusFailed = "Failed"
)

// Scoring constants.
const (
	BaseScore        = 100
	SpeedBonus       = 10
	SpeedBonusWindow = 300 * time.Second
	FreeCommits      = 20
	PenaltyPerCommit = 2
)

const tokenHint = " To push to your repositories, pass a GitHub personal access token as github_token or set GITHUB_TOKEN."

// RunRequest starts a healing run against a remote repository.
type RunRequest struct {
	RepoURL        string `json:"repo_url" binding:"required"`
	TeamName       string `json:"team_name" binding:"required"`
	TeamLeaderName string `json:"team_leader_name" binding:"required"`
	GithubToken    string `json:"github_token,omitempty"`
	RetryLimit     int    `json:"retry_limit,omitempty"`
}

// FixResult is one fix as reported to callers. LineNumber is nil when the
// failure had no line.
type FixResult struct {
	File          string `json:"file"`
	BugType       string `json:"bug_type"`
	LineNumber    *int   `json:"line_number"`
	CommitMessage string `json:"commit_message"`
	Description   string `json:"description"`
	Status        string `json:"status"`
}

// Score is the run score breakdown.
type Score struct {
	Base              int `json:"base"`
	SpeedBonus        int `json:"speed_bonus"`
	EfficiencyPenalty int `json:"efficiency_penalty"`
	Total             int `json:"total"`
}

// RunResponse is the results document. It is always fully populated, even
// when the run failed before any iteration.
type RunResponse struct {
	RunID             string                   `json:"run_id,omitempty"`
	RepoURL           string                   `json:"repo_url"`
	TeamName          string                   `json:"team_name"`
	TeamLeaderName    string                   `json:"team_leader_name"`
	BranchName        string                   `json:"branch_name"`
	TotalFailures     int                      `json:"total_failures"`
	TotalFixesApplied int                      `json:"total_fixes_applied"`
	CIStatus          pipeline.CIStatus        `json:"ci_status"`
	TotalTimeSeconds  float64                  `json:"total_time_seconds"`
	Score             Score                    `json:"score"`
	Fixes             []FixResult              `json:"fixes"`
	Timeline          []pipeline.TimelineEntry `json:"ci_timeline"`
	RetryLimit        int                      `json:"retry_limit"`
	Error             string                   `json:"error,omitempty"`
}

// BuildInput carries everything Build needs.
type BuildInput struct {
	Request RunRequest
	Branch  string
	State   *pipeline.PipelineState
	Elapsed time.Duration
}

// ComputeScore scores a run: a speed bonus for passing inside the window and
// a penalty for each commit beyond the free allowance, floored at zero.
func ComputeScore(status pipeline.CIStatus, elapsed time.Duration, commits int) Score {
	s := Score{Base: BaseScore}
	if status == pipeline.CIPassed && elapsed < SpeedBonusWindow {
		s.SpeedBonus = SpeedBonus
	}
	if commits > FreeCommits {
		s.EfficiencyPenalty = (commits - FreeCommits) * PenaltyPerCommit
	}
	s.Total = max(0, s.Base+s.SpeedBonus-s.EfficiencyPenalty)
	return s
}

type commitKey struct {
	iteration int
	file      string
	line      int
	bugType   pipeline.BugType
}

// Build assembles the response for a completed run. Each fix is joined to
// the commit made for it in the same iteration; the same file and line fixed
// again later is a separate fix with its own commit. Fixes without a commit
// are reported Failed.
func Build(in BuildInput) RunResponse {
	ps := in.State
	// Queued per key, so each commit is claimed by at most one fix.
	commits := make(map[commitKey][]pipeline.Commit, len(ps.Commits))
	for _, c := range ps.Commits {
		k := commitKey{c.Iteration, c.File, c.Line, c.BugType}
		commits[k] = append(commits[k], c)
	}

	fixes := make([]FixResult, 0, len(ps.Fixes))
	for _, f := range ps.Fixes {
		fr := FixResult{
			File:        f.File,
			BugType:     string(f.BugType),
			Description: f.Description,
		}
		if f.Line > 0 {
			line := f.Line
			fr.LineNumber = &line
		}
		k := commitKey{f.Iteration, f.File, f.Line, f.BugType}
		if q := commits[k]; len(q) > 0 && q[0].Message != "" {
			fr.CommitMessage = q[0].Message
			fr.Status = StatusFixed
			commits[k] = q[1:]
		} else {
			fr.CommitMessage = CommitMessage(f, "?")
			fr.Status = StatusFailed
		}
		fixes = append(fixes, fr)
	}

	status := ps.LastStatus()
	return RunResponse{
		RunID:             ps.RunID,
		RepoURL:           in.Request.RepoURL,
		TeamName:          in.Request.TeamName,
		TeamLeaderName:    in.Request.TeamLeaderName,
		BranchName:        in.Branch,
		TotalFailures:     len(ps.Failures),
		TotalFixesApplied: len(fixes),
		CIStatus:          status,
		TotalTimeSeconds:  roundSeconds(in.Elapsed),
		Score:             ComputeScore(status, in.Elapsed, len(ps.Commits)),
		Fixes:             fixes,
		Timeline:          append([]pipeline.TimelineEntry{}, ps.Timeline...),
		RetryLimit:        ps.RetryLimit,
		Error:             PushErrorMessage(ps.PushErrors),
	}
}

// Failed builds the response for a run that could not start, such as a
// clone failure. The timeline holds a single FAILED iteration.
func Failed(req RunRequest, branch string, retryLimit int, elapsed time.Duration, err error) RunResponse {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return RunResponse{
		RepoURL:          req.RepoURL,
		TeamName:         req.TeamName,
		TeamLeaderName:   req.TeamLeaderName,
		BranchName:       branch,
		CIStatus:         pipeline.CIFailed,
		TotalTimeSeconds: roundSeconds(elapsed),
		Score:            ComputeScore(pipeline.CIFailed, elapsed, 0),
		Fixes:            []FixResult{},
		Timeline: []pipeline.TimelineEntry{{
			Iteration: 1,
			Status:    pipeline.CIFailed,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
		RetryLimit: retryLimit,
		Error:      msg,
	}
}

// CommitMessage renders the commit subject for a fix. missingLine is used
// when the fix has no line number.
func CommitMessage(f pipeline.Fix, missingLine string) string {
	line := missingLine
	if f.Line > 0 {
		line = strconv.Itoa(f.Line)
	}
	return fmt.Sprintf("%s Fix %s error in %s line %s", github.CommitPrefix, f.BugType, f.File, line)
}

// PushErrorMessage joins push errors with "; " and appends a token hint
// when any of them looks like an authorization failure.
func PushErrorMessage(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	msg := strings.Join(errs, "; ")
	if strings.Contains(msg, "403") || strings.Contains(strings.ToLower(msg), "unable to access") {
		msg += tokenHint
	}
	return msg
}

// WriteResults writes resp as indented JSON, atomically.
func WriteResults(path string, resp RunResponse) error {
	if err := pipeline.WriteJSON(path, resp); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}

// Record converts a response into a run history row.
func (r RunResponse) Record(runID string, status pipeline.RunStatus) *db.Run {
	rec := &db.Run{
		ID:            runID,
		Repo:          r.RepoURL,
		Branch:        r.BranchName,
		Status:        string(status),
		CIStatus:      string(r.CIStatus),
		RetryLimit:    r.RetryLimit,
		Iterations:    len(r.Timeline),
		TotalFailures: r.TotalFailures,
		TotalFixes:    r.TotalFixesApplied,
		Score:         r.Score.Total,
		DurationMs:    int64(r.TotalTimeSeconds * 1000),
		Error:         r.Error,
	}
	for _, e := range r.Timeline {
		rec.Timeline = append(rec.Timeline, db.Iteration{Iteration: e.Iteration, Status: string(e.Status), Timestamp: e.Timestamp})
	}
	for _, f := range r.Fixes {
		if f.Status == StatusFixed {
			rec.TotalCommits++
		}
		line := 0
		if f.LineNumber != nil {
			line = *f.LineNumber
		}
		rec.Fixes = append(rec.Fixes, db.Fix{
			File:          f.File,
			Line:          line,
			BugType:       f.BugType,
			Description:   f.Description,
			CommitMessage: f.CommitMessage,
			Status:        f.Status,
		})
	}
	return rec
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*100) / 100
}
