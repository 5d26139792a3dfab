package web

import (
	"regexp"
	"sort"

	"github.com/lucasnoah/cihealer/internal/db"
	"github.com/lucasnoah/cihealer/internal/pipeline"
)

var runIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// validRunID guards store lookups against path traversal.
func validRunID(id string) bool {
	return runIDRe.MatchString(id)
}

// runRows returns run history newest first, from the database when one is
// configured and from the on-disk store otherwise. limit <= 0 means all.
func (s *Server) runRows(limit int) ([]RunRow, error) {
	if s.db != nil {
		runs, err := s.db.ListRuns(limit)
		if err != nil {
			return nil, err
		}
		rows := make([]RunRow, 0, len(runs))
		for _, r := range runs {
			rows = append(rows, rowFromRecord(r))
		}
		return rows, nil
	}

	rows := []RunRow{}
	if s.store == nil {
		return rows, nil
	}
	states, err := s.store.List("")
	if err != nil {
		return nil, err
	}
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].CreatedAt > states[j].CreatedAt
	})
	for _, ps := range states {
		row := rowFromState(ps)
		if resp, err := s.results(ps.RunID); err == nil {
			row.Score = resp.Score.Total
			row.DurationSeconds = resp.TotalTimeSeconds
			row.Error = resp.Error
		}
		rows = append(rows, row)
		if limit > 0 && len(rows) == limit {
			break
		}
	}
	return rows, nil
}

func rowFromRecord(r db.Run) RunRow {
	return RunRow{
		RunID:           r.ID,
		Repo:            r.Repo,
		Branch:          r.Branch,
		Status:          r.Status,
		CIStatus:        r.CIStatus,
		Iterations:      r.Iterations,
		Fixes:           r.TotalFixes,
		Commits:         r.TotalCommits,
		Score:           r.Score,
		DurationSeconds: float64(r.DurationMs) / 1000,
		Error:           r.Error,
		CreatedAt:       r.CreatedAt,
	}
}

func rowFromState(ps pipeline.PipelineState) RunRow {
	return RunRow{
		RunID:      ps.RunID,
		Repo:       ps.RepoPath,
		Branch:     ps.Branch,
		Status:     string(ps.Status),
		CIStatus:   string(ps.LastStatus()),
		Iterations: len(ps.Timeline),
		Fixes:      len(ps.Fixes),
		Commits:    len(ps.Commits),
		CreatedAt:  ps.CreatedAt,
	}
}
