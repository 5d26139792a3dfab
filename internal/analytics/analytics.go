package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
	Rebind(query string) string
}

// PassRate summarises run outcomes.
type PassRate struct {
	Total     int     `json:"total"`
	Passed    int     `json:"passed"`
	Exhausted int     `json:"exhausted"`
	Failed    int     `json:"failed"`
	PassPct   float64 `json:"pass_pct"`
}

// IterationStats describes how many iterations runs needed and how long they took.
type IterationStats struct {
	Runs       int     `json:"runs"`
	Avg        float64 `json:"avg_iterations"`
	P50        float64 `json:"p50_iterations"`
	P95        float64 `json:"p95_iterations"`
	AvgSeconds float64 `json:"avg_seconds"`
	P95Seconds float64 `json:"p95_seconds"`
}

// BugTypeStat counts fixes of one bug type and how many of them were committed.
type BugTypeStat struct {
	BugType  string  `json:"bug_type"`
	Total    int     `json:"total"`
	Fixed    int     `json:"fixed"`
	FixedPct float64 `json:"fixed_pct"`
}

// RepoSummary aggregates runs per repository.
type RepoSummary struct {
	Repo     string  `json:"repo"`
	Runs     int     `json:"runs"`
	Passed   int     `json:"passed"`
	AvgScore float64 `json:"avg_score"`
}

func sinceClause(column, since string, hasWhere bool) (string, []any) {
	if since == "" {
		return "", nil
	}
	kw := " WHERE "
	if hasWhere {
		kw = " AND "
	}
	return kw + column + " >= ?", []any{since}
}

// QueryPassRate counts runs by final status, optionally restricted to runs
// created at or after since (RFC 3339).
func QueryPassRate(database DB, since string) (*PassRate, error) {
	query := `SELECT status, COUNT(*) FROM runs`
	where, args := sinceClause("created_at", since, false)
	query += where + ` GROUP BY status`

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query pass rate: %w", err)
	}
	defer rows.Close()

	pr := &PassRate{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan pass rate: %w", err)
		}
		pr.Total += n
		switch status {
		case "PASSED":
			pr.Passed += n
		case "EXHAUSTED":
			pr.Exhausted += n
		case "FAILED":
			pr.Failed += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pass rate: %w", err)
	}
	pr.PassPct = pct(pr.Passed, pr.Total)
	return pr, nil
}

// QueryIterationStats returns the iteration and duration distribution of
// completed runs. Runs still RUNNING are excluded.
func QueryIterationStats(database DB, since string) (*IterationStats, error) {
	query := `SELECT iterations, duration_ms FROM runs WHERE status != 'RUNNING'`
	where, args := sinceClause("created_at", since, true)
	query += where

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query iteration stats: %w", err)
	}
	defer rows.Close()

	var iterations, seconds []float64
	for rows.Next() {
		var n int
		var ms int64
		if err := rows.Scan(&n, &ms); err != nil {
			return nil, fmt.Errorf("scan iteration stats: %w", err)
		}
		iterations = append(iterations, float64(n))
		seconds = append(seconds, float64(ms)/1000)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate iteration stats: %w", err)
	}

	sort.Float64s(iterations)
	sort.Float64s(seconds)
	return &IterationStats{
		Runs:       len(iterations),
		Avg:        avg(iterations),
		P50:        percentile(iterations, 50),
		P95:        percentile(iterations, 95),
		AvgSeconds: avg(seconds),
		P95Seconds: percentile(seconds, 95),
	}, nil
}

// QueryFixesByBugType groups fixes by bug type, most frequent first.
func QueryFixesByBugType(database DB, since string) ([]BugTypeStat, error) {
	query := `SELECT f.bug_type, f.status, COUNT(*) FROM fixes f JOIN runs r ON r.id = f.run_id`
	where, args := sinceClause("r.created_at", since, false)
	query += where + ` GROUP BY f.bug_type, f.status`

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query fixes by bug type: %w", err)
	}
	defer rows.Close()

	byType := make(map[string]*BugTypeStat)
	for rows.Next() {
		var bug, status string
		var n int
		if err := rows.Scan(&bug, &status, &n); err != nil {
			return nil, fmt.Errorf("scan fixes by bug type: %w", err)
		}
		s, ok := byType[bug]
		if !ok {
			s = &BugTypeStat{BugType: bug}
			byType[bug] = s
		}
		s.Total += n
		if status == "Fixed" {
			s.Fixed += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fixes by bug type: %w", err)
	}

	results := make([]BugTypeStat, 0, len(byType))
	for _, s := range byType {
		s.FixedPct = pct(s.Fixed, s.Total)
		results = append(results, *s)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Total != results[j].Total {
			return results[i].Total > results[j].Total
		}
		return results[i].BugType < results[j].BugType
	})
	return results, nil
}

// QueryRepoSummaries aggregates runs per repository, busiest first.
func QueryRepoSummaries(database DB, since string) ([]RepoSummary, error) {
	query := `SELECT repo, status, score FROM runs`
	where, args := sinceClause("created_at", since, false)
	query += where

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query repo summaries: %w", err)
	}
	defer rows.Close()

	type acc struct {
		runs, passed int
		scores       []float64
	}
	byRepo := make(map[string]*acc)
	for rows.Next() {
		var repo, status string
		var score int
		if err := rows.Scan(&repo, &status, &score); err != nil {
			return nil, fmt.Errorf("scan repo summary: %w", err)
		}
		a, ok := byRepo[repo]
		if !ok {
			a = &acc{}
			byRepo[repo] = a
		}
		a.runs++
		if status == "PASSED" {
			a.passed++
		}
		a.scores = append(a.scores, float64(score))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repo summaries: %w", err)
	}

	results := make([]RepoSummary, 0, len(byRepo))
	for repo, a := range byRepo {
		results = append(results, RepoSummary{Repo: repo, Runs: a.runs, Passed: a.passed, AvgScore: avg(a.scores)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Runs != results[j].Runs {
			return results[i].Runs > results[j].Runs
		}
		return results[i].Repo < results[j].Repo
	})
	return results, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
