package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run is a row in the runs table together with its children.
type Run struct {
	ID            string `json:"id"`
	Repo          string `json:"repo"`
	Branch        string `json:"branch"`
	Status        string `json:"status"`
	CIStatus      string `json:"ci_status"`
	RetryLimit    int    `json:"retry_limit"`
	Iterations    int    `json:"iterations"`
	TotalFailures int    `json:"total_failures"`
	TotalFixes    int    `json:"total_fixes"`
	TotalCommits  int    `json:"total_commits"`
	Score         int    `json:"score"`
	DurationMs    int64  `json:"duration_ms"`
	Error         string `json:"error,omitempty"`
	CreatedAt     string `json:"created_at"`

	Timeline []Iteration `json:"timeline,omitempty"`
	Fixes    []Fix       `json:"fixes,omitempty"`
}

// Iteration is a row in the iterations table.
type Iteration struct {
	Iteration int    `json:"iteration"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// Fix is a row in the fixes table. Line 0 is stored as NULL.
type Fix struct {
	File          string `json:"file"`
	Line          int    `json:"line,omitempty"`
	BugType       string `json:"bug_type"`
	Description   string `json:"description"`
	CommitMessage string `json:"commit_message"`
	Status        string `json:"status"`
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// RecordRun inserts a run with its timeline and fixes in one transaction.
// An empty CreatedAt is stamped with the current time.
func (d *DB) RecordRun(r *Run) error {
	if r.ID == "" {
		return fmt.Errorf("record run: empty run id")
	}
	if r.CreatedAt == "" {
		r.CreatedAt = now()
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(d.Rebind(
		`INSERT INTO runs (id, repo, branch, status, ci_status, retry_limit, iterations,
			total_failures, total_fixes, total_commits, score, duration_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.Repo, r.Branch, r.Status, r.CIStatus, r.RetryLimit, r.Iterations,
		r.TotalFailures, r.TotalFixes, r.TotalCommits, r.Score, r.DurationMs, nullString(r.Error), r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, it := range r.Timeline {
		if _, err := tx.Exec(d.Rebind(
			`INSERT INTO iterations (run_id, iteration, status, timestamp) VALUES (?, ?, ?, ?)`),
			r.ID, it.Iteration, it.Status, it.Timestamp,
		); err != nil {
			return fmt.Errorf("insert iteration %d: %w", it.Iteration, err)
		}
	}

	for _, f := range r.Fixes {
		if _, err := tx.Exec(d.Rebind(
			`INSERT INTO fixes (run_id, file, line, bug_type, description, commit_message, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`),
			r.ID, f.File, nullInt(f.Line), f.BugType, nullString(f.Description), nullString(f.CommitMessage), f.Status,
		); err != nil {
			return fmt.Errorf("insert fix for %s: %w", f.File, err)
		}
	}

	return tx.Commit()
}

const runColumns = `id, repo, branch, status, ci_status, retry_limit, iterations,
	total_failures, total_fixes, total_commits, score, duration_ms, error, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var r Run
	var errMsg sql.NullString
	err := s.Scan(&r.ID, &r.Repo, &r.Branch, &r.Status, &r.CIStatus, &r.RetryLimit, &r.Iterations,
		&r.TotalFailures, &r.TotalFixes, &r.TotalCommits, &r.Score, &r.DurationMs, &errMsg, &r.CreatedAt)
	r.Error = errMsg.String
	return r, err
}

// ListRuns returns the most recent runs first, without timelines or fixes.
// A limit of 0 or less returns every run.
func (d *DB) ListRuns(limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.conn.Query(d.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns a run with its timeline and fixes, or nil if not found.
func (d *DB) GetRun(id string) (*Run, error) {
	row := d.conn.QueryRow(d.Rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	r.Timeline, err = d.timeline(id)
	if err != nil {
		return nil, err
	}
	r.Fixes, err = d.fixes(id)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (d *DB) timeline(runID string) ([]Iteration, error) {
	rows, err := d.conn.Query(d.Rebind(
		`SELECT iteration, status, timestamp FROM iterations WHERE run_id = ? ORDER BY iteration, id`), runID)
	if err != nil {
		return nil, fmt.Errorf("query iterations: %w", err)
	}
	defer rows.Close()

	var out []Iteration
	for rows.Next() {
		var it Iteration
		if err := rows.Scan(&it.Iteration, &it.Status, &it.Timestamp); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (d *DB) fixes(runID string) ([]Fix, error) {
	rows, err := d.conn.Query(d.Rebind(
		`SELECT file, line, bug_type, description, commit_message, status FROM fixes WHERE run_id = ? ORDER BY id`), runID)
	if err != nil {
		return nil, fmt.Errorf("query fixes: %w", err)
	}
	defer rows.Close()

	var out []Fix
	for rows.Next() {
		var f Fix
		var line sql.NullInt64
		var desc, msg sql.NullString
		if err := rows.Scan(&f.File, &line, &f.BugType, &desc, &msg, &f.Status); err != nil {
			return nil, fmt.Errorf("scan fix: %w", err)
		}
		f.Line = int(line.Int64)
		f.Description = desc.String
		f.CommitMessage = msg.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteRun removes a run and, through the foreign keys, its children.
func (d *DB) DeleteRun(id string) error {
	if _, err := d.conn.Exec(d.Rebind(`DELETE FROM runs WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n > 0}
}
