package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Store keeps per-run state and results on disk.
type Store struct {
	baseDir string // defaults to ~/.healer/runs
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// DefaultStore returns a Store at ~/.healer/runs, creating the directory if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".healer", "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.baseDir, runID)
}

func (s *Store) statePath(runID string) string {
	return filepath.Join(s.runDir(runID), "state.json")
}

// ResultsPath returns where results.json for a run lives.
func (s *Store) ResultsPath(runID string) string {
	return filepath.Join(s.runDir(runID), "results.json")
}

// IterationOutputPath returns the path for the raw test output of one iteration.
func (s *Store) IterationOutputPath(runID string, iteration int) string {
	return filepath.Join(s.runDir(runID), "iterations", fmt.Sprintf("iteration-%d.log", iteration))
}

// Save writes the state for its run, stamping timestamps.
func (s *Store) Save(ps *PipelineState) error {
	if ps.RunID == "" {
		return fmt.Errorf("save state: empty run id")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if ps.CreatedAt == "" {
		ps.CreatedAt = now
	}
	ps.UpdatedAt = now
	if err := WriteJSON(s.statePath(ps.RunID), ps); err != nil {
		return fmt.Errorf("write state.json: %w", err)
	}
	return nil
}

// Get reads the state for a run.
func (s *Store) Get(runID string) (*PipelineState, error) {
	var ps PipelineState
	if err := ReadJSON(s.statePath(runID), &ps); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s not found", runID)
		}
		return nil, err
	}
	return &ps, nil
}

// SaveIterationOutput stores the raw test or compile output for an iteration.
func (s *Store) SaveIterationOutput(runID string, iteration int, output string) error {
	return WriteAtomic(s.IterationOutputPath(runID, iteration), []byte(output))
}

// GetIterationOutput reads back the raw output for an iteration.
func (s *Store) GetIterationOutput(runID string, iteration int) (string, error) {
	data, err := os.ReadFile(s.IterationOutputPath(runID, iteration))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// List returns all stored runs, optionally filtered by status, oldest first.
// Pass "" for statusFilter to return every run.
func (s *Store) List(statusFilter RunStatus) ([]PipelineState, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var runs []PipelineState
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ps, err := s.Get(entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		if statusFilter == "" || ps.Status == statusFilter {
			runs = append(runs, *ps)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt != runs[j].CreatedAt {
			return runs[i].CreatedAt < runs[j].CreatedAt
		}
		return runs[i].RunID < runs[j].RunID
	})
	return runs, nil
}

// Delete removes all data for a run.
func (s *Store) Delete(runID string) error {
	dir := s.runDir(runID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("run %s not found", runID)
	}
	return os.RemoveAll(dir)
}
