package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsTotal counts finished runs.
	// Labels: status (PASSED, EXHAUSTED)
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healer",
		Subsystem: "run",
		Name:      "total",
		Help:      "Healing runs by final status",
	}, []string{"status"})

	// iterationsTotal counts loop iterations by CI outcome.
	// Labels: status (PASSED, FAILED), source (compile, tests)
	iterationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healer",
		Subsystem: "run",
		Name:      "iterations_total",
		Help:      "Retry loop iterations by CI status and failure source",
	}, []string{"status", "source"})

	// fixesTotal counts rule outcomes.
	// Labels: bug_type, outcome (applied, skipped)
	fixesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healer",
		Subsystem: "fix",
		Name:      "total",
		Help:      "Fix attempts by bug type and outcome",
	}, []string{"bug_type", "outcome"})

	// commitsTotal counts commit stage results.
	// Labels: outcome (pushed, committed, push_failed, nothing_to_commit, commit_failed)
	commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healer",
		Subsystem: "git",
		Name:      "commits_total",
		Help:      "Per-fix commit results",
	}, []string{"outcome"})

	// runDuration measures wall-clock run time.
	// Labels: status
	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "healer",
		Subsystem: "run",
		Name:      "duration_seconds",
		Help:      "Healing run duration in seconds",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"status"})
)
