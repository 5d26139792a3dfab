package config

import (
	"fmt"
	"time"

	"github.com/lucasnoah/cihealer/internal/pipeline"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var recognizedDrivers = map[string]bool{
	"sqlite3": true,
	"pgx":     true,
}

var recognizedFormats = map[string]bool{
	"console": true,
	"json":    true,
}

// Validate checks a Config for semantic errors.
// It returns every problem found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	h := cfg.Healer

	if h.Run.RetryLimit < 1 {
		errs = append(errs, ValidationError{Field: "healer.run.retry_limit", Message: "must be at least 1"})
	}
	if h.Run.Python == "" {
		errs = append(errs, ValidationError{Field: "healer.run.python", Message: "is required"})
	}

	for _, d := range []struct {
		field string
		value string
	}{
		{"healer.run.test_timeout", h.Run.TestTimeout},
		{"healer.run.compile_timeout", h.Run.CompileTimeout},
		{"healer.run.install_timeout", h.Run.InstallTimeout},
	} {
		if d.value == "" {
			continue
		}
		dur, err := time.ParseDuration(d.value)
		if err != nil {
			errs = append(errs, ValidationError{Field: d.field, Message: fmt.Sprintf("invalid duration %q", d.value)})
		} else if dur <= 0 {
			errs = append(errs, ValidationError{Field: d.field, Message: "must be positive"})
		}
	}

	for i, p := range h.Patterns {
		prefix := fmt.Sprintf("healer.patterns[%d]", i)
		if p.Fragment == "" {
			errs = append(errs, ValidationError{Field: prefix + ".fragment", Message: "is required"})
		}
		if _, ok := pipeline.ParseBugType(p.BugType); !ok {
			errs = append(errs, ValidationError{Field: prefix + ".bug_type", Message: fmt.Sprintf("unknown bug type %q", p.BugType)})
		}
	}

	if h.Logging.Format != "" && !recognizedFormats[h.Logging.Format] {
		errs = append(errs, ValidationError{Field: "healer.logging.format", Message: fmt.Sprintf("unrecognized format %q", h.Logging.Format)})
	}

	if !recognizedDrivers[h.DB.Driver] {
		errs = append(errs, ValidationError{Field: "healer.db.driver", Message: fmt.Sprintf("unrecognized driver %q", h.DB.Driver)})
	}
	if h.DB.Driver == "pgx" && h.DB.DSN == "" {
		errs = append(errs, ValidationError{Field: "healer.db.dsn", Message: "is required for the pgx driver"})
	}

	return errs
}
