package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/cihealer/internal/analyzer"
	"github.com/lucasnoah/cihealer/internal/checks"
	"github.com/lucasnoah/cihealer/internal/pipeline"
)

// Built-in defaults.
const (
	DefaultRetryLimit     = 5
	DefaultPython         = "python"
	DefaultTestTimeout    = "120s"
	DefaultCompileTimeout = "30s"
	DefaultInstallTimeout = "60s"
	DefaultDBDriver       = "sqlite3"
	DefaultServerAddr     = ":8000"
)

// Load reads and parses a configuration from the given YAML file path,
// then fills in defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault loads the first config found in ./healer.yaml or
// ~/.healer/config.yaml. With neither present it returns built-in defaults.
func LoadDefault() (*Config, error) {
	candidates := []string{"healer.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".healer", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Default(), nil
}

// Default returns a Config holding only built-in defaults.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	h := &cfg.Healer

	if h.Run.RetryLimit == 0 {
		h.Run.RetryLimit = DefaultRetryLimit
	}
	if h.Run.Python == "" {
		h.Run.Python = DefaultPython
	}
	if h.Run.TestTimeout == "" {
		h.Run.TestTimeout = DefaultTestTimeout
	}
	if h.Run.CompileTimeout == "" {
		h.Run.CompileTimeout = DefaultCompileTimeout
	}
	if h.Run.InstallTimeout == "" {
		h.Run.InstallTimeout = DefaultInstallTimeout
	}
	if h.Run.SkipDirs == nil {
		h.Run.SkipDirs = append([]string(nil), checks.DefaultSkipDirs...)
	}

	if h.Git.Remote == "" {
		h.Git.Remote = "origin"
	}

	if h.Logging.Level == "" {
		h.Logging.Level = "info"
	}
	if h.Logging.Format == "" {
		h.Logging.Format = "console"
	}
	if h.Logging.ServiceName == "" {
		h.Logging.ServiceName = "healer"
	}

	if h.DB.Driver == "" {
		h.DB.Driver = DefaultDBDriver
	}
	if h.Server.Addr == "" {
		h.Server.Addr = DefaultServerAddr
	}
}

// Overlay applies values from v (flags and HEALER_* environment variables)
// on top of cfg. Only keys that are explicitly set override the file.
func Overlay(cfg *Config, v *viper.Viper) {
	h := &cfg.Healer
	if v.IsSet("run.retry_limit") {
		h.Run.RetryLimit = v.GetInt("run.retry_limit")
	}
	if v.IsSet("run.python") {
		h.Run.Python = v.GetString("run.python")
	}
	if v.IsSet("run.test_command") {
		h.Run.TestCommand = v.GetString("run.test_command")
	}
	if v.IsSet("run.test_timeout") {
		h.Run.TestTimeout = v.GetString("run.test_timeout")
	}
	if v.IsSet("run.work_dir") {
		h.Run.WorkDir = v.GetString("run.work_dir")
	}
	if v.IsSet("git.token") {
		h.Git.Token = strings.TrimSpace(v.GetString("git.token"))
	}
	if v.IsSet("git.disable_push") {
		h.Git.DisablePush = v.GetBool("git.disable_push")
	}
	if v.IsSet("logging.level") {
		h.Logging.Level = v.GetString("logging.level")
	}
	if v.IsSet("logging.format") {
		h.Logging.Format = v.GetString("logging.format")
	}
	if v.IsSet("db.driver") {
		h.DB.Driver = v.GetString("db.driver")
	}
	if v.IsSet("db.dsn") {
		h.DB.DSN = v.GetString("db.dsn")
	}
	if v.IsSet("server.addr") {
		h.Server.Addr = v.GetString("server.addr")
	}
}

// NewViper returns a viper instance reading HEALER_* variables, plus the
// bare GITHUB_TOKEN and RETRY_LIMIT names older deployments use.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("HEALER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("git.token", "HEALER_GIT_TOKEN", "GITHUB_TOKEN")
	_ = v.BindEnv("run.retry_limit", "HEALER_RUN_RETRY_LIMIT", "RETRY_LIMIT")
	return v
}

// TestTimeoutDuration parses run.test_timeout.
func (r RunConfig) TestTimeoutDuration() time.Duration {
	return parseDuration(r.TestTimeout, checks.DefaultTestTimeout)
}

// CompileTimeoutDuration parses run.compile_timeout.
func (r RunConfig) CompileTimeoutDuration() time.Duration {
	return parseDuration(r.CompileTimeout, 30*time.Second)
}

// InstallTimeoutDuration parses run.install_timeout.
func (r RunConfig) InstallTimeoutDuration() time.Duration {
	return parseDuration(r.InstallTimeout, checks.DefaultInstallTimeout)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// PatternTable builds the classifier table: the configured patterns when
// present, otherwise the built-in defaults. Call Validate first; entries
// with unknown bug types are dropped here.
func (h Healer) PatternTable() analyzer.PatternTable {
	if len(h.Patterns) == 0 {
		return analyzer.DefaultPatterns()
	}
	table := make(analyzer.PatternTable, 0, len(h.Patterns))
	for _, p := range h.Patterns {
		bug, ok := pipeline.ParseBugType(p.BugType)
		if !ok || p.Fragment == "" {
			continue
		}
		table = append(table, analyzer.Pattern{Fragment: p.Fragment, BugType: bug})
	}
	return table
}
