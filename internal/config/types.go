package config

// Config is the top-level configuration parsed from healer YAML.
type Config struct {
	Healer Healer `yaml:"healer"`
}

// Healer groups every configurable section.
type Healer struct {
	Run      RunConfig       `yaml:"run"`
	Git      GitConfig       `yaml:"git"`
	Logging  LoggerConfig    `yaml:"logging"`
	DB       DBConfig        `yaml:"db"`
	Server   ServerConfig    `yaml:"server"`
	Patterns []PatternConfig `yaml:"patterns"`
}

// RunConfig controls the retry loop and the external Python tooling.
type RunConfig struct {
	RetryLimit     int      `yaml:"retry_limit"`
	Python         string   `yaml:"python"`
	TestCommand    string   `yaml:"test_command"`
	TestTimeout    string   `yaml:"test_timeout"`
	CompileTimeout string   `yaml:"compile_timeout"`
	InstallTimeout string   `yaml:"install_timeout"`
	SkipDirs       []string `yaml:"skip_dirs"`
	WorkDir        string   `yaml:"work_dir"` // parent for clones
	StateDir       string   `yaml:"state_dir"`
}

// GitConfig controls commit authorship and push.
type GitConfig struct {
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
	Remote      string `yaml:"remote"`
	Token       string `yaml:"token"`
	DisablePush bool   `yaml:"disable_push"`
}

// LoggerConfig configures structured logging.
type LoggerConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"` // "console" or "json"
	ServiceName string `yaml:"service_name"`
	AddSource   bool   `yaml:"add_source"`
	LogFile     string `yaml:"log_file"`
	MaxSize     int    `yaml:"max_size"` // megabytes
	MaxBackups  int    `yaml:"max_backups"`
	MaxAge      int    `yaml:"max_age"` // days
	Compress    bool   `yaml:"compress"`
}

// DBConfig selects the run-history database.
type DBConfig struct {
	Driver string `yaml:"driver"` // "sqlite3" or "pgx"
	DSN    string `yaml:"dsn"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	ResultsPath string `yaml:"results_path"`
}

// PatternConfig is one classifier entry. When any are configured they
// replace the built-in table, in the order given.
type PatternConfig struct {
	Fragment string `yaml:"fragment"`
	BugType  string `yaml:"bug_type"`
}
