package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lucasnoah/cihealer/internal/config"
	"github.com/lucasnoah/cihealer/internal/db"
	"github.com/lucasnoah/cihealer/internal/observability"
	"github.com/lucasnoah/cihealer/internal/pipeline"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

// v layers flags and HEALER_* environment variables over the config file.
var v = config.NewViper()

var configFile string

var rootCmd = &cobra.Command{
	Use:   "healer",
	Short: "Rule-based CI test failure healing",
	Long: `healer runs a Python project's tests, classifies failures from the output,
applies deterministic rule fixes, and commits each fix to a working branch,
retrying until the tests pass or the retry limit is reached.

Run state lives in ~/.healer/runs (JSON) and run history in ~/.healer/healer.db.`,
	SilenceUsage: true,
}

func Execute() error {
	defer observability.Sync()
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "config file (default ./healer.yaml or ~/.healer/config.yaml)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: console or json")
	pf.String("db-driver", "", "run history driver: sqlite3 or pgx")
	pf.String("db-dsn", "", "run history DSN (sqlite path or postgres URL)")
	bindFlags(pf, map[string]string{
		"log-level":  "logging.level",
		"log-format": "logging.format",
		"db-driver":  "db.driver",
		"db-dsn":     "db.dsn",
	})

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
}

// bindFlags binds each flag to its config key.
func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

// loadConfig reads the config file, overlays flags and environment, and
// initializes logging.
func loadConfig() (*config.Config, error) {
	cfg, err := readConfig(configFile, v)
	if err != nil {
		return nil, err
	}
	observability.InitializeLogger(cfg.Healer.Logging)
	return cfg, nil
}

func readConfig(path string, vp *viper.Viper) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	config.Overlay(cfg, vp)
	return cfg, nil
}

// validConfig is loadConfig that also rejects invalid configurations.
func validConfig() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %s (run 'healer config validate')", errs[0])
	}
	return cfg, nil
}

// openDB opens and migrates the run history database.
func openDB(cfg *config.Config) (*db.DB, error) {
	dsn := cfg.Healer.DB.DSN
	if dsn == "" && cfg.Healer.DB.Driver == db.DriverSQLite {
		path, err := db.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("db path: %w", err)
		}
		dsn = path
	}
	if cfg.Healer.DB.Driver == db.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir for db: %w", err)
		}
	}
	database, err := db.OpenDriver(cfg.Healer.DB.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return database, nil
}

// openStore returns the run state store, honoring run.state_dir.
func openStore(cfg *config.Config) (*pipeline.Store, error) {
	if dir := cfg.Healer.Run.StateDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
		return pipeline.NewStore(dir), nil
	}
	store, err := pipeline.DefaultStore()
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return store, nil
}
