package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/cihealer/internal/config"
	"github.com/lucasnoah/cihealer/internal/db"
	"github.com/lucasnoah/cihealer/internal/observability"
	"github.com/lucasnoah/cihealer/internal/orchestrator"
	"github.com/lucasnoah/cihealer/internal/pipeline"
	"github.com/lucasnoah/cihealer/internal/report"
)

var runCmd = &cobra.Command{
	Use:   "run <path|url>",
	Short: "Heal a local checkout or a remote repository",
	Long: `Run the heal loop until the tests pass or the retry limit is reached.

A local path is healed in place: fixes are committed to --branch (or the
current branch) and the checkout is kept. A URL is cloned into a temporary
directory, healed on the TEAM_LEADER_AI_Fix branch, and pushed.

Exits non-zero when the tests still fail at the end of the run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := validConfig()
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		quiet, _ := cmd.Flags().GetBool("quiet")

		var progress io.Writer
		if !quiet {
			progress = cmd.ErrOrStderr()
		}
		d, cleanup, err := openDeps(cfg)
		if err != nil {
			return err
		}
		defer cleanup()
		svc := d.service(cfg, progress)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		target := args[0]
		var resp report.RunResponse
		if isRemote(target) {
			team, _ := cmd.Flags().GetString("team")
			leader, _ := cmd.Flags().GetString("leader")
			if strings.TrimSpace(team) == "" || strings.TrimSpace(leader) == "" {
				return fmt.Errorf("--team and --leader are required for remote repositories")
			}
			resp = svc.Heal(ctx, report.RunRequest{
				RepoURL:        target,
				TeamName:       team,
				TeamLeaderName: leader,
				RetryLimit:     cfg.Healer.Run.RetryLimit,
			})
		} else {
			branch, _ := cmd.Flags().GetString("branch")
			resp, err = svc.HealLocal(ctx, orchestrator.LocalOpts{
				Path:       target,
				Branch:     branch,
				RetryLimit: cfg.Healer.Run.RetryLimit,
			})
			if err != nil {
				return err
			}
		}

		if err := printResponse(cmd, format, resp); err != nil {
			return err
		}
		if resp.CIStatus != pipeline.CIPassed {
			return fmt.Errorf("tests still failing after %d iteration(s)", len(resp.Timeline))
		}
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.String("branch", "", "branch to commit fixes to (local checkouts; default current branch)")
	f.String("team", "", "team name (remote repositories)")
	f.String("leader", "", "team leader name (remote repositories)")
	f.Int("retry-limit", 0, "maximum heal iterations (default from config, 5)")
	f.Bool("no-push", false, "commit fixes without pushing")
	f.String("test-command", "", "override the test command (default \"<python> -m pytest -v --tb=short\")")
	f.String("format", "text", "output format: text or json")
	f.BoolP("quiet", "q", false, "suppress progress output")
	bindFlags(f, map[string]string{
		"retry-limit":  "run.retry_limit",
		"no-push":      "git.disable_push",
		"test-command": "run.test_command",
	})
}

// deps holds the stores a command shares between its collaborators.
type deps struct {
	store *pipeline.Store
	db    *db.DB // nil when run history is unavailable
}

// openDeps opens the run state store and, best effort, the run history.
func openDeps(cfg *config.Config) (*deps, func(), error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	database, err := openDB(cfg)
	if err != nil {
		observability.GetLogger().Warn("run history disabled", zap.Error(err))
		database = nil
	}
	cleanup := func() {
		if database != nil {
			database.Close()
		}
	}
	return &deps{store: store, db: database}, cleanup, nil
}

func (d *deps) service(cfg *config.Config, progress io.Writer) *orchestrator.Service {
	return orchestrator.NewService(orchestrator.ServiceConfig{
		Config:   cfg.Healer,
		Store:    d.store,
		DB:       d.db,
		Logger:   observability.GetLogger(),
		Progress: progress,
	})
}

func isRemote(target string) bool {
	return strings.Contains(target, "://") || strings.HasPrefix(target, "git@")
}

func printResponse(cmd *cobra.Command, format string, resp report.RunResponse) error {
	if format == "json" {
		return writeJSON(cmd, resp)
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderSummary(resp))
	return nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
