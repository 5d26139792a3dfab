package cli

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/cihealer/internal/db"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent healing runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			return fmt.Errorf("--limit must be positive")
		}
		database, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		runs, err := database.ListRuns(limit)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			if runs == nil {
				runs = []db.Run{}
			}
			return writeJSON(cmd, runs)
		}
		if len(runs) == 0 {
			cmd.Println("No runs recorded.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tREPO\tBRANCH\tSTATUS\tITER\tFIXES\tSCORE\tCREATED")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%d\t%s\n",
				shortID(r.ID), r.Repo, r.Branch, r.Status,
				r.Iterations, r.RetryLimit, r.TotalFixes, r.Score, r.CreatedAt)
		}
		return w.Flush()
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one recorded run with its timeline and fixes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		r, err := database.GetRun(args[0])
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("run %s not found", args[0])
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, r)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Run %s\n", r.ID)
		fmt.Fprintf(out, "  repo:    %s\n", r.Repo)
		fmt.Fprintf(out, "  branch:  %s\n", r.Branch)
		fmt.Fprintf(out, "  status:  %s (ci %s)\n", r.Status, r.CIStatus)
		fmt.Fprintf(out, "  score:   %d  iterations %d/%d  commits %d\n", r.Score, r.Iterations, r.RetryLimit, r.TotalCommits)
		if r.Error != "" {
			fmt.Fprintf(out, "  error:   %s\n", r.Error)
		}

		if len(r.Timeline) > 0 {
			fmt.Fprintln(out)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ITER\tSTATUS\tAT")
			for _, it := range r.Timeline {
				fmt.Fprintf(w, "%d\t%s\t%s\n", it.Iteration, it.Status, it.Timestamp)
			}
			w.Flush()
		}
		if len(r.Fixes) > 0 {
			fmt.Fprintln(out)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BUG TYPE\tFILE\tLINE\tSTATUS")
			for _, f := range r.Fixes {
				line := "?"
				if f.Line > 0 {
					line = fmt.Sprint(f.Line)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.BugType, f.File, line, f.Status)
			}
			w.Flush()
		}
		return nil
	},
}

var historyRmCmd = &cobra.Command{
	Use:   "rm <run-id>",
	Short: "Delete a run from the history and the run state store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		id := args[0]
		if id != filepath.Base(id) || strings.HasPrefix(id, ".") {
			return fmt.Errorf("invalid run id %q", id)
		}
		if err := database.DeleteRun(id); err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		if _, err := store.Get(id); err == nil {
			if err := store.Delete(id); err != nil {
				return fmt.Errorf("delete run state: %w", err)
			}
		}
		cmd.Printf("Deleted run %s.\n", id)
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of runs to list")
	historyCmd.Flags().String("format", "text", "output format: text or json")
	historyShowCmd.Flags().String("format", "text", "output format: text or json")
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyRmCmd)
}
