package cli

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/cihealer/internal/analytics"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize run outcomes, iterations and fixes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sinceFlag, _ := cmd.Flags().GetString("since")
		since, err := parseSince(sinceFlag, time.Now())
		if err != nil {
			return err
		}
		database, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		pr, err := analytics.QueryPassRate(database, since)
		if err != nil {
			return err
		}
		its, err := analytics.QueryIterationStats(database, since)
		if err != nil {
			return err
		}
		bugs, err := analytics.QueryFixesByBugType(database, since)
		if err != nil {
			return err
		}
		repos, err := analytics.QueryRepoSummaries(database, since)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, map[string]any{
				"pass_rate":  pr,
				"iterations": its,
				"bug_types":  bugs,
				"repos":      repos,
			})
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Runs: %d  passed %d (%.1f%%)  exhausted %d  failed %d\n",
			pr.Total, pr.Passed, pr.PassPct, pr.Exhausted, pr.Failed)
		fmt.Fprintf(out, "Iterations: avg %.1f  p50 %.0f  p95 %.0f\n", its.Avg, its.P50, its.P95)
		fmt.Fprintf(out, "Duration: avg %.1fs  p95 %.1fs\n", its.AvgSeconds, its.P95Seconds)

		if len(bugs) > 0 {
			fmt.Fprintln(out)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BUG TYPE\tFIXES\tCOMMITTED\tRATE")
			for _, b := range bugs {
				fmt.Fprintf(w, "%s\t%d\t%d\t%.1f%%\n", b.BugType, b.Total, b.Fixed, b.FixedPct)
			}
			w.Flush()
		}
		if len(repos) > 0 {
			fmt.Fprintln(out)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "REPO\tRUNS\tPASSED\tAVG SCORE")
			for _, r := range repos {
				fmt.Fprintf(w, "%s\t%d\t%d\t%.1f\n", r.Repo, r.Runs, r.Passed, r.AvgScore)
			}
			w.Flush()
		}
		return nil
	},
}

// parseSince turns "7d", "12h" or an RFC 3339 timestamp into the RFC 3339
// lower bound the analytics queries expect. Empty means no bound.
func parseSince(s string, now time.Time) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().Format(time.RFC3339), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC().Format(time.RFC3339), nil
	}
	var d time.Duration
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return "", fmt.Errorf("invalid --since %q", s)
		}
		d = time.Duration(n) * 24 * time.Hour
	} else {
		var err error
		d, err = time.ParseDuration(s)
		if err != nil || d < 0 {
			return "", fmt.Errorf("invalid --since %q: use 7d, 12h, 2006-01-02 or RFC 3339", s)
		}
	}
	return now.Add(-d).UTC().Format(time.RFC3339), nil
}

func init() {
	statsCmd.Flags().String("since", "", "only count runs created since (7d, 12h, 2006-01-02 or RFC 3339)")
	statsCmd.Flags().String("format", "text", "output format: text or json")
}
