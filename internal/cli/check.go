package cli

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/cihealer/internal/analyzer"
	"github.com/lucasnoah/cihealer/internal/checks"
	"github.com/lucasnoah/cihealer/internal/pipeline"
)

var checkCmd = &cobra.Command{
	Use:   "check [path]",
	Short: "Run the compile check and tests once and list classified failures",
	Long: `Diagnose a checkout without changing it: byte-compile every Python file,
run the tests when compilation is clean, and print the failures the heal
loop would act on.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := validConfig()
		if err != nil {
			return err
		}
		root := "."
		if len(args) == 1 {
			root = args[0]
		}
		root, err = filepath.Abs(root)
		if err != nil {
			return fmt.Errorf("resolve path: %w", err)
		}

		run := cfg.Healer.Run
		cmdRunner := &checks.ExecRunner{}
		extractor := analyzer.NewExtractor(analyzer.NewClassifier(cfg.Healer.PatternTable()))

		var failures []pipeline.Failure
		rep, err := checks.NewPyCompileChecker(cmdRunner, run.Python, run.CompileTimeoutDuration(), run.SkipDirs).Check(cmd.Context(), root)
		if err != nil {
			return err
		}
		summary := fmt.Sprintf("compiled %d file(s)", rep.Files)
		if rep.Failed() {
			failures = extractor.FromCompileErrors(rep.Errors)
			summary += fmt.Sprintf(", %d failed; tests skipped", len(rep.Errors))
		} else {
			tests := checks.NewPythonTestRunner(cmdRunner, run.Python, run.TestCommand, run.TestTimeoutDuration())
			res, err := tests.RunTests(cmd.Context(), root)
			if err != nil {
				return err
			}
			failures = extractor.Extract(res.Output(), root)
			summary += "; tests: " + res.Summary
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, failures)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, summary)
		if len(failures) == 0 {
			fmt.Fprintln(out, "No classified failures.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "BUG TYPE\tFILE\tLINE")
		for _, f := range failures {
			line := "?"
			if f.HasLine() {
				line = fmt.Sprint(f.Line)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", f.BugType, f.File, line)
		}
		return w.Flush()
	},
}

func init() {
	checkCmd.Flags().String("format", "text", "output format: text or json")
}
