package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/lucasnoah/cihealer/internal/pipeline"
	"github.com/lucasnoah/cihealer/internal/report"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	passStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	labelStyle  = lipgloss.NewStyle().Width(16).Foreground(lipgloss.Color("245"))
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	fixedMarker = passStyle.Render("✓")
	failMarker  = failStyle.Render("✗")
)

func statusText(s pipeline.CIStatus) string {
	if s == pipeline.CIPassed {
		return passStyle.Render(string(s))
	}
	return failStyle.Render(string(s))
}

// renderSummary formats a results document for the terminal.
func renderSummary(resp report.RunResponse) string {
	var b strings.Builder

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}
	b.WriteString(titleStyle.Render("Healing run "+resp.RunID) + "\n\n")
	row("repository", resp.RepoURL)
	row("branch", resp.BranchName)
	row("ci status", statusText(resp.CIStatus))
	row("iterations", fmt.Sprintf("%d / %d", len(resp.Timeline), resp.RetryLimit))
	row("failures left", fmt.Sprintf("%d", resp.TotalFailures))
	row("fixes", fmt.Sprintf("%d", resp.TotalFixesApplied))
	row("time", fmt.Sprintf("%.2fs", resp.TotalTimeSeconds))
	row("score", fmt.Sprintf("%d %s", resp.Score.Total,
		mutedStyle.Render(fmt.Sprintf("(base %d + speed %d - efficiency %d)",
			resp.Score.Base, resp.Score.SpeedBonus, resp.Score.EfficiencyPenalty))))

	if len(resp.Timeline) > 0 {
		b.WriteString("\n" + titleStyle.Render("Timeline") + "\n")
		for _, e := range resp.Timeline {
			fmt.Fprintf(&b, "  #%d %s %s\n", e.Iteration, statusText(e.Status), mutedStyle.Render(e.Timestamp))
		}
	}

	if len(resp.Fixes) > 0 {
		b.WriteString("\n" + titleStyle.Render("Fixes") + "\n")
		for _, f := range resp.Fixes {
			marker := fixedMarker
			if f.Status != report.StatusFixed {
				marker = failMarker
			}
			fmt.Fprintf(&b, "  %s %s\n", marker, f.Description)
		}
	}

	if resp.Error != "" {
		b.WriteString("\n" + errorStyle.Render("error: "+resp.Error) + "\n")
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}
