package tui

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/relay/internal/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusSucceeded = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusPartial   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusPending   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewNewRun:
		return a.viewNewRun()
	case ViewOutput:
		return a.viewOutput()
	}
	return ""
}

func (a *App) viewRunList() string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Relay") + "\n\n")
	a.writeError(&sb)

	if len(a.runs) == 0 {
		sb.WriteString("No runs yet. Press 'n' to start one.\n")
	} else {
		sb.WriteString("Recent Runs\n")
		sb.WriteString("───────────\n")

		for i, run := range a.runs {
			line := a.formatRunLine(run)
			switch {
			case i == a.selectedIdx:
				line = selectedStyle.Render("▶ " + line)
			case run.Status.IsTerminal():
				line = "  " + dimStyle.Render(line)
			default:
				line = "  " + line
			}
			sb.WriteString(line + "\n")
		}
	}

	sb.WriteString("\n" + a.help.ShortHelpView(a.keys.listKeys()))
	return sb.String()
}

func (a *App) formatRunLine(run *models.Run) string {
	return fmt.Sprintf("%s  %-18s v%-3d %s  %-8s",
		shortID(run.ID),
		truncate(a.flowName(run.FlowID), 18),
		run.Version,
		formatOutcome(run),
		FormatTimeAgo(run.CreatedAt, time.Now()))
}

func formatOutcome(run *models.Run) string {
	if run.Outcome() == models.OutcomeCompletedWithErrors {
		return statusPartial.Render("◐ completed with errors")
	}
	return formatRunStatus(run.Status)
}

func formatRunStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusPending:
		return statusPending.Render("○ pending")
	case models.RunStatusRunning:
		return statusRunning.Render("● running")
	case models.RunStatusSucceeded:
		return statusSucceeded.Render("✓ succeeded")
	case models.RunStatusFailed:
		return statusFailed.Render("✗ failed")
	case models.RunStatusCancelled:
		return statusPartial.Render("⊘ cancelled")
	default:
		return string(status)
	}
}

func formatStepStatus(status models.StepStatus) string {
	switch status {
	case models.StepStatusSucceeded:
		return statusSucceeded.Render("✓")
	case models.StepStatusFailed:
		return statusFailed.Render("✗")
	case models.StepStatusDispatched:
		return statusRunning.Render("●")
	default:
		return statusPending.Render("○")
	}
}

func (a *App) viewRunDetail() string {
	run := a.selectedRun
	if run == nil {
		return "No run selected"
	}

	var sb strings.Builder
	header := fmt.Sprintf("Run %s: %s v%d", shortID(run.ID), a.flowName(run.FlowID), run.Version)
	sb.WriteString(titleStyle.Render(header) + "  " + formatOutcome(run) + "\n\n")
	a.writeError(&sb)

	sb.WriteString(labelStyle.Render("Run ID:  ") + dimStyle.Render(run.ID) + "\n")
	sb.WriteString(labelStyle.Render("Created: ") +
		dimStyle.Render(run.CreatedAt.Format(time.RFC3339)) + "\n")
	if run.CancelRequested && !run.Status.IsTerminal() {
		sb.WriteString(statusPartial.Render("cancellation requested") + "\n")
	}
	if run.Error != nil {
		sb.WriteString(errorStyle.Render(formatStepError(run.Error)) + "\n")
	}
	sb.WriteString("\nSteps\n")
	sb.WriteString("─────\n")

	if len(run.Steps) == 0 {
		sb.WriteString("(no steps executed yet)\n")
	}
	for i, rs := range run.Steps {
		line := fmt.Sprintf("%d. %-14s %s  %s.%s",
			rs.Seq, truncate(rs.StepID, 14), formatStepStatus(rs.Status),
			rs.Connector, rs.Action)
		if rs.Attempts > 1 {
			line += dimStyle.Render(fmt.Sprintf("  attempts:%d", rs.Attempts))
		}
		if d, ok := stepDuration(rs); ok {
			line += "  " + dimStyle.Render(formatDuration(d))
		}
		if rs.Error != nil {
			line += "  " + errorStyle.Render(rs.Error.Kind)
		}

		if i == a.stepIdx {
			line = selectedStyle.Render("▶ " + line)
		} else {
			line = "  " + line
		}
		sb.WriteString(line + "\n")
	}

	sb.WriteString("\n" + a.help.ShortHelpView(a.keys.detailKeys()))
	return sb.String()
}

func (a *App) viewNewRun() string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("New Run") + "\n\n")
	a.writeError(&sb)

	if len(a.flowList) == 0 {
		sb.WriteString("  (no flows published)\n")
	}
	for i, f := range a.flowList {
		line := fmt.Sprintf("%-20s v%d  %s", f.Name, f.LatestVersion,
			truncate(f.Description, 40))
		if i == a.flowIdx {
			line = selectedStyle.Render("▶ " + line)
		} else {
			line = "  " + line
		}
		sb.WriteString(line + "\n")
	}

	sb.WriteString("\n" + a.help.ShortHelpView(a.keys.newRunKeys()))
	return sb.String()
}

func (a *App) viewOutput() string {
	rs := a.currentStep()
	if rs == nil {
		return "No step selected"
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("Step %s", rs.StepID)) + "\n\n")

	for _, att := range rs.History {
		line := fmt.Sprintf("attempt %d  %s", att.Number, formatStepStatus(att.Status))
		if att.Error != nil {
			line += "  " + errorStyle.Render(formatStepError(att.Error))
		}
		sb.WriteString(line + "\n")
	}

	sb.WriteString("\n" + labelStyle.Render("Output") + "\n")
	if rs.Output == nil {
		sb.WriteString("(no output)\n")
	} else if data, err := json.MarshalIndent(rs.Output, "", "  "); err != nil {
		sb.WriteString(errorStyle.Render(err.Error()) + "\n")
	} else {
		sb.WriteString(string(data) + "\n")
	}

	sb.WriteString("\n" + a.help.ShortHelpView(a.keys.outputKeys()))
	return sb.String()
}

func (a *App) writeError(sb *strings.Builder) {
	if a.err != nil {
		sb.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", a.err)) + "\n\n")
	}
}

func formatStepError(e *models.StepError) string {
	if e.Code != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func stepDuration(rs *models.RunStep) (time.Duration, bool) {
	if rs.StartedAt == nil {
		return 0, false
	}
	if rs.FinishedAt == nil {
		return time.Since(*rs.StartedAt), true
	}
	return rs.FinishedAt.Sub(*rs.StartedAt), true
}

// FormatTimeAgo renders the age of t relative to now in a compact form
func FormatTimeAgo(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
