package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/fanout/internal/coordinator"
)

// ManagerState is what the header shows about the manager.
type ManagerState struct {
	ID         string
	Name       string
	Address    string
	WorkerSize int
	Projects   []string
	State      coordinator.State
	Announced  bool
	Project    string
	Connected  bool
	LastEvent  time.Time
}

func renderHeader(s ManagerState, spin string, theme Theme, width int) string {
	innerWidth := width - 4

	title := fmt.Sprintf(" FANOUT WATCH %s", theme.Highlight.Render(s.Name))
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	var state string
	switch {
	case !s.Connected:
		state = theme.StatusFailed.Render("CONNECTING")
	case s.State == coordinator.StateIdle || s.State == "":
		state = theme.StatusIdle.Render("IDLE")
	default:
		state = theme.StatusRunning.Render(strings.ToUpper(string(s.State))) + " " + spin
	}

	announce := theme.StatusOK.Render("announced")
	if !s.Announced {
		announce = theme.Dim.Render("withdrawn")
	}

	projects := "any"
	if len(s.Projects) > 0 {
		projects = strings.Join(s.Projects, ", ")
	}

	statsLine := fmt.Sprintf(" %s  %s  workers: %d  projects: %s", state, announce, s.WorkerSize, projects)

	lastEvent := "never"
	if !s.LastEvent.IsZero() {
		lastEvent = fmt.Sprintf("%s ago", time.Since(s.LastEvent).Round(time.Second))
	}
	detail := fmt.Sprintf(" %s  last event: %s", theme.Dim.Render(s.Address), lastEvent)
	if s.Project != "" {
		detail += "  project: " + theme.Highlight.Render(s.Project)
	}

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, detail)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
