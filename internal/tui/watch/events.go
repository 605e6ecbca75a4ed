package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/fanout/internal/coordinator"
	"github.com/mattjoyce/fanout/internal/events"
)

// applyEvent folds e into the manager header and the worker table.
func applyEvent(s *ManagerState, workers map[int]*WorkerState, e events.Event) {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	s.LastEvent = e.At
	switch e.Type {
	case events.ManagerReady:
		if n, ok := data["worker_size"].(float64); ok {
			s.WorkerSize = int(n)
		}
		s.State = coordinator.StateIdle
	case events.AnnouncementOn:
		s.Announced = true
	case events.AnnouncementOff, events.ManagerStopping:
		s.Announced = false
	case events.DispatchStarted:
		for i := range workers {
			delete(workers, i)
		}
		s.Project, _ = data["project"].(string)
	case events.DispatchState:
		if to, ok := data["to"].(string); ok {
			s.State = coordinator.State(to)
		}
	case events.DispatchCompleted, events.DispatchFailed:
		s.State = coordinator.StateIdle
		s.Project = ""
	case events.WorkerStarted:
		idx, ok := data["index"].(float64)
		if !ok {
			return
		}
		w := &WorkerState{Index: int(idx), Running: true, StartTime: e.At}
		if pid, ok := data["pid"].(float64); ok {
			w.PID = int(pid)
		}
		workers[w.Index] = w
	case events.WorkerExited:
		idx, ok := data["index"].(float64)
		if !ok {
			return
		}
		w, ok := workers[int(idx)]
		if !ok {
			w = &WorkerState{Index: int(idx)}
			workers[w.Index] = w
		}
		w.Running = false
		w.EndTime = e.At
		if code, ok := data["exit_code"].(float64); ok {
			w.ExitCode = int(code)
		}
		w.Signaled, _ = data["signaled"].(bool)
		if pid, ok := data["pid"].(float64); ok {
			w.PID = int(pid)
		}
	}
}

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	t := string(e.Type)
	var typeStyle lipgloss.Style
	switch {
	case strings.HasSuffix(t, ".completed"), t == string(events.ManagerReady):
		typeStyle = theme.StatusOK
	case strings.HasSuffix(t, ".failed"), strings.HasSuffix(t, ".rejected"):
		typeStyle = theme.StatusFailed
	case strings.HasSuffix(t, ".started"):
		typeStyle = theme.StatusRunning
	default:
		typeStyle = theme.Dim
	}

	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-20s", t)), describeEvent(e))
}

func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	id, _ := data["dispatch_id"].(string)
	if id == "" {
		id, _ = data["id"].(string)
	}
	if id != "" {
		if len(id) > 8 {
			id = id[:8]
		}
		parts = append(parts, fmt.Sprintf("[%s]", id))
	}
	if project, ok := data["project"].(string); ok && project != "" {
		parts = append(parts, project)
	}
	if idx, ok := data["index"].(float64); ok {
		parts = append(parts, fmt.Sprintf("worker %d", int(idx)))
	}
	if to, ok := data["to"].(string); ok {
		parts = append(parts, "→ "+to)
	}
	if e.Type == events.WorkerExited {
		if code, ok := data["exit_code"].(float64); ok {
			parts = append(parts, fmt.Sprintf("exit %d", int(code)))
		}
	}
	if kind, ok := data["kind"].(string); ok {
		parts = append(parts, kind)
	} else if kind, ok := data["error_kind"].(string); ok {
		parts = append(parts, kind)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if raw == "{}" || raw == "null" {
			return ""
		}
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
