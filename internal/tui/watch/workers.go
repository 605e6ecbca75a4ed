package watch

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

// WorkerState tracks one worker process of the current (or last) dispatch.
type WorkerState struct {
	Index     int
	PID       int
	Running   bool
	ExitCode  int
	Signaled  bool
	StartTime time.Time
	EndTime   time.Time
}

func newWorkerTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "#", Width: 4},
			{Title: "PID", Width: 8},
			{Title: "Exit", Width: 8},
			{Title: "Duration", Width: 10},
		}),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = lipgloss.NewStyle()
	t.SetStyles(s)
	return t
}

// workerRows renders workers ordered by index.
func workerRows(workers map[int]*WorkerState, theme Theme, now time.Time) []table.Row {
	indexes := make([]int, 0, len(workers))
	for i := range workers {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	rows := make([]table.Row, 0, len(indexes))
	for _, i := range indexes {
		w := workers[i]
		sym := theme.StatusRunning.Render("◉")
		exit := "-"
		switch {
		case w.Running:
		case w.Signaled:
			sym = theme.StatusFailed.Render("◑")
			exit = "signal"
		case w.ExitCode != 0:
			sym = theme.StatusFailed.Render("∅")
			exit = strconv.Itoa(w.ExitCode)
		default:
			sym = theme.StatusOK.Render("●")
			exit = "0"
		}

		duration := "-"
		if !w.StartTime.IsZero() {
			end := w.EndTime
			if end.IsZero() {
				end = now
			}
			duration = formatDuration(end.Sub(w.StartTime))
		}

		rows = append(rows, table.Row{sym, strconv.Itoa(w.Index), strconv.Itoa(w.PID), exit, duration})
	}
	return rows
}

func renderWorkers(t table.Model, workers map[int]*WorkerState, theme Theme, width int) string {
	innerWidth := width - 4
	title := theme.Title.Render("WORKERS")
	if len(workers) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left, title, theme.Dim.Render("  No dispatch yet"))
		return theme.Border.Width(innerWidth).Render(content)
	}

	failed := 0
	running := 0
	for _, w := range workers {
		switch {
		case w.Running:
			running++
		case w.Signaled || w.ExitCode != 0:
			failed++
		}
	}
	summary := theme.Dim.Render(fmt.Sprintf("  %d running, %d failed", running, failed))
	content := lipgloss.JoinVertical(lipgloss.Left, title+summary, t.View())
	return theme.Border.Width(innerWidth).Render(content)
}
