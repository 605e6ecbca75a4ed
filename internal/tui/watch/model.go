package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/fanout/internal/client"
	"github.com/mattjoyce/fanout/internal/events"
)

const maxEventLog = 50

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	client *client.Client

	width  int
	height int

	manager  ManagerState
	workers  map[int]*WorkerState
	eventLog []events.Event
	lastID   int64

	table   table.Model
	spinner spinner.Model
	theme   Theme

	hubEvents chan events.Event

	lastError string
}

// New creates a watch model for the manager behind c.
func New(c *client.Client) *Model {
	return &Model{
		client:    c,
		workers:   make(map[int]*WorkerState),
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		table:     newWorkerTable(),
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot)),
		theme:     NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchIdentity(m.client) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(m.width - 6)

	case tickMsg:
		m.table.SetRows(workerRows(m.workers, m.theme, time.Now()))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastID {
			m.lastID = e.ID
		}

		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}

		applyEvent(&m.manager, m.workers, e)
		m.table.SetRows(workerRows(m.workers, m.theme, time.Now()))
		m.manager.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case identityMsg:
		m.manager.ID = msg.ID
		m.manager.Name = msg.Name
		m.manager.Address = msg.Address
		m.manager.WorkerSize = msg.WorkerSize
		m.manager.Projects = msg.Projects
		m.manager.State = msg.State
		m.manager.Announced = msg.Announced
		m.manager.Project = msg.Project
		m.manager.Connected = true
		m.lastError = ""
		return m, nil

	case sseDisconnectedMsg:
		m.manager.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		// The pending receiveNextEvent keeps reading the same channel.
		return m, tea.Batch(
			subscribeToEvents(m.client, m.lastID, m.hubEvents),
			func() tea.Msg { return fetchIdentity(m.client) },
		)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return fetchIdentity(m.client) })
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to manager..."
	}

	parts := []string{
		renderHeader(m.manager, m.spinner.View(), m.theme, m.width),
		renderWorkers(m.table, m.workers, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, m.theme.Help.Render(" [q] Quit"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
