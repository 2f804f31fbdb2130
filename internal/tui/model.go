// Package tui is a terminal viewer for task tree runs.
package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskflow/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneTree
	paneCount
)

// CancelFunc asks the task manager to cancel a task and returns a short
// description of the outcome.
type CancelFunc func(taskID string) (string, error)

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane    TaskPaneModel
	treePane    TreePaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	cancel      CancelFunc
	status      string
	width       int
	height      int
	quitting    bool
}

// New creates a viewer for one tree. An empty rootID follows every tree on
// the bus; expected is the task count when known. cancel may be nil.
func New(bus *events.EventBus, rootID string, expected int, cancel CancelFunc) Model {
	var sub <-chan events.Event
	if rootID == "" {
		sub = bus.SubscribeAll(256)
	} else {
		sub = bus.Subscribe(rootID, 256)
	}

	m := Model{
		taskPane:    NewTaskPaneModel(),
		treePane:    NewTreePaneModel(rootID, expected),
		focusedPane: PaneTasks,
		eventSub:    sub,
		cancel:      cancel,
	}
	m.updateFocusStates()
	return m
}

// busClosedMsg is sent once the subscription channel is closed.
type busClosedMsg struct{}

// cancelResultMsg carries the outcome of a cancel request.
type cancelResultMsg struct {
	taskID  string
	message string
	err     error
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

func (m Model) cancelTask(taskID string) tea.Cmd {
	cancel := m.cancel
	return func() tea.Msg {
		msg, err := cancel(taskID)
		return cancelResultMsg{taskID: taskID, message: msg, err: err}
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneTree
			m.updateFocusStates()

		case KeyCancel:
			if id := m.taskPane.SelectedTaskID(); id != "" && m.cancel != nil {
				m.status = "cancelling " + id + "..."
				cmds = append(cmds, m.cancelTask(id))
			}

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case events.Event:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
		m.treePane, _ = m.treePane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)

	case cancelResultMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("cancel %s: %v", msg.taskID, msg.err)
		} else {
			m.status = fmt.Sprintf("cancel %s: %s", msg.taskID, msg.message)
		}

	case busClosedMsg:
		m.status = "run finished"
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	content := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.treePane.View())

	footer := HelpView(m.cancel != nil)
	if m.status != "" {
		footer = lipgloss.JoinHorizontal(lipgloss.Top, footer, StyleHelp.Render("  "+m.status))
	}
	return lipgloss.JoinVertical(lipgloss.Left, content, footer)
}

// Tasks returns the task pane.
func (m Model) Tasks() TaskPaneModel {
	return m.taskPane
}

// Counts returns the tree status counts seen so far.
func (m Model) Counts() Counts {
	return m.treePane.Counts()
}

// Status returns the footer status line.
func (m Model) Status() string {
	return m.status
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	availableHeight := m.height - 1 // help bar

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.treePane.SetSize(m.width-leftWidth, availableHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.treePane.SetFocused(m.focusedPane == PaneTree)
}
