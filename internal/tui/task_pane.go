package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskflow/internal/events"
)

const listWidth = 28

// TaskState is what the viewer knows about one task from its events.
type TaskState struct {
	TaskID    string
	Name      string
	Status    string
	Executor  string
	Progress  float64
	Lines     []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel shows the tasks seen so far and the event log of the
// selected one.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	order       []string // first-seen order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg debounces viewport refreshes during bursts of progress events.
type tickMsg struct {
	tag int
}

// Update handles key presses and task events.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.Event:
		return m.applyEvent(msg)

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

func (m TaskPaneModel) applyEvent(ev events.Event) (TaskPaneModel, tea.Cmd) {
	if ev.TaskID == "" {
		return m, nil
	}

	task, exists := m.tasks[ev.TaskID]
	if !exists {
		task = &TaskState{TaskID: ev.TaskID, Name: ev.TaskID, Status: "pending"}
		m.tasks[ev.TaskID] = task
		m.order = append(m.order, ev.TaskID)
	}
	if ev.Status != "" {
		task.Status = ev.Status
	}
	if ev.Progress != nil {
		task.Progress = *ev.Progress
	}
	if name, ok := ev.Metadata[events.MetaExecutor].(string); ok && name != "" {
		task.Executor = name
	}

	switch ev.Type {
	case events.TypeTaskStart:
		if ev.Message != "" {
			task.Name = ev.Message
		}
		task.StartTime = ev.Timestamp
		task.Lines = append(task.Lines, fmt.Sprintf("[%s] started", clock(ev.Timestamp)))

	case events.TypeProgress:
		line := fmt.Sprintf("[%s] %3.0f%%", clock(ev.Timestamp), task.Progress*100)
		if ev.Message != "" {
			line += " " + ev.Message
		}
		task.Lines = append(task.Lines, line)
		if m.selectedTaskID() == ev.TaskID {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}
		return m, nil

	case events.TypeTaskCompleted, events.TypeTaskFailed, events.TypeTaskCancelled:
		if !task.StartTime.IsZero() && !ev.Timestamp.IsZero() {
			task.Duration = ev.Timestamp.Sub(task.StartTime)
		}
		task.Lines = append(task.Lines, terminalLine(ev, task.Duration))

	case events.TypeFinal:
		if requested, _ := ev.Metadata[events.MetaCancelRequested].(bool); requested {
			line := "cancellation was requested"
			if deferred, _ := ev.Metadata[events.MetaCancelDeferred].(bool); deferred {
				line += " but the executor ran to completion"
			}
			task.Lines = append(task.Lines, line)
		}
	}

	if len(m.order) == 1 || m.selectedTaskID() == ev.TaskID {
		m.updateViewportContent()
	}
	return m, nil
}

func terminalLine(ev events.Event, d time.Duration) string {
	switch ev.Type {
	case events.TypeTaskCompleted:
		line := fmt.Sprintf("[%s] completed in %v", clock(ev.Timestamp), d.Round(time.Millisecond))
		if len(ev.Result) > 0 {
			keys := make([]string, 0, len(ev.Result))
			for k := range ev.Result {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			line += "\nresult: " + strings.Join(keys, ", ")
		}
		return line
	case events.TypeTaskCancelled:
		return fmt.Sprintf("[%s] cancelled: %s", clock(ev.Timestamp), ev.Error)
	default:
		line := fmt.Sprintf("[%s] failed: %s", clock(ev.Timestamp), ev.Error)
		if dep, ok := ev.Metadata[events.MetaBlockedBy].(string); ok {
			line += " (blocked by " + dep + ")"
		}
		return line
	}
}

func clock(ts time.Time) string {
	if ts.IsZero() {
		return "--:--:--"
	}
	return ts.Format("15:04:05")
}

// View renders the task list next to the selected task's log.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(m.width-listWidth-4).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.order {
		task := m.tasks[id]
		name := task.Name
		if len(name) > width-6 {
			name = name[:width-9] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(task.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	icon := "○"
	switch status {
	case "in_progress":
		icon = "●"
	case "completed":
		icon = "✓"
	case "failed":
		icon = "✗"
	case "cancelled":
		icon = "⊘"
	}
	return StyleForStatus(status).Render(icon)
}

// Task returns the state of a task seen so far.
func (m TaskPaneModel) Task(taskID string) (*TaskState, bool) {
	t, ok := m.tasks[taskID]
	return t, ok
}

// Len returns the number of tasks seen so far.
func (m TaskPaneModel) Len() int {
	return len(m.order)
}

// SelectedTaskID returns the id of the selected task, or "".
func (m TaskPaneModel) SelectedTaskID() string {
	return m.selectedTaskID()
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

func (m *TaskPaneModel) updateViewportContent() {
	task, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	var b strings.Builder
	b.WriteString(StyleTitle.Render(task.Name))
	b.WriteString("\n")
	fmt.Fprintf(&b, "id: %s\n", task.TaskID)
	if task.Executor != "" {
		fmt.Fprintf(&b, "executor: %s\n", task.Executor)
	}
	fmt.Fprintf(&b, "status: %s (%.0f%%)\n\n", StyleForStatus(task.Status).Render(task.Status), task.Progress*100)
	b.WriteString(strings.Join(task.Lines, "\n"))

	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
