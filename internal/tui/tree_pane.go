package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskflow/internal/events"
)

// Counts summarises a tree by task status.
type Counts struct {
	Total     int
	Completed int
	Running   int
	Failed    int
	Cancelled int
	Pending   int
}

// TreePaneModel shows the progress of the whole tree.
type TreePaneModel struct {
	rootID   string
	expected int               // task count known up front, 0 if unknown
	statuses map[string]string // task id -> last status
	width    int
	height   int
	focused  bool
}

// NewTreePaneModel creates a tree pane for a tree of expected tasks.
func NewTreePaneModel(rootID string, expected int) TreePaneModel {
	return TreePaneModel{
		rootID:   rootID,
		expected: expected,
		statuses: make(map[string]string),
	}
}

// Update records the status carried by task events.
func (m TreePaneModel) Update(msg tea.Msg) (TreePaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.Event:
		if msg.TaskID != "" && msg.Status != "" {
			m.statuses[msg.TaskID] = msg.Status
		}
		if m.rootID == "" {
			m.rootID = msg.RootID
		}
	}
	return m, nil
}

// Counts returns the current status counts. Tasks not heard from yet count
// as pending.
func (m TreePaneModel) Counts() Counts {
	c := Counts{Total: max(m.expected, len(m.statuses))}
	for _, status := range m.statuses {
		switch status {
		case "completed":
			c.Completed++
		case "in_progress":
			c.Running++
		case "failed":
			c.Failed++
		case "cancelled":
			c.Cancelled++
		}
	}
	c.Pending = c.Total - c.Completed - c.Running - c.Failed - c.Cancelled
	return c
}

// Finished reports whether every task reached a terminal status.
func (m TreePaneModel) Finished() bool {
	c := m.Counts()
	return c.Total > 0 && c.Running == 0 && c.Pending == 0
}

// View renders counts and a progress bar.
func (m TreePaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	c := m.Counts()
	var b strings.Builder

	title := StyleTitle.Render("Tree Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if m.rootID != "" {
		fmt.Fprintf(&b, "Root:      %s\n", m.rootID)
	}
	fmt.Fprintf(&b, "Total:     %d\n", c.Total)
	fmt.Fprintf(&b, "Completed: %s\n", StyleStatusComplete.Render(fmt.Sprint(c.Completed)))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprint(c.Running)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(c.Failed)))
	fmt.Fprintf(&b, "Cancelled: %s\n", StyleStatusCancelled.Render(fmt.Sprint(c.Cancelled)))
	fmt.Fprintf(&b, "Pending:   %s\n", StyleStatusPending.Render(fmt.Sprint(c.Pending)))
	b.WriteString("\n")

	if c.Total > 0 {
		b.WriteString(progressBar(c, min(m.width-4, 40)))
		b.WriteString("\n")
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func progressBar(c Counts, width int) string {
	done := c.Completed * width / c.Total
	failed := (c.Failed + c.Cancelled) * width / c.Total
	running := c.Running * width / c.Total
	pending := width - done - failed - running

	bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, done)))
	bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failed)))
	bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, running)))
	bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pending)))

	finished := c.Completed + c.Failed + c.Cancelled
	return fmt.Sprintf("[%s]  %d/%d", bar, finished, c.Total)
}

// SetSize updates the pane dimensions.
func (m *TreePaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *TreePaneModel) SetFocused(focused bool) {
	m.focused = focused
}
