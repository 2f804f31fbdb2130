package tui

// Keybinding constants
const (
	KeyTab      = "tab"
	KeyShiftTab = "shift+tab"
	KeyQuit     = "q"
	KeyCtrlC    = "ctrl+c"
	KeyPane1    = "1"
	KeyPane2    = "2"
	KeyUp       = "up"
	KeyDown     = "down"
	KeyJ        = "j"
	KeyK        = "k"
	KeyCancel   = "c"
)

// HelpView returns a one-line help bar with common keybindings.
func HelpView(canCancel bool) string {
	help := "Tab: cycle focus | 1/2: jump to pane | j/k: select | q: quit"
	if canCancel {
		help += " | c: cancel task"
	}
	return StyleHelp.Render(help)
}
