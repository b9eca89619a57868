package status

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Comandos asíncronos que retornan tea.Msg

func loadStatus(src Source) tea.Cmd {
	return func() tea.Msg {
		st, err := src.Status()
		return statusLoadedMsg{status: st, err: err}
	}
}

func control(src Source, action, accountID, accountName string) tea.Cmd {
	return func() tea.Msg {
		_, err := src.Control(action, accountID)
		return controlCompleteMsg{action: action, account: accountName, err: err}
	}
}

func tick(every time.Duration) tea.Cmd {
	return tea.Tick(every, func(t time.Time) tea.Msg { return tickMsg(t) })
}
