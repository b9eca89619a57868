package status

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

// Estilos con colores adaptativos para fondos claros/oscuros
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "63", Dark: "205"}).
			MarginLeft(2)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "240", Dark: "250"})

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "160", Dark: "9"}).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "34", Dark: "10"}).
			Bold(true)

	spinnerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "63", Dark: "205"})

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.AdaptiveColor{Light: "63", Dark: "63"}).
			Padding(1, 2)
)

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.AdaptiveColor{Light: "240", Dark: "240"}).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.AdaptiveColor{Light: "230", Dark: "229"}).
		Background(lipgloss.AdaptiveColor{Light: "63", Dark: "57"}).
		Bold(false)
	return s
}

// View renderiza la vista actual
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	var content string

	switch m.currentView {
	case viewDetail:
		content = m.viewDetail()
	case viewHelp:
		content = m.viewHelp()
	default:
		content = m.viewTable()
	}

	// Mensajes de estado/error
	if m.fetchError != "" {
		content += "\n" + errorStyle.Render("Daemon: "+m.fetchError)
	}
	if m.errorMessage != "" {
		content += "\n" + errorStyle.Render("Error: "+m.errorMessage)
	} else if m.statusMessage != "" {
		content += "\n" + successStyle.Render(m.statusMessage)
	}

	if m.loading {
		content += "\n" + m.spinner.View() + " Loading..."
	}

	return content
}

// viewTable renderiza la tabla de cuentas
func (m Model) viewTable() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Pupiter") + "\n\n")

	st := m.status
	slots := "unlimited"
	if st.MaxConcurrent > 0 {
		slots = fmt.Sprintf("%d/%d", st.BusySlots, st.MaxConcurrent)
	}
	b.WriteString(fmt.Sprintf("  %d accounts • %d running • %d paused • profiles %d/%d active • slots %s\n\n",
		len(st.Accounts), st.Running, st.Paused, st.ActiveProfiles, st.TotalProfiles, slots))

	if len(st.Accounts) == 0 && !m.loading {
		b.WriteString("  No accounts registered. Use 'pupiterctl account add'.\n")
	} else {
		b.WriteString(m.table.View() + "\n")
	}

	help := "\n" + helpStyle.Render(
		"  ↑/k up • ↓/j down • enter details • s start • x stop • p pause/resume • r restart • ? help • q quit",
	)
	return b.String() + help
}

// viewDetail renderiza logs y errores de la cuenta seleccionada
func (m Model) viewDetail() string {
	acc, ok := m.selected()
	if !ok {
		return m.viewTable()
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(acc.AccountName) + "\n\n")
	b.WriteString(fmt.Sprintf("  id:       %s\n", acc.AccountID))
	b.WriteString(fmt.Sprintf("  state:    %s (running=%t paused=%t)\n", acc.State, acc.IsRunning, acc.IsPaused))
	b.WriteString(fmt.Sprintf("  auth:     %s   profile: %s   queue: %s\n", acc.AuthStatus, acc.ProfileStatus, acc.QueueStatus))
	b.WriteString(fmt.Sprintf("  today:    %d   total: %d   remaining: %d\n", acc.PublishedToday, acc.TotalPublished, acc.RemainingInQueue))
	if acc.LastPublishedAt != nil {
		b.WriteString(fmt.Sprintf("  last:     %s\n", acc.LastPublishedAt.Local().Format("2006-01-02 15:04:05")))
	}
	if acc.NextAttemptAt != nil {
		b.WriteString(fmt.Sprintf("  next:     %s\n", acc.NextAttemptAt.Local().Format("2006-01-02 15:04:05")))
	}

	b.WriteString("\n  Errors:\n")
	if len(acc.Errors) == 0 {
		b.WriteString(helpStyle.Render("    none") + "\n")
	}
	for _, e := range acc.Errors {
		b.WriteString(errorStyle.Render("    "+e) + "\n")
	}

	b.WriteString("\n  Log:\n")
	logs := acc.Logs
	if len(logs) > 15 {
		logs = logs[len(logs)-15:]
	}
	for _, line := range logs {
		b.WriteString("    " + line + "\n")
	}

	help := "\n" + helpStyle.Render("  s start • x stop • p pause/resume • r restart • any other key to return")
	return boxStyle.Render(b.String()) + help
}

// viewHelp renderiza la pantalla de ayuda
func (m Model) viewHelp() string {
	title := titleStyle.Render("Help")

	help := `
  Navigation:
    ↑/k        Move up
    ↓/j        Move down
    Enter      Account details (logs and errors)
    q          Quit

  Actions (on the selected account):
    s          Start automation
    x          Stop after the current step
    p          Pause / resume
    r          Restart (clears failures and a blocked state)
    ?          Show this help

  Tips:
    - The table refreshes every couple of seconds
    - Blocked accounts need a restart after fixing the login
    - "Today" shows published/daily cap
`

	return title + "\n" + help + "\n" + helpStyle.Render("  Press any key to return")
}
