package status

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/elsanchez/pupiter/internal/domain"
)

// Update maneja los mensajes y actualiza el modelo
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if h := msg.Height - 12; h > 3 {
			m.table.SetHeight(h)
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(loadStatus(m.source), tick(m.refresh))

	case statusLoadedMsg:
		m.loading = false
		if msg.err != nil {
			m.fetchError = msg.err.Error()
			return m, nil
		}
		m.fetchError = ""
		m.status = msg.status
		m.lastFetch = time.Now()
		m.table.SetRows(rows(msg.status, m.lastFetch))
		return m, nil

	case controlCompleteMsg:
		m.loading = false
		if msg.err != nil {
			m.errorMessage = msg.err.Error()
			m.statusMessage = ""
			return m, loadStatus(m.source)
		}
		m.errorMessage = ""
		m.statusMessage = fmt.Sprintf("✓ %s %s", msg.action, msg.account)
		return m, loadStatus(m.source)

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// handleKeyPress maneja la entrada de teclado
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+c"))) {
		m.quitting = true
		return m, tea.Quit
	}

	switch m.currentView {
	case viewDetail, viewHelp:
		return m.handleDialogKeys(msg)
	}
	return m.handleTableKeys(msg)
}

// handleTableKeys maneja las teclas en la tabla de cuentas
func (m Model) handleTableKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, key.NewBinding(key.WithKeys("q"))):
		m.quitting = true
		return m, tea.Quit

	case key.Matches(msg, key.NewBinding(key.WithKeys("s"))):
		return m.controlSelected("start")

	case key.Matches(msg, key.NewBinding(key.WithKeys("x"))):
		return m.controlSelected("stop")

	case key.Matches(msg, key.NewBinding(key.WithKeys("p"))):
		// Alternar pausa
		if acc, ok := m.selected(); ok && acc.IsPaused {
			return m.controlSelected("resume")
		}
		return m.controlSelected("pause")

	case key.Matches(msg, key.NewBinding(key.WithKeys("r"))):
		return m.controlSelected("restart")

	case key.Matches(msg, key.NewBinding(key.WithKeys("enter"))):
		if _, ok := m.selected(); ok {
			m.currentView = viewDetail
		}
		return m, nil

	case key.Matches(msg, key.NewBinding(key.WithKeys("?"))):
		m.currentView = viewHelp
		return m, nil
	}

	// Navegación de la tabla (↑/↓, j/k, pgup/pgdown)
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) controlSelected(action string) (tea.Model, tea.Cmd) {
	acc, ok := m.selected()
	if !ok {
		return m, nil
	}
	m.loading = true
	m.statusMessage = ""
	return m, control(m.source, action, acc.AccountID, acc.AccountName)
}

// handleDialogKeys maneja las teclas en los diálogos (detalle, ayuda)
func (m Model) handleDialogKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.currentView == viewDetail {
		// Las acciones también funcionan desde el detalle
		switch msg.String() {
		case "s", "x", "p", "r":
			return m.handleTableKeys(msg)
		}
	}
	// Cualquier otra tecla vuelve a la tabla
	m.currentView = viewTable
	return m, nil
}

// rows convierte el estado agregado en filas de la tabla
func rows(st domain.AggregateStatus, now time.Time) []table.Row {
	out := make([]table.Row, 0, len(st.Accounts))
	for _, acc := range st.Accounts {
		state := string(acc.State)
		if acc.IsPaused {
			state += " (paused)"
		} else if !acc.IsRunning && acc.State != domain.StateBlocked && acc.State != domain.StateError {
			state = "stopped"
		}

		today := fmt.Sprintf("%d", acc.PublishedToday)
		if acc.MaxPostsPerDay > 0 {
			today = fmt.Sprintf("%d/%d", acc.PublishedToday, acc.MaxPostsPerDay)
		}

		out = append(out, table.Row{
			acc.AccountName,
			state,
			string(acc.AuthStatus),
			string(acc.ProfileStatus),
			today,
			fmt.Sprintf("%d", acc.TotalPublished),
			fmt.Sprintf("%d", acc.RemainingInQueue),
			nextAttempt(acc.NextAttemptAt, now),
			fmt.Sprintf("%d", acc.ConsecutiveFailures),
		})
	}
	return out
}

func nextAttempt(at *time.Time, now time.Time) string {
	if at == nil {
		return "-"
	}
	d := at.Sub(now)
	if d <= 0 {
		return "now"
	}
	return d.Round(time.Second).String()
}
