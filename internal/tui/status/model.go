// Package status es el dashboard de terminal de pupiterd: una fila por
// cuenta, refrescada consultando al daemon.
package status

import (
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/elsanchez/pupiter/internal/domain"
)

// DefaultRefresh es el intervalo de polling del dashboard
const DefaultRefresh = 2 * time.Second

// Source es lo que el dashboard necesita del daemon
type Source interface {
	Status() (domain.AggregateStatus, error)
	Control(action, accountRef string) (domain.AccountRuntimeStatus, error)
}

// view representa las distintas pantallas de la TUI
type view int

const (
	viewTable view = iota
	viewDetail
	viewHelp
)

// Model es el modelo Bubbletea del dashboard
type Model struct {
	// Navegación
	currentView view
	width       int
	height      int
	quitting    bool

	// Dependencias
	source  Source
	refresh time.Duration

	// Estado
	status    domain.AggregateStatus
	lastFetch time.Time

	// Componentes
	table   table.Model
	spinner spinner.Model

	// Estado de UI
	loading       bool
	statusMessage string
	errorMessage  string
	fetchError    string // último fallo al consultar el daemon
}

var columns = []table.Column{
	{Title: "Account", Width: 18},
	{Title: "State", Width: 18},
	{Title: "Auth", Width: 14},
	{Title: "Profile", Width: 9},
	{Title: "Today", Width: 7},
	{Title: "Total", Width: 6},
	{Title: "Queue", Width: 6},
	{Title: "Next", Width: 10},
	{Title: "Fails", Width: 5},
}

// NewModel crea el modelo del dashboard. refresh <= 0 usa DefaultRefresh.
func NewModel(src Source, refresh time.Duration) Model {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	t.SetStyles(tableStyles())

	return Model{
		currentView: viewTable,
		source:      src,
		refresh:     refresh,
		table:       t,
		spinner:     s,
		loading:     true,
	}
}

// Init inicializa el modelo
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		loadStatus(m.source),
		tick(m.refresh),
		m.spinner.Tick,
	)
}

// selected retorna la cuenta bajo el cursor
func (m Model) selected() (domain.AccountRuntimeStatus, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.status.Accounts) {
		return domain.AccountRuntimeStatus{}, false
	}
	return m.status.Accounts[i], true
}
