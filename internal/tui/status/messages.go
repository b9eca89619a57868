package status

import (
	"time"

	"github.com/elsanchez/pupiter/internal/domain"
)

// Tipos de mensaje para operaciones asíncronas

type statusLoadedMsg struct {
	status domain.AggregateStatus
	err    error
}

type controlCompleteMsg struct {
	action  string
	account string
	err     error
}

type tickMsg time.Time
