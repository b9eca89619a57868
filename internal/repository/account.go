package repository

import (
	"context"

	"github.com/elsanchez/pupiter/internal/domain"
)

// AccountRepository define las operaciones sobre cuentas
type AccountRepository interface {
	// CRUD básico
	Create(ctx context.Context, acc *domain.Account) error
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	Update(ctx context.Context, acc *domain.Account) error
	Delete(ctx context.Context, id string) error

	// Queries especializadas
	GetByName(ctx context.Context, name string) (*domain.Account, error)
	GetAll(ctx context.Context) ([]*domain.Account, error)

	// Updates parciales
	SetProfileID(ctx context.Context, id, profileID string) error
	SetAutomationEnabled(ctx context.Context, id string, enabled bool) error
}
