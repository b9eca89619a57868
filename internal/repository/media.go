package repository

import (
	"context"
	"time"

	"github.com/elsanchez/pupiter/internal/domain"
)

// MediaRepository define las operaciones sobre items de la cola
type MediaRepository interface {
	// CRUD básico. Save inserta o reemplaza el item completo.
	Save(ctx context.Context, item *domain.MediaItem) error
	GetByID(ctx context.Context, id string) (*domain.MediaItem, error)
	Delete(ctx context.Context, id string) error

	// Queries especializadas
	GetAll(ctx context.Context) ([]*domain.MediaItem, error)
	GetByAccount(ctx context.Context, accountID string) ([]*domain.MediaItem, error)
	GetBySourceRef(ctx context.Context, accountID, sourceRef string) (*domain.MediaItem, error)

	// Estadísticas
	CountPublishedSince(ctx context.Context, accountID string, since time.Time) (int, error)
	CountPublished(ctx context.Context, accountID string) (int, error)
	LastPublishedAt(ctx context.Context, accountID string) (*time.Time, error)
}
