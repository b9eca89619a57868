package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/elsanchez/pupiter/internal/domain"
	"github.com/elsanchez/pupiter/internal/repository"
)

// MediaRepository implementa repository.MediaRepository usando SQLite
type MediaRepository struct {
	db *sqlx.DB
}

// Compiletime check: asegura que implementa la interfaz
var _ repository.MediaRepository = (*MediaRepository)(nil)

// NewMediaRepository crea un nuevo repositorio de items
func NewMediaRepository(db *sqlx.DB) *MediaRepository {
	return &MediaRepository{db: db}
}

// mediaRow mapea la tabla SQL a struct Go
type mediaRow struct {
	ID              string        `db:"id"`
	AccountID       string        `db:"account_id"`
	SourceRef       string        `db:"source_ref"`
	Caption         string        `db:"caption"`
	Status          string        `db:"status"`
	RetryCount      int           `db:"retry_count"`
	Priority        int           `db:"priority"`
	Seq             int64         `db:"seq"`
	ScheduledAt     sql.NullInt64 `db:"scheduled_at"`
	LastError       string        `db:"last_error"`
	ExternalPostRef string        `db:"external_post_ref"`
	CreatedAt       int64         `db:"created_at"`
	PublishedAt     sql.NullInt64 `db:"published_at"`
}

// Save inserta el item o reemplaza su estado si ya existe
func (r *MediaRepository) Save(ctx context.Context, item *domain.MediaItem) error {
	query := `
		INSERT INTO media_items (
			id, account_id, source_ref, caption, status, retry_count, priority, seq,
			scheduled_at, last_error, external_post_ref, created_at, published_at
		) VALUES (
			:id, :account_id, :source_ref, :caption, :status, :retry_count, :priority, :seq,
			:scheduled_at, :last_error, :external_post_ref, :created_at, :published_at
		)
		ON CONFLICT(id) DO UPDATE SET
			caption = excluded.caption,
			status = excluded.status,
			retry_count = excluded.retry_count,
			priority = excluded.priority,
			scheduled_at = excluded.scheduled_at,
			last_error = excluded.last_error,
			external_post_ref = excluded.external_post_ref,
			published_at = excluded.published_at
	`

	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	if _, err := r.db.NamedExecContext(ctx, query, mediaToRow(item)); err != nil {
		return mapError("save media item", err)
	}
	return nil
}

// GetByID obtiene un item por ID
func (r *MediaRepository) GetByID(ctx context.Context, id string) (*domain.MediaItem, error) {
	var row mediaRow

	query := `SELECT * FROM media_items WHERE id = ?`
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, mapError("get media item "+id, err)
	}

	return mediaRowToDomain(&row), nil
}

// Delete elimina un item
func (r *MediaRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM media_items WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return mapError("delete media item", err)
	}
	return requireRow(result, "delete media item "+id)
}

// GetAll obtiene todos los items en orden de llegada
func (r *MediaRepository) GetAll(ctx context.Context) ([]*domain.MediaItem, error) {
	var rows []mediaRow

	query := `SELECT * FROM media_items ORDER BY seq`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("get all media items: %w", err)
	}

	return mediaRowsToDomain(rows), nil
}

// GetByAccount obtiene los items de una cuenta
func (r *MediaRepository) GetByAccount(ctx context.Context, accountID string) ([]*domain.MediaItem, error) {
	var rows []mediaRow

	query := `SELECT * FROM media_items WHERE account_id = ? ORDER BY seq`
	if err := r.db.SelectContext(ctx, &rows, query, accountID); err != nil {
		return nil, fmt.Errorf("get media items by account: %w", err)
	}

	return mediaRowsToDomain(rows), nil
}

// GetBySourceRef busca si un archivo ya fue encolado para la cuenta
func (r *MediaRepository) GetBySourceRef(ctx context.Context, accountID, sourceRef string) (*domain.MediaItem, error) {
	var row mediaRow

	query := `SELECT * FROM media_items WHERE account_id = ? AND source_ref = ?`
	if err := r.db.GetContext(ctx, &row, query, accountID, sourceRef); err != nil {
		return nil, mapError("get media item by source", err)
	}

	return mediaRowToDomain(&row), nil
}

// CountPublishedSince cuenta publicaciones desde un instante (ej. medianoche local)
func (r *MediaRepository) CountPublishedSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	var count int

	query := `
		SELECT COUNT(*) FROM media_items
		WHERE account_id = ? AND status = ? AND published_at >= ?
	`
	if err := r.db.GetContext(ctx, &count, query, accountID, string(domain.MediaPublished), since.Unix()); err != nil {
		return 0, fmt.Errorf("count published since: %w", err)
	}

	return count, nil
}

// CountPublished cuenta todas las publicaciones de la cuenta
func (r *MediaRepository) CountPublished(ctx context.Context, accountID string) (int, error) {
	var count int

	query := `SELECT COUNT(*) FROM media_items WHERE account_id = ? AND status = ?`
	if err := r.db.GetContext(ctx, &count, query, accountID, string(domain.MediaPublished)); err != nil {
		return 0, fmt.Errorf("count published: %w", err)
	}

	return count, nil
}

// LastPublishedAt devuelve la última publicación, nil si nunca publicó
func (r *MediaRepository) LastPublishedAt(ctx context.Context, accountID string) (*time.Time, error) {
	var last sql.NullInt64

	query := `
		SELECT MAX(published_at) FROM media_items
		WHERE account_id = ? AND status = ?
	`
	if err := r.db.GetContext(ctx, &last, query, accountID, string(domain.MediaPublished)); err != nil {
		return nil, fmt.Errorf("last published at: %w", err)
	}

	return fromNullUnix(last), nil
}

// Helper: conversión domain → row
func mediaToRow(item *domain.MediaItem) mediaRow {
	return mediaRow{
		ID:              item.ID,
		AccountID:       item.AccountID,
		SourceRef:       item.SourceRef,
		Caption:         item.Caption,
		Status:          string(item.Status),
		RetryCount:      item.RetryCount,
		Priority:        int(item.Priority),
		Seq:             item.Seq,
		ScheduledAt:     toNullUnix(item.ScheduledAt),
		LastError:       item.LastError,
		ExternalPostRef: item.ExternalPostRef,
		CreatedAt:       toUnix(item.CreatedAt),
		PublishedAt:     toNullUnix(item.PublishedAt),
	}
}

// Helper: conversión row → domain
func mediaRowToDomain(row *mediaRow) *domain.MediaItem {
	return &domain.MediaItem{
		ID:              row.ID,
		AccountID:       row.AccountID,
		SourceRef:       row.SourceRef,
		Caption:         row.Caption,
		Status:          domain.MediaStatus(row.Status),
		RetryCount:      row.RetryCount,
		Priority:        domain.Priority(row.Priority),
		Seq:             row.Seq,
		ScheduledAt:     fromNullUnix(row.ScheduledAt),
		LastError:       row.LastError,
		ExternalPostRef: row.ExternalPostRef,
		CreatedAt:       time.Unix(row.CreatedAt, 0),
		PublishedAt:     fromNullUnix(row.PublishedAt),
	}
}

// Helper: conversión múltiples rows → domain
func mediaRowsToDomain(rows []mediaRow) []*domain.MediaItem {
	items := make([]*domain.MediaItem, 0, len(rows))

	for i := range rows {
		items = append(items, mediaRowToDomain(&rows[i]))
	}

	return items
}
