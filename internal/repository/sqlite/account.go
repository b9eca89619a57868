package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/elsanchez/pupiter/internal/domain"
	"github.com/elsanchez/pupiter/internal/repository"
)

// AccountRepository implementa repository.AccountRepository usando SQLite
type AccountRepository struct {
	db *sqlx.DB
}

// Compiletime check: asegura que implementa la interfaz
var _ repository.AccountRepository = (*AccountRepository)(nil)

// NewAccountRepository crea un nuevo repositorio de cuentas
func NewAccountRepository(db *sqlx.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// accountRow mapea la tabla SQL a struct Go
type accountRow struct {
	ID                string  `db:"id"`
	Name              string  `db:"name"`
	CredentialsRef    string  `db:"credentials_ref"`
	Timezone          string  `db:"timezone"`
	StartHour         int     `db:"start_hour"`
	EndHour           int     `db:"end_hour"`
	MaxPostsPerDay    int     `db:"max_posts_per_day"`
	IntervalMinHours  float64 `db:"interval_min_hours"`
	IntervalMaxHours  float64 `db:"interval_max_hours"`
	IntervalRandomize int     `db:"interval_randomize"`
	ProxyRef          string  `db:"proxy_ref"`
	ProfileID         string  `db:"profile_id"`
	AutomationEnabled int     `db:"automation_enabled"`
	CreatedAt         int64   `db:"created_at"`
	UpdatedAt         int64   `db:"updated_at"`
}

// Create inserta una nueva cuenta
func (r *AccountRepository) Create(ctx context.Context, acc *domain.Account) error {
	query := `
		INSERT INTO accounts (
			id, name, credentials_ref, timezone, start_hour, end_hour,
			max_posts_per_day, interval_min_hours, interval_max_hours, interval_randomize,
			proxy_ref, profile_id, automation_enabled, created_at, updated_at
		) VALUES (
			:id, :name, :credentials_ref, :timezone, :start_hour, :end_hour,
			:max_posts_per_day, :interval_min_hours, :interval_max_hours, :interval_randomize,
			:proxy_ref, :profile_id, :automation_enabled, :created_at, :updated_at
		)
	`

	now := time.Now()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	if acc.UpdatedAt.IsZero() {
		acc.UpdatedAt = now
	}

	if _, err := r.db.NamedExecContext(ctx, query, accountToRow(acc)); err != nil {
		return mapError("insert account", err)
	}
	return nil
}

// GetByID obtiene una cuenta por ID
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	var row accountRow

	query := `SELECT * FROM accounts WHERE id = ?`
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, mapError("get account "+id, err)
	}

	return accountRowToDomain(&row), nil
}

// GetByName obtiene una cuenta por nombre
func (r *AccountRepository) GetByName(ctx context.Context, name string) (*domain.Account, error) {
	var row accountRow

	query := `SELECT * FROM accounts WHERE name = ?`
	if err := r.db.GetContext(ctx, &row, query, name); err != nil {
		return nil, mapError("get account "+name, err)
	}

	return accountRowToDomain(&row), nil
}

// GetAll obtiene todas las cuentas
func (r *AccountRepository) GetAll(ctx context.Context) ([]*domain.Account, error) {
	var rows []accountRow

	query := `SELECT * FROM accounts ORDER BY name`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("get all accounts: %w", err)
	}

	return accountRowsToDomain(rows), nil
}

// Update actualiza una cuenta completa
func (r *AccountRepository) Update(ctx context.Context, acc *domain.Account) error {
	acc.UpdatedAt = time.Now()

	query := `
		UPDATE accounts
		SET name = :name, credentials_ref = :credentials_ref, timezone = :timezone,
		    start_hour = :start_hour, end_hour = :end_hour, max_posts_per_day = :max_posts_per_day,
		    interval_min_hours = :interval_min_hours, interval_max_hours = :interval_max_hours,
		    interval_randomize = :interval_randomize, proxy_ref = :proxy_ref,
		    profile_id = :profile_id, automation_enabled = :automation_enabled,
		    updated_at = :updated_at
		WHERE id = :id
	`

	result, err := r.db.NamedExecContext(ctx, query, accountToRow(acc))
	if err != nil {
		return mapError("update account", err)
	}
	return requireRow(result, "update account "+acc.ID)
}

// Delete elimina una cuenta (sus items se borran en cascada)
func (r *AccountRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM accounts WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return mapError("delete account", err)
	}
	return requireRow(result, "delete account "+id)
}

// SetProfileID guarda el perfil remoto asignado a la cuenta
func (r *AccountRepository) SetProfileID(ctx context.Context, id, profileID string) error {
	query := `UPDATE accounts SET profile_id = ?, updated_at = ? WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, profileID, time.Now().Unix(), id)
	if err != nil {
		return mapError("set profile id", err)
	}
	return requireRow(result, "set profile id "+id)
}

// SetAutomationEnabled marca si la cuenta arranca sola al iniciar el daemon
func (r *AccountRepository) SetAutomationEnabled(ctx context.Context, id string, enabled bool) error {
	query := `UPDATE accounts SET automation_enabled = ?, updated_at = ? WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, boolToInt(enabled), time.Now().Unix(), id)
	if err != nil {
		return mapError("set automation enabled", err)
	}
	return requireRow(result, "set automation enabled "+id)
}

// Helper: conversión domain → row
func accountToRow(acc *domain.Account) accountRow {
	return accountRow{
		ID:                acc.ID,
		Name:              acc.Name,
		CredentialsRef:    acc.CredentialsRef,
		Timezone:          acc.Timezone,
		StartHour:         acc.WorkingHours.StartHour,
		EndHour:           acc.WorkingHours.EndHour,
		MaxPostsPerDay:    acc.MaxPostsPerDay,
		IntervalMinHours:  acc.Interval.MinHours,
		IntervalMaxHours:  acc.Interval.MaxHours,
		IntervalRandomize: boolToInt(acc.Interval.Randomize),
		ProxyRef:          acc.ProxyRef,
		ProfileID:         acc.ProfileID,
		AutomationEnabled: boolToInt(acc.AutomationEnabled),
		CreatedAt:         toUnix(acc.CreatedAt),
		UpdatedAt:         toUnix(acc.UpdatedAt),
	}
}

// Helper: conversión row → domain
func accountRowToDomain(row *accountRow) *domain.Account {
	return &domain.Account{
		ID:             row.ID,
		Name:           row.Name,
		CredentialsRef: row.CredentialsRef,
		Timezone:       row.Timezone,
		WorkingHours: domain.WorkingHours{
			StartHour: row.StartHour,
			EndHour:   row.EndHour,
		},
		MaxPostsPerDay: row.MaxPostsPerDay,
		Interval: domain.PublishingInterval{
			MinHours:  row.IntervalMinHours,
			MaxHours:  row.IntervalMaxHours,
			Randomize: row.IntervalRandomize == 1,
		},
		ProxyRef:          row.ProxyRef,
		ProfileID:         row.ProfileID,
		AutomationEnabled: row.AutomationEnabled == 1,
		CreatedAt:         time.Unix(row.CreatedAt, 0),
		UpdatedAt:         time.Unix(row.UpdatedAt, 0),
	}
}

// Helper: conversión múltiples rows → domain
func accountRowsToDomain(rows []accountRow) []*domain.Account {
	accounts := make([]*domain.Account, 0, len(rows))

	for i := range rows {
		accounts = append(accounts, accountRowToDomain(&rows[i]))
	}

	return accounts
}
