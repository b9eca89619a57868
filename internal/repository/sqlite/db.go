package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	gosqlite3 "github.com/mattn/go-sqlite3"

	"github.com/elsanchez/pupiter/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DBFile es el nombre del archivo dentro del data dir
const DBFile = "pupiter.db"

// Database encapsula la conexión a SQLite
type Database struct {
	DB          *sqlx.DB
	AccountRepo *AccountRepository
	MediaRepo   *MediaRepository
	sqlDB       *sql.DB // Para migrations
}

// NewDatabase crea una nueva base de datos y ejecuta migrations
func NewDatabase(dataDir string) (*Database, error) {
	// Crear directorio de datos si no existe
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFile)

	// Abrir con database/sql (para migrations). Las foreign keys se activan por conexión.
	sqlDB, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Ejecutar migrations
	if err := runMigrations(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	// Abrir con sqlx (para queries)
	db := sqlx.NewDb(sqlDB, "sqlite3")

	// Configuraciones SQLite
	db.SetMaxOpenConns(1) // SQLite no soporta concurrencia de escritura

	// Inicializar repositorios
	database := &Database{
		DB:          db,
		sqlDB:       sqlDB,
		AccountRepo: NewAccountRepository(db),
		MediaRepo:   NewMediaRepository(db),
	}

	return database, nil
}

// runMigrations ejecuta las migraciones usando golang-migrate
func runMigrations(db *sql.DB) error {
	// Driver para SQLite
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	// Source desde filesystem embebido
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	// Crear migrator
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	// Ejecutar migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close cierra la conexión a la base de datos
func (d *Database) Close() error {
	return d.DB.Close()
}

// mapError traduce errores de SQLite a la taxonomía del dominio
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	var sqliteErr gosqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == gosqlite3.ErrConstraint {
		return fmt.Errorf("%s: %v: %w", op, err, domain.ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Helpers de timestamps (segundos Unix, como el resto del esquema)
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func toNullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// requireRow devuelve ErrNotFound si la sentencia no afectó ninguna fila
func requireRow(result sql.Result, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return nil
}
