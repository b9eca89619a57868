// Package driver define los colaboradores con los que habla el scheduler: el
// backend remoto de automatización de navegador, dueño de perfiles y
// sesiones, y el publicador de la plataforma que corre dentro de una sesión.
package driver

import (
	"context"

	"github.com/elsanchez/pupiter/internal/domain"
)

// ProfileHandle identifica un perfil remoto ya creado
type ProfileHandle struct {
	ID string `json:"id"`
}

// Empty indica si el handle no apunta a nada
func (h ProfileHandle) Empty() bool { return h.ID == "" }

// Session es una sesión de navegador abierta sobre un perfil
type Session interface {
	Profile() ProfileHandle
}

// BrowserProfileDriver maneja perfiles de navegador remotos
type BrowserProfileDriver interface {
	// Create crea un perfil remoto para la cuenta
	Create(ctx context.Context, account domain.Account) (ProfileHandle, error)

	// Open abre una sesión de navegador sobre el perfil
	Open(ctx context.Context, profile ProfileHandle) (Session, error)

	// Close cierra la sesión
	Close(ctx context.Context, session Session) error

	// IsHealthy verifica que el perfil siga siendo utilizable
	IsHealthy(ctx context.Context, profile ProfileHandle) bool
}

// ProfileDeleter lo implementan los backends que pueden borrar un perfil
type ProfileDeleter interface {
	Delete(ctx context.Context, profile ProfileHandle) error
}

// PublishResult es el resultado de un intento de publicación
type PublishResult struct {
	OK              bool
	ExternalPostRef string
	Err             error
}

// PublishDriver habla con la plataforma a través de una sesión abierta
type PublishDriver interface {
	// CheckLogin verifica que la sesión esté autenticada. Retorna un error
	// envuelto en domain.ErrAccountBlocked si la plataforma bloqueó la cuenta.
	CheckLogin(ctx context.Context, session Session) error

	// Publish publica el item y retorna el resultado
	Publish(ctx context.Context, session Session, item domain.MediaItem) PublishResult
}

// BasicSession es una Session que sólo lleva su perfil
type BasicSession struct {
	Handle ProfileHandle
	Ref    string // identificador de sesión del backend, si existe
}

func (s *BasicSession) Profile() ProfileHandle { return s.Handle }
