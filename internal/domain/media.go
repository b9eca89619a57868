package domain

import (
	"fmt"
	"strings"
	"time"
)

// MediaStatus representa los estados posibles de un item de la cola
type MediaStatus string

const (
	MediaPending    MediaStatus = "pending"
	MediaScheduled  MediaStatus = "scheduled"
	MediaPublishing MediaStatus = "publishing"
	MediaPublished  MediaStatus = "published"
	MediaFailed     MediaStatus = "failed"
)

// Priority ordena los items dentro de una cuenta (mayor primero)
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// ParsePriority acepta low, normal o high (sin distinguir mayúsculas). Vacío = normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q: %w", s, ErrConfiguration)
}

// MediaItem representa un archivo pendiente de publicar para una cuenta
type MediaItem struct {
	ID              string      `json:"id"`
	AccountID       string      `json:"account_id"`
	SourceRef       string      `json:"source_ref"` // Ruta o handle, nunca el contenido
	Caption         string      `json:"caption,omitempty"`
	Status          MediaStatus `json:"status"`
	RetryCount      int         `json:"retry_count"`
	Priority        Priority    `json:"priority"`
	Seq             int64       `json:"seq"` // Orden de inserción (FIFO entre iguales)
	ScheduledAt     *time.Time  `json:"scheduled_at,omitempty"`
	LastError       string      `json:"last_error,omitempty"`
	ExternalPostRef string      `json:"external_post_ref,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	PublishedAt     *time.Time  `json:"published_at,omitempty"`
}

// IsTerminal retorna true si el item ya no será procesado automáticamente
func (m *MediaItem) IsTerminal() bool {
	return m.Status == MediaPublished || m.Status == MediaFailed
}

// DueAt indica si el item es visible para la cola en now
func (m *MediaItem) DueAt(now time.Time) bool {
	return m.ScheduledAt == nil || !m.ScheduledAt.After(now)
}
