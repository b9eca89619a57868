package domain

import (
	"fmt"
	"strings"
	"time"
)

// Account representa una cuenta de automatización ligada a un perfil remoto
type Account struct {
	ID             string             `json:"id" yaml:"id"`
	Name           string             `json:"name" yaml:"name"`
	CredentialsRef string             `json:"credentials_ref" yaml:"credentials_ref"` // Handle opaco (normalmente ruta a un cookie file)
	Timezone       string             `json:"timezone,omitempty" yaml:"timezone"`     // IANA, vacío = UTC
	WorkingHours   WorkingHours       `json:"working_hours" yaml:"working_hours"`
	MaxPostsPerDay int                `json:"max_posts_per_day" yaml:"max_posts_per_day"` // 0 = usar el default global
	Interval       PublishingInterval `json:"interval" yaml:"interval"`
	ProxyRef       string             `json:"proxy_ref,omitempty" yaml:"proxy_ref"`
	ProfileID      string             `json:"profile_id,omitempty" yaml:"profile_id"` // Se asigna cuando el perfil remoto se crea

	AutomationEnabled bool      `json:"automation_enabled" yaml:"automation_enabled"` // Arrancar automáticamente al iniciar el daemon
	CreatedAt         time.Time `json:"created_at" yaml:"-"`
	UpdatedAt         time.Time `json:"updated_at" yaml:"-"`
}

// WorkingHours es la ventana de publicación [StartHour, EndHour) en hora local
// de la cuenta. StartHour == EndHour = siempre abierta; StartHour > EndHour
// cruza la medianoche.
type WorkingHours struct {
	StartHour int `json:"start_hour" yaml:"start_hour"`
	EndHour   int `json:"end_hour" yaml:"end_hour"`
}

// PublishingInterval es el hueco entre dos publicaciones de la misma cuenta
type PublishingInterval struct {
	MinHours  float64 `json:"min_hours" yaml:"min_hours"`
	MaxHours  float64 `json:"max_hours" yaml:"max_hours"`
	Randomize bool    `json:"randomize" yaml:"randomize"`
}

// Location resuelve la zona horaria de la cuenta
func (a *Account) Location() (*time.Location, error) {
	if strings.TrimSpace(a.Timezone) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", a.Timezone, ErrConfiguration)
	}
	return loc, nil
}

// Validate revisa los campos que deben ser válidos antes de arrancar la automatización
func (a *Account) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("account id is required: %w", ErrConfiguration)
	}
	if strings.TrimSpace(a.CredentialsRef) == "" {
		return fmt.Errorf("account %s: missing credentials: %w", a.ID, ErrConfiguration)
	}
	if err := a.WorkingHours.Validate(); err != nil {
		return fmt.Errorf("account %s: %w", a.ID, err)
	}
	if err := a.Interval.Validate(); err != nil {
		return fmt.Errorf("account %s: %w", a.ID, err)
	}
	if a.MaxPostsPerDay < 0 {
		return fmt.Errorf("account %s: max posts per day must not be negative: %w", a.ID, ErrConfiguration)
	}
	if _, err := a.Location(); err != nil {
		return fmt.Errorf("account %s: %w", a.ID, err)
	}
	return nil
}

// Validate rechaza horas fuera del día
func (w WorkingHours) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 {
		return fmt.Errorf("invalid working hours start %d: %w", w.StartHour, ErrConfiguration)
	}
	if w.EndHour < 0 || w.EndHour > 24 {
		return fmt.Errorf("invalid working hours end %d: %w", w.EndHour, ErrConfiguration)
	}
	return nil
}

// AlwaysOpen indica si la ventana cubre el día completo
func (w WorkingHours) AlwaysOpen() bool {
	return w.StartHour == w.EndHour || (w.StartHour == 0 && w.EndHour == 24)
}

// Contains indica si la hora local cae dentro de la ventana
func (w WorkingHours) Contains(hour int) bool {
	if w.AlwaysOpen() {
		return true
	}
	if w.StartHour < w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	return hour >= w.StartHour || hour < w.EndHour
}

// NextOpen retorna t si está dentro de la ventana, si no el inicio de la
// siguiente. t debe estar ya en la zona de la cuenta.
func (w WorkingHours) NextOpen(t time.Time) time.Time {
	if w.Contains(t.Hour()) {
		return t
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), w.StartHour, 0, 0, 0, t.Location())
	if !start.After(t) {
		start = time.Date(t.Year(), t.Month(), t.Day()+1, w.StartHour, 0, 0, 0, t.Location())
	}
	return start
}

// Validate rechaza intervalos negativos o invertidos
func (i PublishingInterval) Validate() error {
	if i.MinHours < 0 || i.MaxHours < 0 {
		return fmt.Errorf("publishing interval must not be negative: %w", ErrConfiguration)
	}
	if i.Randomize && i.MaxHours < i.MinHours {
		return fmt.Errorf("publishing interval max %.2fh is below min %.2fh: %w", i.MaxHours, i.MinHours, ErrConfiguration)
	}
	return nil
}

// Bounds convierte el intervalo a duraciones
func (i PublishingInterval) Bounds() (time.Duration, time.Duration) {
	lo := time.Duration(i.MinHours * float64(time.Hour))
	hi := time.Duration(i.MaxHours * float64(time.Hour))
	if !i.Randomize || hi < lo {
		hi = lo
	}
	return lo, hi
}
