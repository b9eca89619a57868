package domain

import "time"

// ProfileStatus es el estado del ciclo de vida del perfil de navegador remoto
type ProfileStatus string

const (
	ProfileNone     ProfileStatus = "none"
	ProfileCreating ProfileStatus = "creating"
	ProfileCreated  ProfileStatus = "created"
	ProfileRunning  ProfileStatus = "running"
	ProfileStopped  ProfileStatus = "stopped"
	ProfileError    ProfileStatus = "error"
)

// AuthStatus es el estado de login de la cuenta en la plataforma
type AuthStatus string

const (
	AuthNotConnected  AuthStatus = "not_connected"
	AuthConnecting    AuthStatus = "connecting"
	AuthAuthenticated AuthStatus = "authenticated"
	AuthError         AuthStatus = "error"
	AuthBlocked       AuthStatus = "blocked"
)

// QueueStatus resume la cola de la cuenta para los pollers
type QueueStatus string

const (
	QueueEmpty   QueueStatus = "empty"
	QueueReady   QueueStatus = "ready"
	QueueRunning QueueStatus = "running"
	QueuePaused  QueueStatus = "paused"
)

// ControllerState es el estado del ciclo de automatización de una cuenta
type ControllerState string

const (
	StateIdle             ControllerState = "idle"
	StateAcquiringProfile ControllerState = "acquiring_profile"
	StateAuthenticating   ControllerState = "authenticating"
	StateAwaitingPermit   ControllerState = "awaiting_permit"
	StatePublishing       ControllerState = "publishing"
	StateCooldown         ControllerState = "cooldown"
	StateError            ControllerState = "error"
	StateBlocked          ControllerState = "blocked"
	StateStopped          ControllerState = "stopped"
)

// Busy indica si el estado ocupa uno de los slots globales de concurrencia
func (s ControllerState) Busy() bool {
	switch s {
	case StateAcquiringProfile, StateAuthenticating, StateAwaitingPermit, StatePublishing:
		return true
	}
	return false
}

// Terminal indica si el controller necesita un restart explícito
func (s ControllerState) Terminal() bool {
	return s == StateError || s == StateBlocked
}

// AccountRuntimeStatus es el snapshot derivado que se expone a los pollers
type AccountRuntimeStatus struct {
	AccountID           string          `json:"account_id"`
	AccountName         string          `json:"account_name"`
	IsRunning           bool            `json:"is_running"`
	IsPaused            bool            `json:"is_paused"`
	State               ControllerState `json:"state"`
	ProfileStatus       ProfileStatus   `json:"profile_status"`
	AuthStatus          AuthStatus      `json:"auth_status"`
	QueueStatus         QueueStatus     `json:"queue_status"`
	PublishedToday      int             `json:"published_today"`
	MaxPostsPerDay      int             `json:"max_posts_per_day"`
	TotalPublished      int             `json:"total_published"`
	RemainingInQueue    int             `json:"remaining_in_queue"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	NextAttemptAt       *time.Time      `json:"next_attempt_at,omitempty"`
	LastPublishedAt     *time.Time      `json:"last_published_at,omitempty"`
	Errors              []string        `json:"errors"`
	Logs                []string        `json:"logs"`
}

// AggregateStatus combina el snapshot de todas las cuentas para el dashboard
type AggregateStatus struct {
	Accounts       []AccountRuntimeStatus `json:"accounts"`
	ActiveProfiles int                    `json:"active_profiles"`
	TotalProfiles  int                    `json:"total_profiles"`
	Running        int                    `json:"running"`
	Paused         int                    `json:"paused"`
	BusySlots      int                    `json:"busy_slots"`
	MaxConcurrent  int                    `json:"max_concurrent"`
	GeneratedAt    time.Time              `json:"generated_at"`
}
