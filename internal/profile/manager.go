// Package profile maneja el ciclo de vida del perfil de navegador remoto
// ligado a cada cuenta.
//
// El estado avanza None -> Creating -> Created -> Running y vuelve a Created
// cuando se cierra la sesión. Un fallo del driver deja el perfil en Error
// (inutilizable) o Stopped (no se pudo abrir la sesión); el siguiente Ensure
// es el reintento explícito del llamador. Sólo Teardown lo devuelve a None.
package profile

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/elsanchez/pupiter/internal/domain"
	"github.com/elsanchez/pupiter/internal/driver"
	"github.com/elsanchez/pupiter/internal/logging"
)

type entry struct {
	// op serializa Ensure, sesiones y Teardown de una cuenta. El backend
	// remoto no soporta sesiones concurrentes sobre un perfil.
	op sync.Mutex

	// protegido por Manager.mu
	status  domain.ProfileStatus
	handle  driver.ProfileHandle
	lastErr error
}

// Manager es seguro para uso concurrente
type Manager struct {
	drv driver.BrowserProfileDriver
	log *logrus.Entry

	// OnCreated, si está definido, se llama tras crear un perfil remoto para
	// que el llamador persista su id. Corre con el lock op de la cuenta.
	OnCreated func(ctx context.Context, accountID string, h driver.ProfileHandle)

	mu      sync.Mutex
	entries map[string]*entry
}

// New crea el manager de perfiles
func New(drv driver.BrowserProfileDriver, logger logrus.FieldLogger) *Manager {
	return &Manager{
		drv:     drv,
		log:     logging.Module(logger, "profile"),
		entries: make(map[string]*entry),
	}
}

// Ensure retorna un perfil usable para la cuenta y lo crea a lo sumo una vez
// aunque compitan varios llamadores.
func (m *Manager) Ensure(ctx context.Context, account domain.Account) (driver.ProfileHandle, error) {
	e := m.entry(account.ID)
	e.op.Lock()
	defer e.op.Unlock()
	return m.ensureLocked(ctx, e, account)
}

func (m *Manager) ensureLocked(ctx context.Context, e *entry, account domain.Account) (driver.ProfileHandle, error) {
	status, handle := m.read(e)
	if status == domain.ProfileCreated || status == domain.ProfileRunning {
		return handle, nil
	}

	candidate := handle
	if candidate.Empty() && account.ProfileID != "" {
		candidate = driver.ProfileHandle{ID: account.ProfileID}
	}
	if !candidate.Empty() && m.drv.IsHealthy(ctx, candidate) {
		m.set(e, domain.ProfileCreated, candidate, nil)
		m.log.WithFields(logrus.Fields{"account": account.ID, "profile": candidate.ID}).Debug("profile reused")
		return candidate, nil
	}

	m.set(e, domain.ProfileCreating, driver.ProfileHandle{}, nil)
	h, err := m.drv.Create(ctx, account)
	if err != nil {
		m.set(e, domain.ProfileError, driver.ProfileHandle{}, err)
		return driver.ProfileHandle{}, fmt.Errorf("create profile for %s: %w", account.ID, err)
	}

	m.set(e, domain.ProfileCreated, h, nil)
	m.log.WithFields(logrus.Fields{"account": account.ID, "profile": h.ID}).Info("profile created")
	if m.OnCreated != nil {
		m.OnCreated(ctx, account.ID, h)
	}
	return h, nil
}

// WithSession asegura el perfil, abre una sesión, ejecuta fn y la cierra. El
// perfil está Running mientras corre fn. Si fn u Open reportan la cuenta
// bloqueada, el perfil termina en Error.
func (m *Manager) WithSession(ctx context.Context, account domain.Account, fn func(driver.Session) error) error {
	e := m.entry(account.ID)
	e.op.Lock()
	defer e.op.Unlock()

	h, err := m.ensureLocked(ctx, e, account)
	if err != nil {
		return err
	}

	s, err := m.drv.Open(ctx, h)
	if err != nil {
		status := domain.ProfileStopped
		if domain.IsBlocked(err) {
			status = domain.ProfileError
		}
		m.set(e, status, h, err)
		return fmt.Errorf("open session for %s: %w", account.ID, err)
	}
	m.set(e, domain.ProfileRunning, h, nil)

	fnErr := fn(s)

	if err := m.drv.Close(context.WithoutCancel(ctx), s); err != nil {
		m.log.WithFields(logrus.Fields{"account": account.ID, "profile": h.ID}).WithError(err).Warn("close session")
	}
	if domain.IsBlocked(fnErr) {
		m.set(e, domain.ProfileError, h, fnErr)
	} else {
		m.set(e, domain.ProfileCreated, h, nil)
	}
	return fnErr
}

// Teardown borra el perfil remoto si el backend lo soporta y deja la cuenta
// en None.
func (m *Manager) Teardown(ctx context.Context, account domain.Account) error {
	e := m.entry(account.ID)
	e.op.Lock()
	defer e.op.Unlock()

	_, handle := m.read(e)
	if handle.Empty() && account.ProfileID != "" {
		handle = driver.ProfileHandle{ID: account.ProfileID}
	}
	if !handle.Empty() {
		if deleter, ok := m.drv.(driver.ProfileDeleter); ok {
			if err := deleter.Delete(ctx, handle); err != nil {
				return fmt.Errorf("delete profile %s: %w", handle.ID, err)
			}
		}
	}
	m.set(e, domain.ProfileNone, driver.ProfileHandle{}, nil)
	return nil
}

// Forget descarta la entrada de la cuenta. Llamar tras Teardown al borrarla.
func (m *Manager) Forget(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, accountID)
}

// Status retorna el estado del perfil; cuentas desconocidas están en None.
func (m *Manager) Status(accountID string) domain.ProfileStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[accountID]; ok {
		return e.status
	}
	return domain.ProfileNone
}

// LastError retorna el error del driver que dejó el perfil en Error o Stopped
func (m *Manager) LastError(accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[accountID]; ok {
		return e.lastErr
	}
	return nil
}

// Counts retorna cuántos perfiles tienen sesión abierta y cuántos existen
func (m *Manager) Counts() (active, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.status == domain.ProfileRunning {
			active++
		}
		if !e.handle.Empty() {
			total++
		}
	}
	return active, total
}

func (m *Manager) entry(accountID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[accountID]
	if !ok {
		e = &entry{status: domain.ProfileNone}
		m.entries[accountID] = e
	}
	return e
}

func (m *Manager) read(e *entry) (domain.ProfileStatus, driver.ProfileHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.status, e.handle
}

func (m *Manager) set(e *entry, status domain.ProfileStatus, h driver.ProfileHandle, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.status = status
	e.handle = h
	e.lastErr = err
}
