// Package orchestrator supervisa los controllers de automatización de cada
// cuenta registrada.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/elsanchez/pupiter/internal/automation"
	"github.com/elsanchez/pupiter/internal/clock"
	"github.com/elsanchez/pupiter/internal/domain"
	"github.com/elsanchez/pupiter/internal/driver"
	"github.com/elsanchez/pupiter/internal/logging"
	"github.com/elsanchez/pupiter/internal/profile"
	"github.com/elsanchez/pupiter/internal/queue"
	"github.com/elsanchez/pupiter/internal/ratelimit"
	"github.com/elsanchez/pupiter/internal/repository"
)

// CredentialChecker valida el handle de credenciales de una cuenta antes de
// arrancar su automatización.
type CredentialChecker interface {
	Check(account domain.Account) error
}

// Config contiene los ajustes del supervisor
type Config struct {
	// MaxConcurrent limita cuántas cuentas pueden estar a la vez adquiriendo
	// perfil, autenticando o publicando. 0 = sin límite.
	MaxConcurrent int
	Controller    automation.Config
}

// Deps son los componentes compartidos. Accounts, Media y Credentials son opcionales.
type Deps struct {
	Clock       clock.Clock
	Limiter     *ratelimit.Limiter
	Profiles    *profile.Manager
	Queue       *queue.Queue
	Publisher   driver.PublishDriver
	Accounts    repository.AccountRepository
	Media       repository.MediaRepository
	Credentials CredentialChecker
	Logger      logrus.FieldLogger
}

// Orchestrator es seguro para uso concurrente. Una cuenta que falla nunca
// afecta a las demás; sus errores quedan en su propio status.
type Orchestrator struct {
	cfg   Config
	deps  Deps
	log   *logrus.Entry
	slots chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	controllers map[string]*automation.Controller
}

// New crea el orquestador. Los controllers viven hasta Shutdown.
func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:         cfg,
		deps:        deps,
		log:         logging.Module(deps.Logger, "orchestrator"),
		ctx:         ctx,
		cancel:      cancel,
		controllers: make(map[string]*automation.Controller),
	}
	if cfg.MaxConcurrent > 0 {
		o.slots = make(chan struct{}, cfg.MaxConcurrent)
	}
	if deps.Profiles.OnCreated == nil {
		deps.Profiles.OnCreated = o.profileCreated
	}
	return o
}

// Boot carga cuentas e items de la cola desde storage y arranca cada cuenta
// con la automatización habilitada. Los fallos de Start se loguean.
func (o *Orchestrator) Boot(ctx context.Context) error {
	if o.deps.Accounts != nil {
		accounts, err := o.deps.Accounts.GetAll(ctx)
		if err != nil {
			return fmt.Errorf("load accounts: %w", err)
		}
		for _, acc := range accounts {
			if err := o.Register(ctx, *acc); err != nil {
				logging.LogError(o.log, "orchestrator", "Boot", "register", acc.ID, err)
			}
		}
	}

	recovered, err := o.deps.Queue.Load(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		o.log.WithField("items", recovered).Warn("items interrupted mid-publish marked failed; verify them on the platform")
	}

	for _, acc := range o.Accounts() {
		if !acc.AutomationEnabled {
			continue
		}
		if err := o.Start(ctx, acc.ID); err != nil {
			logging.LogError(o.log, "orchestrator", "Boot", "start", acc.ID, err)
		}
	}
	return nil
}

// Shutdown detiene todos los controllers y espera a que terminen las publicaciones en curso
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.RLock()
	controllers := make([]*automation.Controller, 0, len(o.controllers))
	for _, c := range o.controllers {
		controllers = append(controllers, c)
	}
	o.mu.RUnlock()

	for _, c := range controllers {
		c.Stop()
	}
	var errs []error
	for _, c := range controllers {
		if err := c.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wait %s: %w", c.Account().ID, err))
		}
	}
	o.cancel()
	return errors.Join(errs...)
}

// AddAccount persiste una cuenta nueva y la registra
func (o *Orchestrator) AddAccount(ctx context.Context, acc domain.Account) (domain.Account, error) {
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	if strings.TrimSpace(acc.Name) == "" {
		acc.Name = acc.ID
	}
	if err := acc.Validate(); err != nil {
		return domain.Account{}, err
	}
	if _, exists := o.controller(acc.ID); exists {
		return domain.Account{}, fmt.Errorf("account %s: %w", acc.ID, domain.ErrConflict)
	}

	now := o.deps.Clock.Now()
	acc.CreatedAt, acc.UpdatedAt = now, now
	if o.deps.Accounts != nil {
		if err := o.deps.Accounts.Create(ctx, &acc); err != nil {
			return domain.Account{}, fmt.Errorf("save account: %w", err)
		}
	}
	if err := o.Register(ctx, acc); err != nil {
		return domain.Account{}, err
	}
	return acc, nil
}

// Register instala o refresca el controller de una cuenta sin tocar storage
func (o *Orchestrator) Register(ctx context.Context, acc domain.Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	if err := o.deps.Limiter.SetPolicy(acc); err != nil {
		return err
	}

	o.mu.Lock()
	c, exists := o.controllers[acc.ID]
	if !exists {
		c = automation.New(acc, automation.Deps{
			Clock:     o.deps.Clock,
			Limiter:   o.deps.Limiter,
			Profiles:  o.deps.Profiles,
			Queue:     o.deps.Queue,
			Publisher: o.deps.Publisher,
			Slots:     o.slots,
			Logger:    o.deps.Logger,
		}, o.cfg.Controller)
		o.controllers[acc.ID] = c
	}
	o.mu.Unlock()

	if exists {
		c.SetAccount(acc)
		return nil
	}
	o.seed(ctx, acc)
	return nil
}

// RemoveAccount detiene la cuenta, desmonta su perfil y la borra
func (o *Orchestrator) RemoveAccount(ctx context.Context, accountID string) error {
	c, ok := o.controller(accountID)
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, domain.ErrNotFound)
	}
	c.Stop()
	if err := c.Wait(ctx); err != nil {
		return fmt.Errorf("stop %s: %w", accountID, err)
	}

	acc := c.Account()
	if err := o.deps.Profiles.Teardown(ctx, acc); err != nil {
		logging.LogError(o.log, "orchestrator", "RemoveAccount", "teardown", accountID, err)
	}
	if o.deps.Accounts != nil {
		if err := o.deps.Accounts.Delete(ctx, accountID); err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
	}

	o.mu.Lock()
	delete(o.controllers, accountID)
	o.mu.Unlock()

	o.deps.Profiles.Forget(accountID)
	o.deps.Limiter.Forget(accountID)
	o.deps.Queue.Forget(accountID)
	return nil
}

// Account retorna una cuenta registrada
func (o *Orchestrator) Account(accountID string) (domain.Account, error) {
	c, ok := o.controller(accountID)
	if !ok {
		return domain.Account{}, fmt.Errorf("account %s: %w", accountID, domain.ErrNotFound)
	}
	return c.Account(), nil
}

// Accounts retorna todas las cuentas registradas ordenadas por nombre
func (o *Orchestrator) Accounts() []domain.Account {
	o.mu.RLock()
	out := make([]domain.Account, 0, len(o.controllers))
	for _, c := range o.controllers {
		out = append(out, c.Account())
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Start lanza la automatización de la cuenta. Arrancar dos veces no hace nada.
func (o *Orchestrator) Start(ctx context.Context, accountID string) error {
	c, ok := o.controller(accountID)
	if !ok {
		return fmt.Errorf("start %s: %w", accountID, domain.ErrNotFound)
	}
	acc := c.Account()
	if err := o.checkCredentials(acc); err != nil {
		return err
	}
	if err := c.Start(o.ctx); err != nil {
		return err
	}
	o.setAutomationEnabled(ctx, c, true)
	return nil
}

// Stop estaciona la cuenta tras su estado actual. Detener dos veces no hace nada.
func (o *Orchestrator) Stop(ctx context.Context, accountID string) error {
	c, ok := o.controller(accountID)
	if !ok {
		return fmt.Errorf("stop %s: %w", accountID, domain.ErrNotFound)
	}
	c.Stop()
	o.setAutomationEnabled(ctx, c, false)
	return nil
}

// Pause retiene la cuenta en el siguiente límite de estado
func (o *Orchestrator) Pause(accountID string) error {
	c, ok := o.controller(accountID)
	if !ok {
		return fmt.Errorf("pause %s: %w", accountID, domain.ErrNotFound)
	}
	c.Pause()
	return nil
}

// Resume libera una cuenta pausada
func (o *Orchestrator) Resume(accountID string) error {
	c, ok := o.controller(accountID)
	if !ok {
		return fmt.Errorf("resume %s: %w", accountID, domain.ErrNotFound)
	}
	c.Resume()
	return nil
}

// Restart limpia el estado de fallo de la cuenta y la vuelve a correr
func (o *Orchestrator) Restart(ctx context.Context, accountID string) error {
	c, ok := o.controller(accountID)
	if !ok {
		return fmt.Errorf("restart %s: %w", accountID, domain.ErrNotFound)
	}
	if err := o.checkCredentials(c.Account()); err != nil {
		return err
	}
	if err := c.Restart(o.ctx); err != nil {
		return err
	}
	o.setAutomationEnabled(ctx, c, true)
	return nil
}

// Push encola media para una cuenta registrada
func (o *Orchestrator) Push(ctx context.Context, item domain.MediaItem) (domain.MediaItem, error) {
	if _, ok := o.controller(item.AccountID); !ok {
		return domain.MediaItem{}, fmt.Errorf("push to %s: %w", item.AccountID, domain.ErrNotFound)
	}
	return o.deps.Queue.Push(ctx, item)
}

// Items lista la cola de la cuenta; un id vacío lista todas.
func (o *Orchestrator) Items(accountID string) []domain.MediaItem {
	return o.deps.Queue.List(accountID)
}

// Requeue rearma un item fallido
func (o *Orchestrator) Requeue(itemID string) (domain.MediaItem, error) {
	return o.deps.Queue.Requeue(itemID)
}

// RemoveItem borra un item que no se está publicando
func (o *Orchestrator) RemoveItem(itemID string) error {
	return o.deps.Queue.Remove(itemID)
}

// Status combina el snapshot de todas las cuentas
func (o *Orchestrator) Status() domain.AggregateStatus {
	o.mu.RLock()
	controllers := make([]*automation.Controller, 0, len(o.controllers))
	for _, c := range o.controllers {
		controllers = append(controllers, c)
	}
	o.mu.RUnlock()

	agg := domain.AggregateStatus{
		Accounts:    make([]domain.AccountRuntimeStatus, 0, len(controllers)),
		GeneratedAt: o.deps.Clock.Now(),
	}
	for _, c := range controllers {
		st := c.Status()
		if st.IsRunning {
			agg.Running++
		}
		if st.IsPaused {
			agg.Paused++
		}
		agg.Accounts = append(agg.Accounts, st)
	}
	sort.Slice(agg.Accounts, func(i, j int) bool {
		a, b := agg.Accounts[i], agg.Accounts[j]
		if a.AccountName != b.AccountName {
			return a.AccountName < b.AccountName
		}
		return a.AccountID < b.AccountID
	})

	agg.ActiveProfiles, agg.TotalProfiles = o.deps.Profiles.Counts()
	if o.slots != nil {
		agg.BusySlots = len(o.slots)
		agg.MaxConcurrent = cap(o.slots)
	}
	return agg
}

// AccountStatus retorna el snapshot de una cuenta
func (o *Orchestrator) AccountStatus(accountID string) (domain.AccountRuntimeStatus, error) {
	c, ok := o.controller(accountID)
	if !ok {
		return domain.AccountRuntimeStatus{}, fmt.Errorf("status %s: %w", accountID, domain.ErrNotFound)
	}
	return c.Status(), nil
}

func (o *Orchestrator) controller(accountID string) (*automation.Controller, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.controllers[accountID]
	return c, ok
}

func (o *Orchestrator) checkCredentials(acc domain.Account) error {
	if o.deps.Credentials == nil {
		return nil
	}
	if err := o.deps.Credentials.Check(acc); err != nil {
		return fmt.Errorf("account %s credentials: %w", acc.ID, err)
	}
	return nil
}

// seed restaura los contadores del limiter desde el historial publicado
func (o *Orchestrator) seed(ctx context.Context, acc domain.Account) {
	if o.deps.Media == nil {
		return
	}
	loc, err := acc.Location()
	if err != nil {
		return
	}
	now := o.deps.Clock.Now().In(loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	today, err := o.deps.Media.CountPublishedSince(ctx, acc.ID, midnight)
	if err != nil {
		logging.LogError(o.log, "orchestrator", "seed", "count today", acc.ID, err)
		return
	}
	total, err := o.deps.Media.CountPublished(ctx, acc.ID)
	if err != nil {
		logging.LogError(o.log, "orchestrator", "seed", "count total", acc.ID, err)
		return
	}
	var last time.Time
	if at, err := o.deps.Media.LastPublishedAt(ctx, acc.ID); err == nil && at != nil {
		last = *at
	}
	o.deps.Limiter.Seed(acc.ID, today, total, last)
}

func (o *Orchestrator) setAutomationEnabled(ctx context.Context, c *automation.Controller, enabled bool) {
	acc := c.Account()
	if acc.AutomationEnabled == enabled {
		return
	}
	acc.AutomationEnabled = enabled
	c.SetAccount(acc)
	if o.deps.Accounts == nil {
		return
	}
	if err := o.deps.Accounts.SetAutomationEnabled(ctx, acc.ID, enabled); err != nil {
		logging.LogError(o.log, "orchestrator", "setAutomationEnabled", "persist", acc.ID, err)
	}
}

// profileCreated persiste en la cuenta el id de un perfil remoto nuevo
func (o *Orchestrator) profileCreated(ctx context.Context, accountID string, h driver.ProfileHandle) {
	if c, ok := o.controller(accountID); ok {
		acc := c.Account()
		acc.ProfileID = h.ID
		c.SetAccount(acc)
	}
	if o.deps.Accounts == nil {
		return
	}
	if err := o.deps.Accounts.SetProfileID(ctx, accountID, h.ID); err != nil {
		logging.LogError(o.log, "orchestrator", "profileCreated", "persist", accountID, err)
	}
}
