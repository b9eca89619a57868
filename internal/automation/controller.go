// Package automation corre el ciclo de publicación de una cuenta.
//
// Un Controller posee una goroutine que recorre
//
//	Idle -> AcquiringProfile -> Authenticating -> AwaitingPermit -> Publishing -> Cooldown -> Idle
//
// Los pedidos de control (pause, resume, stop, restart) sólo marcan flags y
// despiertan el loop; se aplican entre estados, nunca en medio de una llamada
// a Publish. Por eso un intento siempre termina Published o Failed.
package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/elsanchez/pupiter/internal/clock"
	"github.com/elsanchez/pupiter/internal/domain"
	"github.com/elsanchez/pupiter/internal/driver"
	"github.com/elsanchez/pupiter/internal/logging"
	"github.com/elsanchez/pupiter/internal/ratelimit"
)

// forever indica al loop que espere una señal sin timer
const forever time.Duration = -1

// Limiter es el rate limiter visto desde un controller
type Limiter interface {
	Check(accountID string) ratelimit.Decision
	Acquire(accountID string) ratelimit.Decision
	Commit(accountID string) time.Duration
	Cancel(accountID string)
	Usage(accountID string) (ratelimit.Usage, bool)
}

// Profiles es el manager de perfiles visto desde un controller
type Profiles interface {
	WithSession(ctx context.Context, account domain.Account, fn func(driver.Session) error) error
	Status(accountID string) domain.ProfileStatus
}

// Queue es la cola de contenido vista desde un controller
type Queue interface {
	Peek(accountID string) (domain.MediaItem, bool)
	NextDue(accountID string) (time.Time, bool)
	MarkPublishing(itemID string) error
	MarkPublished(itemID, externalRef string) error
	MarkFailed(itemID string, cause error) (bool, error)
	Release(itemID, reason string) error
	Len(accountID string) int
	Wake(accountID string) <-chan struct{}
}

// Config ajusta el manejo de fallos
type Config struct {
	FailureThreshold int           // fallos consecutivos tolerados antes de Error
	RetryBase        time.Duration // backoff tras un fallo de perfil o login
	RetryCap         time.Duration
	PublishTimeout   time.Duration // tope de una llamada a Publish
	LogSize          int
	ErrorSize        int
}

// DefaultConfig retorna los ajustes usados cuando no hay configuración
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		RetryBase:        30 * time.Second,
		RetryCap:         15 * time.Minute,
		PublishTimeout:   5 * time.Minute,
		LogSize:          100,
		ErrorSize:        20,
	}
}

// Deps son los colaboradores compartidos por todos los controllers
type Deps struct {
	Clock     clock.Clock
	Limiter   Limiter
	Profiles  Profiles
	Queue     Queue
	Publisher driver.PublishDriver
	// Slots es el semáforo global de concurrencia. nil = sin límite.
	Slots  chan struct{}
	Logger logrus.FieldLogger
}

// Controller es seguro para uso concurrente
type Controller struct {
	cfg  Config
	deps Deps
	log  *logrus.Entry

	// signal despierta el loop tras un pedido de control. Buffer de 1.
	signal chan struct{}

	mu          sync.Mutex
	account     domain.Account
	state       domain.ControllerState
	auth        domain.AuthStatus
	running     bool
	paused      bool
	stopReq     bool
	restartReq  bool
	failures    int
	nextAttempt time.Time
	done        chan struct{}
	logs        *ring
	errs        *ring
}

// New crea el controller de una cuenta. No arranca hasta Start.
func New(account domain.Account, deps Deps, cfg Config) *Controller {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryCap < cfg.RetryBase {
		cfg.RetryCap = cfg.RetryBase
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.LogSize <= 0 {
		cfg.LogSize = def.LogSize
	}
	if cfg.ErrorSize <= 0 {
		cfg.ErrorSize = def.ErrorSize
	}

	done := make(chan struct{})
	close(done)
	return &Controller{
		cfg:     cfg,
		deps:    deps,
		log:     logging.Module(deps.Logger, "automation").WithField("account", account.ID),
		signal:  make(chan struct{}, 1),
		account: account,
		state:   domain.StateStopped,
		auth:    domain.AuthNotConnected,
		done:    done,
		logs:    newRing(cfg.LogSize),
		errs:    newRing(cfg.ErrorSize),
	}
}

// Start lanza el loop. ctx acota la vida del loop, no la de la llamada.
// Arrancar un controller en marcha no hace nada; uno estacionado en Error o
// Blocked necesita Restart.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		c.stopReq = false
		return nil
	}
	switch c.state {
	case domain.StateBlocked:
		return fmt.Errorf("account %s is blocked, restart required: %w", c.account.ID, domain.ErrAccountBlocked)
	case domain.StateError:
		return fmt.Errorf("account %s is in error, restart required: %w", c.account.ID, domain.ErrConflict)
	}
	c.launchLocked(ctx)
	return nil
}

// Restart limpia el contador de fallos y los estados terminales y corre un
// ciclo nuevo. La cola y los contadores se conservan. Una publicación en
// curso termina primero.
func (c *Controller) Restart(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		c.restartReq = true
		c.stopReq = false
		c.nudge()
		return nil
	}
	c.resetLocked()
	c.launchLocked(ctx)
	return nil
}

// Stop pide al loop que se estacione tras el estado actual. No espera.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.stopReq = true
	c.restartReq = false
	c.nudge()
}

// Pause retiene el loop en el siguiente límite de estado
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		c.paused = true
		c.addLogLocked("paused")
	}
	c.nudge()
}

// Resume libera un loop pausado
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.paused = false
		c.addLogLocked("resumed")
	}
	c.nudge()
}

// Wait bloquea hasta que el loop termine o ctx expire
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetAccount reemplaza los ajustes de la cuenta a partir del siguiente ciclo
func (c *Controller) SetAccount(account domain.Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account = account
	c.nudge()
}

// Account retorna los ajustes actuales de la cuenta
func (c *Controller) Account() domain.Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account
}

// State retorna el estado actual del controller
func (c *Controller) State() domain.ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status arma el snapshot de runtime que se expone a los pollers
func (c *Controller) Status() domain.AccountRuntimeStatus {
	c.mu.Lock()
	st := domain.AccountRuntimeStatus{
		AccountID:           c.account.ID,
		AccountName:         c.account.Name,
		IsRunning:           c.running,
		IsPaused:            c.paused,
		State:               c.state,
		AuthStatus:          c.auth,
		ConsecutiveFailures: c.failures,
		Errors:              c.errs.snapshot(),
		Logs:                c.logs.snapshot(),
	}
	if !c.nextAttempt.IsZero() && c.running {
		at := c.nextAttempt
		st.NextAttemptAt = &at
	}
	c.mu.Unlock()

	id := st.AccountID
	st.ProfileStatus = c.deps.Profiles.Status(id)
	st.RemainingInQueue = c.deps.Queue.Len(id)
	if u, ok := c.deps.Limiter.Usage(id); ok {
		st.PublishedToday = u.PublishedToday
		st.TotalPublished = u.TotalPublished
		st.MaxPostsPerDay = u.MaxPostsPerDay
		if !u.LastPublishedAt.IsZero() {
			at := u.LastPublishedAt
			st.LastPublishedAt = &at
		}
	}

	switch {
	case st.IsPaused:
		st.QueueStatus = domain.QueuePaused
	case st.State == domain.StatePublishing:
		st.QueueStatus = domain.QueueRunning
	case st.RemainingInQueue == 0:
		st.QueueStatus = domain.QueueEmpty
	default:
		st.QueueStatus = domain.QueueReady
	}
	return st
}

func (c *Controller) launchLocked(ctx context.Context) {
	c.running = true
	c.stopReq = false
	c.restartReq = false
	c.state = domain.StateIdle
	done := make(chan struct{})
	c.done = done
	c.addLogLocked("started")
	go c.run(ctx, done)
}

func (c *Controller) resetLocked() {
	c.failures = 0
	c.restartReq = false
	c.paused = false
	c.auth = domain.AuthNotConnected
	c.state = domain.StateIdle
	c.nextAttempt = time.Time{}
	c.addLogLocked("restarted")
}

// nudge despierta el loop. Requiere c.mu.
func (c *Controller) nudge() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			c.running = false
			c.state = domain.StateError
			c.addErrorLocked(fmt.Sprintf("controller panic: %v", r))
			c.mu.Unlock()
			c.log.WithField("panic", r).Error("controller panic")
		}
	}()

	for c.boundary(ctx) {
		wait, ok := c.cycle(ctx)
		if !ok {
			if c.park() {
				continue
			}
			return
		}
		if !c.boundary(ctx) {
			return
		}
		c.sleep(ctx, wait)
	}
}

// boundary aplica los pedidos de control pendientes. Retorna false cuando el
// loop debe salir y bloquea mientras está pausado.
func (c *Controller) boundary(ctx context.Context) bool {
	for {
		c.mu.Lock()
		if ctx.Err() != nil {
			c.running = false
			c.state = domain.StateStopped
			c.mu.Unlock()
			return false
		}
		if c.restartReq {
			c.resetLocked()
		}
		if c.stopReq {
			c.stopReq = false
			c.running = false
			c.state = domain.StateStopped
			c.addLogLocked("stopped")
			c.mu.Unlock()
			return false
		}
		if !c.paused {
			c.mu.Unlock()
			return true
		}
		c.state = domain.StateIdle
		c.mu.Unlock()

		select {
		case <-c.signal:
		case <-ctx.Done():
		}
	}
}

// park marca el loop como terminado tras una transición terminal. Un Restart
// pedido mientras corría el ciclo se respeta acá: el controller se resetea y
// park retorna true para que el loop siga.
func (c *Controller) park() (restarted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.restartReq && !c.stopReq {
		c.resetLocked()
		return true
	}
	c.running = false
	c.stopReq = false
	c.restartReq = false
	return false
}

// sleep espera wait, una señal de control, actividad en la cola o ctx
func (c *Controller) sleep(ctx context.Context, wait time.Duration) {
	if wait == 0 {
		return
	}
	var timer <-chan time.Time
	if wait > 0 {
		timer = c.deps.Clock.After(wait)
	}
	select {
	case <-timer:
	case <-c.signal:
	case <-c.deps.Queue.Wake(c.accountID()):
	case <-ctx.Done():
	}
}

// cycle corre una pasada desde Idle y retorna cuánto esperar hasta la
// siguiente. ok es false cuando la cuenta llegó a un estado terminal.
func (c *Controller) cycle(ctx context.Context) (wait time.Duration, ok bool) {
	acc := c.Account()
	id := acc.ID

	c.setState(domain.StateIdle)
	item, found := c.deps.Queue.Peek(id)
	if !found {
		if at, waiting := c.deps.Queue.NextDue(id); waiting {
			return c.waitUntil(at), true
		}
		c.setNextAttempt(time.Time{})
		return forever, true
	}

	if d := c.deps.Limiter.Check(id); !d.OK {
		c.setState(domain.StateAwaitingPermit)
		c.logf("waiting for permit until %s (%s)", d.NextEligible.Format(time.RFC3339), d.Reason)
		return c.waitUntil(d.NextEligible), true
	}

	if !c.acquireSlot(ctx) {
		return 0, true
	}
	defer c.releaseSlot()

	var (
		out        outcome
		refusedAt  time.Time
		cooldown   time.Duration
		publishErr error
	)

	c.setState(domain.StateAcquiringProfile)
	err := c.deps.Profiles.WithSession(ctx, acc, func(s driver.Session) error {
		c.setState(domain.StateAuthenticating)
		c.setAuth(domain.AuthConnecting)
		if err := c.deps.Publisher.CheckLogin(ctx, s); err != nil {
			out = outcomeAuthFailed
			return err
		}
		c.setAuth(domain.AuthAuthenticated)

		c.setState(domain.StateAwaitingPermit)
		d := c.deps.Limiter.Acquire(id)
		if !d.OK {
			out, refusedAt = outcomeRefused, d.NextEligible
			return nil
		}

		c.setState(domain.StatePublishing)
		if err := c.deps.Queue.MarkPublishing(item.ID); err != nil {
			c.deps.Limiter.Cancel(id)
			out = outcomeConflict
			return nil
		}

		res := c.publish(ctx, s, item)
		if res.OK {
			if err := c.deps.Queue.MarkPublished(item.ID, res.ExternalPostRef); err != nil {
				c.recordError(fmt.Errorf("mark published %s: %w", item.ID, err))
			}
			cooldown = c.deps.Limiter.Commit(id)
			out = outcomePublished
			c.logf("published %s (ref %s)", item.ID, res.ExternalPostRef)
			return nil
		}

		c.deps.Limiter.Cancel(id)
		publishErr = res.Err
		if domain.IsBlocked(res.Err) {
			if err := c.deps.Queue.Release(item.ID, res.Err.Error()); err != nil {
				c.recordError(fmt.Errorf("release %s: %w", item.ID, err))
			}
			out = outcomeBlocked
			return res.Err
		}
		willRetry, err := c.deps.Queue.MarkFailed(item.ID, res.Err)
		if err != nil {
			c.recordError(fmt.Errorf("mark failed %s: %w", item.ID, err))
		}
		out = outcomePublishFailed
		if willRetry {
			c.logf("publish %s failed, retry scheduled: %v", item.ID, res.Err)
		} else {
			c.logf("publish %s failed permanently: %v", item.ID, res.Err)
		}
		return nil
	})

	switch out {
	case outcomePublished:
		c.resetFailures()
		c.setState(domain.StateCooldown)
		return c.waitUntil(c.deps.Clock.Now().Add(cooldown)), true

	case outcomeRefused:
		return c.waitUntil(refusedAt), true

	case outcomeConflict:
		return 0, true

	case outcomePublishFailed:
		c.recordError(publishErr)
		return 0, true

	case outcomeBlocked:
		return c.block(publishErr)

	case outcomeAuthFailed:
		if domain.IsBlocked(err) {
			return c.block(err)
		}
		c.setAuth(domain.AuthError)
		if domain.Classify(err) == domain.KindConfiguration {
			return c.misconfigured(err)
		}
		return c.fail(err)
	}

	// La sesión nunca se abrió: falló la creación del perfil o Open.
	if err != nil {
		switch domain.Classify(err) {
		case domain.KindAccountBlocked:
			return c.block(err)
		case domain.KindConfiguration:
			return c.misconfigured(err)
		}
		return c.fail(err)
	}
	return 0, true
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomePublished
	outcomeRefused
	outcomeConflict
	outcomePublishFailed
	outcomeBlocked
	outcomeAuthFailed
)

// publish llama al driver con un context que sobrevive a Stop y al shutdown,
// acotado por el timeout de publicación. Un panic del driver se vuelve un
// fallo transitorio.
func (c *Controller) publish(ctx context.Context, s driver.Session, item domain.MediaItem) (res driver.PublishResult) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.PublishTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			res = driver.PublishResult{Err: fmt.Errorf("publish driver panic: %v: %w", r, domain.ErrTransient)}
		}
	}()

	res = c.deps.Publisher.Publish(pctx, s, item)
	if !res.OK && res.Err == nil {
		res.Err = fmt.Errorf("publish %s: driver reported failure: %w", item.ID, domain.ErrTransient)
	}
	return res
}

// fail cuenta un fallo consecutivo y hace backoff o estaciona en Error
func (c *Controller) fail(err error) (time.Duration, bool) {
	c.recordError(err)

	c.mu.Lock()
	c.failures++
	failures := c.failures
	c.mu.Unlock()

	if failures > c.cfg.FailureThreshold {
		c.setState(domain.StateError)
		c.logf("stopping after %d consecutive failures", failures)
		return 0, false
	}
	wait := c.backoff(failures)
	c.setState(domain.StateIdle)
	c.setNextAttempt(c.deps.Clock.Now().Add(wait))
	c.logf("retrying in %s (failure %d/%d)", wait, failures, c.cfg.FailureThreshold)
	return wait, true
}

// misconfigured estaciona en Error sin reintentar. Hace falta corregir la
// cuenta y un Restart.
func (c *Controller) misconfigured(err error) (time.Duration, bool) {
	c.recordError(err)
	c.setState(domain.StateError)
	c.setNextAttempt(time.Time{})
	c.logf("configuration error, automation halted")
	return 0, false
}

// block estaciona la cuenta hasta un Restart explícito
func (c *Controller) block(err error) (time.Duration, bool) {
	c.recordError(err)
	c.setAuth(domain.AuthBlocked)
	c.setState(domain.StateBlocked)
	c.logf("account blocked, automation halted")
	return 0, false
}

func (c *Controller) backoff(failures int) time.Duration {
	d := c.cfg.RetryBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= c.cfg.RetryCap {
			return c.cfg.RetryCap
		}
	}
	return d
}

func (c *Controller) acquireSlot(ctx context.Context) bool {
	if c.deps.Slots == nil {
		return true
	}
	select {
	case c.deps.Slots <- struct{}{}:
		return true
	case <-c.signal:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Controller) releaseSlot() {
	if c.deps.Slots != nil {
		<-c.deps.Slots
	}
}

func (c *Controller) waitUntil(at time.Time) time.Duration {
	c.setNextAttempt(at)
	d := at.Sub(c.deps.Clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

func (c *Controller) accountID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account.ID
}

func (c *Controller) setState(s domain.ControllerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Controller) setAuth(a domain.AuthStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth = a
}

func (c *Controller) setNextAttempt(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextAttempt = at
}

func (c *Controller) resetFailures() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
}

func (c *Controller) logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.mu.Lock()
	c.addLogLocked(msg)
	c.mu.Unlock()
}

func (c *Controller) recordError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.addErrorLocked(fmt.Sprintf("[%s] %v", domain.Classify(err), err))
	c.mu.Unlock()
}

func (c *Controller) addLogLocked(msg string) {
	c.logs.add(c.deps.Clock.Now().UTC().Format(time.RFC3339) + " " + msg)
	c.log.Info(msg)
}

func (c *Controller) addErrorLocked(msg string) {
	line := c.deps.Clock.Now().UTC().Format(time.RFC3339) + " " + msg
	c.errs.add(line)
	c.logs.add(line)
	c.log.Warn(msg)
}
