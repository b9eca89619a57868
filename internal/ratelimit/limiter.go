// Package ratelimit decide cuándo puede publicar una cuenta.
//
// Se evalúan cuatro restricciones a la vez y gana la más estricta: el pacing
// global entre todas las cuentas, el tope diario de la cuenta, su intervalo
// de publicación y su horario de trabajo. Una negativa nunca cambia estado,
// así que se puede consultar cuantas veces haga falta. Un permiso concedido
// reserva un cupo del tope diario hasta que el llamador informa el resultado
// con Commit o Cancel.
package ratelimit

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/elsanchez/pupiter/internal/clock"
	"github.com/elsanchez/pupiter/internal/domain"
)

// Reason explica por qué se negó un permiso
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonUnknownAccount      Reason = "unknown_account"
	ReasonOutsideWorkingHours Reason = "outside_working_hours"
	ReasonDailyCap            Reason = "daily_cap"
	ReasonInterval            Reason = "interval"
	ReasonGlobalPacing        Reason = "global_pacing"
)

// maxPasses acota la búsqueda de punto fijo de earliest. Cada pasada sólo
// puede mover el candidato hacia un inicio de ventana, una medianoche o un
// timestamp guardado.
const maxPasses = 8

// Config contiene los límites de pacing del operador
type Config struct {
	MinDelay              time.Duration // MIN_DELAY_BETWEEN_POSTS
	MaxDelay              time.Duration // MAX_DELAY_BETWEEN_POSTS
	DefaultMaxPostsPerDay int           // MAX_POSTS_PER_DAY
	Seed                  uint64        // 0 usa una semilla basada en la hora
}

// Decision es el resultado de pedir un permiso
type Decision struct {
	OK           bool
	NextEligible time.Time
	Reason       Reason
	// Interval es el hueco elegido para el ciclo actual. Se fija en el primer
	// permiso del ciclo y sobrevive a los intentos fallidos.
	Interval time.Duration
}

// Usage es una vista de sólo lectura de los contadores de una cuenta
type Usage struct {
	PublishedToday  int
	TotalPublished  int
	Reserved        int
	MaxPostsPerDay  int
	NextEligible    time.Time
	LastPublishedAt time.Time
}

type accountState struct {
	loc       *time.Location
	hours     domain.WorkingHours
	maxPerDay int
	minGap    time.Duration
	maxGap    time.Duration

	day           int
	today         int
	total         int
	reserved      int
	nextEligible  time.Time
	cycleGap      time.Duration
	gapChosen     bool
	lastPublished time.Time
}

// Limiter es seguro para uso concurrente. Todo el estado está tras un mutex.
type Limiter struct {
	mu         sync.Mutex
	clock      clock.Clock
	cfg        Config
	rnd        *rand.Rand
	nextGlobal time.Time
	accounts   map[string]*accountState
}

// New crea un limiter con los límites globales dados
func New(cfg Config, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Limiter{
		clock:    clk,
		cfg:      cfg,
		rnd:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		accounts: make(map[string]*accountState),
	}
}

// SetPolicy registra o actualiza los límites de la cuenta. Los contadores se conservan.
func (l *Limiter) SetPolicy(acc domain.Account) error {
	loc, err := acc.Location()
	if err != nil {
		return err
	}
	if err := acc.WorkingHours.Validate(); err != nil {
		return err
	}
	if err := acc.Interval.Validate(); err != nil {
		return err
	}

	maxPerDay := acc.MaxPostsPerDay
	if maxPerDay <= 0 {
		maxPerDay = l.cfg.DefaultMaxPostsPerDay
	}
	if maxPerDay <= 0 {
		return fmt.Errorf("account %s: no daily cap configured: %w", acc.ID, domain.ErrConfiguration)
	}
	minGap, maxGap := acc.Interval.Bounds()

	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[acc.ID]
	if !ok {
		a = &accountState{}
		l.accounts[acc.ID] = a
	}
	a.loc = loc
	a.hours = acc.WorkingHours
	a.maxPerDay = maxPerDay
	if a.minGap != minGap || a.maxGap != maxGap {
		a.gapChosen = false
	}
	a.minGap, a.maxGap = minGap, maxGap
	if a.day == 0 {
		a.day = dayKey(l.clock.Now().In(loc))
	}
	return nil
}

// Forget descarta el estado de la cuenta
func (l *Limiter) Forget(accountID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.accounts, accountID)
}

// Seed restaura los contadores desde storage tras un reinicio. publishedToday
// se refiere al día actual en la hora local de la cuenta.
func (l *Limiter) Seed(accountID string, publishedToday, total int, lastPublished time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[accountID]
	if !ok {
		return
	}
	now := l.clock.Now()
	a.day = dayKey(now.In(a.loc))
	a.today = publishedToday
	a.total = total
	a.lastPublished = lastPublished
	if !lastPublished.IsZero() {
		if next := lastPublished.Add(a.minGap); next.After(a.nextEligible) {
			a.nextEligible = next
		}
	}
}

// Check evalúa un permiso sin reservar nada
func (l *Limiter) Check(accountID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[accountID]
	if !ok {
		return Decision{Reason: ReasonUnknownAccount}
	}
	now := l.clock.Now()
	next, reason := l.earliest(a, now)
	if next.After(now) {
		return Decision{NextEligible: next, Reason: reason}
	}
	d := Decision{OK: true, NextEligible: now}
	if a.gapChosen {
		d.Interval = a.cycleGap
	}
	return d
}

// Permit concede un intento de publicación ahora o indica cuándo volver a
// pedirlo. Un permiso concedido debe seguirse de Commit o Cancel.
func (l *Limiter) Permit(accountID string) (ok bool, nextEligible time.Time) {
	d := l.Acquire(accountID)
	return d.OK, d.NextEligible
}

// Acquire es Permit con el motivo de la negativa y el intervalo del ciclo
func (l *Limiter) Acquire(accountID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[accountID]
	if !ok {
		return Decision{Reason: ReasonUnknownAccount}
	}
	now := l.clock.Now()
	next, reason := l.earliest(a, now)
	if next.After(now) {
		return Decision{NextEligible: next, Reason: reason}
	}

	l.rollDay(a, now)
	a.reserved++
	if !a.gapChosen {
		a.cycleGap = l.draw(a.minGap, a.maxGap)
		a.gapChosen = true
	}
	l.nextGlobal = now.Add(l.draw(l.cfg.MinDelay, l.cfg.MaxDelay))

	return Decision{OK: true, NextEligible: now, Interval: a.cycleGap}
}

// Commit registra una publicación exitosa de un permiso concedido y retorna
// el cooldown que aplica ahora a la cuenta.
func (l *Limiter) Commit(accountID string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[accountID]
	if !ok {
		return 0
	}
	now := l.clock.Now()
	l.rollDay(a, now)
	if a.reserved > 0 {
		a.reserved--
	}
	a.today++
	a.total++
	a.lastPublished = now

	gap := a.cycleGap
	if !a.gapChosen {
		gap = a.minGap
	}
	a.nextEligible = now.Add(gap)
	a.gapChosen = false
	return gap
}

// Cancel libera un permiso cuyo intento falló. El intervalo del ciclo se
// conserva para que un reintento no lo vuelva a sortear.
func (l *Limiter) Cancel(accountID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if a, ok := l.accounts[accountID]; ok && a.reserved > 0 {
		a.reserved--
	}
}

// Usage retorna los contadores de la cuenta en el instante actual
func (l *Limiter) Usage(accountID string) (Usage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[accountID]
	if !ok {
		return Usage{}, false
	}
	return Usage{
		PublishedToday:  a.countOn(l.clock.Now().In(a.loc)),
		TotalPublished:  a.total,
		Reserved:        a.reserved,
		MaxPostsPerDay:  a.maxPerDay,
		NextEligible:    a.nextEligible,
		LastPublishedAt: a.lastPublished,
	}, true
}

// earliest retorna el primer instante desde now que cumple todas las
// restricciones, y la que negó now. Requiere l.mu.
func (l *Limiter) earliest(a *accountState, now time.Time) (time.Time, Reason) {
	t := now
	reason := ReasonNone
	for i := 0; i < maxPasses; i++ {
		next, r := l.constraintsAt(a, t)
		if !next.After(t) {
			break
		}
		if reason == ReasonNone {
			reason = r
		}
		t = next
	}
	return t, reason
}

func (l *Limiter) constraintsAt(a *accountState, t time.Time) (time.Time, Reason) {
	next, reason := t, ReasonNone
	local := t.In(a.loc)

	if open := a.hours.NextOpen(local); open.After(next) {
		next, reason = open, ReasonOutsideWorkingHours
	}
	if a.countOn(local)+a.reserved >= a.maxPerDay {
		if midnight := nextMidnight(local); midnight.After(next) {
			next, reason = midnight, ReasonDailyCap
		}
	}
	if a.nextEligible.After(next) {
		next, reason = a.nextEligible, ReasonInterval
	}
	if l.nextGlobal.After(next) {
		next, reason = l.nextGlobal, ReasonGlobalPacing
	}
	return next, reason
}

func (l *Limiter) rollDay(a *accountState, now time.Time) {
	if day := dayKey(now.In(a.loc)); day != a.day {
		a.day = day
		a.today = 0
	}
}

// draw retorna una duración uniforme en [lo, hi]
func (l *Limiter) draw(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(l.rnd.Int64N(int64(hi-lo)+1))
}

func (a *accountState) countOn(local time.Time) int {
	if dayKey(local) != a.day {
		return 0
	}
	return a.today
}

func dayKey(local time.Time) int {
	return local.Year()*1000 + local.YearDay()
}

func nextMidnight(local time.Time) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, local.Location())
}
