// Package memdriver es un BrowserProfileDriver y PublishDriver en memoria.
//
// Los fallos se programan por cuenta; es el colaborador de los tests del
// scheduler y del modo "sim" del daemon.
package memdriver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/elsanchez/pupiter/internal/domain"
	"github.com/elsanchez/pupiter/internal/driver"
)

var (
	_ driver.BrowserProfileDriver = (*Driver)(nil)
	_ driver.PublishDriver        = (*Driver)(nil)
	_ driver.ProfileDeleter       = (*Driver)(nil)
)

// Publication registra una publicación exitosa
type Publication struct {
	ItemID    string
	AccountID string
	Ref       string
}

type profile struct {
	accountID string
	healthy   bool
}

// Driver es seguro para uso concurrente
type Driver struct {
	mu sync.Mutex

	// Latency, si está definida, se suma a cada llamada a Create y Publish.
	Latency time.Duration

	seq          int
	profiles     map[string]*profile
	createCalls  map[string]int
	publishCalls map[string]int
	openSessions int
	published    []Publication

	createErrs  map[string][]error
	publishErrs map[string][]error
	loginErrs   map[string]error
	openErr     error
	publishHook func(item domain.MediaItem)
}

// New crea un driver vacío
func New() *Driver {
	return &Driver{
		profiles:     make(map[string]*profile),
		createCalls:  make(map[string]int),
		publishCalls: make(map[string]int),
		createErrs:   make(map[string][]error),
		publishErrs:  make(map[string][]error),
		loginErrs:    make(map[string]error),
	}
}

// FailCreate encola errores que retornarán las próximas llamadas a Create de la cuenta
func (d *Driver) FailCreate(accountID string, errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.createErrs[accountID] = append(d.createErrs[accountID], errs...)
}

// FailPublish encola errores que retornarán las próximas llamadas a Publish de la cuenta
func (d *Driver) FailPublish(accountID string, errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.publishErrs[accountID] = append(d.publishErrs[accountID], errs...)
}

// SetLoginError hace fallar CheckLogin para la cuenta hasta limpiarlo con nil
func (d *Driver) SetLoginError(accountID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.loginErrs, accountID)
		return
	}
	d.loginErrs[accountID] = err
}

// SetOpenError hace fallar cada Open hasta limpiarlo con nil
func (d *Driver) SetOpenError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// SetPublishHook ejecuta fn dentro de cada Publish, antes de decidir el
// resultado. Los tests lo usan para retener un intento en curso.
func (d *Driver) SetPublishHook(fn func(item domain.MediaItem)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.publishHook = fn
}

// MarkUnhealthy hace que IsHealthy reporte false para el perfil
func (d *Driver) MarkUnhealthy(profileID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.profiles[profileID]; ok {
		p.healthy = false
	}
}

// CreateCalls retorna cuántas veces corrió Create para la cuenta
func (d *Driver) CreateCalls(accountID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.createCalls[accountID]
}

// PublishCalls retorna cuántas veces corrió Publish para la cuenta
func (d *Driver) PublishCalls(accountID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.publishCalls[accountID]
}

// OpenSessions retorna cuántas sesiones siguen abiertas
func (d *Driver) OpenSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openSessions
}

// Published retorna las publicaciones exitosas de la cuenta, de la más vieja a la más nueva
func (d *Driver) Published(accountID string) []Publication {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Publication
	for _, p := range d.published {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	return out
}

func (d *Driver) Create(ctx context.Context, account domain.Account) (driver.ProfileHandle, error) {
	if err := d.sleep(ctx); err != nil {
		return driver.ProfileHandle{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.createCalls[account.ID]++
	if err := pop(d.createErrs, account.ID); err != nil {
		return driver.ProfileHandle{}, err
	}
	d.seq++
	id := fmt.Sprintf("profile-%d", d.seq)
	d.profiles[id] = &profile{accountID: account.ID, healthy: true}
	return driver.ProfileHandle{ID: id}, nil
}

func (d *Driver) Open(ctx context.Context, h driver.ProfileHandle) (driver.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.openErr != nil {
		return nil, d.openErr
	}
	p, ok := d.profiles[h.ID]
	if !ok {
		return nil, fmt.Errorf("open profile %s: %w", h.ID, domain.ErrNotFound)
	}
	if !p.healthy {
		return nil, fmt.Errorf("open profile %s: unusable: %w", h.ID, domain.ErrAccountBlocked)
	}
	d.openSessions++
	return &driver.BasicSession{Handle: h}, nil
}

func (d *Driver) Close(ctx context.Context, s driver.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openSessions > 0 {
		d.openSessions--
	}
	return nil
}

func (d *Driver) IsHealthy(ctx context.Context, h driver.ProfileHandle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.profiles[h.ID]
	return ok && p.healthy
}

func (d *Driver) Delete(ctx context.Context, h driver.ProfileHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.profiles, h.ID)
	return nil
}

func (d *Driver) CheckLogin(ctx context.Context, s driver.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.profiles[s.Profile().ID]
	if !ok {
		return fmt.Errorf("check login: %w", domain.ErrNotFound)
	}
	return d.loginErrs[p.accountID]
}

func (d *Driver) Publish(ctx context.Context, s driver.Session, item domain.MediaItem) driver.PublishResult {
	d.mu.Lock()
	hook := d.publishHook
	d.publishCalls[item.AccountID]++
	d.mu.Unlock()

	if hook != nil {
		hook(item)
	}
	if err := d.sleep(ctx); err != nil {
		return driver.PublishResult{Err: fmt.Errorf("publish: %w: %v", domain.ErrTransient, err)}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := pop(d.publishErrs, item.AccountID); err != nil {
		return driver.PublishResult{Err: err}
	}
	ref := fmt.Sprintf("post-%d", len(d.published)+1)
	d.published = append(d.published, Publication{ItemID: item.ID, AccountID: item.AccountID, Ref: ref})
	return driver.PublishResult{OK: true, ExternalPostRef: ref}
}

func (d *Driver) sleep(ctx context.Context) error {
	d.mu.Lock()
	latency := d.Latency
	d.mu.Unlock()
	if latency <= 0 {
		return nil
	}
	select {
	case <-time.After(latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func pop(m map[string][]error, key string) error {
	errs := m[key]
	if len(errs) == 0 {
		return nil
	}
	m[key] = errs[1:]
	return errs[0]
}
