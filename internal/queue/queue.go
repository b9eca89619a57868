// Package queue mantiene las colas de media de cada cuenta.
//
// Los items se sirven por prioridad (alta primero) y por orden de inserción
// dentro de una prioridad. Un ScheduledAt futuro oculta el item hasta que
// vence. La transición Pending -> Publishing es un compare-and-swap, así que
// a lo sumo un worker puede tener un item a la vez.
package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/elsanchez/pupiter/internal/clock"
	"github.com/elsanchez/pupiter/internal/domain"
	"github.com/elsanchez/pupiter/internal/logging"
)

// Store persiste los items de la cola. repository.MediaRepository lo cumple.
type Store interface {
	Save(ctx context.Context, item *domain.MediaItem) error
	Delete(ctx context.Context, id string) error
	GetAll(ctx context.Context) ([]*domain.MediaItem, error)
}

// Config controla la contabilidad de reintentos
type Config struct {
	RetryCeiling int           // intentos fallidos tolerados antes de Failed
	RetryBase    time.Duration // backoff = base * 2^retryCount
	RetryCap     time.Duration // tope del backoff
}

// DefaultConfig retorna la política de reintentos usada por defecto
func DefaultConfig() Config {
	return Config{RetryCeiling: 3, RetryBase: time.Minute, RetryCap: time.Hour}
}

const storeTimeout = 5 * time.Second

// InterruptedMessage se guarda en items que se estaban publicando cuando el
// proceso murió. No se sabe si el post salió.
const InterruptedMessage = "interrupted while publishing; verify on the platform and requeue if missing"

// Queue es seguro para uso concurrente
type Queue struct {
	mu    sync.Mutex
	clock clock.Clock
	cfg   Config
	store Store
	log   *logrus.Entry

	seq      int64
	items    map[string]*domain.MediaItem
	accounts map[string][]*domain.MediaItem // en orden de inserción
	wake     map[string]chan struct{}
}

// New crea una cola vacía. store puede ser nil.
func New(cfg Config, clk clock.Clock, store Store, logger logrus.FieldLogger) *Queue {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig().RetryBase
	}
	if cfg.RetryCap < cfg.RetryBase {
		cfg.RetryCap = cfg.RetryBase
	}
	return &Queue{
		clock:    clk,
		cfg:      cfg,
		store:    store,
		log:      logging.Module(logger, "queue"),
		items:    make(map[string]*domain.MediaItem),
		accounts: make(map[string][]*domain.MediaItem),
		wake:     make(map[string]chan struct{}),
	}
}

// Load reemplaza el estado en memoria con el contenido del store. Los items
// en Publishing pasan a Failed terminal: el proceso murió a mitad del intento
// y un reintento a ciegas podría publicar dos veces. Retorna cuántos items se
// recuperaron así.
func (q *Queue) Load(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	stored, err := q.store.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load queue: %w", err)
	}

	sort.Slice(stored, func(i, j int) bool { return stored[i].Seq < stored[j].Seq })

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = make(map[string]*domain.MediaItem, len(stored))
	q.accounts = make(map[string][]*domain.MediaItem)
	recovered := 0
	for _, item := range stored {
		if item.Seq > q.seq {
			q.seq = item.Seq
		}
		if item.Status == domain.MediaPublishing {
			item.Status = domain.MediaFailed
			item.LastError = InterruptedMessage
			q.persist(item)
			recovered++
		}
		q.items[item.ID] = item
		q.accounts[item.AccountID] = append(q.accounts[item.AccountID], item)
	}
	for accountID := range q.accounts {
		q.signal(accountID)
	}
	return recovered, nil
}

// Push agrega un item. Si falta el ID se genera; Seq, Status y CreatedAt los
// asigna la cola.
func (q *Queue) Push(ctx context.Context, item domain.MediaItem) (domain.MediaItem, error) {
	if item.AccountID == "" {
		return domain.MediaItem{}, fmt.Errorf("push: account id is required: %w", domain.ErrConfiguration)
	}
	if strings.TrimSpace(item.SourceRef) == "" {
		return domain.MediaItem{}, fmt.Errorf("push: source ref is required: %w", domain.ErrConfiguration)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.items[item.ID]; exists {
		return domain.MediaItem{}, fmt.Errorf("push %s: %w", item.ID, domain.ErrConflict)
	}

	now := q.clock.Now()
	q.seq++
	item.Seq = q.seq
	item.RetryCount = 0
	item.LastError = ""
	item.ExternalPostRef = ""
	item.PublishedAt = nil
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.Status = domain.MediaPending
	if item.ScheduledAt != nil && item.ScheduledAt.After(now) {
		item.Status = domain.MediaScheduled
	}

	stored := item
	if q.store != nil {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		if err := q.store.Save(sctx, &stored); err != nil {
			q.seq--
			return domain.MediaItem{}, fmt.Errorf("push %s: save: %w", item.ID, err)
		}
	}

	q.items[item.ID] = &stored
	q.accounts[item.AccountID] = append(q.accounts[item.AccountID], &stored)
	q.signal(item.AccountID)
	return stored, nil
}

// Peek retorna el siguiente item que se puede intentar ahora
func (q *Queue) Peek(accountID string) (domain.MediaItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	var best *domain.MediaItem
	for _, item := range q.accounts[accountID] {
		if !ready(item, now) {
			continue
		}
		// El slice está en orden de Seq, así que para adelantar hace falta
		// una prioridad estrictamente mayor.
		if best == nil || item.Priority > best.Priority {
			best = item
		}
	}
	if best == nil {
		return domain.MediaItem{}, false
	}
	return *best, true
}

// NextDue retorna cuándo se vuelve visible el siguiente item en espera de la
// cuenta. Es false si no hay nada esperando.
func (q *Queue) NextDue(accountID string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	var next time.Time
	found := false
	for _, item := range q.accounts[accountID] {
		if !waiting(item) {
			continue
		}
		at := now
		if item.ScheduledAt != nil && item.ScheduledAt.After(now) {
			at = *item.ScheduledAt
		}
		if !found || at.Before(next) {
			next, found = at, true
		}
	}
	return next, found
}

// MarkPublishing reclama el item para un intento. Falla con ErrConflict salvo
// que el item esté en espera y vencido.
func (q *Queue) MarkPublishing(itemID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[itemID]
	if !ok {
		return fmt.Errorf("mark publishing %s: %w", itemID, domain.ErrNotFound)
	}
	if !ready(item, q.clock.Now()) {
		return fmt.Errorf("mark publishing %s (status %s): %w", itemID, item.Status, domain.ErrConflict)
	}
	item.Status = domain.MediaPublishing
	item.ScheduledAt = nil
	q.persist(item)
	return nil
}

// MarkPublished completa el intento
func (q *Queue) MarkPublished(itemID, externalRef string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.inFlight(itemID, "mark published")
	if err != nil {
		return err
	}
	now := q.clock.Now()
	item.Status = domain.MediaPublished
	item.ExternalPostRef = externalRef
	item.PublishedAt = &now
	item.LastError = ""
	q.persist(item)
	return nil
}

// MarkFailed registra un intento fallido. El item vuelve a Pending con
// backoff exponencial, o pasa a Failed terminal cuando RetryCount supera el
// techo.
func (q *Queue) MarkFailed(itemID string, cause error) (willRetry bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.inFlight(itemID, "mark failed")
	if err != nil {
		return false, err
	}

	item.RetryCount++
	if cause != nil {
		item.LastError = cause.Error()
	}
	if item.RetryCount > q.cfg.RetryCeiling {
		item.Status = domain.MediaFailed
		q.persist(item)
		return false, nil
	}

	at := q.clock.Now().Add(q.backoff(item.RetryCount))
	item.Status = domain.MediaPending
	item.ScheduledAt = &at
	q.persist(item)
	q.signal(item.AccountID)
	return true, nil
}

// Release devuelve un item en curso a Pending sin contar el intento. Se usa
// cuando el intento nunca llegó a la plataforma.
func (q *Queue) Release(itemID string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.inFlight(itemID, "release")
	if err != nil {
		return err
	}
	item.Status = domain.MediaPending
	item.LastError = reason
	q.persist(item)
	q.signal(item.AccountID)
	return nil
}

// Requeue rearma un item Failed con el presupuesto de reintentos a cero
func (q *Queue) Requeue(itemID string) (domain.MediaItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[itemID]
	if !ok {
		return domain.MediaItem{}, fmt.Errorf("requeue %s: %w", itemID, domain.ErrNotFound)
	}
	if item.Status != domain.MediaFailed {
		return domain.MediaItem{}, fmt.Errorf("requeue %s (status %s): %w", itemID, item.Status, domain.ErrConflict)
	}
	item.Status = domain.MediaPending
	item.RetryCount = 0
	item.ScheduledAt = nil
	q.persist(item)
	q.signal(item.AccountID)
	return *item, nil
}

// Remove borra un item que no se está publicando
func (q *Queue) Remove(itemID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[itemID]
	if !ok {
		return fmt.Errorf("remove %s: %w", itemID, domain.ErrNotFound)
	}
	if item.Status == domain.MediaPublishing {
		return fmt.Errorf("remove %s: publish in flight: %w", itemID, domain.ErrConflict)
	}

	if q.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := q.store.Delete(ctx, itemID); err != nil {
			return fmt.Errorf("remove %s: %w", itemID, err)
		}
	}

	delete(q.items, itemID)
	list := q.accounts[item.AccountID]
	for i, it := range list {
		if it.ID == itemID {
			q.accounts[item.AccountID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	return nil
}

// Forget descarta de memoria los items de una cuenta. El storage queda a cargo del llamador.
func (q *Queue) Forget(accountID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.accounts[accountID] {
		delete(q.items, item.ID)
	}
	delete(q.accounts, accountID)
	delete(q.wake, accountID)
}

// Len retorna cuántos items de la cuenta no son terminales
func (q *Queue) Len(accountID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, item := range q.accounts[accountID] {
		if !item.IsTerminal() {
			n++
		}
	}
	return n
}

// Get retorna una copia del item
func (q *Queue) Get(itemID string) (domain.MediaItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[itemID]
	if !ok {
		return domain.MediaItem{}, false
	}
	return *item, true
}

// List retorna los items de la cuenta en orden de inserción. Un accountID
// vacío lista todas las cuentas.
func (q *Queue) List(accountID string) []domain.MediaItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var src []*domain.MediaItem
	if accountID != "" {
		src = q.accounts[accountID]
	} else {
		src = make([]*domain.MediaItem, 0, len(q.items))
		for _, item := range q.items {
			src = append(src, item)
		}
		sort.Slice(src, func(i, j int) bool { return src[i].Seq < src[j].Seq })
	}

	out := make([]domain.MediaItem, 0, len(src))
	for _, item := range src {
		out = append(out, *item)
	}
	return out
}

// Wake retorna un canal que recibe tras cualquier cambio que pueda dejar listo
// un item de la cuenta. Tiene buffer, así que nunca se pierde una señal.
func (q *Queue) Wake(accountID string) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wakeChan(accountID)
}

func (q *Queue) wakeChan(accountID string) chan struct{} {
	ch, ok := q.wake[accountID]
	if !ok {
		ch = make(chan struct{}, 1)
		q.wake[accountID] = ch
	}
	return ch
}

func (q *Queue) signal(accountID string) {
	select {
	case q.wakeChan(accountID) <- struct{}{}:
	default:
	}
}

func (q *Queue) inFlight(itemID, op string) (*domain.MediaItem, error) {
	item, ok := q.items[itemID]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", op, itemID, domain.ErrNotFound)
	}
	if item.Status != domain.MediaPublishing {
		return nil, fmt.Errorf("%s %s (status %s): %w", op, itemID, item.Status, domain.ErrConflict)
	}
	return item, nil
}

// backoff retorna base * 2^retryCount, con tope
func (q *Queue) backoff(retryCount int) time.Duration {
	d := q.cfg.RetryBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= q.cfg.RetryCap {
			return q.cfg.RetryCap
		}
	}
	return d
}

// persist escribe en el store. Los fallos se loguean; la cola en memoria
// sigue siendo la fuente de verdad del proceso.
func (q *Queue) persist(item *domain.MediaItem) {
	if q.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	snapshot := *item
	if err := q.store.Save(ctx, &snapshot); err != nil {
		logging.LogError(q.log, "queue", "persist", item.ID, map[string]any{"status": item.Status}, err)
	}
}

func waiting(item *domain.MediaItem) bool {
	return item.Status == domain.MediaPending || item.Status == domain.MediaScheduled
}

func ready(item *domain.MediaItem, now time.Time) bool {
	return waiting(item) && item.DueAt(now)
}
