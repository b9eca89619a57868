package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elsanchez/pupiter/internal/domain"
)

// Service es lo que el daemon expone del orquestador
type Service interface {
	AddAccount(ctx context.Context, acc domain.Account) (domain.Account, error)
	Accounts() []domain.Account
	Account(accountID string) (domain.Account, error)
	RemoveAccount(ctx context.Context, accountID string) error

	Push(ctx context.Context, item domain.MediaItem) (domain.MediaItem, error)
	Items(accountID string) []domain.MediaItem
	RemoveItem(itemID string) error
	Requeue(itemID string) (domain.MediaItem, error)

	Start(ctx context.Context, accountID string) error
	Stop(ctx context.Context, accountID string) error
	Pause(accountID string) error
	Resume(accountID string) error
	Restart(ctx context.Context, accountID string) error

	Status() domain.AggregateStatus
	AccountStatus(accountID string) (domain.AccountRuntimeStatus, error)
}

// Handlers maneja las peticiones del servidor
type Handlers struct {
	svc Service
}

// NewHandlers crea un nuevo conjunto de handlers
func NewHandlers(svc Service) *Handlers {
	return &Handlers{svc: svc}
}

// Actions
const (
	ActionPing          = "ping"
	ActionAccountAdd    = "account.add"
	ActionAccountList   = "account.list"
	ActionAccountGet    = "account.get"
	ActionAccountRemove = "account.remove"
	ActionMediaPush     = "media.push"
	ActionMediaList     = "media.list"
	ActionMediaRemove   = "media.remove"
	ActionMediaRequeue  = "media.requeue"
	ActionStart         = "start"
	ActionStop          = "stop"
	ActionPause         = "pause"
	ActionResume        = "resume"
	ActionRestart       = "restart"
	ActionStatus        = "status"
)

// AccountPayload identifica una cuenta por id o nombre. All aplica la
// acción de control a todas las cuentas.
type AccountPayload struct {
	Account string `json:"account"`
	All     bool   `json:"all,omitempty"`
}

// ItemPayload identifica un item
type ItemPayload struct {
	ID string `json:"id"`
}

// PushPayload es el payload para encolar media
type PushPayload struct {
	Account     string     `json:"account"`
	SourceRef   string     `json:"source_ref"`
	Caption     string     `json:"caption,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// ControlResult reporta el resultado por cuenta de start/stop/... con All
type ControlResult struct {
	Account string `json:"account"`
	Error   string `json:"error,omitempty"`
}

// Dispatch enruta la petición a su handler
func (h *Handlers) Dispatch(ctx context.Context, req Request) Response {
	switch req.Action {
	case ActionPing:
		return Response{Success: true, Data: json.RawMessage(`{"message":"pong"}`)}
	case ActionAccountAdd:
		return h.handleAccountAdd(ctx, req.Payload)
	case ActionAccountList:
		return ok(h.svc.Accounts())
	case ActionAccountGet:
		return h.handleAccountGet(req.Payload)
	case ActionAccountRemove:
		return h.handleAccountRemove(ctx, req.Payload)
	case ActionMediaPush:
		return h.handleMediaPush(ctx, req.Payload)
	case ActionMediaList:
		return h.handleMediaList(req.Payload)
	case ActionMediaRemove:
		return h.handleItem(req.Payload, func(id string) (any, error) {
			return map[string]string{"id": id}, h.svc.RemoveItem(id)
		})
	case ActionMediaRequeue:
		return h.handleItem(req.Payload, func(id string) (any, error) {
			return h.svc.Requeue(id)
		})
	case ActionStart:
		return h.handleControl(req.Payload, func(id string) error { return h.svc.Start(ctx, id) })
	case ActionStop:
		return h.handleControl(req.Payload, func(id string) error { return h.svc.Stop(ctx, id) })
	case ActionPause:
		return h.handleControl(req.Payload, h.svc.Pause)
	case ActionResume:
		return h.handleControl(req.Payload, h.svc.Resume)
	case ActionRestart:
		return h.handleControl(req.Payload, func(id string) error { return h.svc.Restart(ctx, id) })
	case ActionStatus:
		return h.handleStatus(req.Payload)
	default:
		return Response{Success: false, Error: fmt.Sprintf("unknown action: %s", req.Action), Code: "unknown_action"}
	}
}

func (h *Handlers) handleAccountAdd(ctx context.Context, payload json.RawMessage) Response {
	var acc domain.Account
	if err := decode(payload, &acc); err != nil {
		return errorResponse(err)
	}
	created, err := h.svc.AddAccount(ctx, acc)
	if err != nil {
		return errorResponse(err)
	}
	return ok(created)
}

func (h *Handlers) handleAccountGet(payload json.RawMessage) Response {
	id, err := h.resolvePayload(payload)
	if err != nil {
		return errorResponse(err)
	}
	acc, err := h.svc.Account(id)
	if err != nil {
		return errorResponse(err)
	}
	return ok(acc)
}

func (h *Handlers) handleAccountRemove(ctx context.Context, payload json.RawMessage) Response {
	id, err := h.resolvePayload(payload)
	if err != nil {
		return errorResponse(err)
	}
	if err := h.svc.RemoveAccount(ctx, id); err != nil {
		return errorResponse(err)
	}
	return ok(map[string]string{"id": id})
}

func (h *Handlers) handleMediaPush(ctx context.Context, payload json.RawMessage) Response {
	var req PushPayload
	if err := decode(payload, &req); err != nil {
		return errorResponse(err)
	}
	id, err := h.resolve(req.Account)
	if err != nil {
		return errorResponse(err)
	}
	priority, err := domain.ParsePriority(req.Priority)
	if err != nil {
		return errorResponse(err)
	}

	item, err := h.svc.Push(ctx, domain.MediaItem{
		AccountID:   id,
		SourceRef:   req.SourceRef,
		Caption:     req.Caption,
		Priority:    priority,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		return errorResponse(err)
	}
	return ok(item)
}

func (h *Handlers) handleMediaList(payload json.RawMessage) Response {
	var req AccountPayload
	if err := decode(payload, &req); err != nil {
		return errorResponse(err)
	}
	id := ""
	if req.Account != "" {
		var err error
		if id, err = h.resolve(req.Account); err != nil {
			return errorResponse(err)
		}
	}
	return ok(h.svc.Items(id))
}

func (h *Handlers) handleItem(payload json.RawMessage, fn func(id string) (any, error)) Response {
	var req ItemPayload
	if err := decode(payload, &req); err != nil {
		return errorResponse(err)
	}
	if req.ID == "" {
		return errorResponse(fmt.Errorf("id is required: %w", domain.ErrConfiguration))
	}
	data, err := fn(req.ID)
	if err != nil {
		return errorResponse(err)
	}
	return ok(data)
}

func (h *Handlers) handleControl(payload json.RawMessage, fn func(id string) error) Response {
	var req AccountPayload
	if err := decode(payload, &req); err != nil {
		return errorResponse(err)
	}

	if req.All {
		accounts := h.svc.Accounts()
		results := make([]ControlResult, 0, len(accounts))
		for _, acc := range accounts {
			r := ControlResult{Account: acc.Name}
			if err := fn(acc.ID); err != nil {
				r.Error = err.Error()
			}
			results = append(results, r)
		}
		return ok(results)
	}

	id, err := h.resolve(req.Account)
	if err != nil {
		return errorResponse(err)
	}
	if err := fn(id); err != nil {
		return errorResponse(err)
	}
	st, err := h.svc.AccountStatus(id)
	if err != nil {
		return errorResponse(err)
	}
	return ok(st)
}

func (h *Handlers) handleStatus(payload json.RawMessage) Response {
	var req AccountPayload
	if err := decode(payload, &req); err != nil {
		return errorResponse(err)
	}
	if req.Account == "" {
		return ok(h.svc.Status())
	}
	id, err := h.resolve(req.Account)
	if err != nil {
		return errorResponse(err)
	}
	st, err := h.svc.AccountStatus(id)
	if err != nil {
		return errorResponse(err)
	}
	return ok(st)
}

func (h *Handlers) resolvePayload(payload json.RawMessage) (string, error) {
	var req AccountPayload
	if err := decode(payload, &req); err != nil {
		return "", err
	}
	return h.resolve(req.Account)
}

// resolve acepta id o nombre de cuenta
func (h *Handlers) resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("account is required: %w", domain.ErrConfiguration)
	}
	if _, err := h.svc.Account(ref); err == nil {
		return ref, nil
	}
	for _, acc := range h.svc.Accounts() {
		if acc.Name == ref {
			return acc.ID, nil
		}
	}
	return "", fmt.Errorf("account %s: %w", ref, domain.ErrNotFound)
}

// decode tolera payload vacío
func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, domain.ErrConfiguration)
	}
	return nil
}

func ok(v any) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResponse(fmt.Errorf("encode response: %w", err))
	}
	return Response{Success: true, Data: data}
}

func errorResponse(err error) Response {
	return Response{Success: false, Error: err.Error(), Code: ErrorCode(err)}
}

// ErrorCode traduce la taxonomía del dominio a un código estable
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrConfiguration):
		return "configuration"
	case errors.Is(err, domain.ErrAccountBlocked):
		return "blocked"
	case errors.Is(err, domain.ErrResourceExhausted):
		return "exhausted"
	case errors.Is(err, domain.ErrTransient):
		return "transient"
	default:
		return "internal"
	}
}
