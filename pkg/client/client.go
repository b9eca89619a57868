// Package client habla con pupiterd por su Unix socket.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/elsanchez/pupiter/internal/domain"
)

// GetDefaultSocketPath retorna el path del socket usando XDG_RUNTIME_DIR
// Desktop Linux con systemd siempre tiene esta variable
func GetDefaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		// Fallback: construir con UID (aunque no debería ocurrir en desktop Linux moderno)
		uid := os.Getuid()
		runtimeDir = fmt.Sprintf("/run/user/%d", uid)
	}

	return filepath.Join(runtimeDir, "pupiter.sock")
}

// Client representa un cliente del daemon
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient crea un cliente con socket path personalizado
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: time.Minute}
}

// NewDefaultClient crea un cliente con el socket path por defecto
func NewDefaultClient() *Client {
	return NewClient(GetDefaultSocketPath())
}

// Request representa una petición al daemon
type Request struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// Response representa una respuesta del daemon
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// Send envía una petición al daemon y retorna la respuesta
func (c *Client) Send(req *Request) (*Response, error) {
	// Conectar al socket
	conn, err := net.DialTimeout("unix", c.socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w (is daemon running?)", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	// Enviar request
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	// Leer response
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &resp, nil
}

// call envía action con payload y decodifica Data en out (si no es nil).
// Los errores del daemon conservan su clasificación del dominio.
func (c *Client) call(action string, payload, out any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		raw = data
	}

	resp, err := c.Send(&Request{Action: action, Payload: raw})
	if err != nil {
		return err
	}
	if !resp.Success {
		return remoteError(action, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func remoteError(action string, resp *Response) error {
	var kind error
	switch resp.Code {
	case "not_found":
		kind = domain.ErrNotFound
	case "conflict":
		kind = domain.ErrConflict
	case "configuration":
		kind = domain.ErrConfiguration
	case "blocked":
		kind = domain.ErrAccountBlocked
	case "exhausted":
		kind = domain.ErrResourceExhausted
	case "transient":
		kind = domain.ErrTransient
	}
	if kind == nil {
		return fmt.Errorf("%s failed: %s", action, resp.Error)
	}
	return &RemoteError{Action: action, Message: resp.Error, kind: kind}
}

// RemoteError es un error reportado por el daemon
type RemoteError struct {
	Action  string
	Message string
	kind    error
}

func (e *RemoteError) Error() string { return fmt.Sprintf("%s failed: %s", e.Action, e.Message) }

// Unwrap permite errors.Is contra los sentinels del dominio
func (e *RemoteError) Unwrap() error { return e.kind }

// IsNotRunning reporta si el daemon no responde en el socket
func IsNotRunning(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

type accountRef struct {
	Account string `json:"account,omitempty"`
	All     bool   `json:"all,omitempty"`
}

// ControlResult es el resultado por cuenta de una acción con --all
type ControlResult struct {
	Account string `json:"account"`
	Error   string `json:"error,omitempty"`
}

// PushOptions describe un item a encolar
type PushOptions struct {
	Account     string     `json:"account"`
	SourceRef   string     `json:"source_ref"`
	Caption     string     `json:"caption,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// Ping verifica que el daemon responde
func (c *Client) Ping() error {
	return c.call("ping", nil, nil)
}

// AddAccount registra una cuenta
func (c *Client) AddAccount(acc domain.Account) (domain.Account, error) {
	var out domain.Account
	err := c.call("account.add", acc, &out)
	return out, err
}

// ListAccounts lista las cuentas registradas
func (c *Client) ListAccounts() ([]domain.Account, error) {
	var out []domain.Account
	err := c.call("account.list", nil, &out)
	return out, err
}

// GetAccount obtiene una cuenta por id o nombre
func (c *Client) GetAccount(ref string) (domain.Account, error) {
	var out domain.Account
	err := c.call("account.get", accountRef{Account: ref}, &out)
	return out, err
}

// RemoveAccount elimina una cuenta
func (c *Client) RemoveAccount(ref string) error {
	return c.call("account.remove", accountRef{Account: ref}, nil)
}

// Push encola media para una cuenta
func (c *Client) Push(opts PushOptions) (domain.MediaItem, error) {
	var out domain.MediaItem
	err := c.call("media.push", opts, &out)
	return out, err
}

// ListMedia lista la cola de una cuenta; ref vacío lista todas
func (c *Client) ListMedia(ref string) ([]domain.MediaItem, error) {
	var out []domain.MediaItem
	err := c.call("media.list", accountRef{Account: ref}, &out)
	return out, err
}

// RemoveMedia elimina un item que no se está publicando
func (c *Client) RemoveMedia(id string) error {
	return c.call("media.remove", map[string]string{"id": id}, nil)
}

// RequeueMedia rearma un item fallido
func (c *Client) RequeueMedia(id string) (domain.MediaItem, error) {
	var out domain.MediaItem
	err := c.call("media.requeue", map[string]string{"id": id}, &out)
	return out, err
}

// Control ejecuta start, stop, pause, resume o restart sobre una cuenta
func (c *Client) Control(action, ref string) (domain.AccountRuntimeStatus, error) {
	var out domain.AccountRuntimeStatus
	err := c.call(action, accountRef{Account: ref}, &out)
	return out, err
}

// ControlAll ejecuta la acción sobre todas las cuentas
func (c *Client) ControlAll(action string) ([]ControlResult, error) {
	var out []ControlResult
	err := c.call(action, accountRef{All: true}, &out)
	return out, err
}

// Status retorna el estado agregado
func (c *Client) Status() (domain.AggregateStatus, error) {
	var out domain.AggregateStatus
	err := c.call("status", nil, &out)
	return out, err
}

// AccountStatus retorna el estado de una cuenta
func (c *Client) AccountStatus(ref string) (domain.AccountRuntimeStatus, error) {
	var out domain.AccountRuntimeStatus
	err := c.call("status", accountRef{Account: ref}, &out)
	return out, err
}
