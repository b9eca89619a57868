// Package execdriver maneja un binario helper de automatización externo.
//
// Cada operación ejecuta el helper una vez como `<command> [args...] <op>`
// con un request JSON por stdin y lee una única respuesta JSON de stdout. El
// helper se encarga de la conversación HTTP con el backend de automatización
// y de la UI de la plataforma; este paquete sólo traduce sus respuestas a las
// interfaces de driver y a la taxonomía de errores del dominio.
package execdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/elsanchez/pupiter/internal/domain"
	"github.com/elsanchez/pupiter/internal/driver"
)

var (
	_ driver.BrowserProfileDriver = (*Driver)(nil)
	_ driver.PublishDriver        = (*Driver)(nil)
	_ driver.ProfileDeleter       = (*Driver)(nil)
)

// Operaciones que entiende el helper
const (
	OpCreate     = "create"
	OpOpen       = "open"
	OpClose      = "close"
	OpHealth     = "health"
	OpDelete     = "delete"
	OpCheckLogin = "check-login"
	OpPublish    = "publish"
)

// Códigos de error con los que puede responder el helper
const (
	CodeBlocked   = "blocked"
	CodeTransient = "transient"
	CodeTimeout   = "timeout"
	CodeBusy      = "busy"
	CodeConfig    = "config"
	CodeNotFound  = "not_found"
)

type request struct {
	Op        string          `json:"op"`
	Account   *accountPayload `json:"account,omitempty"`
	ProfileID string          `json:"profile_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Item      *itemPayload    `json:"item,omitempty"`
}

type accountPayload struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	CredentialsRef string `json:"credentials_ref"`
	ProxyRef       string `json:"proxy_ref,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}

type itemPayload struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	SourceRef string `json:"source_ref"`
	Caption   string `json:"caption,omitempty"`
}

type response struct {
	OK        bool   `json:"ok"`
	ProfileID string `json:"profile_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	PostRef   string `json:"post_ref,omitempty"`
	Healthy   bool   `json:"healthy,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Driver implementa los drivers ejecutando un helper externo
type Driver struct {
	command string
	args    []string
	timeout time.Duration
}

// New crea un driver que ejecuta commandLine (binario + argumentos fijos)
func New(commandLine string, timeout time.Duration) (*Driver, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, fmt.Errorf("driver command is empty: %w", domain.ErrConfiguration)
	}
	return &Driver{command: fields[0], args: fields[1:], timeout: timeout}, nil
}

// CheckInstalled verifica que el helper exista en el PATH
func (d *Driver) CheckInstalled() error {
	if _, err := exec.LookPath(d.command); err != nil {
		return fmt.Errorf("driver helper %q not found: %w", d.command, err)
	}
	return nil
}

func (d *Driver) Create(ctx context.Context, account domain.Account) (driver.ProfileHandle, error) {
	resp, err := d.run(ctx, request{Op: OpCreate, Account: toAccountPayload(account)})
	if err != nil {
		return driver.ProfileHandle{}, err
	}
	if resp.ProfileID == "" {
		return driver.ProfileHandle{}, fmt.Errorf("create profile: helper returned no profile id: %w", domain.ErrTransient)
	}
	return driver.ProfileHandle{ID: resp.ProfileID}, nil
}

func (d *Driver) Open(ctx context.Context, h driver.ProfileHandle) (driver.Session, error) {
	resp, err := d.run(ctx, request{Op: OpOpen, ProfileID: h.ID})
	if err != nil {
		return nil, err
	}
	return &driver.BasicSession{Handle: h, Ref: resp.SessionID}, nil
}

func (d *Driver) Close(ctx context.Context, s driver.Session) error {
	_, err := d.run(ctx, sessionRequest(OpClose, s))
	return err
}

func (d *Driver) IsHealthy(ctx context.Context, h driver.ProfileHandle) bool {
	resp, err := d.run(ctx, request{Op: OpHealth, ProfileID: h.ID})
	return err == nil && resp.Healthy
}

func (d *Driver) Delete(ctx context.Context, h driver.ProfileHandle) error {
	_, err := d.run(ctx, request{Op: OpDelete, ProfileID: h.ID})
	return err
}

func (d *Driver) CheckLogin(ctx context.Context, s driver.Session) error {
	_, err := d.run(ctx, sessionRequest(OpCheckLogin, s))
	return err
}

func (d *Driver) Publish(ctx context.Context, s driver.Session, item domain.MediaItem) driver.PublishResult {
	req := sessionRequest(OpPublish, s)
	req.Item = &itemPayload{
		ID:        item.ID,
		AccountID: item.AccountID,
		SourceRef: item.SourceRef,
		Caption:   item.Caption,
	}
	resp, err := d.run(ctx, req)
	if err != nil {
		return driver.PublishResult{Err: err}
	}
	return driver.PublishResult{OK: true, ExternalPostRef: resp.PostRef}
}

// run ejecuta el helper y decodifica su respuesta
func (d *Driver) run(ctx context.Context, req request) (response, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return response{}, fmt.Errorf("marshal %s request: %w", req.Op, err)
	}

	args := append(append([]string{}, d.args...), req.Op)
	cmd := exec.CommandContext(ctx, d.command, args...)
	cmd.Stdin = bytes.NewReader(body)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return response{}, fmt.Errorf("%s helper: %w: %v", req.Op, domain.ErrTransient, ctx.Err())
	}

	var resp response
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		if runErr != nil {
			return response{}, fmt.Errorf("%s helper failed: %w: %v\nOutput: %s", req.Op, domain.ErrTransient, runErr, stderr.String())
		}
		return response{}, fmt.Errorf("%s helper: decode response: %w: %v", req.Op, domain.ErrTransient, err)
	}
	if !resp.OK {
		return resp, codeError(req.Op, resp)
	}
	return resp, nil
}

// codeError traduce el código de error del helper a la taxonomía del dominio
func codeError(op string, resp response) error {
	msg := resp.Error
	if msg == "" {
		msg = "helper reported failure"
	}
	var kind error
	switch resp.Code {
	case CodeBlocked:
		kind = domain.ErrAccountBlocked
	case CodeConfig:
		kind = domain.ErrConfiguration
	case CodeNotFound:
		kind = domain.ErrNotFound
	default:
		kind = domain.ErrTransient
	}
	return fmt.Errorf("%s: %s: %w", op, msg, kind)
}

func sessionRequest(op string, s driver.Session) request {
	req := request{Op: op, ProfileID: s.Profile().ID}
	if bs, ok := s.(*driver.BasicSession); ok {
		req.SessionID = bs.Ref
	}
	return req
}

func toAccountPayload(a domain.Account) *accountPayload {
	return &accountPayload{
		ID:             a.ID,
		Name:           a.Name,
		CredentialsRef: a.CredentialsRef,
		ProxyRef:       a.ProxyRef,
		Timezone:       a.Timezone,
	}
}
