package domain

import (
	"context"
	"errors"
)

// Taxonomía de errores. Se envuelven con fmt.Errorf("...: %w", Err...) y se
// distinguen con errors.Is.
var (
	// ErrTransient cubre timeouts de red y un backend de automatización ocupado.
	ErrTransient = errors.New("transient failure")
	// ErrConfiguration indica que la cuenta no puede correr hasta que un operador la corrija.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrAccountBlocked es un bloqueo de la plataforma. Nunca se reintenta solo.
	ErrAccountBlocked = errors.New("account blocked")
	// ErrResourceExhausted es un resultado de scheduling (tope diario, rate limit), no una falla.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrConflict se retorna cuando un cambio de estado compare-and-swap pierde.
	ErrConflict = errors.New("conflict")
	// ErrNotFound se retorna para cuentas o items desconocidos.
	ErrNotFound = errors.New("not found")
)

// ErrorKind nombra una categoría de la taxonomía para logs y status
type ErrorKind string

const (
	KindTransient         ErrorKind = "transient"
	KindConfiguration     ErrorKind = "configuration"
	KindAccountBlocked    ErrorKind = "account_blocked"
	KindResourceExhausted ErrorKind = "resource_exhausted"
	KindConflict          ErrorKind = "conflict"
	KindNotFound          ErrorKind = "not_found"
)

// Classify ubica err en la taxonomía. Lo no reconocido, incluidos los
// deadlines de context, es transitorio.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAccountBlocked):
		return KindAccountBlocked
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindTransient
	}
}

// IsBlocked es un atajo de errors.Is(err, ErrAccountBlocked)
func IsBlocked(err error) bool {
	return errors.Is(err, ErrAccountBlocked)
}
