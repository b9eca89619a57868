// Package clock permite manejar el scheduler con tiempo virtual en tests.
//
// El código de producción guarda un Clock y llama a Now/After en vez del
// paquete time. Real() es el reloj de pared; Fake() sólo avanza con Advance.
package clock

import "time"

// Clock es la parte del paquete time que necesita el scheduler
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real retorna el reloj de pared
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
