package automation

// ring es un buffer de líneas de tamaño fijo; al llenarse descarta la más vieja.
// No es seguro para uso concurrente; el controller lo protege con su mutex.
type ring struct {
	lines []string
	next  int
	full  bool
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 1
	}
	return &ring{lines: make([]string, size)}
}

func (r *ring) add(line string) {
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot retorna las líneas de la más vieja a la más nueva
func (r *ring) snapshot() []string {
	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	return append(out, r.lines[:r.next]...)
}

func (r *ring) reset() {
	for i := range r.lines {
		r.lines[i] = ""
	}
	r.next, r.full = 0, false
}
