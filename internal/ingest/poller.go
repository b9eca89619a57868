// Package ingest alimenta la cola de publicación desde un árbol de carpetas
// con la forma <inbox>/<nombre o id de cuenta>/<archivos de media>.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/elsanchez/pupiter/internal/clock"
	"github.com/elsanchez/pupiter/internal/domain"
	"github.com/elsanchez/pupiter/internal/logging"
)

// DefaultExtensions son los formatos que las plataformas aceptan
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".mp4", ".mov"}

// Sink recibe los items nuevos
type Sink interface {
	Accounts() []domain.Account
	Push(ctx context.Context, item domain.MediaItem) (domain.MediaItem, error)
}

// Known reporta media ya encolada en una corrida anterior. Opcional.
type Known interface {
	GetBySourceRef(ctx context.Context, accountID, sourceRef string) (*domain.MediaItem, error)
}

// Config del poller
type Config struct {
	Dir        string
	Interval   time.Duration
	Extensions []string
	// MinAge salta archivos modificados hace menos tiempo, así los que están
	// a medio copiar se toman en una pasada posterior.
	MinAge time.Duration
}

// Poller escanea el inbox periódicamente
type Poller struct {
	cfg   Config
	sink  Sink
	known Known
	clock clock.Clock
	log   *logrus.Entry
	exts  map[string]bool

	mu   sync.Mutex
	seen map[string]bool // account id + "\x00" + path
}

// New crea el poller. known y clk pueden ser nil.
func New(cfg Config, sink Sink, known Known, clk clock.Clock, logger logrus.FieldLogger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultExtensions
	}
	if clk == nil {
		clk = clock.Real()
	}
	exts := make(map[string]bool, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = true
	}
	return &Poller{
		cfg:   cfg,
		sink:  sink,
		known: known,
		clock: clk,
		log:   logging.Module(logger, "ingest"),
		exts:  exts,
		seen:  make(map[string]bool),
	}
}

// Run escanea al inicio y luego en cada tick hasta que ctx termine
func (p *Poller) Run(ctx context.Context) error {
	p.log.WithFields(logrus.Fields{"dir": p.cfg.Dir, "interval": p.cfg.Interval}).Info("inbox poller started")

	// Procesar inmediatamente al inicio
	p.scanAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("inbox poller stopped")
			return nil
		case <-p.clock.After(p.cfg.Interval):
			p.scanAndLog(ctx)
		}
	}
}

func (p *Poller) scanAndLog(ctx context.Context) {
	n, err := p.Scan(ctx)
	if err != nil {
		logging.LogError(p.log, "ingest", "Scan", "scan inbox", p.cfg.Dir, err)
	}
	if n > 0 {
		p.log.WithField("items", n).Info("media queued from inbox")
	}
}

// Scan encola cada archivo nuevo una sola vez y retorna cuántos se encolaron
func (p *Poller) Scan(ctx context.Context) (int, error) {
	if _, err := os.Stat(p.cfg.Dir); err != nil {
		return 0, fmt.Errorf("inbox: %w", err)
	}

	queued := 0
	var errs []error
	for _, acc := range p.sink.Accounts() {
		dir := p.accountDir(acc)
		if dir == "" {
			continue
		}
		files, err := p.collectMediaFiles(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", acc.ID, err))
			continue
		}
		for _, path := range files {
			if ctx.Err() != nil {
				return queued, ctx.Err()
			}
			ok, err := p.push(ctx, acc, path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				queued++
			}
		}
	}
	return queued, errors.Join(errs...)
}

// accountDir busca la carpeta por nombre y luego por id
func (p *Poller) accountDir(acc domain.Account) string {
	for _, name := range []string{acc.Name, acc.ID} {
		if name == "" || strings.ContainsAny(name, `/\`) {
			continue
		}
		dir := filepath.Join(p.cfg.Dir, name)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}

// collectMediaFiles lista los archivos aceptados, del más viejo al más nuevo
func (p *Poller) collectMediaFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var found []candidate
	cutoff := p.clock.Now().Add(-p.cfg.MinAge)

	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if !p.exts[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if p.cfg.MinAge > 0 && info.ModTime().After(cutoff) {
			continue
		}
		found = append(found, candidate{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}

	sort.SliceStable(found, func(i, j int) bool {
		if !found[i].modTime.Equal(found[j].modTime) {
			return found[i].modTime.Before(found[j].modTime)
		}
		return found[i].path < found[j].path
	})

	paths := make([]string, len(found))
	for i, c := range found {
		paths[i] = c.path
	}
	return paths, nil
}

func (p *Poller) push(ctx context.Context, acc domain.Account, path string) (bool, error) {
	key := acc.ID + "\x00" + path
	p.mu.Lock()
	done := p.seen[key]
	p.mu.Unlock()
	if done {
		return false, nil
	}

	if p.known != nil {
		if _, err := p.known.GetBySourceRef(ctx, acc.ID, path); err == nil {
			p.markSeen(key)
			return false, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return false, fmt.Errorf("lookup %s: %w", path, err)
		}
	}

	_, err := p.sink.Push(ctx, domain.MediaItem{
		AccountID: acc.ID,
		SourceRef: path,
		Caption:   readCaption(path),
		Priority:  domain.PriorityNormal,
	})
	switch {
	case err == nil:
		p.markSeen(key)
		return true, nil
	case errors.Is(err, domain.ErrConflict):
		p.markSeen(key)
		return false, nil
	default:
		return false, fmt.Errorf("push %s: %w", path, err)
	}
}

func (p *Poller) markSeen(key string) {
	p.mu.Lock()
	p.seen[key] = true
	p.mu.Unlock()
}

// readCaption lee el texto de "foto.jpg.txt" o "foto.txt" si existe
func readCaption(path string) string {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	for _, candidate := range []string{path + ".txt", base + ".txt"} {
		data, err := os.ReadFile(candidate)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return ""
}
