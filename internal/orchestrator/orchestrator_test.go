package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elsanchez/pupiter/internal/automation"
	"github.com/elsanchez/pupiter/internal/clock"
	"github.com/elsanchez/pupiter/internal/domain"
	"github.com/elsanchez/pupiter/internal/driver/memdriver"
	"github.com/elsanchez/pupiter/internal/logging"
	"github.com/elsanchez/pupiter/internal/profile"
	"github.com/elsanchez/pupiter/internal/queue"
	"github.com/elsanchez/pupiter/internal/ratelimit"
	"github.com/elsanchez/pupiter/internal/repository/sqlite"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type checkerFunc func(domain.Account) error

func (f checkerFunc) Check(acc domain.Account) error { return f(acc) }

type fixture struct {
	clk *clock.FakeClock
	drv *memdriver.Driver
	lim *ratelimit.Limiter
	q   *queue.Queue
	o   *Orchestrator
}

func newFixture(t *testing.T, maxConcurrent int, mutate func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{clk: clock.Fake(t0), drv: memdriver.New()}
	f.lim = ratelimit.New(ratelimit.Config{DefaultMaxPostsPerDay: 10, Seed: 1}, f.clk)

	deps := Deps{
		Clock:     f.clk,
		Limiter:   f.lim,
		Profiles:  profile.New(f.drv, logging.Discard()),
		Publisher: f.drv,
		Logger:    logging.Discard(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	var store queue.Store
	if deps.Media != nil {
		store = deps.Media
	}
	f.q = queue.New(queue.DefaultConfig(), f.clk, store, logging.Discard())
	deps.Queue = f.q

	f.o = New(Config{MaxConcurrent: maxConcurrent, Controller: automation.DefaultConfig()}, deps)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.o.Shutdown(ctx)
	})
	return f
}

func account(id string) domain.Account {
	return domain.Account{ID: id, Name: id, CredentialsRef: "/secrets/" + id + ".txt"}
}

func (f *fixture) add(t *testing.T, id string, items int) {
	t.Helper()
	_, err := f.o.AddAccount(context.Background(), account(id))
	require.NoError(t, err)
	for i := 0; i < items; i++ {
		_, err := f.o.Push(context.Background(), domain.MediaItem{
			AccountID: id,
			SourceRef: fmt.Sprintf("/media/%s-%d.jpg", id, i),
		})
		require.NoError(t, err)
	}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestOrchestrator_UnknownAccount(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()

	assert.ErrorIs(t, f.o.Start(ctx, "nope"), domain.ErrNotFound)
	assert.ErrorIs(t, f.o.Stop(ctx, "nope"), domain.ErrNotFound)
	assert.ErrorIs(t, f.o.Pause("nope"), domain.ErrNotFound)
	assert.ErrorIs(t, f.o.Resume("nope"), domain.ErrNotFound)
	assert.ErrorIs(t, f.o.Restart(ctx, "nope"), domain.ErrNotFound)
	assert.ErrorIs(t, f.o.RemoveAccount(ctx, "nope"), domain.ErrNotFound)
	_, err := f.o.AccountStatus("nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.o.Push(ctx, domain.MediaItem{AccountID: "nope", SourceRef: "x.jpg"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrchestrator_AddAccountValidation(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()

	_, err := f.o.AddAccount(ctx, domain.Account{ID: "a"})
	assert.ErrorIs(t, err, domain.ErrConfiguration, "credentials are required")

	bad := account("a")
	bad.Timezone = "Mars/Olympus"
	_, err = f.o.AddAccount(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	acc, err := f.o.AddAccount(ctx, domain.Account{CredentialsRef: "c.txt"})
	require.NoError(t, err)
	assert.NotEmpty(t, acc.ID, "id is generated")
	assert.Equal(t, acc.ID, acc.Name)

	_, err = f.o.AddAccount(ctx, acc)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestOrchestrator_StartStopIdempotent(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	f.add(t, "a", 0)

	require.NoError(t, f.o.Start(ctx, "a"))
	require.NoError(t, f.o.Start(ctx, "a"))
	st, err := f.o.AccountStatus("a")
	require.NoError(t, err)
	assert.True(t, st.IsRunning)

	acc, _ := f.o.Account("a")
	assert.True(t, acc.AutomationEnabled)

	require.NoError(t, f.o.Stop(ctx, "a"))
	require.NoError(t, f.o.Stop(ctx, "a"))
	require.Eventually(t, func() bool {
		st, _ := f.o.AccountStatus("a")
		return !st.IsRunning
	}, 5*time.Second, 10*time.Millisecond)

	acc, _ = f.o.Account("a")
	assert.False(t, acc.AutomationEnabled)
	assert.Zero(t, f.o.Status().Running)
}

func TestOrchestrator_AccountsAreIsolated(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	f.add(t, "a", 1)
	f.add(t, "b", 1)
	f.drv.SetLoginError("a", fmt.Errorf("checkpoint: %w", domain.ErrAccountBlocked))

	require.NoError(t, f.o.Start(ctx, "a"))
	require.NoError(t, f.o.Start(ctx, "b"))

	require.Eventually(t, func() bool { return len(f.drv.Published("b")) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		st, _ := f.o.AccountStatus("a")
		return st.State == domain.StateBlocked
	}, 5*time.Second, 10*time.Millisecond)

	stB, _ := f.o.AccountStatus("b")
	assert.NotEqual(t, domain.StateBlocked, stB.State)
	assert.Empty(t, stB.Errors)
	assert.Empty(t, f.drv.Published("a"))

	// Start no limpia el bloqueo; Restart sí.
	assert.ErrorIs(t, f.o.Start(ctx, "a"), domain.ErrAccountBlocked)
	f.drv.SetLoginError("a", nil)
	require.NoError(t, f.o.Restart(ctx, "a"))
	require.Eventually(t, func() bool { return len(f.drv.Published("a")) == 1 }, 5*time.Second, 10*time.Millisecond)

	agg := f.o.Status()
	require.Len(t, agg.Accounts, 2)
	assert.Equal(t, "a", agg.Accounts[0].AccountName)
	assert.Equal(t, "b", agg.Accounts[1].AccountName)
}

func TestOrchestrator_MaxConcurrentCapsPublishing(t *testing.T) {
	f := newFixture(t, 1, nil)
	ctx := context.Background()

	var inflight, peak atomic.Int32
	f.drv.SetPublishHook(func(domain.MediaItem) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
	})

	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		f.add(t, id, 1)
	}
	for _, id := range ids {
		require.NoError(t, f.o.Start(ctx, id))
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if len(f.drv.Published(id)) != 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), peak.Load())
	agg := f.o.Status()
	assert.Equal(t, 1, agg.MaxConcurrent)
	assert.Equal(t, 3, agg.Running)
}

func TestOrchestrator_CredentialCheckBlocksStart(t *testing.T) {
	missing := errors.New("cookie file not found")
	f := newFixture(t, 0, func(d *Deps) {
		d.Credentials = checkerFunc(func(acc domain.Account) error {
			if acc.ID == "bad" {
				return fmt.Errorf("%w: %v", domain.ErrConfiguration, missing)
			}
			return nil
		})
	})
	ctx := context.Background()
	f.add(t, "bad", 1)
	f.add(t, "good", 0)

	err := f.o.Start(ctx, "bad")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	st, _ := f.o.AccountStatus("bad")
	assert.False(t, st.IsRunning)
	assert.NoError(t, f.o.Start(ctx, "good"))
}

func TestOrchestrator_RemoveAccount(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	f.add(t, "a", 1)
	require.NoError(t, f.o.Start(ctx, "a"))
	require.Eventually(t, func() bool { return len(f.drv.Published("a")) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.o.RemoveAccount(ctx, "a"))
	_, err := f.o.Account("a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, f.o.Items("a"))
	_, known := f.lim.Usage("a")
	assert.False(t, known)
}

func TestOrchestrator_BootRestoresFromStorage(t *testing.T) {
	db, err := sqlite.NewDatabase(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	acc := account("shop")
	acc.MaxPostsPerDay = 2
	acc.AutomationEnabled = true
	acc.ProfileID = "profile-old"
	require.NoError(t, db.AccountRepo.Create(ctx, &acc))
	idle := account("idle")
	require.NoError(t, db.AccountRepo.Create(ctx, &idle))

	earlier := t0.Add(-2 * time.Hour)
	require.NoError(t, db.MediaRepo.Save(ctx, &domain.MediaItem{ID: "p1", AccountID: "shop", SourceRef: "1.jpg", Status: domain.MediaPublished, Seq: 1, PublishedAt: &earlier}))
	require.NoError(t, db.MediaRepo.Save(ctx, &domain.MediaItem{ID: "p2", AccountID: "shop", SourceRef: "2.jpg", Status: domain.MediaPublished, Seq: 2, PublishedAt: &earlier}))
	require.NoError(t, db.MediaRepo.Save(ctx, &domain.MediaItem{ID: "m3", AccountID: "shop", SourceRef: "3.jpg", Status: domain.MediaPending, Seq: 3}))
	require.NoError(t, db.MediaRepo.Save(ctx, &domain.MediaItem{ID: "m4", AccountID: "shop", SourceRef: "4.jpg", Status: domain.MediaPublishing, Seq: 4}))

	f := newFixture(t, 0, func(d *Deps) {
		d.Accounts = db.AccountRepo
		d.Media = db.MediaRepo
	})
	require.NoError(t, f.o.Boot(ctx))

	assert.Len(t, f.o.Accounts(), 2)

	u, ok := f.lim.Usage("shop")
	require.True(t, ok)
	assert.Equal(t, 2, u.PublishedToday)
	assert.Equal(t, 2, u.TotalPublished)

	interrupted, ok := f.q.Get("m4")
	require.True(t, ok)
	assert.Equal(t, domain.MediaFailed, interrupted.Status)
	assert.Equal(t, queue.InterruptedMessage, interrupted.LastError)

	st, err := f.o.AccountStatus("shop")
	require.NoError(t, err)
	assert.True(t, st.IsRunning, "automation enabled accounts start at boot")
	idleSt, _ := f.o.AccountStatus("idle")
	assert.False(t, idleSt.IsRunning)

	// Cupo diario agotado: nada se publica hasta medianoche.
	assert.Never(t, func() bool { return f.drv.PublishCalls("shop") > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	pending, ok := f.q.Get("m3")
	require.True(t, ok)
	assert.Equal(t, domain.MediaPending, pending.Status)

	require.NoError(t, f.o.Shutdown(waitCtx(t)))
	assert.Zero(t, f.o.Status().Running)
}

func TestOrchestrator_ProfileIDPersisted(t *testing.T) {
	db, err := sqlite.NewDatabase(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	f := newFixture(t, 0, func(d *Deps) {
		d.Accounts = db.AccountRepo
		d.Media = db.MediaRepo
	})
	f.add(t, "a", 1)
	require.NoError(t, f.o.Start(ctx, "a"))
	require.Eventually(t, func() bool {
		items, err := db.MediaRepo.GetByAccount(ctx, "a")
		return err == nil && len(items) == 1 && items[0].Status == domain.MediaPublished
	}, 5*time.Second, 10*time.Millisecond)

	stored, err := db.AccountRepo.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ProfileID)
	assert.True(t, stored.AutomationEnabled)
}
