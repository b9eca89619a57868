package automation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elsanchez/pupiter/internal/clock"
	"github.com/elsanchez/pupiter/internal/domain"
	"github.com/elsanchez/pupiter/internal/driver/memdriver"
	"github.com/elsanchez/pupiter/internal/logging"
	"github.com/elsanchez/pupiter/internal/profile"
	"github.com/elsanchez/pupiter/internal/queue"
	"github.com/elsanchez/pupiter/internal/ratelimit"
)

type harness struct {
	clk *clock.FakeClock
	drv *memdriver.Driver
	lim *ratelimit.Limiter
	q   *queue.Queue
	c   *Controller
	acc domain.Account
}

func newHarness(t *testing.T, start time.Time, acc domain.Account, cfg Config) *harness {
	t.Helper()
	h := &harness{
		clk: clock.Fake(start),
		drv: memdriver.New(),
		acc: acc,
	}
	h.lim = ratelimit.New(ratelimit.Config{DefaultMaxPostsPerDay: 10, Seed: 7}, h.clk)
	require.NoError(t, h.lim.SetPolicy(acc))
	h.q = queue.New(queue.Config{RetryCeiling: 3, RetryBase: time.Minute, RetryCap: time.Hour}, h.clk, nil, logging.Discard())

	h.c = New(acc, Deps{
		Clock:     h.clk,
		Limiter:   h.lim,
		Profiles:  profile.New(h.drv, logging.Discard()),
		Queue:     h.q,
		Publisher: h.drv,
		Logger:    logging.Discard(),
	}, cfg)
	return h
}

func (h *harness) push(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		item, err := h.q.Push(context.Background(), domain.MediaItem{
			ID:        fmt.Sprintf("m%d", i+1),
			AccountID: h.acc.ID,
			SourceRef: fmt.Sprintf("/media/%d.mp4", i+1),
		})
		require.NoError(t, err)
		ids = append(ids, item.ID)
	}
	return ids
}

// simulate corre ciclos directamente sobre tiempo virtual hasta que pase span
func (h *harness) simulate(t *testing.T, span time.Duration, each func()) {
	t.Helper()
	ctx := context.Background()
	var elapsed time.Duration
	for steps := 0; elapsed < span; steps++ {
		require.Less(t, steps, 1000, "simulation did not converge")
		wait, ok := h.c.cycle(ctx)
		require.True(t, ok, "controller halted at %s", h.clk.Now())
		if each != nil {
			each()
		}
		if wait == 0 {
			continue
		}
		step := span - elapsed
		if wait > 0 && wait < step {
			step = wait
		}
		h.clk.Advance(step)
		elapsed += step
	}
}

func (h *harness) countStatus(status domain.MediaStatus) int {
	n := 0
	for _, item := range h.q.List(h.acc.ID) {
		if item.Status == status {
			n++
		}
	}
	return n
}

func baseAccount() domain.Account {
	return domain.Account{ID: "acc-1", Name: "shop", CredentialsRef: "cookies.txt"}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestController_ThreeHoursWithDailyCap(t *testing.T) {
	acc := baseAccount()
	acc.MaxPostsPerDay = 2
	acc.Interval = domain.PublishingInterval{MinHours: 1, MaxHours: 1}
	h := newHarness(t, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC), acc, Config{})
	h.push(t, 5)

	h.simulate(t, 3*time.Hour, nil)

	assert.Equal(t, 2, h.countStatus(domain.MediaPublished))
	assert.Equal(t, 3, h.countStatus(domain.MediaPending))
	assert.Len(t, h.drv.Published("acc-1"), 2)

	st := h.c.Status()
	assert.Equal(t, 2, st.PublishedToday)
	assert.Equal(t, 3, st.RemainingInQueue)

	h.c.mu.Lock()
	next := h.c.nextAttempt
	h.c.mu.Unlock()
	assert.True(t, time.Date(2026, 5, 5, 0, 0, 0, 0, time.UTC).Equal(next), "next attempt at local midnight, got %s", next)
}

func TestController_DailyCapHoldsUnderRetries(t *testing.T) {
	acc := baseAccount()
	acc.MaxPostsPerDay = 2
	h := newHarness(t, time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC), acc, Config{})
	h.push(t, 6)
	transient := fmt.Errorf("upload reset: %w", domain.ErrTransient)
	h.drv.FailPublish("acc-1", transient, transient, transient, transient)

	h.simulate(t, 15*time.Hour, func() {
		u, _ := h.lim.Usage("acc-1")
		require.LessOrEqual(t, u.PublishedToday, 2)
	})

	u, _ := h.lim.Usage("acc-1")
	assert.Equal(t, 2, u.PublishedToday)
	assert.Len(t, h.drv.Published("acc-1"), 2)
	assert.Zero(t, u.Reserved, "failed attempts released their reservation")
	assert.Zero(t, h.countStatus(domain.MediaPublishing))
}

func TestController_RefusalDoesNotTouchProfile(t *testing.T) {
	acc := baseAccount()
	acc.WorkingHours = domain.WorkingHours{StartHour: 9, EndHour: 17}
	h := newHarness(t, time.Date(2026, 5, 4, 7, 0, 0, 0, time.UTC), acc, Config{})
	h.push(t, 1)

	wait, ok := h.c.cycle(context.Background())
	require.True(t, ok)
	assert.Equal(t, 2*time.Hour, wait)
	assert.Equal(t, domain.StateAwaitingPermit, h.c.State(), "a permit wait is visible in the status")
	assert.Zero(t, h.drv.CreateCalls("acc-1"))

	u, _ := h.lim.Usage("acc-1")
	assert.Zero(t, u.Reserved)
}

func TestController_EmptyQueueWaitsForWake(t *testing.T) {
	h := newHarness(t, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC), baseAccount(), Config{})
	wait, ok := h.c.cycle(context.Background())
	require.True(t, ok)
	assert.Equal(t, forever, wait)
}

func TestController_StopWhilePublishing(t *testing.T) {
	h := newHarness(t, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC), baseAccount(), Config{})
	h.push(t, 2)

	entered := make(chan string, 1)
	release := make(chan struct{})
	h.drv.SetPublishHook(func(item domain.MediaItem) {
		entered <- item.ID
		<-release
	})

	require.NoError(t, h.c.Start(context.Background()))

	var inFlight string
	select {
	case inFlight = <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("publish never started")
	}
	h.c.Stop()
	assert.Equal(t, domain.StatePublishing, h.c.State())
	item, _ := h.q.Get(inFlight)
	assert.Equal(t, domain.MediaPublishing, item.Status)

	close(release)
	require.NoError(t, h.c.Wait(waitCtx(t)))

	item, _ = h.q.Get(inFlight)
	assert.Equal(t, domain.MediaPublished, item.Status, "in-flight attempt completed")
	assert.Zero(t, h.countStatus(domain.MediaPublishing))
	assert.Equal(t, 1, h.countStatus(domain.MediaPending))
	assert.Equal(t, 1, h.drv.PublishCalls("acc-1"))

	st := h.c.Status()
	assert.False(t, st.IsRunning)
	assert.Equal(t, domain.StateStopped, st.State)
}

func TestController_BlockedDuringAuthentication(t *testing.T) {
	h := newHarness(t, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC), baseAccount(), Config{})
	h.push(t, 1)
	h.drv.SetLoginError("acc-1", fmt.Errorf("checkpoint required: %w", domain.ErrAccountBlocked))

	require.NoError(t, h.c.Start(context.Background()))
	require.NoError(t, h.c.Wait(waitCtx(t)), "blocked controller parks by itself")

	st := h.c.Status()
	assert.Equal(t, domain.StateBlocked, st.State)
	assert.Equal(t, domain.AuthBlocked, st.AuthStatus)
	assert.False(t, st.IsRunning)
	assert.NotEmpty(t, st.Errors)
	assert.Zero(t, h.drv.PublishCalls("acc-1"))
	assert.Equal(t, 1, h.countStatus(domain.MediaPending))

	u, _ := h.lim.Usage("acc-1")
	assert.Zero(t, u.Reserved, "no permit was requested")

	err := h.c.Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrAccountBlocked, "start does not clear a block")

	h.drv.SetLoginError("acc-1", nil)
	require.NoError(t, h.c.Restart(context.Background()))
	require.Eventually(t, func() bool { return len(h.drv.Published("acc-1")) == 1 }, 5*time.Second, 10*time.Millisecond)

	h.c.Stop()
	require.NoError(t, h.c.Wait(waitCtx(t)))
	assert.Equal(t, domain.AuthAuthenticated, h.c.Status().AuthStatus)
}

func TestController_RestartSurvivesTerminalCycle(t *testing.T) {
	h := newHarness(t, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC), baseAccount(), Config{})
	h.push(t, 1)
	h.drv.FailPublish("acc-1", fmt.Errorf("account suspended: %w", domain.ErrAccountBlocked))

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	h.drv.SetPublishHook(func(domain.MediaItem) {
		entered <- struct{}{}
		<-release
	})

	require.NoError(t, h.c.Start(context.Background()))
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("publish never started")
	}

	// El intento en curso termina Blocked después de aceptado el Restart.
	require.NoError(t, h.c.Restart(context.Background()))
	close(release)

	require.Eventually(t, func() bool { return len(h.drv.Published("acc-1")) == 1 }, 5*time.Second, 10*time.Millisecond)
	st := h.c.Status()
	assert.True(t, st.IsRunning)
	assert.NotEqual(t, domain.StateBlocked, st.State)
	assert.Equal(t, 2, h.drv.PublishCalls("acc-1"))

	h.c.Stop()
	require.NoError(t, h.c.Wait(waitCtx(t)))
}

func TestController_ConfigurationErrorHaltsWithoutRetry(t *testing.T) {
	misconfigured := fmt.Errorf("missing credentials: %w", domain.ErrConfiguration)

	t.Run("login", func(t *testing.T) {
		h := newHarness(t, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC), baseAccount(), Config{FailureThreshold: 3})
		h.push(t, 1)
		h.drv.SetLoginError("acc-1", misconfigured)

		_, ok := h.c.cycle(context.Background())
		require.False(t, ok, "configuration errors are not backed off")
		st := h.c.Status()
		assert.Equal(t, domain.StateError, st.State)
		assert.Equal(t, domain.AuthError, st.AuthStatus)
		assert.Zero(t, st.ConsecutiveFailures)
		assert.NotEmpty(t, st.Errors)
		assert.Zero(t, h.drv.PublishCalls("acc-1"))
	})

	t.Run("profile create", func(t *testing.T) {
		h := newHarness(t, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC), baseAccount(), Config{FailureThreshold: 3})
		h.push(t, 1)
		h.drv.FailCreate("acc-1", misconfigured)

		_, ok := h.c.cycle(context.Background())
		require.False(t, ok)
		assert.Equal(t, domain.StateError, h.c.State())
		assert.Equal(t, 1, h.drv.CreateCalls("acc-1"))

		err := h.c.Start(context.Background())
		assert.ErrorIs(t, err, domain.ErrConflict, "restart required after a configuration error")
	})
}

func TestController_BlockedDuringPublishKeepsItem(t *testing.T) {
	h := newHarness(t, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC), baseAccount(), Config{})
	h.push(t, 1)
	h.drv.FailPublish("acc-1", fmt.Errorf("account suspended: %w", domain.ErrAccountBlocked))

	_, ok := h.c.cycle(context.Background())
	require.False(t, ok)
	assert.Equal(t, domain.StateBlocked, h.c.State())

	item, _ := h.q.Get("m1")
	assert.Equal(t, domain.MediaPending, item.Status)
	assert.Zero(t, item.RetryCount)
}

func TestController_ProfileFailureThreshold(t *testing.T) {
	h := newHarness(t, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC), baseAccount(), Config{
		FailureThreshold: 2,
		RetryBase:        time.Second,
		RetryCap:         time.Minute,
	})
	h.push(t, 1)
	down := fmt.Errorf("backend unreachable: %w", domain.ErrTransient)
	h.drv.FailCreate("acc-1", down, down, down)

	ctx := context.Background()
	wait, ok := h.c.cycle(ctx)
	require.True(t, ok)
	assert.Equal(t, time.Second, wait)

	wait, ok = h.c.cycle(ctx)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, wait)

	_, ok = h.c.cycle(ctx)
	require.False(t, ok)
	assert.Equal(t, domain.StateError, h.c.State())
	assert.Equal(t, 3, h.c.Status().ConsecutiveFailures)
	assert.Equal(t, 3, h.drv.CreateCalls("acc-1"))

	require.NoError(t, h.c.Restart(ctx))
	require.Eventually(t, func() bool { return len(h.drv.Published("acc-1")) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.c.Status().ConsecutiveFailures)

	h.c.Stop()
	require.NoError(t, h.c.Wait(waitCtx(t)))
}

func TestController_PauseResume(t *testing.T) {
	h := newHarness(t, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC), baseAccount(), Config{})
	h.push(t, 1)

	h.c.Pause()
	require.NoError(t, h.c.Start(context.Background()))
	require.NoError(t, h.c.Start(context.Background()), "second start is a no-op")

	assert.Never(t, func() bool { return h.drv.PublishCalls("acc-1") > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	st := h.c.Status()
	assert.True(t, st.IsRunning)
	assert.True(t, st.IsPaused)
	assert.Equal(t, domain.QueuePaused, st.QueueStatus)

	h.c.Resume()
	require.Eventually(t, func() bool { return len(h.drv.Published("acc-1")) == 1 }, 5*time.Second, 10*time.Millisecond)

	h.c.Stop()
	require.NoError(t, h.c.Wait(waitCtx(t)))
	assert.Equal(t, domain.QueueEmpty, h.c.Status().QueueStatus)
}

func TestController_ConcurrencySlot(t *testing.T) {
	h := newHarness(t, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC), baseAccount(), Config{})
	slots := make(chan struct{}, 1)
	h.c.deps.Slots = slots
	slots <- struct{}{} // ocupado por otro
	h.push(t, 1)

	require.NoError(t, h.c.Start(context.Background()))
	assert.Never(t, func() bool { return h.drv.PublishCalls("acc-1") > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	<-slots
	require.Eventually(t, func() bool { return len(h.drv.Published("acc-1")) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(slots) == 0 }, 5*time.Second, 10*time.Millisecond, "slot released after the cycle")

	h.c.Stop()
	require.NoError(t, h.c.Wait(waitCtx(t)))
}

func TestController_ShutdownContextParks(t *testing.T) {
	h := newHarness(t, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC), baseAccount(), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.c.Start(ctx))
	cancel()
	require.NoError(t, h.c.Wait(waitCtx(t)))
	assert.False(t, h.c.Status().IsRunning)
}

func TestRing_DropsOldest(t *testing.T) {
	r := newRing(3)
	assert.Empty(t, r.snapshot())
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		r.add(s)
	}
	assert.Equal(t, []string{"c", "d", "e"}, r.snapshot())
	r.reset()
	assert.Empty(t, r.snapshot())
}
