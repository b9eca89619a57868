package daemon

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elsanchez/pupiter/internal/automation"
	"github.com/elsanchez/pupiter/internal/clock"
	"github.com/elsanchez/pupiter/internal/domain"
	"github.com/elsanchez/pupiter/internal/driver/memdriver"
	"github.com/elsanchez/pupiter/internal/logging"
	"github.com/elsanchez/pupiter/internal/orchestrator"
	"github.com/elsanchez/pupiter/internal/profile"
	"github.com/elsanchez/pupiter/internal/queue"
	"github.com/elsanchez/pupiter/internal/ratelimit"
	"github.com/elsanchez/pupiter/pkg/client"
)

func startServer(t *testing.T) (*client.Client, *memdriver.Driver) {
	t.Helper()

	// Los sockets unix tienen un límite de ~100 bytes de path
	dir, err := os.MkdirTemp("", "pupiter")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "d.sock")

	clk := clock.Fake(time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC))
	drv := memdriver.New()
	orch := orchestrator.New(orchestrator.Config{MaxConcurrent: 2, Controller: automation.DefaultConfig()}, orchestrator.Deps{
		Clock:     clk,
		Limiter:   ratelimit.New(ratelimit.Config{DefaultMaxPostsPerDay: 5, Seed: 3}, clk),
		Profiles:  profile.New(drv, logging.Discard()),
		Queue:     queue.New(queue.DefaultConfig(), clk, nil, logging.Discard()),
		Publisher: drv,
		Logger:    logging.Discard(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(socket, NewHandlers(orch), logging.Discard())
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() {
		cancel()
		srv.Stop()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		orch.Shutdown(sctx)
	})

	return client.NewClient(socket), drv
}

func TestServer_AccountAndMediaLifecycle(t *testing.T) {
	c, drv := startServer(t)

	require.NoError(t, c.Ping())

	acc, err := c.AddAccount(domain.Account{Name: "shop", CredentialsRef: "/secrets/shop.txt", MaxPostsPerDay: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, acc.ID)

	_, err = c.AddAccount(domain.Account{Name: "broken"})
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	accounts, err := c.ListAccounts()
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	byName, err := c.GetAccount("shop")
	require.NoError(t, err)
	assert.Equal(t, acc.ID, byName.ID)

	_, err = c.GetAccount("ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	item, err := c.Push(client.PushOptions{Account: "shop", SourceRef: "/media/1.jpg", Caption: "hi", Priority: "high"})
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHigh, item.Priority)
	assert.Equal(t, acc.ID, item.AccountID)

	_, err = c.Push(client.PushOptions{Account: "shop", SourceRef: "/media/2.jpg", Priority: "urgent"})
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	items, err := c.ListMedia("shop")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	st, err := c.Control("start", "shop")
	require.NoError(t, err)
	assert.True(t, st.IsRunning)

	require.Eventually(t, func() bool { return len(drv.Published(acc.ID)) == 1 }, 5*time.Second, 10*time.Millisecond)

	agg, err := c.Status()
	require.NoError(t, err)
	require.Len(t, agg.Accounts, 1)
	assert.Equal(t, "shop", agg.Accounts[0].AccountName)
	assert.Equal(t, 2, agg.MaxConcurrent)

	one, err := c.AccountStatus("shop")
	require.NoError(t, err)
	assert.Equal(t, 1, one.PublishedToday)

	results, err := c.ControlAll("stop")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Error)

	_, err = c.RequeueMedia(item.ID)
	assert.ErrorIs(t, err, domain.ErrConflict, "published items cannot be requeued")
	assert.ErrorIs(t, c.RemoveMedia("missing"), domain.ErrNotFound)

	require.NoError(t, c.RemoveAccount("shop"))
	accounts, err = c.ListAccounts()
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestServer_UnknownActionAndBadPayload(t *testing.T) {
	c, _ := startServer(t)

	resp, err := c.Send(&client.Request{Action: "explode"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "unknown_action", resp.Code)

	resp, err = c.Send(&client.Request{Action: ActionMediaPush, Payload: json.RawMessage(`[1,2]`)})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "configuration", resp.Code)

	_, err = c.Control("pause", "")
	assert.ErrorIs(t, err, domain.ErrConfiguration, "account is required")
}

func TestServer_StopRemovesSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "pupiter")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	socket := filepath.Join(dir, "d.sock")

	srv := NewServer(socket, NewHandlers(nil), logging.Discard())
	require.NoError(t, srv.Start(context.Background()))

	info, err := os.Stat(socket)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, srv.Stop())
	_, err = os.Stat(socket)
	assert.True(t, os.IsNotExist(err))

	_, err = net.Dial("unix", socket)
	assert.Error(t, err)
	assert.True(t, client.IsNotRunning(client.NewClient(socket).Ping()))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "blocked", ErrorCode(domain.ErrAccountBlocked))
	assert.Equal(t, "transient", ErrorCode(domain.ErrTransient))
	assert.Equal(t, "internal", ErrorCode(assert.AnError))
}
