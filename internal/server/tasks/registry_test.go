package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/notebookhub/internal/common"
	"github.com/dmitrijs2005/notebookhub/internal/server/models"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func create(t *testing.T, r *Registry, tenant string) string {
	t.Helper()
	tok, err := r.Create(models.KindCopy, tenant, models.Remote("a/"), models.Remote("b/"))
	require.NoError(t, err)
	return tok
}

func finish(t *testing.T, r *Registry, token string, s models.TransferStatus) {
	t.Helper()
	require.NoError(t, r.Update(token, Update{Status: Status(s)}))
}

func TestCreate_Queued(t *testing.T) {
	clk := newClock()
	r := NewRegistry(WithClock(clk.Now))

	tok := create(t, r, "alice")
	assert.Len(t, tok, 32)

	task, err := r.Get(tok)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, task.Status)
	assert.Equal(t, "alice", task.Tenant)
	assert.Equal(t, models.KindCopy, task.Kind)
	assert.Equal(t, clk.Now(), task.CreatedAt)
	assert.Nil(t, task.CompletedAt)
}

func TestCreate_TokensUnique(t *testing.T) {
	r := NewRegistry(WithMaxPerTenant(0))
	seen := map[string]bool{}
	for i := 0; i < 500; i++ {
		tok := create(t, r, "alice")
		require.False(t, seen[tok])
		seen[tok] = true
	}
}

func TestCreate_TokenError(t *testing.T) {
	r := NewRegistry()
	r.newToken = func() (string, error) { return "", errors.New("entropy") }
	_, err := r.Create(models.KindCopy, "alice", models.Location{}, models.Location{})
	assert.Error(t, err)
	assert.Equal(t, 0, r.Len())
}

func TestUpdate_Lifecycle(t *testing.T) {
	clk := newClock()
	r := NewRegistry(WithClock(clk.Now))
	tok := create(t, r, "alice")

	require.NoError(t, r.Update(tok, Update{Status: Status(models.StatusRunning), Total: Int64(100), ItemsTotal: Int(4)}))
	require.NoError(t, r.Update(tok, Update{Progress: Int64(40), ItemsDone: Int(2)}))
	require.NoError(t, r.Update(tok, Update{Progress: Int64(10), ItemsDone: Int(1)}))

	task, _ := r.Get(tok)
	assert.Equal(t, models.StatusRunning, task.Status)
	assert.Equal(t, int64(40), task.Progress, "progress never decreases")
	assert.Equal(t, 2, task.ItemsDone)
	assert.Equal(t, int64(100), task.Total)
	require.NotNil(t, task.StartedAt)

	clk.Advance(time.Minute)
	require.NoError(t, r.Update(tok, Update{Status: Status(models.StatusSucceeded), Progress: Int64(100), ItemsDone: Int(4)}))

	task, _ = r.Get(tok)
	assert.Equal(t, models.StatusSucceeded, task.Status)
	require.NotNil(t, task.CompletedAt)
	assert.Equal(t, clk.Now(), *task.CompletedAt)
	assert.Empty(t, task.Error)
}

func TestUpdate_ErrorMarksFailed(t *testing.T) {
	r := NewRegistry()
	tok := create(t, r, "alice")
	require.NoError(t, r.Update(tok, Update{Status: Status(models.StatusRunning)}))

	cause := fmt.Errorf("copy a: %w", common.ErrConnection)
	require.NoError(t, r.Update(tok, Update{Err: cause, FailedItem: "a"}))

	task, _ := r.Get(tok)
	assert.Equal(t, models.StatusFailed, task.Status)
	assert.Equal(t, cause.Error(), task.Error)
	assert.Equal(t, common.KindConnection, task.ErrorKind)
	assert.Equal(t, "a", task.FailedItem)
	assert.NotNil(t, task.CompletedAt)
}

func TestUpdate_TerminalIsNoOp(t *testing.T) {
	r := NewRegistry()
	tok := create(t, r, "alice")
	require.NoError(t, r.Update(tok, Update{Err: errors.New("boom"), Progress: Int64(5)}))
	before, _ := r.Get(tok)

	err := r.Update(tok, Update{Status: Status(models.StatusRunning), Progress: Int64(99)})
	assert.ErrorIs(t, err, common.ErrAlreadyTerminal)

	after, _ := r.Get(tok)
	assert.Equal(t, before, after)
}

func TestUpdate_InvalidTransition(t *testing.T) {
	r := NewRegistry()
	tok := create(t, r, "alice")
	require.NoError(t, r.Update(tok, Update{Status: Status(models.StatusRunning)}))

	err := r.Update(tok, Update{Status: Status(models.StatusQueued)})
	assert.ErrorIs(t, err, common.ErrorValidation)
}

func TestUpdate_Unknown(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.Update("nope", Update{}), common.ErrorNotFound)
	_, err := r.Get("nope")
	assert.ErrorIs(t, err, common.ErrorNotFound)
	assert.ErrorIs(t, r.Cancel("nope"), common.ErrorNotFound)
	assert.True(t, r.Cancelled("nope"))
}

func TestCancel(t *testing.T) {
	r := NewRegistry()
	queued := create(t, r, "alice")
	running := create(t, r, "alice")
	require.NoError(t, r.Update(running, Update{Status: Status(models.StatusRunning), ItemsDone: Int(3)}))

	require.NoError(t, r.Cancel(queued))
	require.NoError(t, r.Cancel(running))

	for _, tok := range []string{queued, running} {
		task, _ := r.Get(tok)
		assert.Equal(t, models.StatusCancelled, task.Status)
		assert.NotNil(t, task.CompletedAt)
		assert.True(t, r.Cancelled(tok))
	}
	task, _ := r.Get(running)
	assert.Equal(t, 3, task.ItemsDone, "items done at cancellation are kept")

	assert.ErrorIs(t, r.Update(running, Update{Progress: Int64(1)}), common.ErrAlreadyTerminal)
}

func TestSettle_RaisesCountersOnly(t *testing.T) {
	r := NewRegistry()
	tok := create(t, r, "alice")
	require.NoError(t, r.Update(tok, Update{Status: Status(models.StatusRunning), ItemsDone: Int(1), Progress: Int64(1)}))
	require.NoError(t, r.Cancel(tok))
	before, _ := r.Get(tok)

	require.NoError(t, r.Settle(tok, 2, 2))
	require.NoError(t, r.Settle(tok, 1, 0), "lower values are ignored")

	after, _ := r.Get(tok)
	assert.Equal(t, 2, after.ItemsDone)
	assert.Equal(t, int64(2), after.Progress)
	assert.Equal(t, models.StatusCancelled, after.Status)
	assert.Equal(t, before.CompletedAt, after.CompletedAt)
	assert.Empty(t, after.Error)
}

func TestSettle_OnlyCancelled(t *testing.T) {
	r := NewRegistry()
	running := create(t, r, "alice")
	require.NoError(t, r.Update(running, Update{Status: Status(models.StatusRunning)}))
	assert.ErrorIs(t, r.Settle(running, 1, 1), common.ErrorValidation)

	done := create(t, r, "alice")
	finish(t, r, done, models.StatusSucceeded)
	assert.ErrorIs(t, r.Settle(done, 5, 5), common.ErrorValidation)
	task, _ := r.Get(done)
	assert.Zero(t, task.ItemsDone)

	assert.ErrorIs(t, r.Settle("missing", 1, 1), common.ErrorNotFound)
}

func TestCancel_TerminalUnchanged(t *testing.T) {
	for _, s := range []models.TransferStatus{models.StatusSucceeded, models.StatusFailed, models.StatusCancelled} {
		t.Run(string(s), func(t *testing.T) {
			r := NewRegistry()
			tok := create(t, r, "alice")
			u := Update{Status: Status(s), Progress: Int64(7)}
			if s == models.StatusFailed {
				u = Update{Err: errors.New("disk full"), Progress: Int64(7)}
			}
			require.NoError(t, r.Update(tok, u))
			before, _ := r.Get(tok)

			assert.ErrorIs(t, r.Cancel(tok), common.ErrAlreadyTerminal)

			after, _ := r.Get(tok)
			assert.Equal(t, before, after)
		})
	}
}

func TestList_NewestFirstPerTenant(t *testing.T) {
	clk := newClock()
	r := NewRegistry(WithClock(clk.Now))

	first := create(t, r, "alice")
	clk.Advance(time.Second)
	create(t, r, "bob")
	clk.Advance(time.Second)
	second := create(t, r, "alice")

	list := r.List("alice")
	require.Len(t, list, 2)
	assert.Equal(t, second, list[0].Token)
	assert.Equal(t, first, list[1].Token)
	assert.Empty(t, r.List("carol"))
}

func TestGet_ReturnsSnapshot(t *testing.T) {
	r := NewRegistry()
	tok := create(t, r, "alice")
	require.NoError(t, r.Update(tok, Update{Status: Status(models.StatusRunning)}))

	snap, _ := r.Get(tok)
	*snap.StartedAt = time.Time{}
	snap.Status = models.StatusFailed

	again, _ := r.Get(tok)
	assert.Equal(t, models.StatusRunning, again.Status)
	assert.False(t, again.StartedAt.IsZero())
}

func TestSweep_RemovesExactlyExpired(t *testing.T) {
	clk := newClock()
	var evicted []string
	r := NewRegistry(
		WithClock(clk.Now),
		WithRetention(time.Hour),
		WithMaxPerTenant(0),
		WithEvictHook(func(t models.TransferTask) { evicted = append(evicted, t.Token) }),
	)

	var old []string
	for i := 0; i < 5; i++ {
		tok := create(t, r, "alice")
		finish(t, r, tok, models.StatusSucceeded)
		old = append(old, tok)
	}
	oldFailed := create(t, r, "bob")
	require.NoError(t, r.Update(oldFailed, Update{Err: errors.New("x")}))
	old = append(old, oldFailed)

	longRunning := create(t, r, "alice")
	require.NoError(t, r.Update(longRunning, Update{Status: Status(models.StatusRunning)}))
	stillQueued := create(t, r, "bob")

	clk.Advance(30 * time.Minute)
	recent := create(t, r, "alice")
	finish(t, r, recent, models.StatusCancelled)
	clk.Advance(45 * time.Minute)

	assert.Equal(t, len(old), r.Sweep())
	assert.ElementsMatch(t, old, evicted)

	for _, tok := range old {
		_, err := r.Get(tok)
		assert.ErrorIs(t, err, common.ErrorNotFound)
	}
	for _, tok := range []string{longRunning, stillQueued, recent} {
		_, err := r.Get(tok)
		assert.NoError(t, err)
	}
	assert.Equal(t, 0, r.Sweep())
}

func TestCreate_LazySweep(t *testing.T) {
	clk := newClock()
	r := NewRegistry(WithClock(clk.Now), WithRetention(time.Minute))
	tok := create(t, r, "alice")
	finish(t, r, tok, models.StatusSucceeded)

	clk.Advance(2 * time.Minute)
	create(t, r, "bob")

	_, err := r.Get(tok)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestCreate_PerTenantCap(t *testing.T) {
	clk := newClock()
	var evicted []string
	r := NewRegistry(
		WithClock(clk.Now),
		WithMaxPerTenant(3),
		WithEvictHook(func(t models.TransferTask) { evicted = append(evicted, t.Token) }),
	)

	running := create(t, r, "alice")
	require.NoError(t, r.Update(running, Update{Status: Status(models.StatusRunning)}))

	clk.Advance(time.Second)
	older := create(t, r, "alice")
	finish(t, r, older, models.StatusSucceeded)
	clk.Advance(time.Second)
	newer := create(t, r, "alice")
	finish(t, r, newer, models.StatusSucceeded)
	create(t, r, "bob")

	clk.Advance(time.Second)
	fourth := create(t, r, "alice")

	assert.Equal(t, []string{older}, evicted, "oldest terminal goes first")
	assert.Len(t, r.List("alice"), 3)
	assert.Len(t, r.List("bob"), 1)

	// newer is the last terminal task left for alice.
	require.NoError(t, r.Update(fourth, Update{Status: Status(models.StatusRunning)}))
	create(t, r, "alice")
	assert.Equal(t, []string{older, newer}, evicted)

	create(t, r, "alice")
	assert.Len(t, r.List("alice"), 4, "non-terminal tasks are never evicted")
}

func TestRun_StopsOnCancel(t *testing.T) {
	clk := newClock()
	r := NewRegistry(WithClock(clk.Now), WithRetention(time.Minute))
	tok := create(t, r, "alice")
	finish(t, r, tok, models.StatusSucceeded)
	clk.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry(WithMaxPerTenant(0))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tenant := fmt.Sprintf("u%d", i%2)
			for j := 0; j < 50; j++ {
				tok, err := r.Create(models.KindUpload, tenant, models.Local("f"), models.Remote("f"))
				if err != nil {
					t.Error(err)
					return
				}
				_ = r.Update(tok, Update{Status: Status(models.StatusRunning)})
				_ = r.Update(tok, Update{Progress: Int64(int64(j))})
				if j%3 == 0 {
					_ = r.Cancel(tok)
				}
				_ = r.Update(tok, Update{Status: Status(models.StatusSucceeded)})
				_, _ = r.Get(tok)
				_ = r.List(tenant)
				r.Sweep()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 400, r.Len())
}
