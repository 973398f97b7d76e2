package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-tick/jobstore/internal/repository"
	"github.com/go-tick/jobstore/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) repository.Repository {
	t.Helper()

	repo := repository.New(testutil.OpenSQLite(t), "main", "jobstore_")
	require.NoError(t, repo.Migrate(context.Background()))

	return repo
}

func TestAcquireShouldBeMutuallyExclusive(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	a := NewManager(repo, "node-a", WithRetryInterval(10*time.Millisecond))
	b := NewManager(repo, "node-b", WithRetryInterval(10*time.Millisecond))

	held, err := a.Acquire(ctx, TriggerAccess)
	require.NoError(t, err)

	acquired := make(chan *Handle)
	go func() {
		h, err := b.Acquire(ctx, TriggerAccess)
		assert.NoError(t, err)
		acquired <- h
	}()

	select {
	case <-acquired:
		t.Fatal("second node acquired a held lock")
	case <-time.After(100 * time.Millisecond):
	}

	released, err := held.Release(ctx)
	require.NoError(t, err)
	assert.True(t, released)

	select {
	case h := <-acquired:
		require.NotNil(t, h)
		_, err := h.Release(ctx)
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second node never acquired the lock")
	}
}

func TestConcurrentHoldersShouldNeverOverlap(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	var inside, overlaps int32
	var wg sync.WaitGroup

	for _, id := range []string{"node-a", "node-b", "node-c"} {
		m := NewManager(repo, id, WithRetryInterval(5*time.Millisecond))

		wg.Add(1)
		go func() {
			defer wg.Done()

			for i := 0; i < 5; i++ {
				h, err := m.Acquire(ctx, TriggerAccess)
				if !assert.NoError(t, err) {
					return
				}

				if atomic.AddInt32(&inside, 1) > 1 {
					atomic.AddInt32(&overlaps, 1)
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)

				_, err = h.Release(ctx)
				assert.NoError(t, err)
			}
		}()
	}

	wg.Wait()
	assert.Zero(t, atomic.LoadInt32(&overlaps))
}

func TestLockTypesShouldBeIndependent(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newTestRepository(t), "node-a")

	trigger, err := m.Acquire(ctx, TriggerAccess)
	require.NoError(t, err)

	state, err := m.Acquire(ctx, StateAccess)
	require.NoError(t, err)

	assert.Equal(t, 2, m.Outstanding())

	_, err = state.Release(ctx)
	require.NoError(t, err)
	_, err = trigger.Release(ctx)
	require.NoError(t, err)
	assert.Zero(t, m.Outstanding())
}

func TestExpiredLockShouldBeBroken(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	stale := NewManager(repo, "crashed", WithClock(func() time.Time {
		return time.Now().Add(-time.Hour)
	}))
	_, err := stale.Acquire(ctx, TriggerAccess)
	require.NoError(t, err)

	fresh := NewManager(repo, "node-b", WithTTL(time.Minute), WithRetryInterval(time.Hour))

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	h, err := fresh.Acquire(ctx, TriggerAccess)
	require.NoError(t, err)

	_, err = h.Release(ctx)
	require.NoError(t, err)
}

func TestReleaseShouldBeLenientButNotRepeatable(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	m := NewManager(repo, "node-a")

	h, err := m.Acquire(ctx, TriggerAccess)
	require.NoError(t, err)

	_, err = repo.DeleteExpiredLocks(ctx, "", time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)

	released, err := h.Release(ctx)
	require.NoError(t, err)
	assert.False(t, released)

	_, err = h.Release(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockAlreadyDisposed))
}

func TestReentrantAcquireShouldFail(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newTestRepository(t), "node-a")

	h, err := m.Acquire(ctx, TriggerAccess)
	require.NoError(t, err)

	locked := h.Context(ctx)

	_, err = m.Acquire(locked, TriggerAccess)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReentrantAcquire))

	state, err := m.Acquire(locked, StateAccess)
	require.NoError(t, err)
	_, err = state.Release(ctx)
	require.NoError(t, err)

	_, err = h.Release(ctx)
	require.NoError(t, err)

	again, err := m.Acquire(locked, TriggerAccess)
	require.NoError(t, err)
	_, err = again.Release(ctx)
	require.NoError(t, err)
}

func TestAcquireShouldStopOnCancel(t *testing.T) {
	repo := newTestRepository(t)

	holder := NewManager(repo, "node-a")
	_, err := holder.Acquire(context.Background(), TriggerAccess)
	require.NoError(t, err)

	waiter := NewManager(repo, "node-b", WithRetryInterval(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = waiter.Acquire(ctx, TriggerAccess)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Zero(t, waiter.Outstanding())
}

func TestCloseShouldReleaseOutstandingHandles(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	m := NewManager(repo, "node-a")

	_, err := m.Acquire(ctx, TriggerAccess)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, StateAccess)
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	assert.Zero(t, m.Outstanding())

	locks, err := repo.SelectLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)
}
