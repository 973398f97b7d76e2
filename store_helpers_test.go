package jobstore

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	gotick "github.com/go-tick/core"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testNow = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testNow}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type recordingSignaler struct {
	mu        sync.Mutex
	misfired  []TriggerKey
	finalized []TriggerKey
	deleted   []JobKey
	changes   []time.Time
}

func (r *recordingSignaler) NotifyTriggerListenersMisfired(_ context.Context, trigger *Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.misfired = append(r.misfired, trigger.Key)
	return nil
}

func (r *recordingSignaler) NotifySchedulerListenersFinalized(_ context.Context, trigger *Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.finalized = append(r.finalized, trigger.Key)
	return nil
}

func (r *recordingSignaler) NotifySchedulerListenersJobDeleted(_ context.Context, key JobKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deleted = append(r.deleted, key)
	return nil
}

func (r *recordingSignaler) SignalSchedulingChange(_ context.Context, candidate time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.changes = append(r.changes, candidate)
}

func (r *recordingSignaler) Misfired() []TriggerKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.misfired)
}

func (r *recordingSignaler) Finalized() []TriggerKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.finalized)
}

func (r *recordingSignaler) Deleted() []JobKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.deleted)
}

func (r *recordingSignaler) Changes() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.changes)
}

func newTestStore(t *testing.T, db *sqlx.DB, options ...gotick.Option[Config]) *Store {
	t.Helper()

	opts := append([]gotick.Option[Config]{
		WithDB(db),
		WithLockRetryInterval(10 * time.Millisecond),
		WithLogger(zaptest.NewLogger(t).Sugar()),
	}, options...)

	store, err := New(DefaultConfig(opts...))
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))

	t.Cleanup(func() {
		_ = store.Shutdown(context.Background())
	})

	return store
}

func durableJob(name string) *JobDetail {
	return &JobDetail{
		Key:     NewJobKey(name, ""),
		JobType: "TestJob",
		Durable: true,
		JobData: NewJobDataMap(nil),
	}
}

func testTrigger(key TriggerKey, job JobKey, schedule Schedule, start time.Time) *Trigger {
	trigger := NewTrigger(key, job, schedule)
	trigger.StartTime = start
	trigger.ComputeFirstFireTime(nil)

	return trigger
}

func assertState(t *testing.T, store *Store, key TriggerKey, expected TriggerState) {
	t.Helper()

	state, err := store.GetTriggerState(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, expected, state, "trigger %s", key)
}

func triggerKeys(triggers []*Trigger) []TriggerKey {
	keys := make([]TriggerKey, 0, len(triggers))
	for _, trigger := range triggers {
		keys = append(keys, trigger.Key)
	}

	return keys
}
