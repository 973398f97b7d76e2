package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/go-tick/jobstore/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverJobsReplaysInterruptedExecution(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenSQLite(t)
	clock := newTestClock()

	crashed := newTestStore(t, db, WithClock(clock.Now), WithInstanceID("I1"))

	job := durableJob("charge")
	job.RequestsRecovery = true
	job.JobData.Put("invoice", "42")

	trigger := testTrigger(NewTriggerKey("charge", "payments"), job.Key, NewSimpleSchedule(time.Hour, RepeatIndefinitely), testNow.Add(-time.Second))
	trigger.Priority = 7
	trigger.JobData.Put("attempt", 1)
	require.NoError(t, crashed.StoreJobAndTrigger(ctx, job, trigger))

	acquired, err := crashed.AcquireNextTriggers(ctx, testNow, 1, 0)
	require.NoError(t, err)
	require.Len(t, acquired, 1)

	results, err := crashed.TriggersFired(ctx, acquired)
	require.NoError(t, err)
	require.NotNil(t, results[0].Bundle)

	// I1 dies here without completing the job

	t.Run("other_instances_leave_it_alone", func(t *testing.T) {
		other := newTestStore(t, db, WithClock(clock.Now), WithInstanceID("I2"))

		result, err := other.RecoverJobs(ctx)
		require.NoError(t, err)
		assert.Zero(t, result.RecoveryTriggers)
		assert.Zero(t, result.StaleFiredRecords)

		fired, err := other.repo.SelectFiredTriggersForInstance(ctx, "I1")
		require.NoError(t, err)
		assert.Len(t, fired, 1)
	})

	restarted := newTestStore(t, db, WithClock(clock.Now), WithInstanceID("I1"))

	result, err := restarted.RecoverJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.RecoveryTriggers)
	assert.Equal(t, int64(1), result.StaleFiredRecords)
	assert.Zero(t, result.RemovedComplete)

	keys, err := restarted.GetTriggerKeys(ctx, GroupEquals(RecoveringJobsGroup))
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0].Name, "I1")

	recovery, err := restarted.RetrieveTrigger(ctx, keys[0])
	require.NoError(t, err)
	require.NotNil(t, recovery)

	assert.Equal(t, job.Key, recovery.JobKey)
	assert.Equal(t, 7, recovery.Priority)
	assert.Equal(t, MisfireIgnorePolicy, recovery.MisfireInstruction)
	assert.Equal(t, "charge", recovery.JobData.GetString(RecoveryTriggerNameKey))
	assert.Equal(t, "payments", recovery.JobData.GetString(RecoveryTriggerGroupKey))

	scheduled, ok := recovery.JobData.GetInt64(RecoveryScheduledFireTimeKey)
	require.True(t, ok)
	assert.Equal(t, testNow.Add(-time.Second).UnixMilli(), scheduled)

	firedAt, ok := recovery.JobData.GetInt64(RecoveryFireTimeKey)
	require.True(t, ok)
	assert.Equal(t, testNow.UnixMilli(), firedAt)

	attempt, ok := recovery.JobData.GetInt64("attempt")
	require.True(t, ok)
	assert.Equal(t, int64(1), attempt)

	require.NotNil(t, recovery.NextFireTime)
	assert.Equal(t, scheduled, recovery.NextFireTime.UnixMilli())
	assertState(t, restarted, recovery.Key, StateWaiting)

	fired, err := restarted.repo.SelectFiredTriggersForInstance(ctx, "I1")
	require.NoError(t, err)
	assert.Empty(t, fired)

	clock.Advance(time.Hour)

	next, err := restarted.AcquireNextTriggers(ctx, clock.Now(), 1, 0)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, recovery.Key, next[0].Key)

	results, err = restarted.TriggersFired(ctx, next)
	require.NoError(t, err)
	require.NotNil(t, results[0].Bundle)
	assert.True(t, results[0].Bundle.Recovering)
}

func TestRecoverJobsResetsOrphanedStates(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	sig := &recordingSignaler{}
	store := newTestStore(t, testutil.OpenSQLite(t), WithClock(clock.Now), WithSignaler(sig))

	job := durableJob("orphaned")
	transient := durableJob("transient")
	transient.Durable = false

	acquired := testTrigger(NewTriggerKey("acquired", ""), job.Key, NewOneShotSchedule(), testNow.Add(time.Hour))
	blocked := testTrigger(NewTriggerKey("blocked", ""), job.Key, NewOneShotSchedule(), testNow.Add(time.Hour))
	pausedBlocked := testTrigger(NewTriggerKey("paused-blocked", ""), job.Key, NewOneShotSchedule(), testNow.Add(time.Hour))
	complete := testTrigger(NewTriggerKey("complete", ""), transient.Key, NewOneShotSchedule(), testNow.Add(time.Hour))

	require.NoError(t, store.StoreJobsAndTriggers(ctx, []JobWithTriggers{
		{Job: job, Triggers: []*Trigger{acquired, blocked, pausedBlocked}},
		{Job: transient, Triggers: []*Trigger{complete}},
	}, false))

	for key, state := range map[TriggerKey]TriggerState{
		acquired.Key:      StateAcquired,
		blocked.Key:       StateBlocked,
		pausedBlocked.Key: StatePausedBlocked,
		complete.Key:      StateComplete,
	} {
		_, err := store.repo.UpdateTriggerState(ctx, key.Name, key.Group, state)
		require.NoError(t, err)
	}

	result, err := store.RecoverJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.ResetTriggers)
	assert.Equal(t, 1, result.RemovedComplete)

	assertState(t, store, acquired.Key, StateWaiting)
	assertState(t, store, blocked.Key, StateWaiting)
	assertState(t, store, pausedBlocked.Key, StatePaused)
	assertState(t, store, complete.Key, StateNone)

	exists, err := store.CheckJobExists(ctx, transient.Key)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, []JobKey{transient.Key}, sig.Deleted())
}
