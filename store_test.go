package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/go-tick/jobstore/internal/testutil"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreJobAndTriggerShouldWork(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, testutil.OpenSQLite(t))

	job := &JobDetail{
		Key:              NewJobKey("report", "billing"),
		JobType:          "ReportJob",
		Description:      "nightly report",
		Durable:          true,
		RequestsRecovery: true,
		JobData:          NewJobDataMap(map[string]any{"region": "eu"}),
	}

	cron, err := NewCronSchedule("0 0 2 * * *", time.UTC)
	require.NoError(t, err)

	trigger := testTrigger(NewTriggerKey("nightly", "billing"), job.Key, cron, testNow)
	trigger.Priority = 8
	trigger.Description = "2am"

	require.NoError(t, store.StoreJobAndTrigger(ctx, job, trigger))

	gotJob, err := store.RetrieveJob(ctx, job.Key)
	require.NoError(t, err)
	require.NotNil(t, gotJob)
	assert.Equal(t, job.Key, gotJob.Key)
	assert.Equal(t, "ReportJob", gotJob.JobType)
	assert.Equal(t, "nightly report", gotJob.Description)
	assert.True(t, gotJob.Durable)
	assert.True(t, gotJob.RequestsRecovery)
	assert.False(t, gotJob.ConcurrentExecutionDisallowed)
	assert.Equal(t, "eu", gotJob.JobData.GetString("region"))

	gotTrigger, err := store.RetrieveTrigger(ctx, trigger.Key)
	require.NoError(t, err)
	require.NotNil(t, gotTrigger)
	assert.Equal(t, job.Key, gotTrigger.JobKey)
	assert.Equal(t, 8, gotTrigger.Priority)
	assert.Equal(t, "2am", gotTrigger.Description)
	assert.Equal(t, KindCron, gotTrigger.Schedule.Kind())
	assert.Equal(t, time.Date(2024, 3, 5, 2, 0, 0, 0, time.UTC).UnixMilli(), gotTrigger.NextFireTime.UnixMilli())
	assert.Nil(t, gotTrigger.PreviousFireTime)

	assertState(t, store, trigger.Key, StateWaiting)

	jobs, err := store.GetNumberOfJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, jobs)

	triggers, err := store.GetTriggersForJob(ctx, job.Key)
	require.NoError(t, err)
	assert.Equal(t, []TriggerKey{trigger.Key}, triggerKeys(triggers))

	groups, err := store.GetJobGroupNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"billing"}, groups)

	keys, err := store.GetJobKeys(ctx, GroupStartsWith("bill"))
	require.NoError(t, err)
	assert.Equal(t, []JobKey{job.Key}, keys)

	t.Run("duplicates_are_conflicts", func(t *testing.T) {
		err := store.StoreJob(ctx, job, false)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrObjectAlreadyExists))
		assert.False(t, errors.Is(err, ErrPersistence))

		err = store.StoreTrigger(ctx, trigger, false)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrObjectAlreadyExists))

		assert.NoError(t, store.StoreJob(ctx, job, true))
		assert.NoError(t, store.StoreTrigger(ctx, trigger, true))
	})

	t.Run("trigger_needs_job", func(t *testing.T) {
		orphan := testTrigger(NewTriggerKey("orphan", ""), NewJobKey("missing", ""), NewOneShotSchedule(), testNow)

		err := store.StoreTrigger(ctx, orphan, false)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrJobNotFound))
		assert.True(t, errors.Is(err, ErrPersistence))
	})

	t.Run("batch_without_replace_is_all_or_nothing", func(t *testing.T) {
		fresh := durableJob("fresh")
		err := store.StoreJobsAndTriggers(ctx, []JobWithTriggers{
			{Job: fresh, Triggers: []*Trigger{testTrigger(NewTriggerKey("fresh", ""), fresh.Key, NewOneShotSchedule(), testNow)}},
			{Job: job, Triggers: nil},
		}, false)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrObjectAlreadyExists))

		exists, err := store.CheckJobExists(ctx, fresh.Key)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("remove_job_removes_triggers", func(t *testing.T) {
		removed, err := store.RemoveJob(ctx, job.Key)
		require.NoError(t, err)
		assert.True(t, removed)

		exists, err := store.CheckTriggerExists(ctx, trigger.Key)
		require.NoError(t, err)
		assert.False(t, exists)
		assertState(t, store, trigger.Key, StateNone)

		removed, err = store.RemoveJob(ctx, job.Key)
		require.NoError(t, err)
		assert.False(t, removed)
	})
}

func TestRemoveTriggerCascadesNonDurableJobs(t *testing.T) {
	tests := []struct {
		name       string
		durable    bool
		triggers   int
		jobRemains bool
	}{
		{name: "last_trigger_of_non_durable_job", durable: false, triggers: 1, jobRemains: false},
		{name: "non_last_trigger", durable: false, triggers: 2, jobRemains: true},
		{name: "durable_job", durable: true, triggers: 1, jobRemains: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			sig := &recordingSignaler{}
			store := newTestStore(t, testutil.OpenSQLite(t), WithSignaler(sig))

			job := durableJob("cleanup")
			job.Durable = tt.durable

			var triggers []*Trigger
			for i := 0; i < tt.triggers; i++ {
				key := NewTriggerKey("cleanup-"+string(rune('a'+i)), "")
				triggers = append(triggers, testTrigger(key, job.Key, NewOneShotSchedule(), testNow.Add(time.Hour)))
			}

			require.NoError(t, store.StoreJobsAndTriggers(ctx, []JobWithTriggers{{Job: job, Triggers: triggers}}, false))

			removed, err := store.RemoveTrigger(ctx, triggers[0].Key)
			require.NoError(t, err)
			assert.True(t, removed)

			exists, err := store.CheckJobExists(ctx, job.Key)
			require.NoError(t, err)
			assert.Equal(t, tt.jobRemains, exists)

			if tt.jobRemains {
				assert.Empty(t, sig.Deleted())
			} else {
				assert.Equal(t, []JobKey{job.Key}, sig.Deleted())
			}
		})
	}
}

func TestReplaceTrigger(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, testutil.OpenSQLite(t))

	job := durableJob("replace")
	other := durableJob("other")
	original := testTrigger(NewTriggerKey("original", ""), job.Key, NewOneShotSchedule(), testNow.Add(time.Hour))

	require.NoError(t, store.StoreJobAndTrigger(ctx, job, original))
	require.NoError(t, store.StoreJob(ctx, other, false))

	replacement := testTrigger(NewTriggerKey("replacement", ""), job.Key, NewSimpleSchedule(time.Minute, 5), testNow.Add(2*time.Hour))

	replaced, err := store.ReplaceTrigger(ctx, original.Key, replacement)
	require.NoError(t, err)
	assert.True(t, replaced)
	assertState(t, store, original.Key, StateNone)
	assertState(t, store, replacement.Key, StateWaiting)

	exists, err := store.CheckJobExists(ctx, job.Key)
	require.NoError(t, err)
	assert.True(t, exists)

	wrongJob := testTrigger(NewTriggerKey("wrong", ""), other.Key, NewOneShotSchedule(), testNow)
	_, err = store.ReplaceTrigger(ctx, replacement.Key, wrongJob)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTrigger))
	assertState(t, store, replacement.Key, StateWaiting)

	replaced, err = store.ReplaceTrigger(ctx, NewTriggerKey("missing", ""), wrongJob)
	require.NoError(t, err)
	assert.False(t, replaced)
}

func TestResetTriggerFromErrorState(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, testutil.OpenSQLite(t))

	job := durableJob("flaky")
	trigger := testTrigger(NewTriggerKey("flaky", "ops"), job.Key, NewOneShotSchedule(), testNow.Add(time.Hour))
	require.NoError(t, store.StoreJobAndTrigger(ctx, job, trigger))

	_, err := store.repo.UpdateTriggerState(ctx, trigger.Key.Name, trigger.Key.Group, StateError)
	require.NoError(t, err)
	assertState(t, store, trigger.Key, StateError)

	require.NoError(t, store.ResetTriggerFromErrorState(ctx, trigger.Key))
	assertState(t, store, trigger.Key, StateWaiting)

	_, err = store.repo.UpdateTriggerState(ctx, trigger.Key.Name, trigger.Key.Group, StateError)
	require.NoError(t, err)
	_, err = store.PauseTriggers(ctx, GroupEquals("ops"))
	require.NoError(t, err)

	require.NoError(t, store.ResetTriggerFromErrorState(ctx, trigger.Key))
	assertState(t, store, trigger.Key, StatePaused)
}

func TestCalendarsShouldWork(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, testutil.OpenSQLite(t))

	holidays := NewHolidayCalendar(time.UTC, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))
	require.NoError(t, store.StoreCalendar(ctx, "holidays", holidays, false, false))

	err := store.StoreCalendar(ctx, "holidays", holidays, false, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrObjectAlreadyExists))

	job := durableJob("daily")
	trigger := NewTrigger(NewTriggerKey("daily", ""), job.Key, NewSimpleSchedule(24*time.Hour, RepeatIndefinitely))
	trigger.StartTime = testNow
	trigger.CalendarName = "holidays"
	trigger.ComputeFirstFireTime(holidays)
	require.NoError(t, store.StoreJobAndTrigger(ctx, job, trigger))

	_, err = store.RemoveCalendar(ctx, "holidays")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCalendarInUse))
	assert.True(t, errors.Is(err, ErrPersistence))

	holidays.AddExcludedDate(testNow)
	require.NoError(t, store.StoreCalendar(ctx, "holidays", holidays, true, true))

	updated, err := store.RetrieveTrigger(ctx, trigger.Key)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC).UnixMilli(), updated.NextFireTime.UnixMilli())
	assertState(t, store, trigger.Key, StateWaiting)

	cal, err := store.RetrieveCalendar(ctx, "holidays")
	require.NoError(t, err)
	require.IsType(t, &HolidayCalendar{}, cal)
	assert.Equal(t, []string{"2024-03-04", "2024-03-05"}, cal.(*HolidayCalendar).ExcludedDates())

	names, err := store.GetCalendarNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"holidays"}, names)

	_, err = store.RemoveTrigger(ctx, trigger.Key)
	require.NoError(t, err)

	removed, err := store.RemoveCalendar(ctx, "holidays")
	require.NoError(t, err)
	assert.True(t, removed)

	n, err := store.GetNumberOfCalendars(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStoreCalendarCompletesTriggersWithoutFireTimes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, testutil.OpenSQLite(t), WithClock(newTestClock().Now))

	require.NoError(t, store.StoreCalendar(ctx, "workdays", NewWeeklyCalendar(time.UTC), false, false))

	job := durableJob("report")
	once := NewTrigger(NewTriggerKey("once", ""), job.Key, NewOneShotSchedule())
	once.StartTime = testNow.Add(time.Hour)
	once.CalendarName = "workdays"
	daily := NewTrigger(NewTriggerKey("daily", ""), job.Key, NewSimpleSchedule(24*time.Hour, RepeatIndefinitely))
	daily.StartTime = testNow.Add(time.Hour)
	daily.CalendarName = "workdays"

	for _, trigger := range []*Trigger{once, daily} {
		trigger.ComputeFirstFireTime(nil)
	}
	require.NoError(t, store.StoreJobsAndTriggers(ctx, []JobWithTriggers{{Job: job, Triggers: []*Trigger{once, daily}}}, false))

	require.NoError(t, store.StoreCalendar(ctx, "workdays", NewHolidayCalendar(time.UTC, testNow), true, true))

	assertState(t, store, once.Key, StateComplete)
	stored, err := store.RetrieveTrigger(ctx, once.Key)
	require.NoError(t, err)
	assert.Nil(t, stored.NextFireTime)

	assertState(t, store, daily.Key, StateWaiting)
	stored, err = store.RetrieveTrigger(ctx, daily.Key)
	require.NoError(t, err)
	require.NotNil(t, stored.NextFireTime)
	assert.Equal(t, testNow.Add(25*time.Hour).UnixMilli(), stored.NextFireTime.UnixMilli())
}

func TestStoreJobRejectsMissingName(t *testing.T) {
	store := newTestStore(t, testutil.OpenSQLite(t))

	for name, job := range map[string]*JobDetail{
		"nil_job":    nil,
		"empty_name": {Key: NewJobKey("", "billing")},
	} {
		t.Run(name, func(t *testing.T) {
			err := store.StoreJob(context.Background(), job, false)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidJob))
			assert.False(t, errors.Is(err, ErrPersistence))
		})
	}
}

func TestPauseThenAddShouldStartPaused(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, testutil.OpenSQLite(t))

	job := durableJob("paused")
	require.NoError(t, store.StoreJob(ctx, job, false))

	groups, err := store.PauseTriggers(ctx, GroupEquals("g1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, groups)

	trigger := testTrigger(NewTriggerKey("late", "g1"), job.Key, NewOneShotSchedule(), testNow.Add(time.Hour))
	require.NoError(t, store.StoreTrigger(ctx, trigger, false))
	assertState(t, store, trigger.Key, StatePaused)

	paused, err := store.IsTriggerGroupPaused(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, paused)

	groups, err = store.ResumeTriggers(ctx, GroupEquals("g1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, groups)
	assertState(t, store, trigger.Key, StateWaiting)

	pausedGroups, err := store.GetPausedTriggerGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, pausedGroups)

	_, err = store.IsJobGroupPaused(ctx, "g1")
	assert.True(t, errors.Is(err, ErrNotSupported))
}

func TestPauseAllShouldCoverNewGroups(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, testutil.OpenSQLite(t))

	job := durableJob("all")
	existing := testTrigger(NewTriggerKey("existing", "g2"), job.Key, NewOneShotSchedule(), testNow.Add(time.Hour))
	require.NoError(t, store.StoreJobAndTrigger(ctx, job, existing))

	require.NoError(t, store.PauseAll(ctx))
	assertState(t, store, existing.Key, StatePaused)

	added := testTrigger(NewTriggerKey("added", "g3"), job.Key, NewOneShotSchedule(), testNow.Add(time.Hour))
	require.NoError(t, store.StoreTrigger(ctx, added, false))
	assertState(t, store, added.Key, StatePaused)

	groups, err := store.GetPausedTriggerGroups(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"g2", "g3"}, groups)

	require.NoError(t, store.ResumeAll(ctx))
	assertState(t, store, existing.Key, StateWaiting)
	assertState(t, store, added.Key, StateWaiting)

	groups, err = store.GetPausedTriggerGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestPauseAndResumeJob(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	sig := &recordingSignaler{}
	store := newTestStore(t, testutil.OpenSQLite(t), WithClock(clock.Now), WithSignaler(sig))

	job := durableJob("resumable")
	onTime := testTrigger(NewTriggerKey("on-time", ""), job.Key, NewOneShotSchedule(), testNow.Add(2*time.Hour))
	overdue := testTrigger(NewTriggerKey("overdue", ""), job.Key, NewSimpleSchedule(10*time.Minute, RepeatIndefinitely), testNow)
	require.NoError(t, store.StoreJobsAndTriggers(ctx, []JobWithTriggers{{Job: job, Triggers: []*Trigger{onTime, overdue}}}, false))

	require.NoError(t, store.PauseJob(ctx, job.Key))
	assertState(t, store, onTime.Key, StatePaused)
	assertState(t, store, overdue.Key, StatePaused)

	clock.Advance(30 * time.Minute)
	store.SchedulerResumed()

	require.NoError(t, store.ResumeJob(ctx, job.Key))
	assertState(t, store, onTime.Key, StateWaiting)
	assertState(t, store, overdue.Key, StateWaiting)

	assert.Equal(t, []TriggerKey{overdue.Key}, sig.Misfired())

	resumed, err := store.RetrieveTrigger(ctx, overdue.Key)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(40*time.Minute).UnixMilli(), resumed.NextFireTime.UnixMilli())
}

func TestPersistenceFailuresAreMarked(t *testing.T) {
	ctx := context.Background()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store, err := New(DefaultConfig(
		WithDB(sqlx.NewDb(mockDB, "sqlmock")),
		WithAutoMigrate(false),
		WithLockRetryInterval(time.Millisecond),
	))
	require.NoError(t, err)
	require.NoError(t, store.Initialize(ctx))

	driverErr := errors.New("connection reset by peer")

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM jobstore_jobs`).WillReturnError(driverErr)

	_, err = store.GetNumberOfJobs(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))

	mock.ExpectExec(`INSERT INTO jobstore_locks`).WillReturnError(driverErr)

	err = store.StoreJob(ctx, durableJob("unreachable"), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))

	mock.ExpectExec(`INSERT INTO jobstore_locks`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO jobstore_jobs`).WillReturnError(driverErr)
	mock.ExpectExec(`DELETE FROM jobstore_locks`).WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.StoreJob(ctx, durableJob("failing"), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))
	assert.Zero(t, store.locks.Outstanding())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUninitializedStoreFails(t *testing.T) {
	store, err := New(DefaultConfig(WithConn("postgres://localhost/sched")))
	require.NoError(t, err)

	_, err = store.GetNumberOfTriggers(context.Background())
	assert.True(t, errors.Is(err, ErrConfiguration))

	assert.NoError(t, store.Shutdown(context.Background()))
}
