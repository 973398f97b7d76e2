package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-tick/jobstore/internal/model"
	"github.com/jmoiron/sqlx"
)

// Repository is the instance-scoped entity store. Every method filters on the
// instance name the repository was created with.
type Repository interface {
	Migrate(ctx context.Context) error
	ClearAll(ctx context.Context) error

	InsertJob(ctx context.Context, job model.Job) error
	UpsertJob(ctx context.Context, job model.Job) error
	UpdateJobData(ctx context.Context, name, group, data string) error
	SelectJob(ctx context.Context, name, group string) (*model.Job, error)
	SelectJobForTrigger(ctx context.Context, triggerName, triggerGroup string) (*model.Job, error)
	JobExists(ctx context.Context, name, group string) (bool, error)
	DeleteJob(ctx context.Context, name, group string) (bool, error)
	SelectJobKeys(ctx context.Context, filter model.GroupFilter) ([]model.Key, error)
	SelectJobGroups(ctx context.Context, filter model.GroupFilter) ([]string, error)
	CountJobs(ctx context.Context) (int, error)

	InsertTrigger(ctx context.Context, trigger model.Trigger) error
	UpsertTrigger(ctx context.Context, trigger model.Trigger) error
	SelectTrigger(ctx context.Context, name, group string) (*model.Trigger, error)
	SelectTriggerStatus(ctx context.Context, name, group string) (*model.TriggerStatus, error)
	SelectTriggerState(ctx context.Context, name, group string) (model.TriggerState, error)
	SelectTriggerJobData(ctx context.Context, name, group string) (string, error)
	TriggerExists(ctx context.Context, name, group string) (bool, error)
	DeleteTrigger(ctx context.Context, name, group string) (bool, error)
	UpdateTriggerState(ctx context.Context, name, group string, state model.TriggerState) (int64, error)
	UpdateTriggerStateFromStates(ctx context.Context, name, group string, state model.TriggerState, from ...model.TriggerState) (int64, error)
	UpdateTriggerStatesForJob(ctx context.Context, jobName, jobGroup string, state model.TriggerState) (int64, error)
	UpdateTriggerStatesForJobFromState(ctx context.Context, jobName, jobGroup string, state, from model.TriggerState) (int64, error)
	UpdateTriggerGroupStateFromStates(ctx context.Context, filter model.GroupFilter, state model.TriggerState, from ...model.TriggerState) (int64, error)
	UpdateTriggerStatesFromStates(ctx context.Context, state model.TriggerState, from ...model.TriggerState) (int64, error)
	SelectTriggerKeys(ctx context.Context, filter model.GroupFilter) ([]model.Key, error)
	SelectTriggerGroups(ctx context.Context, filter model.GroupFilter) ([]string, error)
	SelectTriggersForJob(ctx context.Context, jobName, jobGroup string) ([]model.Trigger, error)
	SelectTriggersForCalendar(ctx context.Context, calendarName string) ([]model.Trigger, error)
	SelectTriggersInState(ctx context.Context, state model.TriggerState) ([]model.Key, error)
	SelectTriggersToAcquire(ctx context.Context, noLaterThan, noEarlierThan int64, maxCount int) ([]model.Key, error)
	SelectMisfiredTriggers(ctx context.Context, misfireTime int64, limit int) ([]model.Key, bool, error)
	CountMisfiredTriggers(ctx context.Context, misfireTime int64) (int, error)
	CountTriggers(ctx context.Context) (int, error)
	CountTriggersForJob(ctx context.Context, jobName, jobGroup string) (int, error)
	CountTriggersForCalendar(ctx context.Context, calendarName string) (int, error)

	InsertFiredTrigger(ctx context.Context, fired model.FiredTrigger) error
	UpdateFiredTrigger(ctx context.Context, fired model.FiredTrigger) (int64, error)
	DeleteFiredTrigger(ctx context.Context, fireInstanceID string) (int64, error)
	DeleteFiredTriggersForInstance(ctx context.Context, instanceID string) (int64, error)
	SelectFiredTriggersForJob(ctx context.Context, jobName, jobGroup string) ([]model.FiredTrigger, error)
	SelectFiredTriggersForTrigger(ctx context.Context, name, group string) ([]model.FiredTrigger, error)
	SelectFiredTriggersForInstance(ctx context.Context, instanceID string) ([]model.FiredTrigger, error)
	SelectRecoverableFiredTriggers(ctx context.Context, instanceID string) ([]model.FiredTrigger, error)

	InsertPausedTriggerGroup(ctx context.Context, group string) error
	DeletePausedTriggerGroups(ctx context.Context, filter model.GroupFilter) (int64, error)
	IsTriggerGroupPaused(ctx context.Context, group string) (bool, error)
	SelectPausedTriggerGroups(ctx context.Context) ([]string, error)

	InsertCalendar(ctx context.Context, calendar model.Calendar) error
	UpsertCalendar(ctx context.Context, calendar model.Calendar) error
	SelectCalendar(ctx context.Context, name string) (*model.Calendar, error)
	CalendarExists(ctx context.Context, name string) (bool, error)
	DeleteCalendar(ctx context.Context, name string) (bool, error)
	SelectCalendarNames(ctx context.Context) ([]string, error)
	CountCalendars(ctx context.Context) (int, error)

	UpsertSchedulerState(ctx context.Context, state model.SchedulerState) error
	DeleteSchedulerState(ctx context.Context, instanceID string) (int64, error)
	SelectSchedulerStates(ctx context.Context) ([]model.SchedulerState, error)

	InsertLock(ctx context.Context, lock model.Lock) (bool, error)
	DeleteLock(ctx context.Context, lockType, token string) (bool, error)
	DeleteExpiredLocks(ctx context.Context, lockType string, acquiredBefore int64) (int64, error)
	SelectLocks(ctx context.Context) ([]model.Lock, error)
}

type Connection interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	Rebind(query string) string
}

type transactionalConnection interface {
	Connection
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

type repository struct {
	db           Connection
	instanceName string
	tables       *strings.Replacer
}

// New returns a repository over db whose tables are named with prefix.
func New(db Connection, instanceName, prefix string) Repository {
	return &repository{
		db:           db,
		instanceName: instanceName,
		tables:       tableReplacer(prefix),
	}
}

func tableReplacer(prefix string) *strings.Replacer {
	return strings.NewReplacer(
		"{jobs}", prefix+"jobs",
		"{triggers}", prefix+"triggers",
		"{fired_triggers}", prefix+"fired_triggers",
		"{paused_trigger_groups}", prefix+"paused_trigger_groups",
		"{calendars}", prefix+"calendars",
		"{scheduler_states}", prefix+"scheduler_states",
		"{locks}", prefix+"locks",
		"{schema_migrations}", prefix+"schema_migrations",
	)
}

// q expands table placeholders and rebinds ? placeholders for the driver.
func (r *repository) q(query string) string {
	return r.db.Rebind(r.tables.Replace(query))
}

// named expands table placeholders only; sqlx binds :name parameters itself.
func (r *repository) named(query string) string {
	return r.tables.Replace(query)
}

func (r *repository) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.q(query), args...)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// execRaw runs a query that is already expanded and rebound.
func (r *repository) execRaw(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (r *repository) in(query string, args ...any) (string, []any, error) {
	expanded, inArgs, err := sqlx.In(r.tables.Replace(query), args...)
	if err != nil {
		return "", nil, errors.Wrap(err, "expand IN clause")
	}

	return r.db.Rebind(expanded), inArgs, nil
}

func (r *repository) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, r.q(query), args...); err != nil {
		return 0, err
	}

	return n, nil
}

func (r *repository) exists(ctx context.Context, query string, args ...any) (bool, error) {
	n, err := r.count(ctx, query, args...)
	return n > 0, err
}

func (r *repository) ClearAll(ctx context.Context) error {
	for _, table := range []string{"{fired_triggers}", "{triggers}", "{jobs}", "{paused_trigger_groups}", "{calendars}"} {
		if _, err := r.exec(ctx, `DELETE FROM `+table+` WHERE instance_name = ?`, r.instanceName); err != nil {
			return errors.Wrapf(err, "clear %s", table)
		}
	}

	return nil
}

func states(from []model.TriggerState) []string {
	out := make([]string, 0, len(from))
	for _, s := range from {
		out = append(out, string(s))
	}

	return out
}

func noRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
