package repository

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/go-tick/jobstore/internal/model"
)

const triggerColumns = `instance_name, name, grp, job_name, job_group, description, calendar_name,
	state, schedule_type, schedule, schedule_data, misfire_instruction, priority,
	start_time, end_time, next_fire_time, prev_fire_time, job_data`

const triggerValues = `:instance_name, :name, :grp, :job_name, :job_group, :description, :calendar_name,
	:state, :schedule_type, :schedule, :schedule_data, :misfire_instruction, :priority,
	:start_time, :end_time, :next_fire_time, :prev_fire_time, :job_data`

func (r *repository) InsertTrigger(ctx context.Context, trigger model.Trigger) error {
	trigger.InstanceName = r.instanceName
	_, err := r.db.NamedExecContext(ctx, r.named(`
		INSERT INTO {triggers} (`+triggerColumns+`) VALUES (`+triggerValues+`)`), trigger)

	return err
}

func (r *repository) UpsertTrigger(ctx context.Context, trigger model.Trigger) error {
	trigger.InstanceName = r.instanceName
	_, err := r.db.NamedExecContext(ctx, r.named(`
		INSERT INTO {triggers} (`+triggerColumns+`) VALUES (`+triggerValues+`)
		ON CONFLICT (instance_name, grp, name) DO UPDATE SET
			job_name = excluded.job_name,
			job_group = excluded.job_group,
			description = excluded.description,
			calendar_name = excluded.calendar_name,
			state = excluded.state,
			schedule_type = excluded.schedule_type,
			schedule = excluded.schedule,
			schedule_data = excluded.schedule_data,
			misfire_instruction = excluded.misfire_instruction,
			priority = excluded.priority,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			next_fire_time = excluded.next_fire_time,
			prev_fire_time = excluded.prev_fire_time,
			job_data = excluded.job_data`), trigger)

	return err
}

func (r *repository) SelectTrigger(ctx context.Context, name, group string) (*model.Trigger, error) {
	var trigger model.Trigger
	err := r.db.GetContext(ctx, &trigger, r.q(`
		SELECT `+triggerColumns+` FROM {triggers}
		WHERE instance_name = ? AND grp = ? AND name = ?`),
		r.instanceName, group, name)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &trigger, nil
}

func (r *repository) SelectTriggerStatus(ctx context.Context, name, group string) (*model.TriggerStatus, error) {
	var status model.TriggerStatus
	err := r.db.GetContext(ctx, &status, r.q(`
		SELECT name, grp, job_name, job_group, state, next_fire_time FROM {triggers}
		WHERE instance_name = ? AND grp = ? AND name = ?`),
		r.instanceName, group, name)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &status, nil
}

// SelectTriggerState returns StateNone for a trigger that does not exist.
func (r *repository) SelectTriggerState(ctx context.Context, name, group string) (model.TriggerState, error) {
	var state model.TriggerState
	err := r.db.GetContext(ctx, &state, r.q(`
		SELECT state FROM {triggers}
		WHERE instance_name = ? AND grp = ? AND name = ?`),
		r.instanceName, group, name)
	if noRows(err) {
		return model.StateNone, nil
	}
	if err != nil {
		return "", err
	}

	return state, nil
}

func (r *repository) SelectTriggerJobData(ctx context.Context, name, group string) (string, error) {
	var data string
	err := r.db.GetContext(ctx, &data, r.q(`
		SELECT job_data FROM {triggers}
		WHERE instance_name = ? AND grp = ? AND name = ?`),
		r.instanceName, group, name)
	if noRows(err) {
		return "", nil
	}

	return data, err
}

func (r *repository) TriggerExists(ctx context.Context, name, group string) (bool, error) {
	return r.exists(ctx, `
		SELECT COUNT(*) FROM {triggers}
		WHERE instance_name = ? AND grp = ? AND name = ?`,
		r.instanceName, group, name)
}

func (r *repository) DeleteTrigger(ctx context.Context, name, group string) (bool, error) {
	n, err := r.exec(ctx, `
		DELETE FROM {triggers}
		WHERE instance_name = ? AND grp = ? AND name = ?`,
		r.instanceName, group, name)

	return n > 0, err
}

func (r *repository) UpdateTriggerState(ctx context.Context, name, group string, state model.TriggerState) (int64, error) {
	return r.exec(ctx, `
		UPDATE {triggers} SET state = ?
		WHERE instance_name = ? AND grp = ? AND name = ?`,
		string(state), r.instanceName, group, name)
}

// UpdateTriggerStateFromStates is the compare-and-swap primitive: the write only
// happens while the trigger is still in one of the from states.
func (r *repository) UpdateTriggerStateFromStates(ctx context.Context, name, group string, state model.TriggerState, from ...model.TriggerState) (int64, error) {
	query, args, err := r.in(`
		UPDATE {triggers} SET state = ?
		WHERE instance_name = ? AND grp = ? AND name = ? AND state IN (?)`,
		string(state), r.instanceName, group, name, states(from))
	if err != nil {
		return 0, err
	}

	return r.execRaw(ctx, query, args...)
}

func (r *repository) UpdateTriggerStatesForJob(ctx context.Context, jobName, jobGroup string, state model.TriggerState) (int64, error) {
	return r.exec(ctx, `
		UPDATE {triggers} SET state = ?
		WHERE instance_name = ? AND job_group = ? AND job_name = ?`,
		string(state), r.instanceName, jobGroup, jobName)
}

func (r *repository) UpdateTriggerStatesForJobFromState(ctx context.Context, jobName, jobGroup string, state, from model.TriggerState) (int64, error) {
	return r.exec(ctx, `
		UPDATE {triggers} SET state = ?
		WHERE instance_name = ? AND job_group = ? AND job_name = ? AND state = ?`,
		string(state), r.instanceName, jobGroup, jobName, string(from))
}

func (r *repository) UpdateTriggerGroupStateFromStates(ctx context.Context, filter model.GroupFilter, state model.TriggerState, from ...model.TriggerState) (int64, error) {
	clause, clauseArgs := groupClause("grp", filter)
	args := append([]any{string(state), r.instanceName}, clauseArgs...)
	args = append(args, states(from))

	query, inArgs, err := r.in(`
		UPDATE {triggers} SET state = ?
		WHERE instance_name = ? AND `+clause+` AND state IN (?)`, args...)
	if err != nil {
		return 0, err
	}

	return r.execRaw(ctx, query, inArgs...)
}

func (r *repository) UpdateTriggerStatesFromStates(ctx context.Context, state model.TriggerState, from ...model.TriggerState) (int64, error) {
	query, args, err := r.in(`
		UPDATE {triggers} SET state = ?
		WHERE instance_name = ? AND state IN (?)`,
		string(state), r.instanceName, states(from))
	if err != nil {
		return 0, err
	}

	return r.execRaw(ctx, query, args...)
}

func (r *repository) SelectTriggerKeys(ctx context.Context, filter model.GroupFilter) ([]model.Key, error) {
	clause, args := groupClause("grp", filter)

	var keys []model.Key
	err := r.db.SelectContext(ctx, &keys, r.q(`
		SELECT name, grp FROM {triggers}
		WHERE instance_name = ? AND `+clause+`
		ORDER BY grp, name`),
		append([]any{r.instanceName}, args...)...)
	if err != nil {
		return nil, errors.Wrap(err, "select trigger keys")
	}

	return keys, nil
}

func (r *repository) SelectTriggerGroups(ctx context.Context, filter model.GroupFilter) ([]string, error) {
	clause, args := groupClause("grp", filter)

	var groups []string
	err := r.db.SelectContext(ctx, &groups, r.q(`
		SELECT DISTINCT grp FROM {triggers}
		WHERE instance_name = ? AND `+clause+`
		ORDER BY grp`),
		append([]any{r.instanceName}, args...)...)
	if err != nil {
		return nil, errors.Wrap(err, "select trigger groups")
	}

	return groups, nil
}

func (r *repository) SelectTriggersForJob(ctx context.Context, jobName, jobGroup string) ([]model.Trigger, error) {
	var triggers []model.Trigger
	err := r.db.SelectContext(ctx, &triggers, r.q(`
		SELECT `+triggerColumns+` FROM {triggers}
		WHERE instance_name = ? AND job_group = ? AND job_name = ?
		ORDER BY grp, name`),
		r.instanceName, jobGroup, jobName)

	return triggers, err
}

func (r *repository) SelectTriggersForCalendar(ctx context.Context, calendarName string) ([]model.Trigger, error) {
	var triggers []model.Trigger
	err := r.db.SelectContext(ctx, &triggers, r.q(`
		SELECT `+triggerColumns+` FROM {triggers}
		WHERE instance_name = ? AND calendar_name = ?
		ORDER BY grp, name`),
		r.instanceName, calendarName)

	return triggers, err
}

func (r *repository) SelectTriggersInState(ctx context.Context, state model.TriggerState) ([]model.Key, error) {
	var keys []model.Key
	err := r.db.SelectContext(ctx, &keys, r.q(`
		SELECT name, grp FROM {triggers}
		WHERE instance_name = ? AND state = ?
		ORDER BY grp, name`),
		r.instanceName, string(state))

	return keys, err
}

// SelectTriggersToAcquire returns waiting triggers due no later than
// noLaterThan, skipping ones older than noEarlierThan unless they ignore the
// misfire policy. Earliest fire time first, then highest priority.
func (r *repository) SelectTriggersToAcquire(ctx context.Context, noLaterThan, noEarlierThan int64, maxCount int) ([]model.Key, error) {
	var keys []model.Key
	err := r.db.SelectContext(ctx, &keys, r.q(`
		SELECT name, grp FROM {triggers}
		WHERE instance_name = ? AND state = ?
			AND next_fire_time IS NOT NULL AND next_fire_time <= ?
			AND (misfire_instruction = -1 OR next_fire_time >= ?)
		ORDER BY next_fire_time ASC, priority DESC
		LIMIT ?`),
		r.instanceName, string(model.StateWaiting), noLaterThan, noEarlierThan, maxCount)

	return keys, err
}

// SelectMisfiredTriggers returns up to limit waiting triggers whose next fire
// time is before misfireTime, and whether more exist. limit <= 0 is unbounded.
func (r *repository) SelectMisfiredTriggers(ctx context.Context, misfireTime int64, limit int) ([]model.Key, bool, error) {
	query := `
		SELECT name, grp FROM {triggers}
		WHERE instance_name = ? AND state = ? AND misfire_instruction <> -1
			AND next_fire_time IS NOT NULL AND next_fire_time < ?
		ORDER BY next_fire_time ASC, priority DESC`
	args := []any{r.instanceName, string(model.StateWaiting), misfireTime}

	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit+1)
	}

	var keys []model.Key
	if err := r.db.SelectContext(ctx, &keys, r.q(query), args...); err != nil {
		return nil, false, err
	}

	if limit > 0 && len(keys) > limit {
		return keys[:limit], true, nil
	}

	return keys, false, nil
}

func (r *repository) CountMisfiredTriggers(ctx context.Context, misfireTime int64) (int, error) {
	return r.count(ctx, `
		SELECT COUNT(*) FROM {triggers}
		WHERE instance_name = ? AND state = ? AND misfire_instruction <> -1
			AND next_fire_time IS NOT NULL AND next_fire_time < ?`,
		r.instanceName, string(model.StateWaiting), misfireTime)
}

func (r *repository) CountTriggers(ctx context.Context) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM {triggers} WHERE instance_name = ?`, r.instanceName)
}

func (r *repository) CountTriggersForJob(ctx context.Context, jobName, jobGroup string) (int, error) {
	return r.count(ctx, `
		SELECT COUNT(*) FROM {triggers}
		WHERE instance_name = ? AND job_group = ? AND job_name = ?`,
		r.instanceName, jobGroup, jobName)
}

func (r *repository) CountTriggersForCalendar(ctx context.Context, calendarName string) (int, error) {
	return r.count(ctx, `
		SELECT COUNT(*) FROM {triggers}
		WHERE instance_name = ? AND calendar_name = ?`,
		r.instanceName, calendarName)
}
