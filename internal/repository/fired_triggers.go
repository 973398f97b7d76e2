package repository

import (
	"context"

	"github.com/go-tick/jobstore/internal/model"
)

const firedColumns = `instance_name, fire_instance_id, instance_id, trigger_name, trigger_group,
	job_name, job_group, fired_time, scheduled_time, priority, state,
	concurrent_disallowed, requests_recovery`

func (r *repository) InsertFiredTrigger(ctx context.Context, fired model.FiredTrigger) error {
	fired.InstanceName = r.instanceName
	_, err := r.db.NamedExecContext(ctx, r.named(`
		INSERT INTO {fired_triggers} (`+firedColumns+`)
		VALUES (:instance_name, :fire_instance_id, :instance_id, :trigger_name, :trigger_group,
			:job_name, :job_group, :fired_time, :scheduled_time, :priority, :state,
			:concurrent_disallowed, :requests_recovery)`), fired)

	return err
}

// UpdateFiredTrigger rewrites the record identified by FireInstanceID, used
// when an acquired trigger moves to executing.
func (r *repository) UpdateFiredTrigger(ctx context.Context, fired model.FiredTrigger) (int64, error) {
	fired.InstanceName = r.instanceName
	res, err := r.db.NamedExecContext(ctx, r.named(`
		UPDATE {fired_triggers} SET
			instance_id = :instance_id,
			fired_time = :fired_time,
			scheduled_time = :scheduled_time,
			priority = :priority,
			state = :state,
			job_name = :job_name,
			job_group = :job_group,
			concurrent_disallowed = :concurrent_disallowed,
			requests_recovery = :requests_recovery
		WHERE instance_name = :instance_name AND fire_instance_id = :fire_instance_id`), fired)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (r *repository) DeleteFiredTrigger(ctx context.Context, fireInstanceID string) (int64, error) {
	return r.exec(ctx, `
		DELETE FROM {fired_triggers}
		WHERE instance_name = ? AND fire_instance_id = ?`,
		r.instanceName, fireInstanceID)
}

func (r *repository) DeleteFiredTriggersForInstance(ctx context.Context, instanceID string) (int64, error) {
	return r.exec(ctx, `
		DELETE FROM {fired_triggers}
		WHERE instance_name = ? AND instance_id = ?`,
		r.instanceName, instanceID)
}

func (r *repository) SelectFiredTriggersForJob(ctx context.Context, jobName, jobGroup string) ([]model.FiredTrigger, error) {
	var fired []model.FiredTrigger
	err := r.db.SelectContext(ctx, &fired, r.q(`
		SELECT `+firedColumns+` FROM {fired_triggers}
		WHERE instance_name = ? AND job_group = ? AND job_name = ?
		ORDER BY fired_time`),
		r.instanceName, jobGroup, jobName)

	return fired, err
}

func (r *repository) SelectFiredTriggersForTrigger(ctx context.Context, name, group string) ([]model.FiredTrigger, error) {
	var fired []model.FiredTrigger
	err := r.db.SelectContext(ctx, &fired, r.q(`
		SELECT `+firedColumns+` FROM {fired_triggers}
		WHERE instance_name = ? AND trigger_group = ? AND trigger_name = ?
		ORDER BY fired_time`),
		r.instanceName, group, name)

	return fired, err
}

func (r *repository) SelectFiredTriggersForInstance(ctx context.Context, instanceID string) ([]model.FiredTrigger, error) {
	var fired []model.FiredTrigger
	err := r.db.SelectContext(ctx, &fired, r.q(`
		SELECT `+firedColumns+` FROM {fired_triggers}
		WHERE instance_name = ? AND instance_id = ?
		ORDER BY fired_time`),
		r.instanceName, instanceID)

	return fired, err
}

// SelectRecoverableFiredTriggers returns the executing records of instanceID
// whose job asked to be re-run after a crash.
func (r *repository) SelectRecoverableFiredTriggers(ctx context.Context, instanceID string) ([]model.FiredTrigger, error) {
	var fired []model.FiredTrigger
	err := r.db.SelectContext(ctx, &fired, r.q(`
		SELECT `+firedColumns+` FROM {fired_triggers}
		WHERE instance_name = ? AND instance_id = ? AND requests_recovery = ? AND state = ?
		ORDER BY fired_time`),
		r.instanceName, instanceID, true, string(model.StateExecuting))

	return fired, err
}
