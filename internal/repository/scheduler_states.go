package repository

import (
	"context"

	"github.com/go-tick/jobstore/internal/model"
)

// UpsertSchedulerState records a check-in for state.InstanceID.
func (r *repository) UpsertSchedulerState(ctx context.Context, state model.SchedulerState) error {
	state.InstanceName = r.instanceName
	_, err := r.db.NamedExecContext(ctx, r.named(`
		INSERT INTO {scheduler_states} (instance_name, instance_id, last_checkin, checkin_interval)
		VALUES (:instance_name, :instance_id, :last_checkin, :checkin_interval)
		ON CONFLICT (instance_name, instance_id) DO UPDATE SET
			last_checkin = excluded.last_checkin,
			checkin_interval = excluded.checkin_interval`), state)

	return err
}

func (r *repository) DeleteSchedulerState(ctx context.Context, instanceID string) (int64, error) {
	return r.exec(ctx, `
		DELETE FROM {scheduler_states}
		WHERE instance_name = ? AND instance_id = ?`,
		r.instanceName, instanceID)
}

func (r *repository) SelectSchedulerStates(ctx context.Context) ([]model.SchedulerState, error) {
	var states []model.SchedulerState
	err := r.db.SelectContext(ctx, &states, r.q(`
		SELECT instance_name, instance_id, last_checkin, checkin_interval FROM {scheduler_states}
		WHERE instance_name = ?
		ORDER BY instance_id`),
		r.instanceName)

	return states, err
}
