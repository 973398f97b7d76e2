package repository

import (
	"context"

	"github.com/go-tick/jobstore/internal/model"
)

// InsertPausedTriggerGroup records group as paused. Recording it twice is not
// an error.
func (r *repository) InsertPausedTriggerGroup(ctx context.Context, group string) error {
	_, err := r.exec(ctx, `
		INSERT INTO {paused_trigger_groups} (instance_name, grp) VALUES (?, ?)
		ON CONFLICT (instance_name, grp) DO NOTHING`,
		r.instanceName, group)

	return err
}

func (r *repository) DeletePausedTriggerGroups(ctx context.Context, filter model.GroupFilter) (int64, error) {
	clause, args := groupClause("grp", filter)

	return r.exec(ctx, `
		DELETE FROM {paused_trigger_groups}
		WHERE instance_name = ? AND `+clause,
		append([]any{r.instanceName}, args...)...)
}

func (r *repository) IsTriggerGroupPaused(ctx context.Context, group string) (bool, error) {
	return r.exists(ctx, `
		SELECT COUNT(*) FROM {paused_trigger_groups}
		WHERE instance_name = ? AND grp = ?`,
		r.instanceName, group)
}

func (r *repository) SelectPausedTriggerGroups(ctx context.Context) ([]string, error) {
	var groups []string
	err := r.db.SelectContext(ctx, &groups, r.q(`
		SELECT grp FROM {paused_trigger_groups}
		WHERE instance_name = ?
		ORDER BY grp`),
		r.instanceName)

	return groups, err
}
