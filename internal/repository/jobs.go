package repository

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/go-tick/jobstore/internal/model"
)

const jobColumns = `instance_name, name, grp, description, job_type, durable,
	concurrent_disallowed, persist_data, requests_recovery, job_data`

func (r *repository) InsertJob(ctx context.Context, job model.Job) error {
	job.InstanceName = r.instanceName
	_, err := r.db.NamedExecContext(ctx, r.named(`
		INSERT INTO {jobs} (`+jobColumns+`)
		VALUES (:instance_name, :name, :grp, :description, :job_type, :durable,
			:concurrent_disallowed, :persist_data, :requests_recovery, :job_data)`), job)

	return err
}

func (r *repository) UpsertJob(ctx context.Context, job model.Job) error {
	job.InstanceName = r.instanceName
	_, err := r.db.NamedExecContext(ctx, r.named(`
		INSERT INTO {jobs} (`+jobColumns+`)
		VALUES (:instance_name, :name, :grp, :description, :job_type, :durable,
			:concurrent_disallowed, :persist_data, :requests_recovery, :job_data)
		ON CONFLICT (instance_name, grp, name) DO UPDATE SET
			description = excluded.description,
			job_type = excluded.job_type,
			durable = excluded.durable,
			concurrent_disallowed = excluded.concurrent_disallowed,
			persist_data = excluded.persist_data,
			requests_recovery = excluded.requests_recovery,
			job_data = excluded.job_data`), job)

	return err
}

func (r *repository) UpdateJobData(ctx context.Context, name, group, data string) error {
	_, err := r.exec(ctx, `
		UPDATE {jobs} SET job_data = ?
		WHERE instance_name = ? AND grp = ? AND name = ?`,
		data, r.instanceName, group, name)

	return err
}

func (r *repository) SelectJob(ctx context.Context, name, group string) (*model.Job, error) {
	var job model.Job
	err := r.db.GetContext(ctx, &job, r.q(`
		SELECT `+jobColumns+` FROM {jobs}
		WHERE instance_name = ? AND grp = ? AND name = ?`),
		r.instanceName, group, name)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &job, nil
}

func (r *repository) SelectJobForTrigger(ctx context.Context, triggerName, triggerGroup string) (*model.Job, error) {
	var job model.Job
	err := r.db.GetContext(ctx, &job, r.q(`
		SELECT j.instance_name, j.name, j.grp, j.description, j.job_type, j.durable,
			j.concurrent_disallowed, j.persist_data, j.requests_recovery, j.job_data
		FROM {jobs} j
		JOIN {triggers} t
			ON t.instance_name = j.instance_name AND t.job_group = j.grp AND t.job_name = j.name
		WHERE t.instance_name = ? AND t.grp = ? AND t.name = ?`),
		r.instanceName, triggerGroup, triggerName)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &job, nil
}

func (r *repository) JobExists(ctx context.Context, name, group string) (bool, error) {
	return r.exists(ctx, `
		SELECT COUNT(*) FROM {jobs}
		WHERE instance_name = ? AND grp = ? AND name = ?`,
		r.instanceName, group, name)
}

func (r *repository) DeleteJob(ctx context.Context, name, group string) (bool, error) {
	n, err := r.exec(ctx, `
		DELETE FROM {jobs}
		WHERE instance_name = ? AND grp = ? AND name = ?`,
		r.instanceName, group, name)

	return n > 0, err
}

func (r *repository) SelectJobKeys(ctx context.Context, filter model.GroupFilter) ([]model.Key, error) {
	clause, args := groupClause("grp", filter)

	var keys []model.Key
	err := r.db.SelectContext(ctx, &keys, r.q(`
		SELECT name, grp FROM {jobs}
		WHERE instance_name = ? AND `+clause+`
		ORDER BY grp, name`),
		append([]any{r.instanceName}, args...)...)
	if err != nil {
		return nil, errors.Wrap(err, "select job keys")
	}

	return keys, nil
}

func (r *repository) SelectJobGroups(ctx context.Context, filter model.GroupFilter) ([]string, error) {
	clause, args := groupClause("grp", filter)

	var groups []string
	err := r.db.SelectContext(ctx, &groups, r.q(`
		SELECT DISTINCT grp FROM {jobs}
		WHERE instance_name = ? AND `+clause+`
		ORDER BY grp`),
		append([]any{r.instanceName}, args...)...)
	if err != nil {
		return nil, errors.Wrap(err, "select job groups")
	}

	return groups, nil
}

func (r *repository) CountJobs(ctx context.Context) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM {jobs} WHERE instance_name = ?`, r.instanceName)
}
