package jobstore

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/go-tick/jobstore/internal/repository"
)

// JobWithTriggers pairs a job with the triggers stored alongside it.
type JobWithTriggers struct {
	Job      *JobDetail
	Triggers []*Trigger
}

func (s *Store) StoreJob(ctx context.Context, job *JobDetail, replace bool) error {
	return s.withTriggerAccess(ctx, "store job", func(ctx context.Context, _ *signals) error {
		return s.storeJob(ctx, job, replace)
	})
}

func (s *Store) StoreJobAndTrigger(ctx context.Context, job *JobDetail, trigger *Trigger) error {
	return s.withTriggerAccess(ctx, "store job and trigger", func(ctx context.Context, _ *signals) error {
		if err := s.storeJob(ctx, job, false); err != nil {
			return err
		}

		return s.storeTrigger(ctx, trigger, job, false, StateWaiting, false, false)
	})
}

// StoreJobsAndTriggers stores every job and its triggers. Without replace,
// nothing is written if any of them already exists.
func (s *Store) StoreJobsAndTriggers(ctx context.Context, entries []JobWithTriggers, replace bool) error {
	return s.withTriggerAccess(ctx, "store jobs and triggers", func(ctx context.Context, _ *signals) error {
		if !replace {
			for _, entry := range entries {
				exists, err := s.repo.JobExists(ctx, entry.Job.Key.Name, entry.Job.Key.Group)
				if err != nil {
					return err
				}
				if exists {
					return alreadyExists("job %s already exists", entry.Job.Key)
				}

				for _, trigger := range entry.Triggers {
					exists, err := s.repo.TriggerExists(ctx, trigger.Key.Name, trigger.Key.Group)
					if err != nil {
						return err
					}
					if exists {
						return alreadyExists("trigger %s already exists", trigger.Key)
					}
				}
			}
		}

		for _, entry := range entries {
			if err := s.storeJob(ctx, entry.Job, true); err != nil {
				return err
			}

			for _, trigger := range entry.Triggers {
				if err := s.storeTrigger(ctx, trigger, entry.Job, true, StateWaiting, false, false); err != nil {
					return err
				}
			}
		}

		return nil
	})
}

func (s *Store) RetrieveJob(ctx context.Context, key JobKey) (*JobDetail, error) {
	return read(ctx, s, "retrieve job", func(ctx context.Context) (*JobDetail, error) {
		return s.retrieveJob(ctx, key)
	})
}

// RemoveJob deletes the job and all of its triggers.
func (s *Store) RemoveJob(ctx context.Context, key JobKey) (bool, error) {
	return withLock(ctx, s, lockTriggerAccess, "remove job", func(ctx context.Context, _ *signals) (bool, error) {
		return s.removeJob(ctx, key)
	})
}

// RemoveJobs reports whether every job was found and removed.
func (s *Store) RemoveJobs(ctx context.Context, keys []JobKey) (bool, error) {
	return withLock(ctx, s, lockTriggerAccess, "remove jobs", func(ctx context.Context, _ *signals) (bool, error) {
		all := true
		for _, key := range keys {
			removed, err := s.removeJob(ctx, key)
			if err != nil {
				return false, err
			}
			all = all && removed
		}

		return all, nil
	})
}

func (s *Store) CheckJobExists(ctx context.Context, key JobKey) (bool, error) {
	return read(ctx, s, "check job exists", func(ctx context.Context) (bool, error) {
		return s.repo.JobExists(ctx, key.Name, key.Group)
	})
}

func (s *Store) GetJobKeys(ctx context.Context, matcher GroupMatcher) ([]JobKey, error) {
	return read(ctx, s, "get job keys", func(ctx context.Context) ([]JobKey, error) {
		rows, err := s.repo.SelectJobKeys(ctx, matcher.filter())
		if err != nil {
			return nil, err
		}

		keys := make([]JobKey, 0, len(rows))
		for _, row := range rows {
			keys = append(keys, JobKey{Name: row.Name, Group: row.Group})
		}

		return keys, nil
	})
}

func (s *Store) GetJobGroupNames(ctx context.Context) ([]string, error) {
	return read(ctx, s, "get job group names", func(ctx context.Context) ([]string, error) {
		return s.repo.SelectJobGroups(ctx, AnyGroup().filter())
	})
}

func (s *Store) GetNumberOfJobs(ctx context.Context) (int, error) {
	return read(ctx, s, "get number of jobs", func(ctx context.Context) (int, error) {
		return s.repo.CountJobs(ctx)
	})
}

func (s *Store) storeJob(ctx context.Context, job *JobDetail, replace bool) error {
	if job == nil || job.Key.Name == "" {
		return errors.Wrap(ErrInvalidJob, "job has no name")
	}

	row, err := jobToRow(job)
	if err != nil {
		return err
	}

	if replace {
		return s.repo.UpsertJob(ctx, row)
	}

	if err := s.repo.InsertJob(ctx, row); err != nil {
		if repository.IsUniqueViolation(err) {
			return alreadyExists("job %s already exists", job.Key)
		}

		return err
	}

	return nil
}

func (s *Store) retrieveJob(ctx context.Context, key JobKey) (*JobDetail, error) {
	row, err := s.repo.SelectJob(ctx, key.Name, key.Group)
	if err != nil || row == nil {
		return nil, err
	}

	return jobFromRow(row)
}

func (s *Store) removeJob(ctx context.Context, key JobKey) (bool, error) {
	triggers, err := s.repo.SelectTriggersForJob(ctx, key.Name, key.Group)
	if err != nil {
		return false, err
	}

	for _, trigger := range triggers {
		if _, err := s.repo.DeleteTrigger(ctx, trigger.Name, trigger.Group); err != nil {
			return false, err
		}
	}

	return s.repo.DeleteJob(ctx, key.Name, key.Group)
}
