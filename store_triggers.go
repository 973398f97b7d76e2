package jobstore

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/go-tick/jobstore/internal/repository"
)

func (s *Store) StoreTrigger(ctx context.Context, trigger *Trigger, replace bool) error {
	return s.withTriggerAccess(ctx, "store trigger", func(ctx context.Context, _ *signals) error {
		return s.storeTrigger(ctx, trigger, nil, replace, StateWaiting, false, false)
	})
}

func (s *Store) RetrieveTrigger(ctx context.Context, key TriggerKey) (*Trigger, error) {
	return read(ctx, s, "retrieve trigger", func(ctx context.Context) (*Trigger, error) {
		return s.retrieveTrigger(ctx, key)
	})
}

// RemoveTrigger deletes the trigger, and its job when the job is not durable
// and has no triggers left.
func (s *Store) RemoveTrigger(ctx context.Context, key TriggerKey) (bool, error) {
	return withLock(ctx, s, lockTriggerAccess, "remove trigger", func(ctx context.Context, _ *signals) (bool, error) {
		return s.removeTrigger(ctx, key)
	})
}

// RemoveTriggers reports whether every trigger was found and removed.
func (s *Store) RemoveTriggers(ctx context.Context, keys []TriggerKey) (bool, error) {
	return withLock(ctx, s, lockTriggerAccess, "remove triggers", func(ctx context.Context, _ *signals) (bool, error) {
		all := true
		for _, key := range keys {
			removed, err := s.removeTrigger(ctx, key)
			if err != nil {
				return false, err
			}
			all = all && removed
		}

		return all, nil
	})
}

// ReplaceTrigger swaps the trigger at key for replacement, which must belong
// to the same job. It reports false when key did not exist.
func (s *Store) ReplaceTrigger(ctx context.Context, key TriggerKey, replacement *Trigger) (bool, error) {
	return withLock(ctx, s, lockTriggerAccess, "replace trigger", func(ctx context.Context, _ *signals) (bool, error) {
		row, err := s.repo.SelectJobForTrigger(ctx, key.Name, key.Group)
		if err != nil || row == nil {
			return false, err
		}

		job, err := jobFromRow(row)
		if err != nil {
			return false, err
		}

		if replacement.JobKey != job.Key {
			return false, errors.Wrapf(ErrInvalidTrigger, "replacement for %s belongs to job %s, not %s", key, replacement.JobKey, job.Key)
		}

		removed, err := s.repo.DeleteTrigger(ctx, key.Name, key.Group)
		if err != nil {
			return false, err
		}

		if err := s.storeTrigger(ctx, replacement, job, false, StateWaiting, false, false); err != nil {
			return false, err
		}

		return removed, nil
	})
}

func (s *Store) CheckTriggerExists(ctx context.Context, key TriggerKey) (bool, error) {
	return read(ctx, s, "check trigger exists", func(ctx context.Context) (bool, error) {
		return s.repo.TriggerExists(ctx, key.Name, key.Group)
	})
}

// GetTriggerState returns StateNone for triggers that no longer exist.
func (s *Store) GetTriggerState(ctx context.Context, key TriggerKey) (TriggerState, error) {
	return read(ctx, s, "get trigger state", func(ctx context.Context) (TriggerState, error) {
		state, err := s.repo.SelectTriggerState(ctx, key.Name, key.Group)
		if err != nil {
			return StateNone, err
		}

		if state == StateDeleted {
			return StateNone, nil
		}

		return state, nil
	})
}

func (s *Store) GetTriggersForJob(ctx context.Context, key JobKey) ([]*Trigger, error) {
	return read(ctx, s, "get triggers for job", func(ctx context.Context) ([]*Trigger, error) {
		rows, err := s.repo.SelectTriggersForJob(ctx, key.Name, key.Group)
		if err != nil {
			return nil, err
		}

		triggers := make([]*Trigger, 0, len(rows))
		for i := range rows {
			trigger, err := s.triggerFromRow(&rows[i])
			if err != nil {
				return nil, err
			}
			triggers = append(triggers, trigger)
		}

		return triggers, nil
	})
}

func (s *Store) GetTriggerKeys(ctx context.Context, matcher GroupMatcher) ([]TriggerKey, error) {
	return read(ctx, s, "get trigger keys", func(ctx context.Context) ([]TriggerKey, error) {
		rows, err := s.repo.SelectTriggerKeys(ctx, matcher.filter())
		if err != nil {
			return nil, err
		}

		keys := make([]TriggerKey, 0, len(rows))
		for _, row := range rows {
			keys = append(keys, TriggerKey{Name: row.Name, Group: row.Group})
		}

		return keys, nil
	})
}

func (s *Store) GetTriggerGroupNames(ctx context.Context) ([]string, error) {
	return read(ctx, s, "get trigger group names", func(ctx context.Context) ([]string, error) {
		return s.repo.SelectTriggerGroups(ctx, AnyGroup().filter())
	})
}

func (s *Store) GetNumberOfTriggers(ctx context.Context) (int, error) {
	return read(ctx, s, "get number of triggers", func(ctx context.Context) (int, error) {
		return s.repo.CountTriggers(ctx)
	})
}

// ResetTriggerFromErrorState moves a trigger in StateError back to waiting,
// or paused when its group is paused.
func (s *Store) ResetTriggerFromErrorState(ctx context.Context, key TriggerKey) error {
	return s.withTriggerAccess(ctx, "reset trigger from error state", func(ctx context.Context, _ *signals) error {
		state := StateWaiting

		paused, err := s.repo.IsTriggerGroupPaused(ctx, key.Group)
		if err != nil {
			return err
		}
		if paused {
			state = StatePaused
		}

		_, err = s.repo.UpdateTriggerStateFromStates(ctx, key.Name, key.Group, state, StateError)
		return err
	})
}

// ClearAllSchedulingData deletes every job, trigger, calendar and paused group
// of this instance name.
func (s *Store) ClearAllSchedulingData(ctx context.Context) error {
	return s.withTriggerAccess(ctx, "clear scheduling data", func(ctx context.Context, _ *signals) error {
		return s.repo.ClearAll(ctx)
	})
}

func (s *Store) retrieveTrigger(ctx context.Context, key TriggerKey) (*Trigger, error) {
	row, err := s.repo.SelectTrigger(ctx, key.Name, key.Group)
	if err != nil || row == nil {
		return nil, err
	}

	return s.triggerFromRow(row)
}

// storeTrigger writes trigger in state, adjusted for paused groups unless
// forceState is set and for a busy non-concurrent job unless recovering.
func (s *Store) storeTrigger(ctx context.Context, trigger *Trigger, job *JobDetail, replace bool, state TriggerState, forceState, recovering bool) error {
	if err := trigger.Validate(); err != nil {
		return err
	}

	exists, err := s.repo.TriggerExists(ctx, trigger.Key.Name, trigger.Key.Group)
	if err != nil {
		return err
	}

	if exists && !replace {
		return alreadyExists("trigger %s already exists", trigger.Key)
	}

	if !forceState {
		paused, err := s.isTriggerGroupPaused(ctx, trigger.Key.Group)
		if err != nil {
			return err
		}

		if paused && (state == StateWaiting || state == StateAcquired) {
			state = StatePaused
		}
	}

	if job == nil {
		if job, err = s.retrieveJob(ctx, trigger.JobKey); err != nil {
			return err
		}
	}

	if job == nil {
		return errors.Wrapf(ErrJobNotFound, "trigger %s references job %s", trigger.Key, trigger.JobKey)
	}

	if job.ConcurrentExecutionDisallowed && !recovering {
		if state, err = s.checkBlockedState(ctx, job.Key, state); err != nil {
			return err
		}
	}

	row, err := s.triggerToRow(trigger, state)
	if err != nil {
		return err
	}

	if exists {
		return s.repo.UpsertTrigger(ctx, row)
	}

	if err := s.repo.InsertTrigger(ctx, row); err != nil {
		if repository.IsUniqueViolation(err) {
			return alreadyExists("trigger %s already exists", trigger.Key)
		}

		return err
	}

	return nil
}

// isTriggerGroupPaused also honours PauseAll, recording group as paused the
// first time it is seen after everything was paused.
func (s *Store) isTriggerGroupPaused(ctx context.Context, group string) (bool, error) {
	paused, err := s.repo.IsTriggerGroupPaused(ctx, group)
	if err != nil || paused {
		return paused, err
	}

	allPaused, err := s.repo.IsTriggerGroupPaused(ctx, allGroupsPaused)
	if err != nil || !allPaused {
		return false, err
	}

	if err := s.repo.InsertPausedTriggerGroup(ctx, group); err != nil {
		return false, err
	}

	return true, nil
}

// checkBlockedState escalates waiting or paused to the blocked variant while
// a non-concurrent execution of the job is in flight.
func (s *Store) checkBlockedState(ctx context.Context, jobKey JobKey, current TriggerState) (TriggerState, error) {
	if current != StateWaiting && current != StatePaused {
		return current, nil
	}

	fired, err := s.repo.SelectFiredTriggersForJob(ctx, jobKey.Name, jobKey.Group)
	if err != nil {
		return current, err
	}

	for _, record := range fired {
		if !record.ConcurrentDisallowed {
			continue
		}

		if current == StatePaused {
			return StatePausedBlocked, nil
		}

		return StateBlocked, nil
	}

	return current, nil
}

func (s *Store) removeTrigger(ctx context.Context, key TriggerKey) (bool, error) {
	job, err := s.repo.SelectJobForTrigger(ctx, key.Name, key.Group)
	if err != nil {
		return false, err
	}

	removed, err := s.repo.DeleteTrigger(ctx, key.Name, key.Group)
	if err != nil || !removed {
		return removed, err
	}

	if job == nil || job.Durable {
		return true, nil
	}

	remaining, err := s.repo.CountTriggersForJob(ctx, job.Name, job.Group)
	if err != nil {
		return true, err
	}

	if remaining > 0 {
		return true, nil
	}

	deleted, err := s.repo.DeleteJob(ctx, job.Name, job.Group)
	if err != nil {
		return true, err
	}

	if deleted {
		jobKey := JobKey{Name: job.Name, Group: job.Group}
		s.log.Debugw("deleted non-durable job without triggers", "job", jobKey)

		if err := s.cfg.signaler.NotifySchedulerListenersJobDeleted(ctx, jobKey); err != nil {
			return true, errors.Wrapf(err, "notify job %s deleted", jobKey)
		}
	}

	return true, nil
}
