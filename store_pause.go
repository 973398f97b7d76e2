package jobstore

import (
	"context"
	"slices"
	"time"
)

func (s *Store) PauseTrigger(ctx context.Context, key TriggerKey) error {
	return s.withTriggerAccess(ctx, "pause trigger", func(ctx context.Context, _ *signals) error {
		return s.pauseTrigger(ctx, key)
	})
}

// PauseTriggers pauses the matched groups and returns their names. An exact
// group is recorded as paused even before it has triggers.
func (s *Store) PauseTriggers(ctx context.Context, matcher GroupMatcher) ([]string, error) {
	return withLock(ctx, s, lockTriggerAccess, "pause triggers", func(ctx context.Context, _ *signals) ([]string, error) {
		return s.pauseTriggerGroup(ctx, matcher)
	})
}

func (s *Store) PauseJob(ctx context.Context, key JobKey) error {
	return s.withTriggerAccess(ctx, "pause job", func(ctx context.Context, _ *signals) error {
		return s.pauseJob(ctx, key)
	})
}

// PauseJobs pauses every trigger of the matched job groups and returns the
// job group names.
func (s *Store) PauseJobs(ctx context.Context, matcher GroupMatcher) ([]string, error) {
	return withLock(ctx, s, lockTriggerAccess, "pause jobs", func(ctx context.Context, _ *signals) ([]string, error) {
		keys, err := s.repo.SelectJobKeys(ctx, matcher.filter())
		if err != nil {
			return nil, err
		}

		var groups []string
		for _, key := range keys {
			if err := s.pauseJob(ctx, JobKey{Name: key.Name, Group: key.Group}); err != nil {
				return nil, err
			}

			if !slices.Contains(groups, key.Group) {
				groups = append(groups, key.Group)
			}
		}

		return groups, nil
	})
}

func (s *Store) ResumeTrigger(ctx context.Context, key TriggerKey) error {
	return s.withTriggerAccess(ctx, "resume trigger", func(ctx context.Context, _ *signals) error {
		return s.resumeTrigger(ctx, key)
	})
}

func (s *Store) ResumeTriggers(ctx context.Context, matcher GroupMatcher) ([]string, error) {
	return withLock(ctx, s, lockTriggerAccess, "resume triggers", func(ctx context.Context, _ *signals) ([]string, error) {
		return s.resumeTriggerGroup(ctx, matcher)
	})
}

func (s *Store) ResumeJob(ctx context.Context, key JobKey) error {
	return s.withTriggerAccess(ctx, "resume job", func(ctx context.Context, _ *signals) error {
		return s.resumeJob(ctx, key)
	})
}

func (s *Store) ResumeJobs(ctx context.Context, matcher GroupMatcher) ([]string, error) {
	return withLock(ctx, s, lockTriggerAccess, "resume jobs", func(ctx context.Context, _ *signals) ([]string, error) {
		keys, err := s.repo.SelectJobKeys(ctx, matcher.filter())
		if err != nil {
			return nil, err
		}

		var groups []string
		for _, key := range keys {
			if err := s.resumeJob(ctx, JobKey{Name: key.Name, Group: key.Group}); err != nil {
				return nil, err
			}

			if !slices.Contains(groups, key.Group) {
				groups = append(groups, key.Group)
			}
		}

		return groups, nil
	})
}

// PauseAll pauses every trigger group and marks groups created later as
// paused too.
func (s *Store) PauseAll(ctx context.Context) error {
	return s.withTriggerAccess(ctx, "pause all", func(ctx context.Context, _ *signals) error {
		groups, err := s.repo.SelectTriggerGroups(ctx, AnyGroup().filter())
		if err != nil {
			return err
		}

		for _, group := range groups {
			if _, err := s.pauseTriggerGroup(ctx, GroupEquals(group)); err != nil {
				return err
			}
		}

		return s.repo.InsertPausedTriggerGroup(ctx, allGroupsPaused)
	})
}

func (s *Store) ResumeAll(ctx context.Context) error {
	return s.withTriggerAccess(ctx, "resume all", func(ctx context.Context, _ *signals) error {
		groups, err := s.repo.SelectTriggerGroups(ctx, AnyGroup().filter())
		if err != nil {
			return err
		}

		for _, group := range groups {
			if _, err := s.resumeTriggerGroup(ctx, GroupEquals(group)); err != nil {
				return err
			}
		}

		_, err = s.repo.DeletePausedTriggerGroups(ctx, GroupEquals(allGroupsPaused).filter())
		return err
	})
}

// GetPausedTriggerGroups lists the paused group markers, without the PauseAll
// marker.
func (s *Store) GetPausedTriggerGroups(ctx context.Context) ([]string, error) {
	return read(ctx, s, "get paused trigger groups", func(ctx context.Context) ([]string, error) {
		groups, err := s.repo.SelectPausedTriggerGroups(ctx)
		if err != nil {
			return nil, err
		}

		return slices.DeleteFunc(groups, func(g string) bool { return g == allGroupsPaused }), nil
	})
}

// IsTriggerGroupPaused reports whether a paused marker exists for group.
func (s *Store) IsTriggerGroupPaused(ctx context.Context, group string) (bool, error) {
	return read(ctx, s, "is trigger group paused", func(ctx context.Context) (bool, error) {
		return s.repo.IsTriggerGroupPaused(ctx, group)
	})
}

// IsJobGroupPaused is not supported: pausing jobs pauses their triggers and
// leaves no job group marker behind.
func (s *Store) IsJobGroupPaused(context.Context, string) (bool, error) {
	return false, ErrNotSupported
}

func (s *Store) pauseTrigger(ctx context.Context, key TriggerKey) error {
	if _, err := s.repo.UpdateTriggerStateFromStates(ctx, key.Name, key.Group, StatePaused, StateWaiting, StateAcquired); err != nil {
		return err
	}

	_, err := s.repo.UpdateTriggerStateFromStates(ctx, key.Name, key.Group, StatePausedBlocked, StateBlocked)
	return err
}

func (s *Store) pauseTriggerGroup(ctx context.Context, matcher GroupMatcher) ([]string, error) {
	filter := matcher.filter()

	if _, err := s.repo.UpdateTriggerGroupStateFromStates(ctx, filter, StatePaused, StateAcquired, StateWaiting); err != nil {
		return nil, err
	}

	if _, err := s.repo.UpdateTriggerGroupStateFromStates(ctx, filter, StatePausedBlocked, StateBlocked); err != nil {
		return nil, err
	}

	groups, err := s.repo.SelectTriggerGroups(ctx, filter)
	if err != nil {
		return nil, err
	}

	if group, ok := matcher.exact(); ok && !slices.Contains(groups, group) {
		groups = append(groups, group)
	}

	for _, group := range groups {
		if err := s.repo.InsertPausedTriggerGroup(ctx, group); err != nil {
			return nil, err
		}
	}

	return groups, nil
}

func (s *Store) pauseJob(ctx context.Context, key JobKey) error {
	triggers, err := s.repo.SelectTriggersForJob(ctx, key.Name, key.Group)
	if err != nil {
		return err
	}

	for _, trigger := range triggers {
		if err := s.pauseTrigger(ctx, TriggerKey{Name: trigger.Name, Group: trigger.Group}); err != nil {
			return err
		}
	}

	return nil
}

// resumeTrigger re-derives the blocked state and sends triggers that missed
// their fire time while paused through the misfire path.
func (s *Store) resumeTrigger(ctx context.Context, key TriggerKey) error {
	status, err := s.repo.SelectTriggerStatus(ctx, key.Name, key.Group)
	if err != nil || status == nil || status.NextFireTime == nil {
		return err
	}

	from := TriggerState(status.State)
	if from != StatePaused && from != StatePausedBlocked {
		return nil
	}

	state, err := s.checkBlockedState(ctx, JobKey{Name: status.JobName, Group: status.JobGroup}, StateWaiting)
	if err != nil {
		return err
	}

	misfired := false
	if s.schedulerRunning.Load() && time.UnixMilli(*status.NextFireTime).Before(s.now()) {
		if misfired, err = s.updateMisfiredTrigger(ctx, key, state, true); err != nil {
			return err
		}
	}

	if !misfired {
		_, err = s.repo.UpdateTriggerStateFromStates(ctx, key.Name, key.Group, state, from)
	}

	return err
}

func (s *Store) resumeTriggerGroup(ctx context.Context, matcher GroupMatcher) ([]string, error) {
	filter := matcher.filter()

	if _, err := s.repo.DeletePausedTriggerGroups(ctx, filter); err != nil {
		return nil, err
	}

	keys, err := s.repo.SelectTriggerKeys(ctx, filter)
	if err != nil {
		return nil, err
	}

	var groups []string
	for _, key := range keys {
		if err := s.resumeTrigger(ctx, TriggerKey{Name: key.Name, Group: key.Group}); err != nil {
			return nil, err
		}

		if !slices.Contains(groups, key.Group) {
			groups = append(groups, key.Group)
		}
	}

	return groups, nil
}

func (s *Store) resumeJob(ctx context.Context, key JobKey) error {
	triggers, err := s.repo.SelectTriggersForJob(ctx, key.Name, key.Group)
	if err != nil {
		return err
	}

	for _, trigger := range triggers {
		if err := s.resumeTrigger(ctx, TriggerKey{Name: trigger.Name, Group: trigger.Group}); err != nil {
			return err
		}
	}

	return nil
}
