package jobstore

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-tick/jobstore/internal/model"
	"github.com/google/uuid"
)

// acquisition rounds that found candidates but lost every one of them
const maxAcquireRetries = 3

// AcquireNextTriggers moves up to maxCount due triggers from waiting to
// acquired and records a fired trigger for each. Triggers due within
// timeWindow after noLaterThan are taken in the same batch. Only one trigger
// per non-concurrent job is acquired per call.
func (s *Store) AcquireNextTriggers(ctx context.Context, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]*Trigger, error) {
	if timeWindow < 0 {
		return nil, errors.Wrapf(ErrConfiguration, "time window %s is negative", timeWindow)
	}

	if maxCount <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "max count %d is not positive", maxCount)
	}

	return withLock(ctx, s, lockTriggerAccess, "acquire next triggers", func(ctx context.Context, _ *signals) ([]*Trigger, error) {
		return s.acquireNextTriggers(ctx, noLaterThan, maxCount, timeWindow)
	})
}

func (s *Store) acquireNextTriggers(ctx context.Context, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]*Trigger, error) {
	var acquired []*Trigger
	blockedJobs := make(map[JobKey]struct{})

	for attempt := 1; attempt <= maxAcquireRetries; attempt++ {
		keys, err := s.repo.SelectTriggersToAcquire(ctx,
			noLaterThan.Add(timeWindow).UnixMilli(), s.misfireTime().UnixMilli(), maxCount)
		if err != nil {
			return nil, err
		}

		if len(keys) == 0 {
			return acquired, nil
		}

		batchEnd := noLaterThan.Add(timeWindow)
		for _, key := range keys {
			trigger, err := s.retrieveTrigger(ctx, TriggerKey{Name: key.Name, Group: key.Group})
			if err != nil {
				return nil, err
			}
			if trigger == nil || trigger.NextFireTime == nil {
				continue
			}

			job, err := s.retrieveJob(ctx, trigger.JobKey)
			if err != nil || job == nil {
				s.log.Errorw("trigger references a missing job, putting it in error state",
					"trigger", trigger.Key, "job", trigger.JobKey, "error", err)

				if _, err := s.repo.UpdateTriggerState(ctx, key.Name, key.Group, StateError); err != nil {
					return nil, err
				}
				continue
			}

			if job.ConcurrentExecutionDisallowed {
				if _, taken := blockedJobs[job.Key]; taken {
					continue
				}
				blockedJobs[job.Key] = struct{}{}
			}

			if trigger.NextFireTime.After(batchEnd) {
				break
			}

			n, err := s.repo.UpdateTriggerStateFromStates(ctx, key.Name, key.Group, StateAcquired, StateWaiting)
			if err != nil {
				return nil, err
			}
			if n == 0 {
				continue
			}

			trigger.FireInstanceID = uuid.NewString()
			if err := s.repo.InsertFiredTrigger(ctx, s.firedRecord(trigger, StateAcquired, nil)); err != nil {
				return nil, err
			}

			if len(acquired) == 0 {
				batchEnd = latest(*trigger.NextFireTime, s.now()).Add(timeWindow)
			}

			acquired = append(acquired, trigger)
			if len(acquired) >= maxCount {
				break
			}
		}

		if len(acquired) > 0 {
			break
		}
	}

	return acquired, nil
}

// ReleaseAcquiredTrigger hands an acquired trigger back for another node to
// fire.
func (s *Store) ReleaseAcquiredTrigger(ctx context.Context, trigger *Trigger) error {
	return s.withTriggerAccess(ctx, "release acquired trigger", func(ctx context.Context, _ *signals) error {
		if _, err := s.repo.UpdateTriggerStateFromStates(ctx, trigger.Key.Name, trigger.Key.Group, StateWaiting, StateAcquired); err != nil {
			return err
		}

		_, err := s.repo.DeleteFiredTrigger(ctx, trigger.FireInstanceID)
		return err
	})
}

// TriggersFired marks acquired triggers as executing and advances their
// schedules. Each trigger gets its own result so one failure does not stop
// the batch.
func (s *Store) TriggersFired(ctx context.Context, triggers []*Trigger) ([]TriggerFiredResult, error) {
	return withLock(ctx, s, lockTriggerAccess, "triggers fired", func(ctx context.Context, _ *signals) ([]TriggerFiredResult, error) {
		results := make([]TriggerFiredResult, 0, len(triggers))

		for _, trigger := range triggers {
			bundle, err := s.triggerFired(ctx, trigger)
			if err != nil {
				s.log.Errorw("trigger fired failed", "trigger", trigger.Key, "error", err)
				err = persistenceError(err, "trigger %s fired", trigger.Key)
			}

			results = append(results, TriggerFiredResult{Bundle: bundle, Err: err})
		}

		return results, nil
	})
}

func (s *Store) triggerFired(ctx context.Context, trigger *Trigger) (*TriggerFiredBundle, error) {
	state, err := s.repo.SelectTriggerState(ctx, trigger.Key.Name, trigger.Key.Group)
	if err != nil {
		return nil, err
	}

	if state != StateAcquired {
		return nil, nil
	}

	job, err := s.retrieveJob(ctx, trigger.JobKey)
	if err == nil && job == nil {
		err = errors.Wrapf(ErrJobNotFound, "trigger %s references job %s", trigger.Key, trigger.JobKey)
	}
	if err != nil {
		if _, stateErr := s.repo.UpdateTriggerState(ctx, trigger.Key.Name, trigger.Key.Group, StateError); stateErr != nil {
			err = errors.CombineErrors(err, stateErr)
		}

		return nil, err
	}

	var cal Calendar
	if trigger.CalendarName != "" {
		if cal, err = s.retrieveCalendar(ctx, trigger.CalendarName); err != nil {
			return nil, err
		}

		if cal == nil {
			return nil, nil
		}
	}

	now := s.now()

	n, err := s.repo.UpdateFiredTrigger(ctx, s.firedRecord(trigger, StateExecuting, job))
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if trigger.FireInstanceID == "" {
			trigger.FireInstanceID = uuid.NewString()
		}

		if err := s.repo.InsertFiredTrigger(ctx, s.firedRecord(trigger, StateExecuting, job)); err != nil {
			return nil, err
		}
	}

	prevFireTime := trigger.PreviousFireTime
	trigger.Triggered(cal)

	state = StateWaiting
	force := true

	if job.ConcurrentExecutionDisallowed {
		state = StateBlocked
		force = false

		for _, transition := range [][2]TriggerState{
			{StateWaiting, StateBlocked},
			{StateAcquired, StateBlocked},
			{StatePaused, StatePausedBlocked},
		} {
			if _, err := s.repo.UpdateTriggerStatesForJobFromState(ctx, job.Key.Name, job.Key.Group, transition[1], transition[0]); err != nil {
				return nil, err
			}
		}
	}

	if trigger.NextFireTime == nil {
		state = StateComplete
		force = true
	}

	if err := s.storeTrigger(ctx, trigger, job, true, state, force, false); err != nil {
		return nil, err
	}

	job.JobData.ClearDirty()

	return &TriggerFiredBundle{
		Job:               job,
		Trigger:           trigger,
		Calendar:          cal,
		Recovering:        trigger.Key.Group == RecoveringJobsGroup,
		FireTime:          now,
		ScheduledFireTime: trigger.PreviousFireTime,
		PrevFireTime:      prevFireTime,
		NextFireTime:      trigger.NextFireTime,
	}, nil
}

// TriggeredJobComplete applies the host's completion instruction, unblocks
// the job's other triggers and always removes the fired trigger record.
func (s *Store) TriggeredJobComplete(ctx context.Context, trigger *Trigger, job *JobDetail, instruction CompletedExecutionInstruction) error {
	return s.withTriggerAccess(ctx, "triggered job complete", func(ctx context.Context, sig *signals) error {
		err := s.triggeredJobComplete(ctx, sig, trigger, job, instruction)

		if _, deleteErr := s.repo.DeleteFiredTrigger(ctx, trigger.FireInstanceID); deleteErr != nil {
			err = errors.CombineErrors(err, deleteErr)
		}

		return err
	})
}

func (s *Store) triggeredJobComplete(ctx context.Context, sig *signals, trigger *Trigger, job *JobDetail, instruction CompletedExecutionInstruction) error {
	key := trigger.Key

	switch instruction {
	case InstructionDeleteTrigger:
		if trigger.NextFireTime == nil {
			// the job may have rescheduled the trigger while it ran
			status, err := s.repo.SelectTriggerStatus(ctx, key.Name, key.Group)
			if err != nil {
				return err
			}

			if status != nil && status.NextFireTime == nil {
				if _, err := s.removeTrigger(ctx, key); err != nil {
					return err
				}
			}
		} else {
			if _, err := s.removeTrigger(ctx, key); err != nil {
				return err
			}
			sig.signal(time.Time{})
		}
	case InstructionSetTriggerComplete:
		if _, err := s.repo.UpdateTriggerState(ctx, key.Name, key.Group, StateComplete); err != nil {
			return err
		}
		sig.signal(time.Time{})
	case InstructionSetTriggerError:
		s.log.Errorw("trigger set to error state", "trigger", key)

		if _, err := s.repo.UpdateTriggerState(ctx, key.Name, key.Group, StateError); err != nil {
			return err
		}
		sig.signal(time.Time{})
	case InstructionSetAllJobTriggersComplete:
		if _, err := s.repo.UpdateTriggerStatesForJob(ctx, job.Key.Name, job.Key.Group, StateComplete); err != nil {
			return err
		}
		sig.signal(time.Time{})
	case InstructionSetAllJobTriggersError:
		s.log.Errorw("all triggers of job set to error state", "job", job.Key)

		if _, err := s.repo.UpdateTriggerStatesForJob(ctx, job.Key.Name, job.Key.Group, StateError); err != nil {
			return err
		}
		sig.signal(time.Time{})
	}

	if job.ConcurrentExecutionDisallowed {
		if _, err := s.repo.UpdateTriggerStatesForJobFromState(ctx, job.Key.Name, job.Key.Group, StateWaiting, StateBlocked); err != nil {
			return err
		}

		if _, err := s.repo.UpdateTriggerStatesForJobFromState(ctx, job.Key.Name, job.Key.Group, StatePaused, StatePausedBlocked); err != nil {
			return err
		}

		sig.signal(time.Time{})
	}

	if job.PersistJobDataAfterExecution && job.JobData.Dirty() {
		data, err := encodeJobData(job.JobData)
		if err != nil {
			return err
		}

		if err := s.repo.UpdateJobData(ctx, job.Key.Name, job.Key.Group, data); err != nil {
			return err
		}

		job.JobData.ClearDirty()
	}

	return nil
}

func (s *Store) firedRecord(trigger *Trigger, state TriggerState, job *JobDetail) model.FiredTrigger {
	record := model.FiredTrigger{
		FireInstanceID: trigger.FireInstanceID,
		InstanceID:     s.cfg.instanceID,
		TriggerName:    trigger.Key.Name,
		TriggerGroup:   trigger.Key.Group,
		JobName:        trigger.JobKey.Name,
		JobGroup:       trigger.JobKey.Group,
		FiredTime:      s.now().UnixMilli(),
		ScheduledTime:  toMillis(trigger.NextFireTime),
		Priority:       trigger.Priority,
		State:          string(state),
	}

	if job != nil {
		record.ConcurrentDisallowed = job.ConcurrentExecutionDisallowed
		record.RequestsRecovery = job.RequestsRecovery
	}

	return record
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}

	return b
}
