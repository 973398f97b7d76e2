package jobstore

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// shortest pause between two misfire handler rounds
const minMisfireHandlerPause = 50 * time.Millisecond

// RecoverMisfiredJobsResult summarizes one misfire sweep.
type RecoverMisfiredJobsResult struct {
	ProcessedCount int
	HasMore        bool
	// EarliestNewTime is the earliest rescheduled fire time, zero if none.
	EarliestNewTime time.Time
}

// RecoverMisfires runs one bounded misfire sweep under the TriggerAccess lock.
// It takes the lock only when a lock free count finds misfired triggers.
func (s *Store) RecoverMisfires(ctx context.Context) (RecoverMisfiredJobsResult, error) {
	if err := s.ready(); err != nil {
		return RecoverMisfiredJobsResult{}, err
	}

	count, err := s.repo.CountMisfiredTriggers(ctx, s.misfireTime().UnixMilli())
	if err != nil {
		return RecoverMisfiredJobsResult{}, persistenceError(err, "count misfired triggers")
	}

	if count == 0 {
		return RecoverMisfiredJobsResult{}, nil
	}

	return withLock(ctx, s, lockTriggerAccess, "recover misfires", func(ctx context.Context, _ *signals) (RecoverMisfiredJobsResult, error) {
		return s.recoverMisfiredJobs(ctx, false)
	})
}

// recoverMisfiredJobs reschedules waiting triggers past the misfire threshold.
// Crash recovery sweeps without a batch limit.
func (s *Store) recoverMisfiredJobs(ctx context.Context, recovering bool) (RecoverMisfiredJobsResult, error) {
	limit := s.cfg.maxMisfiresToHandleAtATime
	if recovering {
		limit = 0
	}

	keys, hasMore, err := s.repo.SelectMisfiredTriggers(ctx, s.misfireTime().UnixMilli(), limit)
	if err != nil {
		return RecoverMisfiredJobsResult{}, err
	}

	if hasMore {
		s.log.Infow("handling the first misfired triggers, more remain", "count", len(keys))
	} else if len(keys) > 0 {
		s.log.Infow("handling misfired triggers", "count", len(keys))
	}

	result := RecoverMisfiredJobsResult{HasMore: hasMore}

	for _, key := range keys {
		trigger, err := s.retrieveTrigger(ctx, TriggerKey{Name: key.Name, Group: key.Group})
		if err != nil {
			return result, err
		}
		if trigger == nil {
			continue
		}

		if err := s.doUpdateOfMisfiredTrigger(ctx, trigger, false, StateWaiting, recovering); err != nil {
			return result, err
		}

		result.ProcessedCount++

		if next := trigger.NextFireTime; next != nil && (result.EarliestNewTime.IsZero() || next.Before(result.EarliestNewTime)) {
			result.EarliestNewTime = *next
		}
	}

	return result, nil
}

// updateMisfiredTrigger sends the trigger through the misfire path if it is
// actually past the threshold, reporting whether it did.
func (s *Store) updateMisfiredTrigger(ctx context.Context, key TriggerKey, newState TriggerState, forceState bool) (bool, error) {
	trigger, err := s.retrieveTrigger(ctx, key)
	if err != nil || trigger == nil || trigger.NextFireTime == nil {
		return false, err
	}

	if trigger.NextFireTime.After(s.misfireTime()) {
		return false, nil
	}

	if err := s.doUpdateOfMisfiredTrigger(ctx, trigger, forceState, newState, false); err != nil {
		return false, err
	}

	return true, nil
}

func (s *Store) doUpdateOfMisfiredTrigger(ctx context.Context, trigger *Trigger, forceState bool, newState TriggerState, recovering bool) error {
	var cal Calendar
	if trigger.CalendarName != "" {
		var err error
		if cal, err = s.retrieveCalendar(ctx, trigger.CalendarName); err != nil {
			return err
		}
	}

	if err := s.cfg.signaler.NotifyTriggerListenersMisfired(ctx, trigger); err != nil {
		return errors.Wrapf(err, "notify trigger %s misfired", trigger.Key)
	}

	trigger.UpdateAfterMisfire(cal, s.now())

	if trigger.NextFireTime == nil {
		if err := s.storeTrigger(ctx, trigger, nil, true, StateComplete, forceState, recovering); err != nil {
			return err
		}

		if err := s.cfg.signaler.NotifySchedulerListenersFinalized(ctx, trigger); err != nil {
			return errors.Wrapf(err, "notify trigger %s finalized", trigger.Key)
		}

		return nil
	}

	return s.storeTrigger(ctx, trigger, nil, true, newState, forceState, false)
}

// runMisfireHandler sweeps misfires and checks this node in until ctx is done.
// Failures are logged every fourth time and reported to error listeners.
func (s *Store) runMisfireHandler(ctx context.Context) {
	frequency := s.cfg.handlerFrequency()
	failures := 0

	s.log.Infow("misfire handler started", "frequency", frequency)

	for {
		started := time.Now()

		result, err := s.manageMisfires(ctx)
		if err != nil && ctx.Err() == nil {
			if failures%4 == 0 {
				s.log.Errorw("misfire handler round failed", "failures", failures+1, "error", err)
			}
			failures++
			s.notifyError(err)
		} else if err == nil {
			failures = 0
		}

		pause := minMisfireHandlerPause
		if !result.HasMore {
			pause = max(frequency-time.Since(started), minMisfireHandlerPause)
			if failures > 0 {
				pause = max(s.cfg.dbRetryInterval, pause)
			}
		}

		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Infow("misfire handler stopped")
			return
		case <-timer.C:
		}
	}
}

func (s *Store) manageMisfires(ctx context.Context) (RecoverMisfiredJobsResult, error) {
	var errs error

	if err := s.CheckIn(ctx); err != nil {
		errs = errors.CombineErrors(errs, err)
	}

	result, err := s.RecoverMisfires(ctx)
	if err != nil {
		return result, errors.CombineErrors(errs, err)
	}

	if result.ProcessedCount > 0 {
		s.cfg.signaler.SignalSchedulingChange(ctx, result.EarliestNewTime)
	}

	return result, errs
}

func (s *Store) notifyError(err error) {
	for _, listener := range s.cfg.errorListeners {
		listener.OnError(err)
	}
}
