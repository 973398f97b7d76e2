package jobstore

import (
	"context"
	"time"
)

// Job data keys added to the triggers crash recovery synthesizes.
const (
	RecoveryTriggerNameKey       = "jobstore.recovery.trigger_name"
	RecoveryTriggerGroupKey      = "jobstore.recovery.trigger_group"
	RecoveryFireTimeKey          = "jobstore.recovery.fire_time_ms"
	RecoveryScheduledFireTimeKey = "jobstore.recovery.scheduled_fire_time_ms"
)

// RecoverJobsResult summarizes one crash recovery run.
type RecoverJobsResult struct {
	ResetTriggers     int64
	Misfires          RecoverMisfiredJobsResult
	RecoveryTriggers  int
	StaleFiredRecords int64
	RemovedComplete   int
}

// RecoverJobs makes the store consistent after this instance stopped
// uncleanly: orphaned acquisitions are released, misfires are handled,
// executions that asked for it are replayed and stale records are purged.
func (s *Store) RecoverJobs(ctx context.Context) (RecoverJobsResult, error) {
	return withLock(ctx, s, lockTriggerAccess, "recover jobs", s.recoverJobs)
}

func (s *Store) recoverJobs(ctx context.Context, _ *signals) (RecoverJobsResult, error) {
	var result RecoverJobsResult

	waiting, err := s.repo.UpdateTriggerStatesFromStates(ctx, StateWaiting, StateAcquired, StateBlocked)
	if err != nil {
		return result, err
	}

	paused, err := s.repo.UpdateTriggerStatesFromStates(ctx, StatePaused, StatePausedBlocked)
	if err != nil {
		return result, err
	}

	result.ResetTriggers = waiting + paused
	s.log.Infow("freed triggers from acquired and blocked states", "count", result.ResetTriggers)

	if result.Misfires, err = s.recoverMisfiredJobs(ctx, true); err != nil {
		return result, err
	}

	records, err := s.repo.SelectRecoverableFiredTriggers(ctx, s.cfg.instanceID)
	if err != nil {
		return result, err
	}

	for _, record := range records {
		jobKey := JobKey{Name: record.JobName, Group: record.JobGroup}

		exists, err := s.repo.JobExists(ctx, jobKey.Name, jobKey.Group)
		if err != nil {
			return result, err
		}

		if !exists {
			s.log.Warnw("not recovering execution of deleted job", "job", jobKey, "fire_instance_id", record.FireInstanceID)
			continue
		}

		scheduled := time.UnixMilli(record.FiredTime).UTC()
		if record.ScheduledTime != nil {
			scheduled = time.UnixMilli(*record.ScheduledTime).UTC()
		}

		data, err := s.repo.SelectTriggerJobData(ctx, record.TriggerName, record.TriggerGroup)
		if err != nil {
			return result, err
		}

		jobData, err := decodeJobData(data)
		if err != nil {
			return result, err
		}

		jobData.Put(RecoveryTriggerNameKey, record.TriggerName)
		jobData.Put(RecoveryTriggerGroupKey, record.TriggerGroup)
		jobData.Put(RecoveryFireTimeKey, record.FiredTime)
		jobData.Put(RecoveryScheduledFireTimeKey, scheduled.UnixMilli())

		trigger := NewTrigger(
			TriggerKey{Name: "recover_" + s.cfg.instanceID + "_" + record.FireInstanceID, Group: RecoveringJobsGroup},
			jobKey,
			NewOneShotSchedule(),
		)
		trigger.StartTime = scheduled
		trigger.Priority = record.Priority
		trigger.MisfireInstruction = MisfireIgnorePolicy
		trigger.JobData = jobData
		trigger.ComputeFirstFireTime(nil)

		if err := s.storeTrigger(ctx, trigger, nil, false, StateWaiting, false, true); err != nil {
			return result, err
		}

		result.RecoveryTriggers++
	}

	s.log.Infow("recovered executions that requested recovery", "count", result.RecoveryTriggers)

	if result.StaleFiredRecords, err = s.repo.DeleteFiredTriggersForInstance(ctx, s.cfg.instanceID); err != nil {
		return result, err
	}

	complete, err := s.repo.SelectTriggersInState(ctx, StateComplete)
	if err != nil {
		return result, err
	}

	for _, key := range complete {
		removed, err := s.removeTrigger(ctx, TriggerKey{Name: key.Name, Group: key.Group})
		if err != nil {
			return result, err
		}

		if removed {
			result.RemovedComplete++
		}
	}

	s.log.Infow("crash recovery complete",
		"stale_fired_records", result.StaleFiredRecords,
		"removed_complete", result.RemovedComplete,
		"misfires", result.Misfires.ProcessedCount)

	return result, nil
}
