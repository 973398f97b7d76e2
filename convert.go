package jobstore

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-tick/jobstore/internal/model"
)

func toMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}

	ms := t.UTC().UnixMilli()
	return &ms
}

func fromMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}

	t := time.UnixMilli(*ms).UTC()
	return &t
}

func jobToRow(job *JobDetail) (model.Job, error) {
	data, err := encodeJobData(job.JobData)
	if err != nil {
		return model.Job{}, err
	}

	return model.Job{
		Name:                 job.Key.Name,
		Group:                job.Key.Group,
		Description:          job.Description,
		JobType:              job.JobType,
		Durable:              job.Durable,
		ConcurrentDisallowed: job.ConcurrentExecutionDisallowed,
		PersistData:          job.PersistJobDataAfterExecution,
		RequestsRecovery:     job.RequestsRecovery,
		JobData:              data,
	}, nil
}

func jobFromRow(row *model.Job) (*JobDetail, error) {
	data, err := decodeJobData(row.JobData)
	if err != nil {
		return nil, errors.Wrapf(err, "job %s.%s", row.Group, row.Name)
	}

	return &JobDetail{
		Key:                           JobKey{Name: row.Name, Group: row.Group},
		JobType:                       row.JobType,
		Description:                   row.Description,
		Durable:                       row.Durable,
		ConcurrentExecutionDisallowed: row.ConcurrentDisallowed,
		PersistJobDataAfterExecution:  row.PersistData,
		RequestsRecovery:              row.RequestsRecovery,
		JobData:                       data,
	}, nil
}

func (s *Store) triggerToRow(t *Trigger, state TriggerState) (model.Trigger, error) {
	persisted, err := s.cfg.scheduleSerializer(t.Schedule)
	if err != nil {
		return model.Trigger{}, errors.Wrapf(err, "trigger %s", t.Key)
	}

	data, err := encodeJobData(t.JobData)
	if err != nil {
		return model.Trigger{}, err
	}

	return model.Trigger{
		Name:               t.Key.Name,
		Group:              t.Key.Group,
		JobName:            t.JobKey.Name,
		JobGroup:           t.JobKey.Group,
		Description:        t.Description,
		CalendarName:       t.CalendarName,
		State:              string(state),
		ScheduleType:       persisted.ScheduleType,
		Schedule:           persisted.Schedule,
		ScheduleData:       string(persisted.Data),
		MisfireInstruction: int(t.MisfireInstruction),
		Priority:           t.Priority,
		StartTime:          t.StartTime.UTC().UnixMilli(),
		EndTime:            toMillis(t.EndTime),
		NextFireTime:       toMillis(t.NextFireTime),
		PrevFireTime:       toMillis(t.PreviousFireTime),
		JobData:            data,
	}, nil
}

func (s *Store) triggerFromRow(row *model.Trigger) (*Trigger, error) {
	schedule, err := s.cfg.scheduleDeserializer(PersistedSchedule{
		ScheduleType: row.ScheduleType,
		Schedule:     row.Schedule,
		Data:         []byte(row.ScheduleData),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "trigger %s.%s", row.Group, row.Name)
	}

	data, err := decodeJobData(row.JobData)
	if err != nil {
		return nil, errors.Wrapf(err, "trigger %s.%s", row.Group, row.Name)
	}

	return &Trigger{
		Key:                TriggerKey{Name: row.Name, Group: row.Group},
		JobKey:             JobKey{Name: row.JobName, Group: row.JobGroup},
		Description:        row.Description,
		CalendarName:       row.CalendarName,
		JobData:            data,
		Priority:           row.Priority,
		MisfireInstruction: MisfireInstruction(row.MisfireInstruction),
		StartTime:          time.UnixMilli(row.StartTime).UTC(),
		EndTime:            fromMillis(row.EndTime),
		NextFireTime:       fromMillis(row.NextFireTime),
		PreviousFireTime:   fromMillis(row.PrevFireTime),
		Schedule:           schedule,
	}, nil
}
