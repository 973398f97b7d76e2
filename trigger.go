package jobstore

import (
	"time"

	"github.com/cockroachdb/errors"
)

// MisfireInstruction tells UpdateAfterMisfire how to reschedule a trigger that
// missed its fire time.
type MisfireInstruction int

const (
	MisfireIgnorePolicy MisfireInstruction = -1
	MisfireSmartPolicy  MisfireInstruction = 0
	MisfireFireOnceNow  MisfireInstruction = 1
	MisfireDoNothing    MisfireInstruction = 2
)

// CompletedExecutionInstruction is returned by the host after a job ran.
type CompletedExecutionInstruction int

const (
	InstructionNoop CompletedExecutionInstruction = iota
	InstructionReExecuteJob
	InstructionSetTriggerComplete
	InstructionDeleteTrigger
	InstructionSetAllJobTriggersComplete
	InstructionSetTriggerError
	InstructionSetAllJobTriggersError
)

const DefaultPriority = 5

// fire times past this year are treated as never
const giveUpYear = 2299

// Trigger couples a job with a Schedule and tracks its fire times.
type Trigger struct {
	Key                TriggerKey
	JobKey             JobKey
	Description        string
	CalendarName       string
	JobData            *JobDataMap
	Priority           int
	MisfireInstruction MisfireInstruction
	StartTime          time.Time
	EndTime            *time.Time
	NextFireTime       *time.Time
	PreviousFireTime   *time.Time
	Schedule           Schedule

	// FireInstanceID is set when the trigger is acquired for firing.
	FireInstanceID string
}

func NewTrigger(key TriggerKey, jobKey JobKey, schedule Schedule) *Trigger {
	return &Trigger{
		Key:       key,
		JobKey:    jobKey,
		JobData:   NewJobDataMap(nil),
		Priority:  DefaultPriority,
		StartTime: time.Now().UTC().Truncate(time.Second),
		Schedule:  schedule,
	}
}

func (t *Trigger) Validate() error {
	if t.Key.Name == "" {
		return errors.Wrap(ErrInvalidTrigger, "trigger name is empty")
	}

	if t.JobKey.Name == "" {
		return errors.Wrapf(ErrInvalidTrigger, "trigger %s has no job", t.Key)
	}

	if t.Schedule == nil {
		return errors.Wrapf(ErrInvalidTrigger, "trigger %s has no schedule", t.Key)
	}

	if t.EndTime != nil && t.EndTime.Before(t.StartTime) {
		return errors.Wrapf(ErrInvalidTrigger, "trigger %s ends before it starts", t.Key)
	}

	if t.MisfireInstruction < MisfireIgnorePolicy || t.MisfireInstruction > MisfireDoNothing {
		return errors.Wrapf(ErrInvalidTrigger, "trigger %s has misfire instruction %d", t.Key, t.MisfireInstruction)
	}

	if err := t.Schedule.validate(); err != nil {
		return errors.Wrapf(errors.Mark(err, ErrInvalidTrigger), "trigger %s", t.Key)
	}

	return nil
}

// FireTimeAfter returns the next time after after that the schedule fires,
// ignoring calendars. Nil means never.
func (t *Trigger) FireTimeAfter(after time.Time) *time.Time {
	next := t.Schedule.fireTimeAfter(t, after)
	if next == nil {
		return nil
	}

	if t.EndTime != nil && next.After(*t.EndTime) {
		return nil
	}

	if next.Year() > giveUpYear {
		return nil
	}

	return next
}

// includedFireTimeAfter is FireTimeAfter skipping times cal excludes.
func (t *Trigger) includedFireTimeAfter(cal Calendar, after time.Time) *time.Time {
	next := t.FireTimeAfter(after)

	for next != nil && cal != nil && !cal.IsTimeIncluded(*next) {
		included := cal.NextIncludedTime(*next)
		if included.IsZero() {
			return nil
		}

		next = t.FireTimeAfter(included.Add(-time.Nanosecond))
	}

	return next
}

// ComputeFirstFireTime sets and returns the first fire time on or after
// StartTime that cal includes.
func (t *Trigger) ComputeFirstFireTime(cal Calendar) *time.Time {
	t.NextFireTime = t.includedFireTimeAfter(cal, t.StartTime.Add(-time.Nanosecond))
	return t.NextFireTime
}

// Triggered advances the trigger past its current fire time.
func (t *Trigger) Triggered(cal Calendar) {
	t.Schedule.triggered()

	t.PreviousFireTime = t.NextFireTime
	if t.NextFireTime == nil {
		return
	}

	t.NextFireTime = t.includedFireTimeAfter(cal, *t.NextFireTime)
}

// UpdateAfterMisfire reschedules a trigger whose fire time passed, following
// its misfire instruction.
func (t *Trigger) UpdateAfterMisfire(cal Calendar, now time.Time) {
	instruction := t.MisfireInstruction
	if instruction == MisfireIgnorePolicy {
		return
	}

	if instruction == MisfireSmartPolicy {
		instruction = t.Schedule.smartMisfireInstruction()
	}

	switch instruction {
	case MisfireFireOnceNow:
		if t.EndTime != nil && now.After(*t.EndTime) {
			t.NextFireTime = nil
			return
		}

		fireAt := now
		t.NextFireTime = &fireAt
	case MisfireDoNothing:
		t.NextFireTime = t.includedFireTimeAfter(cal, now)
	}
}

// UpdateWithNewCalendar recomputes the next fire time after the calendar the
// trigger references changed.
func (t *Trigger) UpdateWithNewCalendar(cal Calendar) {
	after := t.StartTime.Add(-time.Nanosecond)
	if t.PreviousFireTime != nil {
		after = *t.PreviousFireTime
	}

	t.NextFireTime = t.includedFireTimeAfter(cal, after)
}

// TriggerFiredBundle carries everything the host needs to execute a fired
// trigger.
type TriggerFiredBundle struct {
	Job               *JobDetail
	Trigger           *Trigger
	Calendar          Calendar
	Recovering        bool
	FireTime          time.Time
	ScheduledFireTime *time.Time
	PrevFireTime      *time.Time
	NextFireTime      *time.Time
}

// TriggerFiredResult is the per-trigger outcome of TriggersFired. A nil
// Bundle with a nil Err means the trigger was no longer eligible.
type TriggerFiredResult struct {
	Bundle *TriggerFiredBundle
	Err    error
}
