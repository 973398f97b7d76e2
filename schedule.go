package jobstore

import (
	"fmt"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// Schedule computes fire times for a Trigger. The set of implementations is
// closed; the store persists them through a ScheduleSerializer.
type Schedule interface {
	Kind() string

	fireTimeAfter(t *Trigger, after time.Time) *time.Time
	triggered()
	smartMisfireInstruction() MisfireInstruction
	validate() error
}

const (
	KindSimple            = "simple"
	KindCron              = "cron"
	KindCalendarInterval  = "calendar_interval"
	KindDailyTimeInterval = "daily_time_interval"
)

// RepeatIndefinitely is the repeat count of schedules that never run out.
const RepeatIndefinitely = -1

// SimpleSchedule fires at StartTime and then RepeatCount more times every
// RepeatInterval.
type SimpleSchedule struct {
	RepeatCount    int
	RepeatInterval time.Duration
	TimesTriggered int
}

func NewOneShotSchedule() *SimpleSchedule {
	return &SimpleSchedule{}
}

func NewSimpleSchedule(interval time.Duration, repeatCount int) *SimpleSchedule {
	return &SimpleSchedule{RepeatCount: repeatCount, RepeatInterval: interval}
}

func (s *SimpleSchedule) Kind() string {
	return KindSimple
}

func (s *SimpleSchedule) fireTimeAfter(t *Trigger, after time.Time) *time.Time {
	if s.RepeatCount != RepeatIndefinitely && s.TimesTriggered > s.RepeatCount {
		return nil
	}

	start := t.StartTime
	if after.Before(start) {
		return &start
	}

	if s.RepeatCount == 0 || s.RepeatInterval <= 0 {
		return nil
	}

	n := int64(after.Sub(start)/s.RepeatInterval) + 1
	if s.RepeatCount != RepeatIndefinitely && n > int64(s.RepeatCount) {
		return nil
	}

	next := start.Add(time.Duration(n) * s.RepeatInterval)
	return &next
}

func (s *SimpleSchedule) triggered() {
	s.TimesTriggered++
}

func (s *SimpleSchedule) smartMisfireInstruction() MisfireInstruction {
	if s.RepeatCount == 0 {
		return MisfireFireOnceNow
	}

	return MisfireDoNothing
}

func (s *SimpleSchedule) validate() error {
	if s.RepeatCount < RepeatIndefinitely {
		return errors.Newf("repeat count %d is invalid", s.RepeatCount)
	}

	if s.RepeatCount != 0 && s.RepeatInterval <= 0 {
		return errors.New("repeating schedule needs a positive interval")
	}

	return nil
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronSchedule fires on a cron expression evaluated in Location. A leading
// seconds field and descriptors such as @hourly are accepted.
type CronSchedule struct {
	Expression string
	Location   *time.Location

	parsed cron.Schedule
}

func NewCronSchedule(expression string, location *time.Location) (*CronSchedule, error) {
	s := &CronSchedule{Expression: expression, Location: location}
	if err := s.validate(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *CronSchedule) Kind() string {
	return KindCron
}

func (s *CronSchedule) location() *time.Location {
	if s.Location == nil {
		return time.UTC
	}

	return s.Location
}

func (s *CronSchedule) schedule() (cron.Schedule, error) {
	if s.parsed != nil {
		return s.parsed, nil
	}

	parsed, err := cronParser.Parse(s.Expression)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "cron %q", s.Expression), ErrCannotParseSchedule)
	}

	s.parsed = parsed
	return parsed, nil
}

func (s *CronSchedule) fireTimeAfter(t *Trigger, after time.Time) *time.Time {
	sched, err := s.schedule()
	if err != nil {
		return nil
	}

	if after.Before(t.StartTime) {
		after = t.StartTime.Add(-time.Nanosecond)
	}

	next := sched.Next(after.In(s.location()))
	if next.IsZero() {
		return nil
	}

	return &next
}

func (s *CronSchedule) triggered() {}

func (s *CronSchedule) smartMisfireInstruction() MisfireInstruction {
	return MisfireFireOnceNow
}

func (s *CronSchedule) validate() error {
	_, err := s.schedule()
	return err
}

type IntervalUnit string

const (
	UnitSecond IntervalUnit = "second"
	UnitMinute IntervalUnit = "minute"
	UnitHour   IntervalUnit = "hour"
	UnitDay    IntervalUnit = "day"
	UnitWeek   IntervalUnit = "week"
	UnitMonth  IntervalUnit = "month"
	UnitYear   IntervalUnit = "year"
)

// lower bounds on each unit's length, used to jump close to the answer
var unitMinimum = map[IntervalUnit]time.Duration{
	UnitSecond: time.Second,
	UnitMinute: time.Minute,
	UnitHour:   time.Hour,
	UnitDay:    23 * time.Hour,
	UnitWeek:   7*24*time.Hour - time.Hour,
	UnitMonth:  28 * 24 * time.Hour,
	UnitYear:   365 * 24 * time.Hour,
}

// CalendarIntervalSchedule fires every Amount units from StartTime. Day and
// larger units follow the wall clock in Location across DST changes.
type CalendarIntervalSchedule struct {
	Unit           IntervalUnit
	Amount         int
	Location       *time.Location
	TimesTriggered int
}

func NewCalendarIntervalSchedule(amount int, unit IntervalUnit, location *time.Location) *CalendarIntervalSchedule {
	return &CalendarIntervalSchedule{Unit: unit, Amount: amount, Location: location}
}

func (s *CalendarIntervalSchedule) Kind() string {
	return KindCalendarInterval
}

func (s *CalendarIntervalSchedule) location() *time.Location {
	if s.Location == nil {
		return time.UTC
	}

	return s.Location
}

func (s *CalendarIntervalSchedule) add(start time.Time, steps int) time.Time {
	start = start.In(s.location())
	n := steps * s.Amount

	switch s.Unit {
	case UnitSecond:
		return start.Add(time.Duration(n) * time.Second)
	case UnitMinute:
		return start.Add(time.Duration(n) * time.Minute)
	case UnitHour:
		return start.Add(time.Duration(n) * time.Hour)
	case UnitDay:
		return start.AddDate(0, 0, n)
	case UnitWeek:
		return start.AddDate(0, 0, 7*n)
	case UnitMonth:
		return start.AddDate(0, n, 0)
	default:
		return start.AddDate(n, 0, 0)
	}
}

func (s *CalendarIntervalSchedule) fireTimeAfter(t *Trigger, after time.Time) *time.Time {
	start := t.StartTime
	if after.Before(start) {
		return &start
	}

	if s.Amount <= 0 {
		return nil
	}

	steps := int(after.Sub(start)/(unitMinimum[s.Unit]*time.Duration(s.Amount))) - 1
	steps = max(steps, 0)

	for i := 0; i < 100000; i++ {
		next := s.add(start, steps)
		if next.After(after) {
			return &next
		}
		steps++
	}

	return nil
}

func (s *CalendarIntervalSchedule) triggered() {
	s.TimesTriggered++
}

func (s *CalendarIntervalSchedule) smartMisfireInstruction() MisfireInstruction {
	return MisfireFireOnceNow
}

func (s *CalendarIntervalSchedule) validate() error {
	if _, ok := unitMinimum[s.Unit]; !ok {
		return errors.Newf("unknown interval unit %q", s.Unit)
	}

	if s.Amount <= 0 {
		return errors.Newf("interval amount %d must be positive", s.Amount)
	}

	return nil
}

// TimeOfDay is a wall clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

func (d TimeOfDay) on(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), d.Hour, d.Minute, d.Second, 0, day.Location())
}

func (d TimeOfDay) seconds() int {
	return d.Hour*3600 + d.Minute*60 + d.Second
}

func (d TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", d.Hour, d.Minute, d.Second)
}

func parseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse(time.TimeOnly, s)
	if err != nil {
		return TimeOfDay{}, errors.Wrapf(err, "time of day %q", s)
	}

	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
}

// DailyTimeIntervalSchedule fires every Interval between StartTimeOfDay and
// EndTimeOfDay on DaysOfWeek (every day when empty).
type DailyTimeIntervalSchedule struct {
	StartTimeOfDay TimeOfDay
	EndTimeOfDay   TimeOfDay
	DaysOfWeek     []time.Weekday
	Interval       time.Duration
	RepeatCount    int
	TimesTriggered int
	Location       *time.Location
}

func NewDailyTimeIntervalSchedule(start, end TimeOfDay, interval time.Duration, location *time.Location, days ...time.Weekday) *DailyTimeIntervalSchedule {
	return &DailyTimeIntervalSchedule{
		StartTimeOfDay: start,
		EndTimeOfDay:   end,
		DaysOfWeek:     days,
		Interval:       interval,
		RepeatCount:    RepeatIndefinitely,
		Location:       location,
	}
}

func (s *DailyTimeIntervalSchedule) Kind() string {
	return KindDailyTimeInterval
}

func (s *DailyTimeIntervalSchedule) location() *time.Location {
	if s.Location == nil {
		return time.UTC
	}

	return s.Location
}

func (s *DailyTimeIntervalSchedule) includesDay(day time.Weekday) bool {
	return len(s.DaysOfWeek) == 0 || slices.Contains(s.DaysOfWeek, day)
}

func (s *DailyTimeIntervalSchedule) fireTimeAfter(t *Trigger, after time.Time) *time.Time {
	if s.RepeatCount != RepeatIndefinitely && s.TimesTriggered > s.RepeatCount {
		return nil
	}

	if s.Interval <= 0 {
		return nil
	}

	if after.Before(t.StartTime) {
		after = t.StartTime.Add(-time.Nanosecond)
	}

	local := after.In(s.location())
	for i := 0; i <= 7; i++ {
		day := time.Date(local.Year(), local.Month(), local.Day()+i, 0, 0, 0, 0, s.location())
		if !s.includesDay(day.Weekday()) {
			continue
		}

		windowStart := s.StartTimeOfDay.on(day)
		windowEnd := s.EndTimeOfDay.on(day)

		next := windowStart
		if !after.Before(windowStart) {
			next = windowStart.Add((after.Sub(windowStart)/s.Interval + 1) * s.Interval)
		}

		if !next.After(windowEnd) {
			return &next
		}
	}

	return nil
}

func (s *DailyTimeIntervalSchedule) triggered() {
	s.TimesTriggered++
}

func (s *DailyTimeIntervalSchedule) smartMisfireInstruction() MisfireInstruction {
	return MisfireFireOnceNow
}

func (s *DailyTimeIntervalSchedule) validate() error {
	if s.Interval <= 0 {
		return errors.New("daily interval must be positive")
	}

	for _, d := range []TimeOfDay{s.StartTimeOfDay, s.EndTimeOfDay} {
		if d.Hour < 0 || d.Hour > 23 || d.Minute < 0 || d.Minute > 59 || d.Second < 0 || d.Second > 59 {
			return errors.Newf("time of day %s is out of range", d)
		}
	}

	if s.EndTimeOfDay.seconds() < s.StartTimeOfDay.seconds() {
		return errors.Newf("daily window ends at %s before it starts at %s", s.EndTimeOfDay, s.StartTimeOfDay)
	}

	if s.RepeatCount < RepeatIndefinitely {
		return errors.Newf("repeat count %d is invalid", s.RepeatCount)
	}

	return nil
}

var _ Schedule = (*SimpleSchedule)(nil)
var _ Schedule = (*CronSchedule)(nil)
var _ Schedule = (*CalendarIntervalSchedule)(nil)
var _ Schedule = (*DailyTimeIntervalSchedule)(nil)
