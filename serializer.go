package jobstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// PersistedSchedule is the stored form of a Schedule: a kind, a human readable
// summary and kind specific JSON data.
type PersistedSchedule struct {
	ScheduleType string
	Schedule     string
	Data         []byte
}

type ScheduleSerializer func(Schedule) (PersistedSchedule, error)
type ScheduleDeserializer func(PersistedSchedule) (Schedule, error)

type simpleData struct {
	RepeatCount    int   `json:"repeat_count"`
	RepeatInterval int64 `json:"repeat_interval_ms"`
	TimesTriggered int   `json:"times_triggered"`
}

type cronData struct {
	Location string `json:"location"`
}

type calendarIntervalData struct {
	Unit           IntervalUnit `json:"unit"`
	Amount         int          `json:"amount"`
	Location       string       `json:"location"`
	TimesTriggered int          `json:"times_triggered"`
}

type dailyTimeIntervalData struct {
	StartTimeOfDay string `json:"start_time_of_day"`
	EndTimeOfDay   string `json:"end_time_of_day"`
	DaysOfWeek     []int  `json:"days_of_week,omitempty"`
	Interval       int64  `json:"interval_ms"`
	RepeatCount    int    `json:"repeat_count"`
	TimesTriggered int    `json:"times_triggered"`
	Location       string `json:"location"`
}

func DefaultScheduleSerializer(schedule Schedule) (PersistedSchedule, error) {
	var summary string
	var data any

	switch s := schedule.(type) {
	case *SimpleSchedule:
		summary = s.RepeatInterval.String()
		data = simpleData{
			RepeatCount:    s.RepeatCount,
			RepeatInterval: s.RepeatInterval.Milliseconds(),
			TimesTriggered: s.TimesTriggered,
		}
	case *CronSchedule:
		if _, err := s.schedule(); err != nil {
			return PersistedSchedule{}, err
		}

		summary = s.Expression
		data = cronData{Location: s.location().String()}
	case *CalendarIntervalSchedule:
		summary = fmt.Sprintf("%d %s", s.Amount, s.Unit)
		data = calendarIntervalData{
			Unit:           s.Unit,
			Amount:         s.Amount,
			Location:       s.location().String(),
			TimesTriggered: s.TimesTriggered,
		}
	case *DailyTimeIntervalSchedule:
		days := make([]int, 0, len(s.DaysOfWeek))
		for _, d := range s.DaysOfWeek {
			days = append(days, int(d))
		}

		summary = fmt.Sprintf("%s-%s/%s", s.StartTimeOfDay, s.EndTimeOfDay, s.Interval)
		data = dailyTimeIntervalData{
			StartTimeOfDay: s.StartTimeOfDay.String(),
			EndTimeOfDay:   s.EndTimeOfDay.String(),
			DaysOfWeek:     days,
			Interval:       s.Interval.Milliseconds(),
			RepeatCount:    s.RepeatCount,
			TimesTriggered: s.TimesTriggered,
			Location:       s.location().String(),
		}
	default:
		return PersistedSchedule{}, errors.Wrapf(ErrUnknownScheduleType, "%T", schedule)
	}

	b, err := json.Marshal(data)
	if err != nil {
		return PersistedSchedule{}, errors.Wrap(err, "encode schedule")
	}

	return PersistedSchedule{
		ScheduleType: schedule.Kind(),
		Schedule:     summary,
		Data:         b,
	}, nil
}

func DefaultScheduleDeserializer(schedule PersistedSchedule) (Schedule, error) {
	switch schedule.ScheduleType {
	case KindSimple:
		var data simpleData
		if err := unmarshalSchedule(schedule, &data); err != nil {
			return nil, err
		}

		return &SimpleSchedule{
			RepeatCount:    data.RepeatCount,
			RepeatInterval: time.Duration(data.RepeatInterval) * time.Millisecond,
			TimesTriggered: data.TimesTriggered,
		}, nil
	case KindCron:
		var data cronData
		if err := unmarshalSchedule(schedule, &data); err != nil {
			return nil, err
		}

		loc, err := loadLocation(data.Location)
		if err != nil {
			return nil, errors.Mark(err, ErrCannotParseSchedule)
		}

		cron, err := NewCronSchedule(schedule.Schedule, loc)
		if err != nil {
			return nil, err
		}

		return cron, nil
	case KindCalendarInterval:
		var data calendarIntervalData
		if err := unmarshalSchedule(schedule, &data); err != nil {
			return nil, err
		}

		loc, err := loadLocation(data.Location)
		if err != nil {
			return nil, errors.Mark(err, ErrCannotParseSchedule)
		}

		return &CalendarIntervalSchedule{
			Unit:           data.Unit,
			Amount:         data.Amount,
			Location:       loc,
			TimesTriggered: data.TimesTriggered,
		}, nil
	case KindDailyTimeInterval:
		var data dailyTimeIntervalData
		if err := unmarshalSchedule(schedule, &data); err != nil {
			return nil, err
		}

		loc, err := loadLocation(data.Location)
		if err != nil {
			return nil, errors.Mark(err, ErrCannotParseSchedule)
		}

		start, err := parseTimeOfDay(data.StartTimeOfDay)
		if err != nil {
			return nil, errors.Mark(err, ErrCannotParseSchedule)
		}

		end, err := parseTimeOfDay(data.EndTimeOfDay)
		if err != nil {
			return nil, errors.Mark(err, ErrCannotParseSchedule)
		}

		days := make([]time.Weekday, 0, len(data.DaysOfWeek))
		for _, d := range data.DaysOfWeek {
			days = append(days, time.Weekday(d))
		}

		return &DailyTimeIntervalSchedule{
			StartTimeOfDay: start,
			EndTimeOfDay:   end,
			DaysOfWeek:     days,
			Interval:       time.Duration(data.Interval) * time.Millisecond,
			RepeatCount:    data.RepeatCount,
			TimesTriggered: data.TimesTriggered,
			Location:       loc,
		}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownScheduleType, "%q", schedule.ScheduleType)
	}
}

func unmarshalSchedule(schedule PersistedSchedule, v any) error {
	if len(schedule.Data) == 0 {
		return nil
	}

	if err := json.Unmarshal(schedule.Data, v); err != nil {
		return errors.Mark(errors.Wrapf(err, "decode %s schedule", schedule.ScheduleType), ErrCannotParseSchedule)
	}

	return nil
}
