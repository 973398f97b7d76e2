package jobstore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalendarsExcludeFireTimes(t *testing.T) {
	start := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		calendar Calendar
		start    time.Time
		expected []time.Time
	}{
		{
			name:     "holiday",
			start:    start,
			calendar: NewHolidayCalendar(nil, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)),
			expected: []time.Time{
				start,
				time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC),
				time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC),
			},
		},
		{
			name:     "weekend",
			start:    time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC),
			calendar: NewWeeklyCalendar(nil, time.Saturday, time.Sunday),
			expected: []time.Time{
				time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC),
				time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC),
				time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trigger := NewTrigger(NewTriggerKey("t", ""), NewJobKey("j", ""), NewSimpleSchedule(24*time.Hour, RepeatIndefinitely))
			trigger.StartTime = tt.start

			assert.Equal(t, tt.expected, fireTimes(t, trigger, tt.calendar, len(tt.expected)))
		})
	}
}

func TestCalendarExcludingEverythingNeverFires(t *testing.T) {
	everyDay := NewWeeklyCalendar(nil, time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday)

	trigger := NewTrigger(NewTriggerKey("t", ""), NewJobKey("j", ""), NewSimpleSchedule(time.Hour, RepeatIndefinitely))
	trigger.StartTime = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

	assert.Nil(t, trigger.ComputeFirstFireTime(everyDay))
}

func TestCalendarRowRoundTrip(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	holiday := NewHolidayCalendar(tokyo, time.Date(2024, 1, 1, 0, 0, 0, 0, tokyo), time.Date(2024, 5, 3, 0, 0, 0, 0, tokyo))
	holiday.Description = "public holidays"

	row, err := calendarToRow("jp", holiday)
	require.NoError(t, err)

	restored, err := calendarFromRow(&row)
	require.NoError(t, err)

	h, ok := restored.(*HolidayCalendar)
	require.True(t, ok)
	assert.Equal(t, []string{"2024-01-01", "2024-05-03"}, h.ExcludedDates())
	assert.Equal(t, "public holidays", h.Description)
	assert.False(t, h.IsTimeIncluded(time.Date(2024, 5, 3, 10, 0, 0, 0, tokyo)))
	assert.True(t, h.IsTimeIncluded(time.Date(2024, 5, 4, 10, 0, 0, 0, tokyo)))

	row.CalendarType = "lunar"
	_, err = calendarFromRow(&row)
	assert.True(t, errors.Is(err, ErrUnknownCalendarType))
}

func TestUpdateAfterMisfire(t *testing.T) {
	start := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	now := start.Add(25 * time.Minute)

	tests := []struct {
		name        string
		schedule    Schedule
		instruction MisfireInstruction
		endTime     *time.Time
		expected    *time.Time
	}{
		{
			name:        "one_shot_smart_fires_now",
			schedule:    NewOneShotSchedule(),
			instruction: MisfireSmartPolicy,
			expected:    &now,
		},
		{
			name:        "repeating_smart_skips_to_next",
			schedule:    NewSimpleSchedule(10*time.Minute, RepeatIndefinitely),
			instruction: MisfireSmartPolicy,
			expected:    ptr(start.Add(30 * time.Minute)),
		},
		{
			name:        "repeating_fire_once_now",
			schedule:    NewSimpleSchedule(10*time.Minute, RepeatIndefinitely),
			instruction: MisfireFireOnceNow,
			expected:    &now,
		},
		{
			name:        "ignore_keeps_fire_time",
			schedule:    NewSimpleSchedule(10*time.Minute, RepeatIndefinitely),
			instruction: MisfireIgnorePolicy,
			expected:    &start,
		},
		{
			name:        "fire_once_now_after_end",
			schedule:    NewOneShotSchedule(),
			instruction: MisfireFireOnceNow,
			endTime:     ptr(start.Add(time.Minute)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trigger := NewTrigger(NewTriggerKey("t", ""), NewJobKey("j", ""), tt.schedule)
			trigger.StartTime = start
			trigger.EndTime = tt.endTime
			trigger.MisfireInstruction = tt.instruction
			trigger.ComputeFirstFireTime(nil)

			trigger.UpdateAfterMisfire(nil, now)

			assert.Equal(t, tt.expected, trigger.NextFireTime)
		})
	}
}

func TestTriggerValidate(t *testing.T) {
	start := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

	valid := func() *Trigger {
		trigger := NewTrigger(NewTriggerKey("t", ""), NewJobKey("j", ""), NewOneShotSchedule())
		trigger.StartTime = start
		return trigger
	}

	tests := []struct {
		name   string
		mutate func(*Trigger)
	}{
		{name: "no_name", mutate: func(tr *Trigger) { tr.Key.Name = "" }},
		{name: "no_job", mutate: func(tr *Trigger) { tr.JobKey.Name = "" }},
		{name: "no_schedule", mutate: func(tr *Trigger) { tr.Schedule = nil }},
		{name: "ends_before_start", mutate: func(tr *Trigger) { tr.EndTime = ptr(start.Add(-time.Hour)) }},
		{name: "unknown_misfire_instruction", mutate: func(tr *Trigger) { tr.MisfireInstruction = 7 }},
	}

	require.NoError(t, valid().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trigger := valid()
			tt.mutate(trigger)

			err := trigger.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTrigger))
		})
	}
}

func TestJobDataMap(t *testing.T) {
	m := NewJobDataMap(map[string]any{"attempts": 3, "owner": "billing"})
	assert.False(t, m.Dirty())

	m.Put("region", "eu")
	assert.True(t, m.Dirty())
	assert.Equal(t, []string{"attempts", "owner", "region"}, m.Keys())

	encoded, err := encodeJobData(m)
	require.NoError(t, err)

	decoded, err := decodeJobData(encoded)
	require.NoError(t, err)
	assert.False(t, decoded.Dirty())

	attempts, ok := decoded.GetInt64("attempts")
	require.True(t, ok)
	assert.Equal(t, int64(3), attempts)
	assert.Equal(t, "billing", decoded.GetString("owner"))

	raw, _ := decoded.Get("attempts")
	assert.IsType(t, json.Number(""), raw)

	clone := decoded.Clone()
	clone.Remove("owner")
	assert.Equal(t, 2, clone.Len())
	assert.Equal(t, 3, decoded.Len())

	empty, err := decodeJobData("")
	require.NoError(t, err)
	assert.Zero(t, empty.Len())

	_, err = decodeJobData("[1,2]")
	assert.Error(t, err)

	t.Run("nil_map", func(t *testing.T) {
		var m *JobDataMap

		_, ok := m.Get("owner")
		assert.False(t, ok)
		assert.Zero(t, m.Len())
		assert.Nil(t, m.Keys())
		assert.False(t, m.Dirty())
		assert.NotPanics(t, func() {
			m.Remove("owner")
			m.ClearDirty()
		})
		assert.Zero(t, m.Clone().Len())
		assert.Panics(t, func() { m.Put("owner", "billing") })
	})
}

func ptr[T any](v T) *T {
	return &v
}
