package jobstore

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-tick/jobstore/internal/model"
)

const (
	calendarTypeHoliday = "holiday"
	calendarTypeWeekly  = "weekly"
)

// Calendar excludes time ranges from a trigger's schedule. The set of
// implementations is closed: HolidayCalendar and WeeklyCalendar.
type Calendar interface {
	IsTimeIncluded(t time.Time) bool
	// NextIncludedTime returns the earliest included time at or after t, or
	// the zero time when nothing is ever included again.
	NextIncludedTime(t time.Time) time.Time

	calendarType() string
}

// HolidayCalendar excludes whole days in Location.
type HolidayCalendar struct {
	Description string
	Location    *time.Location

	excluded map[string]struct{}
}

func NewHolidayCalendar(location *time.Location, dates ...time.Time) *HolidayCalendar {
	c := &HolidayCalendar{Location: location, excluded: make(map[string]struct{})}
	for _, d := range dates {
		c.AddExcludedDate(d)
	}

	return c
}

func (c *HolidayCalendar) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}

	return c.Location
}

func (c *HolidayCalendar) day(t time.Time) string {
	return t.In(c.location()).Format(time.DateOnly)
}

func (c *HolidayCalendar) AddExcludedDate(t time.Time) {
	if c.excluded == nil {
		c.excluded = make(map[string]struct{})
	}

	c.excluded[c.day(t)] = struct{}{}
}

func (c *HolidayCalendar) RemoveExcludedDate(t time.Time) {
	delete(c.excluded, c.day(t))
}

// ExcludedDates returns the excluded days as YYYY-MM-DD in ascending order.
func (c *HolidayCalendar) ExcludedDates() []string {
	dates := make([]string, 0, len(c.excluded))
	for d := range c.excluded {
		dates = append(dates, d)
	}
	slices.Sort(dates)

	return dates
}

func (c *HolidayCalendar) IsTimeIncluded(t time.Time) bool {
	_, excluded := c.excluded[c.day(t)]
	return !excluded
}

func (c *HolidayCalendar) NextIncludedTime(t time.Time) time.Time {
	for i := 0; i <= len(c.excluded); i++ {
		if c.IsTimeIncluded(t) {
			return t
		}

		local := t.In(c.location())
		t = time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, c.location())
	}

	return t
}

func (c *HolidayCalendar) calendarType() string {
	return calendarTypeHoliday
}

// WeeklyCalendar excludes days of the week in Location.
type WeeklyCalendar struct {
	Description  string
	Location     *time.Location
	ExcludedDays []time.Weekday
}

func NewWeeklyCalendar(location *time.Location, excluded ...time.Weekday) *WeeklyCalendar {
	return &WeeklyCalendar{Location: location, ExcludedDays: excluded}
}

func (c *WeeklyCalendar) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}

	return c.Location
}

func (c *WeeklyCalendar) IsTimeIncluded(t time.Time) bool {
	return !slices.Contains(c.ExcludedDays, t.In(c.location()).Weekday())
}

func (c *WeeklyCalendar) NextIncludedTime(t time.Time) time.Time {
	for i := 0; i < 7; i++ {
		if c.IsTimeIncluded(t) {
			return t
		}

		local := t.In(c.location())
		t = time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, c.location())
	}

	return time.Time{}
}

func (c *WeeklyCalendar) calendarType() string {
	return calendarTypeWeekly
}

var _ Calendar = (*HolidayCalendar)(nil)
var _ Calendar = (*WeeklyCalendar)(nil)

type holidayCalendarData struct {
	Description string   `json:"description,omitempty"`
	Location    string   `json:"location"`
	Dates       []string `json:"dates"`
}

type weeklyCalendarData struct {
	Description  string `json:"description,omitempty"`
	Location     string `json:"location"`
	ExcludedDays []int  `json:"excluded_days"`
}

func calendarToRow(name string, cal Calendar) (model.Calendar, error) {
	var data any

	switch c := cal.(type) {
	case *HolidayCalendar:
		data = holidayCalendarData{Description: c.Description, Location: c.location().String(), Dates: c.ExcludedDates()}
	case *WeeklyCalendar:
		days := make([]int, 0, len(c.ExcludedDays))
		for _, d := range c.ExcludedDays {
			days = append(days, int(d))
		}
		data = weeklyCalendarData{Description: c.Description, Location: c.location().String(), ExcludedDays: days}
	default:
		return model.Calendar{}, errors.Wrapf(ErrUnknownCalendarType, "%T", cal)
	}

	b, err := json.Marshal(data)
	if err != nil {
		return model.Calendar{}, errors.Wrapf(err, "encode calendar %s", name)
	}

	return model.Calendar{Name: name, CalendarType: cal.calendarType(), Data: string(b)}, nil
}

func calendarFromRow(row *model.Calendar) (Calendar, error) {
	switch row.CalendarType {
	case calendarTypeHoliday:
		var data holidayCalendarData
		if err := json.Unmarshal([]byte(row.Data), &data); err != nil {
			return nil, errors.Wrapf(err, "decode calendar %s", row.Name)
		}

		loc, err := loadLocation(data.Location)
		if err != nil {
			return nil, err
		}

		c := NewHolidayCalendar(loc)
		c.Description = data.Description
		for _, d := range data.Dates {
			day, err := time.ParseInLocation(time.DateOnly, d, loc)
			if err != nil {
				return nil, errors.Wrapf(err, "decode calendar %s", row.Name)
			}
			c.AddExcludedDate(day)
		}

		return c, nil
	case calendarTypeWeekly:
		var data weeklyCalendarData
		if err := json.Unmarshal([]byte(row.Data), &data); err != nil {
			return nil, errors.Wrapf(err, "decode calendar %s", row.Name)
		}

		loc, err := loadLocation(data.Location)
		if err != nil {
			return nil, err
		}

		c := NewWeeklyCalendar(loc)
		c.Description = data.Description
		for _, d := range data.ExcludedDays {
			c.ExcludedDays = append(c.ExcludedDays, time.Weekday(d))
		}

		return c, nil
	default:
		return nil, errors.Wrapf(ErrUnknownCalendarType, "%q", row.CalendarType)
	}
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Wrapf(err, "load location %q", name)
	}

	return loc, nil
}
