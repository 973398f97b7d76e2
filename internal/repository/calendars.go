package repository

import (
	"context"

	"github.com/go-tick/jobstore/internal/model"
)

func (r *repository) InsertCalendar(ctx context.Context, calendar model.Calendar) error {
	calendar.InstanceName = r.instanceName
	_, err := r.db.NamedExecContext(ctx, r.named(`
		INSERT INTO {calendars} (instance_name, name, calendar_type, data)
		VALUES (:instance_name, :name, :calendar_type, :data)`), calendar)

	return err
}

func (r *repository) UpsertCalendar(ctx context.Context, calendar model.Calendar) error {
	calendar.InstanceName = r.instanceName
	_, err := r.db.NamedExecContext(ctx, r.named(`
		INSERT INTO {calendars} (instance_name, name, calendar_type, data)
		VALUES (:instance_name, :name, :calendar_type, :data)
		ON CONFLICT (instance_name, name) DO UPDATE SET
			calendar_type = excluded.calendar_type,
			data = excluded.data`), calendar)

	return err
}

func (r *repository) SelectCalendar(ctx context.Context, name string) (*model.Calendar, error) {
	var calendar model.Calendar
	err := r.db.GetContext(ctx, &calendar, r.q(`
		SELECT instance_name, name, calendar_type, data FROM {calendars}
		WHERE instance_name = ? AND name = ?`),
		r.instanceName, name)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &calendar, nil
}

func (r *repository) CalendarExists(ctx context.Context, name string) (bool, error) {
	return r.exists(ctx, `
		SELECT COUNT(*) FROM {calendars}
		WHERE instance_name = ? AND name = ?`,
		r.instanceName, name)
}

func (r *repository) DeleteCalendar(ctx context.Context, name string) (bool, error) {
	n, err := r.exec(ctx, `
		DELETE FROM {calendars}
		WHERE instance_name = ? AND name = ?`,
		r.instanceName, name)

	return n > 0, err
}

func (r *repository) SelectCalendarNames(ctx context.Context) ([]string, error) {
	var names []string
	err := r.db.SelectContext(ctx, &names, r.q(`
		SELECT name FROM {calendars}
		WHERE instance_name = ?
		ORDER BY name`),
		r.instanceName)

	return names, err
}

func (r *repository) CountCalendars(ctx context.Context) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM {calendars} WHERE instance_name = ?`, r.instanceName)
}
