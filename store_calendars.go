package jobstore

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/go-tick/jobstore/internal/repository"
)

// StoreCalendar saves cal under name. With updateTriggers, every trigger using
// the calendar gets its next fire time recomputed and keeps its state, unless
// the calendar leaves it without one, which completes it.
func (s *Store) StoreCalendar(ctx context.Context, name string, cal Calendar, replace, updateTriggers bool) error {
	return s.withTriggerAccess(ctx, "store calendar", func(ctx context.Context, _ *signals) error {
		row, err := calendarToRow(name, cal)
		if err != nil {
			return err
		}

		exists, err := s.repo.CalendarExists(ctx, name)
		if err != nil {
			return err
		}

		if exists && !replace {
			return alreadyExists("calendar %s already exists", name)
		}

		if !exists {
			if err := s.repo.InsertCalendar(ctx, row); err != nil {
				if repository.IsUniqueViolation(err) {
					return alreadyExists("calendar %s already exists", name)
				}

				return err
			}

			return nil
		}

		if err := s.repo.UpsertCalendar(ctx, row); err != nil {
			return err
		}

		if !updateTriggers {
			return nil
		}

		rows, err := s.repo.SelectTriggersForCalendar(ctx, name)
		if err != nil {
			return err
		}

		for i := range rows {
			trigger, err := s.triggerFromRow(&rows[i])
			if err != nil {
				return err
			}

			trigger.UpdateWithNewCalendar(cal)

			state := TriggerState(rows[i].State)
			if trigger.NextFireTime == nil {
				state = StateComplete
			}

			updated, err := s.triggerToRow(trigger, state)
			if err != nil {
				return err
			}

			if err := s.repo.UpsertTrigger(ctx, updated); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *Store) RetrieveCalendar(ctx context.Context, name string) (Calendar, error) {
	return read(ctx, s, "retrieve calendar", func(ctx context.Context) (Calendar, error) {
		return s.retrieveCalendar(ctx, name)
	})
}

// RemoveCalendar fails with ErrCalendarInUse while triggers reference name.
func (s *Store) RemoveCalendar(ctx context.Context, name string) (bool, error) {
	return withLock(ctx, s, lockTriggerAccess, "remove calendar", func(ctx context.Context, _ *signals) (bool, error) {
		n, err := s.repo.CountTriggersForCalendar(ctx, name)
		if err != nil {
			return false, err
		}

		if n > 0 {
			return false, errors.Wrapf(ErrCalendarInUse, "calendar %s is used by %d triggers", name, n)
		}

		return s.repo.DeleteCalendar(ctx, name)
	})
}

func (s *Store) CheckCalendarExists(ctx context.Context, name string) (bool, error) {
	return read(ctx, s, "check calendar exists", func(ctx context.Context) (bool, error) {
		return s.repo.CalendarExists(ctx, name)
	})
}

func (s *Store) GetCalendarNames(ctx context.Context) ([]string, error) {
	return read(ctx, s, "get calendar names", func(ctx context.Context) ([]string, error) {
		return s.repo.SelectCalendarNames(ctx)
	})
}

func (s *Store) GetNumberOfCalendars(ctx context.Context) (int, error) {
	return read(ctx, s, "get number of calendars", func(ctx context.Context) (int, error) {
		return s.repo.CountCalendars(ctx)
	})
}

func (s *Store) retrieveCalendar(ctx context.Context, name string) (Calendar, error) {
	row, err := s.repo.SelectCalendar(ctx, name)
	if err != nil || row == nil {
		return nil, err
	}

	return calendarFromRow(row)
}
