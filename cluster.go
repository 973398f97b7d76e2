package jobstore

import (
	"context"
	"time"

	"github.com/go-tick/jobstore/internal/model"
)

// SchedulerState is one node's last heartbeat.
type SchedulerState struct {
	InstanceID      string
	LastCheckin     time.Time
	CheckinInterval time.Duration
}

// LockInfo describes a lock row currently held by some node.
type LockInfo struct {
	LockType   string
	InstanceID string
	AcquiredAt time.Time
}

// SchedulerStates lists the heartbeats of every node sharing this instance name.
func (s *Store) SchedulerStates(ctx context.Context) ([]SchedulerState, error) {
	return read(ctx, s, "scheduler states", func(ctx context.Context) ([]SchedulerState, error) {
		rows, err := s.repo.SelectSchedulerStates(ctx)
		if err != nil {
			return nil, err
		}

		states := make([]SchedulerState, 0, len(rows))
		for _, row := range rows {
			states = append(states, SchedulerState{
				InstanceID:      row.InstanceID,
				LastCheckin:     time.UnixMilli(row.LastCheckin).UTC(),
				CheckinInterval: time.Duration(row.CheckinInterval) * time.Millisecond,
			})
		}

		return states, nil
	})
}

// CheckIn records this node's heartbeat under the StateAccess lock. The
// misfire handler calls it every round.
func (s *Store) CheckIn(ctx context.Context) error {
	_, err := withLock(ctx, s, lockStateAccess, "check in", func(ctx context.Context, _ *signals) (struct{}, error) {
		return struct{}{}, s.repo.UpsertSchedulerState(ctx, model.SchedulerState{
			InstanceID:      s.cfg.instanceID,
			LastCheckin:     s.now().UnixMilli(),
			CheckinInterval: s.cfg.handlerFrequency().Milliseconds(),
		})
	})

	return err
}

func (s *Store) Locks(ctx context.Context) ([]LockInfo, error) {
	return read(ctx, s, "list locks", func(ctx context.Context) ([]LockInfo, error) {
		rows, err := s.repo.SelectLocks(ctx)
		if err != nil {
			return nil, err
		}

		locks := make([]LockInfo, 0, len(rows))
		for _, row := range rows {
			locks = append(locks, LockInfo{
				LockType:   row.LockType,
				InstanceID: row.InstanceID,
				AcquiredAt: time.UnixMilli(row.AcquiredAt).UTC(),
			})
		}

		return locks, nil
	})
}

// ClearExpiredLocks deletes lock rows older than the lock TTL, whoever holds them.
func (s *Store) ClearExpiredLocks(ctx context.Context) (int64, error) {
	return read(ctx, s, "clear expired locks", func(ctx context.Context) (int64, error) {
		return s.repo.DeleteExpiredLocks(ctx, "", s.now().Add(-s.cfg.lockTTL).UnixMilli())
	})
}
