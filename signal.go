package jobstore

import (
	"context"
	"sync"
	"time"
)

// Signaler is the host scheduler's side of the store. Notification errors fail
// the store operation that triggered them.
type Signaler interface {
	NotifyTriggerListenersMisfired(ctx context.Context, trigger *Trigger) error
	NotifySchedulerListenersFinalized(ctx context.Context, trigger *Trigger) error
	NotifySchedulerListenersJobDeleted(ctx context.Context, jobKey JobKey) error
	// SignalSchedulingChange asks the host to reconsider its next wake up. A
	// zero candidate means "now".
	SignalSchedulingChange(ctx context.Context, candidate time.Time)
}

type NoopSignaler struct{}

func (NoopSignaler) NotifyTriggerListenersMisfired(context.Context, *Trigger) error {
	return nil
}

func (NoopSignaler) NotifySchedulerListenersFinalized(context.Context, *Trigger) error {
	return nil
}

func (NoopSignaler) NotifySchedulerListenersJobDeleted(context.Context, JobKey) error {
	return nil
}

func (NoopSignaler) SignalSchedulingChange(context.Context, time.Time) {}

var _ Signaler = NoopSignaler{}

// signals collects the earliest wake up candidate seen during one locked
// operation. It is handed down the call chain explicitly and drained once the
// lock is released.
type signals struct {
	mu       sync.Mutex
	pending  bool
	earliest time.Time
}

func (s *signals) signal(candidate time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pending || candidate.IsZero() || candidate.Before(s.earliest) {
		s.earliest = candidate
	}
	s.pending = true
}

// clearAndGet returns the earliest candidate and resets the collector.
func (s *signals) clearAndGet() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	earliest, pending := s.earliest, s.pending
	s.earliest, s.pending = time.Time{}, false

	return earliest, pending
}
