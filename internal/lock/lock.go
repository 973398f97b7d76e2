package lock

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	gotick "github.com/go-tick/core"
	"github.com/go-tick/jobstore/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type names a cluster wide lock.
type Type string

const (
	// TriggerAccess guards every job, trigger and calendar mutation.
	TriggerAccess Type = "TRIGGER_ACCESS"
	// StateAccess guards scheduler heartbeat bookkeeping.
	StateAccess Type = "STATE_ACCESS"
)

var (
	ErrLockAlreadyDisposed = errors.New("lock already disposed")
	ErrReentrantAcquire    = errors.New("lock already held by this context")
)

const (
	DefaultRetryInterval = time.Second
	DefaultTTL           = 30 * time.Second
)

// Repository is the subset of the entity store the manager needs.
type Repository interface {
	InsertLock(ctx context.Context, lock model.Lock) (bool, error)
	DeleteLock(ctx context.Context, lockType, token string) (bool, error)
	DeleteExpiredLocks(ctx context.Context, lockType string, acquiredBefore int64) (int64, error)
}

// Manager hands out cluster wide leases backed by insert-if-absent lock rows.
type Manager struct {
	repo          Repository
	instanceID    string
	retryInterval time.Duration
	ttl           time.Duration
	now           func() time.Time
	log           *zap.SugaredLogger

	mu          sync.Mutex
	outstanding map[string]*Handle
}

type heldKey struct {
	lockType Type
}

func WithRetryInterval(interval time.Duration) gotick.Option[Manager] {
	return func(m *Manager) {
		m.retryInterval = interval
	}
}

func WithTTL(ttl time.Duration) gotick.Option[Manager] {
	return func(m *Manager) {
		m.ttl = ttl
	}
}

func WithClock(now func() time.Time) gotick.Option[Manager] {
	return func(m *Manager) {
		m.now = now
	}
}

func WithLogger(log *zap.SugaredLogger) gotick.Option[Manager] {
	return func(m *Manager) {
		m.log = log
	}
}

func NewManager(repo Repository, instanceID string, options ...gotick.Option[Manager]) *Manager {
	m := &Manager{
		repo:          repo,
		instanceID:    instanceID,
		retryInterval: DefaultRetryInterval,
		ttl:           DefaultTTL,
		now:           time.Now,
		log:           zap.NewNop().Sugar(),
		outstanding:   make(map[string]*Handle),
	}

	for _, option := range options {
		option(m)
	}

	return m
}

// Acquire blocks until lockType is held by this manager or ctx is done. A
// context already carrying a live handle for lockType fails with
// ErrReentrantAcquire.
func (m *Manager) Acquire(ctx context.Context, lockType Type) (*Handle, error) {
	if h, ok := ctx.Value(heldKey{lockType}).(*Handle); ok && !h.Released() {
		return nil, errors.Wrapf(ErrReentrantAcquire, "acquire %s", lockType)
	}

	token := uuid.NewString()

	for attempt := 1; ; attempt++ {
		now := m.now().UTC()

		ok, err := m.repo.InsertLock(ctx, model.Lock{
			LockType:   string(lockType),
			InstanceID: m.instanceID,
			Token:      token,
			AcquiredAt: now.UnixMilli(),
		})
		if err != nil {
			return nil, errors.Wrapf(err, "acquire %s", lockType)
		}

		if ok {
			h := &Handle{manager: m, lockType: lockType, token: token, acquiredAt: now}

			m.mu.Lock()
			m.outstanding[token] = h
			m.mu.Unlock()

			return h, nil
		}

		expired, err := m.repo.DeleteExpiredLocks(ctx, string(lockType), now.Add(-m.ttl).UnixMilli())
		if err != nil {
			return nil, errors.Wrapf(err, "expire %s", lockType)
		}
		if expired > 0 {
			m.log.Warnw("broke expired lock", "lock", lockType, "instance_id", m.instanceID)
			continue
		}

		m.log.Debugw("lock busy", "lock", lockType, "instance_id", m.instanceID, "attempt", attempt)

		timer := time.NewTimer(m.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Wrapf(ctx.Err(), "acquire %s", lockType)
		case <-timer.C:
		}
	}
}

// Close releases every handle this manager still has outstanding.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.outstanding))
	for _, h := range m.outstanding {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var errs error
	for _, h := range handles {
		if _, err := h.Release(ctx); err != nil && !errors.Is(err, ErrLockAlreadyDisposed) {
			errs = errors.CombineErrors(errs, err)
		}
	}

	return errs
}

// Outstanding returns the number of handles not yet released.
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.outstanding)
}

func (m *Manager) forget(token string) {
	m.mu.Lock()
	delete(m.outstanding, token)
	m.mu.Unlock()
}

// Handle is one held lease. It must be released exactly once.
type Handle struct {
	manager    *Manager
	lockType   Type
	token      string
	acquiredAt time.Time

	mu       sync.Mutex
	released bool
}

func (h *Handle) Type() Type {
	return h.lockType
}

func (h *Handle) AcquiredAt() time.Time {
	return h.acquiredAt
}

func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.released
}

// Context marks ctx as holding this lease so nested acquires of the same type
// are rejected instead of waiting on themselves.
func (h *Handle) Context(ctx context.Context) context.Context {
	return context.WithValue(ctx, heldKey{h.lockType}, h)
}

// Release deletes the lock row. It reports false, logging a warning, when the
// row was already gone (expired and possibly taken by another node). Releasing
// twice returns ErrLockAlreadyDisposed.
func (h *Handle) Release(ctx context.Context) (bool, error) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return false, errors.Wrapf(ErrLockAlreadyDisposed, "release %s", h.lockType)
	}
	h.released = true
	h.mu.Unlock()

	h.manager.forget(h.token)

	// the row must go even when the caller's context was cancelled
	deleted, err := h.manager.repo.DeleteLock(context.WithoutCancel(ctx), string(h.lockType), h.token)
	if err != nil {
		return false, errors.Wrapf(err, "release %s", h.lockType)
	}

	if !deleted {
		h.manager.log.Warnw("released lock was not held",
			"lock", h.lockType,
			"instance_id", h.manager.instanceID,
			"held_for", h.manager.now().Sub(h.acquiredAt))
	}

	return deleted, nil
}
