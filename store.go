package jobstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-tick/jobstore/internal/lock"
	"github.com/go-tick/jobstore/internal/repository"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const (
	lockTriggerAccess = lock.TriggerAccess
	lockStateAccess   = lock.StateAccess
)

// Store is a clustered job store. Every mutating operation runs under the
// cluster wide TriggerAccess lock, so several Store values sharing one
// database behave as nodes of one scheduler.
type Store struct {
	cfg    *Config
	log    *zap.SugaredLogger
	db     *sqlx.DB
	ownsDB bool
	repo   repository.Repository
	locks  *lock.Manager

	schedulerRunning atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Store{
		cfg: cfg,
		log: cfg.logger.With("instance_name", cfg.instanceName, "instance_id", cfg.instanceID),
	}, nil
}

// Initialize connects to the database and, unless disabled, applies the schema.
func (s *Store) Initialize(ctx context.Context) error {
	db := s.cfg.db
	if db == nil {
		driverName, dsn, err := s.cfg.dataSource()
		if err != nil {
			return err
		}

		db, err = repository.Connect(ctx, driverName, dsn)
		if err != nil {
			return persistenceError(err, "initialize")
		}
		s.ownsDB = true
	}

	s.db = db
	s.repo = repository.New(db, s.cfg.instanceName, s.cfg.tablePrefix)
	s.locks = lock.NewManager(s.repo, s.cfg.instanceID,
		lock.WithRetryInterval(s.cfg.lockRetryInterval),
		lock.WithTTL(s.cfg.lockTTL),
		lock.WithClock(s.cfg.clock),
		lock.WithLogger(s.log),
	)

	if s.cfg.autoMigrate {
		if err := s.repo.Migrate(ctx); err != nil {
			return persistenceError(err, "migrate")
		}
	}

	s.log.Infow("job store initialized", "driver", db.DriverName(), "table_prefix", s.cfg.tablePrefix, "clustered", s.cfg.clustered)

	return nil
}

// Migrate applies the schema explicitly, for stores created WithAutoMigrate(false).
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}

	return persistenceError(s.repo.Migrate(ctx), "migrate")
}

// SchedulerStarted runs crash recovery and starts the background misfire
// handler.
func (s *Store) SchedulerStarted(ctx context.Context) error {
	if _, err := s.RecoverJobs(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.cancel = cancel

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runMisfireHandler(loopCtx)
		}()
	}

	s.schedulerRunning.Store(true)

	return nil
}

func (s *Store) SchedulerPaused() {
	s.schedulerRunning.Store(false)
}

func (s *Store) SchedulerResumed() {
	s.schedulerRunning.Store(true)
}

// Shutdown stops the misfire handler, waiting for it until ctx is done,
// removes this node's heartbeat and releases any locks still held.
func (s *Store) Shutdown(ctx context.Context) error {
	s.schedulerRunning.Store(false)

	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			s.log.Warnw("misfire handler did not stop in time")
		}
	}

	if s.repo == nil {
		return nil
	}

	var errs error
	if _, err := s.repo.DeleteSchedulerState(ctx, s.cfg.instanceID); err != nil {
		errs = errors.CombineErrors(errs, persistenceError(err, "remove heartbeat"))
	}

	if err := s.locks.Close(ctx); err != nil {
		errs = errors.CombineErrors(errs, persistenceError(err, "release locks"))
	}

	if s.ownsDB {
		if err := s.db.Close(); err != nil {
			errs = errors.CombineErrors(errs, persistenceError(err, "close database"))
		}
	}

	s.log.Infow("job store shut down")

	return errs
}

func (s *Store) InstanceID() string {
	return s.cfg.instanceID
}

func (s *Store) InstanceName() string {
	return s.cfg.instanceName
}

func (s *Store) Clustered() bool {
	return s.cfg.clustered
}

func (s *Store) now() time.Time {
	return s.cfg.clock().UTC()
}

// misfireTime is the fire time before which a waiting trigger counts as misfired.
func (s *Store) misfireTime() time.Time {
	return s.now().Add(-s.cfg.misfireThreshold)
}

func (s *Store) ready() error {
	if s.repo == nil {
		return errors.Wrap(ErrConfiguration, "job store is not initialized")
	}

	return nil
}

// withLock runs fn while holding lockType. Failures are wrapped for the public
// boundary and any scheduling change fn recorded is signalled after release.
func withLock[T any](ctx context.Context, s *Store, lockType lock.Type, operation string, fn func(context.Context, *signals) (T, error)) (T, error) {
	var zero T

	if err := s.ready(); err != nil {
		return zero, err
	}

	h, err := s.locks.Acquire(ctx, lockType)
	if err != nil {
		return zero, persistenceError(err, "%s", operation)
	}

	sig := &signals{}
	result, err := fn(h.Context(ctx), sig)

	if _, releaseErr := h.Release(ctx); releaseErr != nil {
		err = errors.CombineErrors(err, releaseErr)
	}

	if err != nil {
		return zero, persistenceError(err, "%s", operation)
	}

	if candidate, ok := sig.clearAndGet(); ok {
		s.cfg.signaler.SignalSchedulingChange(ctx, candidate)
	}

	return result, nil
}

// withTriggerAccess is withLock for operations without a result.
func (s *Store) withTriggerAccess(ctx context.Context, operation string, fn func(context.Context, *signals) error) error {
	_, err := withLock(ctx, s, lockTriggerAccess, operation, func(ctx context.Context, sig *signals) (struct{}, error) {
		return struct{}{}, fn(ctx, sig)
	})

	return err
}

// read runs a query outside any lock and wraps its failure.
func read[T any](ctx context.Context, s *Store, operation string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if err := s.ready(); err != nil {
		return zero, err
	}

	result, err := fn(ctx)
	if err != nil {
		return zero, persistenceError(err, "%s", operation)
	}

	return result, nil
}
