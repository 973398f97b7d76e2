package jobstore

import (
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	gotick "github.com/go-tick/core"
	"github.com/go-tick/jobstore/internal/repository"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	DefaultInstanceName               = "scheduler"
	DefaultTablePrefix                = "jobstore_"
	DefaultMisfireThreshold           = time.Minute
	DefaultMaxMisfiresToHandleAtATime = 20
	DefaultLockRetryInterval          = time.Second
	DefaultLockTTL                    = 30 * time.Second
	DefaultDBRetryInterval            = 15 * time.Second
)

type Config struct {
	conn       string
	driverName string
	db         *sqlx.DB

	instanceName string
	instanceID   string
	tablePrefix  string

	misfireThreshold           time.Duration
	misfireHandlerFrequency    time.Duration
	maxMisfiresToHandleAtATime int
	lockRetryInterval          time.Duration
	lockTTL                    time.Duration
	dbRetryInterval            time.Duration

	clustered   bool
	autoMigrate bool

	logger         *zap.SugaredLogger
	signaler       Signaler
	clock          func() time.Time
	errorListeners []ErrorListener

	scheduleSerializer   ScheduleSerializer
	scheduleDeserializer ScheduleDeserializer
}

func DefaultConfig(options ...gotick.Option[Config]) *Config {
	config := &Config{
		instanceName:               DefaultInstanceName,
		instanceID:                 uuid.NewString(),
		tablePrefix:                DefaultTablePrefix,
		misfireThreshold:           DefaultMisfireThreshold,
		maxMisfiresToHandleAtATime: DefaultMaxMisfiresToHandleAtATime,
		lockRetryInterval:          DefaultLockRetryInterval,
		lockTTL:                    DefaultLockTTL,
		dbRetryInterval:            DefaultDBRetryInterval,
		autoMigrate:                true,
		logger:                     zap.NewNop().Sugar(),
		signaler:                   NoopSignaler{},
		clock:                      time.Now,
		scheduleSerializer:         DefaultScheduleSerializer,
		scheduleDeserializer:       DefaultScheduleDeserializer,
	}

	for _, option := range options {
		option(config)
	}

	return config
}

// Validate reports the first configuration problem, marked ErrConfiguration.
func (c *Config) Validate() error {
	if c.db == nil {
		if _, _, err := c.dataSource(); err != nil {
			return err
		}
	}

	switch {
	case c.instanceName == "":
		return errors.Wrap(ErrConfiguration, "instance name is empty")
	case c.instanceID == "":
		return errors.Wrap(ErrConfiguration, "instance id is empty")
	case c.misfireThreshold <= 0:
		return errors.Wrapf(ErrConfiguration, "misfire threshold %s must be positive", c.misfireThreshold)
	case c.misfireHandlerFrequency < 0:
		return errors.Wrapf(ErrConfiguration, "misfire handler frequency %s is negative", c.misfireHandlerFrequency)
	case c.maxMisfiresToHandleAtATime <= 0:
		return errors.Wrapf(ErrConfiguration, "max misfires per sweep %d must be positive", c.maxMisfiresToHandleAtATime)
	case c.lockRetryInterval <= 0:
		return errors.Wrapf(ErrConfiguration, "lock retry interval %s must be positive", c.lockRetryInterval)
	case c.lockTTL <= 0:
		return errors.Wrapf(ErrConfiguration, "lock ttl %s must be positive", c.lockTTL)
	case c.dbRetryInterval <= 0:
		return errors.Wrapf(ErrConfiguration, "db retry interval %s must be positive", c.dbRetryInterval)
	case c.scheduleSerializer == nil || c.scheduleDeserializer == nil:
		return errors.Wrap(ErrConfiguration, "schedule serializer is missing")
	}

	return nil
}

// dataSource resolves the driver and DSN for conn. Without an explicit driver,
// postgres URLs and key=value strings select Postgres; sqlite3:// and file:
// select SQLite.
func (c *Config) dataSource() (string, string, error) {
	conn := strings.TrimSpace(c.conn)
	if conn == "" {
		return "", "", errors.Wrap(ErrConfiguration, "connection is empty")
	}

	driverName := c.driverName
	if after, ok := strings.CutPrefix(conn, "sqlite3://"); ok {
		driverName, conn = repository.DriverSQLite, after
	}

	if driverName == "" {
		switch {
		case strings.HasPrefix(conn, "postgres://"), strings.HasPrefix(conn, "postgresql://"):
			driverName = repository.DriverPostgres
		case strings.HasPrefix(conn, "file:"), strings.HasSuffix(conn, ".db"):
			driverName = repository.DriverSQLite
		case strings.Contains(conn, "="):
			driverName = repository.DriverPostgres
		default:
			return "", "", errors.Wrapf(ErrConfiguration, "cannot infer driver for connection %q", conn)
		}
	}

	if !slices.Contains([]string{repository.DriverPostgres, repository.DriverSQLite}, driverName) {
		return "", "", errors.Wrapf(ErrConfiguration, "unsupported driver %q", driverName)
	}

	if driverName == repository.DriverPostgres && strings.Contains(conn, "://") {
		if _, err := pq.ParseURL(conn); err != nil {
			return "", "", errors.Mark(errors.Wrap(err, "malformed postgres url"), ErrConfiguration)
		}
	}

	return driverName, conn, nil
}

func (c *Config) handlerFrequency() time.Duration {
	if c.misfireHandlerFrequency > 0 {
		return c.misfireHandlerFrequency
	}

	return c.misfireThreshold
}

func WithConn(conn string) gotick.Option[Config] {
	return func(config *Config) {
		config.conn = conn
	}
}

func WithDriverName(driverName string) gotick.Option[Config] {
	return func(config *Config) {
		config.driverName = driverName
	}
}

// WithDB uses an already opened database. The store does not close it.
func WithDB(db *sqlx.DB) gotick.Option[Config] {
	return func(config *Config) {
		config.db = db
	}
}

func WithInstanceName(name string) gotick.Option[Config] {
	return func(config *Config) {
		config.instanceName = name
	}
}

func WithInstanceID(id string) gotick.Option[Config] {
	return func(config *Config) {
		config.instanceID = id
	}
}

func WithTablePrefix(prefix string) gotick.Option[Config] {
	return func(config *Config) {
		config.tablePrefix = prefix
	}
}

func WithMisfireThreshold(threshold time.Duration) gotick.Option[Config] {
	return func(config *Config) {
		config.misfireThreshold = threshold
	}
}

func WithMisfireHandlerFrequency(frequency time.Duration) gotick.Option[Config] {
	return func(config *Config) {
		config.misfireHandlerFrequency = frequency
	}
}

func WithMaxMisfiresToHandleAtATime(n int) gotick.Option[Config] {
	return func(config *Config) {
		config.maxMisfiresToHandleAtATime = n
	}
}

func WithLockRetryInterval(interval time.Duration) gotick.Option[Config] {
	return func(config *Config) {
		config.lockRetryInterval = interval
	}
}

func WithLockTTL(ttl time.Duration) gotick.Option[Config] {
	return func(config *Config) {
		config.lockTTL = ttl
	}
}

func WithDBRetryInterval(interval time.Duration) gotick.Option[Config] {
	return func(config *Config) {
		config.dbRetryInterval = interval
	}
}

func WithClustered(clustered bool) gotick.Option[Config] {
	return func(config *Config) {
		config.clustered = clustered
	}
}

func WithAutoMigrate(autoMigrate bool) gotick.Option[Config] {
	return func(config *Config) {
		config.autoMigrate = autoMigrate
	}
}

func WithLogger(logger *zap.SugaredLogger) gotick.Option[Config] {
	return func(config *Config) {
		config.logger = logger
	}
}

func WithSignaler(signaler Signaler) gotick.Option[Config] {
	return func(config *Config) {
		config.signaler = signaler
	}
}

func WithClock(clock func() time.Time) gotick.Option[Config] {
	return func(config *Config) {
		config.clock = clock
	}
}

func WithErrorListeners(listeners ...ErrorListener) gotick.Option[Config] {
	return func(config *Config) {
		config.errorListeners = append(config.errorListeners, listeners...)
	}
}

func WithScheduleSerializer(serializer ScheduleSerializer) gotick.Option[Config] {
	return func(config *Config) {
		config.scheduleSerializer = serializer
	}
}

func WithScheduleDeserializer(deserializer ScheduleDeserializer) gotick.Option[Config] {
	return func(config *Config) {
		config.scheduleDeserializer = deserializer
	}
}
