package main

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	gotick "github.com/go-tick/core"
	"github.com/go-tick/jobstore"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// cliConfig is the operator configuration read from flags, JOBSTORE_*
// environment variables and an optional config file, in that precedence.
type cliConfig struct {
	Conn             string        `mapstructure:"conn"`
	Driver           string        `mapstructure:"driver"`
	InstanceName     string        `mapstructure:"instance_name"`
	InstanceID       string        `mapstructure:"instance_id"`
	TablePrefix      string        `mapstructure:"table_prefix"`
	JSONLogs         bool          `mapstructure:"json_logs"`
	MisfireThreshold time.Duration `mapstructure:"misfire_threshold"`
	MaxMisfires      int           `mapstructure:"max_misfires"`
	LockTTL          time.Duration `mapstructure:"lock_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("instance_name", jobstore.DefaultInstanceName)
	v.SetDefault("table_prefix", jobstore.DefaultTablePrefix)
	v.SetDefault("misfire_threshold", jobstore.DefaultMisfireThreshold)
	v.SetDefault("max_misfires", jobstore.DefaultMaxMisfiresToHandleAtATime)
	v.SetDefault("lock_ttl", jobstore.DefaultLockTTL)
}

func loadConfig(flags *pflag.FlagSet) (*cliConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("JOBSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	for key, flag := range map[string]string{
		"conn":          "conn",
		"driver":        "driver",
		"instance_name": "instance-name",
		"instance_id":   "instance-id",
		"table_prefix":  "table-prefix",
		"json_logs":     "json-logs",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return nil, errors.Wrapf(err, "bind flag %s", flag)
		}
	}

	if path, _ := flags.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg cliConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}

	return &cfg, nil
}

// requireInstanceID fails unless a node id came from a flag, the environment
// or the config file.
func requireInstanceID(c *cliConfig) error {
	if c.InstanceID == "" {
		return errors.New("instance id is required: set --instance-id, JOBSTORE_INSTANCE_ID or instance_id")
	}

	return nil
}

func (c *cliConfig) logger() (*zap.SugaredLogger, error) {
	build := zap.NewDevelopment
	if c.JSONLogs {
		build = zap.NewProduction
	}

	logger, err := build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}

	return logger.Sugar(), nil
}

func (c *cliConfig) storeOptions(logger *zap.SugaredLogger) []gotick.Option[jobstore.Config] {
	options := []gotick.Option[jobstore.Config]{
		jobstore.WithConn(c.Conn),
		jobstore.WithInstanceName(c.InstanceName),
		jobstore.WithTablePrefix(c.TablePrefix),
		jobstore.WithMisfireThreshold(c.MisfireThreshold),
		jobstore.WithMaxMisfiresToHandleAtATime(c.MaxMisfires),
		jobstore.WithLockTTL(c.LockTTL),
		jobstore.WithClustered(true),
		jobstore.WithLogger(logger),
	}

	if c.Driver != "" {
		options = append(options, jobstore.WithDriverName(c.Driver))
	}

	if c.InstanceID != "" {
		options = append(options, jobstore.WithInstanceID(c.InstanceID))
	}

	return options
}
