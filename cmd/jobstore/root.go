package main

import (
	"context"

	"github.com/go-tick/jobstore"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "jobstore",
		Short: "Inspect and maintain a persistent job store",
		Long: `jobstore operates on the tables of a clustered job store.

Examples:
  jobstore migrate --conn postgres://localhost/sched
  jobstore recover --instance-id node-7
  jobstore triggers reports.
  jobstore locks --clear-expired`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (yaml, toml or json)")
	flags.String("conn", "", "database connection string")
	flags.String("driver", "", "database driver, inferred from --conn when empty")
	flags.String("instance-name", jobstore.DefaultInstanceName, "scheduler instance name")
	flags.String("instance-id", "", "scheduler node id")
	flags.String("table-prefix", jobstore.DefaultTablePrefix, "table name prefix")
	flags.Bool("json-logs", false, "log as json")

	root.AddCommand(
		newMigrateCmd(),
		newRecoverCmd(),
		newMisfiresCmd(),
		newTriggersCmd(),
		newLocksCmd(),
		newSchedulersCmd(),
	)

	return root
}

type session struct {
	cfg   *cliConfig
	log   *zap.SugaredLogger
	store *jobstore.Store
}

// withStore opens the store described by the command flags, runs fn and
// shuts the store down again. checks reject the loaded config before anything
// is opened.
func withStore(cmd *cobra.Command, migrate bool, fn func(context.Context, *session) error, checks ...func(*cliConfig) error) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	for _, check := range checks {
		if err := check(cfg); err != nil {
			return err
		}
	}

	log, err := cfg.logger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	options := append(cfg.storeOptions(log), jobstore.WithAutoMigrate(migrate))

	store, err := jobstore.New(jobstore.DefaultConfig(options...))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := store.Initialize(ctx); err != nil {
		return err
	}

	defer func() {
		if err := store.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warnw("shutdown failed", "error", err)
		}
	}()

	if err := fn(ctx, &session{cfg: cfg, log: log, store: store}); err != nil {
		log.Errorw(cmd.Name()+" failed", "error", err)
		return err
	}

	return nil
}
