package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/go-tick/jobstore"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, false, func(ctx context.Context, s *session) error {
				if err := s.store.Migrate(ctx); err != nil {
					return err
				}

				s.log.Infow("schema is up to date", "table_prefix", s.cfg.TablePrefix)
				return nil
			})
		},
	}
}

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Run crash recovery on behalf of a dead node",
		Long: `recover releases acquired and blocked triggers, handles misfires, replays the
executions of --instance-id that requested recovery and purges its fired
trigger records. Only run it for a node that is known to be stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, false, func(ctx context.Context, s *session) error {
				result, err := s.store.RecoverJobs(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "reset triggers:      %d\n", result.ResetTriggers)
				fmt.Fprintf(out, "misfires handled:    %d\n", result.Misfires.ProcessedCount)
				fmt.Fprintf(out, "recovery triggers:   %d\n", result.RecoveryTriggers)
				fmt.Fprintf(out, "stale fired records: %d\n", result.StaleFiredRecords)
				fmt.Fprintf(out, "removed complete:    %d\n", result.RemovedComplete)

				return nil
			}, requireInstanceID)
		},
	}
}

func newMisfiresCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "misfires",
		Short: "Run one misfire sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, false, func(ctx context.Context, s *session) error {
				result, err := s.store.RecoverMisfires(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "processed: %d\n", result.ProcessedCount)
				fmt.Fprintf(out, "has more:  %t\n", result.HasMore)
				if !result.EarliestNewTime.IsZero() {
					fmt.Fprintf(out, "earliest:  %s\n", result.EarliestNewTime.Format(time.RFC3339))
				}

				return nil
			})
		},
	}
}

func newTriggersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "triggers [group-prefix]",
		Short: "List triggers with their state and next fire time",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			matcher := jobstore.AnyGroup()
			if len(args) == 1 {
				matcher = jobstore.GroupStartsWith(args[0])
			}

			return withStore(cmd, false, func(ctx context.Context, s *session) error {
				keys, err := s.store.GetTriggerKeys(ctx, matcher)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "GROUP\tNAME\tJOB\tSTATE\tNEXT FIRE")

				for _, key := range keys {
					trigger, err := s.store.RetrieveTrigger(ctx, key)
					if err != nil {
						return err
					}
					if trigger == nil {
						continue
					}

					state, err := s.store.GetTriggerState(ctx, key)
					if err != nil {
						return err
					}

					next := "-"
					if trigger.NextFireTime != nil {
						next = trigger.NextFireTime.Format(time.RFC3339)
					}

					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", key.Group, key.Name, trigger.JobKey, state, next)
				}

				return w.Flush()
			})
		},
	}
}

func newLocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "List held locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			clearExpired, _ := cmd.Flags().GetBool("clear-expired")

			return withStore(cmd, false, func(ctx context.Context, s *session) error {
				if clearExpired {
					n, err := s.store.ClearExpiredLocks(ctx)
					if err != nil {
						return err
					}

					s.log.Infow("cleared expired locks", "count", n, "ttl", s.cfg.LockTTL)
				}

				locks, err := s.store.Locks(ctx)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "LOCK\tOWNER\tAGE")

				for _, l := range locks {
					age := time.Since(l.AcquiredAt).Truncate(time.Millisecond)
					fmt.Fprintf(w, "%s\t%s\t%s\n", l.LockType, l.InstanceID, age)
				}

				return w.Flush()
			})
		},
	}

	cmd.Flags().Bool("clear-expired", false, "delete locks older than the lock ttl first")

	return cmd
}

func newSchedulersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedulers",
		Short: "List scheduler heartbeats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, false, func(ctx context.Context, s *session) error {
				states, err := s.store.SchedulerStates(ctx)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "INSTANCE\tLAST CHECKIN\tINTERVAL\tSTALE")

				for _, state := range states {
					stale := time.Since(state.LastCheckin) > 2*state.CheckinInterval
					fmt.Fprintf(w, "%s\t%s\t%s\t%t\n",
						state.InstanceID, state.LastCheckin.Format(time.RFC3339), state.CheckinInterval, stale)
				}

				return w.Flush()
			})
		},
	}
}
