package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/norpie/dynops/internal/config"
	"github.com/norpie/dynops/internal/queue"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drive the durable operation queue",
}

func init() {
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queuePauseCmd)
	queueCmd.AddCommand(queueResumeCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueDeleteCmd)
	queueCmd.AddCommand(queuePriorityCmd)
	queueCmd.AddCommand(queueRunCmd)
}

func openStore() (*queue.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	store, err := buildQueueStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue settings and item counts by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeFn, err := openStore()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx := cmd.Context()
		settings, err := store.GetSettings(ctx)
		if err != nil {
			return err
		}
		items, err := store.List(ctx)
		if err != nil {
			return err
		}
		counts := map[queue.Status]int{}
		for _, it := range items {
			counts[it.Status]++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "max_concurrent=%d filter=%q sort_mode=%q\n",
			settings.MaxConcurrent, settings.Filter, settings.SortMode)
		fmt.Fprintf(cmd.OutOrStdout(), "pending=%d running=%d paused=%d done=%d failed=%d\n",
			counts[queue.StatusPending], counts[queue.StatusRunning], counts[queue.StatusPaused],
			counts[queue.StatusDone], counts[queue.StatusFailed])
		return nil
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every queue item",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeFn, err := openStore()
		if err != nil {
			return err
		}
		defer closeFn()

		items, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tSOURCE\tENTITY\tSUBMITTED")
		for _, it := range items {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
				it.ID, it.Status, it.Priority, it.Metadata.Source, it.Metadata.EntityType,
				it.SubmittedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

func itemIDCmd(use, short string, apply func(sched *queue.Scheduler, ctx context.Context, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <item-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, err := buildQueueStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			sched := queue.NewScheduler(store, nil, nil, nil)
			return apply(sched, cmd.Context(), args[0])
		},
	}
}

var queuePauseCmd = itemIDCmd("pause", "Pause a pending item", (*queue.Scheduler).PauseItem)
var queueResumeCmd = itemIDCmd("resume", "Resume a paused item", (*queue.Scheduler).ResumeItem)
var queueRetryCmd = itemIDCmd("retry", "Retry a failed item", (*queue.Scheduler).Retry)
var queueDeleteCmd = itemIDCmd("delete", "Delete an item in any state", (*queue.Scheduler).Delete)

var queuePriorityDirection string

var queuePriorityCmd = &cobra.Command{
	Use:   "priority <item-id>",
	Short: "Raise or lower an item's priority",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := buildQueueStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		sched := queue.NewScheduler(store, nil, nil, nil)
		switch queuePriorityDirection {
		case "raise":
			return sched.RaisePriority(cmd.Context(), args[0])
		case "lower":
			return sched.LowerPriority(cmd.Context(), args[0])
		default:
			return fmt.Errorf("--direction must be raise or lower")
		}
	},
}

func init() {
	queuePriorityCmd.Flags().StringVar(&queuePriorityDirection, "direction", "", "raise or lower")
}

var queueRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler loop until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client, err := buildClient()
		if err != nil {
			return err
		}
		store, err := buildQueueStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		sched := queue.NewScheduler(store, client, nil, nil)

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := sched.RecoverFromCrash(ctx); err != nil {
			return fmt.Errorf("recover from crash: %w", err)
		}
		sched.TogglePlay()

		fmt.Fprintln(cmd.OutOrStdout(), "dynops queue running, press Ctrl+C to stop")
		return sched.Run(ctx)
	},
}
