package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/norpie/dynops/internal/config"
	"github.com/norpie/dynops/internal/odata"
	"github.com/norpie/dynops/internal/queue"
	"github.com/spf13/cobra"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Work with JSON-encoded Operations bundles",
}

var batchSubmitSource string
var batchSubmitEntityType string
var batchSubmitDescription string

var batchSubmitCmd = &cobra.Command{
	Use:   "submit <file.json>",
	Short: "Parse a JSON-encoded Operations bundle and enqueue it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read operations file: %w", err)
		}
		ops, err := odata.UnmarshalOperations(data)
		if err != nil {
			return fmt.Errorf("parse operations file: %w", err)
		}
		if len(ops) == 0 {
			return fmt.Errorf("operations file %s contains no operations", args[0])
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := buildQueueStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		item := &queue.Item{
			ID:         uuid.NewString(),
			Operations: ops,
			Metadata: queue.Metadata{
				Source:      batchSubmitSource,
				EntityType:  batchSubmitEntityType,
				Description: batchSubmitDescription,
			},
			Status:      queue.StatusPending,
			Priority:    128,
			SubmittedAt: time.Now(),
		}
		if err := store.Insert(cmd.Context(), item); err != nil {
			return fmt.Errorf("enqueue batch: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "enqueued item %s with %d operations\n", item.ID, len(ops))
		return nil
	},
}

func init() {
	batchCmd.AddCommand(batchSubmitCmd)
	batchSubmitCmd.Flags().StringVar(&batchSubmitSource, "source", "cli", "where this batch came from, for display")
	batchSubmitCmd.Flags().StringVar(&batchSubmitEntityType, "entity-type", "", "primary entity type, for display")
	batchSubmitCmd.Flags().StringVar(&batchSubmitDescription, "description", "", "free-text description, for display")
}
