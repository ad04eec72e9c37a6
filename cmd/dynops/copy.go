package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/norpie/dynops/internal/copier"
	"github.com/spf13/cobra"
)

// copyInput is the on-disk shape for a copy run: the entity schema
// (including its lookup-field-to-entity-set table) plus the
// already-fetched source graph, keeping the CLI's foreground copy
// command independent of how the caller queried Dynamics for the
// records to copy.
type copyInput struct {
	Schema copier.Schema `json:"schema"`
	Graph  copier.Graph  `json:"graph"`
}

var copyGraphPath string
var copyManifestDir string

var copyCmd = &cobra.Command{
	Use:   "copy <root-id>",
	Short: "Run the copier state machine in the foreground",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rootID := args[0]
		if copyGraphPath == "" {
			return fmt.Errorf("--graph is required: path to a JSON file with {schema, graph}")
		}

		data, err := os.ReadFile(copyGraphPath)
		if err != nil {
			return fmt.Errorf("read graph file: %w", err)
		}
		var input copyInput
		if err := json.Unmarshal(data, &input); err != nil {
			return fmt.Errorf("parse graph file: %w", err)
		}
		if input.Graph.Root.ID != rootID {
			return fmt.Errorf("graph file root id %q does not match argument %q", input.Graph.Root.ID, rootID)
		}

		_, client, err := buildClient()
		if err != nil {
			return err
		}

		publisher := copier.NewChannelPublisher(16)
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go printCopyProgress(cmd, publisher)

		c := copier.New(client, input.Schema, publisher, copyManifestDir)
		result, err := c.Run(ctx, input.Graph)
		if err != nil {
			return fmt.Errorf("copy failed: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "copy:done new_root_id=%s created=%d\n", result.RootID, len(result.Created))
		return nil
	},
}

func printCopyProgress(cmd *cobra.Command, publisher *copier.ChannelPublisher) {
	for ev := range publisher.Events() {
		fmt.Fprintf(cmd.OutOrStdout(), "copy:progress phase=%s step=%d counts=%v\n", ev.Phase, ev.Step, ev.Counts)
	}
}

func init() {
	copyCmd.Flags().StringVar(&copyGraphPath, "graph", "", "path to a JSON file with {schema, graph}")
	copyCmd.Flags().StringVar(&copyManifestDir, "manifest-dir", "", "directory for an orphan manifest CSV if rollback is incomplete")
}
