package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/payhook/internal/queue"
)

func getQueueStatus(ctx context.Context) (queue.Snapshot, error) {
	resp, err := makeHTTPRequest(ctx, http.MethodGet, "/webhooks/status", nil, nil)
	if err != nil {
		return queue.Snapshot{}, fmt.Errorf("failed to get queue status: %w", err)
	}
	if err := resp.apiError(); err != nil {
		return queue.Snapshot{}, err
	}
	var snap queue.Snapshot
	return snap, resp.decode(&snap)
}

// queueCmd represents the queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the processing queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counters",
	Long:  `Show the pending, active and total counters of the processing queue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := getQueueStatus(cmd.Context())
		if err != nil {
			return err
		}
		printOutput(cmd.OutOrStdout(), snap, func(w io.Writer) {
			state := "stopped"
			if snap.IsActive {
				state = "running"
			}
			fmt.Fprintf(w, "Queue: %s\n", state)
			fmt.Fprintf(w, "  Pending: %d\n", snap.Pending)
			fmt.Fprintf(w, "  Active:  %d/%d\n", snap.Active, snap.MaxConcurrency)
			fmt.Fprintf(w, "  Total:   %d\n", snap.Total)
		})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatusCmd)
}
