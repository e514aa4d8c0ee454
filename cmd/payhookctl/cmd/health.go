package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/payhook/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the payhook service",
	Long:  `Check the health of the payhook service and its dependencies via /healthz.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest(cmd.Context(), http.MethodGet, "/healthz", nil, nil)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}

		var st health.Status
		if err := resp.decode(&st); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if outputJSON {
			printOutput(w, st, nil)
		} else if st.OK {
			fmt.Fprintln(w, "✓ Service is healthy")
		} else {
			fmt.Fprintf(w, "✗ Service is unhealthy (HTTP %d)\n", resp.Status)
		}
		if !outputJSON {
			for name, ok := range st.Checks {
				mark := "✓"
				if !ok {
					mark = "✗"
				}
				fmt.Fprintf(w, "  %s %s\n", mark, name)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
