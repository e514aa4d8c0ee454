package cmd

import (
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/payhook/internal/deadletter"
)

// dlqCmd represents the dlq command
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect the dead letter topic",
	Long: `Inspect events the service gave up on. The service publishes them to
NSQ when PUBLISH_DLQ_TOPIC is enabled.`,
}

var dlqTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print dead letters as they are published",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("nsqd")
		topic, _ := cmd.Flags().GetString("topic")
		channel, _ := cmd.Flags().GetString("channel")

		w := cmd.OutOrStdout()
		fmt.Fprintf(cmd.ErrOrStderr(), "Tailing %s on %s (Ctrl-C to stop)\n", topic, addr)
		return deadletter.Subscribe(cmd.Context(), addr, topic, channel, func(dl deadletter.DeadLetter) error {
			printOutput(w, dl, func(w io.Writer) {
				fmt.Fprintf(w, "%s  %s  %s  txn=%s  attempts=%d  reason=%s",
					dl.At, dl.Event.ID, dl.Event.Type, dl.Event.Data.TransactionID, dl.Attempts, dl.Reason)
				if dl.LastError != "" {
					fmt.Fprintf(w, "  error=%q", dl.LastError)
				}
				fmt.Fprintln(w)
			})
			return nil
		})
	},
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dead letter topic depth from nsqd",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("nsqd-http")
		topic, _ := cmd.Flags().GetString("topic")

		st, err := deadletter.Stats(cmd.Context(), &http.Client{Timeout: timeout}, addr, topic)
		if err != nil {
			return err
		}
		printOutput(cmd.OutOrStdout(), st, func(w io.Writer) {
			fmt.Fprintf(w, "Topic %s: depth %d\n", st.Topic, st.Depth)
			for _, c := range st.Channels {
				fmt.Fprintf(w, "  %s: depth %d, in flight %d\n", c.Channel, c.Depth, c.InFlight)
			}
		})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqTailCmd)
	dlqCmd.AddCommand(dlqStatsCmd)

	dlqCmd.PersistentFlags().String("topic", deadletter.DefaultTopic, "dead letter topic")
	dlqTailCmd.Flags().String("nsqd", "127.0.0.1:4150", "nsqd TCP address")
	dlqTailCmd.Flags().String("channel", deadletter.DefaultChannel, "channel to consume on")
	dlqStatsCmd.Flags().String("nsqd-http", "127.0.0.1:4151", "nsqd HTTP address")
}
