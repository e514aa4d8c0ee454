package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/austindbirch/payhook/internal/ingest"
	"github.com/austindbirch/payhook/internal/signature"
	"github.com/austindbirch/payhook/internal/webhook"
)

// sendOptions describes one webhook delivery. The tamper knobs exist to
// exercise the server's rejection paths.
type sendOptions struct {
	Type          webhook.EventType
	TransactionID string
	Amount        decimal.Decimal
	UserID        string
	Metadata      map[string]any
	Age           time.Duration // subtracted from now for the created stamp
	Unsigned      bool
	SignOther     bool // sign a different payload than the one sent
}

type ackResult struct {
	Received  bool   `json:"received"`
	EventID   string `json:"eventId"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// sendEvent signs and posts an event to /webhooks/payment.
func sendEvent(ctx context.Context, opts sendOptions) (apiResponse, webhook.Event, error) {
	ev := webhook.NewEvent(opts.Type, webhook.Data{
		TransactionID: opts.TransactionID,
		Amount:        opts.Amount,
		UserID:        opts.UserID,
		Metadata:      opts.Metadata,
	}, time.Now().Add(-opts.Age))

	body, err := json.Marshal(ev)
	if err != nil {
		return apiResponse{}, ev, fmt.Errorf("marshal event: %w", err)
	}

	headers := map[string]string{}
	if !opts.Unsigned {
		if secret == "" {
			return apiResponse{}, ev, errors.New("no signing secret: set --secret or WEBHOOK_SECRET")
		}
		signed := body
		if opts.SignOther {
			other := ev
			other.Data.Amount = other.Data.Amount.Add(decimal.NewFromInt(1))
			if signed, err = json.Marshal(other); err != nil {
				return apiResponse{}, ev, err
			}
		}
		headers[ingest.DefaultSignatureHeader] = "sha256=" + signature.Sign(secret, signed)
	}

	resp, err := makeHTTPRequest(ctx, http.MethodPost, "/webhooks/payment", body, headers)
	return resp, ev, err
}

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send [event-type]",
	Short: "Send a signed webhook event",
	Long: `Build a payment event, sign it with the webhook secret and post it to
/webhooks/payment.

Event types: payment.created, payment.processing, payment.success,
payment.failed, payment.cancelled, payment.expired.

Example:
  payhookctl send payment.success --transaction 3f9c... --amount 25.00 --user user_1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := webhook.ParseEventType(args[0])
		if err != nil {
			return err
		}
		opts := sendOptions{Type: t}
		opts.TransactionID, _ = cmd.Flags().GetString("transaction")
		opts.UserID, _ = cmd.Flags().GetString("user")
		opts.Age, _ = cmd.Flags().GetDuration("age")
		opts.Unsigned, _ = cmd.Flags().GetBool("unsigned")
		opts.SignOther, _ = cmd.Flags().GetBool("tamper")

		amount, _ := cmd.Flags().GetString("amount")
		if opts.Amount, err = decimal.NewFromString(amount); err != nil {
			return fmt.Errorf("invalid amount %q: %w", amount, err)
		}
		if meta, _ := cmd.Flags().GetString("metadata"); meta != "" {
			if err := json.Unmarshal([]byte(meta), &opts.Metadata); err != nil {
				return fmt.Errorf("invalid metadata JSON: %w", err)
			}
		}

		resp, ev, err := sendEvent(cmd.Context(), opts)
		if err != nil {
			return fmt.Errorf("failed to send event: %w", err)
		}
		if err := resp.apiError(); err != nil {
			return err
		}

		var ack ackResult
		if err := resp.decode(&ack); err != nil {
			return err
		}
		printOutput(cmd.OutOrStdout(), ack, func(w io.Writer) {
			if ack.Duplicate {
				fmt.Fprintf(w, "Event %s already received (duplicate)\n", ack.EventID)
				return
			}
			fmt.Fprintf(w, "✓ Sent %s for transaction %s\n", ev.Type, ev.Data.TransactionID)
			fmt.Fprintf(w, "  Event ID: %s\n", ack.EventID)
		})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringP("transaction", "t", "", "transaction id the event refers to (required)")
	sendCmd.Flags().String("amount", "100.00", "payment amount")
	sendCmd.Flags().String("user", "", "user id")
	sendCmd.Flags().String("metadata", "", "metadata as a JSON object")
	sendCmd.Flags().Duration("age", 0, "backdate the event's created timestamp")
	sendCmd.Flags().Bool("unsigned", false, "omit the signature header")
	sendCmd.Flags().Bool("tamper", false, "sign a different payload than the one sent")
	sendCmd.MarkFlagRequired("transaction")
}
