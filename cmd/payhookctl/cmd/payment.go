package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type paymentStatus struct {
	TransactionID string          `json:"transactionId"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

type initiateResult struct {
	TransactionID string          `json:"transactionId"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
}

func initiatePayment(ctx context.Context, amount decimal.Decimal, userID string, metadata map[string]any) (initiateResult, error) {
	req := map[string]any{"amount": amount, "userId": userID}
	if metadata != nil {
		req["metadata"] = metadata
	}
	resp, err := requestJSON(ctx, http.MethodPost, "/api/payments/initiate", req)
	if err != nil {
		return initiateResult{}, fmt.Errorf("failed to initiate payment: %w", err)
	}
	if err := resp.apiError(); err != nil {
		return initiateResult{}, err
	}
	var out initiateResult
	return out, resp.decode(&out)
}

func getPaymentStatus(ctx context.Context, id string) (paymentStatus, error) {
	resp, err := makeHTTPRequest(ctx, http.MethodGet, "/api/payments/"+url.PathEscape(id)+"/status", nil, nil)
	if err != nil {
		return paymentStatus{}, fmt.Errorf("failed to get payment status: %w", err)
	}
	if err := resp.apiError(); err != nil {
		return paymentStatus{}, err
	}
	var out paymentStatus
	return out, resp.decode(&out)
}

var errStatusNotReached = errors.New("status not reached yet")

// waitForStatus polls until the transaction reports want or maxWait elapses.
func waitForStatus(ctx context.Context, id, want string, maxWait time.Duration) (paymentStatus, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	return backoff.Retry(ctx, func() (paymentStatus, error) {
		st, err := getPaymentStatus(ctx, id)
		if err != nil {
			return st, backoff.Permanent(err)
		}
		if st.Status != want {
			return st, fmt.Errorf("%w: %s is %s", errStatusNotReached, id, st.Status)
		}
		return st, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(maxWait))
}

// paymentCmd represents the payment command
var paymentCmd = &cobra.Command{
	Use:   "payment",
	Short: "Initiate payments and check their status",
	Long:  `Initiate payments and read transaction state through the payment API.`,
}

var paymentInitiateCmd = &cobra.Command{
	Use:   "initiate",
	Short: "Create a pending transaction",
	Long: `Create a pending transaction.

Example:
  payhookctl payment initiate --amount 25.00 --user user_1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		amountStr, _ := cmd.Flags().GetString("amount")
		userID, _ := cmd.Flags().GetString("user")
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", amountStr, err)
		}
		var metadata map[string]any
		if meta, _ := cmd.Flags().GetString("metadata"); meta != "" {
			if err := json.Unmarshal([]byte(meta), &metadata); err != nil {
				return fmt.Errorf("invalid metadata JSON: %w", err)
			}
		}

		res, err := initiatePayment(cmd.Context(), amount, userID, metadata)
		if err != nil {
			return err
		}
		printOutput(cmd.OutOrStdout(), res, func(w io.Writer) {
			fmt.Fprintf(w, "✓ Created transaction %s\n", res.TransactionID)
			fmt.Fprintf(w, "  Amount: %s\n", res.Amount)
			fmt.Fprintf(w, "  Status: %s\n", res.Status)
		})
		return nil
	},
}

var paymentGetCmd = &cobra.Command{
	Use:   "get [transaction-id]",
	Short: "Show the full transaction record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest(cmd.Context(), http.MethodGet, "/api/payments/"+url.PathEscape(args[0]), nil, nil)
		if err != nil {
			return fmt.Errorf("failed to get payment: %w", err)
		}
		if err := resp.apiError(); err != nil {
			return err
		}
		printOutput(cmd.OutOrStdout(), json.RawMessage(resp.Body), func(w io.Writer) {
			fmt.Fprintln(w, string(resp.Body))
		})
		return nil
	},
}

var paymentStatusCmd = &cobra.Command{
	Use:   "status [transaction-id]",
	Short: "Show a transaction's status",
	Long: `Show a transaction's status. With --wait-for the command polls until
the transaction reaches that status.

Example:
  payhookctl payment status 3f9c... --wait-for success --wait 10s`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		want, _ := cmd.Flags().GetString("wait-for")
		maxWait, _ := cmd.Flags().GetDuration("wait")

		var st paymentStatus
		var err error
		if want != "" {
			st, err = waitForStatus(cmd.Context(), args[0], want, maxWait)
		} else {
			st, err = getPaymentStatus(cmd.Context(), args[0])
		}
		if err != nil {
			return err
		}
		printOutput(cmd.OutOrStdout(), st, func(w io.Writer) {
			fmt.Fprintf(w, "Transaction: %s\n", st.TransactionID)
			fmt.Fprintf(w, "  Status:  %s\n", st.Status)
			fmt.Fprintf(w, "  Amount:  %s\n", st.Amount)
			fmt.Fprintf(w, "  Updated: %s\n", st.UpdatedAt.Format(time.RFC3339))
		})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(paymentCmd)
	paymentCmd.AddCommand(paymentInitiateCmd)
	paymentCmd.AddCommand(paymentGetCmd)
	paymentCmd.AddCommand(paymentStatusCmd)

	paymentInitiateCmd.Flags().String("amount", "", "payment amount (required)")
	paymentInitiateCmd.Flags().String("user", "", "user id (filled from the token when omitted)")
	paymentInitiateCmd.Flags().String("metadata", "", "metadata as a JSON object")
	paymentInitiateCmd.MarkFlagRequired("amount")

	paymentStatusCmd.Flags().String("wait-for", "", "poll until the transaction reaches this status")
	paymentStatusCmd.Flags().Duration("wait", 10*time.Second, "maximum time to poll with --wait-for")
}
