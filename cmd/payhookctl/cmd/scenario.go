package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/austindbirch/payhook/internal/queue"
	"github.com/austindbirch/payhook/internal/webhook"
)

type scenario struct {
	name string
	desc string
	run  func(ctx context.Context, s *scenarioEnv) error
}

// scenarioEnv carries the knobs shared by all scenarios.
type scenarioEnv struct {
	user    string
	amount  decimal.Decimal
	maxWait time.Duration
	log     io.Writer
}

func (s *scenarioEnv) logf(format string, args ...any) {
	fmt.Fprintf(s.log, "  "+format+"\n", args...)
}

var errQueueBusy = errors.New("queue still has work")

// waitIdle polls the queue until nothing is pending or active.
func (s *scenarioEnv) waitIdle(ctx context.Context) (queue.Snapshot, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second

	return backoff.Retry(ctx, func() (queue.Snapshot, error) {
		snap, err := getQueueStatus(ctx)
		if err != nil {
			return snap, backoff.Permanent(err)
		}
		if snap.Pending+snap.Active > 0 {
			return snap, fmt.Errorf("%w: pending=%d active=%d", errQueueBusy, snap.Pending, snap.Active)
		}
		return snap, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(s.maxWait))
}

// deliver sends one event and requires the given response status.
func (s *scenarioEnv) deliver(ctx context.Context, opts sendOptions, wantStatus int) error {
	resp, ev, err := sendEvent(ctx, opts)
	if err != nil {
		return err
	}
	if resp.Status != wantStatus {
		return fmt.Errorf("%s: got HTTP %d, want %d: %s", ev.Type, resp.Status, wantStatus, strings.TrimSpace(string(resp.Body)))
	}
	s.logf("%s -> HTTP %d", ev.Type, resp.Status)
	return nil
}

func (s *scenarioEnv) initiate(ctx context.Context) (string, error) {
	res, err := initiatePayment(ctx, s.amount, s.user, nil)
	if err != nil {
		return "", err
	}
	s.logf("initiated transaction %s", res.TransactionID)
	return res.TransactionID, nil
}

// expectStatus waits for the queue to drain and checks the final status.
func (s *scenarioEnv) expectStatus(ctx context.Context, id, want string) error {
	if _, err := s.waitIdle(ctx); err != nil {
		return err
	}
	st, err := getPaymentStatus(ctx, id)
	if err != nil {
		return err
	}
	if st.Status != want {
		return fmt.Errorf("transaction %s is %s, want %s", id, st.Status, want)
	}
	s.logf("transaction %s is %s", id, st.Status)
	return nil
}

func (s *scenarioEnv) event(t webhook.EventType, id string) sendOptions {
	return sendOptions{Type: t, TransactionID: id, Amount: s.amount, UserID: s.user}
}

var scenarios = []scenario{
	{
		name: "A",
		desc: "payment.created leaves a fresh transaction pending",
		run: func(ctx context.Context, s *scenarioEnv) error {
			id, err := s.initiate(ctx)
			if err != nil {
				return err
			}
			if err := s.deliver(ctx, s.event(webhook.PaymentCreated, id), http.StatusOK); err != nil {
				return err
			}
			return s.expectStatus(ctx, id, "pending")
		},
	},
	{
		name: "B",
		desc: "created, processing, success ends in success; a later failed is ignored",
		run: func(ctx context.Context, s *scenarioEnv) error {
			id, err := s.initiate(ctx)
			if err != nil {
				return err
			}
			for _, t := range []webhook.EventType{webhook.PaymentCreated, webhook.PaymentProcessing, webhook.PaymentSuccess} {
				if err := s.deliver(ctx, s.event(t, id), http.StatusOK); err != nil {
					return err
				}
				// each event must be applied before the next is sent
				if _, err := s.waitIdle(ctx); err != nil {
					return err
				}
			}
			if err := s.expectStatus(ctx, id, "success"); err != nil {
				return err
			}
			if err := s.deliver(ctx, s.event(webhook.PaymentFailed, id), http.StatusOK); err != nil {
				return err
			}
			return s.expectStatus(ctx, id, "success")
		},
	},
	{
		name: "C",
		desc: "a signature over a different payload is rejected with 401",
		run: func(ctx context.Context, s *scenarioEnv) error {
			id, err := s.initiate(ctx)
			if err != nil {
				return err
			}
			opts := s.event(webhook.PaymentSuccess, id)
			opts.SignOther = true
			if err := s.deliver(ctx, opts, http.StatusUnauthorized); err != nil {
				return err
			}
			return s.expectStatus(ctx, id, "pending")
		},
	},
	{
		name: "D",
		desc: "an event created ten minutes ago is rejected with 400",
		run: func(ctx context.Context, s *scenarioEnv) error {
			id, err := s.initiate(ctx)
			if err != nil {
				return err
			}
			before, err := getQueueStatus(ctx)
			if err != nil {
				return err
			}
			opts := s.event(webhook.PaymentSuccess, id)
			opts.Age = 10 * time.Minute
			if err := s.deliver(ctx, opts, http.StatusBadRequest); err != nil {
				return err
			}
			after, err := s.waitIdle(ctx)
			if err != nil {
				return err
			}
			if after.Total != before.Total {
				return fmt.Errorf("queue total moved from %d to %d, want unchanged", before.Total, after.Total)
			}
			return s.expectStatus(ctx, id, "pending")
		},
	},
	{
		name: "E",
		desc: "an unknown transaction is retried, then dropped",
		run: func(ctx context.Context, s *scenarioEnv) error {
			before, err := s.waitIdle(ctx)
			if err != nil {
				return err
			}
			missing := "txn_missing_" + fmt.Sprint(time.Now().UnixNano())
			if err := s.deliver(ctx, s.event(webhook.PaymentSuccess, missing), http.StatusOK); err != nil {
				return err
			}
			after, err := s.waitIdle(ctx)
			if err != nil {
				return err
			}
			if after.Total != before.Total+1 {
				return fmt.Errorf("queue total moved from %d to %d, want +1", before.Total, after.Total)
			}
			s.logf("queue total %d -> %d, back to idle", before.Total, after.Total)
			return nil
		},
	},
}

func selectScenarios(names []string) ([]scenario, error) {
	if len(names) == 0 || (len(names) == 1 && strings.EqualFold(names[0], "all")) {
		return scenarios, nil
	}
	byName := make(map[string]scenario, len(scenarios))
	for _, sc := range scenarios {
		byName[sc.name] = sc
	}
	var out []scenario
	for _, n := range names {
		sc, ok := byName[strings.ToUpper(n)]
		if !ok {
			known := make([]string, 0, len(byName))
			for k := range byName {
				known = append(known, k)
			}
			sort.Strings(known)
			return nil, fmt.Errorf("unknown scenario %q (known: %s)", n, strings.Join(known, ", "))
		}
		out = append(out, sc)
	}
	return out, nil
}

// scenarioCmd represents the scenario command
var scenarioCmd = &cobra.Command{
	Use:   "scenario [A|B|C|D|E|all]...",
	Short: "Run end-to-end scenarios against a running server",
	Long: `Run the end-to-end acceptance scenarios against a running payhook
server. The payment API must accept the configured token (or run without
auth) and --secret must match the server's webhook secret.

  A  payment.created leaves a fresh transaction pending
  B  created, processing, success ends in success; a later failed is ignored
  C  a signature over a different payload is rejected with 401
  D  an event created ten minutes ago is rejected with 400
  E  an unknown transaction is retried, then dropped`,
	RunE: func(cmd *cobra.Command, args []string) error {
		selected, err := selectScenarios(args)
		if err != nil {
			return err
		}
		env := &scenarioEnv{log: cmd.OutOrStdout()}
		env.user, _ = cmd.Flags().GetString("user")
		env.maxWait, _ = cmd.Flags().GetDuration("wait")
		amount, _ := cmd.Flags().GetString("amount")
		if env.amount, err = decimal.NewFromString(amount); err != nil {
			return fmt.Errorf("invalid amount %q: %w", amount, err)
		}

		var failed []string
		for _, sc := range selected {
			fmt.Fprintf(env.log, "Scenario %s: %s\n", sc.name, sc.desc)
			if err := sc.run(cmd.Context(), env); err != nil {
				fmt.Fprintf(env.log, "  ✗ %v\n", err)
				failed = append(failed, sc.name)
				continue
			}
			fmt.Fprintln(env.log, "  ✓ passed")
		}
		if len(failed) > 0 {
			return fmt.Errorf("scenarios failed: %s", strings.Join(failed, ", "))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scenarioCmd)

	scenarioCmd.Flags().String("user", "user_scenario", "user id for created transactions")
	scenarioCmd.Flags().String("amount", "42.00", "amount for created transactions")
	scenarioCmd.Flags().Duration("wait", 30*time.Second, "maximum time to wait for the queue to drain")
}
