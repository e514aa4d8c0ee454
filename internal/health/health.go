package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const DefaultTimeout = time.Second

// Pinger is satisfied by the transaction stores, the dedupe ledgers and
// *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is one named dependency probe.
type Check struct {
	Name   string
	Pinger Pinger
}

type Status struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
	Queue   any             `json:"queue,omitempty"`
}

// HTTPHandler returns an HTTP handler that pings every check and reports
// 503 when any of them fails. queue, if set, adds a snapshot to the body.
func HTTPHandler(checks []Check, queue func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Evaluate(r.Context(), checks)
		if queue != nil {
			st.Queue = queue()
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Evaluate pings each check with DefaultTimeout.
func Evaluate(ctx context.Context, checks []Check) Status {
	st := Status{OK: true, Message: "ok"}
	if len(checks) > 0 {
		st.Checks = make(map[string]bool, len(checks))
	}
	for _, c := range checks {
		if c.Pinger == nil {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
		err := c.Pinger.Ping(pctx)
		cancel()

		st.Checks[c.Name] = err == nil
		if err != nil {
			st.OK = false
			st.Message = c.Name + " ping failed"
		}
	}
	return st
}
