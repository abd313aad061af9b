package gate

import (
	"net/http"

	"github.com/facturaops/guardrail/pkg/problem"
)

// RejectionCounter is notified once per rejected admission, keyed by the
// closed reason code.
type RejectionCounter interface {
	AdmissionRejected(reason string)
}

type nopCounter struct{}

func (nopCounter) AdmissionRejected(string) {}

// Middleware guards one subsystem's intake routes. While the gate rejects,
// every new admission gets a 429 with Retry-After and the stable
// backpressure code, synchronously; nothing is queued for later. While
// accepting, the ordinary per-actor limiter still applies.
func Middleware(g *Gate, subsystemID string, store LimiterStore, policy Policy, counter RejectionCounter) func(http.Handler) http.Handler {
	if counter == nil {
		counter = nopCounter{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.Accepting(subsystemID) {
				counter.AdmissionRejected(ReasonBackpressure)
				problem.WriteTooManyRequests(w, g.RetryAfter(), ReasonBackpressure,
					"New work is not being accepted. Retry after the specified interval.")
				return
			}

			if store != nil {
				actorID := r.RemoteAddr
				if actor := r.Header.Get("X-Actor-ID"); actor != "" {
					actorID = actor
				}
				allowed, err := store.Allow(r.Context(), actorID, policy, 1)
				if err != nil {
					// Fail open on limiter errors: backpressure is the
					// gate's job, the limiter only shapes bursts.
					next.ServeHTTP(w, r)
					return
				}
				if !allowed {
					counter.AdmissionRejected("rate_limited")
					problem.WriteTooManyRequests(w, 1, "rate_limited",
						"Rate limit exceeded. Retry after the specified interval.")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
