package gate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturaops/guardrail/pkg/contracts"
	"github.com/facturaops/guardrail/pkg/problem"
)

func TestGateDefaultsToAccepting(t *testing.T) {
	g := NewGate(2 * time.Minute)
	assert.True(t, g.Accepting("invoice-extraction"))
	assert.Equal(t, contracts.ModeAccepting, g.Mode("invoice-extraction"))
}

func TestGateFlipsPerSubsystem(t *testing.T) {
	g := NewGate(2 * time.Minute)
	g.SetAccepting("invoice-extraction", false)

	assert.False(t, g.Accepting("invoice-extraction"))
	assert.True(t, g.Accepting("pdf-render"))

	g.SetAccepting("invoice-extraction", true)
	assert.True(t, g.Accepting("invoice-extraction"))
}

func TestRetryAfterFloor(t *testing.T) {
	assert.Equal(t, 120, NewGate(2*time.Minute).RetryAfter())
	assert.Equal(t, 1, NewGate(0).RetryAfter())
}

type countingRejections struct {
	backpressure atomic.Int64
	rateLimited  atomic.Int64
}

func (c *countingRejections) AdmissionRejected(reason string) {
	switch reason {
	case ReasonBackpressure:
		c.backpressure.Add(1)
	default:
		c.rateLimited.Add(1)
	}
}

func TestMiddlewareRejectsWhileBackpressureActive(t *testing.T) {
	g := NewGate(2 * time.Minute)
	g.SetAccepting("invoice-extraction", false)
	counter := &countingRejections{}

	admitted := 0
	handler := Middleware(g, "invoice-extraction", nil, Policy{}, counter)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			admitted++
			w.WriteHeader(http.StatusAccepted)
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/invoices", nil))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "120", rec.Header().Get("Retry-After"))
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Zero(t, admitted, "rejected work is never forwarded")
	assert.Equal(t, int64(1), counter.backpressure.Load())

	var body problem.Detail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "backpressure_active", body.Code)
	assert.Equal(t, http.StatusTooManyRequests, body.Status)
}

func TestMiddlewareAdmitsWhileAccepting(t *testing.T) {
	g := NewGate(2 * time.Minute)
	handler := Middleware(g, "invoice-extraction", nil, Policy{}, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/invoices", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMiddlewareRateLimitsWhileAccepting(t *testing.T) {
	g := NewGate(2 * time.Minute)
	store := NewMemoryLimiterStore()
	counter := &countingRejections{}
	handler := Middleware(g, "invoice-extraction", store, Policy{RPS: 1, Burst: 2}, counter)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/invoices", nil)
		req.Header.Set("X-Actor-ID", "acme/uploader")
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusAccepted, http.StatusAccepted, http.StatusTooManyRequests}, codes)
	assert.Equal(t, int64(1), counter.rateLimited.Load())
}

func TestMemoryLimiterIsolatesActors(t *testing.T) {
	store := NewMemoryLimiterStore()
	policy := Policy{RPS: 1, Burst: 1}

	ok, err := store.Allow(context.Background(), "actor-a", policy, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Allow(context.Background(), "actor-a", policy, 1)
	require.NoError(t, err)
	assert.False(t, ok, "actor-a's bucket is drained")

	ok, err = store.Allow(context.Background(), "actor-b", policy, 1)
	require.NoError(t, err)
	assert.True(t, ok, "actor-b has its own bucket")
}
