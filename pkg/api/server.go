// Package api is the HTTP surface of the control plane: JWT-authenticated
// operator routes, the telemetry ingest endpoint, and the admission-gated
// intake routes.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/facturaops/guardrail/pkg/config"
	"github.com/facturaops/guardrail/pkg/contracts"
	"github.com/facturaops/guardrail/pkg/controller"
	"github.com/facturaops/guardrail/pkg/events"
	"github.com/facturaops/guardrail/pkg/gate"
	"github.com/facturaops/guardrail/pkg/guard"
	"github.com/facturaops/guardrail/pkg/override"
	"github.com/facturaops/guardrail/pkg/problem"
	"github.com/facturaops/guardrail/pkg/telemetry"
)

const maxBodyBytes = 1 << 20

// ServerOptions wires the server's collaborators.
type ServerOptions struct {
	Manager    *config.Manager
	Collector  *telemetry.Collector
	Overrides  *override.Registry
	Controller *controller.Controller
	Gate       *gate.Gate
	Guard      guard.Switch
	Events     events.Store
	Logger     *slog.Logger

	// Intake shaping. Limiter is optional; Rejections receives one call per
	// 429 served on the intake routes.
	Limiter       gate.LimiterStore
	LimiterPolicy gate.Policy
	Rejections    gate.RejectionCounter
}

// Server exposes the control plane over HTTP: telemetry ingest, operator
// overrides, status, the audit log, and config reload.
type Server struct {
	manager    *config.Manager
	collector  *telemetry.Collector
	overrides  *override.Registry
	controller *controller.Controller
	gate       *gate.Gate
	guard      guard.Switch
	events     events.Store
	exporter   *events.Exporter
	logger     *slog.Logger
	clock      func() time.Time

	limiter       gate.LimiterStore
	limiterPolicy gate.Policy
	rejections    gate.RejectionCounter
}

// NewServer validates the wiring and creates a server.
func NewServer(opts ServerOptions) (*Server, error) {
	switch {
	case opts.Manager == nil:
		return nil, errors.New("api: config manager is required")
	case opts.Collector == nil:
		return nil, errors.New("api: telemetry collector is required")
	case opts.Overrides == nil:
		return nil, errors.New("api: override registry is required")
	case opts.Controller == nil:
		return nil, errors.New("api: controller is required")
	case opts.Gate == nil:
		return nil, errors.New("api: admission gate is required")
	case opts.Guard == nil:
		return nil, errors.New("api: enforcement switch is required")
	case opts.Events == nil:
		return nil, errors.New("api: event store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager:    opts.Manager,
		collector:  opts.Collector,
		overrides:  opts.Overrides,
		controller: opts.Controller,
		gate:       opts.Gate,
		guard:      opts.Guard,
		events:     opts.Events,
		exporter:   events.NewExporter(opts.Events),
		logger:     logger.With("component", "api"),
		clock:      time.Now,

		limiter:       opts.Limiter,
		limiterPolicy: opts.LimiterPolicy,
		rejections:    opts.Rejections,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Server) WithClock(clock func() time.Time) *Server {
	s.clock = clock
	return s
}

// Handler builds the route table and wraps it in the given middlewares,
// outermost first.
func (s *Server) Handler(middlewares ...func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleReadiness)
	mux.HandleFunc("POST /v1/telemetry/samples", s.handleIngest)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/events/export", s.handleEventsExport)
	mux.HandleFunc("PUT /v1/overrides/{subsystem}", s.handleOverrideActivate)
	mux.HandleFunc("DELETE /v1/overrides/{subsystem}", s.handleOverrideDeactivate)
	mux.HandleFunc("POST /v1/config/reload", s.handleConfigReload)

	// One admission-gated intake route per configured subsystem. While the
	// gate rejects, these answer 429 with Retry-After; they never queue.
	for _, sub := range s.manager.Active().Config.Subsystems {
		gated := gate.Middleware(s.gate, sub.SubsystemID, s.limiter, s.limiterPolicy, s.rejections)
		mux.Handle("POST /v1/intake/"+sub.SubsystemID, gated(http.HandlerFunc(s.handleIntake)))
	}

	var h http.Handler = mux
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"state":  s.controller.State(),
	})
}

// handleIntake acknowledges an admitted job. The actual work is dispatched
// by the processing pipeline behind this endpoint; the control plane only
// decides admission.
func (s *Server) handleIntake(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": uuid.New().String(),
		"status": "accepted",
	})
}

type ingestRequest struct {
	Samples []telemetry.MetricSample `json:"samples"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		problem.WriteBadRequest(w, "Invalid request body")
		return
	}
	if len(req.Samples) == 0 {
		problem.WriteBadRequest(w, "At least one sample is required")
		return
	}

	now := s.clock()
	for i, sample := range req.Samples {
		if sample.SourceID == "" || sample.SubsystemID == "" || sample.Metric == "" {
			problem.WriteBadRequest(w, fmt.Sprintf("sample %d: source_id, subsystem_id, and metric are required", i))
			return
		}
		if sample.Timestamp.IsZero() {
			sample.Timestamp = now
		}
		s.collector.Ingest(sample)
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(req.Samples)})
}

type statusResponse struct {
	State         contracts.ControllerState `json:"state"`
	Enabled       bool                      `json:"enabled"`
	ConfigVersion uint64                    `json:"config_version"`
	SchemaVersion string                    `json:"schema_version"`
	LastTick      *controller.TickReport    `json:"last_tick,omitempty"`
	Enforcement   map[string]contracts.Mode `json:"enforcement"`
	Admission     map[string]contracts.Mode `json:"admission"`
	Overrides     []override.Entry          `json:"overrides"`
	ChainHead     string                    `json:"chain_head"`
	EventCount    int                       `json:"event_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.manager.Active()

	enforcement := make(map[string]contracts.Mode, len(snap.Config.Subsystems))
	for _, sub := range snap.Config.Subsystems {
		enforcement[sub.SubsystemID] = s.guard.Mode(sub.SubsystemID)
	}

	writeJSON(w, http.StatusOK, statusResponse{
		State:         s.controller.State(),
		Enabled:       snap.Config.Enabled,
		ConfigVersion: snap.Version,
		SchemaVersion: snap.Config.SchemaVersion,
		LastTick:      s.controller.LastReport(),
		Enforcement:   enforcement,
		Admission:     s.gate.Modes(),
		Overrides:     s.overrides.Snapshot(),
		ChainHead:     s.events.Head(),
		EventCount:    s.events.Size(),
	})
}

func eventFilterFrom(r *http.Request) (events.Filter, error) {
	q := r.URL.Query()
	filter := events.Filter{
		Kind:        events.Kind(q.Get("kind")),
		SubsystemID: q.Get("subsystem_id"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return filter, fmt.Errorf("limit must be a non-negative integer")
		}
		filter.Limit = limit
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("since must be RFC 3339")
		}
		filter.Since = since
	}
	if v := q.Get("until"); v != "" {
		until, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("until must be RFC 3339")
		}
		filter.Until = until
	}
	return filter, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilterFrom(r)
	if err != nil {
		problem.WriteBadRequest(w, err.Error())
		return
	}
	entries, err := s.events.Query(filter)
	if err != nil {
		problem.WriteInternal(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": entries,
		"count":  len(entries),
	})
}

func (s *Server) handleEventsExport(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilterFrom(r)
	if err != nil {
		problem.WriteBadRequest(w, err.Error())
		return
	}
	pack, manifest, err := s.exporter.GeneratePack(filter)
	if err != nil {
		if errors.Is(err, events.ErrChainBroken) {
			problem.WriteInternal(w, s.logger, err)
			return
		}
		problem.WriteNotFound(w, "No audit entries match the export filter")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "evidence-"+manifest.PackID+".zip"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pack)
}

type overrideRequest struct {
	Authority string `json:"authority"`
	Reason    string `json:"reason"`
}

func parseAuthority(s string) (contracts.Authority, error) {
	switch a := contracts.Authority(s); a {
	case contracts.AuthorityKillSwitch, contracts.AuthorityManualOverride:
		return a, nil
	}
	return "", fmt.Errorf("authority must be %s or %s",
		contracts.AuthorityKillSwitch, contracts.AuthorityManualOverride)
}

func (s *Server) handleOverrideActivate(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireOperator(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		problem.WriteBadRequest(w, "Invalid request body")
		return
	}
	authority, err := parseAuthority(req.Authority)
	if err != nil {
		problem.WriteBadRequest(w, err.Error())
		return
	}
	if req.Reason == "" {
		problem.WriteBadRequest(w, "A reason is required for every override")
		return
	}

	subsystemID := r.PathValue("subsystem")
	if err := s.overrides.Activate(subsystemID, authority, actor.ID, req.Reason); err != nil {
		problem.WriteBadRequest(w, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOverrideDeactivate(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireOperator(w, r)
	if !ok {
		return
	}

	authorityParam := r.URL.Query().Get("authority")
	if authorityParam == "" {
		authorityParam = string(contracts.AuthorityManualOverride)
	}
	authority, err := parseAuthority(authorityParam)
	if err != nil {
		problem.WriteBadRequest(w, err.Error())
		return
	}

	subsystemID := r.PathValue("subsystem")
	if err := s.overrides.Deactivate(subsystemID, authority, actor.ID); err != nil {
		if errors.Is(err, override.ErrNotActive) {
			problem.WriteNotFound(w, "No such active override")
			return
		}
		problem.WriteInternal(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireOperator(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		problem.WriteBadRequest(w, "Invalid request body")
		return
	}

	candidate, err := config.Parse(data)
	if err != nil {
		problem.WriteBadRequest(w, err.Error())
		return
	}
	if err := s.manager.Propose(candidate, actor.ID); err != nil {
		problem.WriteBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "staged",
		"detail": "the candidate takes effect at the next tick boundary",
	})
}

// requireOperator enforces the operator role on mutating routes.
func requireOperator(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	actor, ok := ActorFrom(r.Context())
	if !ok {
		problem.WriteUnauthorized(w, "")
		return Actor{}, false
	}
	if !actor.HasRole(RoleOperator) {
		problem.Write(w, http.StatusForbidden, "Forbidden", "forbidden",
			"The operator role is required for this action")
		return Actor{}, false
	}
	return actor, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
