package events

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/facturaops/guardrail/pkg/config"
	"github.com/facturaops/guardrail/pkg/contracts"
	"github.com/facturaops/guardrail/pkg/override"
)

// Recorder turns control-plane happenings into audit entries plus one
// structured log line each. It backs every auditor seam in the repo: the
// config manager, the override registry, and the controller's transition
// path all write through here.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a recorder over the given store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Store exposes the underlying chain for the status and export paths.
func (r *Recorder) Store() Store { return r.store }

// RecordTransition builds and appends the ControlDecisionEvent for one
// committed transition. Called exactly once per transition, after the mode
// change is applied. A failed append is a hard error: the caller must treat
// the tick as failed.
func (r *Recorder) RecordTransition(signal contracts.ControlSignal, previous, next contracts.Mode, reason contracts.DecisionReason, burnRate float64, actor string, at time.Time) (*contracts.ControlDecisionEvent, error) {
	event := contracts.ControlDecisionEvent{
		EventID:       uuid.New().String(),
		CorrelationID: signal.CorrelationID,
		Reason:        reason,
		PreviousMode:  previous,
		NewMode:       next,
		SubsystemID:   signal.SubsystemID,
		TransitionAt:  at.UTC(),
		TriggerMetric: signal.MetricName,
		TriggerValue:  signal.TriggerValue,
		Threshold:     signal.Threshold,
		BurnRate:      burnRate,
		Actor:         actor,
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAppendFailed, err)
	}

	entry, err := r.store.Append(KindTransition, signal.SubsystemID, event, at)
	if err != nil {
		return nil, fmt.Errorf("%w: transition for %s: %w", ErrAppendFailed, signal.SubsystemID, err)
	}

	contentHash, err := event.ContentHash()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAppendFailed, err)
	}
	r.logger.Info("control decision event",
		"event_id", event.EventID,
		"correlation_id", event.CorrelationID,
		"signal_type", signal.Type,
		"subsystem_id", event.SubsystemID,
		"previous_mode", event.PreviousMode,
		"new_mode", event.NewMode,
		"reason", event.Reason,
		"trigger_metric", event.TriggerMetric,
		"trigger_value", event.TriggerValue,
		"threshold", event.Threshold,
		"burn_rate", event.BurnRate,
		"actor", event.Actor,
		"content_hash", contentHash,
		"entry_hash", entry.EntryHash,
	)
	return &event, nil
}

// RecordConfigChange implements config.ChangeAuditor. The payload holds the
// full old and new values so the audit trail can reconstruct any past
// configuration.
func (r *Recorder) RecordConfigChange(previous, next *config.Config, actor string, at time.Time) error {
	payload := struct {
		Previous *config.Config `json:"previous"`
		Next     *config.Config `json:"next"`
		Actor    string         `json:"actor"`
	}{previous, next, actor}

	entry, err := r.store.Append(KindConfigChange, "", payload, at)
	if err != nil {
		return fmt.Errorf("%w: config change: %w", ErrAppendFailed, err)
	}
	r.logger.Info("config change recorded",
		"actor", actor,
		"previous_schema_version", previous.SchemaVersion,
		"next_schema_version", next.SchemaVersion,
		"entry_hash", entry.EntryHash,
	)
	return nil
}

// RecordOverride implements override.Auditor.
func (r *Recorder) RecordOverride(entry override.Entry, action string, at time.Time) error {
	payload := struct {
		override.Entry
		Action string `json:"action"`
	}{entry, action}

	stored, err := r.store.Append(KindOverride, entry.SubsystemID, payload, at)
	if err != nil {
		return fmt.Errorf("%w: override %s: %w", ErrAppendFailed, action, err)
	}
	r.logger.Info("override recorded",
		"action", action,
		"authority", entry.Authority,
		"subsystem_id", entry.SubsystemID,
		"actor", entry.Actor,
		"entry_hash", stored.EntryHash,
	)
	return nil
}

// RecordBudgetReset audits an explicit budget reset triggered by a config
// change. Rolling decay is not a reset and is not audited.
func (r *Recorder) RecordBudgetReset(subsystemID, actor string, at time.Time) error {
	payload := struct {
		SubsystemID string `json:"subsystem_id"`
		Actor       string `json:"actor"`
	}{subsystemID, actor}

	if _, err := r.store.Append(KindBudgetReset, subsystemID, payload, at); err != nil {
		return fmt.Errorf("%w: budget reset for %s: %w", ErrAppendFailed, subsystemID, err)
	}
	r.logger.Info("budget reset recorded", "subsystem_id", subsystemID, "actor", actor)
	return nil
}

// RecordFailsafe audits a controller state change and emits the structured
// failure line operators alert on.
func (r *Recorder) RecordFailsafe(component, reason string, prior, next contracts.ControllerState, correlationID string, at time.Time) error {
	payload := struct {
		Component     string                    `json:"component"`
		Reason        string                    `json:"reason"`
		PriorState    contracts.ControllerState `json:"prior_state"`
		NewState      contracts.ControllerState `json:"new_state"`
		CorrelationID string                    `json:"correlation_id"`
	}{component, reason, prior, next, correlationID}

	entry, err := r.store.Append(KindFailsafe, "", payload, at)
	if err != nil {
		return fmt.Errorf("%w: failsafe transition: %w", ErrAppendFailed, err)
	}
	r.logger.Error("controller state transition",
		"component", component,
		"reason", reason,
		"prior_state", prior,
		"new_state", next,
		"correlation_id", correlationID,
		"entry_hash", entry.EntryHash,
	)
	return nil
}
