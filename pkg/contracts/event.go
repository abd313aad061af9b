package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// ControlDecisionEvent is the immutable audit record for one committed mode
// transition. Exactly one event exists per transition, and no event exists
// without one. Events are never mutated or deleted after creation; the
// event stream is the permanent audit log.
type ControlDecisionEvent struct {
	EventID       string         `json:"event_id"`
	CorrelationID string         `json:"correlation_id"`
	Reason        DecisionReason `json:"reason"`
	PreviousMode  Mode           `json:"previous_mode"`
	NewMode       Mode           `json:"new_mode"`
	SubsystemID   string         `json:"subsystem_id"`
	TransitionAt  time.Time      `json:"transition_timestamp"`
	TriggerMetric string         `json:"trigger_metric"`
	TriggerValue  float64        `json:"trigger_value"`
	Threshold     float64        `json:"threshold"`
	BurnRate      float64        `json:"burn_rate"`
	Actor         string         `json:"actor"`
}

// ContentHash returns the SHA-256 of the RFC 8785 canonical JSON form of the
// event, so two stores holding the same event agree on its identity.
func (e ControlDecisionEvent) ContentHash() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("contracts: marshal event: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("contracts: canonicalize event: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Validate checks that the event describes a real transition.
func (e ControlDecisionEvent) Validate() error {
	if e.EventID == "" || e.CorrelationID == "" {
		return fmt.Errorf("contracts: event requires event_id and correlation_id")
	}
	if e.SubsystemID == "" {
		return fmt.Errorf("contracts: event requires subsystem_id")
	}
	if e.PreviousMode == e.NewMode {
		return fmt.Errorf("contracts: event must describe a mode change, got %s -> %s", e.PreviousMode, e.NewMode)
	}
	if !e.Reason.Valid() {
		return fmt.Errorf("contracts: reason %q outside closed set", e.Reason)
	}
	return nil
}
