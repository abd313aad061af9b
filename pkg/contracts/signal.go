// Package contracts defines the closed control-signal vocabulary and the
// immutable value objects shared across the control plane. The enumerations
// here are intentionally closed: nothing extends them at runtime, and every
// consumer is expected to treat an unknown value as a defect.
package contracts

import (
	"errors"
	"fmt"
	"time"
)

// SignalType identifies one of the four control signals the plane may emit.
type SignalType string

// The complete signal vocabulary. There is no fifth signal.
const (
	SignalSwitchToShadow      SignalType = "SWITCH_TO_SHADOW"
	SignalRestoreEnforce      SignalType = "RESTORE_ENFORCE"
	SignalStopAcceptingJobs   SignalType = "STOP_ACCEPTING_JOBS"
	SignalResumeAcceptingJobs SignalType = "RESUME_ACCEPTING_JOBS"
)

// ErrUnknownSignalType is returned for any value outside the closed set.
var ErrUnknownSignalType = errors.New("contracts: unknown signal type")

// ParseSignalType validates a wire value against the closed set.
func ParseSignalType(s string) (SignalType, error) {
	switch t := SignalType(s); t {
	case SignalSwitchToShadow, SignalRestoreEnforce,
		SignalStopAcceptingJobs, SignalResumeAcceptingJobs:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSignalType, s)
}

// Valid reports whether the signal type is in the closed set.
func (t SignalType) Valid() bool {
	_, err := ParseSignalType(string(t))
	return err == nil
}

// TargetMode returns the mode a subsystem ends up in after the signal is
// applied.
func (t SignalType) TargetMode() Mode {
	switch t {
	case SignalSwitchToShadow:
		return ModeShadow
	case SignalRestoreEnforce:
		return ModeEnforce
	case SignalStopAcceptingJobs:
		return ModeRejecting
	case SignalResumeAcceptingJobs:
		return ModeAccepting
	}
	return ""
}

// Priority is the fixed authority ladder used to arbitrate conflicting
// signals. Lower values carry more authority.
type Priority int

const (
	PriorityKillSwitch     Priority = 1
	PriorityManualOverride Priority = 2
	PriorityAdaptive       Priority = 3
	PriorityDefaultConfig  Priority = 4
)

// Valid reports whether the priority is one of the four ladder rungs.
func (p Priority) Valid() bool {
	return p >= PriorityKillSwitch && p <= PriorityDefaultConfig
}

// ControlSignal is an immutable candidate action for one subsystem. Once
// constructed it is passed by value and never mutated.
type ControlSignal struct {
	Type          SignalType `json:"signal_type"`
	SubsystemID   string     `json:"subsystem_id"`
	MetricName    string     `json:"metric_name"`
	TenantID      string     `json:"tenant_id"`
	TriggerValue  float64    `json:"trigger_value"`
	Threshold     float64    `json:"threshold"`
	Priority      Priority   `json:"priority"`
	CorrelationID string     `json:"correlation_id"`
	Timestamp     time.Time  `json:"timestamp"`
}

// Validate checks the structural invariants of a signal.
func (s ControlSignal) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownSignalType, s.Type)
	}
	if s.SubsystemID == "" {
		return errors.New("contracts: signal requires subsystem_id")
	}
	if !s.Priority.Valid() {
		return fmt.Errorf("contracts: priority %d outside ladder", s.Priority)
	}
	if s.CorrelationID == "" {
		return errors.New("contracts: signal requires correlation_id")
	}
	return nil
}

// Less defines the total order used for deterministic arbitration:
// priority first, then lexicographic (subsystem_id, metric_name, tenant_id).
func (s ControlSignal) Less(o ControlSignal) bool {
	if s.Priority != o.Priority {
		return s.Priority < o.Priority
	}
	if s.SubsystemID != o.SubsystemID {
		return s.SubsystemID < o.SubsystemID
	}
	if s.MetricName != o.MetricName {
		return s.MetricName < o.MetricName
	}
	return s.TenantID < o.TenantID
}
