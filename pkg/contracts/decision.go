package contracts

// DecisionOutcome is the per-tick outcome label. Closed set, used directly
// as a metric label so cardinality stays bounded.
type DecisionOutcome string

const (
	OutcomePass DecisionOutcome = "PASS"
	OutcomeHold DecisionOutcome = "HOLD"
	OutcomeNoop DecisionOutcome = "NOOP"
)

// DecisionReason is the closed reason vocabulary. Tenant identifiers are
// never reasons and never metric labels.
type DecisionReason string

const (
	ReasonBudgetExhausted       DecisionReason = "budget_exhausted"
	ReasonLatencyExceeded       DecisionReason = "latency_exceeded"
	ReasonQueueDepthExceeded    DecisionReason = "queue_depth_exceeded"
	ReasonBackpressureActive    DecisionReason = "backpressure_active"
	ReasonTelemetryInsufficient DecisionReason = "telemetry_insufficient"
	ReasonKillswitchActive      DecisionReason = "killswitch_active"
	ReasonDisabled              DecisionReason = "disabled"
	ReasonNormal                DecisionReason = "normal"
)

// Valid reports whether the reason is in the closed set.
func (r DecisionReason) Valid() bool {
	switch r {
	case ReasonBudgetExhausted, ReasonLatencyExceeded, ReasonQueueDepthExceeded,
		ReasonBackpressureActive, ReasonTelemetryInsufficient,
		ReasonKillswitchActive, ReasonDisabled, ReasonNormal:
		return true
	}
	return false
}
