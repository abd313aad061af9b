package contracts

// Mode is the externally observable state of a controlled subsystem.
// Enforcement-mode switches move between ENFORCE and SHADOW; the
// job-acceptance gate moves between ACCEPTING and REJECTING.
type Mode string

const (
	ModeEnforce   Mode = "ENFORCE"
	ModeShadow    Mode = "SHADOW"
	ModeAccepting Mode = "ACCEPTING"
	ModeRejecting Mode = "REJECTING"
)

// IsEnforcement reports whether the mode belongs to the enforcement switch.
func (m Mode) IsEnforcement() bool {
	return m == ModeEnforce || m == ModeShadow
}

// IsAdmission reports whether the mode belongs to the job-acceptance gate.
func (m Mode) IsAdmission() bool {
	return m == ModeAccepting || m == ModeRejecting
}

// ControllerState is the orchestrator's own state machine.
type ControllerState string

const (
	StateRunning   ControllerState = "RUNNING"
	StateFailsafe  ControllerState = "FAILSAFE"
	StateSuspended ControllerState = "SUSPENDED"
)

// Authority names who asserted a suppression over a subsystem.
type Authority string

const (
	AuthorityKillSwitch     Authority = "KILL_SWITCH"
	AuthorityManualOverride Authority = "MANUAL_OVERRIDE"
)

// LadderPriority maps an authority onto the arbitration ladder.
func (a Authority) LadderPriority() Priority {
	if a == AuthorityKillSwitch {
		return PriorityKillSwitch
	}
	return PriorityManualOverride
}
