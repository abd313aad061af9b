package hysteresis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturaops/guardrail/pkg/contracts"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func adaptive(subsystem string, typ contracts.SignalType) contracts.ControlSignal {
	return contracts.ControlSignal{
		Type:        typ,
		SubsystemID: subsystem,
		MetricName:  "latency_ms",
		Priority:    contracts.PriorityAdaptive,
		Timestamp:   t0,
	}
}

func newFilter() *Filter {
	return NewFilter(60*time.Second, 120*time.Second, 10*time.Minute, 4, nil)
}

func TestApplyPassesFirstSignal(t *testing.T) {
	f := newFilter()
	kept, dropped := f.Apply([]contracts.ControlSignal{
		adaptive("invoice-extraction", contracts.SignalSwitchToShadow),
	}, t0)
	assert.Len(t, kept, 1)
	assert.Empty(t, dropped)
}

func TestApplyDropsWithinDwell(t *testing.T) {
	f := newFilter()
	f.Commit("invoice-extraction", contracts.ModeEnforce, contracts.ModeShadow, t0)

	kept, dropped := f.Apply([]contracts.ControlSignal{
		adaptive("invoice-extraction", contracts.SignalRestoreEnforce),
	}, t0.Add(30*time.Second))
	assert.Empty(t, kept)
	require.Len(t, dropped, 1)
	assert.Equal(t, DropDwell, dropped[0].Reason)

	// After the dwell has elapsed the same signal passes.
	kept, dropped = f.Apply([]contracts.ControlSignal{
		adaptive("invoice-extraction", contracts.SignalRestoreEnforce),
	}, t0.Add(61*time.Second))
	assert.Len(t, kept, 1)
	assert.Empty(t, dropped)
}

func TestApplyDropsWithinCooldown(t *testing.T) {
	f := newFilter()
	kept, _ := f.Apply([]contracts.ControlSignal{
		adaptive("invoice-extraction", contracts.SignalSwitchToShadow),
	}, t0)
	require.Len(t, kept, 1)

	// No transition was committed, so only the cooldown clock applies.
	kept, dropped := f.Apply([]contracts.ControlSignal{
		adaptive("invoice-extraction", contracts.SignalSwitchToShadow),
	}, t0.Add(90*time.Second))
	assert.Empty(t, kept)
	require.Len(t, dropped, 1)
	assert.Equal(t, DropCooldown, dropped[0].Reason)
}

func TestApplyDropsNeverDelay(t *testing.T) {
	f := newFilter()
	f.Commit("invoice-extraction", contracts.ModeEnforce, contracts.ModeShadow, t0)

	_, dropped := f.Apply([]contracts.ControlSignal{
		adaptive("invoice-extraction", contracts.SignalRestoreEnforce),
	}, t0.Add(time.Second))
	require.Len(t, dropped, 1)

	// The dropped signal is gone: nothing is replayed once clocks elapse.
	kept, dropped := f.Apply(nil, t0.Add(time.Hour))
	assert.Empty(t, kept)
	assert.Empty(t, dropped)
}

func TestDampingHasNoPriorityPath(t *testing.T) {
	f := newFilter()
	f.Commit("invoice-extraction", contracts.ModeEnforce, contracts.ModeShadow, t0)

	// Dwell and cooldown apply regardless of the signal's priority. Operator
	// actions take effect through the override registry, never through the
	// filter.
	for _, priority := range []contracts.Priority{
		contracts.PriorityKillSwitch,
		contracts.PriorityManualOverride,
		contracts.PriorityAdaptive,
	} {
		sig := adaptive("invoice-extraction", contracts.SignalStopAcceptingJobs)
		sig.Priority = priority

		kept, dropped := f.Apply([]contracts.ControlSignal{sig}, t0.Add(time.Second))
		assert.Empty(t, kept, "priority %d must not bypass dwell", priority)
		require.Len(t, dropped, 1)
		assert.Equal(t, DropDwell, dropped[0].Reason)
	}
}

func TestApplyScopesPerSubsystem(t *testing.T) {
	f := newFilter()
	f.Commit("invoice-extraction", contracts.ModeEnforce, contracts.ModeShadow, t0)

	kept, dropped := f.Apply([]contracts.ControlSignal{
		adaptive("invoice-extraction", contracts.SignalRestoreEnforce),
		adaptive("pdf-render", contracts.SignalSwitchToShadow),
	}, t0.Add(time.Second))
	require.Len(t, kept, 1)
	assert.Equal(t, "pdf-render", kept[0].SubsystemID)
	require.Len(t, dropped, 1)
	assert.Equal(t, "invoice-extraction", dropped[0].Signal.SubsystemID)
}

func TestDwellElapsed(t *testing.T) {
	f := newFilter()
	assert.True(t, f.DwellElapsed("invoice-extraction", t0), "no history means no dwell constraint")

	f.Commit("invoice-extraction", contracts.ModeEnforce, contracts.ModeShadow, t0)
	assert.False(t, f.DwellElapsed("invoice-extraction", t0.Add(30*time.Second)))
	assert.True(t, f.DwellElapsed("invoice-extraction", t0.Add(60*time.Second)))
}

func TestDetectOscillation(t *testing.T) {
	f := newFilter()
	modes := []contracts.Mode{contracts.ModeShadow, contracts.ModeEnforce}
	for i := 0; i < 4; i++ {
		f.Commit("invoice-extraction", modes[(i+1)%2], modes[i%2], t0.Add(time.Duration(i)*time.Minute))
	}

	assert.True(t, f.DetectOscillation("invoice-extraction", t0.Add(4*time.Minute)))
	assert.False(t, f.DetectOscillation("pdf-render", t0.Add(4*time.Minute)))
	assert.False(t, f.DetectOscillation("invoice-extraction", t0.Add(30*time.Minute)),
		"transitions outside the window do not count")
}

func TestHistoryIsBounded(t *testing.T) {
	f := newFilter()
	for i := 0; i < maxHistory+10; i++ {
		f.Commit("invoice-extraction", contracts.ModeEnforce, contracts.ModeShadow, t0.Add(time.Duration(i)*time.Second))
	}
	assert.Len(t, f.History("invoice-extraction"), maxHistory)
}
