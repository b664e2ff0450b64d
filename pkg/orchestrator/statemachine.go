package orchestrator

import (
	"fmt"

	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/types"
)

// transitions is the safe-apply state machine. The shape encodes the core
// safety rule: the only way to reach the destructive phases is through
// BackingUp, and once ScalingDown is entered the run can no longer abort.
var transitions = map[types.Phase][]types.Phase{
	types.PhaseIdle:         {types.PhaseDiffing},
	types.PhaseDiffing:      {types.PhaseFastApplying, types.PhaseBackingUp, types.PhaseScalingDown, types.PhaseRecreating, types.PhaseDone},
	types.PhaseFastApplying: {types.PhaseVerifying, types.PhaseDone},
	types.PhaseBackingUp:    {types.PhaseScalingDown, types.PhaseDone},
	types.PhaseScalingDown:  {types.PhaseDeleting, types.PhaseDone},
	types.PhaseDeleting:     {types.PhaseRecreating, types.PhaseDone},
	types.PhaseRecreating:   {types.PhaseVerifying, types.PhaseDone},
	types.PhaseVerifying:    {types.PhaseRestoring, types.PhaseVerifying, types.PhaseDone},
	types.PhaseRestoring:    {types.PhaseVerifying, types.PhaseDone},
	types.PhaseDone:         {},
}

// destructive marks the phases after which data availability may already be
// affected. A run that has entered any of these can only end Succeeded or
// Degraded, never Failed.
var destructive = map[types.Phase]bool{
	types.PhaseScalingDown: true,
	types.PhaseDeleting:    true,
	types.PhaseRecreating:  true,
	types.PhaseRestoring:   true,
}

// machine tracks the current phase of one run and rejects transitions the
// table does not allow.
type machine struct {
	current types.Phase
	reached bool // a destructive phase was entered
}

func newMachine() *machine {
	return &machine{current: types.PhaseIdle}
}

func (m *machine) step(to types.Phase) error {
	for _, allowed := range transitions[m.current] {
		if allowed == to {
			m.current = to
			if destructive[to] {
				m.reached = true
			}
			return nil
		}
	}
	return fmt.Errorf("illegal phase transition %s -> %s", m.current, to)
}

// destructiveReached reports whether the run has passed the point of no
// return.
func (m *machine) destructiveReached() bool {
	return m.reached
}
