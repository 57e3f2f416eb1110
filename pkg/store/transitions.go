package store

import (
	"github.com/cuemby/nimbus/pkg/types"
)

// transitions is the instance lifecycle graph. A status change is legal
// only if listed here; TERMINATED is additionally reachable from any
// status through Remove.
var transitions = map[types.InstanceStatus][]types.InstanceStatus{
	types.InstanceCreating: {types.InstanceCreated, types.InstanceFailed},
	types.InstanceCreated:  {types.InstanceStarting, types.InstanceFailed},
	types.InstanceStarting: {types.InstanceRunning, types.InstanceFailed},
	types.InstanceRunning: {
		types.InstanceHealthChecking,
		types.InstanceStopping,
		types.InstanceExited,
		types.InstanceFailed,
	},
	types.InstanceHealthChecking: {
		types.InstanceReady,
		types.InstanceFailed,
		types.InstanceStopping,
	},
	types.InstanceReady: {
		types.InstanceStopping,
		types.InstanceExited,
		types.InstanceFailed,
	},
	types.InstanceStopping: {types.InstanceStopped, types.InstanceFailed},
	types.InstanceStopped:  {types.InstanceStarting, types.InstanceTerminated},
	types.InstanceExited:   {types.InstanceStarting, types.InstanceTerminated},
	types.InstanceFailed:   {},
	types.InstanceTerminated: {},
}

// CanTransition reports whether from → to is a legal status change. A
// no-op (from == to) is always allowed so idempotent updates pass.
func CanTransition(from, to types.InstanceStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status has no outgoing transitions
func Terminal(status types.InstanceStatus) bool {
	return len(transitions[status]) == 0
}
