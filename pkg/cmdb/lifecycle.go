package cmdb

import "fmt"

// LifecycleState is the position of a CI in its lifecycle.
type LifecycleState string

const (
	LifecyclePlanned       LifecycleState = "planned"
	LifecycleOrdered       LifecycleState = "ordered"
	LifecycleInDevelopment LifecycleState = "in-development"
	LifecycleInTesting     LifecycleState = "in-testing"
	LifecycleProduction    LifecycleState = "production"
	LifecycleMaintenance   LifecycleState = "maintenance"
	LifecycleDeprecated    LifecycleState = "deprecated"
	LifecycleRetired       LifecycleState = "retired"
	LifecycleArchived      LifecycleState = "archived"
)

// lifecycleOrder ranks states for forward moves.
var lifecycleOrder = map[LifecycleState]int{
	LifecyclePlanned:       0,
	LifecycleOrdered:       1,
	LifecycleInDevelopment: 2,
	LifecycleInTesting:     3,
	LifecycleProduction:    4,
	LifecycleMaintenance:   5,
	LifecycleDeprecated:    6,
	LifecycleRetired:       7,
	LifecycleArchived:      8,
}

// Administrative rollbacks.
var lifecycleRollbacks = map[LifecycleState][]LifecycleState{
	LifecycleMaintenance: {LifecycleProduction},
	LifecycleInTesting:   {LifecycleInDevelopment},
	LifecycleDeprecated:  {LifecycleProduction, LifecycleMaintenance},
}

// Valid reports whether s is a known lifecycle state.
func (s LifecycleState) Valid() bool {
	_, ok := lifecycleOrder[s]
	return ok
}

// Terminal reports whether no move out of s exists.
func (s LifecycleState) Terminal() bool { return s == LifecycleArchived }

// CanTransition reports whether a CI may move from one lifecycle state to another.
func CanTransition(from, to LifecycleState) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	switch from {
	case LifecycleArchived:
		return false
	case LifecycleRetired:
		return to == LifecycleArchived
	}
	if lifecycleOrder[to] > lifecycleOrder[from] {
		return true
	}
	for _, back := range lifecycleRollbacks[from] {
		if back == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition when CanTransition is false.
func CheckTransition(from, to LifecycleState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: lifecycle %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
