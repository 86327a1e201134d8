package models

import "time"

// Node is one level of the experiment hierarchy. The hierarchy is closed at
// four levels (Run, ReplicateGroup, Sweep, Trial), so consumers switch on the
// concrete type rather than extending this interface.
type Node interface {
	// NodeID returns the entity's registry id.
	NodeID() int64
	// MemberCount returns the number of direct members (1 for a Run).
	MemberCount() int
}

// Run is a single execution of the simulation engine with a fully resolved
// configuration. Status is mutated only by the process runner.
type Run struct {
	ID        int64
	Inputs    InputIdentity
	Variation VariationIndex
	Status    Status
}

func (r *Run) NodeID() int64    { return r.ID }
func (r *Run) MemberCount() int { return 1 }

// ReplicateGroup is a set of Runs sharing identical inputs and variation,
// differing only by stochastic seed. Its identity is the unique
// (inputs, variation) combination.
type ReplicateGroup struct {
	ID        int64
	Inputs    InputIdentity
	Variation VariationIndex
	RunIDs    []int64
}

func (g *ReplicateGroup) NodeID() int64    { return g.ID }
func (g *ReplicateGroup) MemberCount() int { return len(g.RunIDs) }

// Sweep is a parameter sweep: a set of ReplicateGroups sharing the same
// inputs but differing variation indices. Identity is resolved by set
// equality of member group ids among sweeps with the same inputs.
type Sweep struct {
	ID         int64
	Inputs     InputIdentity
	GroupIDs   []int64
	Variations []VariationIndex
}

func (s *Sweep) NodeID() int64    { return s.ID }
func (s *Sweep) MemberCount() int { return len(s.GroupIDs) }

// Trial is a multi-experiment container: a set of Sweeps, possibly with
// entirely different inputs. Identity is resolved by set equality of member
// sweep ids.
type Trial struct {
	ID        int64
	SweepIDs  []int64
	CreatedAt time.Time
}

func (t *Trial) NodeID() int64    { return t.ID }
func (t *Trial) MemberCount() int { return len(t.SweepIDs) }
