package models

import "fmt"

// Slot identifies one category of input folder consumed by the simulation
// engine. Each slot has its own folder registry in the store.
type Slot string

const (
	SlotConfig        Slot = "config"
	SlotCustomCode    Slot = "custom_code"
	SlotRulesets      Slot = "rulesets_collection"
	SlotIntracellular Slot = "intracellular"
	SlotICCells       Slot = "ic_cells"
	SlotICSubstrate   Slot = "ic_substrate"
	SlotICECM         Slot = "ic_ecm"
	SlotICDirichlet   Slot = "ic_dc"
)

// UnusedID is the sentinel folder id meaning "this optional input is unused".
const UnusedID = -1

// Slots returns all input slots in their canonical column order.
func Slots() []Slot {
	return []Slot{
		SlotConfig,
		SlotCustomCode,
		SlotRulesets,
		SlotIntracellular,
		SlotICCells,
		SlotICSubstrate,
		SlotICECM,
		SlotICDirichlet,
	}
}

// VariableSlots returns the slots that can carry a variation store.
func VariableSlots() []Slot {
	return []Slot{SlotConfig, SlotRulesets, SlotIntracellular, SlotICCells}
}

// Required reports whether the slot must always reference a folder.
func (s Slot) Required() bool {
	return s == SlotConfig || s == SlotCustomCode
}

// Variable reports whether the slot can carry a variation store.
func (s Slot) Variable() bool {
	switch s {
	case SlotConfig, SlotRulesets, SlotIntracellular, SlotICCells:
		return true
	}
	return false
}

// InputIdentity is the immutable tuple of input-folder ids defining what
// configuration a Run uses. Optional slots hold UnusedID when not in use.
type InputIdentity struct {
	Config        int
	CustomCode    int
	Rulesets      int
	Intracellular int
	ICCells       int
	ICSubstrate   int
	ICECM         int
	ICDirichlet   int
}

// NewInputIdentity returns an identity with every optional slot unused.
func NewInputIdentity(configID, customCodeID int) InputIdentity {
	return InputIdentity{
		Config:        configID,
		CustomCode:    customCodeID,
		Rulesets:      UnusedID,
		Intracellular: UnusedID,
		ICCells:       UnusedID,
		ICSubstrate:   UnusedID,
		ICECM:         UnusedID,
		ICDirichlet:   UnusedID,
	}
}

// Get returns the folder id for the given slot.
func (ii InputIdentity) Get(s Slot) int {
	switch s {
	case SlotConfig:
		return ii.Config
	case SlotCustomCode:
		return ii.CustomCode
	case SlotRulesets:
		return ii.Rulesets
	case SlotIntracellular:
		return ii.Intracellular
	case SlotICCells:
		return ii.ICCells
	case SlotICSubstrate:
		return ii.ICSubstrate
	case SlotICECM:
		return ii.ICECM
	case SlotICDirichlet:
		return ii.ICDirichlet
	}
	return UnusedID
}

// Set returns a copy of the identity with the given slot replaced.
func (ii InputIdentity) Set(s Slot, id int) InputIdentity {
	switch s {
	case SlotConfig:
		ii.Config = id
	case SlotCustomCode:
		ii.CustomCode = id
	case SlotRulesets:
		ii.Rulesets = id
	case SlotIntracellular:
		ii.Intracellular = id
	case SlotICCells:
		ii.ICCells = id
	case SlotICSubstrate:
		ii.ICSubstrate = id
	case SlotICECM:
		ii.ICECM = id
	case SlotICDirichlet:
		ii.ICDirichlet = id
	}
	return ii
}

// Used reports whether the slot references a folder.
func (ii InputIdentity) Used(s Slot) bool {
	return ii.Get(s) != UnusedID
}

// Validate checks the structural invariants of the identity: required slots
// must reference a folder and every referenced id must be positive.
func (ii InputIdentity) Validate() error {
	for _, s := range Slots() {
		id := ii.Get(s)
		if id == UnusedID {
			if s.Required() {
				return &ValidationError{Slot: s, Reason: "required input is unused"}
			}
			continue
		}
		if id <= 0 {
			return &ValidationError{Slot: s, Reason: fmt.Sprintf("folder id %d is not positive", id)}
		}
	}
	return nil
}

// Variation index sentinels.
const (
	// VariationBase selects the unmodified base file for a slot.
	VariationBase = 0
	// VariationUnused marks a slot with no variation concept because the
	// corresponding input is unused.
	VariationUnused = -1
)

// VariationIndex maps each variable input slot to an index into that slot's
// variation store. Zero selects the base file; VariationUnused mirrors an
// unused input slot.
type VariationIndex struct {
	Config        int
	Rulesets      int
	Intracellular int
	ICCells       int
}

// NewVariationIndex returns a variation tuple consistent with the given
// identity: base for every used variable slot, unused otherwise.
func NewVariationIndex(ii InputIdentity) VariationIndex {
	vi := VariationIndex{}
	for _, s := range VariableSlots() {
		if ii.Used(s) {
			vi = vi.Set(s, VariationBase)
		} else {
			vi = vi.Set(s, VariationUnused)
		}
	}
	return vi
}

// Get returns the variation index for the given variable slot.
func (vi VariationIndex) Get(s Slot) int {
	switch s {
	case SlotConfig:
		return vi.Config
	case SlotRulesets:
		return vi.Rulesets
	case SlotIntracellular:
		return vi.Intracellular
	case SlotICCells:
		return vi.ICCells
	}
	return VariationUnused
}

// Set returns a copy of the variation tuple with the given slot replaced.
func (vi VariationIndex) Set(s Slot, idx int) VariationIndex {
	switch s {
	case SlotConfig:
		vi.Config = idx
	case SlotRulesets:
		vi.Rulesets = idx
	case SlotIntracellular:
		vi.Intracellular = idx
	case SlotICCells:
		vi.ICCells = idx
	}
	return vi
}

// Validate checks the variation tuple against the identity it accompanies.
// The per-folder "is variable" check requires store access and is performed
// by the hierarchy service; this covers the structural rules.
func (vi VariationIndex) Validate(ii InputIdentity) error {
	for _, s := range VariableSlots() {
		idx := vi.Get(s)
		used := ii.Used(s)
		switch {
		case !used && idx != VariationUnused:
			return &ValidationError{Slot: s, Reason: fmt.Sprintf("variation index %d set on unused input", idx)}
		case used && idx == VariationUnused:
			return &ValidationError{Slot: s, Reason: "variation index marked unused on a used input"}
		case idx < VariationUnused:
			return &ValidationError{Slot: s, Reason: fmt.Sprintf("variation index %d out of range", idx)}
		}
	}
	return nil
}
