package models

import (
	"errors"
	"testing"
)

func TestInputIdentityValidate(t *testing.T) {
	tests := []struct {
		name     string
		identity InputIdentity
		wantSlot Slot
	}{
		{
			name:     "valid with all optional unused",
			identity: NewInputIdentity(1, 2),
		},
		{
			name:     "valid with optional inputs",
			identity: NewInputIdentity(1, 2).Set(SlotICCells, 3).Set(SlotRulesets, 4),
		},
		{
			name:     "missing config",
			identity: NewInputIdentity(UnusedID, 2),
			wantSlot: SlotConfig,
		},
		{
			name:     "missing custom code",
			identity: NewInputIdentity(1, UnusedID),
			wantSlot: SlotCustomCode,
		},
		{
			name:     "non-positive folder id",
			identity: NewInputIdentity(1, 2).Set(SlotICECM, 0),
			wantSlot: SlotICECM,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.identity.Validate()
			if tt.wantSlot == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want ValidationError", err)
			}
			if verr.Slot != tt.wantSlot {
				t.Errorf("offending slot = %s, want %s", verr.Slot, tt.wantSlot)
			}
		})
	}
}

func TestVariationIndexValidate(t *testing.T) {
	used := NewInputIdentity(1, 2).Set(SlotICCells, 3)

	tests := []struct {
		name      string
		variation VariationIndex
		wantSlot  Slot
	}{
		{
			name:      "base everywhere",
			variation: NewVariationIndex(used),
		},
		{
			name:      "positive index on used slot",
			variation: NewVariationIndex(used).Set(SlotICCells, 4),
		},
		{
			name:      "index on unused slot",
			variation: NewVariationIndex(used).Set(SlotRulesets, 1),
			wantSlot:  SlotRulesets,
		},
		{
			name:      "unused marker on used slot",
			variation: NewVariationIndex(used).Set(SlotConfig, VariationUnused),
			wantSlot:  SlotConfig,
		},
		{
			name:      "out of range",
			variation: NewVariationIndex(used).Set(SlotICCells, -2),
			wantSlot:  SlotICCells,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.variation.Validate(used)
			if tt.wantSlot == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want ValidationError", err)
			}
			if verr.Slot != tt.wantSlot {
				t.Errorf("offending slot = %s, want %s", verr.Slot, tt.wantSlot)
			}
		})
	}
}

func TestNewVariationIndexMirrorsUsage(t *testing.T) {
	ii := NewInputIdentity(1, 2).Set(SlotRulesets, 5)
	vi := NewVariationIndex(ii)

	if vi.Config != VariationBase {
		t.Errorf("config variation = %d, want base", vi.Config)
	}
	if vi.Rulesets != VariationBase {
		t.Errorf("rulesets variation = %d, want base", vi.Rulesets)
	}
	if vi.ICCells != VariationUnused {
		t.Errorf("ic_cells variation = %d, want unused", vi.ICCells)
	}
	if vi.Intracellular != VariationUnused {
		t.Errorf("intracellular variation = %d, want unused", vi.Intracellular)
	}
}

func TestStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusNotStarted, StatusQueued},
		{StatusQueued, StatusRunning},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
	}
	for _, tr := range allowed {
		if !tr.from.CanTransition(tr.to) {
			t.Errorf("%s -> %s should be allowed", tr.from, tr.to)
		}
	}

	forbidden := []struct{ from, to Status }{
		{StatusNotStarted, StatusRunning},   // skips Queued
		{StatusNotStarted, StatusCompleted}, // skips two states
		{StatusQueued, StatusNotStarted},    // reverses
		{StatusRunning, StatusQueued},       // reverses
		{StatusCompleted, StatusFailed},     // terminal
		{StatusFailed, StatusRunning},       // terminal
	}
	for _, tr := range forbidden {
		if tr.from.CanTransition(tr.to) {
			t.Errorf("%s -> %s should be forbidden", tr.from, tr.to)
		}
	}
}
