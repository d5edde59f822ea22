package loadout

import (
	"fmt"

	"github.com/gravitas-games/kitkeeper/pkg/inventory"
)

// Definition is the serializable form of a loadout, used by the config
// file, the bridge protocol and persistence.
type Definition struct {
	ID    LoadoutID        `json:"id,omitempty" yaml:"id,omitempty"`
	Name  string           `json:"name" yaml:"name"`
	Slots []SlotDefinition `json:"slots" yaml:"slots"`
}

// SlotDefinition describes one slot. A nil Threshold means no hysteresis.
type SlotDefinition struct {
	ID        SlotID               `json:"id,omitempty" yaml:"id,omitempty"`
	Count     int                  `json:"count" yaml:"count"`
	Threshold *int                 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Selectors []SelectorDefinition `json:"selectors" yaml:"selectors"`
}

// SelectorDefinition describes a selector: either Kind (concrete) or
// Family (generic) is set. Zero bounds mean unbounded.
type SelectorDefinition struct {
	Kind         inventory.KindID  `json:"kind,omitempty" yaml:"kind,omitempty"`
	Material     inventory.KindID  `json:"material,omitempty" yaml:"material,omitempty"`
	Family       FamilyID          `json:"family,omitempty" yaml:"family,omitempty"`
	QualityMin   inventory.Quality `json:"qualityMin,omitempty" yaml:"quality_min,omitempty"`
	QualityMax   inventory.Quality `json:"qualityMax,omitempty" yaml:"quality_max,omitempty"`
	ConditionMin float64           `json:"conditionMin,omitempty" yaml:"condition_min,omitempty"`
	ConditionMax float64           `json:"conditionMax,omitempty" yaml:"condition_max,omitempty"`
}

// Definition exports the loadout.
func (l *Loadout) Definition() Definition {
	def := Definition{ID: l.ID, Name: l.Name, Slots: make([]SlotDefinition, 0, len(l.slots))}
	for _, s := range l.slots {
		sd := SlotDefinition{ID: s.ID, Count: s.count}
		if s.hasThreshold {
			n := s.threshold
			sd.Threshold = &n
		}
		for _, sel := range s.selectors {
			sd.Selectors = append(sd.Selectors, selectorDefinition(sel))
		}
		def.Slots = append(def.Slots, sd)
	}
	return def
}

func selectorDefinition(sel Selector) SelectorDefinition {
	switch v := sel.(type) {
	case *Concrete:
		sd := SelectorDefinition{Kind: v.Kind, Material: v.Material}
		if v.Quality != AnyQuality {
			sd.QualityMin, sd.QualityMax = v.Quality.Min, v.Quality.Max
		}
		if v.Condition != AnyCondition {
			sd.ConditionMin, sd.ConditionMax = v.Condition.Min, v.Condition.Max
		}
		return sd
	case *FamilySelector:
		return SelectorDefinition{Family: v.Family.ID()}
	}
	return SelectorDefinition{}
}

// Build turns a definition into a loadout, resolving families against the
// session. The loadout is not registered; see AddLoadout.
func (w *World) Build(def Definition) (*Loadout, error) {
	l := New(def.Name)
	if def.ID != "" {
		l.ID = def.ID
	}
	for i, sd := range def.Slots {
		s, err := w.BuildSlot(sd)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
		if err := l.Add(s); err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
	}
	return l, nil
}

// BuildSlot turns a slot definition into a slot.
func (w *World) BuildSlot(sd SlotDefinition) (*Slot, error) {
	sels := make([]Selector, 0, len(sd.Selectors))
	for j, seld := range sd.Selectors {
		sel, err := w.selector(seld)
		if err != nil {
			return nil, fmt.Errorf("selector %d: %w", j, err)
		}
		sels = append(sels, sel)
	}
	var opts []SlotOption
	if sd.ID != "" {
		opts = append(opts, WithSlotID(sd.ID))
	}
	if sd.Threshold != nil {
		opts = append(opts, WithThreshold(*sd.Threshold))
	}
	return NewSlot(sd.Count, sels, opts...)
}

func (w *World) selector(sd SelectorDefinition) (Selector, error) {
	switch {
	case sd.Kind != "" && sd.Family != "":
		return nil, fmt.Errorf("%w: selector sets both kind and family", ErrInvalidArgument)
	case sd.Family != "":
		f, ok := w.Families.Lookup(sd.Family)
		if !ok {
			return nil, fmt.Errorf("%w: unknown family %s", ErrInvalidArgument, sd.Family)
		}
		return NewFamilySelector(f), nil
	case sd.Kind != "":
		if _, ok := w.Registry.Lookup(sd.Kind); !ok {
			return nil, fmt.Errorf("%w: unknown kind %s", ErrInvalidArgument, sd.Kind)
		}
		var opts []ConcreteOption
		if sd.Material != "" {
			opts = append(opts, WithMaterial(sd.Material))
		}
		if sd.QualityMin != inventory.QualityNone || sd.QualityMax != inventory.QualityNone {
			lo, hi := sd.QualityMin, sd.QualityMax
			if lo == inventory.QualityNone {
				lo = AnyQuality.Min
			}
			if hi == inventory.QualityNone {
				hi = AnyQuality.Max
			}
			if lo > hi {
				return nil, fmt.Errorf("%w: quality range %s..%s", ErrInvalidArgument, lo, hi)
			}
			opts = append(opts, WithQuality(lo, hi))
		}
		if sd.ConditionMin != 0 || sd.ConditionMax != 0 {
			lo, hi := sd.ConditionMin, sd.ConditionMax
			if hi == 0 {
				hi = 1
			}
			if lo < 0 || hi > 1 || lo > hi {
				return nil, fmt.Errorf("%w: condition range %.2f..%.2f", ErrInvalidArgument, lo, hi)
			}
			opts = append(opts, WithCondition(lo, hi))
		}
		return NewConcrete(sd.Kind, opts...), nil
	}
	return nil, fmt.Errorf("%w: selector needs a kind or a family", ErrInvalidArgument)
}
