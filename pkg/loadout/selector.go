package loadout

import (
	"fmt"

	"github.com/gravitas-games/kitkeeper/pkg/inventory"
)

// Selector is an item pattern. It is a closed union: the only
// implementations are *Concrete and *FamilySelector.
type Selector interface {
	// Allows reports whether the item matches. It depends only on the
	// item's kind, material, quality and condition.
	Allows(item *inventory.Item) bool
	// AllowsKind reports whether any item of the kind could match.
	AllowsKind(kind inventory.KindID) bool
	// Mass is the unit mass used for loadout weight accounting.
	Mass(reg *inventory.Registry) float64
	Label() string

	bounds() bounds
}

// bounds is the data the specificity order is computed from.
type bounds struct {
	minQuality   inventory.Quality
	minCondition float64
	concrete     bool
	material     bool
}

// QualityRange is an inclusive quality interval.
type QualityRange struct {
	Min inventory.Quality `json:"min"`
	Max inventory.Quality `json:"max"`
}

// AnyQuality accepts every tier.
var AnyQuality = QualityRange{Min: inventory.QualityAwful, Max: inventory.QualityLegendary}

// Includes reports whether q lies within the range. Items without quality
// always pass.
func (r QualityRange) Includes(q inventory.Quality) bool {
	if q == inventory.QualityNone {
		return true
	}
	return q >= r.Min && q <= r.Max
}

// ConditionRange is an inclusive durability interval in [0, 1].
type ConditionRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// AnyCondition accepts every durability.
var AnyCondition = ConditionRange{Min: 0, Max: 1}

func (r ConditionRange) Includes(c float64) bool {
	return c >= r.Min && c <= r.Max
}

// Concrete selects one item kind, optionally narrowed by material,
// quality and condition.
type Concrete struct {
	Kind      inventory.KindID
	Material  inventory.KindID // empty: any material
	Quality   QualityRange
	Condition ConditionRange
}

// ConcreteOption narrows a concrete selector.
type ConcreteOption func(*Concrete)

// WithMaterial restricts the selector to one material.
func WithMaterial(m inventory.KindID) ConcreteOption {
	return func(c *Concrete) { c.Material = m }
}

// WithQuality restricts the selector to a quality range.
func WithQuality(min, max inventory.Quality) ConcreteOption {
	return func(c *Concrete) { c.Quality = QualityRange{Min: min, Max: max} }
}

// WithCondition restricts the selector to a durability range.
func WithCondition(min, max float64) ConcreteOption {
	return func(c *Concrete) { c.Condition = ConditionRange{Min: min, Max: max} }
}

// NewConcrete builds a selector for kind accepting any quality and condition
// unless narrowed by opts.
func NewConcrete(kind inventory.KindID, opts ...ConcreteOption) *Concrete {
	c := &Concrete{Kind: kind, Quality: AnyQuality, Condition: AnyCondition}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Concrete) Allows(item *inventory.Item) bool {
	if item == nil || item.Kind != c.Kind {
		return false
	}
	if c.Material != "" && item.Material != c.Material {
		return false
	}
	return c.Quality.Includes(item.Quality) && c.Condition.Includes(item.Condition)
}

func (c *Concrete) AllowsKind(kind inventory.KindID) bool { return kind == c.Kind }

func (c *Concrete) Mass(reg *inventory.Registry) float64 { return reg.MassFor(c.Kind) }

func (c *Concrete) Label() string {
	if c.Material != "" {
		return fmt.Sprintf("%s (%s)", c.Kind, c.Material)
	}
	return string(c.Kind)
}

// Sample returns the canonical stack this selector describes: one unit of
// the kind at the lowest accepted quality and the highest accepted
// condition.
func (c *Concrete) Sample() *inventory.Item {
	it := inventory.NewItem("", c.Kind, 1)
	it.Material = c.Material
	it.Quality = c.Quality.Min
	it.Condition = c.Condition.Max
	return it
}

func (c *Concrete) bounds() bounds {
	return bounds{
		minQuality:   c.Quality.Min,
		minCondition: c.Condition.Min,
		concrete:     true,
		material:     c.Material != "",
	}
}

// FamilySelector accepts any item whose kind belongs to a registered family.
type FamilySelector struct {
	Family *Family
}

// NewFamilySelector wraps a registered family.
func NewFamilySelector(f *Family) *FamilySelector {
	return &FamilySelector{Family: f}
}

func (s *FamilySelector) Allows(item *inventory.Item) bool {
	return item != nil && s.Family.Matches(item.Kind)
}

func (s *FamilySelector) AllowsKind(kind inventory.KindID) bool { return s.Family.Matches(kind) }

func (s *FamilySelector) Mass(*inventory.Registry) float64 { return s.Family.def.Mass }

func (s *FamilySelector) Label() string { return s.Family.Label() }

func (s *FamilySelector) bounds() bounds { return bounds{} }

// Compare orders selectors most specific first: a negative result means a
// is more restrictive than b. Higher minimum quality wins, then higher
// minimum condition, then concrete over family, then material-bound over
// unbound. Zero means no preference.
func Compare(a, b Selector) int {
	ba, bb := a.bounds(), b.bounds()
	switch {
	case ba.minQuality != bb.minQuality:
		if ba.minQuality > bb.minQuality {
			return -1
		}
		return 1
	case ba.minCondition != bb.minCondition:
		if ba.minCondition > bb.minCondition {
			return -1
		}
		return 1
	case ba.concrete != bb.concrete:
		if ba.concrete {
			return -1
		}
		return 1
	case ba.material != bb.material:
		if ba.material {
			return -1
		}
		return 1
	}
	return 0
}
