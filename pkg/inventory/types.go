package inventory

// Package inventory tracks what a single agent is carrying. It knows item
// identity, kind, material, quality, condition and stack count, and reports
// every mutation to registered listeners. It does not decide what an agent
// should carry; that is the loadout engine's job.

import (
	"fmt"
	"strings"
)

// ItemID identifies one concrete stack in the host game.
type ItemID string

// KindID identifies an item kind (a definition shared by many stacks).
// Materials are kinds too.
type KindID string

// AgentID identifies the agent owning an inventory.
type AgentID string

// RegistryID is a numeric handle suitable for compact storage.
// IDs start at 1 and increment as new kinds are registered unless
// explicitly provided via KindDetails.NumericID.
type RegistryID int64

// Quality is the crafted quality tier of an item. QualityNone marks items
// that have no quality at all; quality constraints never reject them.
type Quality int

const (
	QualityNone Quality = iota
	QualityAwful
	QualityPoor
	QualityNormal
	QualityGood
	QualityExcellent
	QualityMasterwork
	QualityLegendary
)

var qualityNames = [...]string{"none", "awful", "poor", "normal", "good", "excellent", "masterwork", "legendary"}

// String returns the lowercase name of the tier.
func (q Quality) String() string {
	if q < QualityNone || q > QualityLegendary {
		return fmt.Sprintf("quality(%d)", int(q))
	}
	return qualityNames[q]
}

// ParseQuality resolves a tier by name, case-insensitively.
func ParseQuality(s string) (Quality, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return QualityNone, nil
	}
	for i, n := range qualityNames {
		if n == name {
			return Quality(i), nil
		}
	}
	return QualityNone, fmt.Errorf("inventory: unknown quality %q", s)
}

func (q Quality) MarshalText() ([]byte, error) { return []byte(q.String()), nil }

func (q *Quality) UnmarshalText(b []byte) error {
	parsed, err := ParseQuality(string(b))
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// Container is the part of an agent's gear an item lives in.
type Container int

const (
	// ContainerGeneral is the agent's carried inventory.
	ContainerGeneral Container = iota
	// ContainerEquipment holds wielded weapons and tools.
	ContainerEquipment
	// ContainerApparel holds worn clothing and armor.
	ContainerApparel
)

var containerNames = [...]string{"general", "equipment", "apparel"}

func (c Container) String() string {
	if c < ContainerGeneral || c > ContainerApparel {
		return "unknown"
	}
	return containerNames[c]
}

// ParseContainer resolves a container by name. Empty means general.
func ParseContainer(s string) (Container, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "general", "inventory":
		return ContainerGeneral, nil
	case "equipment":
		return ContainerEquipment, nil
	case "apparel":
		return ContainerApparel, nil
	}
	return ContainerGeneral, fmt.Errorf("inventory: unknown container %q", s)
}

func (c Container) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Container) UnmarshalText(b []byte) error {
	parsed, err := ParseContainer(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Item is one stack carried by an agent. Kind, Material, Quality and
// Condition are fixed for the lifetime of the stack; only Count changes.
type Item struct {
	ID       ItemID  `json:"id"`
	Kind     KindID  `json:"kind"`
	Material KindID  `json:"material,omitempty"`
	Quality  Quality `json:"quality"`
	// Condition is the remaining durability as a fraction of the maximum,
	// 1 for pristine items and for items that do not wear.
	Condition float64 `json:"condition"`
	Count     int     `json:"count"`
}

// NewItem returns a pristine, quality-less stack.
func NewItem(id ItemID, kind KindID, count int) *Item {
	return &Item{ID: id, Kind: kind, Condition: 1, Count: count}
}

// Clone returns a detached copy of the stack.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	cp := *it
	return &cp
}

func (it *Item) String() string {
	if it == nil {
		return "<nil item>"
	}
	var b strings.Builder
	b.WriteString(string(it.Kind))
	if it.Material != "" {
		b.WriteString("/")
		b.WriteString(string(it.Material))
	}
	if it.Quality != QualityNone {
		b.WriteString(" (")
		b.WriteString(it.Quality.String())
		b.WriteString(")")
	}
	fmt.Fprintf(&b, " x%d", it.Count)
	return b.String()
}

// Listener receives inventory mutations after they have been applied.
// Returning an error aborts nothing; the inventory reports it to the caller
// of the mutating method.
type Listener interface {
	ItemAdded(item *Item) error
	ItemAddedAndMerged(item *Item, merged int) error
	ItemRemoved(item *Item) error
	ItemSplitOff(item *Item, count int) error
}
