package loadout

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gravitas-games/kitkeeper/pkg/inventory"
)

// FamilyID identifies a generic item family such as "raw-food".
type FamilyID string

// FamilyDef declares a family as a predicate over kind metadata. A kind
// belongs to the family when its category is listed (or Categories is
// empty), it carries every tag in Tags and none in ExcludeTags.
type FamilyDef struct {
	ID          FamilyID `json:"id" yaml:"id"`
	Label       string   `json:"label,omitempty" yaml:"label,omitempty"`
	Mass        float64  `json:"mass,omitempty" yaml:"mass,omitempty"`
	Categories  []string `json:"categories,omitempty" yaml:"categories,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	ExcludeTags []string `json:"excludeTags,omitempty" yaml:"exclude_tags,omitempty"`
}

func (d FamilyDef) accepts(k inventory.KindDetails) bool {
	if len(d.Categories) > 0 {
		found := false
		for _, c := range d.Categories {
			if c == k.Category {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, t := range d.Tags {
		if !k.HasTag(t) {
			return false
		}
	}
	for _, t := range d.ExcludeTags {
		if k.HasTag(t) {
			return false
		}
	}
	return true
}

// Family is a registered family definition bound to a kind registry.
// Membership answers are cached per kind; kinds never change once
// registered.
type Family struct {
	def FamilyDef
	reg *inventory.Registry

	mu    sync.RWMutex
	cache map[inventory.KindID]bool
}

func (f *Family) ID() FamilyID { return f.def.ID }

func (f *Family) Def() FamilyDef { return f.def }

func (f *Family) Label() string {
	if f.def.Label != "" {
		return f.def.Label
	}
	return string(f.def.ID)
}

// Matches reports whether kind belongs to the family. Unknown kinds never do.
func (f *Family) Matches(kind inventory.KindID) bool {
	f.mu.RLock()
	v, ok := f.cache[kind]
	f.mu.RUnlock()
	if ok {
		return v
	}
	details, known := f.reg.Lookup(kind)
	v = known && f.def.accepts(details)
	f.mu.Lock()
	f.cache[kind] = v
	f.mu.Unlock()
	return v
}

// Families is the set of families registered for one world.
type Families struct {
	reg *inventory.Registry

	mu   sync.RWMutex
	byID map[FamilyID]*Family
}

// NewFamilies creates an empty family set resolving kinds through reg.
func NewFamilies(reg *inventory.Registry) *Families {
	return &Families{reg: reg, byID: make(map[FamilyID]*Family)}
}

// Register adds a family. Re-registering an id replaces its definition for
// selectors created afterwards; existing selectors keep the old one.
func (fs *Families) Register(def FamilyDef) (*Family, error) {
	if def.ID == "" {
		return nil, errors.New("loadout: family definition missing id")
	}
	if def.Mass < 0 {
		return nil, fmt.Errorf("loadout: family %s has negative mass", def.ID)
	}
	f := &Family{def: def, reg: fs.reg, cache: make(map[inventory.KindID]bool)}
	fs.mu.Lock()
	fs.byID[def.ID] = f
	fs.mu.Unlock()
	return f, nil
}

// Lookup returns a registered family.
func (fs *Families) Lookup(id FamilyID) (*Family, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	f, ok := fs.byID[id]
	return f, ok
}

// All returns the registered families ordered by id.
func (fs *Families) All() []*Family {
	fs.mu.RLock()
	out := make([]*Family, 0, len(fs.byID))
	for _, f := range fs.byID {
		out = append(out, f)
	}
	fs.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].def.ID < out[j].def.ID })
	return out
}
