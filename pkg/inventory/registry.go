package inventory

import (
	"errors"
	"sort"
	"sync"
)

// KindDetails captures the static definition of an item kind.
type KindDetails struct {
	ID        KindID     `json:"id" yaml:"id"`
	NumericID RegistryID `json:"numericId,omitempty" yaml:"numeric_id,omitempty"`
	Label     string     `json:"label,omitempty" yaml:"label,omitempty"`
	// Category groups kinds for generic families ("food", "weapon", ...).
	Category string `json:"category,omitempty" yaml:"category,omitempty"`
	// Mass is the mass of a single unit.
	Mass       float64  `json:"mass,omitempty" yaml:"mass,omitempty"`
	StackLimit int      `json:"stackLimit,omitempty" yaml:"stack_limit,omitempty"`
	Tags       []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	HasQuality bool     `json:"hasQuality,omitempty" yaml:"has_quality,omitempty"`
	// MadeFromStuff marks kinds crafted from a selectable material.
	MadeFromStuff bool `json:"madeFromStuff,omitempty" yaml:"made_from_stuff,omitempty"`
}

// HasTag reports whether the kind carries tag.
func (d KindDetails) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Registry stores kind details keyed by KindID and provides numeric handles
// for compact storage.
type Registry struct {
	mu     sync.RWMutex
	kinds  map[KindID]KindDetails
	byID   map[RegistryID]KindID
	nextID RegistryID
}

// NewRegistry constructs a registry seeded with the given kinds.
func NewRegistry(details ...KindDetails) *Registry {
	r := &Registry{
		kinds: make(map[KindID]KindDetails, len(details)),
		byID:  make(map[RegistryID]KindID, len(details)),
	}
	for _, d := range details {
		_ = r.Register(d) // ignore duplicates during seed
	}
	return r
}

// Register inserts or updates a kind. The ID must be non-empty.
func (r *Registry) Register(details KindDetails) error {
	if details.ID == "" {
		return errors.New("inventory: kind details missing id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.kinds == nil {
		r.kinds = make(map[KindID]KindDetails)
	}
	if r.byID == nil {
		r.byID = make(map[RegistryID]KindID)
	}

	if existing, exists := r.kinds[details.ID]; exists {
		if details.NumericID == 0 {
			details.NumericID = existing.NumericID
		} else if existing.NumericID != 0 && existing.NumericID != details.NumericID {
			return errors.New("inventory: numeric id mismatch for existing kind")
		}
	}

	if details.NumericID == 0 {
		r.nextID++
		details.NumericID = r.nextID
	} else {
		if details.NumericID < 0 {
			return errors.New("inventory: numeric id must be positive")
		}
		if owner, collision := r.byID[details.NumericID]; collision && owner != details.ID {
			return errors.New("inventory: numeric id already assigned to another kind")
		}
		if details.NumericID > r.nextID {
			r.nextID = details.NumericID
		}
	}

	r.kinds[details.ID] = details
	r.byID[details.NumericID] = details.ID
	return nil
}

// Lookup returns details for the provided kind, if present.
func (r *Registry) Lookup(id KindID) (KindDetails, bool) {
	if r == nil {
		return KindDetails{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	details, ok := r.kinds[id]
	return details, ok
}

// LookupByRegistryID returns kind details using the numeric handle.
func (r *Registry) LookupByRegistryID(id RegistryID) (KindDetails, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byID[id]
	if !ok {
		return KindDetails{}, false
	}
	details, exists := r.kinds[key]
	return details, exists
}

// MassFor returns the per-unit mass of a kind, or 0 when unknown.
func (r *Registry) MassFor(id KindID) float64 {
	details, ok := r.Lookup(id)
	if !ok {
		return 0
	}
	return details.Mass
}

// Export copies registry contents into a slice ordered by numeric id.
func (r *Registry) Export() []KindDetails {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.kinds) == 0 {
		return nil
	}
	out := make([]KindDetails, 0, len(r.kinds))
	for _, d := range r.kinds {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NumericID != out[j].NumericID {
			return out[i].NumericID < out[j].NumericID
		}
		return out[i].ID < out[j].ID
	})
	return out
}
