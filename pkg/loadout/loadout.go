package loadout

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gravitas-games/kitkeeper/pkg/inventory"
)

var (
	// ErrInvalidArgument is returned for nil or malformed arguments.
	ErrInvalidArgument = errors.New("loadout: invalid argument")
	// ErrSlotNotFound is returned when a slot is not part of the loadout.
	ErrSlotNotFound = errors.New("loadout: slot not found")
)

// LoadoutID identifies a loadout.
type LoadoutID string

// Loadout is an ordered wishlist of slots. Every mutation is announced on
// three notification channels; trackers subscribe while attached.
type Loadout struct {
	ID   LoadoutID
	Name string

	slots []*Slot

	onAdded   observers[func(*Slot)]
	onRemoved observers[func(*Slot)]
	onCount   observers[func(*Slot, int)]
}

// New creates an empty loadout with a generated id.
func New(name string) *Loadout {
	return &Loadout{ID: LoadoutID(uuid.NewString()), Name: name}
}

// Slots returns the slots in order. The slice is a copy.
func (l *Loadout) Slots() []*Slot {
	return append([]*Slot(nil), l.slots...)
}

// Len returns the number of slots.
func (l *Loadout) Len() int { return len(l.slots) }

// Slot finds a slot by id.
func (l *Loadout) Slot(id SlotID) (*Slot, bool) {
	for _, s := range l.slots {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Contains reports whether s belongs to the loadout.
func (l *Loadout) Contains(s *Slot) bool {
	return l.indexOf(s) >= 0
}

func (l *Loadout) indexOf(s *Slot) int {
	for i, cur := range l.slots {
		if cur == s {
			return i
		}
	}
	return -1
}

// Add appends a slot and announces it.
func (l *Loadout) Add(s *Slot) error {
	if s == nil {
		return fmt.Errorf("%w: nil slot", ErrInvalidArgument)
	}
	if _, dup := l.Slot(s.ID); dup {
		return fmt.Errorf("%w: duplicate slot id %s", ErrInvalidArgument, s.ID)
	}
	l.slots = append(l.slots, s)
	for _, fn := range l.onAdded.snapshot() {
		fn(s)
	}
	return nil
}

// Remove drops a slot and announces it.
func (l *Loadout) Remove(s *Slot) error {
	if s == nil {
		return fmt.Errorf("%w: nil slot", ErrInvalidArgument)
	}
	i := l.indexOf(s)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrSlotNotFound, s.ID)
	}
	l.slots = append(l.slots[:i:i], l.slots[i+1:]...)
	for _, fn := range l.onRemoved.snapshot() {
		fn(s)
	}
	return nil
}

// SetCount changes a slot's desired count. A count of zero keeps the slot
// in the loadout but stops it from being tracked. A declared threshold
// above the new count is lowered to it.
func (l *Loadout) SetCount(s *Slot, count int) error {
	if s == nil {
		return fmt.Errorf("%w: nil slot", ErrInvalidArgument)
	}
	if !l.Contains(s) {
		return fmt.Errorf("%w: %s", ErrSlotNotFound, s.ID)
	}
	if count < 0 {
		return fmt.Errorf("%w: negative desired count %d", ErrInvalidArgument, count)
	}
	old := s.count
	if old == count {
		return nil
	}
	s.count = count
	if s.hasThreshold && s.threshold > count {
		s.threshold = count
	}
	for _, fn := range l.onCount.snapshot() {
		fn(s, old)
	}
	return nil
}

// SetThreshold declares (enabled) or clears the slot's hysteresis
// threshold. Trackers see this as the slot being removed and re-added.
func (l *Loadout) SetThreshold(s *Slot, threshold int, enabled bool) error {
	if s == nil {
		return fmt.Errorf("%w: nil slot", ErrInvalidArgument)
	}
	if enabled {
		if err := validateCount(s.count, threshold, true); err != nil {
			return err
		}
	}
	return l.replace(s, func() {
		s.threshold, s.hasThreshold = threshold, enabled
		if !enabled {
			s.threshold = 0
		}
	})
}

// SetSelectors replaces the slot's alternatives. Trackers see this as the
// slot being removed and re-added.
func (l *Loadout) SetSelectors(s *Slot, selectors ...Selector) error {
	if s == nil {
		return fmt.Errorf("%w: nil slot", ErrInvalidArgument)
	}
	if err := validateSelectors(selectors); err != nil {
		return err
	}
	return l.replace(s, func() {
		s.selectors = append([]Selector(nil), selectors...)
	})
}

func (l *Loadout) replace(s *Slot, mutate func()) error {
	i := l.indexOf(s)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrSlotNotFound, s.ID)
	}
	for _, fn := range l.onRemoved.snapshot() {
		fn(s)
	}
	mutate()
	for _, fn := range l.onAdded.snapshot() {
		fn(s)
	}
	return nil
}

// OnSlotAdded subscribes to slot additions.
func (l *Loadout) OnSlotAdded(fn func(*Slot)) (cancel func()) { return l.onAdded.add(fn) }

// OnSlotRemoved subscribes to slot removals.
func (l *Loadout) OnSlotRemoved(fn func(*Slot)) (cancel func()) { return l.onRemoved.add(fn) }

// OnCountChanged subscribes to desired-count changes. The callback gets
// the slot (already holding the new count) and the old count.
func (l *Loadout) OnCountChanged(fn func(*Slot, int)) (cancel func()) { return l.onCount.add(fn) }

// Subscribers returns how many callbacks are registered across channels.
func (l *Loadout) Subscribers() int {
	return l.onAdded.len() + l.onRemoved.len() + l.onCount.len()
}

// Weight is the total mass of a fully stocked loadout, using each slot's
// first selector as its representative.
func (l *Loadout) Weight(reg *inventory.Registry) float64 {
	total := 0.0
	for _, s := range l.slots {
		if len(s.selectors) == 0 {
			continue
		}
		total += float64(s.count) * s.selectors[0].Mass(reg)
	}
	return total
}

// FromInventory builds a loadout that asks for exactly what the agent
// currently carries: one slot per distinct kind and material.
func FromInventory(name string, inv *inventory.Inventory) (*Loadout, error) {
	if inv == nil {
		return nil, fmt.Errorf("%w: nil inventory", ErrInvalidArgument)
	}
	type key struct{ kind, material inventory.KindID }
	counts := make(map[key]int)
	var order []key
	for _, it := range inv.Items() {
		k := key{it.Kind, it.Material}
		if _, seen := counts[k]; !seen {
			order = append(order, k)
		}
		counts[k] += it.Count
	}
	l := New(name)
	for _, k := range order {
		var opts []ConcreteOption
		if k.material != "" {
			opts = append(opts, WithMaterial(k.material))
		}
		s, err := NewSlot(counts[k], []Selector{NewConcrete(k.kind, opts...)})
		if err != nil {
			return nil, err
		}
		if err := l.Add(s); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// observers is a callback list that tolerates subscription changes from
// inside a callback: notification iterates over a snapshot.
type observers[F any] struct {
	next    int
	entries []observer[F]
}

type observer[F any] struct {
	id int
	fn F
}

func (o *observers[F]) add(fn F) func() {
	o.next++
	id := o.next
	o.entries = append(o.entries, observer[F]{id: id, fn: fn})
	return func() {
		for i, e := range o.entries {
			if e.id == id {
				o.entries = append(o.entries[:i:i], o.entries[i+1:]...)
				return
			}
		}
	}
}

func (o *observers[F]) snapshot() []F {
	out := make([]F, len(o.entries))
	for i, e := range o.entries {
		out[i] = e.fn
	}
	return out
}

func (o *observers[F]) len() int { return len(o.entries) }
