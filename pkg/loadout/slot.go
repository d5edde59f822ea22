package loadout

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/gravitas-games/kitkeeper/pkg/inventory"
)

// SlotID is the stable identity of a loadout slot.
type SlotID string

// Slot is one wishlist entry: any of its selectors satisfies it, and the
// agent wants Count units in total. A slot may declare a hysteresis
// threshold: once full it only asks for a refill after falling to
// Threshold units or fewer.
type Slot struct {
	ID SlotID

	selectors    []Selector
	count        int
	threshold    int
	hasThreshold bool
}

// SlotOption configures a new slot.
type SlotOption func(*Slot)

// WithSlotID overrides the generated id, e.g. when restoring a definition.
func WithSlotID(id SlotID) SlotOption {
	return func(s *Slot) { s.ID = id }
}

// WithThreshold enables hysteresis: refill only at n units or fewer.
func WithThreshold(n int) SlotOption {
	return func(s *Slot) {
		s.threshold = n
		s.hasThreshold = true
	}
}

// NewSlot creates a slot wanting count units matched by any of selectors.
func NewSlot(count int, selectors []Selector, opts ...SlotOption) (*Slot, error) {
	s := &Slot{ID: SlotID(uuid.NewString()), count: count}
	for _, opt := range opts {
		opt(s)
	}
	if err := validateSelectors(selectors); err != nil {
		return nil, err
	}
	s.selectors = append([]Selector(nil), selectors...)
	if err := validateCount(count, s.threshold, s.hasThreshold); err != nil {
		return nil, err
	}
	return s, nil
}

func validateSelectors(selectors []Selector) error {
	if len(selectors) == 0 {
		return fmt.Errorf("%w: slot needs at least one selector", ErrInvalidArgument)
	}
	for i, sel := range selectors {
		if sel == nil {
			return fmt.Errorf("%w: nil selector at %d", ErrInvalidArgument, i)
		}
		if fs, ok := sel.(*FamilySelector); ok && fs.Family == nil {
			return fmt.Errorf("%w: family selector at %d has no family", ErrInvalidArgument, i)
		}
	}
	return nil
}

func validateCount(count, threshold int, hasThreshold bool) error {
	if count < 0 {
		return fmt.Errorf("%w: negative desired count %d", ErrInvalidArgument, count)
	}
	if hasThreshold && (threshold < 0 || threshold > count) {
		return fmt.Errorf("%w: threshold %d outside [0, %d]", ErrInvalidArgument, threshold, count)
	}
	return nil
}

// Count is the desired number of units.
func (s *Slot) Count() int { return s.count }

// Threshold returns the hysteresis threshold and whether one is declared.
func (s *Slot) Threshold() (int, bool) { return s.threshold, s.hasThreshold }

// Selectors returns a copy of the slot's alternatives.
func (s *Slot) Selectors() []Selector {
	return append([]Selector(nil), s.selectors...)
}

// Match returns the most specific selector accepting item.
func (s *Slot) Match(item *inventory.Item) (Selector, bool) {
	var best Selector
	for _, sel := range s.selectors {
		if !sel.Allows(item) {
			continue
		}
		if best == nil || Compare(sel, best) < 0 {
			best = sel
		}
	}
	return best, best != nil
}

// AllowsKind reports whether any selector could accept items of kind.
func (s *Slot) AllowsKind(kind inventory.KindID) bool {
	for _, sel := range s.selectors {
		if sel.AllowsKind(kind) {
			return true
		}
	}
	return false
}

// Label joins the selector labels.
func (s *Slot) Label() string {
	parts := make([]string, len(s.selectors))
	for i, sel := range s.selectors {
		parts[i] = sel.Label()
	}
	return strings.Join(parts, " | ")
}

func (s *Slot) String() string {
	if s == nil {
		return "<nil slot>"
	}
	return fmt.Sprintf("%s x%d", s.Label(), s.count)
}
