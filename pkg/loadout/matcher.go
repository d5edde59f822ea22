package loadout

import (
	"sort"

	"github.com/gravitas-games/kitkeeper/pkg/inventory"
)

// Candidate is a slot willing to take an item, together with the selector
// through which it matched.
type Candidate struct {
	Slot     *Slot
	Selector Selector
	// Fill is how many units the slot would absorb right now. Only set by
	// Tracker.FindCandidateSlots.
	Fill int
}

// FindCandidateSlots returns every slot accepting item, most specific
// first. Slots with equal specificity keep their order in slots.
func FindCandidateSlots(item *inventory.Item, slots []*Slot) []Candidate {
	if item == nil {
		return nil
	}
	var out []Candidate
	for _, s := range slots {
		if sel, ok := s.Match(item); ok {
			out = append(out, Candidate{Slot: s, Selector: sel})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return Compare(out[i].Selector, out[j].Selector) < 0
	})
	return out
}

func candidateSlots(cands []Candidate) []*Slot {
	if len(cands) == 0 {
		return nil
	}
	out := make([]*Slot, len(cands))
	for i, c := range cands {
		out[i] = c.Slot
	}
	return out
}
