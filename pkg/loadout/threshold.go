package loadout

// ThresholdState is the hysteresis state of a thresholded slot.
type ThresholdState int

const (
	// Saturated slots were full and have not yet drained to their threshold.
	Saturated ThresholdState = iota
	// Eligible slots may request a restock until they are full again.
	Eligible
)

func (s ThresholdState) String() string {
	if s == Eligible {
		return "eligible"
	}
	return "saturated"
}

// threshold tracks one slot's hysteresis. boundary is threshold-desired,
// the margin at or below which a saturated slot becomes eligible.
type threshold struct {
	canRestock bool
	boundary   int
}

func newThreshold(s *Slot) *threshold {
	n, _ := s.Threshold()
	return &threshold{boundary: n - s.Count()}
}

// seed sets the state for a slot seen for the first time: eligible only if
// it is already drained past its boundary.
func (th *threshold) seed(margin int) {
	th.canRestock = margin < 0 && margin <= th.boundary
}

// observe runs the state machine for a new margin and reports a flip.
// Eligible ends only once the slot is full; saturated ends only once the
// slot has a real deficit at or past the boundary.
func (th *threshold) observe(margin int) bool {
	switch {
	case th.canRestock && margin >= 0:
		th.canRestock = false
		return true
	case !th.canRestock && margin < 0 && margin <= th.boundary:
		th.canRestock = true
		return true
	}
	return false
}

func (th *threshold) state() ThresholdState {
	if th.canRestock {
		return Eligible
	}
	return Saturated
}
