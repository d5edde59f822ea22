package loadout

import (
	"fmt"
	"iter"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/gravitas-games/kitkeeper/pkg/inventory"
)

// Logger is the subset of *log.Logger the tracker reports warnings to.
type Logger interface {
	Printf(format string, v ...any)
}

// TrackerOption configures a tracker.
type TrackerOption func(*Tracker)

// WithLogger redirects tracker warnings.
func WithLogger(l Logger) TrackerOption {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithParallelScan sets the inventory size from which full recomputes
// match items concurrently, and the number of matching workers.
func WithParallelScan(minItems, workers int) TrackerOption {
	return func(t *Tracker) {
		t.parallelMin = minItems
		t.workers = workers
	}
}

// allocation records how many units of one carried stack are credited to
// each slot.
type allocation map[*Slot]int

// Tracker keeps, for one agent, the margin of every tracked slot: the
// units credited to the slot minus its desired count. It mirrors every
// inventory and loadout mutation into that state incrementally and falls
// back to a rescan of the agent's inventory only where it has to.
//
// A Tracker is not safe for concurrent use; it runs on the simulation step.
type Tracker struct {
	inv    *inventory.Inventory
	logger Logger

	parallelMin int
	workers     int

	loadout    *Loadout
	margins    map[*Slot]int
	thresholds map[*Slot]*threshold
	alloc      map[inventory.ItemID]allocation

	loadoutSubs []func()
	invUnsub    func()
}

// NewTracker creates an uninitialized tracker listening to inv.
func NewTracker(inv *inventory.Inventory, opts ...TrackerOption) (*Tracker, error) {
	if inv == nil {
		return nil, fmt.Errorf("%w: nil inventory", ErrInvalidArgument)
	}
	t := &Tracker{
		inv:         inv,
		logger:      log.Default(),
		parallelMin: 32,
		workers:     4,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.invUnsub = inv.Subscribe(t)
	return t, nil
}

// Close detaches the loadout and stops listening to the inventory.
func (t *Tracker) Close() {
	t.detach()
	if t.invUnsub != nil {
		t.invUnsub()
		t.invUnsub = nil
	}
}

// Loadout returns the attached loadout, or nil.
func (t *Tracker) Loadout() *Loadout { return t.loadout }

// Initialized reports whether a loadout is attached and margins exist.
func (t *Tracker) Initialized() bool { return t.loadout != nil && t.margins != nil }

// SetLoadout attaches l, replacing any previous loadout, and computes all
// margins from the current inventory. A nil loadout tears the state down.
func (t *Tracker) SetLoadout(l *Loadout) error {
	t.attach(l, nil)
	return nil
}

// AttachWithFlags attaches l and restores saved hysteresis flags (slot id
// to eligible) before computing margins, reproducing a persisted state.
func (t *Tracker) AttachWithFlags(l *Loadout, flags map[SlotID]bool) error {
	if l == nil {
		return fmt.Errorf("%w: nil loadout", ErrInvalidArgument)
	}
	t.attach(l, flags)
	return nil
}

func (t *Tracker) attach(l *Loadout, flags map[SlotID]bool) {
	t.detach()
	if l == nil {
		return
	}
	t.loadout = l
	t.margins = make(map[*Slot]int)
	t.thresholds = make(map[*Slot]*threshold)
	t.alloc = make(map[inventory.ItemID]allocation)
	t.loadoutSubs = []func(){
		l.OnSlotAdded(t.slotAdded),
		l.OnSlotRemoved(t.slotRemoved),
		l.OnCountChanged(t.countChanged),
	}
	var tracked []*Slot
	for _, s := range l.slots {
		if s.count == 0 {
			continue
		}
		t.track(s)
		if flag, ok := flags[s.ID]; ok {
			if th := t.thresholds[s]; th != nil {
				th.canRestock = flag
			}
		}
		tracked = append(tracked, s)
	}
	t.UpdateInventoryMargin(tracked)
}

// detach unsubscribes from the loadout before anything else so a stale
// callback can never touch the next loadout's state.
func (t *Tracker) detach() {
	for _, cancel := range t.loadoutSubs {
		cancel()
	}
	t.loadoutSubs = nil
	t.loadout = nil
	t.margins = nil
	t.thresholds = nil
	t.alloc = nil
}

// track starts tracking s as an empty slot.
func (t *Tracker) track(s *Slot) {
	t.margins[s] = -s.count
	if s.hasThreshold {
		th := newThreshold(s)
		th.seed(-s.count)
		t.thresholds[s] = th
	}
}

func (t *Tracker) untrack(s *Slot) {
	delete(t.margins, s)
	delete(t.thresholds, s)
	for id, a := range t.alloc {
		delete(a, s)
		if len(a) == 0 {
			delete(t.alloc, id)
		}
	}
}

// ready reports whether the tracker is initialized, repairing a state
// where the loadout reference and the margin maps disagree.
func (t *Tracker) ready() bool {
	if (t.loadout != nil) != (t.margins != nil) {
		t.logger.Printf("loadout: tracker for agent %s out of sync (loadout=%t margins=%t), rebuilding",
			t.inv.Agent, t.loadout != nil, t.margins != nil)
		t.heal()
	}
	return t.loadout != nil
}

// heal rebuilds everything as if the loadout had been removed and
// attached again.
func (t *Tracker) heal() {
	l := t.loadout
	t.attach(l, nil)
}

// trackedSlots returns the tracked slots in loadout order.
func (t *Tracker) trackedSlots() []*Slot {
	out := make([]*Slot, 0, len(t.margins))
	for _, s := range t.loadout.slots {
		if _, ok := t.margins[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (t *Tracker) quantity(item *inventory.Item, qty int, op string) int {
	if qty <= 0 {
		t.logger.Printf("loadout: %s of %s on agent %s with non-positive quantity %d, using 1",
			op, item.ID, t.inv.Agent, qty)
		return 1
	}
	return qty
}

func (t *Tracker) setMargin(s *Slot, m int) {
	t.margins[s] = m
	if th := t.thresholds[s]; th != nil {
		th.observe(m)
	}
}

// Restock accounts qty new units of item: deficits are filled most
// specific slot first, skipping saturated thresholded slots, and whatever
// is left becomes surplus on the most specific candidate.
func (t *Tracker) Restock(item *inventory.Item, qty int) error {
	if item == nil {
		return fmt.Errorf("%w: nil item", ErrInvalidArgument)
	}
	if !t.ready() {
		return nil
	}
	qty = t.quantity(item, qty, "restock")
	ranked := candidateSlots(FindCandidateSlots(item, t.trackedSlots()))
	t.absorb(item.ID, ranked, qty, true)
	return nil
}

// absorb credits qty units of a stack to ranked slots. Live restocks skip
// saturated thresholded slots. With live unset the pass is a replay from
// empty: flags neither gate nor change, and the caller observes the final
// margins.
func (t *Tracker) absorb(id inventory.ItemID, ranked []*Slot, qty int, live bool) {
	if len(ranked) == 0 || qty <= 0 {
		return
	}
	a := t.alloc[id]
	if a == nil {
		a = make(allocation)
		t.alloc[id] = a
	}
	remaining := qty
	for _, s := range ranked {
		if remaining == 0 {
			break
		}
		if th := t.thresholds[s]; live && th != nil && !th.canRestock {
			continue
		}
		m := t.margins[s]
		if m >= 0 {
			continue
		}
		take := min(remaining, -m)
		t.credit(s, take, live)
		a[s] += take
		remaining -= take
	}
	if remaining > 0 {
		top := ranked[0]
		t.credit(top, remaining, live)
		a[top] += remaining
	}
}

func (t *Tracker) credit(s *Slot, n int, live bool) {
	if live {
		t.setMargin(s, t.margins[s]+n)
		return
	}
	t.margins[s] += n
}

// DeleteStock accounts qty units of item leaving the agent. Surplus is
// given up first, then deficits deepen from the least specific slot
// upward, each slot bottoming out at fully empty. If a thresholded slot
// among the candidates is eligible afterwards, the slots connected to the
// item's kind are recomputed from the inventory.
func (t *Tracker) DeleteStock(item *inventory.Item, qty int) error {
	if item == nil {
		return fmt.Errorf("%w: nil item", ErrInvalidArgument)
	}
	if !t.ready() {
		return nil
	}
	qty = t.quantity(item, qty, "delete")
	ranked := candidateSlots(FindCandidateSlots(item, t.trackedSlots()))
	if len(ranked) == 0 {
		return nil
	}
	if remaining := t.release(item.ID, ranked, qty); remaining > 0 {
		t.logger.Printf("loadout: removing %d x %s on agent %s exceeds tracked stock by %d, rebuilding",
			qty, item.Kind, t.inv.Agent, remaining)
		t.heal()
		return nil
	}
	for _, s := range ranked {
		if th := t.thresholds[s]; th != nil && th.canRestock {
			t.UpdateInventoryMargin(t.class(nil, []inventory.KindID{item.Kind}))
			break
		}
	}
	return nil
}

// release takes up to qty units off the ranked slots, limited to what the
// item was credited with when that is known, and returns what it could not
// place.
func (t *Tracker) release(id inventory.ItemID, ranked []*Slot, qty int) int {
	a := t.alloc[id]
	limit := func(s *Slot, n int) int {
		if a != nil {
			n = min(n, a[s])
		}
		return n
	}
	take := func(s *Slot, n int) {
		t.setMargin(s, t.margins[s]-n)
		if a != nil {
			a[s] -= n
			if a[s] == 0 {
				delete(a, s)
			}
		}
	}
	remaining := qty
	for _, s := range ranked {
		if remaining == 0 {
			break
		}
		if m := t.margins[s]; m > 0 {
			if n := limit(s, min(remaining, m)); n > 0 {
				take(s, n)
				remaining -= n
			}
		}
	}
	for i := len(ranked) - 1; i >= 0 && remaining > 0; i-- {
		s := ranked[i]
		if n := limit(s, min(remaining, t.margins[s]+s.count)); n > 0 {
			take(s, n)
			remaining -= n
		}
	}
	if a != nil && len(a) == 0 {
		delete(t.alloc, id)
	}
	return remaining
}

// UpdateInventoryMargin recomputes the given slots from the agent's whole
// inventory. Nil means every tracked slot. Units are spread as if every
// carried stack were added again to empty slots, so saturated slots keep
// what fits them. Hysteresis flags then observe only the final margins.
func (t *Tracker) UpdateInventoryMargin(slots []*Slot) {
	if !t.ready() {
		return
	}
	if slots == nil {
		slots = t.trackedSlots()
	}
	affected := make(map[*Slot]bool, len(slots))
	for _, s := range slots {
		if _, ok := t.margins[s]; ok {
			affected[s] = true
		}
	}
	if len(affected) == 0 {
		return
	}
	ordered := make([]*Slot, 0, len(affected))
	for _, s := range t.loadout.slots {
		if affected[s] {
			ordered = append(ordered, s)
			t.margins[s] = -s.count
		}
	}
	for id, a := range t.alloc {
		for s := range a {
			if affected[s] {
				delete(a, s)
			}
		}
		if len(a) == 0 {
			delete(t.alloc, id)
		}
	}

	items := t.inv.Items()
	ranked := t.rankAll(items, ordered)
	for i, it := range items {
		if len(ranked[i]) == 0 {
			continue
		}
		qty := it.Count
		for _, n := range t.alloc[it.ID] {
			qty -= n
		}
		t.absorb(it.ID, ranked[i], qty, false)
	}
	for _, s := range ordered {
		if th := t.thresholds[s]; th != nil {
			th.observe(t.margins[s])
		}
	}
}

// rankAll matches every item against slots. Matching is read-only, so
// large inventories are matched concurrently; results are applied by the
// caller on its own goroutine.
func (t *Tracker) rankAll(items []*inventory.Item, slots []*Slot) [][]*Slot {
	out := make([][]*Slot, len(items))
	if len(items) < t.parallelMin || t.workers <= 1 {
		for i, it := range items {
			out[i] = candidateSlots(FindCandidateSlots(it, slots))
		}
		return out
	}
	var g errgroup.Group
	g.SetLimit(t.workers)
	for i, it := range items {
		g.Go(func() error {
			out[i] = candidateSlots(FindCandidateSlots(it, slots))
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// class returns the tracked slots connected to the seeds through item
// kinds they accept among carried items, in loadout order.
func (t *Tracker) class(seeds []*Slot, kinds []inventory.KindID) []*Slot {
	members := make(map[*Slot]bool)
	for _, s := range seeds {
		if _, ok := t.margins[s]; ok {
			members[s] = true
		}
	}
	known := make(map[inventory.KindID]bool)
	for _, k := range kinds {
		known[k] = true
	}
	var carried []inventory.KindID
	seen := make(map[inventory.KindID]bool)
	for _, it := range t.inv.Items() {
		if !seen[it.Kind] {
			seen[it.Kind] = true
			carried = append(carried, it.Kind)
		}
	}
	tracked := t.trackedSlots()
	for changed := true; changed; {
		changed = false
		for s := range members {
			for _, k := range carried {
				if !known[k] && s.AllowsKind(k) {
					known[k] = true
					changed = true
				}
			}
		}
		for _, s := range tracked {
			if members[s] {
				continue
			}
			for k := range known {
				if s.AllowsKind(k) {
					members[s] = true
					changed = true
					break
				}
			}
		}
	}
	out := make([]*Slot, 0, len(members))
	for _, s := range tracked {
		if members[s] {
			out = append(out, s)
		}
	}
	return out
}

func (t *Tracker) slotAdded(s *Slot) {
	if t.margins == nil || s.count == 0 || !t.loadout.Contains(s) {
		return
	}
	if _, ok := t.margins[s]; !ok {
		t.track(s)
	}
	t.UpdateInventoryMargin(t.class([]*Slot{s}, nil))
}

func (t *Tracker) slotRemoved(s *Slot) {
	if t.margins == nil {
		return
	}
	if _, ok := t.margins[s]; !ok {
		return
	}
	held := t.credited(s)
	t.untrack(s)
	if held > 0 {
		t.UpdateInventoryMargin(t.class(nil, t.kindsAcceptedBy(s)))
	}
}

// credited sums the units carried stacks have credited to s. The desired
// count may already have changed, so the margin cannot be used for this.
func (t *Tracker) credited(s *Slot) int {
	n := 0
	for _, a := range t.alloc {
		n += a[s]
	}
	return n
}

func (t *Tracker) countChanged(s *Slot, old int) {
	if t.margins == nil || !t.loadout.Contains(s) {
		return
	}
	m, tracked := t.margins[s]
	switch {
	case !tracked:
		t.slotAdded(s)
		return
	case s.count == 0:
		t.slotRemoved(s)
		return
	}
	if th := t.thresholds[s]; th != nil {
		n, _ := s.Threshold()
		th.boundary = n - s.count
	}
	t.setMargin(s, m-(s.count-old))
	t.rebalance(s)
}

// rebalance recomputes the slots connected to s when some of them hold
// surplus while others still have a deficit that surplus could cover.
func (t *Tracker) rebalance(s *Slot) {
	cls := t.class([]*Slot{s}, nil)
	surplus, deficit := false, false
	for _, c := range cls {
		switch m := t.margins[c]; {
		case m > 0:
			surplus = true
		case m < 0:
			if th := t.thresholds[c]; th == nil || th.canRestock {
				deficit = true
			}
		}
	}
	if surplus && deficit {
		t.UpdateInventoryMargin(cls)
	}
}

func (t *Tracker) kindsAcceptedBy(s *Slot) []inventory.KindID {
	var out []inventory.KindID
	seen := make(map[inventory.KindID]bool)
	for _, it := range t.inv.Items() {
		if !seen[it.Kind] && s.AllowsKind(it.Kind) {
			seen[it.Kind] = true
			out = append(out, it.Kind)
		}
	}
	return out
}

// ItemAdded implements inventory.Listener.
func (t *Tracker) ItemAdded(item *inventory.Item) error {
	if item == nil {
		return fmt.Errorf("%w: nil item", ErrInvalidArgument)
	}
	return t.Restock(item, item.Count)
}

// ItemAddedAndMerged implements inventory.Listener.
func (t *Tracker) ItemAddedAndMerged(item *inventory.Item, merged int) error {
	return t.Restock(item, merged)
}

// ItemRemoved implements inventory.Listener.
func (t *Tracker) ItemRemoved(item *inventory.Item) error {
	if item == nil {
		return fmt.Errorf("%w: nil item", ErrInvalidArgument)
	}
	err := t.DeleteStock(item, item.Count)
	if t.alloc != nil {
		delete(t.alloc, item.ID)
	}
	return err
}

// ItemSplitOff implements inventory.Listener.
func (t *Tracker) ItemSplitOff(item *inventory.Item, count int) error {
	return t.DeleteStock(item, count)
}

// Margin returns the margin of a tracked slot.
func (t *Tracker) Margin(s *Slot) (int, bool) {
	if s == nil || !t.ready() {
		return 0, false
	}
	m, ok := t.margins[s]
	return m, ok
}

// Margins returns a copy of all margins keyed by slot id.
func (t *Tracker) Margins() map[SlotID]int {
	if !t.ready() {
		return nil
	}
	out := make(map[SlotID]int, len(t.margins))
	for s, m := range t.margins {
		out[s.ID] = m
	}
	return out
}

// ThresholdState returns the hysteresis state of a thresholded slot.
func (t *Tracker) ThresholdState(s *Slot) (ThresholdState, bool) {
	if s == nil || !t.ready() {
		return Saturated, false
	}
	th, ok := t.thresholds[s]
	if !ok {
		return Saturated, false
	}
	return th.state(), true
}

// ThresholdFlags exports the hysteresis flags (slot id to eligible) for
// persistence.
func (t *Tracker) ThresholdFlags() map[SlotID]bool {
	if !t.ready() {
		return nil
	}
	out := make(map[SlotID]bool, len(t.thresholds))
	for s, th := range t.thresholds {
		out[s.ID] = th.canRestock
	}
	return out
}

// NeedsRestock reports whether slot has a deficit it may ask to refill.
func (t *Tracker) NeedsRestock(s *Slot) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("%w: nil slot", ErrInvalidArgument)
	}
	if !t.ready() {
		return false, nil
	}
	return t.needsRestock(s), nil
}

func (t *Tracker) needsRestock(s *Slot) bool {
	m, ok := t.margins[s]
	if !ok || m >= 0 {
		return false
	}
	th := t.thresholds[s]
	return th == nil || th.canRestock
}

// NeedsRestockAny reports whether any slot needs a restock.
func (t *Tracker) NeedsRestockAny() bool {
	for range t.ItemsToRestock() {
		return true
	}
	return false
}

// ItemsToRestock yields every slot needing a restock with its shortfall,
// in loadout order. The sequence reads live state; do not mutate the
// inventory or loadout while ranging over it.
func (t *Tracker) ItemsToRestock() iter.Seq2[*Slot, int] {
	return func(yield func(*Slot, int) bool) {
		if !t.ready() {
			return
		}
		for _, s := range t.loadout.slots {
			if t.needsRestock(s) {
				if !yield(s, -t.margins[s]) {
					return
				}
			}
		}
	}
}

// FindCandidateSlots ranks the slots that would take qty units of item and
// how many units each would absorb right now, without changing state.
func (t *Tracker) FindCandidateSlots(item *inventory.Item, qty int) ([]Candidate, error) {
	if item == nil {
		return nil, fmt.Errorf("%w: nil item", ErrInvalidArgument)
	}
	if !t.ready() {
		return nil, nil
	}
	qty = t.quantity(item, qty, "lookup")
	cands := FindCandidateSlots(item, t.trackedSlots())
	remaining := qty
	for i := range cands {
		s := cands[i].Slot
		if th := t.thresholds[s]; th != nil && !th.canRestock {
			continue
		}
		if m := t.margins[s]; m < 0 && remaining > 0 {
			cands[i].Fill = min(remaining, -m)
			remaining -= cands[i].Fill
		}
	}
	if remaining > 0 && len(cands) > 0 {
		cands[0].Fill += remaining
	}
	return cands, nil
}

// Surplus returns how many units of a carried item exceed the loadout.
// Items matching no slot are not managed and never surplus.
func (t *Tracker) Surplus(item *inventory.Item) (int, error) {
	if item == nil {
		return 0, fmt.Errorf("%w: nil item", ErrInvalidArgument)
	}
	if !t.ready() {
		return 0, nil
	}
	total := 0
	for s, n := range t.alloc[item.ID] {
		if m := t.margins[s]; m > 0 {
			total += min(n, m)
		}
	}
	return total, nil
}

// SurplusItems yields carried stacks that could be dropped and how many
// units of each, general inventory first. Each slot's surplus is handed
// out once across stacks.
func (t *Tracker) SurplusItems() iter.Seq2[*inventory.Item, int] {
	return func(yield func(*inventory.Item, int) bool) {
		if !t.ready() {
			return
		}
		budget := make(map[*Slot]int)
		for s, m := range t.margins {
			if m > 0 {
				budget[s] = m
			}
		}
		items := t.inv.Items()
		for i := len(items) - 1; i >= 0; i-- {
			it := items[i]
			amount := 0
			for s, n := range t.alloc[it.ID] {
				if b := budget[s]; b > 0 {
					take := min(n, b)
					budget[s] -= take
					amount += take
				}
			}
			if amount > 0 && !yield(it, amount) {
				return
			}
		}
	}
}

// Verify checks that every margin equals the units credited to the slot
// by carried stacks minus its desired count, and that every carried stack
// is fully credited to slots that accept it. On mismatch the tracker logs
// a warning and rebuilds itself. It reports whether the state was sound.
func (t *Tracker) Verify() bool {
	if !t.ready() {
		return true
	}
	if problem := t.audit(); problem != "" {
		t.logger.Printf("loadout: tracker for agent %s desynchronized (%s), rebuilding", t.inv.Agent, problem)
		t.heal()
		return false
	}
	return true
}

func (t *Tracker) audit() string {
	credited := make(map[*Slot]int, len(t.margins))
	carried := make(map[inventory.ItemID]bool)
	tracked := t.trackedSlots()
	for _, it := range t.inv.Items() {
		carried[it.ID] = true
		total := 0
		for s, n := range t.alloc[it.ID] {
			if _, ok := t.margins[s]; !ok {
				return fmt.Sprintf("stack %s credited to untracked slot %s", it.ID, s.ID)
			}
			if _, ok := s.Match(it); !ok {
				return fmt.Sprintf("stack %s credited to non-matching slot %s", it.ID, s.ID)
			}
			credited[s] += n
			total += n
		}
		matched := len(FindCandidateSlots(it, tracked)) > 0
		if matched && total != it.Count {
			return fmt.Sprintf("stack %s has %d units, %d credited", it.ID, it.Count, total)
		}
	}
	for id := range t.alloc {
		if !carried[id] {
			return fmt.Sprintf("credit held for stack %s that is not carried", id)
		}
	}
	for s, m := range t.margins {
		if want := credited[s] - s.count; m != want {
			return fmt.Sprintf("slot %s margin %d, expected %d", s.ID, m, want)
		}
	}
	return ""
}
