package loadout

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/gravitas-games/kitkeeper/pkg/inventory"
)

func newWorld(t *testing.T) *World {
	t.Helper()
	w := NewWorld(inventory.SampleRegistry(), WithLogger(&captureLogger{}))
	if _, err := w.Families.Register(FamilyDef{ID: "raw-food", Label: "raw food", Mass: 0.03, Categories: []string{"food"}, Tags: []string{"raw"}}); err != nil {
		t.Fatalf("register family: %v", err)
	}
	return w
}

func TestWorldAssign(t *testing.T) {
	w := newWorld(t)
	defer w.Close()

	a, err := w.AddAgent("pawn", 0)
	if err != nil {
		t.Fatalf("add agent: %v", err)
	}
	if _, err := w.AddAgent("pawn", 0); err == nil {
		t.Fatalf("expected duplicate agent error")
	}
	threshold := 5
	l, err := w.Build(Definition{Name: "hauler", Slots: []SlotDefinition{
		{ID: "food", Count: 20, Threshold: &threshold, Selectors: []SelectorDefinition{{Family: "raw-food"}}},
		{ID: "blade", Count: 1, Selectors: []SelectorDefinition{{Kind: "knife", QualityMin: inventory.QualityGood}}},
	}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := w.Assign("pawn", l.ID); !errors.Is(err, ErrLoadoutNotFound) {
		t.Fatalf("expected unregistered loadout error, got %v", err)
	}
	_ = w.AddLoadout(l)
	if err := w.Assign("pawn", l.ID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := w.Assign("ghost", l.ID); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected unknown agent error, got %v", err)
	}

	_ = a.Inventory.Add(inventory.ContainerGeneral, inventory.NewItem("c", "corn", 8))
	food, _ := l.Slot("food")
	if m, _ := a.Tracker.Margin(food); m != -12 {
		t.Fatalf("expected food margin -12, got %d", m)
	}
	if w.Verify() != 0 {
		t.Fatalf("expected no tracker to need healing")
	}

	if err := w.RemoveLoadout(l.ID); err != nil {
		t.Fatalf("remove loadout: %v", err)
	}
	if a.Tracker.Initialized() || l.Subscribers() != 0 {
		t.Fatalf("removed loadout still attached")
	}
	if err := w.RemoveAgent("pawn"); err != nil {
		t.Fatalf("remove agent: %v", err)
	}
	if _, ok := w.Agent("pawn"); ok {
		t.Fatalf("agent still registered")
	}
}

func TestDefinitionRoundTrip(t *testing.T) {
	w := newWorld(t)
	threshold := 2
	def := Definition{ID: "kit", Name: "kit", Slots: []SlotDefinition{
		{ID: "a", Count: 3, Threshold: &threshold, Selectors: []SelectorDefinition{
			{Kind: "knife", Material: "steel", QualityMin: inventory.QualityGood, QualityMax: inventory.QualityLegendary},
			{Kind: "revolver", ConditionMin: 0.5, ConditionMax: 1},
		}},
		{ID: "b", Count: 10, Selectors: []SelectorDefinition{{Family: "raw-food"}}},
	}}
	l, err := w.Build(def)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	data, err := json.Marshal(l.Definition())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Definition
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	l2, err := w.Build(back)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if l2.ID != "kit" || l2.Len() != 2 {
		t.Fatalf("loadout shape lost")
	}
	a, _ := l2.Slot("a")
	if n, ok := a.Threshold(); !ok || n != 2 || a.Count() != 3 {
		t.Fatalf("slot a lost its counts")
	}
	c, ok := a.Selectors()[0].(*Concrete)
	if !ok || c.Material != "steel" || c.Quality.Min != inventory.QualityGood {
		t.Fatalf("concrete selector lost its constraints: %+v", a.Selectors()[0])
	}
	b, _ := l2.Slot("b")
	if fs, ok := b.Selectors()[0].(*FamilySelector); !ok || fs.Family.ID() != "raw-food" {
		t.Fatalf("family selector lost")
	}
}

func TestBuildRejectsBadDefinitions(t *testing.T) {
	w := newWorld(t)
	bad := []SelectorDefinition{
		{},
		{Kind: "knife", Family: "raw-food"},
		{Kind: "unobtainium"},
		{Family: "nope"},
		{Kind: "knife", QualityMin: inventory.QualityLegendary, QualityMax: inventory.QualityPoor},
		{Kind: "knife", ConditionMin: 0.9, ConditionMax: 0.2},
	}
	for i, sd := range bad {
		_, err := w.Build(Definition{Name: "bad", Slots: []SlotDefinition{{Count: 1, Selectors: []SelectorDefinition{sd}}}})
		if !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("case %d: expected invalid argument, got %v", i, err)
		}
	}
	threshold := 4
	if _, err := w.Build(Definition{Slots: []SlotDefinition{{Count: 2, Threshold: &threshold, Selectors: []SelectorDefinition{{Kind: "rice"}}}}}); err == nil {
		t.Fatalf("expected threshold above count to fail")
	}
}

func TestFromInventoryAndWeight(t *testing.T) {
	inv, reg := inventory.SampleInventory()
	l, err := FromInventory("current", inv)
	if err != nil {
		t.Fatalf("from inventory: %v", err)
	}
	if l.Len() != 4 {
		t.Fatalf("expected 4 slots, got %d", l.Len())
	}
	want := 0.5 + 3 + 20*0.03 + 3*0.44
	if got := l.Weight(reg); math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected weight %.3f, got %.3f", want, got)
	}

	// the agent already carries exactly what the loadout asks for
	tr, _ := NewTracker(inv, WithLogger(&captureLogger{}))
	_ = tr.SetLoadout(l)
	for id, m := range tr.Margins() {
		if m != 0 {
			t.Fatalf("slot %s margin %d, want 0", id, m)
		}
	}
	if tr.NeedsRestockAny() {
		t.Fatalf("nothing should need a restock")
	}
}

func TestLoadoutObserversSnapshot(t *testing.T) {
	l := New("kit")
	var calls int
	var cancel func()
	cancel = l.OnSlotAdded(func(*Slot) {
		calls++
		cancel()
	})
	l.OnSlotAdded(func(*Slot) { calls++ })

	_ = l.Add(mustSlot(t, 1, NewConcrete("rice")))
	if calls != 2 {
		t.Fatalf("expected both observers to run, got %d", calls)
	}
	_ = l.Add(mustSlot(t, 1, NewConcrete("corn")))
	if calls != 3 {
		t.Fatalf("cancelled observer still notified, calls=%d", calls)
	}
	if l.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", l.Subscribers())
	}
}

func TestLoadoutSetCountLowersThreshold(t *testing.T) {
	l := New("kit")
	s, _ := NewSlot(10, []Selector{NewConcrete("rice")}, WithThreshold(8))
	_ = l.Add(s)
	var old int
	l.OnCountChanged(func(_ *Slot, o int) { old = o })
	if err := l.SetCount(s, 5); err != nil {
		t.Fatalf("set count: %v", err)
	}
	if old != 10 {
		t.Fatalf("expected old count 10, got %d", old)
	}
	if n, _ := s.Threshold(); n != 5 {
		t.Fatalf("expected threshold lowered to 5, got %d", n)
	}
	if err := l.SetCount(s, -1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	other, _ := NewSlot(1, []Selector{NewConcrete("corn")})
	if err := l.SetCount(other, 1); !errors.Is(err, ErrSlotNotFound) {
		t.Fatalf("expected slot not found, got %v", err)
	}
}
