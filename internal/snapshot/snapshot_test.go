package snapshot

import (
	"errors"
	"testing"

	"github.com/gravitas-games/kitkeeper/pkg/inventory"
	"github.com/gravitas-games/kitkeeper/pkg/loadout"
)

func buildWorld(t *testing.T) *loadout.World {
	t.Helper()
	w := loadout.NewWorld(inventory.SampleRegistry())
	if _, err := w.Families.Register(loadout.FamilyDef{ID: "raw-food", Categories: []string{"food"}, Tags: []string{"raw"}}); err != nil {
		t.Fatalf("register family: %v", err)
	}
	threshold := 4
	l, err := w.Build(loadout.Definition{ID: "hauler", Name: "hauler", Slots: []loadout.SlotDefinition{
		{ID: "food", Count: 10, Threshold: &threshold, Selectors: []loadout.SelectorDefinition{{Family: "raw-food"}}},
		{ID: "blade", Count: 1, Selectors: []loadout.SelectorDefinition{{Kind: "knife"}}},
	}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	_ = w.AddLoadout(l)
	for _, id := range []inventory.AgentID{"ann", "bob"} {
		a, err := w.AddAgent(id, 40)
		if err != nil {
			t.Fatalf("add agent: %v", err)
		}
		if err := w.Assign(id, l.ID); err != nil {
			t.Fatalf("assign: %v", err)
		}
		_ = a.Inventory.Add(inventory.ContainerGeneral, inventory.NewItem(inventory.ItemID(id)+"-rice", "rice", 10))
	}
	// ann drains to just above the threshold and stays saturated
	ann, _ := w.Agent("ann")
	_, _ = ann.Inventory.Split("ann-rice", 5, "dropped")
	_, _ = w.AddAgent("idle", 0)
	return w
}

func TestWriteReadRestore(t *testing.T) {
	w := buildWorld(t)
	snap, err := Capture(w, "main", 42)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	path := Path(t.TempDir(), 42)
	if err := Write(path, snap); err != nil {
		t.Fatalf("write: %v", err)
	}
	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if h.Tick != 42 || h.Agents != 3 || h.Session != "main" {
		t.Fatalf("unexpected header %+v", h)
	}
	back, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	fresh := loadout.NewWorld(inventory.SampleRegistry())
	_, _ = fresh.Families.Register(loadout.FamilyDef{ID: "raw-food", Categories: []string{"food"}, Tags: []string{"raw"}})
	if err := Restore(fresh, back); err != nil {
		t.Fatalf("restore: %v", err)
	}

	for _, id := range []inventory.AgentID{"ann", "bob"} {
		orig, _ := w.Agent(id)
		got, ok := fresh.Agent(id)
		if !ok {
			t.Fatalf("agent %s not restored", id)
		}
		want := orig.Tracker.Margins()
		have := got.Tracker.Margins()
		for slot, m := range want {
			if have[slot] != m {
				t.Fatalf("%s slot %s: expected margin %d, got %d", id, slot, m, have[slot])
			}
		}
		wantFlags, haveFlags := orig.Tracker.ThresholdFlags(), got.Tracker.ThresholdFlags()
		for slot, f := range wantFlags {
			if haveFlags[slot] != f {
				t.Fatalf("%s slot %s: expected flag %t, got %t", id, slot, f, haveFlags[slot])
			}
		}
		if got.Inventory.MassCapacity != 40 {
			t.Fatalf("%s capacity lost", id)
		}
	}
	ann, _ := fresh.Agent("ann")
	bob, _ := fresh.Agent("bob")
	if ann.Tracker.Loadout() != bob.Tracker.Loadout() {
		t.Fatalf("shared loadout restored as two copies")
	}
	if need, _ := ann.Tracker.NeedsRestock(mustSlot(t, ann.Tracker.Loadout(), "food")); need {
		t.Fatalf("restored saturated slot asks for restock")
	}
	idle, ok := fresh.Agent("idle")
	if !ok || idle.Tracker.Initialized() {
		t.Fatalf("idle agent not restored without a loadout")
	}
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	if _, err := Latest(dir); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected no snapshot, got %v", err)
	}
	w := buildWorld(t)
	for _, tick := range []int64{5, 120, 30} {
		snap, _ := Capture(w, "main", tick)
		if err := Write(Path(dir, tick), snap); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	path, err := Latest(dir)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if path != Path(dir, 120) {
		t.Fatalf("expected newest snapshot, got %s", path)
	}
}

func TestRestoreRejectsUnknownVersion(t *testing.T) {
	w := loadout.NewWorld(nil)
	if err := Restore(w, Snapshot{Header: Header{Version: 99}}); err == nil {
		t.Fatalf("expected version error")
	}
}

func mustSlot(t *testing.T, l *loadout.Loadout, id loadout.SlotID) *loadout.Slot {
	t.Helper()
	s, ok := l.Slot(id)
	if !ok {
		t.Fatalf("slot %s missing", id)
	}
	return s
}
