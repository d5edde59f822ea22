package server

import (
	"context"
	"errors"
	"testing"

	"github.com/gravitas-games/kitkeeper/internal/config"
	"github.com/gravitas-games/kitkeeper/internal/network"
	"github.com/gravitas-games/kitkeeper/internal/snapshot"
	"github.com/gravitas-games/kitkeeper/internal/store"
	"github.com/gravitas-games/kitkeeper/pkg/inventory"
	"github.com/gravitas-games/kitkeeper/pkg/loadout"
	"github.com/gravitas-games/kitkeeper/pkg/models"
)

const testConfig = `
session:
  max_agents_per_player: 2
families:
  - id: raw-food
    label: raw food
    categories: [food]
    tags: [raw]
`

func testSession(t *testing.T, extra string) (*Session, *store.MemoryStore) {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig + extra))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	st := store.NewMemoryStore()
	s, err := NewSession("test", cfg, st)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	return s, st
}

func testPlayer(t *testing.T, s *Session, id string, perms int64) *models.Player {
	t.Helper()
	p := &models.Player{ID: id, Username: id, Permissions: perms, Activated: 1}
	if err := s.AddPlayer(p); err != nil {
		t.Fatalf("add player: %v", err)
	}
	return p
}

func intp(n int) *int { return &n }

func hauler(threshold *int) *loadout.Definition {
	return &loadout.Definition{ID: "hauler", Name: "hauler", Slots: []loadout.SlotDefinition{
		{ID: "food", Count: 10, Threshold: threshold, Selectors: []loadout.SelectorDefinition{{Family: "raw-food"}}},
	}}
}

func rice(id inventory.ItemID, n int) network.StackPayload {
	return network.StackPayload{Container: inventory.ContainerGeneral, Item: *inventory.NewItem(id, "rice", n)}
}

func TestSessionTracksBridgeEvents(t *testing.T) {
	s, st := testSession(t, "")
	ctx := context.Background()
	ann := testPlayer(t, s, "1", models.PermManageAgents|models.PermEditLoadouts)

	margins, err := s.AttachAgent(ctx, ann, network.AttachAgentPayload{
		AgentID: "ann",
		Stacks:  []network.StackPayload{rice("rice-1", 4)},
		Loadout: hauler(nil),
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if margins["food"] != -6 {
		t.Fatalf("expected margin -6, got %d", margins["food"])
	}

	margins, err = s.ItemAdded(ann, network.ItemAddedPayload{
		AgentID:      "ann",
		StackPayload: network.StackPayload{Container: inventory.ContainerGeneral, Item: *inventory.NewItem("corn-1", "corn", 3)},
	})
	if err != nil || margins["food"] != -3 {
		t.Fatalf("expected margin -3 after add, got %d (%v)", margins["food"], err)
	}
	margins, err = s.ItemSplit(ann, network.ItemSplitPayload{AgentID: "ann", ItemID: "rice-1", Count: 2, NewID: "dropped"})
	if err != nil || margins["food"] != -5 {
		t.Fatalf("expected margin -5 after split, got %d (%v)", margins["food"], err)
	}

	restock, err := s.QueryRestock(ann, "ann")
	if err != nil {
		t.Fatalf("restock: %v", err)
	}
	if !restock.Needs || len(restock.Entries) != 1 || restock.Entries[0].Shortfall != 5 {
		t.Fatalf("unexpected restock answer %+v", restock)
	}

	meat := *inventory.NewItem("meat-1", "meat", 8)
	cands, err := s.FindSlots(ann, network.FindSlotsPayload{AgentID: "ann", Item: meat, Quantity: 8})
	if err != nil {
		t.Fatalf("find slots: %v", err)
	}
	if len(cands.Candidates) != 1 || cands.Candidates[0].SlotID != "food" || cands.Candidates[0].Fill != 8 {
		t.Fatalf("unexpected candidates %+v", cands.Candidates)
	}

	margins, err = s.SlotSetCount(ctx, ann, network.SlotSetCountPayload{AgentID: "ann", SlotID: "food", Count: 3})
	if err != nil || margins["food"] != 2 {
		t.Fatalf("expected margin 2 after resize, got %d (%v)", margins["food"], err)
	}
	restock, _ = s.QueryRestock(ann, "ann")
	surplus := 0
	for _, e := range restock.Surplus {
		surplus += e.Count
	}
	if restock.Needs || surplus != 2 {
		t.Fatalf("expected 2 surplus units and no restock, got %+v", restock)
	}

	rec, err := st.Load(ctx, "ann")
	if err != nil {
		t.Fatalf("expected loadout edit to be persisted: %v", err)
	}
	if rec.Loadout.Slots[0].Count != 3 {
		t.Fatalf("expected stored count 3, got %d", rec.Loadout.Slots[0].Count)
	}

	margins, err = s.SlotAdd(ctx, ann, network.SlotAddPayload{AgentID: "ann", Slot: loadout.SlotDefinition{
		ID: "blade", Count: 1, Selectors: []loadout.SelectorDefinition{{Kind: "knife"}},
	}})
	if err != nil || margins["blade"] != -1 {
		t.Fatalf("expected new slot at -1, got %d (%v)", margins["blade"], err)
	}
	restock, _ = s.QueryRestock(ann, "ann")
	if len(restock.Entries) != 1 || restock.Entries[0].SlotID != "blade" {
		t.Fatalf("expected only the blade slot to need restock, got %+v", restock.Entries)
	}
	if sample := restock.Entries[0].Sample; sample == nil || sample.Kind != "knife" || sample.Count != 1 {
		t.Fatalf("expected a knife sample for one unit, got %+v", sample)
	}
	margins, err = s.SlotRemove(ctx, ann, network.SlotRemovePayload{AgentID: "ann", SlotID: "blade"})
	if err != nil {
		t.Fatalf("remove slot: %v", err)
	}
	if _, ok := margins["blade"]; ok {
		t.Fatalf("removed slot still tracked")
	}
	if _, err := s.SlotRemove(ctx, ann, network.SlotRemovePayload{AgentID: "ann", SlotID: "blade"}); !errors.Is(err, loadout.ErrSlotNotFound) {
		t.Fatalf("expected ErrSlotNotFound, got %v", err)
	}
}

func TestSessionRejectedReattachKeepsAgent(t *testing.T) {
	s, _ := testSession(t, "")
	ctx := context.Background()
	ann := testPlayer(t, s, "1", models.PermManageAgents|models.PermEditLoadouts)

	if _, err := s.AttachAgent(ctx, ann, network.AttachAgentPayload{
		AgentID: "ann",
		Stacks:  []network.StackPayload{rice("rice-1", 10)},
		Loadout: hauler(intp(4)),
	}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	margins, err := s.ItemSplit(ann, network.ItemSplitPayload{AgentID: "ann", ItemID: "rice-1", Count: 5, NewID: "dropped"})
	if err != nil || margins["food"] != -5 {
		t.Fatalf("expected margin -5 after split, got %d (%v)", margins["food"], err)
	}

	bad := []network.AttachAgentPayload{
		{AgentID: "ann", Stacks: []network.StackPayload{rice("rice-2", 0)}, Loadout: hauler(intp(4))},
		{AgentID: "ann", Stacks: []network.StackPayload{rice("rice-2", 3), rice("rice-2", 3)}, Loadout: hauler(intp(4))},
		{AgentID: "ann", Stacks: []network.StackPayload{rice("rice-2", 3)}, Loadout: &loadout.Definition{
			ID: "broken", Slots: []loadout.SlotDefinition{
				{ID: "food", Count: 10, Selectors: []loadout.SelectorDefinition{{Family: "no-such-family"}}},
			},
		}},
	}
	for i, p := range bad {
		if _, err := s.AttachAgent(ctx, ann, p); !errors.Is(err, loadout.ErrInvalidArgument) {
			t.Fatalf("case %d: expected ErrInvalidArgument, got %v", i, err)
		}

		restock, err := s.QueryRestock(ann, "ann")
		if err != nil {
			t.Fatalf("case %d: expected previous agent to survive, got %v", i, err)
		}
		if restock.Needs {
			t.Fatalf("case %d: expected saturated slot to stay saturated, got %+v", i, restock)
		}
	}
	if got := s.GetStatus().AgentCount; got != 1 {
		t.Fatalf("expected 1 agent, got %d", got)
	}

	if _, err := s.ItemRemoved(ann, network.ItemRemovedPayload{AgentID: "ann", ItemID: "rice-1"}); err != nil {
		t.Fatalf("expected previous inventory to hold rice-1: %v", err)
	}
	restock, err := s.QueryRestock(ann, "ann")
	if err != nil || !restock.Needs {
		t.Fatalf("expected restock once the slot drops past its threshold, got %+v (%v)", restock, err)
	}
}

func TestSessionPermissionsAndOwnership(t *testing.T) {
	s, _ := testSession(t, "")
	ctx := context.Background()
	ann := testPlayer(t, s, "1", models.PermManageAgents)
	bob := testPlayer(t, s, "2", models.PermManageAgents)
	guest := testPlayer(t, s, "3", 0)

	attach := network.AttachAgentPayload{AgentID: "ann", Loadout: hauler(nil)}
	if _, err := s.AttachAgent(ctx, guest, attach); !errors.Is(err, errForbidden) {
		t.Fatalf("expected errForbidden, got %v", err)
	}
	if _, err := s.AttachAgent(ctx, ann, attach); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := s.AttachAgent(ctx, bob, attach); !errors.Is(err, loadout.ErrInvalidArgument) {
		t.Fatalf("expected another player's agent to be refused, got %v", err)
	}
	if _, err := s.ItemMerged(bob, network.ItemMergedPayload{AgentID: "ann", ItemID: "x", Amount: 1}); !errors.Is(err, loadout.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
	if _, err := s.SlotAdd(ctx, ann, network.SlotAddPayload{AgentID: "ann"}); !errors.Is(err, errForbidden) {
		t.Fatalf("expected errForbidden for loadout edit, got %v", err)
	}

	if _, err := s.AttachAgent(ctx, ann, network.AttachAgentPayload{AgentID: "cat", Loadout: hauler(nil)}); err != nil {
		t.Fatalf("attach second agent: %v", err)
	}
	if _, err := s.AttachAgent(ctx, ann, network.AttachAgentPayload{AgentID: "dog", Loadout: hauler(nil)}); !errors.Is(err, errLimit) {
		t.Fatalf("expected errLimit, got %v", err)
	}

	annAgent, _ := s.world.Agent("ann")
	catAgent, _ := s.world.Agent("cat")
	if annAgent.Tracker.Loadout() != catAgent.Tracker.Loadout() {
		t.Fatalf("agents naming the same loadout id should share it")
	}

	if err := s.DetachAgent(ctx, ann, "cat"); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if err := s.DetachAgent(ctx, ann, "cat"); !errors.Is(err, loadout.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound on second detach, got %v", err)
	}
}

func TestSessionRestoresStoredLoadout(t *testing.T) {
	s, st := testSession(t, "")
	ctx := context.Background()
	ann := testPlayer(t, s, "1", models.PermManageAgents)

	if _, err := s.AttachAgent(ctx, ann, network.AttachAgentPayload{
		AgentID: "ann",
		Stacks:  []network.StackPayload{rice("rice-1", 10)},
		Loadout: hauler(intp(4)),
	}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	// drops to -5, above the boundary of -6, so the slot stays saturated
	if _, err := s.ItemSplit(ann, network.ItemSplitPayload{AgentID: "ann", ItemID: "rice-1", Count: 5, NewID: "eaten"}); err != nil {
		t.Fatalf("split: %v", err)
	}

	s.RemovePlayer(ctx, ann.ID)
	if _, ok := s.world.Agent("ann"); ok {
		t.Fatalf("agent should be detached with its player")
	}
	if _, err := st.Load(ctx, "ann"); err != nil {
		t.Fatalf("expected record on leave: %v", err)
	}

	ann = testPlayer(t, s, "1", models.PermManageAgents)
	margins, err := s.AttachAgent(ctx, ann, network.AttachAgentPayload{
		AgentID: "ann",
		Stacks:  []network.StackPayload{rice("rice-1", 5)},
	})
	if err != nil {
		t.Fatalf("re-attach: %v", err)
	}
	if margins["food"] != -5 {
		t.Fatalf("expected margin -5, got %d", margins["food"])
	}
	restock, _ := s.QueryRestock(ann, "ann")
	if restock.Needs {
		t.Fatalf("restored saturated slot should not ask for restock")
	}
}

func TestSessionGeneratesLoadoutFromGear(t *testing.T) {
	s, _ := testSession(t, "")
	ann := testPlayer(t, s, "1", models.PermManageAgents)

	knife := *inventory.NewItem("knife-1", "knife", 1)
	knife.Material = "steel"
	knife.Quality = inventory.QualityGood
	margins, err := s.AttachAgent(context.Background(), ann, network.AttachAgentPayload{
		AgentID: "ann",
		Stacks: []network.StackPayload{
			{Container: inventory.ContainerEquipment, Item: knife},
			rice("rice-1", 20),
		},
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if len(margins) == 0 {
		t.Fatalf("expected a generated loadout")
	}
	for slot, m := range margins {
		if m != 0 {
			t.Fatalf("generated slot %s should be satisfied, got margin %d", slot, m)
		}
	}
}

func TestSessionTickSnapshotsAndRestores(t *testing.T) {
	dir := t.TempDir()
	extra := `
engine:
  verify_every_ticks: 1
snapshot:
  every_ticks: 2
  dir: ` + dir + `
`
	s, _ := testSession(t, extra)
	ctx := context.Background()
	ann := testPlayer(t, s, "1", models.PermManageAgents)
	if _, err := s.AttachAgent(ctx, ann, network.AttachAgentPayload{
		AgentID: "ann",
		Stacks:  []network.StackPayload{rice("rice-1", 7)},
		Loadout: hauler(nil),
	}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	s.Tick()
	if _, err := snapshot.Latest(dir); !errors.Is(err, snapshot.ErrNoSnapshot) {
		t.Fatalf("expected no snapshot after one tick, got %v", err)
	}
	s.Tick()
	if _, err := snapshot.Latest(dir); err != nil {
		t.Fatalf("expected snapshot after two ticks: %v", err)
	}

	again, _ := testSession(t, extra)
	status := again.GetStatus()
	if status.AgentCount != 1 || status.ServerTick != 2 {
		t.Fatalf("unexpected restored status %+v", status)
	}
	ann = testPlayer(t, again, "1", models.PermManageAgents)
	margins, err := again.AttachAgent(ctx, ann, network.AttachAgentPayload{
		AgentID: "ann",
		Stacks:  []network.StackPayload{rice("rice-1", 7)},
	})
	if err != nil {
		t.Fatalf("attach restored agent: %v", err)
	}
	if margins["food"] != -3 {
		t.Fatalf("expected snapshot loadout to be reused, got margins %v", margins)
	}
	again.Close(ctx)
	if again.GetStatus().State != "closed" {
		t.Fatalf("expected closed session")
	}
}
