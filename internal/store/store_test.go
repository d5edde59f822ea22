package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/gravitas-games/kitkeeper/pkg/inventory"
	"github.com/gravitas-games/kitkeeper/pkg/loadout"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	w := loadout.NewWorld(inventory.SampleRegistry())
	threshold := 3
	l, err := w.Build(loadout.Definition{ID: "kit", Name: "kit", Slots: []loadout.SlotDefinition{
		{ID: "rice", Count: 10, Threshold: &threshold, Selectors: []loadout.SelectorDefinition{{Kind: "rice"}}},
	}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	_ = w.AddLoadout(l)
	a, _ := w.AddAgent("store-test-pawn", 0)
	_ = w.Assign(a.ID, l.ID)
	_ = a.Inventory.Add(inventory.ContainerGeneral, inventory.NewItem("r", "rice", 10))

	rec, ok := Capture(a)
	if !ok {
		t.Fatalf("expected a record for an agent with a loadout")
	}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx, a.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Loadout.ID != "kit" || len(got.Loadout.Slots) != 1 || got.Loadout.Slots[0].Count != 10 {
		t.Fatalf("loadout not preserved: %+v", got.Loadout)
	}
	if flag, ok := got.Flags["rice"]; !ok || flag {
		t.Fatalf("expected saturated flag for a full slot, got %v", got.Flags)
	}

	ids, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, id := range ids {
		if id == a.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("saved agent not listed: %v", ids)
	}

	if err := s.Delete(ctx, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Load(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := s.Save(ctx, Record{}); err == nil {
		t.Fatalf("expected error for record without agent")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	s, err := DialRedis(context.Background(), addr, "", 0, "kitkeeper-test:")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestCaptureWithoutLoadout(t *testing.T) {
	w := loadout.NewWorld(nil)
	a, _ := w.AddAgent("idle", 0)
	if _, ok := Capture(a); ok {
		t.Fatalf("agent without loadout should not produce a record")
	}
}
