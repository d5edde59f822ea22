package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sample = `
server:
  host: 0.0.0.0
  port: 9100
redis:
  address: localhost:6379
session:
  carry_capacity: 35
engine:
  verify_every_ticks: 200
kinds:
  - id: rice
    label: raw rice
    category: food
    mass: 0.03
    tags: [raw, plant]
  - id: meat
    label: raw meat
    category: food
    mass: 0.03
    tags: [raw, animal]
  - id: meal
    category: food
    mass: 0.44
    tags: [meal]
families:
  - id: raw-food
    label: raw food
    categories: [food]
    tags: [raw]
  - id: vegetarian
    tags: [raw]
    exclude_tags: [animal]
`

func TestLoadDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9100 || cfg.Server.TickRate != 20 {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Engine.ParallelScanMinItems != 32 || cfg.Engine.ScanWorkers != 4 || cfg.Engine.VerifyEveryTicks != 200 {
		t.Fatalf("unexpected engine config %+v", cfg.Engine)
	}
	if cfg.Redis.LoadoutPrefix != "loadout:" || cfg.Redis.BlacklistPrefix != "blacklist:" {
		t.Fatalf("redis prefixes not defaulted: %+v", cfg.Redis)
	}
	if cfg.Session.CarryCapacity != 35 || cfg.Session.MaxAgentsPerPlayer != 50 {
		t.Fatalf("unexpected session config %+v", cfg.Session)
	}
	if len(cfg.Families) != 2 || cfg.Families[1].ExcludeTags[0] != "animal" {
		t.Fatalf("families not decoded: %+v", cfg.Families)
	}
}

func TestWorldFromConfig(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	w, err := cfg.World()
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	veg, ok := w.Families.Lookup("vegetarian")
	if !ok {
		t.Fatalf("vegetarian family missing")
	}
	if !veg.Matches("rice") || veg.Matches("meat") || veg.Matches("meal") {
		t.Fatalf("vegetarian family resolved against the wrong kinds")
	}
	if w.Registry.MassFor("meal") != 0.44 {
		t.Fatalf("kinds not registered")
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"duplicate family":   "families:\n  - id: a\n  - id: a\n",
		"family without id":  "families:\n  - label: x\n",
		"negative capacity":  "session:\n  carry_capacity: -1\n",
		"negative tick rate": "server:\n  tick_rate: -1\n",
		"bad yaml":           "server: [",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestEmptyKindsUseSampleCatalogue(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  port: 1\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	reg, err := cfg.Registry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if _, ok := reg.Lookup("knife"); !ok {
		t.Fatalf("expected sample kinds")
	}
}
