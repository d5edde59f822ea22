package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gravitas-games/kitkeeper/pkg/inventory"
	"github.com/gravitas-games/kitkeeper/pkg/loadout"
)

// Config holds all server configuration
type Config struct {
	Server   ServerConfig            `yaml:"server"`
	JWT      JWTConfig               `yaml:"jwt"`
	Redis    RedisConfig             `yaml:"redis"`
	Session  SessionConfig           `yaml:"session"`
	Engine   EngineConfig            `yaml:"engine"`
	Snapshot SnapshotConfig          `yaml:"snapshot"`
	Kinds    []inventory.KindDetails `yaml:"kinds"`
	Families []loadout.FamilyDef     `yaml:"families"`
}

// ServerConfig holds server-specific settings
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TickRate int    `yaml:"tick_rate"` // Hz
}

// JWTConfig holds JWT authentication settings
type JWTConfig struct {
	Issuer              string `yaml:"issuer"`
	PublicKeyURL        string `yaml:"public_key_url"`
	PublicKeyRefreshHrs int    `yaml:"public_key_refresh_hours"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address         string `yaml:"address"`
	Password        string `yaml:"password"`
	DB              int    `yaml:"db"`
	BlacklistPrefix string `yaml:"blacklist_prefix"`
	LoadoutPrefix   string `yaml:"loadout_prefix"`
}

// SessionConfig holds game session settings
type SessionConfig struct {
	MaxPlayers         int     `yaml:"max_players"`
	MaxAgentsPerPlayer int     `yaml:"max_agents_per_player"`
	CarryCapacity      float64 `yaml:"carry_capacity"` // mass units, 0 = unlimited
}

// EngineConfig tunes the margin trackers
type EngineConfig struct {
	ParallelScanMinItems int `yaml:"parallel_scan_min_items"`
	ScanWorkers          int `yaml:"scan_workers"`
	VerifyEveryTicks     int `yaml:"verify_every_ticks"` // 0 disables
}

// SnapshotConfig controls periodic session snapshots
type SnapshotConfig struct {
	Dir        string `yaml:"dir"`
	EveryTicks int    `yaml:"every_ticks"` // 0 disables
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and fills in defaults
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if not provided
	if cfg.Server.TickRate == 0 {
		cfg.Server.TickRate = 20
	}
	if cfg.JWT.PublicKeyRefreshHrs == 0 {
		cfg.JWT.PublicKeyRefreshHrs = 24
	}
	if cfg.Redis.BlacklistPrefix == "" {
		cfg.Redis.BlacklistPrefix = "blacklist:"
	}
	if cfg.Redis.LoadoutPrefix == "" {
		cfg.Redis.LoadoutPrefix = "loadout:"
	}
	if cfg.Session.MaxPlayers == 0 {
		cfg.Session.MaxPlayers = 100
	}
	if cfg.Session.MaxAgentsPerPlayer == 0 {
		cfg.Session.MaxAgentsPerPlayer = 50
	}
	if cfg.Engine.ParallelScanMinItems == 0 {
		cfg.Engine.ParallelScanMinItems = 32
	}
	if cfg.Engine.ScanWorkers == 0 {
		cfg.Engine.ScanWorkers = 4
	}
	if cfg.Snapshot.Dir == "" {
		cfg.Snapshot.Dir = "./data/snapshots"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.TickRate < 1 {
		return fmt.Errorf("server.tick_rate must be positive")
	}
	if c.Session.CarryCapacity < 0 {
		return fmt.Errorf("session.carry_capacity must not be negative")
	}
	if c.Engine.ScanWorkers < 1 {
		return fmt.Errorf("engine.scan_workers must be at least 1")
	}
	seen := make(map[loadout.FamilyID]bool, len(c.Families))
	for i, f := range c.Families {
		if f.ID == "" {
			return fmt.Errorf("families[%d]: missing id", i)
		}
		if seen[f.ID] {
			return fmt.Errorf("families[%d]: duplicate id %s", i, f.ID)
		}
		seen[f.ID] = true
	}
	return nil
}

// Registry builds the kind registry from the configured kinds. Without any
// configured kinds the built-in sample catalogue is used.
func (c *Config) Registry() (*inventory.Registry, error) {
	if len(c.Kinds) == 0 {
		return inventory.SampleRegistry(), nil
	}
	reg := inventory.NewRegistry()
	for i, k := range c.Kinds {
		if err := reg.Register(k); err != nil {
			return nil, fmt.Errorf("kinds[%d]: %w", i, err)
		}
	}
	return reg, nil
}

// World creates a session context with the configured kinds, families and
// engine tuning.
func (c *Config) World() (*loadout.World, error) {
	reg, err := c.Registry()
	if err != nil {
		return nil, err
	}
	w := loadout.NewWorld(reg, loadout.WithParallelScan(c.Engine.ParallelScanMinItems, c.Engine.ScanWorkers))
	for i, def := range c.Families {
		if _, err := w.Families.Register(def); err != nil {
			return nil, fmt.Errorf("families[%d]: %w", i, err)
		}
	}
	return w, nil
}
