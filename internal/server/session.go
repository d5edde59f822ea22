package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gravitas-games/kitkeeper/internal/config"
	"github.com/gravitas-games/kitkeeper/internal/network"
	"github.com/gravitas-games/kitkeeper/internal/snapshot"
	"github.com/gravitas-games/kitkeeper/internal/store"
	"github.com/gravitas-games/kitkeeper/pkg/inventory"
	"github.com/gravitas-games/kitkeeper/pkg/loadout"
	"github.com/gravitas-games/kitkeeper/pkg/models"
)

var (
	errLimit     = errors.New("session: limit reached")
	errForbidden = errors.New("session: permission denied")
)

// Session represents a loadout session: one World shared by every
// connected host bridge.
type Session struct {
	ID        string
	CreatedAt time.Time

	// Player management
	players map[string]*models.Player // playerID -> Player
	mu      sync.RWMutex

	// Engine state. Every tracker call runs under engineMu, which plays
	// the role of the simulation step.
	engineMu sync.Mutex
	world    *loadout.World
	owners   map[inventory.AgentID]string // agentID -> playerID
	tick     int64

	store store.Store

	status network.SessionStatus

	// Configuration
	config *config.Config
}

// NewSession creates a session. The latest snapshot in the configured
// directory is restored when snapshots are enabled.
func NewSession(id string, cfg *config.Config, st store.Store) (*Session, error) {
	log.Printf("Creating session: %s", id)

	world, err := cfg.World()
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = store.NewMemoryStore()
	}

	session := &Session{
		ID:        id,
		CreatedAt: time.Now(),
		players:   make(map[string]*models.Player),
		world:     world,
		owners:    make(map[inventory.AgentID]string),
		store:     st,
		config:    cfg,
		status: network.SessionStatus{
			State:      "waiting",
			MaxPlayers: cfg.Session.MaxPlayers,
		},
	}

	if cfg.Snapshot.EveryTicks > 0 {
		if err := session.restore(); err != nil {
			return nil, err
		}
	}

	log.Printf("Session %s created with %d families", id, len(world.Families.All()))
	return session, nil
}

func (s *Session) restore() error {
	path, err := snapshot.Latest(s.config.Snapshot.Dir)
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to locate snapshot: %w", err)
	}
	snap, err := snapshot.Read(path)
	if err != nil {
		return fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}
	if err := snapshot.Restore(s.world, snap); err != nil {
		return err
	}
	// restored agents belong to nobody until a bridge attaches them again
	s.tick = snap.Header.Tick
	log.Printf("Restored %d agents from %s (tick %d)", len(snap.Agents), path, snap.Header.Tick)
	return nil
}

// AddPlayer adds a player to the session
func (s *Session) AddPlayer(player *models.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.players[player.ID]; !exists && len(s.players) >= s.config.Session.MaxPlayers {
		return fmt.Errorf("%w: session full", errLimit)
	}
	s.players[player.ID] = player
	s.status.PlayerCount = len(s.players)
	s.status.State = "running"

	log.Printf("Player %s (%s) joined session %s", player.Username, player.ID, s.ID)
	return nil
}

// RemovePlayer removes a player from the session and detaches the agents
// it managed, persisting their loadout state first.
func (s *Session) RemovePlayer(ctx context.Context, playerID string) {
	s.mu.Lock()
	if player, exists := s.players[playerID]; exists {
		log.Printf("Player %s (%s) left session %s", player.Username, playerID, s.ID)
		delete(s.players, playerID)
		s.status.PlayerCount = len(s.players)
		if len(s.players) == 0 {
			s.status.State = "waiting"
		}
	}
	s.mu.Unlock()

	s.engineMu.Lock()
	var records []store.Record
	for agent, owner := range s.owners {
		if owner != playerID {
			continue
		}
		if rec, err := s.detachLocked(agent); err == nil && rec != nil {
			records = append(records, *rec)
		}
	}
	s.engineMu.Unlock()

	s.persist(ctx, records...)
}

// GetPlayer retrieves a player by ID
func (s *Session) GetPlayer(playerID string) (*models.Player, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	player, exists := s.players[playerID]
	return player, exists
}

// GetPlayers returns all players in the session
func (s *Session) GetPlayers() []*models.Player {
	s.mu.RLock()
	defer s.mu.RUnlock()

	players := make([]*models.Player, 0, len(s.players))
	for _, player := range s.players {
		players = append(players, player)
	}
	return players
}

// AttachAgent registers a pawn for the player. Without an explicit loadout
// the stored one is used, and failing that one is generated from the
// pawn's current gear. Stored hysteresis flags are restored when they
// belong to the same loadout.
func (s *Session) AttachAgent(ctx context.Context, player *models.Player, p network.AttachAgentPayload) (map[loadout.SlotID]int, error) {
	if !player.Can(models.PermManageAgents) {
		return nil, errForbidden
	}
	if p.AgentID == "" {
		return nil, fmt.Errorf("%w: missing agent id", loadout.ErrInvalidArgument)
	}
	rec, err := s.store.Load(ctx, p.AgentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("Failed to load stored loadout for %s: %v", p.AgentID, err)
	}
	haveRecord := err == nil

	s.engineMu.Lock()
	defer s.engineMu.Unlock()

	if owner, exists := s.owners[p.AgentID]; exists && owner != player.ID {
		return nil, fmt.Errorf("%w: agent %s is managed by another player", loadout.ErrInvalidArgument, p.AgentID)
	}
	owned := 0
	for _, owner := range s.owners {
		if owner == player.ID {
			owned++
		}
	}
	if _, exists := s.owners[p.AgentID]; !exists && owned >= s.config.Session.MaxAgentsPerPlayer {
		return nil, fmt.Errorf("%w: at most %d agents per player", errLimit, s.config.Session.MaxAgentsPerPlayer)
	}
	// a snapshot-restored or previously attached agent contributes its
	// loadout and flags when nothing is stored
	prev, hadPrev := s.world.Agent(p.AgentID)
	if hadPrev && !haveRecord {
		if live, ok := store.Capture(prev); ok {
			rec, haveRecord = live, true
		}
	}

	capacity := p.Capacity
	if capacity == 0 {
		capacity = s.config.Session.CarryCapacity
	}
	// validate the gear and resolve the loadout before the previous agent
	// is replaced, so a rejected attach leaves it untouched
	staged := inventory.New(string(p.AgentID)+"-staged", p.AgentID,
		inventory.WithRegistry(s.world.Registry), inventory.WithCapacity(capacity))
	for _, st := range p.Stacks {
		item := st.Item
		if err := staged.Add(st.Container, &item); err != nil {
			return nil, fmt.Errorf("%w: %v", loadout.ErrInvalidArgument, err)
		}
	}

	var (
		l     *loadout.Loadout
		flags map[loadout.SlotID]bool
	)
	switch {
	case p.Loadout != nil:
		l, err = s.loadoutFor(*p.Loadout)
		if err == nil && haveRecord && rec.Loadout.ID == l.ID {
			flags = rec.Flags
		}
	case haveRecord:
		l, err = s.loadoutFor(rec.Loadout)
		flags = rec.Flags
	default:
		l, err = loadout.FromInventory(string(p.AgentID)+" gear", staged)
		if err == nil {
			err = s.world.AddLoadout(l)
		}
	}
	if err != nil {
		return nil, err
	}

	if hadPrev {
		_ = s.world.RemoveAgent(prev.ID)
		delete(s.owners, prev.ID)
	}
	a, err := s.world.AddAgent(p.AgentID, capacity)
	if err != nil {
		return nil, err
	}
	for _, item := range staged.Items() {
		_, c, _ := staged.Get(item.ID)
		if err := a.Inventory.Add(c, item.Clone()); err != nil {
			_ = s.world.RemoveAgent(p.AgentID)
			return nil, err
		}
	}
	if err := a.Tracker.AttachWithFlags(l, flags); err != nil {
		_ = s.world.RemoveAgent(p.AgentID)
		return nil, err
	}
	s.owners[p.AgentID] = player.ID
	log.Printf("Agent %s attached by %s with loadout %s (%d slots)", p.AgentID, player.Username, l.Name, l.Len())
	return a.Tracker.Margins(), nil
}

// loadoutFor returns the registered loadout with the definition's id, so
// agents naming the same loadout share it, or builds and registers it.
func (s *Session) loadoutFor(def loadout.Definition) (*loadout.Loadout, error) {
	if def.ID != "" {
		if l, ok := s.world.Loadout(def.ID); ok {
			return l, nil
		}
	}
	l, err := s.world.Build(def)
	if err != nil {
		return nil, err
	}
	return l, s.world.AddLoadout(l)
}

// DetachAgent persists and forgets an agent.
func (s *Session) DetachAgent(ctx context.Context, player *models.Player, agent inventory.AgentID) error {
	if !player.Can(models.PermManageAgents) {
		return errForbidden
	}
	s.engineMu.Lock()
	if _, err := s.ownedLocked(player, agent); err != nil {
		s.engineMu.Unlock()
		return err
	}
	rec, err := s.detachLocked(agent)
	s.engineMu.Unlock()
	if err != nil {
		return err
	}
	if rec != nil {
		s.persist(ctx, *rec)
	}
	return nil
}

func (s *Session) detachLocked(agent inventory.AgentID) (*store.Record, error) {
	a, ok := s.world.Agent(agent)
	if !ok {
		return nil, fmt.Errorf("%w: %s", loadout.ErrAgentNotFound, agent)
	}
	var out *store.Record
	if rec, ok := store.Capture(a); ok {
		out = &rec
	}
	delete(s.owners, agent)
	return out, s.world.RemoveAgent(agent)
}

func (s *Session) ownedLocked(player *models.Player, agent inventory.AgentID) (*loadout.Agent, error) {
	a, ok := s.world.Agent(agent)
	if !ok || s.owners[agent] != player.ID {
		return nil, fmt.Errorf("%w: %s", loadout.ErrAgentNotFound, agent)
	}
	return a, nil
}

// withAgent runs fn on one of the player's agents under the engine lock
// and returns the resulting margins.
func (s *Session) withAgent(player *models.Player, agent inventory.AgentID, fn func(*loadout.Agent) error) (map[loadout.SlotID]int, error) {
	s.engineMu.Lock()
	defer s.engineMu.Unlock()
	a, err := s.ownedLocked(player, agent)
	if err != nil {
		return nil, err
	}
	if err := fn(a); err != nil {
		return nil, err
	}
	return a.Tracker.Margins(), nil
}

// ItemAdded mirrors a new stack entering the agent's gear.
func (s *Session) ItemAdded(player *models.Player, p network.ItemAddedPayload) (map[loadout.SlotID]int, error) {
	return s.withAgent(player, p.AgentID, func(a *loadout.Agent) error {
		item := p.Item
		return a.Inventory.Add(p.Container, &item)
	})
}

// ItemMerged mirrors units merged into a carried stack.
func (s *Session) ItemMerged(player *models.Player, p network.ItemMergedPayload) (map[loadout.SlotID]int, error) {
	return s.withAgent(player, p.AgentID, func(a *loadout.Agent) error {
		return a.Inventory.Merge(p.ItemID, p.Amount)
	})
}

// ItemRemoved mirrors a stack leaving the agent.
func (s *Session) ItemRemoved(player *models.Player, p network.ItemRemovedPayload) (map[loadout.SlotID]int, error) {
	return s.withAgent(player, p.AgentID, func(a *loadout.Agent) error {
		_, err := a.Inventory.Remove(p.ItemID)
		return err
	})
}

// ItemSplit mirrors part of a stack being split off and dropped.
func (s *Session) ItemSplit(player *models.Player, p network.ItemSplitPayload) (map[loadout.SlotID]int, error) {
	return s.withAgent(player, p.AgentID, func(a *loadout.Agent) error {
		_, err := a.Inventory.Split(p.ItemID, p.Count, p.NewID)
		return err
	})
}

// SlotAdd appends a slot to the agent's loadout. Agents sharing the
// loadout see the change too.
func (s *Session) SlotAdd(ctx context.Context, player *models.Player, p network.SlotAddPayload) (map[loadout.SlotID]int, error) {
	if !player.Can(models.PermEditLoadouts) {
		return nil, errForbidden
	}
	return s.editLoadout(ctx, player, p.AgentID, func(l *loadout.Loadout) error {
		slot, err := s.world.BuildSlot(p.Slot)
		if err != nil {
			return err
		}
		return l.Add(slot)
	})
}

// SlotRemove drops a slot from the agent's loadout.
func (s *Session) SlotRemove(ctx context.Context, player *models.Player, p network.SlotRemovePayload) (map[loadout.SlotID]int, error) {
	if !player.Can(models.PermEditLoadouts) {
		return nil, errForbidden
	}
	return s.editLoadout(ctx, player, p.AgentID, func(l *loadout.Loadout) error {
		slot, ok := l.Slot(p.SlotID)
		if !ok {
			return fmt.Errorf("%w: %s", loadout.ErrSlotNotFound, p.SlotID)
		}
		return l.Remove(slot)
	})
}

// SlotSetCount changes a slot's desired count.
func (s *Session) SlotSetCount(ctx context.Context, player *models.Player, p network.SlotSetCountPayload) (map[loadout.SlotID]int, error) {
	if !player.Can(models.PermEditLoadouts) {
		return nil, errForbidden
	}
	return s.editLoadout(ctx, player, p.AgentID, func(l *loadout.Loadout) error {
		slot, ok := l.Slot(p.SlotID)
		if !ok {
			return fmt.Errorf("%w: %s", loadout.ErrSlotNotFound, p.SlotID)
		}
		return l.SetCount(slot, p.Count)
	})
}

func (s *Session) editLoadout(ctx context.Context, player *models.Player, agent inventory.AgentID, fn func(*loadout.Loadout) error) (map[loadout.SlotID]int, error) {
	var rec store.Record
	var saved bool
	margins, err := s.withAgent(player, agent, func(a *loadout.Agent) error {
		l := a.Tracker.Loadout()
		if l == nil {
			return fmt.Errorf("%w: agent %s has no loadout", loadout.ErrInvalidArgument, agent)
		}
		if err := fn(l); err != nil {
			return err
		}
		rec, saved = store.Capture(a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if saved {
		s.persist(ctx, rec)
	}
	return margins, nil
}

// QueryRestock lists the agent's open deficits and droppable surplus.
func (s *Session) QueryRestock(player *models.Player, agent inventory.AgentID) (network.RestockPayload, error) {
	out := network.RestockPayload{AgentID: agent, Entries: []network.RestockEntry{}}
	_, err := s.withAgent(player, agent, func(a *loadout.Agent) error {
		for slot, short := range a.Tracker.ItemsToRestock() {
			entry := network.RestockEntry{SlotID: slot.ID, Label: slot.Label(), Shortfall: short}
			if c, ok := slot.Selectors()[0].(*loadout.Concrete); ok {
				entry.Sample = c.Sample()
				entry.Sample.Count = short
			}
			out.Entries = append(out.Entries, entry)
		}
		for item, n := range a.Tracker.SurplusItems() {
			out.Surplus = append(out.Surplus, network.SurplusEntry{ItemID: item.ID, Count: n})
		}
		return nil
	})
	out.Needs = len(out.Entries) > 0
	return out, err
}

// FindSlots ranks the agent's slots for an item found in the world.
func (s *Session) FindSlots(player *models.Player, p network.FindSlotsPayload) (network.CandidatesPayload, error) {
	out := network.CandidatesPayload{AgentID: p.AgentID, Candidates: []network.CandidateEntry{}}
	_, err := s.withAgent(player, p.AgentID, func(a *loadout.Agent) error {
		item := p.Item
		cands, err := a.Tracker.FindCandidateSlots(&item, p.Quantity)
		if err != nil {
			return err
		}
		for _, c := range cands {
			out.Candidates = append(out.Candidates, network.CandidateEntry{SlotID: c.Slot.ID, Label: c.Slot.Label(), Fill: c.Fill})
		}
		return nil
	})
	return out, err
}

// Tick advances the session clock, auditing trackers and writing
// snapshots at their configured intervals.
func (s *Session) Tick() {
	s.engineMu.Lock()
	defer s.engineMu.Unlock()

	s.tick++
	if n := s.config.Engine.VerifyEveryTicks; n > 0 && s.tick%int64(n) == 0 {
		if healed := s.world.Verify(); healed > 0 {
			log.Printf("Tick %d: rebuilt %d desynchronized trackers", s.tick, healed)
		}
	}
	if n := s.config.Snapshot.EveryTicks; n > 0 && s.tick%int64(n) == 0 {
		if err := s.snapshotLocked(); err != nil {
			log.Printf("Tick %d: snapshot failed: %v", s.tick, err)
		}
	}
}

func (s *Session) snapshotLocked() error {
	snap, err := snapshot.Capture(s.world, s.ID, s.tick)
	if err != nil {
		return err
	}
	return snapshot.Write(snapshot.Path(s.config.Snapshot.Dir, s.tick), snap)
}

// Run ticks at the configured rate until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(s.config.Server.TickRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Close persists every agent, writes a final snapshot when snapshots are
// enabled and tears the world down.
func (s *Session) Close(ctx context.Context) {
	s.engineMu.Lock()
	var records []store.Record
	for _, a := range s.world.Agents() {
		if rec, ok := store.Capture(a); ok {
			records = append(records, rec)
		}
	}
	if s.config.Snapshot.EveryTicks > 0 {
		if err := s.snapshotLocked(); err != nil {
			log.Printf("Final snapshot failed: %v", err)
		}
	}
	s.world.Close()
	s.owners = make(map[inventory.AgentID]string)
	s.engineMu.Unlock()

	s.persist(ctx, records...)

	s.mu.Lock()
	s.status.State = "closed"
	s.mu.Unlock()
}

func (s *Session) persist(ctx context.Context, records ...store.Record) {
	for _, rec := range records {
		if err := s.store.Save(ctx, rec); err != nil {
			log.Printf("Failed to persist loadout of %s: %v", rec.Agent, err)
		}
	}
}

// GetStatus returns the current session status
func (s *Session) GetStatus() network.SessionStatus {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()

	s.engineMu.Lock()
	status.AgentCount = len(s.world.Agents())
	status.ServerTick = s.tick
	s.engineMu.Unlock()

	status.Uptime = int64(time.Since(s.CreatedAt).Seconds())
	return status
}
