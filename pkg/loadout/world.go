package loadout

import (
	"errors"
	"fmt"
	"sort"

	"github.com/gravitas-games/kitkeeper/pkg/inventory"
)

var (
	// ErrAgentNotFound is returned for an unknown agent id.
	ErrAgentNotFound = errors.New("loadout: agent not found")
	// ErrLoadoutNotFound is returned for an unknown loadout id.
	ErrLoadoutNotFound = errors.New("loadout: loadout not found")
)

// Agent is one pawn taking part in loadout management: its carried
// inventory and the tracker following it.
type Agent struct {
	ID        inventory.AgentID
	Inventory *inventory.Inventory
	Tracker   *Tracker
}

// World owns everything one game session shares between agents: the kind
// registry, the family definitions, the known loadouts and the agents.
// Create one at session start and Close it at session end.
type World struct {
	Registry *inventory.Registry
	Families *Families

	agents   map[inventory.AgentID]*Agent
	loadouts map[LoadoutID]*Loadout
	order    []LoadoutID

	trackerOpts []TrackerOption
}

// NewWorld creates a session context over reg. Tracker options apply to
// every agent added afterwards.
func NewWorld(reg *inventory.Registry, opts ...TrackerOption) *World {
	if reg == nil {
		reg = inventory.NewRegistry()
	}
	return &World{
		Registry:    reg,
		Families:    NewFamilies(reg),
		agents:      make(map[inventory.AgentID]*Agent),
		loadouts:    make(map[LoadoutID]*Loadout),
		trackerOpts: opts,
	}
}

// AddAgent registers an agent with an empty inventory limited to capacity
// (zero for unlimited).
func (w *World) AddAgent(id inventory.AgentID, capacity float64) (*Agent, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty agent id", ErrInvalidArgument)
	}
	if _, exists := w.agents[id]; exists {
		return nil, fmt.Errorf("%w: agent %s already exists", ErrInvalidArgument, id)
	}
	inv := inventory.New(string(id)+"-inv", id, inventory.WithRegistry(w.Registry), inventory.WithCapacity(capacity))
	tr, err := NewTracker(inv, w.trackerOpts...)
	if err != nil {
		return nil, err
	}
	a := &Agent{ID: id, Inventory: inv, Tracker: tr}
	w.agents[id] = a
	return a, nil
}

// Agent returns a registered agent.
func (w *World) Agent(id inventory.AgentID) (*Agent, bool) {
	a, ok := w.agents[id]
	return a, ok
}

// Agents returns every agent ordered by id.
func (w *World) Agents() []*Agent {
	out := make([]*Agent, 0, len(w.agents))
	for _, a := range w.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RemoveAgent closes the agent's tracker and forgets it.
func (w *World) RemoveAgent(id inventory.AgentID) error {
	a, ok := w.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	a.Tracker.Close()
	delete(w.agents, id)
	return nil
}

// AddLoadout makes a loadout assignable. Adding the same id again
// replaces the stored loadout; agents keep what they were assigned.
func (w *World) AddLoadout(l *Loadout) error {
	if l == nil {
		return fmt.Errorf("%w: nil loadout", ErrInvalidArgument)
	}
	if _, exists := w.loadouts[l.ID]; !exists {
		w.order = append(w.order, l.ID)
	}
	w.loadouts[l.ID] = l
	return nil
}

// Loadout returns a registered loadout.
func (w *World) Loadout(id LoadoutID) (*Loadout, bool) {
	l, ok := w.loadouts[id]
	return l, ok
}

// Loadouts returns the registered loadouts in registration order.
func (w *World) Loadouts() []*Loadout {
	out := make([]*Loadout, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.loadouts[id])
	}
	return out
}

// RemoveLoadout unregisters a loadout and clears it from every agent that
// had it assigned.
func (w *World) RemoveLoadout(id LoadoutID) error {
	l, ok := w.loadouts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLoadoutNotFound, id)
	}
	for _, a := range w.agents {
		if a.Tracker.Loadout() == l {
			_ = a.Tracker.SetLoadout(nil)
		}
	}
	delete(w.loadouts, id)
	for i, cur := range w.order {
		if cur == id {
			w.order = append(w.order[:i:i], w.order[i+1:]...)
			break
		}
	}
	return nil
}

// Assign switches an agent to a registered loadout. An empty loadout id
// clears the assignment.
func (w *World) Assign(agent inventory.AgentID, id LoadoutID) error {
	a, ok := w.agents[agent]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agent)
	}
	if id == "" {
		return a.Tracker.SetLoadout(nil)
	}
	l, ok := w.loadouts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLoadoutNotFound, id)
	}
	return a.Tracker.SetLoadout(l)
}

// Verify audits every agent's tracker and returns how many had to be
// rebuilt.
func (w *World) Verify() int {
	healed := 0
	for _, a := range w.agents {
		if !a.Tracker.Verify() {
			healed++
		}
	}
	return healed
}

// Close tears the session down: every tracker is detached and all state
// is dropped.
func (w *World) Close() {
	for _, a := range w.agents {
		a.Tracker.Close()
	}
	w.agents = make(map[inventory.AgentID]*Agent)
	w.loadouts = make(map[LoadoutID]*Loadout)
	w.order = nil
}
