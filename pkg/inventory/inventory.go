package inventory

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrItemNotFound is returned when an item id is not carried.
	ErrItemNotFound = errors.New("inventory: item not found")
	// ErrDuplicateItem is returned when adding an id that is already carried.
	ErrDuplicateItem = errors.New("inventory: item already carried")
	// ErrCapacity is returned when an addition would exceed the mass capacity.
	ErrCapacity = errors.New("inventory: mass capacity exceeded")
)

// containerOrder is the scan order used by Items: worn and wielded gear first.
var containerOrder = [...]Container{ContainerEquipment, ContainerApparel, ContainerGeneral}

// Option configures inventory construction.
type Option func(*Inventory)

// WithRegistry attaches a kind registry used to resolve unit masses.
func WithRegistry(reg *Registry) Option {
	return func(inv *Inventory) {
		inv.registry = reg
	}
}

// WithCapacity limits the total carried mass. Zero means unlimited.
func WithCapacity(mass float64) Option {
	return func(inv *Inventory) {
		inv.MassCapacity = mass
	}
}

// Inventory is everything one agent carries, split into containers.
// It is not safe for concurrent mutation; the host simulation step owns it.
type Inventory struct {
	ID    string  `json:"id"`
	Agent AgentID `json:"agent"`

	MassCapacity float64 `json:"massCapacity,omitempty"`
	MassUsed     float64 `json:"massUsed,omitempty"`

	containers [len(containerNames)][]*Item
	index      map[ItemID]Container

	registry *Registry

	listeners    []listenerEntry
	nextListener int
}

type listenerEntry struct {
	id int
	l  Listener
}

// New creates an empty inventory for an agent.
func New(id string, agent AgentID, opts ...Option) *Inventory {
	inv := &Inventory{
		ID:    id,
		Agent: agent,
		index: make(map[ItemID]Container),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(inv)
		}
	}
	return inv
}

// Registry returns the attached kind registry.
func (inv *Inventory) Registry() *Registry { return inv.registry }

// Subscribe registers a listener for every subsequent mutation. The
// returned function removes it again and is safe to call more than once.
func (inv *Inventory) Subscribe(l Listener) func() {
	inv.nextListener++
	id := inv.nextListener
	inv.listeners = append(inv.listeners, listenerEntry{id: id, l: l})
	return func() {
		for i, e := range inv.listeners {
			if e.id == id {
				inv.listeners = append(inv.listeners[:i:i], inv.listeners[i+1:]...)
				return
			}
		}
	}
}

// notify fans an event out to a snapshot of the listener list so listeners
// may unsubscribe from inside a callback.
func (inv *Inventory) notify(fn func(Listener) error) error {
	if len(inv.listeners) == 0 {
		return nil
	}
	snapshot := make([]listenerEntry, len(inv.listeners))
	copy(snapshot, inv.listeners)
	var errs []error
	for _, e := range snapshot {
		if err := fn(e.l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Add places a new stack into a container and notifies listeners.
func (inv *Inventory) Add(c Container, item *Item) error {
	if item == nil {
		return errors.New("inventory: nil item")
	}
	if item.ID == "" {
		return errors.New("inventory: item missing id")
	}
	if item.Count <= 0 {
		return fmt.Errorf("inventory: quantity must be positive, got %d", item.Count)
	}
	if c < ContainerGeneral || c > ContainerApparel {
		return fmt.Errorf("inventory: invalid container %d", c)
	}
	if _, exists := inv.index[item.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateItem, item.ID)
	}
	if err := inv.reserve(item.Kind, item.Count); err != nil {
		return err
	}
	inv.containers[c] = append(inv.containers[c], item)
	inv.index[item.ID] = c
	return inv.notify(func(l Listener) error { return l.ItemAdded(item) })
}

// Merge absorbs amount more units into an existing stack.
func (inv *Inventory) Merge(id ItemID, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("inventory: merge amount must be positive, got %d", amount)
	}
	item, _, ok := inv.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if err := inv.reserve(item.Kind, amount); err != nil {
		return err
	}
	item.Count += amount
	return inv.notify(func(l Listener) error { return l.ItemAddedAndMerged(item, amount) })
}

// Split detaches count units from a stack and returns them as a new stack
// with the given id. Splitting the whole stack removes it.
func (inv *Inventory) Split(id ItemID, count int, newID ItemID) (*Item, error) {
	if count <= 0 {
		return nil, fmt.Errorf("inventory: split count must be positive, got %d", count)
	}
	item, _, ok := inv.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if count >= item.Count {
		return inv.Remove(id)
	}
	item.Count -= count
	inv.release(item.Kind, count)
	piece := item.Clone()
	piece.ID = newID
	piece.Count = count
	return piece, inv.notify(func(l Listener) error { return l.ItemSplitOff(item, count) })
}

// Remove takes a whole stack out of the inventory.
func (inv *Inventory) Remove(id ItemID) (*Item, error) {
	c, ok := inv.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	stacks := inv.containers[c]
	var removed *Item
	for i, it := range stacks {
		if it.ID == id {
			removed = it
			inv.containers[c] = append(stacks[:i:i], stacks[i+1:]...)
			break
		}
	}
	delete(inv.index, id)
	inv.release(removed.Kind, removed.Count)
	return removed, inv.notify(func(l Listener) error { return l.ItemRemoved(removed) })
}

// Move transfers a stack between containers, e.g. when equipping it.
// The agent still carries it, so no listener is notified.
func (inv *Inventory) Move(id ItemID, to Container) error {
	if to < ContainerGeneral || to > ContainerApparel {
		return fmt.Errorf("inventory: invalid container %d", to)
	}
	from, ok := inv.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if from == to {
		return nil
	}
	stacks := inv.containers[from]
	for i, it := range stacks {
		if it.ID == id {
			inv.containers[from] = append(stacks[:i:i], stacks[i+1:]...)
			inv.containers[to] = append(inv.containers[to], it)
			break
		}
	}
	inv.index[id] = to
	return nil
}

// Get returns a carried stack and its container.
func (inv *Inventory) Get(id ItemID) (*Item, Container, bool) {
	c, ok := inv.index[id]
	if !ok {
		return nil, ContainerGeneral, false
	}
	for _, it := range inv.containers[c] {
		if it.ID == id {
			return it, c, true
		}
	}
	return nil, ContainerGeneral, false
}

// Items returns every carried stack: equipment, then apparel, then the
// general inventory. The slice is fresh; the items are shared.
func (inv *Inventory) Items() []*Item {
	n := 0
	for _, stacks := range inv.containers {
		n += len(stacks)
	}
	out := make([]*Item, 0, n)
	for _, c := range containerOrder {
		out = append(out, inv.containers[c]...)
	}
	return out
}

// Container returns the stacks held in one container.
func (inv *Inventory) Container(c Container) []*Item {
	if c < ContainerGeneral || c > ContainerApparel {
		return nil
	}
	out := make([]*Item, len(inv.containers[c]))
	copy(out, inv.containers[c])
	return out
}

// CountOf totals the carried units of a kind across all containers.
func (inv *Inventory) CountOf(kind KindID) int {
	total := 0
	for _, stacks := range inv.containers {
		for _, it := range stacks {
			if it.Kind == kind {
				total += it.Count
			}
		}
	}
	return total
}

// Len returns the number of carried stacks.
func (inv *Inventory) Len() int { return len(inv.index) }

func (inv *Inventory) reserve(kind KindID, qty int) error {
	mass := inv.registry.MassFor(kind) * float64(qty)
	if inv.MassCapacity > 0 && inv.MassUsed+mass > inv.MassCapacity {
		return fmt.Errorf("%w: used=%.2f req=%.2f cap=%.2f", ErrCapacity, inv.MassUsed, mass, inv.MassCapacity)
	}
	inv.MassUsed += mass
	return nil
}

func (inv *Inventory) release(kind KindID, qty int) {
	inv.MassUsed -= inv.registry.MassFor(kind) * float64(qty)
	if inv.MassUsed < 0 {
		inv.MassUsed = 0
	}
}

type stackSnapshot struct {
	Container Container `json:"container"`
	Item      Item      `json:"item"`
}

type snapshot struct {
	ID           string          `json:"id"`
	Agent        AgentID         `json:"agent,omitempty"`
	MassCapacity float64         `json:"massCapacity,omitempty"`
	Stacks       []stackSnapshot `json:"stacks"`
}

// Serialize encodes the carried stacks to JSON.
func (inv *Inventory) Serialize() ([]byte, error) {
	ss := snapshot{
		ID:           inv.ID,
		Agent:        inv.Agent,
		MassCapacity: inv.MassCapacity,
		Stacks:       make([]stackSnapshot, 0, inv.Len()),
	}
	for _, c := range containerOrder {
		for _, it := range inv.containers[c] {
			ss.Stacks = append(ss.Stacks, stackSnapshot{Container: c, Item: *it})
		}
	}
	return json.Marshal(ss)
}

// Deserialize replaces the inventory contents with data from JSON.
// Listeners are not notified; callers re-derive any state from Items.
func (inv *Inventory) Deserialize(b []byte) error {
	var ss snapshot
	if err := json.Unmarshal(b, &ss); err != nil {
		return err
	}
	inv.ID = ss.ID
	inv.Agent = ss.Agent
	inv.MassCapacity = ss.MassCapacity
	inv.MassUsed = 0
	inv.containers = [len(containerNames)][]*Item{}
	inv.index = make(map[ItemID]Container, len(ss.Stacks))
	for _, st := range ss.Stacks {
		it := st.Item
		if _, dup := inv.index[it.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateItem, it.ID)
		}
		if st.Container < ContainerGeneral || st.Container > ContainerApparel {
			return fmt.Errorf("inventory: invalid container %d", st.Container)
		}
		inv.containers[st.Container] = append(inv.containers[st.Container], &it)
		inv.index[it.ID] = st.Container
		inv.MassUsed += inv.registry.MassFor(it.Kind) * float64(it.Count)
	}
	return nil
}
