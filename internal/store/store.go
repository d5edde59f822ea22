// Package store persists per-agent loadout state between sessions: the
// loadout definition and the hysteresis flags needed to reconstruct the
// tracker exactly after a full recompute.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gravitas-games/kitkeeper/pkg/inventory"
	"github.com/gravitas-games/kitkeeper/pkg/loadout"
)

// ErrNotFound is returned when no record exists for an agent.
var ErrNotFound = errors.New("store: record not found")

// Record is the persisted loadout state of one agent.
type Record struct {
	Agent   inventory.AgentID       `json:"agent"`
	Loadout loadout.Definition      `json:"loadout"`
	Flags   map[loadout.SlotID]bool `json:"flags,omitempty"`
	SavedAt time.Time               `json:"saved_at"`
}

// Store saves and loads agent records.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, agent inventory.AgentID) (Record, error)
	Delete(ctx context.Context, agent inventory.AgentID) error
	List(ctx context.Context) ([]inventory.AgentID, error)
	Close() error
}

// Capture builds a record from an agent's current tracker state. Agents
// without a loadout produce no record.
func Capture(a *loadout.Agent) (Record, bool) {
	l := a.Tracker.Loadout()
	if l == nil {
		return Record{}, false
	}
	return Record{
		Agent:   a.ID,
		Loadout: l.Definition(),
		Flags:   a.Tracker.ThresholdFlags(),
		SavedAt: time.Now().UTC(),
	}, true
}

// MemoryStore keeps records in process. It backs tests and servers run
// without Redis.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[inventory.AgentID]Record
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[inventory.AgentID]Record)}
}

func (m *MemoryStore) Save(_ context.Context, rec Record) error {
	if rec.Agent == "" {
		return errors.New("store: record missing agent")
	}
	m.mu.Lock()
	m.records[rec.Agent] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, agent inventory.AgentID) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[agent]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Delete(_ context.Context, agent inventory.AgentID) error {
	m.mu.Lock()
	delete(m.records, agent)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]inventory.AgentID, error) {
	m.mu.RLock()
	out := make([]inventory.AgentID, 0, len(m.records))
	for id := range m.records {
		out = append(out, id)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
