package source

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/agentworkforce/curamigrate/internal/entity"
)

// MemoryStore serves bodies from memory. With StrictIDs set it rejects ids
// that are not UUIDs the way a uuid-typed rid column does.
type MemoryStore struct {
	StrictIDs bool

	mu      sync.Mutex
	items   map[entity.Type]map[string][]entity.Entity
	fetches map[entity.Type]map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:   map[entity.Type]map[string][]entity.Entity{},
		fetches: map[entity.Type]map[string]int{},
	}
}

// Put adds a body under its own type and surrogate id.
func (m *MemoryStore) Put(bodies ...entity.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, body := range bodies {
		t := body.Type()
		if m.items[t] == nil {
			m.items[t] = map[string][]entity.Entity{}
		}
		id := body.SurrogateID()
		m.items[t][id] = append(m.items[t][id], body.Clone())
	}
}

func (m *MemoryStore) Fetch(_ context.Context, t entity.Type, id string) ([]entity.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetches[t] == nil {
		m.fetches[t] = map[string]int{}
	}
	m.fetches[t][id]++
	if m.StrictIDs {
		if _, err := uuid.Parse(id); err != nil {
			return nil, ErrInvalidIdentifier
		}
	}
	bodies := m.items[t][id]
	out := make([]entity.Entity, 0, len(bodies))
	for _, body := range bodies {
		out = append(out, body.Clone())
	}
	return out, nil
}

// Fetches reports how often (t, id) was requested.
func (m *MemoryStore) Fetches(t entity.Type, id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches[t][id]
}

func (m *MemoryStore) TotalFetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, byID := range m.fetches {
		for _, n := range byID {
			total += n
		}
	}
	return total
}
