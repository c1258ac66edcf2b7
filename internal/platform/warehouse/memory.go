package warehouse

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process store that records every submission in order.
type Memory struct {
	mu          sync.Mutex
	submissions []*Item
	items       map[uuid.UUID]*Item
	order       []uuid.UUID
	checkpoints int
}

func NewMemory() *Memory {
	return &Memory{items: make(map[uuid.UUID]*Item)}
}

func (m *Memory) Store(_ context.Context, item *Item) error {
	if err := item.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range item.referenceNames() {
		target := item.References[name]
		if target == item.ID {
			continue
		}
		if _, ok := m.items[target]; !ok {
			return fmt.Errorf("%w: %s %s.%s -> %s", ErrDanglingReference, item.Type, item.ID, name, target)
		}
	}

	c := item.Clone()
	m.submissions = append(m.submissions, c)
	if _, seen := m.items[c.ID]; !seen {
		m.order = append(m.order, c.ID)
	}
	m.items[c.ID] = c
	return nil
}

func (m *Memory) Checkpoint(context.Context) error {
	m.mu.Lock()
	m.checkpoints++
	m.mu.Unlock()
	return nil
}

// Submissions returns a copy of every item stored, in submission order.
func (m *Memory) Submissions() []*Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Item(nil), m.submissions...)
}

// Items returns the latest version of each stored item of the given type in
// first-stored order. An empty type returns every item.
func (m *Memory) Items(typ string) []*Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Item
	for _, id := range m.order {
		if it := m.items[id]; typ == "" || it.Type == typ {
			out = append(out, it)
		}
	}
	return out
}

// Get returns the latest version of an item.
func (m *Memory) Get(id uuid.UUID) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return it, nil
}

func (m *Memory) Count(_ context.Context, typ string) (int, error) {
	return len(m.Items(typ)), nil
}

// Checkpoints returns how many times Checkpoint was called.
func (m *Memory) Checkpoints() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints
}

var (
	_ Store        = (*Memory)(nil)
	_ Checkpointer = (*Memory)(nil)
	_ Counter      = (*Memory)(nil)
)
