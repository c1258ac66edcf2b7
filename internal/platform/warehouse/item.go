// Package warehouse persists the reconciled entity graph. Stores accept
// typed items with string attributes and named references to other items,
// and never accept a reference to an item they have not stored.
package warehouse

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
)

var (
	ErrDanglingReference = errors.New("dangling reference")
	ErrNotFound          = errors.New("item not found")
	ErrInvalidItem       = errors.New("invalid item")
)

// Item is one entity submitted to a store.
type Item struct {
	ID         uuid.UUID
	Type       string
	Attributes map[string]string
	References map[string]uuid.UUID
}

// NewItem returns an item of the given type with a fresh identity.
func NewItem(typ string) *Item {
	return &Item{
		ID:         uuid.New(),
		Type:       typ,
		Attributes: make(map[string]string),
		References: make(map[string]uuid.UUID),
	}
}

// Set stores a present attribute value. Empty values are ignored.
func (i *Item) Set(name, value string) {
	if value == "" {
		return
	}
	if i.Attributes == nil {
		i.Attributes = make(map[string]string)
	}
	i.Attributes[name] = value
}

// Attr returns an attribute and whether it is set.
func (i *Item) Attr(name string) (string, bool) {
	v, ok := i.Attributes[name]
	return v, ok
}

// SetReference points the named reference at target. A nil target is
// ignored.
func (i *Item) SetReference(name string, target *Item) {
	if target == nil {
		return
	}
	if i.References == nil {
		i.References = make(map[string]uuid.UUID)
	}
	i.References[name] = target.ID
}

// Reference returns the target of a named reference.
func (i *Item) Reference(name string) (uuid.UUID, bool) {
	id, ok := i.References[name]
	return id, ok
}

// Clone returns a deep copy of the item.
func (i *Item) Clone() *Item {
	c := &Item{
		ID:         i.ID,
		Type:       i.Type,
		Attributes: make(map[string]string, len(i.Attributes)),
		References: make(map[string]uuid.UUID, len(i.References)),
	}
	for k, v := range i.Attributes {
		c.Attributes[k] = v
	}
	for k, v := range i.References {
		c.References[k] = v
	}
	return c
}

func (i *Item) validate() error {
	if i == nil || i.ID == uuid.Nil || i.Type == "" {
		return ErrInvalidItem
	}
	return nil
}

// referenceNames returns reference names in a stable order.
func (i *Item) referenceNames() []string {
	names := make([]string, 0, len(i.References))
	for name := range i.References {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Store persists items. Storing an item that was stored before replaces
// its attributes and references.
type Store interface {
	Store(ctx context.Context, item *Item) error
}

// Checkpointer is implemented by stores that buffer writes. Checkpoint makes
// everything stored so far durable.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// Counter is implemented by stores that can count what they hold.
type Counter interface {
	Count(ctx context.Context, typ string) (int, error)
}

// Checkpoint calls s.Checkpoint when the store buffers writes.
func Checkpoint(ctx context.Context, s Store) error {
	if c, ok := s.(Checkpointer); ok {
		return c.Checkpoint(ctx)
	}
	return nil
}
