// Package pgstore persists entities and their components to PostgreSQL:
// dirty tracking in memory, atomic multi-component saves, soft/hard delete,
// and bulk hydration.
package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/bunsdb/buns/internal/types"
)

// Component is one typed record attached to an entity, tracked in memory
// until the owning entity's Save commits it.
type Component struct {
	ID        string
	Class     *types.ComponentClass
	Data      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time

	dirty     bool
	persisted bool
}

// Dirty reports whether the component has unsaved changes.
func (c *Component) Dirty() bool { return c.dirty }

// Entity is an in-memory handle over one entity row and its components.
// Entities are not safe for concurrent mutation; the runtime's cooperative
// model mutates an entity from one goroutine at a time.
type Entity struct {
	id        string
	createdAt time.Time
	updatedAt time.Time

	store     *Store
	persisted bool
	hydrated  bool // all live components loaded; absent means absent

	components map[string]*Component // keyed by type id
	removed    map[string]*Component // tombstoned until the next save
	events     []types.Event         // buffered, flushed after commit
}

// ID returns the entity's canonical UUID string.
func (e *Entity) ID() string { return e.id }

// Persisted reports whether at least one save has committed.
func (e *Entity) Persisted() bool { return e.persisted }

// CreatedAt returns the entity row's creation time (zero until persisted).
func (e *Entity) CreatedAt() time.Time { return e.createdAt }

// UpdatedAt returns the entity row's last update time.
func (e *Entity) UpdatedAt() time.Time { return e.updatedAt }

// Dirty reports whether any component change is waiting for a save.
func (e *Entity) Dirty() bool {
	if len(e.removed) > 0 || !e.persisted {
		return true
	}
	for _, c := range e.components {
		if c.dirty {
			return true
		}
	}
	return false
}

// TypeIDs returns the type ids of the currently attached components.
func (e *Entity) TypeIDs() []string {
	out := make([]string, 0, len(e.components))
	for id := range e.components {
		out = append(out, id)
	}
	return out
}

// Components returns the attached components.
func (e *Entity) Components() []*Component {
	out := make([]*Component, 0, len(e.components))
	for _, c := range e.components {
		out = append(out, c)
	}
	return out
}

// Component returns the attached component for class, or nil.
func (e *Entity) Component(class *types.ComponentClass) *Component {
	return e.components[class.TypeID]
}

// Add instantiates a component of class with data and attaches it. Adding a
// class that is already attached is an error; use Set for upsert semantics.
func (e *Entity) Add(class *types.ComponentClass, data map[string]any) error {
	if _, ok := e.components[class.TypeID]; ok {
		return types.Validationf("", "component %s already attached; use Set", class.Name)
	}
	clean, err := e.store.validateData(class, data)
	if err != nil {
		return err
	}

	id, err := e.store.newComponentID()
	if err != nil {
		return err
	}
	now := e.store.now()
	comp := &Component{
		ID:        id,
		Class:     class,
		Data:      clean,
		CreatedAt: now,
		UpdatedAt: now,
		dirty:     true,
	}
	// A remove followed by an add of the same class in one save keeps the
	// original component id, so the upsert replaces instead of colliding.
	if prior, ok := e.removed[class.TypeID]; ok {
		comp.ID = prior.ID
		comp.CreatedAt = prior.CreatedAt
		delete(e.removed, class.TypeID)
	}
	e.components[class.TypeID] = comp

	e.buffer(types.Event{
		Kind:          types.EventComponentAdded,
		EntityID:      e.id,
		TypeID:        class.TypeID,
		ComponentName: class.Name,
		NewData:       snapshot(clean),
	})
	return nil
}

// Set patches the attached component of class with data, or falls through to
// Add when the class is not attached.
func (e *Entity) Set(class *types.ComponentClass, data map[string]any) error {
	comp, ok := e.components[class.TypeID]
	if !ok {
		return e.Add(class, data)
	}
	clean, err := e.store.validateData(class, data)
	if err != nil {
		return err
	}

	old := snapshot(comp.Data)
	for k, v := range clean {
		comp.Data[k] = v
	}
	comp.UpdatedAt = e.store.now()
	comp.dirty = true

	e.buffer(types.Event{
		Kind:          types.EventComponentUpdated,
		EntityID:      e.id,
		TypeID:        class.TypeID,
		ComponentName: class.Name,
		OldData:       old,
		NewData:       snapshot(comp.Data),
	})
	return nil
}

// Remove detaches the component of class. The database row survives until
// the next Save, which deletes it in the same transaction as the upserts.
func (e *Entity) Remove(class *types.ComponentClass) error {
	comp, ok := e.components[class.TypeID]
	if !ok {
		return fmt.Errorf("remove %s from %s: %w", class.Name, e.id, types.ErrNotFound)
	}
	delete(e.components, class.TypeID)
	if comp.persisted {
		e.removed[class.TypeID] = comp
	}

	e.buffer(types.Event{
		Kind:          types.EventComponentRemoved,
		EntityID:      e.id,
		TypeID:        class.TypeID,
		ComponentName: class.Name,
		OldData:       snapshot(comp.Data),
	})
	return nil
}

// Get returns the component data for class: the in-memory instance when
// attached, otherwise a single-row fetch from the class partition, cached on
// the entity. Returns nil data (no error) when the entity has no live row.
func (e *Entity) Get(ctx context.Context, class *types.ComponentClass) (map[string]any, error) {
	if comp, ok := e.components[class.TypeID]; ok {
		return comp.Data, nil
	}
	if !e.persisted {
		return nil, nil
	}
	if _, tombstoned := e.removed[class.TypeID]; tombstoned {
		return nil, nil
	}
	if e.hydrated {
		// Bulk-loaded entities carry every live component already.
		return nil, nil
	}

	comp, err := e.store.fetchComponent(ctx, e.id, class)
	if err != nil {
		return nil, err
	}
	if comp == nil {
		return nil, nil
	}
	e.components[class.TypeID] = comp
	return comp.Data, nil
}

// Save persists the entity through its store.
func (e *Entity) Save(ctx context.Context) error {
	return e.store.Save(ctx, e)
}

// Delete removes the entity through its store; soft unless force.
func (e *Entity) Delete(ctx context.Context, force bool) error {
	return e.store.Delete(ctx, e, force)
}

func (e *Entity) buffer(ev types.Event) {
	ev.Timestamp = e.store.now()
	e.events = append(e.events, ev)
}

// snapshot shallow-copies a data map so event payloads do not alias live
// component state.
func snapshot(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
