// Package registry is the canonical directory of component classes and
// archetypes: their fields, indexes, enums, and type ids.
//
// Registration happens once, at startup, between the database-ready and
// components-ready lifecycle phases; after that the registry is read-mostly
// and safe for concurrent lookups.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/bunsdb/buns/internal/idgen"
	"github.com/bunsdb/buns/internal/types"
)

// Registry holds registered component classes and archetypes. Type ids are
// write-once: once a name is bound to an id the binding never changes.
type Registry struct {
	mu         sync.RWMutex
	byName     map[string]*types.ComponentClass
	byTypeID   map[string]*types.ComponentClass
	order      []string
	archetypes map[string]*types.ArchetypeMeta
	archOrder  []string
	log        *zap.Logger
}

// New returns an empty registry.
func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		byName:     make(map[string]*types.ComponentClass),
		byTypeID:   make(map[string]*types.ComponentClass),
		archetypes: make(map[string]*types.ArchetypeMeta),
		log:        log,
	}
}

// RegisterComponent interns a component class and returns its type id.
// Re-registration with an identical field set is a no-op; a divergent field
// set fails with ErrMetadataConflict.
func (r *Registry) RegisterComponent(class types.ComponentClass) (string, error) {
	if class.Name == "" {
		return "", types.Validationf("name", "component class name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	typeID := idgen.TypeID(class.Name)
	if existing, ok := r.byName[class.Name]; ok {
		if !sameFields(existing.Fields, class.Fields) {
			return "", fmt.Errorf("register %s: field set diverges from prior registration: %w",
				class.Name, types.ErrMetadataConflict)
		}
		return existing.TypeID, nil
	}

	stored := class
	stored.TypeID = typeID
	r.byName[stored.Name] = &stored
	r.byTypeID[typeID] = &stored
	r.order = append(r.order, stored.Name)
	r.log.Debug("component registered",
		zap.String("name", stored.Name),
		zap.String("type_id", typeID),
		zap.Int("fields", len(stored.Fields)))
	return typeID, nil
}

// ComponentByName returns the class registered under name.
func (r *Registry) ComponentByName(name string) (*types.ComponentClass, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("component %q: %w", name, types.ErrUnknownComponent)
	}
	return c, nil
}

// ComponentByTypeID returns the class whose name hashes to typeID.
func (r *Registry) ComponentByTypeID(typeID string) (*types.ComponentClass, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byTypeID[typeID]
	if !ok {
		return nil, fmt.Errorf("type id %q: %w", typeID, types.ErrUnknownComponent)
	}
	return c, nil
}

// Properties returns the field descriptors for typeID.
func (r *Registry) Properties(typeID string) ([]types.FieldDescriptor, error) {
	c, err := r.ComponentByTypeID(typeID)
	if err != nil {
		return nil, err
	}
	return c.Fields, nil
}

// IndexedFields returns the indexed field keys for typeID.
func (r *Registry) IndexedFields(typeID string) ([]string, error) {
	c, err := r.ComponentByTypeID(typeID)
	if err != nil {
		return nil, err
	}
	return c.IndexedFields(), nil
}

// Components returns every registered class in registration order.
func (r *Registry) Components() []*types.ComponentClass {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.ComponentClass, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// TypeIDByName resolves a class name to its type id without requiring the
// class to be registered first (the hash is deterministic). Returns false
// when the name is unregistered so targeting code can distinguish.
func (r *Registry) TypeIDByName(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	if !ok {
		return "", false
	}
	return c.TypeID, true
}

// RegisterArchetype interns an archetype. Every referenced component class
// must already be registered. Re-registration under the same name replaces
// the prior meta only when identical; otherwise it conflicts.
func (r *Registry) RegisterArchetype(meta types.ArchetypeMeta) error {
	if meta.Name == "" {
		return types.Validationf("name", "archetype name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range meta.ComponentNames() {
		if _, ok := r.byName[name]; !ok {
			return fmt.Errorf("archetype %s references %q: %w", meta.Name, name, types.ErrUnknownComponent)
		}
	}
	if _, ok := r.archetypes[meta.Name]; ok {
		return fmt.Errorf("archetype %s already registered: %w", meta.Name, types.ErrMetadataConflict)
	}
	stored := meta
	r.archetypes[meta.Name] = &stored
	r.archOrder = append(r.archOrder, meta.Name)
	r.log.Debug("archetype registered",
		zap.String("name", meta.Name),
		zap.Int("components", len(meta.ComponentNames())))
	return nil
}

// Archetype returns the registered meta for name.
func (r *Registry) Archetype(name string) (*types.ArchetypeMeta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.archetypes[name]
	if !ok {
		return nil, fmt.Errorf("archetype %q: %w", name, types.ErrNotFound)
	}
	return a, nil
}

// Archetypes returns every registered archetype in registration order.
func (r *Registry) Archetypes() []*types.ArchetypeMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.ArchetypeMeta, 0, len(r.archOrder))
	for _, name := range r.archOrder {
		out = append(out, r.archetypes[name])
	}
	return out
}

// ArchetypeComposition returns the type ids of the named archetype's
// components, sorted, for composition matching.
func (r *Registry) ArchetypeComposition(name string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.archetypes[name]
	if !ok {
		return nil, false
	}
	var ids []string
	for _, cn := range a.ComponentNames() {
		if c, ok := r.byName[cn]; ok {
			ids = append(ids, c.TypeID)
		}
	}
	sort.Strings(ids)
	return ids, true
}

// sameFields compares field sets ignoring order.
func sameFields(a, b []types.FieldDescriptor) bool {
	if len(a) != len(b) {
		return false
	}
	index := make(map[string]types.FieldDescriptor, len(a))
	for _, f := range a {
		index[f.Key] = f
	}
	for _, f := range b {
		prev, ok := index[f.Key]
		if !ok || prev.Kind != f.Kind || prev.Nullable != f.Nullable ||
			prev.ArrayElementKind != f.ArrayElementKind || !sameStrings(prev.EnumValues, f.EnumValues) {
			return false
		}
	}
	return true
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
