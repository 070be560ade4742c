// Package archetype assembles named component bundles into entity-facing
// records: a validation schema compiled at registration, fill/unwrap
// projection between external records and component rows, and eager relation
// resolution over the query engine.
package archetype

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/bunsdb/buns/internal/pgstore"
	"github.com/bunsdb/buns/internal/registry"
	"github.com/bunsdb/buns/internal/types"
)

// DiscriminatorField is the record key a union value may carry to name its
// concrete component class.
const DiscriminatorField = "__type"

// primitiveField is the single-field name that makes a component surface as
// its bare value instead of a nested object.
const primitiveField = "value"

// FieldRole classifies one entity-facing field of an archetype record.
type FieldRole string

const (
	RolePrimitive FieldRole = "primitive" // single-value component, unwrapped
	RoleObject    FieldRole = "object"    // multi-field component, nested
	RoleUnion     FieldRole = "union"     // one of several components
	RoleRelation  FieldRole = "relation"  // reference(s) to another archetype
)

// FieldSchema is the compiled shape of one record field.
type FieldSchema struct {
	Name      string
	Role      FieldRole
	Component string                  // backing class (primitive/object)
	ValueKind types.FieldKind         // primitive value kind
	Fields    []types.FieldDescriptor // object shape
	Branches  []UnionBranch
	Relation  *types.Relation
	Nullable  bool
	Plural    bool // hasMany / belongsToMany
}

// UnionBranch is one candidate class of a union field.
type UnionBranch struct {
	Component string
	Fields    []types.FieldDescriptor
}

// Schema is the validation shape of an archetype's external record.
type Schema struct {
	Archetype string
	Fields    []FieldSchema
	byName    map[string]*FieldSchema
}

// Field returns the compiled schema for a record field, or nil.
func (s *Schema) Field(name string) *FieldSchema { return s.byName[name] }

// Archetype is a registered bundle bound to its store and compiled schema.
type Archetype struct {
	meta    *types.ArchetypeMeta
	schema  *Schema
	manager *Manager
	log     *zap.Logger
}

// Name returns the archetype name.
func (a *Archetype) Name() string { return a.meta.Name }

// Schema returns the compiled validation schema.
func (a *Archetype) Schema() *Schema { return a.schema }

// Manager registers archetypes and compiles their schemas. Registration
// happens during the components-ready lifecycle phase; lookups afterwards are
// concurrent.
type Manager struct {
	store *pgstore.Store
	reg   *registry.Registry
	log   *zap.Logger

	mu         sync.RWMutex
	archetypes map[string]*Archetype
}

// NewManager returns a manager over store and reg.
func NewManager(store *pgstore.Store, reg *registry.Registry, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:      store,
		reg:        reg,
		log:        log,
		archetypes: make(map[string]*Archetype),
	}
}

// Register interns the meta in the registry, compiles the schema, and returns
// the bound archetype. Every referenced component class and relation target
// must already be registered (relation targets may be registered later, they
// are resolved by name at use time).
func (m *Manager) Register(meta types.ArchetypeMeta) (*Archetype, error) {
	if err := m.reg.RegisterArchetype(meta); err != nil {
		return nil, err
	}
	stored, err := m.reg.Archetype(meta.Name)
	if err != nil {
		return nil, err
	}
	schema, err := m.compileSchema(stored)
	if err != nil {
		return nil, err
	}
	a := &Archetype{
		meta:    stored,
		schema:  schema,
		manager: m,
		log:     m.log.With(zap.String("archetype", meta.Name)),
	}
	m.mu.Lock()
	m.archetypes[meta.Name] = a
	m.mu.Unlock()
	return a, nil
}

// Get returns a previously registered archetype.
func (m *Manager) Get(name string) (*Archetype, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.archetypes[name]
	if !ok {
		return nil, fmt.Errorf("archetype %q: %w", name, types.ErrNotFound)
	}
	return a, nil
}

// compileSchema walks the meta once and fixes the external record shape:
// single-value components unwrap to primitives, multi-field components nest,
// unions list their branches, relations reference by id.
func (m *Manager) compileSchema(meta *types.ArchetypeMeta) (*Schema, error) {
	s := &Schema{
		Archetype: meta.Name,
		byName:    make(map[string]*FieldSchema),
	}
	add := func(fs FieldSchema) {
		s.Fields = append(s.Fields, fs)
	}

	order := meta.ComponentOrder
	if len(order) == 0 {
		for field := range meta.ComponentMap {
			order = append(order, field)
		}
		sort.Strings(order)
	}
	for _, field := range order {
		className, ok := meta.ComponentMap[field]
		if !ok {
			continue
		}
		class, err := m.reg.ComponentByName(className)
		if err != nil {
			return nil, fmt.Errorf("archetype %s field %s: %w", meta.Name, field, err)
		}
		fs := FieldSchema{
			Name:      field,
			Component: className,
			Nullable:  meta.Nullable[field],
		}
		if len(class.Fields) == 1 && class.Fields[0].Key == primitiveField {
			fs.Role = RolePrimitive
			fs.ValueKind = class.Fields[0].Kind
		} else {
			fs.Role = RoleObject
			fs.Fields = class.Fields
		}
		add(fs)
	}

	unionFields := make([]string, 0, len(meta.UnionMap))
	for field := range meta.UnionMap {
		unionFields = append(unionFields, field)
	}
	sort.Strings(unionFields)
	for _, field := range unionFields {
		fs := FieldSchema{Name: field, Role: RoleUnion, Nullable: meta.Nullable[field]}
		for _, className := range meta.UnionMap[field] {
			class, err := m.reg.ComponentByName(className)
			if err != nil {
				return nil, fmt.Errorf("archetype %s union %s: %w", meta.Name, field, err)
			}
			fs.Branches = append(fs.Branches, UnionBranch{Component: className, Fields: class.Fields})
		}
		add(fs)
	}

	relFields := make([]string, 0, len(meta.RelationMap))
	for field := range meta.RelationMap {
		relFields = append(relFields, field)
	}
	sort.Strings(relFields)
	for _, field := range relFields {
		rel := meta.RelationMap[field]
		add(FieldSchema{
			Name:     field,
			Role:     RoleRelation,
			Relation: &rel,
			Nullable: rel.Opts.Nullable,
			Plural:   rel.Kind == types.RelationHasMany || rel.Kind == types.RelationBelongsToMany,
		})
	}

	// Index after all appends so the pointers survive slice growth.
	for i := range s.Fields {
		s.byName[s.Fields[i].Name] = &s.Fields[i]
	}
	return s, nil
}

// resolveForeignKey splits a relation foreign key into (component class,
// field). A dotted path names both; a bare field is searched across the
// archetype's declared components.
func (a *Archetype) resolveForeignKey(fk string) (*types.ComponentClass, string, error) {
	if fk == "" {
		return nil, "", types.Validationf("foreignKey", "relation on %s has no foreign key", a.meta.Name)
	}
	if comp, field, ok := strings.Cut(fk, "."); ok {
		class, err := a.manager.reg.ComponentByName(comp)
		if err != nil {
			return nil, "", err
		}
		if class.Field(field) == nil {
			return nil, "", types.Validationf(fk, "component %s has no field %s", comp, field)
		}
		return class, field, nil
	}
	for _, className := range a.meta.ComponentNames() {
		class, err := a.manager.reg.ComponentByName(className)
		if err != nil {
			continue
		}
		if class.Field(fk) != nil {
			return class, fk, nil
		}
	}
	return nil, "", types.Validationf(fk, "no declared component of %s carries foreign key %q", a.meta.Name, fk)
}
