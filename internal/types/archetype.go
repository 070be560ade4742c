package types

// RelationKind enumerates the supported archetype relation flavors.
type RelationKind string

const (
	RelationHasOne        RelationKind = "hasOne"
	RelationHasMany       RelationKind = "hasMany"
	RelationBelongsTo     RelationKind = "belongsTo"
	RelationBelongsToMany RelationKind = "belongsToMany"
)

// RelationOpts carries per-relation options. ForeignKey may be a plain field
// name or a dotted "component.field" path on the owning side.
type RelationOpts struct {
	ForeignKey string
	Through    string
	Nullable   bool
	Cascade    bool
}

// Relation points a named archetype field at another archetype.
type Relation struct {
	Target string
	Kind   RelationKind
	Opts   RelationOpts
}

// ArchetypeMeta is the registered shape of one archetype: a named bundle of
// components with a relation graph. Maps are keyed by the entity-facing
// field name; values reference component classes by name (the registry is
// the arena, references are always resolved by lookup).
type ArchetypeMeta struct {
	Name string

	// ComponentMap assigns each field a single component class.
	ComponentMap map[string]string

	// ComponentOrder preserves declaration order of ComponentMap keys.
	ComponentOrder []string

	// UnionMap assigns a field a set of candidate classes, discriminated at
	// fill time.
	UnionMap map[string][]string

	// RelationMap wires fields to other archetypes.
	RelationMap map[string]Relation

	// Nullable marks fields whose component may be absent on a live entity.
	Nullable map[string]bool
}

// ComponentNames returns every component class name the archetype declares,
// in declaration order, unions last.
func (m *ArchetypeMeta) ComponentNames() []string {
	seen := make(map[string]bool)
	var out []string
	order := m.ComponentOrder
	if len(order) == 0 {
		for field := range m.ComponentMap {
			order = append(order, field)
		}
	}
	for _, field := range order {
		name, ok := m.ComponentMap[field]
		if ok && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, names := range m.UnionMap {
		for _, name := range names {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}
