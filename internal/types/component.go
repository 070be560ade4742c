// Package types holds the value types shared between the registry, the
// schema manager, the entity store, and the query engine.
//
// The concrete storage implementation lives in the pgstore package. This
// package holds metadata and filter types that are referenced by both the
// storage layer and its consumers.
package types

import "time"

// FieldKind enumerates the value kinds a component field may carry.
type FieldKind string

const (
	KindString    FieldKind = "string"
	KindInt       FieldKind = "int"
	KindReal      FieldKind = "real"
	KindBool      FieldKind = "bool"
	KindTimestamp FieldKind = "timestamp"
	KindEnum      FieldKind = "enum"
	KindArray     FieldKind = "array"
	KindObject    FieldKind = "object"
)

// Numeric reports whether values of this kind are compared numerically,
// which decides whether predicates cast data->>'field' to numeric.
func (k FieldKind) Numeric() bool {
	return k == KindInt || k == KindReal
}

// IndexKind enumerates the index flavors the schema manager can materialize
// for a JSONB field.
type IndexKind string

const (
	IndexGIN       IndexKind = "gin"
	IndexBTree     IndexKind = "btree"
	IndexHash      IndexKind = "hash"
	IndexNumeric   IndexKind = "numeric"
	IndexComposite IndexKind = "composite"
)

// FieldDescriptor describes one field of a component class. Descriptors are
// gathered once at class declaration time and interned by the registry.
type FieldDescriptor struct {
	Key              string
	Kind             FieldKind
	Nullable         bool
	Indexed          bool
	EnumValues       []string
	ArrayElementKind FieldKind
}

// IndexSpec declares one index over a component partition. Composite indexes
// list every participating field; all others name a single field.
type IndexSpec struct {
	Fields []string
	Kind   IndexKind
}

// ComponentClass is the registered metadata for one component type. The
// TypeID is assigned by the registry (SHA-256 of Name, hex) and is write-once:
// once a name has an id it is never reassigned.
type ComponentClass struct {
	Name    string
	TypeID  string
	Fields  []FieldDescriptor
	Indexes []IndexSpec
}

// Field returns the descriptor for key, or nil when the class has no such
// field.
func (c *ComponentClass) Field(key string) *FieldDescriptor {
	for i := range c.Fields {
		if c.Fields[i].Key == key {
			return &c.Fields[i]
		}
	}
	return nil
}

// IndexedFields returns the keys of all fields flagged Indexed plus fields
// named by explicit index specs.
func (c *ComponentClass) IndexedFields() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(key string) {
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	for _, f := range c.Fields {
		if f.Indexed {
			add(f.Key)
		}
	}
	for _, ix := range c.Indexes {
		for _, f := range ix.Fields {
			add(f)
		}
	}
	return out
}

// ComponentRow is the storage tuple for one component as it exists in a
// partition of the components table.
type ComponentRow struct {
	ComponentID string     `db:"component_id"`
	EntityID    string     `db:"entity_id"`
	TypeID      string     `db:"type_id"`
	Name        string     `db:"name"`
	Data        []byte     `db:"data"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	DeletedAt   *time.Time `db:"deleted_at"`
}
