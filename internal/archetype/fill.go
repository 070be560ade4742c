package archetype

import (
	"context"

	"go.uber.org/zap"

	"github.com/bunsdb/buns/internal/pgstore"
	"github.com/bunsdb/buns/internal/types"
)

// FillMode controls how Fill treats fields it cannot place.
type FillMode int

const (
	// Strict rejects unknown fields and unclassifiable union values.
	Strict FillMode = iota
	// Permissive drops unknown fields and falls back to the first union
	// branch when classification fails.
	Permissive
)

// Writes maps component class names to the data that should be written to
// them. It is the unit Fill produces and CreateEntity consumes.
type Writes map[string]map[string]any

// Fill projects an external record into per-component writes. Each known
// field lands in its backing component (primitives wrap back into their
// single value field), union values are classified by discriminator or
// property shape, and belongsTo foreign keys land in the owning component.
func (a *Archetype) Fill(input map[string]any, mode FillMode) (Writes, error) {
	writes := make(Writes)
	put := func(className, field string, value any) {
		if writes[className] == nil {
			writes[className] = make(map[string]any)
		}
		writes[className][field] = value
	}

	for key, value := range input {
		if key == "id" {
			// Entity ids are assigned by the store, never written through.
			continue
		}
		fs := a.schema.Field(key)
		if fs == nil {
			if mode == Strict {
				return nil, types.Validationf(key, "unknown field on archetype %s", a.meta.Name)
			}
			a.log.Debug("dropping unknown field", zap.String("field", key))
			continue
		}

		switch fs.Role {
		case RolePrimitive:
			put(fs.Component, primitiveField, value)

		case RoleObject:
			record, ok := value.(map[string]any)
			if !ok {
				if value == nil && fs.Nullable {
					continue
				}
				return nil, types.Validationf(key, "expected an object, got %T", value)
			}
			for f, v := range record {
				put(fs.Component, f, v)
			}

		case RoleUnion:
			branch, data, err := a.classifyUnion(fs, key, value, mode)
			if err != nil {
				return nil, err
			}
			if branch == "" {
				continue // nullable union set to null
			}
			for f, v := range data {
				put(branch, f, v)
			}

		case RoleRelation:
			if err := a.fillRelation(fs, key, value, put, mode); err != nil {
				return nil, err
			}
		}
	}
	return writes, nil
}

// classifyUnion picks the branch a union value belongs to: an explicit
// discriminator wins, otherwise the single branch whose field set covers the
// value's keys. An unclassifiable value falls back to the first declared
// branch in permissive mode.
func (a *Archetype) classifyUnion(fs *FieldSchema, key string, value any, mode FillMode) (string, map[string]any, error) {
	if value == nil {
		if fs.Nullable {
			return "", nil, nil
		}
		return "", nil, types.Validationf(key, "union field is not nullable")
	}
	record, ok := value.(map[string]any)
	if !ok {
		return "", nil, types.Validationf(key, "union value must be an object, got %T", value)
	}

	if disc, ok := record[DiscriminatorField].(string); ok {
		for _, b := range fs.Branches {
			if b.Component == disc {
				return b.Component, stripDiscriminator(record), nil
			}
		}
		return "", nil, types.Validationf(key, "discriminator %q matches no union branch", disc)
	}

	var matches []UnionBranch
	for _, b := range fs.Branches {
		if branchCovers(b, record) {
			matches = append(matches, b)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0].Component, record, nil
	case 0:
		if mode == Strict {
			return "", nil, types.Validationf(key, "value matches no union branch")
		}
	default:
		if mode == Strict {
			return "", nil, types.Validationf(key, "value is ambiguous across %d union branches", len(matches))
		}
	}
	// Falling back to the first branch hides shape mismatches; warn loudly.
	first := fs.Branches[0]
	a.log.Warn("union value not classifiable, falling back to first branch",
		zap.String("field", key), zap.String("branch", first.Component))
	return first.Component, record, nil
}

func (a *Archetype) fillRelation(fs *FieldSchema, key string, value any, put func(string, string, any), mode FillMode) error {
	if fs.Relation.Kind != types.RelationBelongsTo && fs.Relation.Kind != types.RelationHasOne {
		// Plural relations are derived at read time from the target side.
		if mode == Strict {
			return types.Validationf(key, "%s relations cannot be written through fill", fs.Relation.Kind)
		}
		a.log.Debug("ignoring plural relation on fill", zap.String("field", key))
		return nil
	}
	if value == nil {
		if fs.Nullable {
			return nil
		}
		return types.Validationf(key, "relation is not nullable")
	}
	id, ok := value.(string)
	if !ok {
		return types.Validationf(key, "relation reference must be an entity id string, got %T", value)
	}
	class, field, err := a.resolveForeignKey(fs.Relation.Opts.ForeignKey)
	if err != nil {
		return err
	}
	put(class.Name, field, id)
	return nil
}

// CreateEntity builds a new in-memory entity from the record, one Add per
// written component. Nothing touches the database until Save.
func (a *Archetype) CreateEntity(input map[string]any, mode FillMode) (*pgstore.Entity, error) {
	writes, err := a.Fill(input, mode)
	if err != nil {
		return nil, err
	}
	e, err := a.manager.store.Create()
	if err != nil {
		return nil, err
	}
	// Deterministic add order: declared components first, then any union
	// branches, in schema order.
	for _, className := range a.meta.ComponentNames() {
		data, ok := writes[className]
		if !ok {
			continue
		}
		class, err := a.manager.reg.ComponentByName(className)
		if err != nil {
			return nil, err
		}
		if err := e.Add(class, data); err != nil {
			return nil, err
		}
		delete(writes, className)
	}
	for className, data := range writes {
		class, err := a.manager.reg.ComponentByName(className)
		if err != nil {
			return nil, err
		}
		if err := e.Add(class, data); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// CreateAndSaveEntity is CreateEntity followed by one atomic save.
func (a *Archetype) CreateAndSaveEntity(ctx context.Context, input map[string]any, mode FillMode) (*pgstore.Entity, error) {
	e, err := a.CreateEntity(input, mode)
	if err != nil {
		return nil, err
	}
	if err := e.Save(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func stripDiscriminator(record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for k, v := range record {
		if k == DiscriminatorField {
			continue
		}
		out[k] = v
	}
	return out
}

// branchCovers reports whether every key of the record is a declared field of
// the branch.
func branchCovers(b UnionBranch, record map[string]any) bool {
	declared := make(map[string]bool, len(b.Fields))
	for _, f := range b.Fields {
		declared[f.Key] = true
	}
	for k := range record {
		if !declared[k] {
			return false
		}
	}
	return true
}
