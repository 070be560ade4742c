package archetype

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/bunsdb/buns/internal/pgstore"
	"github.com/bunsdb/buns/internal/query"
	"github.com/bunsdb/buns/internal/types"
)

// GetOptions tunes GetEntityWithID. Include/Exclude name component classes;
// an empty include list means all declared components.
type GetOptions struct {
	IncludeComponents []string
	ExcludeComponents []string

	// ResolveRelations eagerly fetches belongsTo targets and hasMany/hasOne
	// children one level deep.
	ResolveRelations bool
}

// GetEntityWithID fetches one entity of this archetype and projects it into
// the external record shape. Non-nullable declared components are required;
// a missing entity (or one lacking a required component) is ErrNotFound.
func (a *Archetype) GetEntityWithID(ctx context.Context, id string, opts GetOptions) (map[string]any, error) {
	selected := a.selectedComponents(opts)

	q := query.New(a.manager.store, a.manager.reg, a.log).FindByID(id).Populate()
	// Declaration order keeps the generated SQL stable across calls.
	for _, className := range a.meta.ComponentNames() {
		if !selected[className] {
			continue
		}
		class, err := a.manager.reg.ComponentByName(className)
		if err != nil {
			return nil, err
		}
		q.With(class)
	}
	matches, err := q.Exec(ctx)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, types.ErrNotFound
	}
	e := matches[0]

	record, err := a.Unwrap(ctx, e, excludedFields(a.schema, selected))
	if err != nil {
		return nil, err
	}
	if opts.ResolveRelations {
		if err := a.resolveRelations(ctx, e, record); err != nil {
			return nil, err
		}
	}
	return record, nil
}

// selectedComponents applies include/exclude and returns className → required
// (a component is required when some non-nullable field declares it).
func (a *Archetype) selectedComponents(opts GetOptions) map[string]bool {
	include := make(map[string]bool, len(opts.IncludeComponents))
	for _, n := range opts.IncludeComponents {
		include[n] = true
	}
	exclude := make(map[string]bool, len(opts.ExcludeComponents))
	for _, n := range opts.ExcludeComponents {
		exclude[n] = true
	}

	selected := make(map[string]bool)
	for i := range a.schema.Fields {
		fs := &a.schema.Fields[i]
		consider := func(className string, required bool) {
			if exclude[className] {
				return
			}
			if len(include) > 0 && !include[className] {
				return
			}
			selected[className] = selected[className] || required
		}
		switch fs.Role {
		case RolePrimitive, RoleObject:
			consider(fs.Component, !fs.Nullable)
		case RoleUnion:
			for _, b := range fs.Branches {
				consider(b.Component, false) // any one branch may be present
			}
		}
	}
	return selected
}

// excludedFields maps a component selection back to the record fields Unwrap
// should skip.
func excludedFields(s *Schema, selected map[string]bool) []string {
	var out []string
	for i := range s.Fields {
		fs := &s.Fields[i]
		switch fs.Role {
		case RolePrimitive, RoleObject:
			if _, ok := selected[fs.Component]; !ok {
				out = append(out, fs.Name)
			}
		case RoleUnion:
			any := false
			for _, b := range fs.Branches {
				if _, ok := selected[b.Component]; ok {
					any = true
					break
				}
			}
			if !any {
				out = append(out, fs.Name)
			}
		}
	}
	return out
}

// Unwrap projects an entity back into the external record: primitives
// surface as bare values, objects as nested maps, unions carry their
// discriminator, belongsTo relations surface as the referenced id. Fields in
// exclude are skipped.
func (a *Archetype) Unwrap(ctx context.Context, e *pgstore.Entity, exclude []string) (map[string]any, error) {
	skip := make(map[string]bool, len(exclude))
	for _, f := range exclude {
		skip[f] = true
	}

	record := map[string]any{"id": e.ID()}
	for i := range a.schema.Fields {
		fs := &a.schema.Fields[i]
		if skip[fs.Name] {
			continue
		}
		switch fs.Role {
		case RolePrimitive:
			data, err := a.componentData(ctx, e, fs.Component)
			if err != nil {
				return nil, err
			}
			if data == nil {
				if fs.Nullable {
					record[fs.Name] = nil
				}
				continue
			}
			record[fs.Name] = data[primitiveField]

		case RoleObject:
			data, err := a.componentData(ctx, e, fs.Component)
			if err != nil {
				return nil, err
			}
			if data == nil {
				if fs.Nullable {
					record[fs.Name] = nil
				}
				continue
			}
			record[fs.Name] = copyMap(data)

		case RoleUnion:
			value, err := a.unwrapUnion(ctx, e, fs)
			if err != nil {
				return nil, err
			}
			if value != nil {
				record[fs.Name] = value
			} else if fs.Nullable {
				record[fs.Name] = nil
			}

		case RoleRelation:
			if fs.Relation.Kind != types.RelationBelongsTo {
				continue // plural and reverse relations resolve separately
			}
			class, field, err := a.resolveForeignKey(fs.Relation.Opts.ForeignKey)
			if err != nil {
				return nil, err
			}
			data, err := a.componentData(ctx, e, class.Name)
			if err != nil {
				return nil, err
			}
			if data != nil {
				record[fs.Name] = data[field]
			}
		}
	}
	return record, nil
}

func (a *Archetype) componentData(ctx context.Context, e *pgstore.Entity, className string) (map[string]any, error) {
	class, err := a.manager.reg.ComponentByName(className)
	if err != nil {
		return nil, err
	}
	return e.Get(ctx, class)
}

func (a *Archetype) unwrapUnion(ctx context.Context, e *pgstore.Entity, fs *FieldSchema) (map[string]any, error) {
	for _, b := range fs.Branches {
		data, err := a.componentData(ctx, e, b.Component)
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}
		out := copyMap(data)
		out[DiscriminatorField] = b.Component
		return out, nil
	}
	return nil, nil
}

// resolveRelations replaces relation fields with fetched records one level
// deep: belongsTo follows the foreign key to the target archetype, hasOne and
// hasMany scan the target archetype for rows pointing back at this entity.
func (a *Archetype) resolveRelations(ctx context.Context, e *pgstore.Entity, record map[string]any) error {
	for i := range a.schema.Fields {
		fs := &a.schema.Fields[i]
		if fs.Role != RoleRelation {
			continue
		}
		rel := fs.Relation

		target, err := a.manager.Get(rel.Target)
		if err != nil {
			a.log.Warn("relation target archetype not registered",
				zap.String("field", fs.Name), zap.String("target", rel.Target))
			continue
		}

		switch rel.Kind {
		case types.RelationBelongsTo:
			id, _ := record[fs.Name].(string)
			if id == "" {
				continue
			}
			child, err := target.GetEntityWithID(ctx, id, GetOptions{})
			if err != nil {
				if errors.Is(err, types.ErrNotFound) {
					continue // dangling reference stays an id
				}
				return err
			}
			record[fs.Name] = child

		case types.RelationHasOne, types.RelationHasMany:
			children, err := target.findByForeignKey(ctx, rel.Opts.ForeignKey, e.ID())
			if err != nil {
				return err
			}
			if rel.Kind == types.RelationHasOne {
				if len(children) > 0 {
					record[fs.Name] = children[0]
				}
				continue
			}
			record[fs.Name] = children

		case types.RelationBelongsToMany:
			// Through-table traversal is the caller's concern; the schema
			// only declares the edge.
			a.log.Debug("belongsToMany left unresolved", zap.String("field", fs.Name))
		}
	}
	return nil
}

// findByForeignKey returns this archetype's records whose foreign key field
// equals the given entity id.
func (a *Archetype) findByForeignKey(ctx context.Context, fk, entityID string) ([]map[string]any, error) {
	class, field, err := a.resolveForeignKey(fk)
	if err != nil {
		return nil, err
	}
	matches, err := query.New(a.manager.store, a.manager.reg, a.log).
		With(class, types.Filter{Field: field, Op: types.OpEQ, Value: entityID}).
		Populate().
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		record, err := a.Unwrap(ctx, m, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
