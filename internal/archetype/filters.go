package archetype

import (
	"github.com/bunsdb/buns/internal/types"
)

// FilterField describes how one record field may be filtered.
type FilterField struct {
	Name      string
	Component string
	Field     string // field inside the component's data
	Kind      types.FieldKind
	Ops       []types.FilterOp
}

// FilterSchema lists the filterable fields of the archetype: primitives by
// their record name, object fields by dotted "record.field" paths. Unions and
// relations are not filterable through this schema.
func (a *Archetype) FilterSchema() []FilterField {
	var out []FilterField
	for i := range a.schema.Fields {
		fs := &a.schema.Fields[i]
		switch fs.Role {
		case RolePrimitive:
			out = append(out, FilterField{
				Name:      fs.Name,
				Component: fs.Component,
				Field:     primitiveField,
				Kind:      fs.ValueKind,
				Ops:       opsForKind(fs.ValueKind),
			})
		case RoleObject:
			for _, f := range fs.Fields {
				out = append(out, FilterField{
					Name:      fs.Name + "." + f.Key,
					Component: fs.Component,
					Field:     f.Key,
					Kind:      f.Kind,
					Ops:       opsForKind(f.Kind),
				})
			}
		}
	}
	return out
}

// BuildFilterBranches compiles end-user filter input into per-component
// filter lists for the query engine. Input entries are either
// {"field": value} (shorthand for EQ) or {"field": {"GT": v, "LTE": w}}.
// Keys are record field names from FilterSchema.
func (a *Archetype) BuildFilterBranches(input map[string]any) (map[string][]types.Filter, error) {
	schema := make(map[string]FilterField)
	for _, f := range a.FilterSchema() {
		schema[f.Name] = f
	}

	branches := make(map[string][]types.Filter)
	for name, value := range input {
		ff, ok := schema[name]
		if !ok {
			return nil, types.Validationf(name, "field is not filterable on archetype %s", a.meta.Name)
		}

		ops, ok := value.(map[string]any)
		if !ok {
			// Shorthand: bare value means equality.
			branches[ff.Component] = append(branches[ff.Component], types.Filter{
				Field: ff.Field, Op: types.OpEQ, Value: value,
			})
			continue
		}
		for opName, operand := range ops {
			op := types.FilterOp(opName)
			if !opAllowed(ff.Ops, op) {
				return nil, types.Validationf(name, "operator %s not allowed on %s field", opName, ff.Kind)
			}
			branches[ff.Component] = append(branches[ff.Component], types.Filter{
				Field: ff.Field, Op: op, Value: operand,
			})
		}
	}
	return branches, nil
}

func opsForKind(kind types.FieldKind) []types.FilterOp {
	base := []types.FilterOp{
		types.OpEQ, types.OpNEQ, types.OpIN, types.OpNotIN,
		types.OpIsNull, types.OpIsNotNull,
	}
	switch {
	case kind.Numeric(), kind == types.KindTimestamp:
		return append(base, types.OpGT, types.OpGTE, types.OpLT, types.OpLTE, types.OpBetween)
	case kind == types.KindString:
		return append(base, types.OpGT, types.OpGTE, types.OpLT, types.OpLTE, types.OpLIKE)
	default:
		return base
	}
}

func opAllowed(allowed []types.FilterOp, op types.FilterOp) bool {
	for _, a := range allowed {
		if a == op {
			return true
		}
	}
	return false
}
