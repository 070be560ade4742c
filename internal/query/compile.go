package query

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bunsdb/buns/internal/schema"
	"github.com/bunsdb/buns/internal/types"
)

// paramContext numbers bind parameters as fragments are generated.
type paramContext struct {
	args []any
}

// Add appends a bind value and returns its placeholder.
func (p *paramContext) Add(v any) string {
	p.args = append(p.args, v)
	return "$" + strconv.Itoa(len(p.args))
}

// joinPlan is one required component's slice of the join tree.
type joinPlan struct {
	req      requirement
	ecAlias  string
	cAlias   string // empty when no predicate or sort touches the data
	needData bool
}

// compile produces the SELECT (or COUNT) statement and its bind args.
//
// Join shape: one entity_components join per required component (presence is
// answered from the mirror's (type_id, entity_id) index) and one components
// join per component whose data a predicate or the sort key reads. Every
// joined table carries deleted_at IS NULL. Exclusions compile to NOT EXISTS.
// Each mirror row is unique per (entity_id, type_id), so the join multiplies
// no rows and no grouping is needed.
func (q *Query) compile(ctx context.Context, count bool) (string, []any, error) {
	reqs := q.mergedRequirements()

	pc := &paramContext{}
	plans := make([]joinPlan, len(reqs))
	for i, req := range reqs {
		plans[i] = joinPlan{
			req:      req,
			ecAlias:  "ec" + strconv.Itoa(i),
			needData: len(req.filters) > 0 || (q.sort != nil && q.sort.class.TypeID == req.class.TypeID),
		}
		if plans[i].needData {
			plans[i].cAlias = "c" + strconv.Itoa(i)
		}
	}

	var b strings.Builder
	if count {
		b.WriteString("SELECT COUNT(DISTINCT e.id)")
	} else {
		b.WriteString("SELECT e.id, e.created_at, e.updated_at")
	}
	b.WriteString(" FROM entities e")

	for _, p := range plans {
		fmt.Fprintf(&b, " JOIN entity_components %s ON %s.entity_id = e.id AND %s.type_id = %s AND %s.deleted_at IS NULL",
			p.ecAlias, p.ecAlias, p.ecAlias, pc.Add(p.req.class.TypeID), p.ecAlias)
		if p.needData {
			fmt.Fprintf(&b, " JOIN components %s ON %s.entity_id = e.id AND %s.type_id = %s AND %s.deleted_at IS NULL",
				p.cAlias, p.cAlias, p.cAlias, pc.Add(p.req.class.TypeID), p.cAlias)
		}
	}

	conds := []string{"e.deleted_at IS NULL"}

	if q.byID != "" {
		conds = append(conds, "e.id = "+pc.Add(q.byID))
	}

	for _, p := range plans {
		for _, f := range p.req.filters {
			frag, err := q.filterSQL(p.req.class, f, p.cAlias, pc)
			if err != nil {
				return "", nil, err
			}
			conds = append(conds, frag)
		}
	}

	for _, ex := range q.withouts {
		conds = append(conds, fmt.Sprintf(
			"NOT EXISTS (SELECT 1 FROM entity_components x WHERE x.entity_id = e.id AND x.type_id = %s AND x.deleted_at IS NULL)",
			pc.Add(ex.TypeID)))
	}

	if !count && q.cursorID != "" {
		frag, err := q.keysetSQL(ctx, plans, pc)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, frag)
	}

	b.WriteString(" WHERE ")
	b.WriteString(strings.Join(conds, " AND "))

	if count {
		return b.String(), pc.args, nil
	}

	if q.sort != nil {
		expr, err := q.sortExpr(plans)
		if err != nil {
			return "", nil, err
		}
		fmt.Fprintf(&b, " ORDER BY %s %s, e.id ASC", expr, q.sort.direction)
	} else {
		b.WriteString(" ORDER BY e.id ASC")
	}

	if q.limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.limit)
	}
	if q.offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", q.offset)
	}
	return b.String(), pc.args, nil
}

// mergedRequirements folds duplicate With clauses for the same class into one
// join and implicitly requires the sort component.
func (q *Query) mergedRequirements() []requirement {
	var out []requirement
	index := make(map[string]int)
	for _, req := range q.withs {
		if i, ok := index[req.class.TypeID]; ok {
			out[i].filters = append(out[i].filters, req.filters...)
			continue
		}
		index[req.class.TypeID] = len(out)
		out = append(out, req)
	}
	if q.sort != nil {
		if _, ok := index[q.sort.class.TypeID]; !ok {
			out = append(out, requirement{class: q.sort.class})
		}
	}
	return out
}

// fieldExpr renders the JSONB accessor for a field, cast to numeric for
// numeric field kinds so comparisons use the numeric functional index.
func fieldExpr(alias, field string, numeric bool) string {
	if numeric {
		return fmt.Sprintf("(%s.data->>'%s')::numeric", alias, field)
	}
	return fmt.Sprintf("%s.data->>'%s'", alias, field)
}

func (q *Query) filterSQL(class *types.ComponentClass, f types.Filter, alias string, pc *paramContext) (string, error) {
	if f.Op == types.OpCustom {
		b := q.builders[f.Custom]
		if b == nil {
			return "", types.Validationf(f.Field, "no custom filter builder %q registered", f.Custom)
		}
		return b.BuildSQL(f, alias, pc)
	}

	if err := schema.CheckIdentifier(f.Field); err != nil {
		return "", err
	}
	desc := class.Field(f.Field)
	if desc == nil {
		return "", types.Validationf(f.Field, "filter field not declared on component %s", class.Name)
	}
	numeric := desc.Kind.Numeric()
	expr := fieldExpr(alias, f.Field, numeric)

	switch f.Op {
	case types.OpEQ:
		return expr + " = " + pc.Add(f.Value), nil
	case types.OpNEQ:
		return expr + " <> " + pc.Add(f.Value), nil
	case types.OpGT:
		return expr + " > " + pc.Add(f.Value), nil
	case types.OpGTE:
		return expr + " >= " + pc.Add(f.Value), nil
	case types.OpLT:
		return expr + " < " + pc.Add(f.Value), nil
	case types.OpLTE:
		return expr + " <= " + pc.Add(f.Value), nil
	case types.OpLIKE:
		// Wildcards are the caller's responsibility; text form always.
		return fieldExpr(alias, f.Field, false) + " LIKE " + pc.Add(f.Value), nil
	case types.OpIN, types.OpNotIN:
		vals, err := toSlice(f.Value)
		if err != nil {
			return "", types.Validationf(f.Field, "operator %s needs a slice value", f.Op)
		}
		if len(vals) == 0 {
			// Empty IN is a contradiction, empty NOT IN a tautology.
			if f.Op == types.OpIN {
				return "FALSE", nil
			}
			return "TRUE", nil
		}
		holes := make([]string, len(vals))
		for i, v := range vals {
			holes[i] = pc.Add(v)
		}
		op := " IN ("
		if f.Op == types.OpNotIN {
			op = " NOT IN ("
		}
		return expr + op + strings.Join(holes, ", ") + ")", nil
	case types.OpIsNull:
		return fieldExpr(alias, f.Field, false) + " IS NULL", nil
	case types.OpIsNotNull:
		return fieldExpr(alias, f.Field, false) + " IS NOT NULL", nil
	case types.OpBetween:
		vals, err := toSlice(f.Value)
		if err != nil || len(vals) != 2 {
			return "", types.Validationf(f.Field, "BETWEEN needs a [low, high] pair")
		}
		return expr + " BETWEEN " + pc.Add(vals[0]) + " AND " + pc.Add(vals[1]), nil
	default:
		return "", types.Validationf(f.Field, "unsupported operator %q", f.Op)
	}
}

func (q *Query) sortExpr(plans []joinPlan) (string, error) {
	if err := schema.CheckIdentifier(q.sort.field); err != nil {
		return "", err
	}
	for _, p := range plans {
		if p.req.class.TypeID == q.sort.class.TypeID {
			return fieldExpr(p.cAlias, q.sort.field, q.sort.class.Field(q.sort.field).Kind.Numeric()), nil
		}
	}
	return "", types.Validationf(q.sort.field, "sort component not joined")
}

// keysetSQL anchors the page after the cursor row. With a sort key the
// anchor is the (sortValue, id) pair in sort order; without one, or when the
// cursor row no longer carries the sort component, it is the id alone.
func (q *Query) keysetSQL(ctx context.Context, plans []joinPlan, pc *paramContext) (string, error) {
	if q.sort == nil {
		return "e.id > " + pc.Add(q.cursorID), nil
	}
	value, ok, err := q.cursorSortValue(ctx, q.sort)
	if err != nil {
		return "", err
	}
	if !ok {
		return "e.id > " + pc.Add(q.cursorID), nil
	}

	expr, err := q.sortExpr(plans)
	if err != nil {
		return "", err
	}
	cmp := ">"
	if q.sort.direction == types.SortDesc {
		cmp = "<"
	}
	v := pc.Add(value)
	return fmt.Sprintf("(%s %s %s OR (%s = %s AND e.id > %s))",
		expr, cmp, v, expr, v, pc.Add(q.cursorID)), nil
}
