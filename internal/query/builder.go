// Package query compiles a fluent component-selection DSL into parameterized
// SQL over the entities / components / entity_components tables and executes
// it through the entity store.
package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/bunsdb/buns/internal/pgstore"
	"github.com/bunsdb/buns/internal/registry"
	"github.com/bunsdb/buns/internal/schema"
	"github.com/bunsdb/buns/internal/types"
)

// requirement is one With clause: a required component plus its predicates.
type requirement struct {
	class   *types.ComponentClass
	filters []types.Filter
}

type sortSpec struct {
	class     *types.ComponentClass
	field     string
	direction types.SortDirection
}

// Query is the fluent builder. Builder methods return the receiver; the first
// construction error is latched and surfaced by Exec/Count instead of
// panicking mid-chain.
type Query struct {
	store    *pgstore.Store
	reg      *registry.Registry
	log      *zap.Logger
	builders map[string]FilterBuilder

	withs    []requirement
	withouts []*types.ComponentClass
	byID     string
	sort     *sortSpec
	limit    int
	offset   int
	cursorID string
	populate bool

	err error
}

// New starts an empty query over store.
func New(store *pgstore.Store, reg *registry.Registry, log *zap.Logger) *Query {
	if log == nil {
		log = zap.NewNop()
	}
	return &Query{
		store:    store,
		reg:      reg,
		log:      log,
		builders: make(map[string]FilterBuilder),
	}
}

// RegisterFilterBuilder makes a custom filter builder available to OpCustom
// predicates under its Name.
func (q *Query) RegisterFilterBuilder(b FilterBuilder) *Query {
	q.builders[b.Name()] = b
	return q
}

// With requires the component to be present and applies optional predicates
// over its fields.
func (q *Query) With(class *types.ComponentClass, filters ...types.Filter) *Query {
	if q.err != nil {
		return q
	}
	if class == nil || class.TypeID == "" {
		q.err = fmt.Errorf("with: %w", types.ErrUnknownComponent)
		return q
	}
	for _, f := range filters {
		if err := q.checkFilter(class, f); err != nil {
			q.err = err
			return q
		}
	}
	q.withs = append(q.withs, requirement{class: class, filters: filters})
	return q
}

// Without forbids the component.
func (q *Query) Without(class *types.ComponentClass) *Query {
	if q.err != nil {
		return q
	}
	if class == nil || class.TypeID == "" {
		q.err = fmt.Errorf("without: %w", types.ErrUnknownComponent)
		return q
	}
	q.withouts = append(q.withouts, class)
	return q
}

// FindByID constrains the query to a single entity id.
func (q *Query) FindByID(id string) *Query {
	q.byID = id
	return q
}

// SortBy orders results by a field of a required component; the class is
// implicitly required when not already in a With clause. The tie-break on
// entity id is always ascending, which keeps cursor pages stable.
func (q *Query) SortBy(class *types.ComponentClass, field string, dir types.SortDirection) *Query {
	if q.err != nil {
		return q
	}
	if class == nil || class.Field(field) == nil {
		q.err = types.Validationf(field, "sort field not declared on component")
		return q
	}
	if dir != types.SortAsc && dir != types.SortDesc {
		q.err = types.Validationf(field, "sort direction %q", dir)
		return q
	}
	q.sort = &sortSpec{class: class, field: field, direction: dir}
	return q
}

// Take caps the result size.
func (q *Query) Take(n int) *Query {
	q.limit = n
	return q
}

// Offset skips n rows. Cost grows with the offset; prefer Cursor.
func (q *Query) Offset(n int) *Query {
	q.offset = n
	return q
}

// Cursor resumes after the given entity id (the last id of the previous
// page). Keyset pagination: constant cost at any depth.
func (q *Query) Cursor(entityID string) *Query {
	q.cursorID = entityID
	return q
}

// Populate hydrates all components of the returned entities in one bulk load.
func (q *Query) Populate() *Query {
	q.populate = true
	return q
}

// Exec runs the query and returns matching entities: lightweight handles by
// default, fully hydrated with Populate.
func (q *Query) Exec(ctx context.Context) ([]*pgstore.Entity, error) {
	if q.err != nil {
		return nil, q.err
	}
	stmt, args, err := q.compile(ctx, false)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		ID        string    `db:"id"`
		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	if err := q.store.DB().SelectContext(ctx, &rows, stmt, args...); err != nil {
		return nil, types.NewStoreError("query exec", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	if q.populate {
		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		return q.store.LoadMultiple(ctx, ids)
	}

	out := make([]*pgstore.Entity, len(rows))
	for i, r := range rows {
		out[i] = q.store.Handle(r.ID, r.CreatedAt, r.UpdatedAt)
	}
	return out, nil
}

// Count returns the cardinality of the result set without materializing it.
// Pagination clauses are ignored.
func (q *Query) Count(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	stmt, args, err := q.compile(ctx, true)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := q.store.DB().GetContext(ctx, &n, stmt, args...); err != nil {
		return 0, types.NewStoreError("query count", err)
	}
	return n, nil
}

// checkFilter validates a predicate against the class metadata at build time
// so malformed filters fail before any SQL is generated.
func (q *Query) checkFilter(class *types.ComponentClass, f types.Filter) error {
	if f.Op == types.OpCustom {
		b, ok := q.builders[f.Custom]
		if !ok {
			return types.Validationf(f.Field, "no custom filter builder %q registered", f.Custom)
		}
		return b.Validate(f)
	}
	if class.Field(f.Field) == nil {
		return types.Validationf(f.Field, "filter field not declared on component %s", class.Name)
	}
	switch f.Op {
	case types.OpEQ, types.OpNEQ, types.OpGT, types.OpGTE, types.OpLT, types.OpLTE, types.OpLIKE:
		if f.Value == nil {
			return types.Validationf(f.Field, "operator %s needs a value", f.Op)
		}
	case types.OpIN, types.OpNotIN:
		if _, err := toSlice(f.Value); err != nil {
			return types.Validationf(f.Field, "operator %s needs a slice value", f.Op)
		}
	case types.OpBetween:
		vals, err := toSlice(f.Value)
		if err != nil || len(vals) != 2 {
			return types.Validationf(f.Field, "BETWEEN needs a [low, high] pair")
		}
	case types.OpIsNull, types.OpIsNotNull:
		// no value
	default:
		return types.Validationf(f.Field, "unsupported operator %q", f.Op)
	}
	return nil
}

// cursorSortValue reads the cursor entity's sort field so the keyset
// predicate can anchor on (sortValue, id). A cursor entity that lost the sort
// component falls back to an id-only anchor.
func (q *Query) cursorSortValue(ctx context.Context, s *sortSpec) (any, bool, error) {
	// The field is spliced into the lookup, same contract as every other
	// identifier splice in this package.
	if err := schema.CheckIdentifier(s.field); err != nil {
		return nil, false, err
	}
	var raw sql.NullString
	err := q.store.DB().GetContext(ctx, &raw, fmt.Sprintf(
		`SELECT data->>'%s' FROM components WHERE entity_id = $1 AND type_id = $2 AND deleted_at IS NULL`,
		s.field), q.cursorID, s.class.TypeID)
	if errors.Is(err, sql.ErrNoRows) {
		q.log.Warn("cursor entity lost its sort component; resuming on id only",
			zap.String("cursor", q.cursorID), zap.String("component", s.class.Name))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, types.NewStoreError("resolve cursor", err)
	}
	if !raw.Valid {
		return nil, false, nil
	}
	if s.class.Field(s.field).Kind.Numeric() {
		n, err := strconv.ParseFloat(raw.String, 64)
		if err != nil {
			return nil, false, types.Validationf(s.field, "cursor sort value %q is not numeric", raw.String)
		}
		return n, true, nil
	}
	return raw.String, true, nil
}

func toSlice(v any) ([]any, error) {
	switch s := v.(type) {
	case []any:
		return s, nil
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, nil
	case []int:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, nil
	case []float64:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value %T is not a slice", v)
	}
}
