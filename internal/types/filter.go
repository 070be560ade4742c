package types

// FilterOp is a predicate operator over a component field.
type FilterOp string

const (
	OpEQ        FilterOp = "EQ"
	OpNEQ       FilterOp = "NEQ"
	OpGT        FilterOp = "GT"
	OpGTE       FilterOp = "GTE"
	OpLT        FilterOp = "LT"
	OpLTE       FilterOp = "LTE"
	OpLIKE      FilterOp = "LIKE"
	OpIN        FilterOp = "IN"
	OpNotIN     FilterOp = "NOT_IN"
	OpIsNull    FilterOp = "IS_NULL"
	OpIsNotNull FilterOp = "IS_NOT_NULL"
	OpBetween   FilterOp = "BETWEEN"

	// OpCustom delegates fragment generation to a registered custom filter
	// builder, selected by Filter.Custom.
	OpCustom FilterOp = "CUSTOM"
)

// Filter is a single predicate over one field of a required component.
//
// For IN/NOT_IN, Value holds a slice. For BETWEEN, Value holds a 2-element
// slice [low, high]. For IS_NULL/IS_NOT_NULL, Value is ignored. For CUSTOM,
// Custom names the registered builder and Value is builder-defined.
type Filter struct {
	Field  string
	Op     FilterOp
	Value  any
	Custom string
}

// SortDirection orders query results on the sort field.
type SortDirection string

const (
	SortAsc  SortDirection = "ASC"
	SortDesc SortDirection = "DESC"
)

// ComponentTarget selects entities by component composition. It is shared by
// the hook dispatcher (event targeting) and the scheduler (task targeting).
// Include/Exclude entries are component class names.
type ComponentTarget struct {
	IncludeComponents []string
	ExcludeComponents []string

	// RequireAllIncluded defaults to true (AND). False means any-of (OR).
	RequireAllIncluded *bool
	// RequireAllExcluded defaults to true: every listed component must be
	// absent. False relaxes it: the target rejects only when all listed
	// components are present.
	RequireAllExcluded *bool

	// Archetype matches the exact composition of the named archetype, or a
	// superset of it when Include/Exclude lists are also present.
	Archetype string
	// Archetypes matches when any of the named archetypes matches.
	Archetypes []string
}

// AllIncluded reports the effective AND/OR mode for IncludeComponents.
func (t *ComponentTarget) AllIncluded() bool {
	return t.RequireAllIncluded == nil || *t.RequireAllIncluded
}

// AllExcluded reports the effective AND/OR mode for ExcludeComponents.
func (t *ComponentTarget) AllExcluded() bool {
	return t.RequireAllExcluded == nil || *t.RequireAllExcluded
}

// Empty reports whether the target constrains nothing.
func (t *ComponentTarget) Empty() bool {
	return t == nil || (len(t.IncludeComponents) == 0 && len(t.ExcludeComponents) == 0 &&
		t.Archetype == "" && len(t.Archetypes) == 0)
}
