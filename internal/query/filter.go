package query

import (
	"regexp"

	"github.com/bunsdb/buns/internal/schema"
	"github.com/bunsdb/buns/internal/types"
)

// ParamContext hands bind placeholders to custom filter builders so every
// literal stays parameterized.
type ParamContext interface {
	// Add appends a bind value and returns its "$n" placeholder.
	Add(value any) string
}

// FilterBuilder contributes SQL for OpCustom predicates. Builders are
// registered per query under their Name and selected by Filter.Custom.
type FilterBuilder interface {
	Name() string

	// BuildSQL returns one WHERE fragment. alias is the components-table
	// alias for the filtered class; all literals go through params.
	BuildSQL(f types.Filter, alias string, params ParamContext) (string, error)

	// Validate rejects malformed filters at build time, before SQL exists.
	Validate(f types.Filter) error

	// Capability surface, consulted by planners layered on top.
	SupportsLateral() bool
	RequiresIndex() bool
	ComplexityScore() int
}

var tsLanguageRe = regexp.MustCompile(`^[a-z_]+$`)

// FullTextBuilder is the built-in custom filter: PostgreSQL full-text search
// over one JSONB text field. Filter.Value is the search phrase.
type FullTextBuilder struct {
	// Language is the regconfig name; empty means "english".
	Language string
}

func (b *FullTextBuilder) Name() string { return "fulltext" }

func (b *FullTextBuilder) language() string {
	if b.Language == "" {
		return "english"
	}
	return b.Language
}

func (b *FullTextBuilder) Validate(f types.Filter) error {
	if err := schema.CheckIdentifier(f.Field); err != nil {
		return err
	}
	if _, ok := f.Value.(string); !ok {
		return types.Validationf(f.Field, "full-text filter needs a string phrase, got %T", f.Value)
	}
	if !tsLanguageRe.MatchString(b.language()) {
		return types.Validationf(f.Field, "bad full-text language %q", b.Language)
	}
	return nil
}

func (b *FullTextBuilder) BuildSQL(f types.Filter, alias string, params ParamContext) (string, error) {
	if err := b.Validate(f); err != nil {
		return "", err
	}
	lang := params.Add(b.language())
	return "to_tsvector(" + lang + "::regconfig, " + alias + ".data->>'" + f.Field + "') @@ plainto_tsquery(" +
		lang + "::regconfig, " + params.Add(f.Value) + ")", nil
}

func (b *FullTextBuilder) SupportsLateral() bool { return false }
func (b *FullTextBuilder) RequiresIndex() bool   { return true }
func (b *FullTextBuilder) ComplexityScore() int  { return 5 }
