package schema

import (
	"context"
	"errors"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bunsdb/buns/internal/idgen"
	"github.com/bunsdb/buns/internal/types"
)

func newMock(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewManager(sqlx.NewDb(db, "pgx"), nil), mock
}

func TestValidIdentifier(t *testing.T) {
	tests := []struct {
		name  string
		ident string
		want  bool
	}{
		{"simple", "components_tag", true},
		{"leading underscore", "_private", true},
		{"digits", "score2", true},
		{"empty", "", false},
		{"leading digit", "2fast", false},
		{"quote injection", `tag"; DROP TABLE entities; --`, false},
		{"space", "my table", false},
		{"dash", "my-table", false},
		{"too long", "a234567890123456789012345678901234567890123456789012345678901234x", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidIdentifier(tt.ident); got != tt.want {
				t.Errorf("ValidIdentifier(%q) = %v, want %v", tt.ident, got, tt.want)
			}
		})
	}
}

func TestPartitionTable(t *testing.T) {
	table, err := PartitionTable("Tag")
	require.NoError(t, err)
	assert.Equal(t, "components_tag", table)

	_, err = PartitionTable("bad name")
	assert.True(t, errors.Is(err, types.ErrInvalidIdentifier))
}

func TestEnsurePartitionDDL(t *testing.T) {
	m, mock := newMock(t)
	class := &types.ComponentClass{Name: "Tag", TypeID: idgen.TypeID("Tag")}

	mock.ExpectExec(regexp.QuoteMeta(
		`CREATE TABLE IF NOT EXISTS components_tag PARTITION OF components FOR VALUES IN ('` + class.TypeID + `')`,
	)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, m.EnsurePartition(context.Background(), class))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsurePartitionRejectsBadTypeID(t *testing.T) {
	m, _ := newMock(t)
	class := &types.ComponentClass{Name: "Tag", TypeID: "'); DROP TABLE components; --"}
	err := m.EnsurePartition(context.Background(), class)
	assert.True(t, errors.Is(err, types.ErrInvalidIdentifier))
}

func TestEnsurePartitionTolerantOfDuplicate(t *testing.T) {
	m, mock := newMock(t)
	class := &types.ComponentClass{Name: "Tag", TypeID: idgen.TypeID("Tag")}

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS components_tag`).
		WillReturnError(errors.New(`relation "components_tag" already exists`))

	require.NoError(t, m.EnsurePartition(context.Background(), class))
}

func TestIndexDDLShapes(t *testing.T) {
	class := &types.ComponentClass{Name: "Score", TypeID: idgen.TypeID("Score")}

	tests := []struct {
		name string
		spec types.IndexSpec
		want string
	}{
		{
			"gin",
			types.IndexSpec{Fields: []string{"meta"}, Kind: types.IndexGIN},
			`CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_score_meta_gin ON components_score USING GIN ((data->'meta') jsonb_path_ops)`,
		},
		{
			"btree",
			types.IndexSpec{Fields: []string{"label"}, Kind: types.IndexBTree},
			`CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_score_label_btree ON components_score ((data->>'label'))`,
		},
		{
			"numeric partial",
			types.IndexSpec{Fields: []string{"value"}, Kind: types.IndexNumeric},
			`CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_score_value_numeric ON components_score (((data->>'value')::numeric)) WHERE data->>'value' ~ '^-?[0-9]+(\.[0-9]+)?$'`,
		},
		{
			"composite",
			types.IndexSpec{Fields: []string{"a", "b"}, Kind: types.IndexComposite},
			`CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_score_a_b_composite ON components_score ((data->>'a'), (data->>'b'))`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmt, _, err := indexDDL("components_score", class, tt.spec, true)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stmt)
		})
	}
}

func TestIndexDDLBlockingOnParent(t *testing.T) {
	class := &types.ComponentClass{Name: "Score", TypeID: idgen.TypeID("Score")}
	stmt, _, err := indexDDL("components", class, types.IndexSpec{Fields: []string{"value"}, Kind: types.IndexBTree}, false)
	require.NoError(t, err)
	assert.NotContains(t, stmt, "CONCURRENTLY")
}

func TestIndexDDLRejectsBadField(t *testing.T) {
	class := &types.ComponentClass{Name: "Score", TypeID: idgen.TypeID("Score")}
	_, _, err := indexDDL("components_score", class,
		types.IndexSpec{Fields: []string{"v'); --"}, Kind: types.IndexBTree}, true)
	assert.True(t, errors.Is(err, types.ErrInvalidIdentifier))
}

func TestEffectiveIndexSpecs(t *testing.T) {
	class := &types.ComponentClass{
		Name: "Score",
		Fields: []types.FieldDescriptor{
			{Key: "value", Kind: types.KindReal, Indexed: true},
			{Key: "label", Kind: types.KindString, Indexed: true},
			{Key: "free", Kind: types.KindString},
		},
		Indexes: []types.IndexSpec{
			{Fields: []string{"label"}, Kind: types.IndexHash},
		},
	}
	specs := effectiveIndexSpecs(class)
	require.Len(t, specs, 2, "explicit hash index covers label; value gets a numeric default")
	assert.Equal(t, types.IndexHash, specs[0].Kind)
	assert.Equal(t, types.IndexNumeric, specs[1].Kind)
	assert.Equal(t, []string{"value"}, specs[1].Fields)
}

func TestEnsureIndexesAnalyzesIndexlessClass(t *testing.T) {
	m, mock := newMock(t)
	class := &types.ComponentClass{
		Name:   "Note",
		TypeID: idgen.TypeID("Note"),
		Fields: []types.FieldDescriptor{
			{Key: "text", Kind: types.KindString},
		},
	}

	mock.ExpectQuery(`FROM pg_partitioned_table`).
		WillReturnRows(sqlmock.NewRows([]string{"case"}).AddRow("list"))
	mock.ExpectExec(`ANALYZE components_note`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, m.EnsureIndexes(context.Background(), class))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalyzeValidatesIdentifiers(t *testing.T) {
	m, mock := newMock(t)
	mock.ExpectExec(`ANALYZE components_tag`).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, m.Analyze(context.Background(), "components_tag"))
	assert.Error(t, m.Analyze(context.Background(), "components; DROP"))
}
