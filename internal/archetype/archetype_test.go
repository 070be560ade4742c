package archetype

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bunsdb/buns/internal/pgstore"
	"github.com/bunsdb/buns/internal/registry"
	"github.com/bunsdb/buns/internal/types"
)

var testClock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	m      *Manager
	reg    *registry.Registry
	store  *pgstore.Store
	mock   sqlmock.Sqlmock
	author *Archetype
	post   *Archetype
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := registry.New(nil)
	for _, class := range []types.ComponentClass{
		{Name: "Title", Fields: []types.FieldDescriptor{
			{Key: "value", Kind: types.KindString, Indexed: true},
		}},
		{Name: "Profile", Fields: []types.FieldDescriptor{
			{Key: "bio", Kind: types.KindString, Nullable: true},
			{Key: "age", Kind: types.KindInt},
		}},
		{Name: "ImageBlock", Fields: []types.FieldDescriptor{
			{Key: "url", Kind: types.KindString},
			{Key: "caption", Kind: types.KindString, Nullable: true},
		}},
		{Name: "TextBlock", Fields: []types.FieldDescriptor{
			{Key: "text", Kind: types.KindString},
		}},
		{Name: "Note", Fields: []types.FieldDescriptor{
			{Key: "text", Kind: types.KindString},
			{Key: "pinned", Kind: types.KindBool, Nullable: true},
		}},
		{Name: "Body", Fields: []types.FieldDescriptor{
			{Key: "text", Kind: types.KindString},
		}},
		{Name: "Meta", Fields: []types.FieldDescriptor{
			{Key: "author_id", Kind: types.KindString},
		}},
	} {
		_, err := reg.RegisterComponent(class)
		require.NoError(t, err)
	}

	store := pgstore.New(sqlx.NewDb(db, "sqlmock"), reg, pgstore.Options{}, zap.NewNop())
	m := NewManager(store, reg, zap.NewNop())

	author, err := m.Register(types.ArchetypeMeta{
		Name:           "Author",
		ComponentMap:   map[string]string{"title": "Title", "profile": "Profile"},
		ComponentOrder: []string{"title", "profile"},
		UnionMap:       map[string][]string{"content": {"ImageBlock", "TextBlock"}},
		Nullable:       map[string]bool{"content": true},
	})
	require.NoError(t, err)

	post, err := m.Register(types.ArchetypeMeta{
		Name:           "Post",
		ComponentMap:   map[string]string{"body": "Body"},
		ComponentOrder: []string{"body"},
		RelationMap: map[string]types.Relation{
			"author": {Target: "Author", Kind: types.RelationBelongsTo,
				Opts: types.RelationOpts{ForeignKey: "Meta.author_id"}},
		},
	})
	require.NoError(t, err)

	return &fixture{m: m, reg: reg, store: store, mock: mock, author: author, post: post}
}

func TestSchemaCompilation(t *testing.T) {
	f := newFixture(t)
	s := f.author.Schema()

	title := s.Field("title")
	require.NotNil(t, title)
	assert.Equal(t, RolePrimitive, title.Role)
	assert.Equal(t, types.KindString, title.ValueKind)

	profile := s.Field("profile")
	require.NotNil(t, profile)
	assert.Equal(t, RoleObject, profile.Role)
	assert.Len(t, profile.Fields, 2)

	content := s.Field("content")
	require.NotNil(t, content)
	assert.Equal(t, RoleUnion, content.Role)
	assert.True(t, content.Nullable)
	require.Len(t, content.Branches, 2)
	assert.Equal(t, "ImageBlock", content.Branches[0].Component)

	author := f.post.Schema().Field("author")
	require.NotNil(t, author)
	assert.Equal(t, RoleRelation, author.Role)
	assert.False(t, author.Plural)
}

func TestRegisterUnknownComponentFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Register(types.ArchetypeMeta{
		Name:         "Broken",
		ComponentMap: map[string]string{"x": "NoSuchComponent"},
	})
	assert.True(t, errors.Is(err, types.ErrUnknownComponent))
}

func TestFillPrimitiveAndObject(t *testing.T) {
	f := newFixture(t)
	writes, err := f.author.Fill(map[string]any{
		"title":   "hello",
		"profile": map[string]any{"bio": "b", "age": 30},
	}, Strict)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"value": "hello"}, writes["Title"])
	assert.Equal(t, map[string]any{"bio": "b", "age": 30}, writes["Profile"])
}

func TestFillUnknownField(t *testing.T) {
	f := newFixture(t)

	_, err := f.author.Fill(map[string]any{"mystery": 1}, Strict)
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))

	writes, err := f.author.Fill(map[string]any{"mystery": 1, "title": "t"}, Permissive)
	require.NoError(t, err)
	assert.NotContains(t, writes, "mystery")
	assert.Contains(t, writes, "Title")
}

func TestFillUnionByDiscriminator(t *testing.T) {
	f := newFixture(t)
	writes, err := f.author.Fill(map[string]any{
		"content": map[string]any{DiscriminatorField: "TextBlock", "text": "hi"},
	}, Strict)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "hi"}, writes["TextBlock"])
	assert.NotContains(t, writes, "ImageBlock")
}

func TestFillUnionByShape(t *testing.T) {
	f := newFixture(t)
	writes, err := f.author.Fill(map[string]any{
		"content": map[string]any{"url": "http://x", "caption": "c"},
	}, Strict)
	require.NoError(t, err)
	assert.Contains(t, writes, "ImageBlock")
}

func TestFillUnionAmbiguity(t *testing.T) {
	f := newFixture(t)
	doc, err := f.m.Register(types.ArchetypeMeta{
		Name:     "NoteDoc",
		UnionMap: map[string][]string{"content": {"TextBlock", "Note"}},
	})
	require.NoError(t, err)

	// {"text": ...} fits both TextBlock and Note.
	_, err = doc.Fill(map[string]any{"content": map[string]any{"text": "hi"}}, Strict)
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))

	// Permissive mode falls back to the first declared branch.
	writes, err := doc.Fill(map[string]any{"content": map[string]any{"text": "hi"}}, Permissive)
	require.NoError(t, err)
	assert.Contains(t, writes, "TextBlock")
	assert.NotContains(t, writes, "Note")
}

func TestFillBelongsToWritesForeignKey(t *testing.T) {
	f := newFixture(t)
	writes, err := f.post.Fill(map[string]any{
		"body":   map[string]any{"text": "post body"},
		"author": "author-123",
	}, Strict)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"author_id": "author-123"}, writes["Meta"])
}

func TestCreateEntityRoundTrip(t *testing.T) {
	f := newFixture(t)
	input := map[string]any{
		"title":   "hello",
		"profile": map[string]any{"bio": "b", "age": 30},
		"content": map[string]any{DiscriminatorField: "TextBlock", "text": "hi"},
	}

	e, err := f.author.CreateEntity(input, Strict)
	require.NoError(t, err)
	assert.True(t, e.Dirty())
	assert.Len(t, e.Components(), 3)

	record, err := f.author.Unwrap(context.Background(), e, nil)
	require.NoError(t, err)
	assert.Equal(t, e.ID(), record["id"])
	assert.Equal(t, "hello", record["title"])
	assert.Equal(t, map[string]any{"bio": "b", "age": 30}, record["profile"])
	assert.Equal(t, map[string]any{DiscriminatorField: "TextBlock", "text": "hi"}, record["content"])
}

func TestUnwrapBelongsToSurfacesID(t *testing.T) {
	f := newFixture(t)
	e, err := f.post.CreateEntity(map[string]any{
		"body":   map[string]any{"text": "b"},
		"author": "author-123",
	}, Strict)
	require.NoError(t, err)

	record, err := f.post.Unwrap(context.Background(), e, nil)
	require.NoError(t, err)
	assert.Equal(t, "author-123", record["author"])
}

func TestUnwrapExcludesFields(t *testing.T) {
	f := newFixture(t)
	e, err := f.author.CreateEntity(map[string]any{
		"title":   "hello",
		"profile": map[string]any{"bio": "b", "age": 1},
	}, Strict)
	require.NoError(t, err)

	record, err := f.author.Unwrap(context.Background(), e, []string{"profile"})
	require.NoError(t, err)
	assert.Contains(t, record, "title")
	assert.NotContains(t, record, "profile")
}

func TestBuildFilterBranches(t *testing.T) {
	f := newFixture(t)

	branches, err := f.author.BuildFilterBranches(map[string]any{
		"title":       "hello",
		"profile.age": map[string]any{"GTE": 18, "LT": 65},
	})
	require.NoError(t, err)

	require.Len(t, branches["Title"], 1)
	assert.Equal(t, types.Filter{Field: "value", Op: types.OpEQ, Value: "hello"}, branches["Title"][0])
	assert.Len(t, branches["Profile"], 2)

	_, err = f.author.BuildFilterBranches(map[string]any{"nope": 1})
	require.Error(t, err)

	// LIKE on a numeric field is rejected.
	_, err = f.author.BuildFilterBranches(map[string]any{
		"profile.age": map[string]any{"LIKE": "%1%"},
	})
	require.Error(t, err)
}

func TestGetEntityWithID(t *testing.T) {
	f := newFixture(t)
	titleID := mustTypeID(t, f.reg, "Title")
	profileID := mustTypeID(t, f.reg, "Profile")

	// Selection query: FindByID plus required components.
	f.mock.ExpectQuery(`FROM entities e`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow("e-1", testClock, testClock))
	// Populate bulk load.
	f.mock.ExpectQuery(`FROM entities`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow("e-1", testClock, testClock))
	f.mock.ExpectQuery(`FROM components`).
		WillReturnRows(sqlmock.NewRows([]string{
			"component_id", "entity_id", "type_id", "name", "data", "created_at", "updated_at",
		}).
			AddRow("c-1", "e-1", titleID, "Title", []byte(`{"value":"hello"}`), testClock, testClock).
			AddRow("c-2", "e-1", profileID, "Profile", []byte(`{"bio":"b","age":30}`), testClock, testClock))

	record, err := f.author.GetEntityWithID(context.Background(), "e-1", GetOptions{})
	require.NoError(t, err)
	require.NoError(t, f.mock.ExpectationsWereMet())

	assert.Equal(t, "e-1", record["id"])
	assert.Equal(t, "hello", record["title"])
	assert.Equal(t, map[string]any{"bio": "b", "age": float64(30)}, record["profile"])
}

func TestGetEntityWithIDNotFound(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(`FROM entities e`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}))

	_, err := f.author.GetEntityWithID(context.Background(), "missing", GetOptions{})
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func mustTypeID(t *testing.T, reg *registry.Registry, name string) string {
	t.Helper()
	id, ok := reg.TypeIDByName(name)
	require.True(t, ok)
	return id
}
