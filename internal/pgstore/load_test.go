package pgstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bunsdb/buns/internal/cache"
	"github.com/bunsdb/buns/internal/types"
)

// mapCache is a minimal in-process provider for fetch tests.
type mapCache struct {
	cache.Noop
	mu sync.Mutex
	m  map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{m: make(map[string][]byte)} }

func (c *mapCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return v, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
	return nil
}

func (c *mapCache) DeleteMany(_ context.Context, keys []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.m, k)
	}
	return nil
}

func TestLoadMultipleHydratesComponents(t *testing.T) {
	s, mock, reg := newMockStore(t, Options{})
	tag := registerTag(t, reg)

	mock.ExpectQuery(`SELECT id, created_at, updated_at\s+FROM entities`).
		WithArgs("e-1", "e-2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow("e-1", testClock, testClock).
			AddRow("e-2", testClock, testClock))
	mock.ExpectQuery(`FROM components`).
		WithArgs("e-1", "e-2").
		WillReturnRows(sqlmock.NewRows([]string{
			"component_id", "entity_id", "type_id", "name", "data", "created_at", "updated_at",
		}).
			AddRow("c-1", "e-1", tag.TypeID, tag.Name, []byte(`{"label":"a"}`), testClock, testClock))

	out, err := s.LoadMultiple(context.Background(), []string{"e-1", "e-2"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, out, 2)
	assert.Equal(t, "e-1", out[0].ID())
	assert.Equal(t, "e-2", out[1].ID())
	assert.True(t, out[0].Persisted())

	comp := out[0].Component(tag)
	require.NotNil(t, comp)
	assert.Equal(t, "a", comp.Data["label"])
	assert.False(t, comp.Dirty(), "hydrated components start clean")
	assert.Nil(t, out[1].Component(tag))
}

func TestLoadMultipleSkipsUnregisteredTypes(t *testing.T) {
	s, mock, reg := newMockStore(t, Options{})
	tag := registerTag(t, reg)

	mock.ExpectQuery(`FROM entities`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow("e-1", testClock, testClock))
	mock.ExpectQuery(`FROM components`).
		WillReturnRows(sqlmock.NewRows([]string{
			"component_id", "entity_id", "type_id", "name", "data", "created_at", "updated_at",
		}).
			AddRow("c-1", "e-1", tag.TypeID, tag.Name, []byte(`{"label":"a"}`), testClock, testClock).
			AddRow("c-2", "e-1", "feedfeed", "Ghost", []byte(`{}`), testClock, testClock))

	out, err := s.LoadMultiple(context.Background(), []string{"e-1"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Len(t, out[0].Components(), 1)
}

func TestFindByIDNotFound(t *testing.T) {
	s, mock, _ := newMockStore(t, Options{})

	mock.ExpectQuery(`FROM entities`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}))

	_, err := s.FindByID(context.Background(), "missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestGetLazilyFetchesAndCaches(t *testing.T) {
	mc := newMapCache()
	s, mock, reg := newMockStore(t, Options{Cache: mc})
	tag := registerTag(t, reg)

	mock.ExpectQuery(`FROM components`).
		WithArgs("e-1", tag.TypeID).
		WillReturnRows(sqlmock.NewRows([]string{
			"component_id", "entity_id", "type_id", "name", "data", "created_at", "updated_at",
		}).
			AddRow("c-1", "e-1", tag.TypeID, tag.Name, []byte(`{"label":"a"}`), testClock, testClock))

	e := s.handle("e-1", testClock, testClock)
	data, err := e.Get(context.Background(), tag)
	require.NoError(t, err)
	assert.Equal(t, "a", data["label"])
	require.NoError(t, mock.ExpectationsWereMet())

	// A second entity handle hits the cache; no further query is expected.
	e2 := s.handle("e-1", testClock, testClock)
	data2, err := e2.Get(context.Background(), tag)
	require.NoError(t, err)
	assert.Equal(t, "a", data2["label"])

	// The first entity answers from its attached copy.
	again, err := e.Get(context.Background(), tag)
	require.NoError(t, err)
	assert.Equal(t, "a", again["label"])
}

func TestGetReturnsNilWhenRowAbsent(t *testing.T) {
	s, mock, reg := newMockStore(t, Options{})
	tag := registerTag(t, reg)

	mock.ExpectQuery(`FROM components`).
		WithArgs("e-1", tag.TypeID).
		WillReturnRows(sqlmock.NewRows([]string{
			"component_id", "entity_id", "type_id", "name", "data", "created_at", "updated_at",
		}))

	e := s.handle("e-1", testClock, testClock)
	data, err := e.Get(context.Background(), tag)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestGetOnTombstonedClassStaysNil(t *testing.T) {
	s, _, reg := newMockStore(t, Options{})
	tag := registerTag(t, reg)

	e := s.handle("e-1", testClock, testClock)
	require.NoError(t, e.Add(tag, map[string]any{"label": "a"}))
	e.Component(tag).persisted = true
	require.NoError(t, e.Remove(tag))

	// No query expected: the tombstone answers locally.
	data, err := e.Get(context.Background(), tag)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestSaveInvalidatesFetchCache(t *testing.T) {
	mc := newMapCache()
	s, mock, reg := newMockStore(t, Options{Cache: mc})
	tag := registerTag(t, reg)

	key := componentCacheKey("e-1", tag.TypeID)
	mc.m[key] = []byte(`{"id":"c-1","data":{"label":"stale"}}`)

	e := s.handle("e-1", testClock, testClock)
	require.NoError(t, e.Set(tag, map[string]any{"label": "fresh"}))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO entities`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO components`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO entity_components`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, e.Save(context.Background()))
	_, stale := mc.m[key]
	assert.False(t, stale, "save must drop the cached copy of a changed component")
}
