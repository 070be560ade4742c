package pgstore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bunsdb/buns/internal/types"
)

func TestAddRejectsUnknownField(t *testing.T) {
	s, _, reg := newMockStore(t, Options{})
	tag := registerTag(t, reg)

	e, err := s.Create()
	require.NoError(t, err)

	err = e.Add(tag, map[string]any{"label": "a", "bogus": 1})
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
}

func TestAddRejectsNullForNonNullable(t *testing.T) {
	s, _, reg := newMockStore(t, Options{})
	tag := registerTag(t, reg)

	e, err := s.Create()
	require.NoError(t, err)

	err = e.Add(tag, map[string]any{"label": nil})
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))

	// Nullable fields accept explicit null.
	require.NoError(t, e.Add(tag, map[string]any{"label": "a", "weight": nil}))
}

func TestAddTwiceFails(t *testing.T) {
	s, _, reg := newMockStore(t, Options{})
	tag := registerTag(t, reg)

	e, err := s.Create()
	require.NoError(t, err)
	require.NoError(t, e.Add(tag, map[string]any{"label": "a"}))

	err = e.Add(tag, map[string]any{"label": "b"})
	require.Error(t, err)
}

func TestSetPatchesAndFallsThroughToAdd(t *testing.T) {
	s, _, reg := newMockStore(t, Options{})
	tag := registerTag(t, reg)

	e, err := s.Create()
	require.NoError(t, err)

	// Not attached yet: Set behaves like Add.
	require.NoError(t, e.Set(tag, map[string]any{"label": "a", "weight": 1}))
	// Patch a single field; the other survives.
	require.NoError(t, e.Set(tag, map[string]any{"label": "b"}))

	comp := e.Component(tag)
	require.NotNil(t, comp)
	assert.Equal(t, "b", comp.Data["label"])
	assert.Equal(t, 1, comp.Data["weight"])
	assert.True(t, comp.Dirty())
}

func TestEnumValidation(t *testing.T) {
	s, _, reg := newMockStore(t, Options{})
	status := registerStatus(t, reg)

	e, err := s.Create()
	require.NoError(t, err)

	err = e.Add(status, map[string]any{"state": "reopened"})
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))

	require.NoError(t, e.Add(status, map[string]any{"state": "open"}))
}

func TestTimestampNormalizedToUTCString(t *testing.T) {
	s, _, reg := newMockStore(t, Options{})
	status := registerStatus(t, reg)

	e, err := s.Create()
	require.NoError(t, err)

	loc := time.FixedZone("PST", -8*3600)
	when := time.Date(2025, 3, 1, 8, 30, 0, 0, loc)
	require.NoError(t, e.Add(status, map[string]any{"state": "open", "since": when}))

	got := e.Component(status).Data["since"]
	str, ok := got.(string)
	require.True(t, ok, "timestamps must serialize to strings")
	assert.Equal(t, "2025-03-01T16:30:00Z", str)
}

func TestRemoveUnattachedIsNotFound(t *testing.T) {
	s, _, reg := newMockStore(t, Options{})
	tag := registerTag(t, reg)

	e, err := s.Create()
	require.NoError(t, err)

	err = e.Remove(tag)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestRemoveThenAddKeepsComponentID(t *testing.T) {
	s, _, reg := newMockStore(t, Options{})
	tag := registerTag(t, reg)

	e, err := s.Create()
	require.NoError(t, err)
	require.NoError(t, e.Add(tag, map[string]any{"label": "a"}))

	// Simulate a persisted component so Remove tombstones it.
	e.Component(tag).persisted = true
	originalID := e.Component(tag).ID

	require.NoError(t, e.Remove(tag))
	require.NoError(t, e.Add(tag, map[string]any{"label": "b"}))

	assert.Equal(t, originalID, e.Component(tag).ID,
		"re-adding a removed class in one save must reuse the row id")
	assert.Empty(t, e.removed)
}

func TestDirtyTracking(t *testing.T) {
	s, _, reg := newMockStore(t, Options{})
	tag := registerTag(t, reg)

	e, err := s.Create()
	require.NoError(t, err)
	assert.True(t, e.Dirty(), "unpersisted entities are dirty")

	require.NoError(t, e.Add(tag, map[string]any{"label": "a"}))
	assert.True(t, e.Dirty())
	assert.True(t, e.Component(tag).Dirty())
}

func TestEventsBufferUntilSave(t *testing.T) {
	s, _, reg := newMockStore(t, Options{})
	tag := registerTag(t, reg)

	e, err := s.Create()
	require.NoError(t, err)
	require.NoError(t, e.Add(tag, map[string]any{"label": "a"}))
	require.NoError(t, e.Set(tag, map[string]any{"label": "b"}))

	require.Len(t, e.events, 2)
	assert.Equal(t, types.EventComponentAdded, e.events[0].Kind)
	assert.Equal(t, types.EventComponentUpdated, e.events[1].Kind)
	assert.Equal(t, "a", e.events[1].OldData["label"])
	assert.Equal(t, "b", e.events[1].NewData["label"])

	// Event payloads are snapshots, not aliases of live data.
	e.Component(tag).Data["label"] = "mutated"
	assert.Equal(t, "b", e.events[1].NewData["label"])
}
