package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bunsdb/buns/internal/types"
)

func tagClass() types.ComponentClass {
	return types.ComponentClass{
		Name: "Tag",
		Fields: []types.FieldDescriptor{
			{Key: "value", Kind: types.KindString, Indexed: true},
		},
	}
}

func TestRegisterComponentIdempotent(t *testing.T) {
	r := New(nil)

	id1, err := r.RegisterComponent(tagClass())
	require.NoError(t, err)
	assert.Len(t, id1, 64)

	id2, err := r.RegisterComponent(tagClass())
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "re-registration with same shape must be a no-op")
}

func TestRegisterComponentConflict(t *testing.T) {
	r := New(nil)
	_, err := r.RegisterComponent(tagClass())
	require.NoError(t, err)

	diverged := tagClass()
	diverged.Fields = append(diverged.Fields, types.FieldDescriptor{Key: "weight", Kind: types.KindReal})
	_, err = r.RegisterComponent(diverged)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrMetadataConflict))
}

func TestLookups(t *testing.T) {
	r := New(nil)
	id, err := r.RegisterComponent(tagClass())
	require.NoError(t, err)

	byName, err := r.ComponentByName("Tag")
	require.NoError(t, err)
	assert.Equal(t, id, byName.TypeID)

	byID, err := r.ComponentByTypeID(id)
	require.NoError(t, err)
	assert.Equal(t, "Tag", byID.Name)

	props, err := r.Properties(id)
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.Equal(t, "value", props[0].Key)

	indexed, err := r.IndexedFields(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"value"}, indexed)

	_, err = r.ComponentByName("Nope")
	assert.True(t, errors.Is(err, types.ErrUnknownComponent))
}

func TestRegisterArchetype(t *testing.T) {
	r := New(nil)
	_, err := r.RegisterComponent(tagClass())
	require.NoError(t, err)

	meta := types.ArchetypeMeta{
		Name:           "Label",
		ComponentMap:   map[string]string{"tag": "Tag"},
		ComponentOrder: []string{"tag"},
	}
	require.NoError(t, r.RegisterArchetype(meta))

	got, err := r.Archetype("Label")
	require.NoError(t, err)
	assert.Equal(t, "Label", got.Name)

	comp, ok := r.ArchetypeComposition("Label")
	require.True(t, ok)
	assert.Len(t, comp, 1)

	// Unknown component reference is rejected.
	bad := types.ArchetypeMeta{Name: "Broken", ComponentMap: map[string]string{"x": "Ghost"}}
	err = r.RegisterArchetype(bad)
	assert.True(t, errors.Is(err, types.ErrUnknownComponent))

	// Duplicate name conflicts.
	err = r.RegisterArchetype(meta)
	assert.True(t, errors.Is(err, types.ErrMetadataConflict))
}

func TestRegistrationOrderPreserved(t *testing.T) {
	r := New(nil)
	for _, name := range []string{"C", "A", "B"} {
		_, err := r.RegisterComponent(types.ComponentClass{
			Name:   name,
			Fields: []types.FieldDescriptor{{Key: "value", Kind: types.KindString}},
		})
		require.NoError(t, err)
	}
	var names []string
	for _, c := range r.Components() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"C", "A", "B"}, names)
}
