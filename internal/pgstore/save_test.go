package pgstore

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bunsdb/buns/internal/types"
)

func TestSaveNewEntity(t *testing.T) {
	emitter := &recordingEmitter{}
	s, mock, reg := newMockStore(t, Options{Emitter: emitter})
	tag := registerTag(t, reg)

	e, err := s.Create()
	require.NoError(t, err)
	require.NoError(t, e.Add(tag, map[string]any{"label": "a"}))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO entities`).
		WithArgs(e.ID(), testClock).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO components`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO entity_components`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, e.Save(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	assert.True(t, e.Persisted())
	assert.False(t, e.Dirty())
	assert.False(t, e.Component(tag).Dirty())

	events := emitter.all()
	require.Len(t, events, 2)
	assert.Equal(t, types.EventComponentAdded, events[0].Kind)
	assert.Equal(t, types.EventEntityCreated, events[1].Kind)
	assert.Equal(t, e.ID(), events[1].EntityID)
	assert.Equal(t, []string{tag.TypeID}, events[1].EntityTypeIDs)
}

func TestSaveExistingEntityEmitsUpdated(t *testing.T) {
	emitter := &recordingEmitter{}
	s, mock, reg := newMockStore(t, Options{Emitter: emitter})
	tag := registerTag(t, reg)

	e := s.handle("e-1", testClock, testClock)
	require.NoError(t, e.Set(tag, map[string]any{"label": "a"}))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO entities`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO components`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO entity_components`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, e.Save(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	events := emitter.all()
	require.Len(t, events, 2)
	last := events[len(events)-1]
	assert.Equal(t, types.EventEntityUpdated, last.Kind)
	assert.Equal(t, []string{tag.TypeID}, last.ChangedTypeIDs)
}

func TestSaveDeletesTombstonedComponents(t *testing.T) {
	s, mock, reg := newMockStore(t, Options{})
	tag := registerTag(t, reg)

	e := s.handle("e-1", testClock, testClock)
	require.NoError(t, e.Add(tag, map[string]any{"label": "a"}))
	e.Component(tag).persisted = true
	e.Component(tag).dirty = false
	require.NoError(t, e.Remove(tag))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO entities`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM components`).
		WithArgs("e-1", tag.TypeID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM entity_components`).
		WithArgs("e-1", tag.TypeID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, e.Save(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, e.removed)
}

func TestSaveRollsBackOnFailure(t *testing.T) {
	emitter := &recordingEmitter{}
	s, mock, reg := newMockStore(t, Options{Emitter: emitter})
	tag := registerTag(t, reg)

	e, err := s.Create()
	require.NoError(t, err)
	require.NoError(t, e.Add(tag, map[string]any{"label": "a"}))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO entities`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO components`).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err = e.Save(context.Background())
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	// Nothing settled, nothing emitted.
	assert.False(t, e.Persisted())
	assert.True(t, e.Component(tag).Dirty())
	assert.Empty(t, emitter.all())
}

func TestSaveTimeoutMapsToSentinel(t *testing.T) {
	s, mock, reg := newMockStore(t, Options{})
	tag := registerTag(t, reg)

	e, err := s.Create()
	require.NoError(t, err)
	require.NoError(t, e.Add(tag, map[string]any{"label": "a"}))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO entities`).WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	err = e.Save(context.Background())
	assert.True(t, errors.Is(err, types.ErrSaveTimeout))
}

func TestDeleteSoft(t *testing.T) {
	emitter := &recordingEmitter{}
	s, mock, _ := newMockStore(t, Options{Emitter: emitter})

	e := s.handle("e-1", testClock, testClock)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE entities SET deleted_at`).
		WithArgs("e-1", testClock).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE components SET deleted_at`).
		WithArgs("e-1", testClock).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE entity_components SET deleted_at`).
		WithArgs("e-1", testClock).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, e.Delete(context.Background(), false))
	require.NoError(t, mock.ExpectationsWereMet())

	events := emitter.all()
	require.Len(t, events, 1)
	assert.Equal(t, types.EventEntityDeleted, events[0].Kind)
	assert.True(t, events[0].IsSoftDelete)
	assert.False(t, e.Persisted())
}

func TestDeleteHard(t *testing.T) {
	emitter := &recordingEmitter{}
	s, mock, _ := newMockStore(t, Options{Emitter: emitter})

	e := s.handle("e-1", testClock, testClock)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM components`).
		WithArgs("e-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM entity_components`).
		WithArgs("e-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM entities`).
		WithArgs("e-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, e.Delete(context.Background(), true))
	require.NoError(t, mock.ExpectationsWereMet())

	events := emitter.all()
	require.Len(t, events, 1)
	assert.False(t, events[0].IsSoftDelete)
}
