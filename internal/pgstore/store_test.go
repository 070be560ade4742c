package pgstore

import (
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bunsdb/buns/internal/registry"
	"github.com/bunsdb/buns/internal/types"
)

// newMockStore wires a store over sqlmock with deterministic ids and clock.
func newMockStore(t *testing.T, opts Options) (*Store, sqlmock.Sqlmock, *registry.Registry) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := registry.New(nil)
	s := New(sqlx.NewDb(db, "sqlmock"), reg, opts, zap.NewNop())

	s.now = func() time.Time { return testClock }
	var entSeq, compSeq int
	s.newEntityID = func() (string, error) {
		entSeq++
		return fmt.Sprintf("00000000-0000-7000-8000-%012d", entSeq), nil
	}
	s.newComponentID = func() (string, error) {
		compSeq++
		return fmt.Sprintf("00000000-0000-7000-9000-%012d", compSeq), nil
	}
	return s, mock, reg
}

var testClock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func registerTag(t *testing.T, reg *registry.Registry) *types.ComponentClass {
	t.Helper()
	_, err := reg.RegisterComponent(types.ComponentClass{
		Name: "Tag",
		Fields: []types.FieldDescriptor{
			{Key: "label", Kind: types.KindString, Indexed: true},
			{Key: "weight", Kind: types.KindInt, Nullable: true},
		},
	})
	require.NoError(t, err)
	class, err := reg.ComponentByName("Tag")
	require.NoError(t, err)
	return class
}

func registerStatus(t *testing.T, reg *registry.Registry) *types.ComponentClass {
	t.Helper()
	_, err := reg.RegisterComponent(types.ComponentClass{
		Name: "Status",
		Fields: []types.FieldDescriptor{
			{Key: "state", Kind: types.KindEnum, EnumValues: []string{"open", "closed"}},
			{Key: "since", Kind: types.KindTimestamp, Nullable: true},
		},
	})
	require.NoError(t, err)
	class, err := reg.ComponentByName("Status")
	require.NoError(t, err)
	return class
}

// recordingEmitter captures post-commit event batches.
type recordingEmitter struct {
	batches [][]types.Event
}

func (r *recordingEmitter) EmitBatch(events []types.Event) {
	r.batches = append(r.batches, events)
}

func (r *recordingEmitter) all() []types.Event {
	var out []types.Event
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}
