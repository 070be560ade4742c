package pgstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/bunsdb/buns/internal/cache"
	"github.com/bunsdb/buns/internal/idgen"
	"github.com/bunsdb/buns/internal/registry"
	"github.com/bunsdb/buns/internal/types"
)

// DefaultSaveTimeout is the wall-clock budget for one Save transaction.
const DefaultSaveTimeout = 30 * time.Second

// Emitter receives lifecycle events after a commit. Implemented by the hook
// dispatcher; a nil emitter drops events.
type Emitter interface {
	EmitBatch(events []types.Event)
}

// Options tunes a Store.
type Options struct {
	// SaveTimeout bounds one save transaction. Zero means DefaultSaveTimeout.
	SaveTimeout time.Duration
	// Cache, when set, backs single-component fetches. Misses fall through
	// to the database; failures are logged and ignored.
	Cache cache.Provider
	// Emitter receives post-commit events.
	Emitter Emitter
}

// Store persists entities. Safe for concurrent use; individual Entity
// handles are not.
type Store struct {
	db          *sqlx.DB
	reg         *registry.Registry
	log         *zap.Logger
	emitter     Emitter
	cache       cache.Provider
	saveTimeout time.Duration

	fetches singleflight.Group

	// test seams
	now            func() time.Time
	newComponentID func() (string, error)
	newEntityID    func() (string, error)
}

// New returns a store over db using reg for component metadata.
func New(db *sqlx.DB, reg *registry.Registry, opts Options, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = DefaultSaveTimeout
	}
	return &Store{
		db:             db,
		reg:            reg,
		log:            log,
		emitter:        opts.Emitter,
		cache:          opts.Cache,
		saveTimeout:    opts.SaveTimeout,
		now:            time.Now,
		newComponentID: idgen.NewComponentID,
		newEntityID:    idgen.NewEntityID,
	}
}

// DB exposes the underlying handle for read paths built on top of the store
// (the query engine compiles its own SQL but hydrates through the store).
func (s *Store) DB() *sqlx.DB { return s.db }

// Create returns a new unpersisted, dirty entity with a fresh v7 id.
func (s *Store) Create() (*Entity, error) {
	id, err := s.newEntityID()
	if err != nil {
		return nil, err
	}
	return &Entity{
		id:         id,
		store:      s,
		components: make(map[string]*Component),
		removed:    make(map[string]*Component),
	}, nil
}

// handle builds a lightweight persisted handle for an already-stored id, as
// returned by unpopulated queries.
func (s *Store) handle(id string, createdAt, updatedAt time.Time) *Entity {
	return &Entity{
		id:         id,
		createdAt:  createdAt,
		updatedAt:  updatedAt,
		store:      s,
		persisted:  true,
		components: make(map[string]*Component),
		removed:    make(map[string]*Component),
	}
}

// Handle exposes handle construction to the query engine.
func (s *Store) Handle(id string, createdAt, updatedAt time.Time) *Entity {
	return s.handle(id, createdAt, updatedAt)
}

// validateData checks data against the class's field descriptors, rejects
// unknown fields and enum mismatches, and normalizes timestamps to RFC 3339
// UTC strings (the canonical serialization; ISO-8601 text order is
// chronological order).
func (s *Store) validateData(class *types.ComponentClass, data map[string]any) (map[string]any, error) {
	if class.TypeID == "" {
		return nil, fmt.Errorf("class %s has no type id (unregistered?): %w", class.Name, types.ErrUnknownComponent)
	}
	if _, err := s.reg.ComponentByTypeID(class.TypeID); err != nil {
		return nil, err
	}

	clean := make(map[string]any, len(data))
	for key, value := range data {
		field := class.Field(key)
		if field == nil {
			return nil, types.Validationf(key, "unknown field on component %s", class.Name)
		}
		normalized, err := normalizeValue(field, value)
		if err != nil {
			return nil, err
		}
		clean[key] = normalized
	}
	return clean, nil
}

func normalizeValue(field *types.FieldDescriptor, value any) (any, error) {
	if value == nil {
		if !field.Nullable {
			return nil, types.Validationf(field.Key, "null value for non-nullable field")
		}
		return nil, nil
	}
	switch field.Kind {
	case types.KindTimestamp:
		switch v := value.(type) {
		case time.Time:
			return v.UTC().Format(time.RFC3339Nano), nil
		case string:
			if _, err := time.Parse(time.RFC3339Nano, v); err != nil {
				if _, err := time.Parse(time.RFC3339, v); err != nil {
					return nil, types.Validationf(field.Key, "timestamp %q is not RFC 3339", v)
				}
			}
			return v, nil
		default:
			return nil, types.Validationf(field.Key, "timestamp field got %T", value)
		}
	case types.KindEnum:
		str, ok := enumString(value)
		if !ok {
			return nil, types.Validationf(field.Key, "enum field got %T", value)
		}
		if len(field.EnumValues) > 0 && !contains(field.EnumValues, str) {
			return nil, types.Validationf(field.Key, "value %q not in enum %v", str, field.EnumValues)
		}
		return value, nil
	default:
		return value, nil
	}
}

// enumString accepts string-coded and int-coded enums.
func enumString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case int:
		return fmt.Sprintf("%d", v), true
	case int64:
		return fmt.Sprintf("%d", v), true
	case float64:
		return strings.TrimSuffix(fmt.Sprintf("%v", v), ".0"), true
	default:
		return "", false
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// placeholders returns "$start, $start+1, ..." for n bind positions.
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}
