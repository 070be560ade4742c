package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bunsdb/buns/internal/cache"
	"github.com/bunsdb/buns/internal/types"
)

func componentCacheKey(entityID, typeID string) string {
	return "component:" + entityID + ":" + typeID
}

// cachedComponent is the cache wire form of a fetched component.
type cachedComponent struct {
	ID        string         `json:"id"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// fetchComponent loads one live component row from the class partition.
// Concurrent fetches for the same (entity, type) pair collapse into one
// database round trip; results land in the cache when one is configured.
// A missing row returns (nil, nil).
func (s *Store) fetchComponent(ctx context.Context, entityID string, class *types.ComponentClass) (*Component, error) {
	key := componentCacheKey(entityID, class.TypeID)

	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, key); err == nil {
			var cc cachedComponent
			if err := json.Unmarshal(raw, &cc); err == nil {
				return &Component{
					ID:        cc.ID,
					Class:     class,
					Data:      cc.Data,
					CreatedAt: cc.CreatedAt,
					UpdatedAt: cc.UpdatedAt,
					persisted: true,
				}, nil
			}
			s.log.Warn("discarding undecodable cache entry", zap.String("key", key))
			_ = s.cache.Delete(ctx, key)
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			s.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	v, err, _ := s.fetches.Do(key, func() (any, error) {
		var row types.ComponentRow
		err := s.db.GetContext(ctx, &row, `
			SELECT component_id, entity_id, type_id, name, data, created_at, updated_at
			FROM components
			WHERE entity_id = $1 AND type_id = $2 AND deleted_at IS NULL`,
			entityID, class.TypeID)
		if errors.Is(err, sql.ErrNoRows) {
			return (*Component)(nil), nil
		}
		if err != nil {
			return nil, types.NewStoreError(fmt.Sprintf("fetch component %s", class.Name), err)
		}

		var data map[string]any
		if err := json.Unmarshal(row.Data, &data); err != nil {
			return nil, types.NewStoreError("decode component data", err)
		}
		comp := &Component{
			ID:        row.ComponentID,
			Class:     class,
			Data:      data,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
			persisted: true,
		}

		if s.cache != nil {
			payload, err := json.Marshal(cachedComponent{
				ID:        comp.ID,
				Data:      comp.Data,
				CreatedAt: comp.CreatedAt,
				UpdatedAt: comp.UpdatedAt,
			})
			if err == nil {
				if err := s.cache.Set(ctx, key, payload, 0); err != nil {
					s.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
				}
			}
		}
		return comp, nil
	})
	if err != nil {
		return nil, err
	}
	comp := v.(*Component)
	if comp == nil {
		return nil, nil
	}
	// Each caller gets its own instance so entity-local mutation never
	// bleeds through the singleflight result.
	return &Component{
		ID:        comp.ID,
		Class:     comp.Class,
		Data:      snapshot(comp.Data),
		CreatedAt: comp.CreatedAt,
		UpdatedAt: comp.UpdatedAt,
		persisted: true,
	}, nil
}

// FindByID hydrates one entity and all of its live components. Soft-deleted
// entities are invisible; absent ids return ErrNotFound.
func (s *Store) FindByID(ctx context.Context, id string) (*Entity, error) {
	entities, err := s.LoadMultiple(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("entity %s: %w", id, types.ErrNotFound)
	}
	return entities[0], nil
}

// entityRow mirrors one row of the entities table.
type entityRow struct {
	ID        string    `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// LoadMultiple hydrates the given ids in two queries: one over entities, one
// over components. Unknown and soft-deleted ids are skipped; the result keeps
// the input order of the ids that were found.
func (s *Store) LoadMultiple(ctx context.Context, ids []string) ([]*Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	in := placeholders(1, len(ids))

	var entRows []entityRow
	err := s.db.SelectContext(ctx, &entRows, fmt.Sprintf(`
		SELECT id, created_at, updated_at
		FROM entities
		WHERE id IN (%s) AND deleted_at IS NULL`, in), args...)
	if err != nil {
		return nil, types.NewStoreError("load entities", err)
	}
	if len(entRows) == 0 {
		return nil, nil
	}

	byID := make(map[string]*Entity, len(entRows))
	for _, row := range entRows {
		e := s.handle(row.ID, row.CreatedAt, row.UpdatedAt)
		e.hydrated = true
		byID[row.ID] = e
	}

	var compRows []types.ComponentRow
	err = s.db.SelectContext(ctx, &compRows, fmt.Sprintf(`
		SELECT component_id, entity_id, type_id, name, data, created_at, updated_at
		FROM components
		WHERE entity_id IN (%s) AND deleted_at IS NULL`, in), args...)
	if err != nil {
		return nil, types.NewStoreError("load components", err)
	}

	for _, row := range compRows {
		e, ok := byID[row.EntityID]
		if !ok {
			continue
		}
		class, err := s.reg.ComponentByTypeID(row.TypeID)
		if err != nil {
			// A row for a class this process never registered. Leave it
			// untouched rather than guessing at its shape.
			s.log.Warn("skipping component with unregistered type",
				zap.String("entity_id", row.EntityID),
				zap.String("name", row.Name),
				zap.String("type_id", row.TypeID))
			continue
		}
		var data map[string]any
		if err := json.Unmarshal(row.Data, &data); err != nil {
			return nil, types.NewStoreError("decode component data", err)
		}
		e.components[row.TypeID] = &Component{
			ID:        row.ComponentID,
			Class:     class,
			Data:      data,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
			persisted: true,
		}
	}

	out := make([]*Entity, 0, len(byID))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
			delete(byID, id) // tolerate duplicate input ids
		}
	}
	return out, nil
}
