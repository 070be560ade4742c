package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/bunsdb/buns/internal/types"
)

// Save writes the entity atomically: the entity row is inserted if absent,
// tombstoned components are deleted, and every dirty component is upserted
// into its partition with its entity_components mirror row — all in one
// transaction. Dirty bits clear and events fire only after the commit.
func (s *Store) Save(ctx context.Context, e *Entity) error {
	ctx, cancel := context.WithTimeout(ctx, s.saveTimeout)
	defer cancel()

	wasNew := !e.persisted
	now := s.now()

	var dirty []*Component
	for _, comp := range e.components {
		if comp.dirty {
			dirty = append(dirty, comp)
		}
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].Class.TypeID < dirty[j].Class.TypeID })

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.saveErr(ctx, "begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entities (id, created_at, updated_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at`,
		e.id, now); err != nil {
		return s.saveErr(ctx, "upsert entity", err)
	}

	for typeID := range e.removed {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM components WHERE entity_id = $1 AND type_id = $2`,
			e.id, typeID); err != nil {
			return s.saveErr(ctx, "delete tombstoned component", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entity_components WHERE entity_id = $1 AND type_id = $2`,
			e.id, typeID); err != nil {
			return s.saveErr(ctx, "delete presence row", err)
		}
	}

	var changed []string
	for _, comp := range dirty {
		payload, err := json.Marshal(comp.Data)
		if err != nil {
			return types.NewStoreError("encode component data", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO components (component_id, entity_id, type_id, name, data, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (component_id, type_id, entity_id)
			DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at, deleted_at = NULL`,
			comp.ID, e.id, comp.Class.TypeID, comp.Class.Name, payload, comp.CreatedAt, now); err != nil {
			return s.saveErr(ctx, fmt.Sprintf("upsert component %s", comp.Class.Name), err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entity_components (entity_id, type_id)
			VALUES ($1, $2)
			ON CONFLICT (entity_id, type_id) DO UPDATE SET deleted_at = NULL`,
			e.id, comp.Class.TypeID); err != nil {
			return s.saveErr(ctx, "upsert presence row", err)
		}
		changed = append(changed, comp.Class.TypeID)
	}

	if err := tx.Commit(); err != nil {
		return s.saveErr(ctx, "commit", err)
	}

	// Commit succeeded: settle in-memory state, then fire events. Hook
	// errors never abort a save.
	for _, comp := range dirty {
		comp.dirty = false
		comp.persisted = true
		comp.UpdatedAt = now
	}
	e.removed = make(map[string]*Component)
	e.updatedAt = now
	if wasNew {
		e.createdAt = now
		e.persisted = true
	}

	s.invalidateCached(ctx, e.id, changed)

	events := e.events
	e.events = nil
	composition := e.TypeIDs()
	for i := range events {
		events[i].EntityTypeIDs = composition
	}
	if wasNew {
		events = append(events, types.Event{
			Kind:          types.EventEntityCreated,
			EntityID:      e.id,
			EntityTypeIDs: composition,
			Timestamp:     now,
		})
	} else {
		events = append(events, types.Event{
			Kind:           types.EventEntityUpdated,
			EntityID:       e.id,
			ChangedTypeIDs: changed,
			EntityTypeIDs:  composition,
			Timestamp:      now,
		})
	}
	s.emit(events)
	return nil
}

// Delete removes the entity. Soft delete stamps deleted_at on the entity,
// its components, and the mirror rows; force performs physical deletes
// cascading through the partitions.
func (s *Store) Delete(ctx context.Context, e *Entity, force bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.saveTimeout)
	defer cancel()

	now := s.now()
	composition := e.TypeIDs()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.saveErr(ctx, "begin delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	if force {
		if _, err := tx.ExecContext(ctx, `DELETE FROM components WHERE entity_id = $1`, e.id); err != nil {
			return s.saveErr(ctx, "hard delete components", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM entity_components WHERE entity_id = $1`, e.id); err != nil {
			return s.saveErr(ctx, "hard delete presence rows", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE id = $1`, e.id); err != nil {
			return s.saveErr(ctx, "hard delete entity", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE entities SET deleted_at = $2, updated_at = $2 WHERE id = $1`,
			e.id, now); err != nil {
			return s.saveErr(ctx, "soft delete entity", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE components SET deleted_at = $2 WHERE entity_id = $1 AND deleted_at IS NULL`,
			e.id, now); err != nil {
			return s.saveErr(ctx, "soft delete components", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE entity_components SET deleted_at = $2 WHERE entity_id = $1 AND deleted_at IS NULL`,
			e.id, now); err != nil {
			return s.saveErr(ctx, "soft delete presence rows", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return s.saveErr(ctx, "commit delete", err)
	}

	e.persisted = false
	s.invalidateCached(ctx, e.id, composition)
	s.emit([]types.Event{{
		Kind:          types.EventEntityDeleted,
		EntityID:      e.id,
		EntityTypeIDs: composition,
		IsSoftDelete:  !force,
		Timestamp:     now,
	}})
	return nil
}

// saveErr maps a transaction failure to the store error taxonomy: deadline
// expiry becomes ErrSaveTimeout, everything else a StoreError.
func (s *Store) saveErr(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, types.ErrSaveTimeout)
	}
	return types.NewStoreError(op, err)
}

func (s *Store) emit(events []types.Event) {
	if s.emitter == nil || len(events) == 0 {
		return
	}
	s.emitter.EmitBatch(events)
}

func (s *Store) invalidateCached(ctx context.Context, entityID string, typeIDs []string) {
	if s.cache == nil || len(typeIDs) == 0 {
		return
	}
	keys := make([]string, len(typeIDs))
	for i, t := range typeIDs {
		keys[i] = componentCacheKey(entityID, t)
	}
	if err := s.cache.DeleteMany(ctx, keys); err != nil {
		s.log.Warn("cache invalidation failed", zap.Error(err))
	}
}
