package types

import "time"

// EventKind identifies a lifecycle event flowing through the hook dispatcher.
type EventKind string

const (
	EventEntityCreated    EventKind = "entity.created"
	EventEntityUpdated    EventKind = "entity.updated"
	EventEntityDeleted    EventKind = "entity.deleted"
	EventComponentAdded   EventKind = "component.added"
	EventComponentUpdated EventKind = "component.updated"
	EventComponentRemoved EventKind = "component.removed"
)

// AllEventKinds lists every lifecycle event kind, in the order a lifecycle
// hook is registered under them.
var AllEventKinds = []EventKind{
	EventEntityCreated,
	EventEntityUpdated,
	EventEntityDeleted,
	EventComponentAdded,
	EventComponentUpdated,
	EventComponentRemoved,
}

// Event is one lifecycle event. Events are in-process only; they are emitted
// by the entity store after a commit and are never persisted.
type Event struct {
	Kind     EventKind
	EntityID string

	// Component events carry the class identity and data snapshots.
	TypeID        string
	ComponentName string
	OldData       map[string]any
	NewData       map[string]any

	// ChangedTypeIDs lists the type ids written by the save that produced an
	// entity.updated event.
	ChangedTypeIDs []string

	// EntityTypeIDs is the live component composition of the entity at emit
	// time, used by component-target pre-filtering.
	EntityTypeIDs []string

	// IsSoftDelete distinguishes soft from hard delete on entity.deleted.
	IsSoftDelete bool

	Timestamp time.Time
}

// HasComponent reports whether the event's entity composition includes the
// given type id.
func (e *Event) HasComponent(typeID string) bool {
	for _, id := range e.EntityTypeIDs {
		if id == typeID {
			return true
		}
	}
	return false
}
