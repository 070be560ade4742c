// Package buns is a persistent entity-component-system runtime on
// PostgreSQL. Entities are bags of typed component documents stored as JSONB
// in list partitions; the query engine compiles composition predicates into
// joined SQL, and archetypes layer record-shaped views over raw components.
//
// Open a Runtime, register component classes and archetypes, then Start it:
//
//	rt, err := buns.Open(ctx, "buns.yaml")
//	...
//	rt.RegisterComponent(ctx, buns.ComponentClass{Name: "Title", ...})
//	rt.Start(ctx)
//	defer rt.Close(ctx)
package buns

import (
	"github.com/bunsdb/buns/internal/archetype"
	"github.com/bunsdb/buns/internal/cache"
	"github.com/bunsdb/buns/internal/config"
	"github.com/bunsdb/buns/internal/hooks"
	"github.com/bunsdb/buns/internal/lock"
	"github.com/bunsdb/buns/internal/pgstore"
	"github.com/bunsdb/buns/internal/query"
	"github.com/bunsdb/buns/internal/registry"
	"github.com/bunsdb/buns/internal/scheduler"
	"github.com/bunsdb/buns/internal/types"
)

// Subsystem handles returned by Runtime accessors.
type (
	Store          = pgstore.Store
	Registry       = registry.Registry
	HookDispatcher = hooks.Dispatcher
	Scheduler      = scheduler.Scheduler
	LockManager    = lock.Manager
	CacheProvider  = cache.Provider
	Config         = config.Config
)

// Core model types.
type (
	Entity          = pgstore.Entity
	ComponentClass  = types.ComponentClass
	FieldDescriptor = types.FieldDescriptor
	FieldKind       = types.FieldKind
	IndexSpec       = types.IndexSpec
	ArchetypeMeta   = types.ArchetypeMeta
	Relation        = types.Relation
	ComponentTarget = types.ComponentTarget
)

// Field kinds.
const (
	KindString    = types.KindString
	KindInt       = types.KindInt
	KindReal      = types.KindReal
	KindBool      = types.KindBool
	KindTimestamp = types.KindTimestamp
	KindEnum      = types.KindEnum
	KindArray     = types.KindArray
	KindObject    = types.KindObject
)

// Querying.
type (
	Query         = query.Query
	Filter        = types.Filter
	FilterOp      = types.FilterOp
	SortDirection = types.SortDirection
)

const (
	OpEQ        = types.OpEQ
	OpNEQ       = types.OpNEQ
	OpGT        = types.OpGT
	OpGTE       = types.OpGTE
	OpLT        = types.OpLT
	OpLTE       = types.OpLTE
	OpLIKE      = types.OpLIKE
	OpIN        = types.OpIN
	OpNotIN     = types.OpNotIN
	OpIsNull    = types.OpIsNull
	OpIsNotNull = types.OpIsNotNull
	OpBetween   = types.OpBetween

	SortAsc  = types.SortAsc
	SortDesc = types.SortDesc
)

// Events and hooks.
type (
	Event       = types.Event
	EventKind   = types.EventKind
	HookHandler = hooks.Handler
	HookOptions = hooks.Options
)

const (
	EventEntityCreated    = types.EventEntityCreated
	EventEntityUpdated    = types.EventEntityUpdated
	EventEntityDeleted    = types.EventEntityDeleted
	EventComponentAdded   = types.EventComponentAdded
	EventComponentUpdated = types.EventComponentUpdated
	EventComponentRemoved = types.EventComponentRemoved
)

// Archetypes.
type (
	Archetype  = archetype.Archetype
	FillMode   = archetype.FillMode
	GetOptions = archetype.GetOptions
)

const (
	FillStrict     = archetype.Strict
	FillPermissive = archetype.Permissive
)

// Scheduling.
type (
	Task        = scheduler.Task
	TaskOptions = scheduler.TaskOptions
	TaskHandler = scheduler.TaskHandler
	Interval    = scheduler.Interval
)

const (
	IntervalMinute  = scheduler.IntervalMinute
	IntervalHour    = scheduler.IntervalHour
	IntervalDaily   = scheduler.IntervalDaily
	IntervalWeekly  = scheduler.IntervalWeekly
	IntervalMonthly = scheduler.IntervalMonthly
	IntervalCron    = scheduler.IntervalCron
)

// Sentinel errors surfaced to callers.
var (
	ErrNotFound          = types.ErrNotFound
	ErrMetadataConflict  = types.ErrMetadataConflict
	ErrUnknownComponent  = types.ErrUnknownComponent
	ErrInvalidIdentifier = types.ErrInvalidIdentifier
	ErrSaveTimeout       = types.ErrSaveTimeout
	ErrInvalidCron       = types.ErrInvalidCron
)
