// Package schema keeps the physical PostgreSQL schema in step with the
// metadata registry: base tables, per-type LIST partitions of the components
// table, and JSONB path indexes per declared index spec.
package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/bunsdb/buns/internal/types"
)

// PostgreSQL SQLSTATE codes the manager tolerates during concurrent DDL.
const (
	codeDuplicateTable  = "42P07"
	codeDuplicateObject = "42710"
	codeDeadlock        = "40P01"
	codeUniqueViolation = "23505"
)

// Strategy is the partition strategy of the components table, discovered at
// runtime. Fresh databases are always LIST; HASH appears when an operator
// pre-provisioned the table differently.
type Strategy string

const (
	StrategyList Strategy = "list"
	StrategyHash Strategy = "hash"
)

// Manager creates and evolves the backing tables. It is safe for concurrent
// use; DDL races between instances are tolerated by re-checking existence.
type Manager struct {
	db  *sqlx.DB
	log *zap.Logger
}

// NewManager returns a schema manager over db.
func NewManager(db *sqlx.DB, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{db: db, log: log}
}

// EnsureBase creates the base tables and their default indexes if missing.
// Called once at boot, before the database-ready phase is signalled.
func (m *Manager) EnsureBase(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, baseDDL); err != nil {
		if !isDuplicate(err) {
			return fmt.Errorf("ensure base schema: %w", err)
		}
	}
	return nil
}

// PartitionStrategy reports how the components table is partitioned.
func (m *Manager) PartitionStrategy(ctx context.Context) (Strategy, error) {
	var strat string
	err := m.db.GetContext(ctx, &strat, `
		SELECT CASE partstrat WHEN 'l' THEN 'list' WHEN 'h' THEN 'hash' ELSE partstrat::text END
		FROM pg_partitioned_table pt
		JOIN pg_class c ON c.oid = pt.partrelid
		WHERE c.relname = 'components'`)
	if err != nil {
		return "", fmt.Errorf("discover partition strategy: %w", err)
	}
	return Strategy(strat), nil
}

// EnsurePartition creates the LIST partition for a component class if it
// does not exist. The class must already carry its type id.
func (m *Manager) EnsurePartition(ctx context.Context, class *types.ComponentClass) error {
	table, err := PartitionTable(class.Name)
	if err != nil {
		return err
	}
	if err := checkTypeID(class.TypeID); err != nil {
		return err
	}

	// type_id is an identifier-safe hex string, validated above. Partition
	// bounds cannot be bound parameters in DDL.
	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF components FOR VALUES IN ('%s')`,
		table, class.TypeID)
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		if isDuplicate(err) {
			m.log.Debug("partition already exists", zap.String("table", table))
			return nil
		}
		return fmt.Errorf("create partition %s: %w", table, err)
	}
	m.log.Info("partition ready",
		zap.String("table", table),
		zap.String("type_id", class.TypeID))
	return nil
}

// EnsureIndexes materializes every index spec of the class plus the default
// per-field indexes for fields flagged Indexed, then ANALYZEs the partition.
func (m *Manager) EnsureIndexes(ctx context.Context, class *types.ComponentClass) error {
	strat, err := m.PartitionStrategy(ctx)
	if err != nil {
		// A missing pg_partitioned_table row means a plain table; treat as
		// list-on-parent so indexes land on the partition.
		strat = StrategyList
	}

	// Under HASH partitioning indexes go on the parent table, and index
	// creation on a partitioned parent cannot be CONCURRENTLY.
	table, err := PartitionTable(class.Name)
	if err != nil {
		return err
	}
	target := table
	concurrent := true
	if strat == StrategyHash {
		target = "components"
		concurrent = false
	}

	specs := effectiveIndexSpecs(class)
	for _, spec := range specs {
		stmt, name, err := indexDDL(target, class, spec, concurrent)
		if err != nil {
			return err
		}
		if err := m.createIndex(ctx, name, stmt); err != nil {
			return err
		}
	}

	// Fresh partitions have no statistics at all, so ANALYZE runs even when
	// the class declares no indexes.
	return m.Analyze(ctx, target)
}

// createIndex runs one CREATE INDEX, tolerating the races that show up when
// several instances boot at once: on duplicate-name or deadlock errors it
// re-checks pg_indexes and succeeds when the index exists post-fact.
func (m *Manager) createIndex(ctx context.Context, name, stmt string) error {
	_, err := m.db.ExecContext(ctx, stmt)
	if err == nil {
		m.log.Debug("index ready", zap.String("index", name))
		return nil
	}
	if isDuplicate(err) || isDeadlock(err) {
		exists, checkErr := m.indexExists(ctx, name)
		if checkErr == nil && exists {
			m.log.Debug("index created by peer", zap.String("index", name))
			return nil
		}
	}
	return fmt.Errorf("create index %s: %w", name, err)
}

func (m *Manager) indexExists(ctx context.Context, name string) (bool, error) {
	var n int
	if err := m.db.GetContext(ctx, &n, `SELECT count(*) FROM pg_indexes WHERE indexname = $1`, name); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Partitions lists the component partition tables that exist, sorted.
func (m *Manager) Partitions(ctx context.Context) ([]string, error) {
	var tables []string
	err := m.db.SelectContext(ctx, &tables, `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = 'components'
		ORDER BY c.relname`)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	return tables, nil
}

// Analyze refreshes planner statistics for the given tables.
func (m *Manager) Analyze(ctx context.Context, tables ...string) error {
	for _, t := range tables {
		if err := CheckIdentifier(t); err != nil {
			return err
		}
		if _, err := m.db.ExecContext(ctx, "ANALYZE "+t); err != nil {
			return fmt.Errorf("analyze %s: %w", t, err)
		}
	}
	return nil
}

// effectiveIndexSpecs merges explicit index specs with the default B-Tree
// (or numeric, by field kind) indexes implied by Indexed fields.
func effectiveIndexSpecs(class *types.ComponentClass) []types.IndexSpec {
	var specs []types.IndexSpec
	covered := make(map[string]bool)
	for _, s := range class.Indexes {
		specs = append(specs, s)
		if len(s.Fields) == 1 {
			covered[s.Fields[0]] = true
		}
	}
	for _, f := range class.Fields {
		if !f.Indexed || covered[f.Key] {
			continue
		}
		kind := types.IndexBTree
		if f.Kind.Numeric() {
			kind = types.IndexNumeric
		}
		specs = append(specs, types.IndexSpec{Fields: []string{f.Key}, Kind: kind})
	}
	return specs
}

// indexDDL builds the CREATE INDEX statement and its deterministic name for
// one spec. Field names are identifier-checked before being spliced into the
// JSONB path expressions.
func indexDDL(table string, class *types.ComponentClass, spec types.IndexSpec, concurrent bool) (stmt, name string, err error) {
	if len(spec.Fields) == 0 {
		return "", "", types.Validationf("", "index spec for %s has no fields", class.Name)
	}
	for _, f := range spec.Fields {
		if err := CheckIdentifier(f); err != nil {
			return "", "", err
		}
	}

	norm, err := NormalizeName(class.Name)
	if err != nil {
		return "", "", err
	}
	name = fmt.Sprintf("idx_%s_%s_%s", norm, strings.Join(spec.Fields, "_"), spec.Kind)
	if len(name) > maxIdentLen {
		name = name[:maxIdentLen]
	}

	conc := ""
	if concurrent {
		conc = "CONCURRENTLY "
	}
	field := spec.Fields[0]

	switch spec.Kind {
	case types.IndexGIN:
		stmt = fmt.Sprintf(
			`CREATE INDEX %sIF NOT EXISTS %s ON %s USING GIN ((data->'%s') jsonb_path_ops)`,
			conc, name, table, field)
	case types.IndexBTree:
		stmt = fmt.Sprintf(
			`CREATE INDEX %sIF NOT EXISTS %s ON %s ((data->>'%s'))`,
			conc, name, table, field)
	case types.IndexHash:
		stmt = fmt.Sprintf(
			`CREATE INDEX %sIF NOT EXISTS %s ON %s USING HASH ((data->>'%s'))`,
			conc, name, table, field)
	case types.IndexNumeric:
		stmt = fmt.Sprintf(
			`CREATE INDEX %sIF NOT EXISTS %s ON %s (((data->>'%s')::numeric)) WHERE data->>'%s' ~ '%s'`,
			conc, name, table, field, field, numericGuardRe)
	case types.IndexComposite:
		exprs := make([]string, len(spec.Fields))
		for i, f := range spec.Fields {
			exprs[i] = fmt.Sprintf("(data->>'%s')", f)
		}
		stmt = fmt.Sprintf(
			`CREATE INDEX %sIF NOT EXISTS %s ON %s (%s)`,
			conc, name, table, strings.Join(exprs, ", "))
	default:
		return "", "", types.Validationf("", "unknown index kind %q", spec.Kind)
	}
	return stmt, name, nil
}

// checkTypeID validates the 64-hex type id before it is spliced into
// partition DDL.
func checkTypeID(id string) error {
	if len(id) != 64 {
		return fmt.Errorf("type id %q: %w", id, types.ErrInvalidIdentifier)
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("type id %q: %w", id, types.ErrInvalidIdentifier)
		}
	}
	return nil
}

func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeDuplicateTable || pgErr.Code == codeDuplicateObject ||
			pgErr.Code == codeUniqueViolation
	}
	// sqlmock and friends surface plain errors; match on message as beads
	// does for SQLite constraint errors.
	return err != nil && strings.Contains(err.Error(), "already exists")
}

func isDeadlock(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeDeadlock
}
