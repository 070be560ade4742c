// Package lock provides advisory mutual exclusion across process instances
// sharing one PostgreSQL database.
//
// Locks are session-scoped: they live on a single dedicated connection the
// manager holds open, and the database releases them automatically when that
// session dies. Callers must therefore re-acquire on every unit of work and
// never assume a lock survives a reconnect.
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DefaultPrefix is the namespace constant mixed into every lock key
// ("BUNS" in ASCII). Two deployments sharing a database but using different
// prefixes cannot collide.
const DefaultPrefix uint32 = 0x42554E53

// Options configures a Manager.
type Options struct {
	// Prefix is the 32-bit namespace for lock keys. Zero means DefaultPrefix.
	Prefix uint32
	// Timeout bounds a TryAcquire retry loop. Zero means a single attempt.
	Timeout time.Duration
	// RetryInterval is the delay between attempts when Timeout > 0.
	RetryInterval time.Duration
}

// Manager acquires and releases advisory locks, tracking which ids it holds
// so ReleaseAll can clean up at shutdown.
type Manager struct {
	db   *sqlx.DB
	opts Options
	log  *zap.Logger

	mu   sync.Mutex
	conn *sql.Conn
	held map[string]int64
}

// NewManager returns a lock manager over db.
func NewManager(db *sqlx.DB, opts Options, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Prefix == 0 {
		opts.Prefix = DefaultPrefix
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	return &Manager{db: db, opts: opts, log: log, held: make(map[string]int64)}
}

// Key computes the 64-bit advisory lock key for a task id:
// the namespace prefix in the high 32 bits, the low 32 bits of an FNV-1a
// hash of the id's UTF-8 bytes in the low word.
func Key(prefix uint32, taskID string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return int64(uint64(prefix)<<32 | uint64(h.Sum32()))
}

// session returns the dedicated connection, opening it on first use. All
// lock calls ride this one connection so they share a database session.
func (m *Manager) session(ctx context.Context) (*sql.Conn, error) {
	if m.conn != nil {
		return m.conn, nil
	}
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock: acquire session connection: %w", err)
	}
	m.conn = conn
	return conn, nil
}

// TryAcquire attempts to take the advisory lock for taskID without blocking
// other sessions. With Options.Timeout > 0 it retries every RetryInterval
// until the deadline; otherwise it is a single attempt. A false return with
// nil error means another instance holds the lock — a normal outcome, not a
// failure.
func (m *Manager) TryAcquire(ctx context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := Key(m.opts.Prefix, taskID)

	attempt := func() (bool, error) {
		conn, err := m.session(ctx)
		if err != nil {
			return false, err
		}
		var got bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&got); err != nil {
			// The session connection may have died; drop it so the next
			// attempt opens a fresh one.
			m.dropSession()
			return false, fmt.Errorf("lock: try acquire %s: %w", taskID, err)
		}
		return got, nil
	}

	got, err := attempt()
	if err == nil && !got && m.opts.Timeout > 0 {
		retryCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
		defer cancel()
		policy := backoff.WithContext(backoff.NewConstantBackOff(m.opts.RetryInterval), retryCtx)
		err = backoff.Retry(func() error {
			var aerr error
			got, aerr = attempt()
			if aerr != nil {
				return backoff.Permanent(aerr)
			}
			if !got {
				return fmt.Errorf("lock %s held elsewhere", taskID)
			}
			return nil
		}, policy)
		if err != nil && !got {
			// Timeout exhausted without an error from the database itself:
			// report a plain miss.
			err = nil
		}
	}
	if err != nil {
		return false, err
	}
	if got {
		m.held[taskID] = key
		m.log.Debug("advisory lock acquired",
			zap.String("task", taskID), zap.Int64("key", key))
	}
	return got, nil
}

// Release unlocks taskID. The id is untracked even when the database reports
// the lock as not held (a recycled session already lost it).
func (m *Manager) Release(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(ctx, taskID)
}

func (m *Manager) releaseLocked(ctx context.Context, taskID string) error {
	key, tracked := m.held[taskID]
	if !tracked {
		key = Key(m.opts.Prefix, taskID)
	}
	delete(m.held, taskID)

	conn, err := m.session(ctx)
	if err != nil {
		return err
	}
	var released bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, key).Scan(&released); err != nil {
		m.dropSession()
		return fmt.Errorf("lock: release %s: %w", taskID, err)
	}
	if !released {
		m.log.Warn("advisory unlock reported not held",
			zap.String("task", taskID), zap.Int64("key", key))
	}
	return nil
}

// ReleaseAll unlocks every tracked id. Used at shutdown.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for taskID := range m.held {
		if err := m.releaseLocked(ctx, taskID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Held returns the task ids this manager currently tracks as locked.
func (m *Manager) Held() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.held))
	for id := range m.held {
		out = append(out, id)
	}
	return out
}

// Close releases all locks and the session connection.
func (m *Manager) Close(ctx context.Context) error {
	err := m.ReleaseAll(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropSession()
	return err
}

func (m *Manager) dropSession() {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
		// Session death released every advisory lock with it.
		m.held = make(map[string]int64)
	}
}
