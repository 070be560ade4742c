package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "buns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	m, err := Load("")
	require.NoError(t, err)
	cfg := m.Config()

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "buns", cfg.Database.Database)
	assert.Equal(t, 10, cfg.Database.MaxConnections)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "memory", cfg.Cache.Provider)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, time.Minute, cfg.Cache.Adaptive.MinTTL)
	assert.Equal(t, 10, cfg.Scheduler.MaxConcurrentTasks)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.DefaultTimeout)
	assert.True(t, cfg.Scheduler.DistributedLocking)
	assert.Equal(t, uint32(0x42554E53), cfg.Lock.LockKeyPrefix)
}

func TestMissingFileFallsBackToDefaults(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "localhost", m.Config().Database.Host)
}

func TestFileOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  host: db.internal
  port: 5433
  user: app
  db: prod
log:
  level: warn
  pretty: true
cache:
  provider: redis
  defaultTTL: 90s
  redis:
    addr: redis.internal:6379
scheduler:
  maxConcurrentTasks: 4
  lockTimeout: 2s
  lockRetryInterval: 100ms
`)
	m, err := Load(path)
	require.NoError(t, err)
	cfg := m.Config()

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)
	assert.Equal(t, "redis", cfg.Cache.Provider)
	assert.Equal(t, 90*time.Second, cfg.Cache.DefaultTTL)
	assert.Equal(t, "redis.internal:6379", cfg.Cache.Redis.Addr)
	assert.Equal(t, 4, cfg.Scheduler.MaxConcurrentTasks)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.LockTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Scheduler.LockRetryInterval)

	// File values the yaml does not mention keep their defaults.
	assert.Equal(t, 10, cfg.Database.MaxConnections)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("BUNS_DATABASE_HOST", "env-host")
	t.Setenv("BUNS_LOG_LEVEL", "debug")

	m, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env-host", m.Config().Database.Host)
	assert.Equal(t, "debug", m.Config().Log.Level)
}

func TestBadLogLevelRejected(t *testing.T) {
	path := writeConfig(t, "log:\n  level: shouty\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "log.level")
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "h", Port: 5432, User: "u", Database: "d"}
	assert.Equal(t, "host=h port=5432 user=u dbname=d sslmode=disable", d.DSN())

	d.Password = "s3cret"
	assert.Contains(t, d.DSN(), "password=s3cret")
}

func TestBuildLoggerUsesConfiguredLevel(t *testing.T) {
	path := writeConfig(t, "log:\n  level: error\n")
	m, err := Load(path)
	require.NoError(t, err)

	log, err := m.BuildLogger()
	require.NoError(t, err)
	defer func() { _ = log.Sync() }()

	assert.False(t, log.Core().Enabled(zapcore.WarnLevel))
	assert.True(t, log.Core().Enabled(zapcore.ErrorLevel))
}

func TestWatchRetunesLogLevel(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")
	m, err := Load(path)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	m.Watch(func(cfg Config) {
		mu.Lock()
		seen = append(seen, cfg.Log.Level)
		mu.Unlock()
	})

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: error\n"), 0o644))

	assert.Eventually(t, func() bool {
		return m.level.Level() == zapcore.ErrorLevel
	}, 5*time.Second, 20*time.Millisecond, "watcher never applied the new level")
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, "error")
}

func TestDump(t *testing.T) {
	m, err := Load("")
	require.NoError(t, err)
	out, err := m.Dump()
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, "database:")
	assert.Contains(t, s, "host: localhost")
	assert.Contains(t, s, "scheduler:")
}
