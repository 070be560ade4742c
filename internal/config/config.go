// Package config loads runtime configuration from a yaml file, BUNS_
// environment variables, and built-in defaults, and supports hot reload of
// the log level through a file watcher.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Lock      LockConfig      `mapstructure:"lock" yaml:"lock"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host           string `mapstructure:"host" yaml:"host"`
	Port           int    `mapstructure:"port" yaml:"port"`
	User           string `mapstructure:"user" yaml:"user"`
	Password       string `mapstructure:"password" yaml:"password,omitempty"`
	Database       string `mapstructure:"db" yaml:"db"`
	MaxConnections int    `mapstructure:"maxConnections" yaml:"maxConnections"`
}

// DSN returns a pgx-compatible connection string.
func (d DatabaseConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Database)
	if d.Password != "" {
		dsn += " password=" + d.Password
	}
	return dsn
}

// LogConfig controls the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`
	// Pretty switches to the development console encoder.
	Pretty bool `mapstructure:"pretty" yaml:"pretty"`
}

// CacheConfig controls the component cache.
type CacheConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Provider is memory, redis, or none.
	Provider string `mapstructure:"provider" yaml:"provider"`
	// Strategy is static or adaptive.
	Strategy   string              `mapstructure:"strategy" yaml:"strategy"`
	DefaultTTL time.Duration       `mapstructure:"defaultTTL" yaml:"defaultTTL"`
	Memory     MemoryCacheConfig   `mapstructure:"memory" yaml:"memory"`
	Redis      RedisCacheConfig    `mapstructure:"redis" yaml:"redis"`
	Adaptive   AdaptiveCacheConfig `mapstructure:"adaptive" yaml:"adaptive"`
}

// MemoryCacheConfig tunes the in-memory LRU provider.
type MemoryCacheConfig struct {
	MaxEntries      int           `mapstructure:"maxEntries" yaml:"maxEntries"`
	MaxMemory       int64         `mapstructure:"maxMemory" yaml:"maxMemory"`
	CleanupInterval time.Duration `mapstructure:"cleanupInterval" yaml:"cleanupInterval"`
}

// RedisCacheConfig tunes the Redis provider.
type RedisCacheConfig struct {
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Password  string `mapstructure:"password" yaml:"password,omitempty"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"keyPrefix" yaml:"keyPrefix"`
}

// AdaptiveCacheConfig tunes the adaptive TTL decorator.
type AdaptiveCacheConfig struct {
	Window        time.Duration `mapstructure:"window" yaml:"window"`
	HotThreshold  int           `mapstructure:"hotThreshold" yaml:"hotThreshold"`
	ColdThreshold int           `mapstructure:"coldThreshold" yaml:"coldThreshold"`
	MinTTL        time.Duration `mapstructure:"minTTL" yaml:"minTTL"`
}

// SchedulerConfig controls the task scheduler.
type SchedulerConfig struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxConcurrentTasks int           `mapstructure:"maxConcurrentTasks" yaml:"maxConcurrentTasks"`
	DefaultTimeout     time.Duration `mapstructure:"defaultTimeout" yaml:"defaultTimeout"`
	EnableLogging      bool          `mapstructure:"enableLogging" yaml:"enableLogging"`
	RunOnStart         bool          `mapstructure:"runOnStart" yaml:"runOnStart"`
	DistributedLocking bool          `mapstructure:"distributedLocking" yaml:"distributedLocking"`
	LockTimeout        time.Duration `mapstructure:"lockTimeout" yaml:"lockTimeout"`
	LockRetryInterval  time.Duration `mapstructure:"lockRetryInterval" yaml:"lockRetryInterval"`
}

// LockConfig controls the advisory lock manager.
type LockConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	LockKeyPrefix uint32        `mapstructure:"lockKeyPrefix" yaml:"lockKeyPrefix"`
	EnableLogging bool          `mapstructure:"enableLogging" yaml:"enableLogging"`
	LockTimeout   time.Duration `mapstructure:"lockTimeout" yaml:"lockTimeout"`
	RetryInterval time.Duration `mapstructure:"retryInterval" yaml:"retryInterval"`
}

// Manager owns the viper instance, the parsed Config, and the atomic log
// level that hot reload adjusts in place.
type Manager struct {
	v       *viper.Viper
	level   zap.AtomicLevel
	hasFile bool

	mu  sync.RWMutex
	cfg Config
}

// Load reads configuration from path (optional, yaml), layered under BUNS_
// environment variables. A missing file is not an error; defaults apply.
func Load(path string) (*Manager, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BUNS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	m := &Manager{v: v, level: zap.NewAtomicLevel(), hasFile: path != ""}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.db", "buns")
	v.SetDefault("database.maxConnections", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.provider", "memory")
	v.SetDefault("cache.strategy", "static")
	v.SetDefault("cache.defaultTTL", "5m")
	v.SetDefault("cache.memory.maxEntries", 10000)
	v.SetDefault("cache.memory.cleanupInterval", "1m")
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.keyPrefix", "buns:")
	v.SetDefault("cache.adaptive.window", "5m")
	v.SetDefault("cache.adaptive.hotThreshold", 10)
	v.SetDefault("cache.adaptive.coldThreshold", 1)
	v.SetDefault("cache.adaptive.minTTL", "1m")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.maxConcurrentTasks", 10)
	v.SetDefault("scheduler.defaultTimeout", "30s")
	v.SetDefault("scheduler.distributedLocking", true)

	v.SetDefault("lock.enabled", true)
	v.SetDefault("lock.lockKeyPrefix", 0x42554E53)
}

func (m *Manager) reload() error {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("log.level %q: %w", cfg.Log.Level, err)
	}
	m.level.SetLevel(level)
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

// Config returns the parsed configuration snapshot.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// BuildLogger constructs the process logger from the log section. The level
// is atomic, so Watch can retune it without rebuilding the logger.
func (m *Manager) BuildLogger() (*zap.Logger, error) {
	var zc zap.Config
	if m.Config().Log.Pretty {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = m.level
	return zc.Build()
}

// Watch re-reads the config file on change. Only the log level takes effect
// immediately; onChange (optional) receives the freshly parsed Config for
// anything the caller wants to apply itself.
func (m *Manager) Watch(onChange func(Config)) {
	if !m.hasFile {
		return
	}
	m.v.OnConfigChange(func(fsnotify.Event) {
		if err := m.reload(); err != nil {
			return
		}
		if onChange != nil {
			onChange(m.Config())
		}
	})
	m.v.WatchConfig()
}

// Dump renders the effective configuration as yaml, passwords included, for
// the status command.
func (m *Manager) Dump() ([]byte, error) {
	return yaml.Marshal(m.Config())
}
