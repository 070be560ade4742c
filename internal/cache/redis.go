package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// compressThreshold is the value size above which Redis values are gzipped.
// Compressed values are recognized on read by the gzip magic bytes.
const compressThreshold = 1024

// invalidationChannel carries cross-instance invalidation messages. Each
// message is either a single key or "pattern:<glob>".
const invalidationChannel = "buns:cache:invalidate"

// RedisOptions configures the Redis provider.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// DefaultTTL applies when Set is called with ttl == 0. Zero means 5m.
	DefaultTTL time.Duration
	// KeyPrefix namespaces all keys, e.g. "buns:". Optional.
	KeyPrefix string
}

// Redis is the distributed provider backed by a Redis-compatible KV store.
// Values are transparently gzip-compressed when large, pattern invalidation
// uses SCAN, and a pub/sub channel propagates invalidations across
// instances.
type Redis struct {
	client *redis.Client
	opts   RedisOptions
	log    *zap.Logger

	hits    atomic.Uint64
	misses  atomic.Uint64
	sets    atomic.Uint64
	deletes atomic.Uint64

	subCancel context.CancelFunc
}

// NewRedis connects to addr and returns the provider. The connection is
// verified with a PING.
func NewRedis(ctx context.Context, opts RedisOptions, log *zap.Logger) (*Redis, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 5 * time.Minute
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: redis ping %s: %w", opts.Addr, err)
	}
	return &Redis{client: client, opts: opts, log: log}, nil
}

func (r *Redis) key(k string) string { return r.opts.KeyPrefix + k }

// Get returns the cached value or ErrCacheMiss, decompressing as needed.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		r.misses.Add(1)
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: redis get %s: %w", key, err)
	}
	r.hits.Add(1)
	return maybeDecompress(raw)
}

// Set stores value under key for ttl (0 = default), compressing large
// values.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.opts.DefaultTTL
	}
	stored, err := maybeCompress(value)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(key), stored, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set %s: %w", key, err)
	}
	r.sets.Add(1)
	return nil
}

// Delete removes key and publishes the invalidation.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("cache: redis del %s: %w", key, err)
	}
	r.deletes.Add(1)
	r.publishInvalidation(ctx, key)
	return nil
}

// DeleteMany removes every key in keys in one round trip.
func (r *Redis) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("cache: redis del %d keys: %w", len(keys), err)
	}
	r.deletes.Add(uint64(len(keys)))
	for _, k := range keys {
		r.publishInvalidation(ctx, k)
	}
	return nil
}

// Clear removes every key under the provider's prefix via SCAN.
func (r *Redis) Clear(ctx context.Context) error {
	_, err := r.InvalidatePattern(ctx, "*")
	return err
}

// GetMany returns the subset of keys that hit, using MGET.
func (r *Redis) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	vals, err := r.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: redis mget: %w", err)
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			r.misses.Add(1)
			continue
		}
		decoded, err := maybeDecompress([]byte(s))
		if err != nil {
			return nil, err
		}
		r.hits.Add(1)
		out[keys[i]] = decoded
	}
	return out, nil
}

// SetMany stores every entry with the same ttl using a pipeline.
func (r *Redis) SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.opts.DefaultTTL
	}
	pipe := r.client.Pipeline()
	for k, v := range entries {
		stored, err := maybeCompress(v)
		if err != nil {
			return err
		}
		pipe.Set(ctx, r.key(k), stored, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: redis pipeline set: %w", err)
	}
	r.sets.Add(uint64(len(entries)))
	return nil
}

// InvalidatePattern SCANs for keys matching the glob and deletes them in
// batches, then publishes the pattern for peers.
func (r *Redis) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	match := r.key(pattern)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return removed, fmt.Errorf("cache: redis scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("cache: redis del batch: %w", err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	r.deletes.Add(uint64(removed))
	r.publishInvalidation(ctx, "pattern:"+pattern)
	return removed, nil
}

// Subscribe starts consuming the cross-instance invalidation channel,
// calling fn for each key (or "pattern:<glob>") published by peers. It
// returns immediately; delivery runs until Close.
func (r *Redis) Subscribe(ctx context.Context, fn func(message string)) {
	subCtx, cancel := context.WithCancel(ctx)
	r.subCancel = cancel
	sub := r.client.Subscribe(subCtx, invalidationChannel)
	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn(msg.Payload)
			}
		}
	}()
}

func (r *Redis) publishInvalidation(ctx context.Context, message string) {
	if err := r.client.Publish(ctx, invalidationChannel, message).Err(); err != nil {
		r.log.Debug("cache invalidation publish failed", zap.Error(err))
	}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// GetStats returns counters plus a server health report: round-trip latency
// and, where the server exposes INFO, memory, connection count, and version.
func (r *Redis) GetStats(ctx context.Context) (Stats, error) {
	s := Stats{
		Hits:    r.hits.Load(),
		Misses:  r.misses.Load(),
		Sets:    r.sets.Load(),
		Deletes: r.deletes.Load(),
	}

	start := time.Now()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return s, fmt.Errorf("cache: redis stats ping: %w", err)
	}
	s.Latency = time.Since(start)

	if n, err := r.client.DBSize(ctx).Result(); err == nil {
		s.Entries = int(n)
	}
	if info, err := r.client.Info(ctx, "server", "memory", "clients").Result(); err == nil {
		s.Version = infoField(info, "redis_version")
		if mem, err := strconv.ParseInt(infoField(info, "used_memory"), 10, 64); err == nil {
			s.ServerMem = mem
		}
		if conns, err := strconv.Atoi(infoField(info, "connected_clients")); err == nil {
			s.Connections = conns
		}
	}
	return s, nil
}

// Close stops the subscriber and releases the client.
func (r *Redis) Close() error {
	if r.subCancel != nil {
		r.subCancel()
	}
	return r.client.Close()
}

func infoField(info, field string) string {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, field+":"); ok {
			return v
		}
	}
	return ""
}

var gzipMagic = []byte{0x1f, 0x8b}

func maybeCompress(value []byte) ([]byte, error) {
	if len(value) < compressThreshold {
		return value, nil
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(value); err != nil {
		return nil, fmt.Errorf("cache: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("cache: compress: %w", err)
	}
	return buf.Bytes(), nil
}

func maybeDecompress(raw []byte) ([]byte, error) {
	if !bytes.HasPrefix(raw, gzipMagic) {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		// Plain value that happens to start with the magic bytes.
		return raw, nil
	}
	defer func() { _ = zr.Close() }()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("cache: decompress: %w", err)
	}
	return out, nil
}
