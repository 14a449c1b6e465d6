package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/taskgraph/config"
)

var (
	// ErrCacheMiss 键不存在或已过期
	ErrCacheMiss = errors.New("cache miss")
	// ErrClosed 管理器已关闭
	ErrClosed = errors.New("cache manager is closed")
)

// IsCacheMiss 判断是否为缓存未命中
func IsCacheMiss(err error) bool { return errors.Is(err, ErrCacheMiss) }

// Config Redis 连接与键空间配置
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// 结果快照与已结束事件流的保留时间
	TTL time.Duration
	// 每个事件流的近似最大长度，0 不裁剪
	StreamMaxLen int64
	PoolSize     int
	DialTimeout  time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		KeyPrefix:    "taskgraph:",
		TTL:          24 * time.Hour,
		StreamMaxLen: 10000,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
	}
}

// ConfigFrom 合并 redis 配置段，零值沿用默认
func ConfigFrom(rc config.RedisConfig) Config {
	c := DefaultConfig()
	c.Addr, c.Password, c.DB = rc.Addr, rc.Password, rc.DB
	if rc.KeyPrefix != "" {
		c.KeyPrefix = rc.KeyPrefix
	}
	if rc.ResultTTL > 0 {
		c.TTL = rc.ResultTTL
	}
	if rc.StreamMaxLen > 0 {
		c.StreamMaxLen = rc.StreamMaxLen
	}
	if rc.PoolSize > 0 {
		c.PoolSize = rc.PoolSize
	}
	return c
}

// =============================================================================
// 💾 Manager
// =============================================================================

// Manager 持有 Redis 客户端与键前缀，供 ResultCache 与 EventStream 共享
type Manager struct {
	rdb    *redis.Client
	cfg    Config
	logger *zap.Logger
	closed atomic.Bool
}

// NewManager 连接 Redis，ctx 限定首次 PING 的等待时间
func NewManager(ctx context.Context, cfg Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Addr == "" {
		return nil, errors.New("cache: redis addr is empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cache: connect %s: %w", cfg.Addr, err)
	}

	m := &Manager{rdb: rdb, cfg: cfg, logger: logger.With(zap.String("component", "cache"))}
	m.logger.Info("redis connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return m, nil
}

// Key 以前缀加冒号拼接键
func (m *Manager) Key(parts ...string) string {
	return m.cfg.KeyPrefix + strings.Join(parts, ":")
}

// Redis 返回底层客户端
func (m *Manager) Redis() *redis.Client { return m.rdb }

// TTL 返回结果与事件流的保留时间
func (m *Manager) TTL() time.Duration { return m.cfg.TTL }

// Ping 供 /ready 使用
func (m *Manager) Ping(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.rdb.Ping(ctx).Err()
}

// PoolStats 是 /ready 中展示的 Redis 连接池状态
type PoolStats struct {
	Hits       uint32 `json:"hits"`
	Misses     uint32 `json:"misses"`
	Timeouts   uint32 `json:"timeouts"`
	TotalConns uint32 `json:"total_conns"`
	IdleConns  uint32 `json:"idle_conns"`
}

// Stats 返回连接池统计
func (m *Manager) Stats() PoolStats {
	s := m.rdb.PoolStats()
	return PoolStats{
		Hits:       s.Hits,
		Misses:     s.Misses,
		Timeouts:   s.Timeouts,
		TotalConns: s.TotalConns,
		IdleConns:  s.IdleConns,
	}
}

// Close 关闭客户端，重复调用返回 nil
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.logger.Info("redis connection closed")
	return m.rdb.Close()
}

// getJSON 读取并解码 key，不存在时返回 ErrCacheMiss
func (m *Manager) getJSON(ctx context.Context, key string, dest any) error {
	if m.closed.Load() {
		return ErrClosed
	}
	raw, err := m.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("cache: get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return nil
}

// txPipelined 在 MULTI/EXEC 中执行 fn
func (m *Manager) txPipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	if m.closed.Load() {
		return ErrClosed
	}
	_, err := m.rdb.TxPipelined(ctx, fn)
	return err
}
