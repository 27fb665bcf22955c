package cache

import (
	"fmt"
	"time"
)

// Backend names accepted by [Open].
const (
	BackendFile  = "file"
	BackendRedis = "redis"
	BackendNone  = "none"
)

// Config selects and configures a cache backend.
type Config struct {
	Backend   string        `toml:"backend" json:"backend,omitempty"`
	Dir       string        `toml:"dir" json:"dir,omitempty"`
	RedisAddr string        `toml:"redis_addr" json:"redis_addr,omitempty"`
	TTL       time.Duration `toml:"ttl" json:"ttl,omitempty"`
}

// Open creates the cache described by cfg. An empty backend selects the
// file cache when a directory is given and no cache otherwise.
func Open(cfg Config) (Cache, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = BackendNone
		if cfg.Dir != "" {
			backend = BackendFile
		}
	}
	switch backend {
	case BackendFile:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("file cache: no directory")
		}
		return NewFileCache(cfg.Dir)
	case BackendRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis cache: no address")
		}
		return NewRedisCache(RedisConfig{Addr: cfg.RedisAddr}), nil
	case BackendNone:
		return NewNullCache(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
}
