// Package cache provides the key/value cache used to memoize expensive
// build results, most importantly simulated FIFO depths.
//
// Three backends are available:
//   - [FileCache]: entries stored as JSON files, the CLI default
//   - [RedisCache]: shared cache for the HTTP build service
//   - [NullCache]: caching disabled
//
// Keys are produced by a [Keyer] so that every input influencing a result
// is part of its key:
//
//	c, _ := cache.NewFileCache(dir)
//	key := cache.NewDefaultKeyer().SizingKey(g.Fingerprint(), cache.SizingKeyOpts{
//	    FPGAPart:      "xc7z020clg400-1",
//	    ClockPeriodNs: 10,
//	})
//	data, hit, err := c.Get(ctx, key)
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Default time-to-live values per entry kind.
const (
	// TTLSizing applies to simulated FIFO depths. Simulation results only
	// depend on the key inputs, so they are kept for a long time.
	TTLSizing = 30 * 24 * time.Hour

	// TTLBuild applies to complete build results served by the API.
	TTLBuild = 7 * 24 * time.Hour
)

// Cache stores opaque byte values under string keys.
type Cache interface {
	// Get returns the value for key. A missing or expired entry is reported
	// as a miss (false), not as an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores data under key. A ttl of zero means no expiration.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the resources held by the cache.
	Close() error
}

// Clearer is implemented by caches that can drop all of their entries.
type Clearer interface {
	// Clear removes every entry and returns how many were removed.
	Clear(ctx context.Context) (int, error)
}

// SizingKeyOpts holds the inputs besides the graph that affect FIFO sizing.
type SizingKeyOpts struct {
	FPGAPart          string  `json:"fpga_part"`
	ClockPeriodNs     float64 `json:"clock_period_ns"`
	LargeFIFOMemStyle string  `json:"large_fifo_mem_style,omitempty"`
}

// BuildKeyOpts holds the build settings that affect a full build result.
type BuildKeyOpts struct {
	ConfigHash string   `json:"config_hash"`
	Steps      []string `json:"steps,omitempty"`
}

// Keyer generates cache keys.
type Keyer interface {
	// SizingKey returns the key of the FIFO depths of a graph.
	SizingKey(graphHash string, opts SizingKeyOpts) string

	// BuildKey returns the key of a complete build of a model.
	BuildKey(modelHash string, opts BuildKeyOpts) string
}

// DefaultKeyer builds keys of the form "<kind>:<sha256 of inputs>".
type DefaultKeyer struct{}

// NewDefaultKeyer returns the default key generator.
func NewDefaultKeyer() Keyer {
	return DefaultKeyer{}
}

// SizingKey implements [Keyer].
func (DefaultKeyer) SizingKey(graphHash string, opts SizingKeyOpts) string {
	return entryKey("sizing", graphHash, opts)
}

// BuildKey implements [Keyer].
func (DefaultKeyer) BuildKey(modelHash string, opts BuildKeyOpts) string {
	return entryKey("build", modelHash, opts)
}

// entryKey hashes the JSON encoding of a content hash and its options.
// Both option structs marshal without error.
func entryKey(kind, contentHash string, opts any) string {
	data, _ := json.Marshal(struct {
		Hash string `json:"hash"`
		Opts any    `json:"opts"`
	}{contentHash, opts})
	return kind + ":" + Hash(data)
}

// Hash returns the hex SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NullCache never stores anything. Every Get misses.
type NullCache struct{}

// NewNullCache returns a cache with caching disabled.
func NewNullCache() Cache { return NullCache{} }

func (NullCache) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (NullCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (NullCache) Delete(context.Context, string) error                     { return nil }
func (NullCache) Clear(context.Context) (int, error)                       { return 0, nil }
func (NullCache) Close() error                                             { return nil }

var (
	_ Cache   = NullCache{}
	_ Clearer = NullCache{}
)
