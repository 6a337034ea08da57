// Package cache provides caching for null distributions and neighbor indices.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/atlasmap-sc/triku/internal/neighbors"
)

// Config contains cache configuration.
type Config struct {
	NullCacheSizeMB   int
	NullTTL           time.Duration
	NeighborCacheSize int
}

// Manager manages the null-distribution and neighbor caches. A nil *Manager
// is valid and caches nothing.
type Manager struct {
	nullCache     *bigcache.BigCache
	neighborCache *lru.Cache[string, *neighbors.Index]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	// Configure null-distribution cache
	nullCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.NullTTL,
		CleanWindow:        cfg.NullTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       64 * 1024,
		HardMaxCacheSize:   cfg.NullCacheSizeMB,
		Verbose:            false,
	}

	nullCache, err := bigcache.New(context.Background(), nullCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create null distribution cache: %w", err)
	}

	// Create neighbor cache
	neighborCache, err := lru.New[string, *neighbors.Index](cfg.NeighborCacheSize)
	if err != nil {
		nullCache.Close()
		return nil, fmt.Errorf("failed to create neighbor cache: %w", err)
	}

	return &Manager{
		nullCache:     nullCache,
		neighborCache: neighborCache,
	}, nil
}

// GetNull retrieves the probabilities of a cached null distribution.
func (m *Manager) GetNull(key string) ([]float64, bool) {
	if m == nil {
		return nil, false
	}
	data, err := m.nullCache.Get(key)
	if err != nil || len(data)%8 != 0 {
		return nil, false
	}
	y := make([]float64, len(data)/8)
	for i := range y {
		y[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return y, true
}

// SetNull stores the probabilities of a null distribution.
func (m *Manager) SetNull(key string, y []float64) error {
	if m == nil {
		return nil
	}
	data := make([]byte, len(y)*8)
	for i, v := range y {
		binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return m.nullCache.Set(key, data)
}

// GetNeighbors retrieves a neighbor index.
func (m *Manager) GetNeighbors(key string) (*neighbors.Index, bool) {
	if m == nil {
		return nil, false
	}
	return m.neighborCache.Get(key)
}

// SetNeighbors stores a neighbor index.
func (m *Manager) SetNeighbors(key string, idx *neighbors.Index) {
	if m == nil {
		return
	}
	m.neighborCache.Add(key, idx)
}

// NullKey generates a cache key for the null distribution of a count
// histogram convolved over draws cells.
func NullKey(pmf []float64, draws int, fft bool) string {
	h := sha256.New()
	var buf [8]byte
	for _, v := range pmf {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	return fmt.Sprintf("null:%d:%t:%s", draws, fft, hex.EncodeToString(h.Sum(nil))[:32])
}

// NeighborKey generates a cache key for neighbors derived from a count matrix.
func NeighborKey(fingerprint string, opts neighbors.Options) string {
	return fmt.Sprintf("knn:%s:k=%d:pcs=%d:%s:%s:seed=%d",
		fingerprint, opts.K, opts.NComponents, opts.Metric, opts.Mode, opts.Seed)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return map[string]interface{}{
		"null_cache_len":     m.nullCache.Len(),
		"null_cache_cap":     m.nullCache.Capacity(),
		"neighbor_cache_len": m.neighborCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	return m.nullCache.Close()
}
