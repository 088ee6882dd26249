// Package shard routes 64-bit entity ids to the physical database that owns them.
// The top 16 bits of every id are the shard key; the low 48 bits come from a
// per-shard sequence seeded at (key << 48) + 1.
package shard

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// KeyBits is the number of low bits left to the per-shard sequence.
	KeyBits = 48
	// MaxKey is the largest shard key an id can encode.
	MaxKey = 1<<(64-KeyBits) - 1

	localMask = 1<<KeyBits - 1
)

var ErrUnknownShard = errors.New("unknown shard")

// KeyForID returns the shard key encoded in id.
func KeyForID(id int64) int {
	return int(uint64(id) >> KeyBits)
}

// IDBase is the first id handed out by the given shard.
func IDBase(key int) int64 {
	return int64(uint64(key)<<KeyBits) + 1
}

// LocalID strips the shard key from id.
func LocalID(id int64) int64 {
	return int64(uint64(id) & localMask)
}

// Engine holds one connection pool per shard key.
type Engine struct {
	mu    sync.RWMutex
	pools map[int]*pgxpool.Pool
}

// NewEngine builds an Engine from already-opened pools.
func NewEngine(pools map[int]*pgxpool.Pool) (*Engine, error) {
	e := &Engine{pools: make(map[int]*pgxpool.Pool, len(pools))}
	for key, pool := range pools {
		if key < 0 || key > MaxKey {
			return nil, fmt.Errorf("shard key %d out of range", key)
		}
		e.pools[key] = pool
	}
	return e, nil
}

// Pool returns the pool for a shard key.
func (e *Engine) Pool(key int) (*pgxpool.Pool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	pool, ok := e.pools[key]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownShard, key)
	}
	return pool, nil
}

// ForID returns the pool that owns the entity with the given id.
func (e *Engine) ForID(id int64) (*pgxpool.Pool, error) {
	return e.Pool(KeyForID(id))
}

// Keys returns all configured shard keys in ascending order.
func (e *Engine) Keys() []int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	keys := make([]int, 0, len(e.pools))
	for key := range e.pools {
		keys = append(keys, key)
	}
	sort.Ints(keys)
	return keys
}

// OwnedKeys returns the shard keys a process owns when work is split across
// totalCPUs processes: key % totalCPUs == cpuID.
func (e *Engine) OwnedKeys(cpuID, totalCPUs int) []int {
	if totalCPUs <= 0 {
		return e.Keys()
	}
	var owned []int
	for _, key := range e.Keys() {
		if key%totalCPUs == cpuID {
			owned = append(owned, key)
		}
	}
	return owned
}

// Close closes every pool.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key, pool := range e.pools {
		pool.Close()
		delete(e.pools, key)
	}
}
