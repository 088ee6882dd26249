package shard

import (
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyForID(t *testing.T) {
	tests := []struct {
		name string
		id   int64
		want int
	}{
		{name: "first id of shard 0", id: IDBase(0), want: 0},
		{name: "first id of shard 1", id: IDBase(1), want: 1},
		{name: "large local part stays in shard 1", id: IDBase(1) + 1<<40, want: 1},
		{name: "highest shard key", id: IDBase(MaxKey), want: MaxKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KeyForID(tt.id))
		})
	}
}

func TestIDBase(t *testing.T) {
	assert.Equal(t, int64(1), IDBase(0))
	assert.Equal(t, int64(1<<48+1), IDBase(1))
	assert.Equal(t, int64(1), LocalID(IDBase(1)))
	assert.Equal(t, int64(42), LocalID(IDBase(7)+41))
}

func TestLocalSequencesAreIndependent(t *testing.T) {
	// Two shards handing out their third id each.
	a := IDBase(0) + 2
	b := IDBase(1) + 2

	assert.Equal(t, 0, KeyForID(a))
	assert.Equal(t, 1, KeyForID(b))
	assert.Equal(t, LocalID(a), LocalID(b))
	assert.NotEqual(t, a, b)
}

func TestEngine(t *testing.T) {
	// Pools are never dialed here, the router only needs identities.
	p0 := &pgxpool.Pool{}
	p3 := &pgxpool.Pool{}

	engine, err := NewEngine(map[int]*pgxpool.Pool{3: p3, 0: p0})
	require.NoError(t, err)

	t.Run("keys are sorted", func(t *testing.T) {
		assert.Equal(t, []int{0, 3}, engine.Keys())
	})

	t.Run("routes by id", func(t *testing.T) {
		pool, err := engine.ForID(IDBase(3) + 99)
		require.NoError(t, err)
		assert.Same(t, p3, pool)
	})

	t.Run("unknown shard", func(t *testing.T) {
		_, err := engine.Pool(2)
		assert.ErrorIs(t, err, ErrUnknownShard)
	})

	t.Run("owned keys", func(t *testing.T) {
		assert.Equal(t, []int{0}, engine.OwnedKeys(0, 3))
		assert.Equal(t, []int(nil), engine.OwnedKeys(1, 3))
		assert.Equal(t, []int{3}, engine.OwnedKeys(1, 2))
		assert.Equal(t, []int{0, 3}, engine.OwnedKeys(0, 0))
	})

	t.Run("rejects out of range key", func(t *testing.T) {
		_, err := NewEngine(map[int]*pgxpool.Pool{MaxKey + 1: p0})
		assert.Error(t, err)
	})
}
