package generator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow/middleware/kv/memkv"
)

func TestIDGeneratorIsMonotonic(t *testing.T) {
	store := memkv.NewMemoryKV()
	g := NewIDGenerator(context.Background(), store, "query/id", WithCountPerSync(4))
	require.NoError(t, g.Start())
	defer g.Close()

	last := int64(0)
	for i := 0; i < 10; i++ {
		id, err := g.GenOne()
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
	assert.Equal(t, int64(10), last)

	start, end, err := g.Gen(9)
	require.NoError(t, err)
	assert.Equal(t, int64(9), end-start)
	assert.Greater(t, start, last)

	_, _, err = g.Gen(0)
	assert.Error(t, err)
}

func TestIDGeneratorsShareStore(t *testing.T) {
	store := memkv.NewMemoryKV()
	a := NewIDGenerator(context.Background(), store, "query/id", WithCountPerSync(3))
	b := NewIDGenerator(context.Background(), store, "query/id", WithCountPerSync(3))
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	defer a.Close()
	defer b.Close()

	var (
		mu   sync.Mutex
		seen = map[int64]bool{}
		wg   sync.WaitGroup
	)
	for _, g := range []*IDGenerator{a, b} {
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(g *IDGenerator) {
				defer wg.Done()
				for j := 0; j < 25; j++ {
					id, err := g.GenOne()
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					assert.False(t, seen[id], "duplicate id %d", id)
					seen[id] = true
					mu.Unlock()
				}
			}(g)
		}
	}
	wg.Wait()
	assert.Len(t, seen, 200)
}

func TestIDGeneratorCleanCache(t *testing.T) {
	store := memkv.NewMemoryKV()
	g := NewIDGenerator(context.Background(), store, "query/id", WithCountPerSync(100))
	require.NoError(t, g.Start())
	defer g.Close()

	first, err := g.GenOne()
	require.NoError(t, err)
	require.NoError(t, g.CleanCache())
	second, err := g.GenOne()
	require.NoError(t, err)
	assert.Equal(t, first+100, second)
}
