package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPooledAllocator(t *testing.T) {
	t.Run("reuses released buffers", func(t *testing.T) {
		pool := NewPooledAllocator(4)
		buf, err := pool.Allocate(1000)
		require.NoError(t, err)
		require.Len(t, buf, 1000)
		assert.Equal(t, 1024, cap(buf))
		buf[0] = 0xFF

		pool.Release(buf)
		again, err := pool.Allocate(900)
		require.NoError(t, err)
		require.Len(t, again, 900)
		assert.Equal(t, byte(0), again[0], "recycled buffers must be zeroed")

		hits, misses, created := pool.GetMetrics()
		assert.Equal(t, uint64(1), hits)
		assert.Equal(t, uint64(1), misses)
		assert.Equal(t, uint64(1), created)
	})

	t.Run("drops foreign buffers", func(t *testing.T) {
		pool := NewPooledAllocator(4)
		pool.Release(make([]byte, 100))
		_, misses, _ := pool.GetMetrics()
		_, err := pool.Allocate(100)
		require.NoError(t, err)
		_, misses2, _ := pool.GetMetrics()
		assert.Equal(t, misses+1, misses2)
	})

	t.Run("concurrent use", func(t *testing.T) {
		pool := NewPooledAllocator(8)
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					b, err := pool.Allocate(4096)
					if err == nil {
						pool.Release(b)
					}
				}
			}()
		}
		wg.Wait()
	})

	t.Run("negative size", func(t *testing.T) {
		_, err := NewPooledAllocator(1).Allocate(-1)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestLimitedAllocator(t *testing.T) {
	alloc := NewLimitedAllocator(HeapAllocator{}, 100)
	a, err := alloc.Allocate(60)
	require.NoError(t, err)
	_, err = alloc.Allocate(60)
	require.ErrorIs(t, err, ErrAllocationFailed)
	assert.Equal(t, int64(60), alloc.InUse())

	alloc.Release(a)
	assert.Equal(t, int64(0), alloc.InUse())
	_, err = alloc.Allocate(100)
	require.NoError(t, err)
}
