package sfu

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterPoolFillsFirstRouterFirst(t *testing.T) {
	pool, err := NewRouterPool(context.Background(), newFakeEngine(), 3, 2)
	require.NoError(t, err)
	require.Equal(t, 3, pool.size())

	var picked []*RoutingContext
	for range 6 {
		rc, err := pool.Acquire()
		require.NoError(t, err)
		picked = append(picked, rc)
	}
	assert.Equal(t, []int{2, 2, 2}, pool.Load())
	assert.Same(t, picked[0], picked[1])
	assert.NotSame(t, picked[1], picked[2])

	_, err = pool.Acquire()
	assert.ErrorIs(t, err, ErrRouterFull)

	pool.Release(picked[0])
	rc, err := pool.Acquire()
	require.NoError(t, err)
	assert.Same(t, picked[0], rc)
}

func TestRouterPoolNeverExceedsCapConcurrently(t *testing.T) {
	pool, err := NewRouterPool(context.Background(), newFakeEngine(), 4, 5)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.Acquire(); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, granted)
	for _, n := range pool.Load() {
		assert.LessOrEqual(t, n, 5)
	}
}

func TestRouterPoolReleaseNeverNegative(t *testing.T) {
	pool, err := NewRouterPool(context.Background(), newFakeEngine(), 1, 1)
	require.NoError(t, err)

	rc, err := pool.Acquire()
	require.NoError(t, err)
	pool.Release(rc)
	pool.Release(rc)
	assert.Equal(t, []int{0}, pool.Load())
}

func TestRouterPoolSkipsFailedWorkers(t *testing.T) {
	engine := newFakeEngine()
	engine.failAfter = 2
	pool, err := NewRouterPool(context.Background(), engine, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, pool.size())
}

func TestRouterPoolWithoutRoutersFails(t *testing.T) {
	engine := newFakeEngine()
	engine.failAfter = 0
	_, err := NewRouterPool(context.Background(), engine, 2, 1)
	assert.ErrorIs(t, err, ErrNoRouters)
}

func TestRouterPoolCloseClosesRouters(t *testing.T) {
	engine := newFakeEngine()
	pool, err := NewRouterPool(context.Background(), engine, 2, 1)
	require.NoError(t, err)

	pool.Close()
	assert.Equal(t, 0, pool.size())
	for _, r := range engine.routers {
		assert.True(t, r.closed.Load())
	}
}
