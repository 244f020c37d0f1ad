package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_GetOrLoad(t *testing.T) {
	c := New[int](time.Minute)
	defer c.Stop()

	var loads atomic.Int32
	load := func(ctx context.Context) (int, error) {
		loads.Add(1)
		time.Sleep(10 * time.Millisecond)
		return 42, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrLoad(context.Background(), "k", load)
			assert.NoError(t, err)
			assert.Equal(t, 42, v)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), loads.Load())
}

func TestCache_ErrorsAreNotCached(t *testing.T) {
	c := New[string](time.Minute)
	defer c.Stop()

	_, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (string, error) {
		return "", errors.New("boom")
	})
	require.Error(t, err)
	assert.Zero(t, c.Len())
}

func TestCache_ExpiryAndInvalidate(t *testing.T) {
	c := New[string](time.Minute)
	defer c.Stop()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("streams:live", "a")
	c.Set("streams:host:u1", "b")

	v, ok := c.Get("streams:live")
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	c.Invalidate("streams:host:")
	_, ok = c.Get("streams:host:u1")
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("streams:live")
	assert.False(t, ok)
}
