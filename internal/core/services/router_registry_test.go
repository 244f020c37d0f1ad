package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterRegistry_ConcurrentCreateYieldsOneRouter(t *testing.T) {
	f := newMediaFixture(t, 2)
	for _, w := range f.engine.Workers() {
		w.RouterHook = func() { time.Sleep(20 * time.Millisecond) }
	}

	const callers = 32
	routers := make([]ports.RelayRouter, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.routers.GetOrCreateRouter(context.Background(), "s1")
			assert.NoError(t, err)
			routers[i] = r
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), f.engine.RoutersCreated())
	for _, r := range routers {
		require.NotNil(t, r)
		assert.Equal(t, routers[0].ID(), r.ID())
	}
	assert.Equal(t, 1, f.metrics.Open(resourceRouter))
}

func TestRouterRegistry_CancelledCallerDoesNotAbortCreation(t *testing.T) {
	f := newMediaFixture(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, err := f.routers.GetOrCreateRouter(ctx, "s1")
	require.NoError(t, err)
	assert.NotNil(t, r)
}

func TestRouterRegistry_RouterPerStream(t *testing.T) {
	f := newMediaFixture(t, 1)
	ctx := context.Background()

	a, err := f.routers.GetOrCreateRouter(ctx, "s1")
	require.NoError(t, err)
	b, err := f.routers.GetOrCreateRouter(ctx, "s2")
	require.NoError(t, err)
	again, err := f.routers.GetOrCreateRouter(ctx, "s1")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, a.ID(), again.ID())
	assert.Equal(t, 2, f.routers.Len())

	caps := a.RTPCapabilities()
	require.Len(t, caps.Codecs, 4)
	assert.Equal(t, "audio/opus", caps.Codecs[0].MimeType)
}

func TestRouterRegistry_DetachEndsStream(t *testing.T) {
	f := newMediaFixture(t, 1)
	ctx := context.Background()

	r, err := f.routers.GetOrCreateRouter(ctx, "s1")
	require.NoError(t, err)

	f.routers.Detach("s1")
	assert.True(t, r.(*testutil.FakeRouter).Closed())
	_, ok := f.routers.Get("s1")
	assert.False(t, ok)
	assert.Zero(t, f.metrics.Open(resourceRouter))

	_, err = f.routers.GetOrCreateRouter(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrStreamEnded)

	// Detaching a stream that never had a router still marks it ended.
	f.routers.Detach("s2")
	_, err = f.routers.GetOrCreateRouter(ctx, "s2")
	assert.ErrorIs(t, err, domain.ErrStreamEnded)
}
