package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// countingMetrics tracks open resources per kind.
type countingMetrics struct {
	mu      sync.Mutex
	open    map[string]int
	viewers map[domain.StreamID]int64
	started int
	died    int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{open: map[string]int{}, viewers: map[domain.StreamID]int64{}}
}

func (m *countingMetrics) WorkerStarted() {
	m.mu.Lock()
	m.started++
	m.mu.Unlock()
}

func (m *countingMetrics) WorkerDied() {
	m.mu.Lock()
	m.died++
	m.mu.Unlock()
}

func (m *countingMetrics) ResourceOpened(kind string) {
	m.mu.Lock()
	m.open[kind]++
	m.mu.Unlock()
}

func (m *countingMetrics) ResourceClosed(kind string) {
	m.mu.Lock()
	m.open[kind]--
	m.mu.Unlock()
}

func (m *countingMetrics) ViewerCount(id domain.StreamID, n int64) {
	m.mu.Lock()
	m.viewers[id] = n
	m.mu.Unlock()
}

func (m *countingMetrics) SignalRequest(string, string, time.Duration) {}

func (m *countingMetrics) Open(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[kind]
}

type mediaFixture struct {
	engine      *testutil.FakeEngine
	pool        *WorkerPool
	routers     *RouterRegistry
	media       *mediaService
	broadcaster *testutil.RecordingBroadcaster
	metrics     *countingMetrics
}

func newMediaFixture(t *testing.T, workers int) *mediaFixture {
	t.Helper()
	logger := zap.NewNop().Sugar()
	f := &mediaFixture{
		engine:      testutil.NewFakeEngine(),
		broadcaster: &testutil.RecordingBroadcaster{},
		metrics:     newCountingMetrics(),
	}
	f.pool = NewWorkerPool(f.engine, nil, f.metrics, logger)
	require.NoError(t, f.pool.Initialize(context.Background(), workers))
	t.Cleanup(func() { _ = f.pool.Close() })

	f.routers = NewRouterRegistry(f.pool, f.metrics, logger)
	f.media = NewMediaService(f.routers, f.broadcaster, TransportDefaults{EnableUDP: true, PreferUDP: true}, f.metrics, logger).(*mediaService)
	return f
}

func (f *mediaFixture) transport(t *testing.T, streamID domain.StreamID, connID domain.ConnectionID, dir domain.Direction) domain.TransportID {
	t.Helper()
	params, err := f.media.CreateTransport(context.Background(), streamID, connID, dir)
	require.NoError(t, err)
	return params.ID
}

func (f *mediaFixture) fakeTransport(t *testing.T, streamID domain.StreamID, id domain.TransportID) *testutil.FakeTransport {
	t.Helper()
	router, ok := f.routers.Get(streamID)
	require.True(t, ok)
	ft := router.(*testutil.FakeRouter).Transport(id)
	require.NotNil(t, ft)
	return ft
}

// produceVideo sets up a send transport for connID and produces VP8 on it.
func (f *mediaFixture) produceVideo(t *testing.T, streamID domain.StreamID, connID domain.ConnectionID) domain.ProducerID {
	t.Helper()
	tid := f.transport(t, streamID, connID, domain.DirectionSend)
	info, err := f.media.Produce(context.Background(), streamID, connID, tid, domain.KindVideo, testutil.VP8Parameters())
	require.NoError(t, err)
	return info.ID
}
