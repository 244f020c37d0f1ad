package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/internal/core/services"
	"rillcast/internal/infrastructure/repositories/memory"
	"rillcast/internal/testutil"
	"rillcast/pkg/signalclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordedRequest struct {
	event string
	code  string
}

type requestMetrics struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (m *requestMetrics) WorkerStarted()                     {}
func (m *requestMetrics) WorkerDied()                        {}
func (m *requestMetrics) ResourceOpened(string)              {}
func (m *requestMetrics) ResourceClosed(string)              {}
func (m *requestMetrics) ViewerCount(domain.StreamID, int64) {}

func (m *requestMetrics) SignalRequest(event, code string, _ time.Duration) {
	m.mu.Lock()
	m.requests = append(m.requests, recordedRequest{event: event, code: code})
	m.mu.Unlock()
}

func (m *requestMetrics) codes(event string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.requests {
		if r.event == event {
			out = append(out, r.code)
		}
	}
	return out
}

type gatewayEnv struct {
	url        string
	server     *Server
	hub        *Hub
	media      ports.MediaService
	presence   ports.PresenceService
	streams    ports.StreamService
	auth       services.AuthService
	supervisor *services.FatalSupervisor
	metrics    *requestMetrics
	engine     *testutil.FakeEngine
}

func newGatewayEnv(t *testing.T, tweak func(*Options)) *gatewayEnv {
	t.Helper()
	logger := zap.NewNop().Sugar()

	env := &gatewayEnv{
		hub:        NewHub(logger),
		auth:       services.NewAuthService("test-secret", time.Hour, 24*time.Hour),
		supervisor: services.NewFatalSupervisor(time.Hour, func(int) {}, logger),
		metrics:    &requestMetrics{},
		engine:     testutil.NewFakeEngine(),
	}

	pool := services.NewWorkerPool(env.engine, env.supervisor, nil, logger)
	require.NoError(t, pool.Initialize(context.Background(), 2))
	t.Cleanup(func() { _ = pool.Close() })

	routers := services.NewRouterRegistry(pool, nil, logger)
	env.media = services.NewMediaService(routers, env.hub, services.TransportDefaults{EnableUDP: true, PreferUDP: true}, nil, logger)
	env.presence = services.NewPresenceService(memory.NewPresenceRepository(), env.hub, nil, logger)
	env.streams = services.NewStreamService(
		memory.NewStreamRepository(),
		memory.NewLikeRepository(),
		env.presence,
		env.media,
		env.hub,
		nil,
		nil,
		logger,
	)

	opts := Options{
		PingInterval:   time.Second,
		PongTimeout:    5 * time.Second,
		WriteTimeout:   time.Second,
		SendQueueSize:  64,
		AllowAnonymous: true,
		MaxMessageSize: 64 * 1024,
	}
	if tweak != nil {
		tweak(&opts)
	}

	env.server = NewServer(Dependencies{
		Hub:        env.hub,
		Media:      env.media,
		Presence:   env.presence,
		Streams:    env.streams,
		Auth:       env.auth,
		Supervisor: env.supervisor,
		Metrics:    env.metrics,
	}, opts, logger)

	ts := httptest.NewServer(http.HandlerFunc(env.server.HandleWebSocket))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = env.server.Close(context.Background()) })
	env.url = "ws" + strings.TrimPrefix(ts.URL, "http")
	return env
}

func (e *gatewayEnv) user(t *testing.T, name string) (domain.User, string) {
	t.Helper()
	user, access, _, err := e.auth.IssueTokens(name)
	require.NoError(t, err)
	return user, access
}

// liveStream creates and starts a stream hosted by a fresh user and returns
// the stream with the host's token.
func (e *gatewayEnv) liveStream(t *testing.T) (*domain.Stream, string) {
	t.Helper()
	host, token := e.user(t, "host")
	ctx := context.Background()
	stream, err := e.streams.CreateStream(ctx, host.ID, "launch party", nil)
	require.NoError(t, err)
	stream, err = e.streams.StartStream(ctx, stream.ID, host.ID, "")
	require.NoError(t, err)
	return stream, token
}

func (e *gatewayEnv) dial(t *testing.T, token string) *signalclient.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := signalclient.Dial(ctx, e.url, signalclient.Options{Token: token})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGateway_HostAndViewerEndToEnd(t *testing.T) {
	env := newGatewayEnv(t, nil)
	stream, hostToken := env.liveStream(t)
	_, viewerToken := env.user(t, "viewer")
	ctx := testCtx(t)

	host := env.dial(t, hostToken)
	joined, err := host.JoinStream(ctx, stream.ID, domain.RoleHost)
	require.NoError(t, err)
	assert.Equal(t, stream.ID, joined.StreamID)
	assert.Equal(t, domain.RoleHost, joined.Role)

	caps, err := host.RouterCapabilities(ctx, stream.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, caps.Codecs)

	send, err := host.CreateTransport(ctx, stream.ID, domain.DirectionSend)
	require.NoError(t, err)
	require.NotEmpty(t, send.ID)
	require.NoError(t, host.ConnectTransport(ctx, stream.ID, send.ID, domain.ConnectParams{DTLSParameters: testutil.ClientDTLS()}))

	viewer := env.dial(t, viewerToken)
	_, err = viewer.JoinStream(ctx, stream.ID, domain.RoleViewer)
	require.NoError(t, err)

	producerID, err := host.Produce(ctx, stream.ID, send.ID, domain.KindVideo, testutil.VP8Parameters())
	require.NoError(t, err)

	evt, err := viewer.WaitEvent(ctx, "new-producer")
	require.NoError(t, err)
	var announced signalclient.NewProducerEvent
	require.NoError(t, evt.Decode(&announced))
	assert.Equal(t, producerID, announced.ProducerID)
	assert.Equal(t, domain.KindVideo, announced.Kind)

	recv, err := viewer.CreateTransport(ctx, stream.ID, domain.DirectionRecv)
	require.NoError(t, err)
	require.NoError(t, viewer.ConnectTransport(ctx, stream.ID, recv.ID, domain.ConnectParams{DTLSParameters: testutil.ClientDTLS()}))

	consumer, err := viewer.Consume(ctx, stream.ID, recv.ID, producerID, testutil.ViewerCapabilities())
	require.NoError(t, err)
	assert.Equal(t, domain.KindVideo, consumer.Kind)
	assert.Equal(t, producerID, consumer.ProducerID)
	require.NoError(t, viewer.ResumeConsumer(ctx, consumer.ID))

	producers, err := viewer.Producers(ctx, stream.ID)
	require.NoError(t, err)
	require.Len(t, producers, 1)

	require.NoError(t, host.Close())

	evt, err = viewer.WaitEvent(ctx, "producer-closed")
	require.NoError(t, err)
	var closed signalclient.ProducerClosedEvent
	require.NoError(t, evt.Decode(&closed))
	assert.Equal(t, producerID, closed.ProducerID)

	producers, err = viewer.Producers(ctx, stream.ID)
	require.NoError(t, err)
	assert.Empty(t, producers)

	require.Eventually(t, func() bool { return env.server.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)
	count, err := env.presence.Count(ctx, stream.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, 1, env.hub.RoomSize(stream.ID))
}

func TestGateway_ViewerDisconnectUpdatesCount(t *testing.T) {
	env := newGatewayEnv(t, nil)
	stream, _ := env.liveStream(t)
	_, aliceToken := env.user(t, "alice")
	_, bobToken := env.user(t, "bob")
	ctx := testCtx(t)

	alice := env.dial(t, aliceToken)
	_, err := alice.JoinStream(ctx, stream.ID, domain.RoleViewer)
	require.NoError(t, err)
	assert.Equal(t, int64(1), nextViewerCount(t, alice))

	bob := env.dial(t, bobToken)
	_, err = bob.JoinStream(ctx, stream.ID, domain.RoleViewer)
	require.NoError(t, err)
	assert.Equal(t, int64(2), nextViewerCount(t, alice))

	require.NoError(t, bob.Close())
	assert.Equal(t, int64(1), nextViewerCount(t, alice))

	require.NoError(t, alice.LeaveStream(ctx, stream.ID))
	count, err := env.presence.Count(ctx, stream.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
	assert.Equal(t, 0, env.hub.RoomSize(stream.ID))
}

func nextViewerCount(t *testing.T, c *signalclient.Client) int64 {
	t.Helper()
	evt, err := c.WaitEvent(testCtx(t), "viewer-count")
	require.NoError(t, err)
	var vc signalclient.ViewerCountEvent
	require.NoError(t, evt.Decode(&vc))
	return vc.Count
}

func TestGateway_AnonymousViewerIsNotCounted(t *testing.T) {
	env := newGatewayEnv(t, nil)
	stream, _ := env.liveStream(t)
	ctx := testCtx(t)

	anon := env.dial(t, "")
	_, err := anon.JoinStream(ctx, stream.ID, domain.RoleViewer)
	require.NoError(t, err)

	count, err := env.presence.Count(ctx, stream.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, 1, env.hub.RoomSize(stream.ID))
}

func TestGateway_HandshakeAuth(t *testing.T) {
	ctx := testCtx(t)

	t.Run("invalid token", func(t *testing.T) {
		env := newGatewayEnv(t, nil)
		_, err := signalclient.Dial(ctx, env.url, signalclient.Options{Token: "not-a-jwt"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "401")
	})

	t.Run("anonymous disabled", func(t *testing.T) {
		env := newGatewayEnv(t, func(o *Options) { o.AllowAnonymous = false })
		_, err := signalclient.Dial(ctx, env.url, signalclient.Options{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "401")
	})

	t.Run("query token", func(t *testing.T) {
		env := newGatewayEnv(t, func(o *Options) { o.AllowAnonymous = false })
		_, token := env.user(t, "carol")
		c, err := signalclient.Dial(ctx, env.url+"?token="+token, signalclient.Options{})
		require.NoError(t, err)
		_ = c.Close()
	})
}

func TestGateway_JoinRules(t *testing.T) {
	env := newGatewayEnv(t, nil)
	stream, _ := env.liveStream(t)
	_, viewerToken := env.user(t, "viewer")
	ctx := testCtx(t)

	viewer := env.dial(t, viewerToken)
	_, err := viewer.JoinStream(ctx, stream.ID, domain.RoleHost)
	assert.Equal(t, "UNAUTHORIZED", signalclient.Code(err))

	anon := env.dial(t, "")
	_, err = anon.JoinStream(ctx, stream.ID, domain.RoleHost)
	assert.Equal(t, "UNAUTHORIZED", signalclient.Code(err))

	_, err = viewer.JoinStream(ctx, stream.ID, domain.Role("admin"))
	assert.Equal(t, "INVALID_INPUT", signalclient.Code(err))

	_, err = viewer.JoinStream(ctx, domain.StreamID("missing"), domain.RoleViewer)
	assert.Equal(t, "NOT_FOUND", signalclient.Code(err))

	_, err = viewer.JoinStream(ctx, stream.ID, domain.RoleViewer)
	require.NoError(t, err)
	_, err = viewer.JoinStream(ctx, stream.ID, domain.RoleViewer)
	require.NoError(t, err, "rejoining the same stream is a no-op")

	other, _ := env.liveStream(t)
	_, err = viewer.JoinStream(ctx, other.ID, domain.RoleViewer)
	assert.Equal(t, "CONFLICT", signalclient.Code(err))

	count, err := env.presence.Count(ctx, stream.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestGateway_MediaRequestsRequireJoin(t *testing.T) {
	env := newGatewayEnv(t, nil)
	stream, _ := env.liveStream(t)
	_, viewerToken := env.user(t, "viewer")
	ctx := testCtx(t)

	viewer := env.dial(t, viewerToken)
	_, err := viewer.CreateTransport(ctx, stream.ID, domain.DirectionRecv)
	assert.Equal(t, "INVALID_INPUT", signalclient.Code(err))

	_, err = viewer.RouterCapabilities(ctx, stream.ID)
	assert.Equal(t, "INVALID_INPUT", signalclient.Code(err))

	producers, err := viewer.Producers(ctx, stream.ID)
	require.NoError(t, err)
	assert.Empty(t, producers)
}

func TestGateway_ViewerCannotProduce(t *testing.T) {
	env := newGatewayEnv(t, nil)
	stream, _ := env.liveStream(t)
	_, viewerToken := env.user(t, "viewer")
	ctx := testCtx(t)

	viewer := env.dial(t, viewerToken)
	_, err := viewer.JoinStream(ctx, stream.ID, domain.RoleViewer)
	require.NoError(t, err)
	send, err := viewer.CreateTransport(ctx, stream.ID, domain.DirectionSend)
	require.NoError(t, err)

	_, err = viewer.Produce(ctx, stream.ID, send.ID, domain.KindVideo, testutil.VP8Parameters())
	assert.Equal(t, "UNAUTHORIZED", signalclient.Code(err))
}

func TestGateway_ConsumeErrors(t *testing.T) {
	env := newGatewayEnv(t, nil)
	stream, hostToken := env.liveStream(t)
	_, viewerToken := env.user(t, "viewer")
	ctx := testCtx(t)

	host := env.dial(t, hostToken)
	_, err := host.JoinStream(ctx, stream.ID, domain.RoleHost)
	require.NoError(t, err)
	send, err := host.CreateTransport(ctx, stream.ID, domain.DirectionSend)
	require.NoError(t, err)
	producerID, err := host.Produce(ctx, stream.ID, send.ID, domain.KindVideo, testutil.VP8Parameters())
	require.NoError(t, err)

	viewer := env.dial(t, viewerToken)
	_, err = viewer.JoinStream(ctx, stream.ID, domain.RoleViewer)
	require.NoError(t, err)
	recv, err := viewer.CreateTransport(ctx, stream.ID, domain.DirectionRecv)
	require.NoError(t, err)

	_, err = viewer.Consume(ctx, stream.ID, recv.ID, producerID, testutil.AudioOnlyCapabilities())
	assert.Equal(t, "INCOMPATIBLE_CAPABILITIES", signalclient.Code(err))

	_, err = viewer.Consume(ctx, stream.ID, recv.ID, domain.ProducerID("gone"), testutil.ViewerCapabilities())
	assert.Equal(t, "NOT_FOUND", signalclient.Code(err))

	err = viewer.ResumeConsumer(ctx, domain.ConsumerID("nope"))
	assert.Equal(t, "NOT_FOUND", signalclient.Code(err))

	require.NoError(t, host.PauseProducer(ctx, producerID))
	require.NoError(t, host.PauseProducer(ctx, producerID))
	require.NoError(t, host.ResumeProducer(ctx, producerID))
}

func TestGateway_RequestsWithoutID(t *testing.T) {
	env := newGatewayEnv(t, nil)
	stream, _ := env.liveStream(t)
	ctx := testCtx(t)

	c := env.dial(t, "")
	require.NoError(t, c.Notify("create-transport", map[string]interface{}{"streamId": stream.ID, "direction": "recv"}))
	evt, err := c.WaitEvent(ctx, "error")
	require.NoError(t, err)
	var body struct {
		Request string `json:"request"`
		Code    string `json:"code"`
	}
	require.NoError(t, evt.Decode(&body))
	assert.Equal(t, "create-transport", body.Request)
	assert.Equal(t, "INVALID_INPUT", body.Code)

	require.NoError(t, c.Notify("join-stream", map[string]interface{}{"streamId": stream.ID, "role": "viewer"}))
	evt, err = c.WaitEvent(ctx, "joined-stream")
	require.NoError(t, err)
	var joined signalclient.JoinResult
	require.NoError(t, evt.Decode(&joined))
	assert.Equal(t, stream.ID, joined.StreamID)
}

func TestGateway_UnknownEvent(t *testing.T) {
	env := newGatewayEnv(t, nil)
	ctx := testCtx(t)

	c := env.dial(t, "")
	err := c.Request(ctx, "teleport", map[string]string{}, nil)
	assert.Equal(t, "INVALID_INPUT", signalclient.Code(err))

	err = c.Request(ctx, "join-stream", nil, nil)
	assert.Equal(t, "INVALID_INPUT", signalclient.Code(err))

	assert.Equal(t, []string{"INVALID_INPUT"}, env.metrics.codes("teleport"))
}

func TestGateway_StreamEndedIsPushed(t *testing.T) {
	env := newGatewayEnv(t, nil)
	stream, _ := env.liveStream(t)
	_, viewerToken := env.user(t, "viewer")
	ctx := testCtx(t)

	viewer := env.dial(t, viewerToken)
	_, err := viewer.JoinStream(ctx, stream.ID, domain.RoleViewer)
	require.NoError(t, err)

	_, err = env.streams.StopStream(ctx, stream.ID, stream.HostID)
	require.NoError(t, err)

	evt, err := viewer.WaitEvent(ctx, "stream-ended")
	require.NoError(t, err)
	assert.Contains(t, string(evt.Data), string(stream.ID))

	late := env.dial(t, "")
	_, err = late.JoinStream(ctx, stream.ID, domain.RoleViewer)
	assert.Equal(t, "CONFLICT", signalclient.Code(err))
}

func TestGateway_DrainingRefusesRequests(t *testing.T) {
	env := newGatewayEnv(t, nil)
	stream, _ := env.liveStream(t)
	ctx := testCtx(t)

	c := env.dial(t, "")
	env.supervisor.Fatal("worker-1", errors.New("worker crashed"))

	_, err := c.JoinStream(ctx, stream.ID, domain.RoleViewer)
	assert.Equal(t, "WORKER_FATAL", signalclient.Code(err))

	_, err = signalclient.Dial(ctx, env.url, signalclient.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestGateway_MessageRateLimit(t *testing.T) {
	env := newGatewayEnv(t, func(o *Options) {
		o.MessagesPerSecond = 0.001
		o.MessageBurst = 1
	})
	stream, _ := env.liveStream(t)
	ctx := testCtx(t)

	c := env.dial(t, "")
	_, err := c.JoinStream(ctx, stream.ID, domain.RoleViewer)
	require.NoError(t, err)

	_, err = c.Producers(ctx, stream.ID)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", signalclient.Code(err))
}

func TestGateway_ConnectionLimits(t *testing.T) {
	ctx := testCtx(t)

	t.Run("max concurrent", func(t *testing.T) {
		env := newGatewayEnv(t, func(o *Options) { o.MaxConnections = 1 })
		env.dial(t, "")
		_, err := signalclient.Dial(ctx, env.url, signalclient.Options{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("per minute", func(t *testing.T) {
		env := newGatewayEnv(t, func(o *Options) { o.ConnectionsPerMinute = 1 })
		env.dial(t, "")
		_, err := signalclient.Dial(ctx, env.url, signalclient.Options{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "429")
	})
}

func TestGateway_CloseDropsConnections(t *testing.T) {
	env := newGatewayEnv(t, nil)
	c := env.dial(t, "")
	require.Eventually(t, func() bool { return env.server.Connections() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, env.server.Close(context.Background()))
	assert.Zero(t, env.server.Connections())

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client was not disconnected")
	}

	_, err := c.Producers(context.Background(), "s1")
	assert.ErrorIs(t, err, signalclient.ErrConnectionClosed)

	_, err = signalclient.Dial(testCtx(t), env.url, signalclient.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestGateway_CloseWaitsForCascades(t *testing.T) {
	env := newGatewayEnv(t, nil)
	stream, hostToken := env.liveStream(t)
	ctx := testCtx(t)

	host := env.dial(t, hostToken)
	_, err := host.JoinStream(ctx, stream.ID, domain.RoleHost)
	require.NoError(t, err)
	send, err := host.CreateTransport(ctx, stream.ID, domain.DirectionSend)
	require.NoError(t, err)
	require.NoError(t, host.ConnectTransport(ctx, stream.ID, send.ID, domain.ConnectParams{DTLSParameters: testutil.ClientDTLS()}))
	_, err = host.Produce(ctx, stream.ID, send.ID, domain.KindVideo, testutil.VP8Parameters())
	require.NoError(t, err)

	const viewers = 5
	for i := 0; i < viewers; i++ {
		_, token := env.user(t, fmt.Sprintf("viewer%d", i))
		v := env.dial(t, token)
		_, err := v.JoinStream(ctx, stream.ID, domain.RoleViewer)
		require.NoError(t, err)
		_, err = v.CreateTransport(ctx, stream.ID, domain.DirectionRecv)
		require.NoError(t, err)
	}

	n, err := env.presence.Count(ctx, stream.ID)
	require.NoError(t, err)
	require.Equal(t, int64(viewers), n)
	require.Equal(t, int64(viewers+1), env.engine.OpenTransports())

	require.NoError(t, env.server.Close(ctx))

	n, err = env.presence.Count(ctx, stream.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, env.server.Connections())
	assert.Zero(t, env.engine.OpenTransports())
	producers, err := env.media.ListProducers(ctx, stream.ID)
	require.NoError(t, err)
	assert.Empty(t, producers)
}
