package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/internal/infrastructure/repositories/memory"
	apperrors "rillcast/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockStreamRepository struct {
	mock.Mock
}

func (m *MockStreamRepository) Create(ctx context.Context, stream *domain.Stream) error {
	args := m.Called(ctx, stream)
	return args.Error(0)
}

func (m *MockStreamRepository) GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	// Hand out a copy like the real stores do.
	s := *args.Get(0).(*domain.Stream)
	return &s, args.Error(1)
}

func (m *MockStreamRepository) Update(ctx context.Context, stream *domain.Stream) error {
	args := m.Called(ctx, stream)
	return args.Error(0)
}

func (m *MockStreamRepository) ListByHost(ctx context.Context, hostID domain.UserID) ([]*domain.Stream, error) {
	args := m.Called(ctx, hostID)
	return args.Get(0).([]*domain.Stream), args.Error(1)
}

func (m *MockStreamRepository) ListLive(ctx context.Context) ([]*domain.Stream, error) {
	args := m.Called(ctx)
	return args.Get(0).([]*domain.Stream), args.Error(1)
}

type MockRestreamer struct {
	mock.Mock
}

func (m *MockRestreamer) Start(ctx context.Context, streamID domain.StreamID, rtmpURL string) error {
	return m.Called(ctx, streamID, rtmpURL).Error(0)
}

func (m *MockRestreamer) Stop(streamID domain.StreamID) error {
	return m.Called(streamID).Error(0)
}

func (m *MockRestreamer) Active(streamID domain.StreamID) bool {
	return m.Called(streamID).Bool(0)
}

type MockEventBus struct {
	mock.Mock
}

func (m *MockEventBus) Publish(ctx context.Context, event *domain.Event) error {
	return m.Called(ctx, event).Error(0)
}

func (m *MockEventBus) Subscribe(ctx context.Context, handler func(*domain.Event) error) error {
	return m.Called(ctx, handler).Error(0)
}

func (m *MockEventBus) Close() error {
	return m.Called().Error(0)
}

type streamFixture struct {
	*mediaFixture
	repo       *MockStreamRepository
	restreamer *MockRestreamer
	bus        *MockEventBus
	likes      ports.LikeRepository
	presence   ports.PresenceService
	svc        ports.StreamService
}

func newStreamFixture(t *testing.T) *streamFixture {
	t.Helper()
	mf := newMediaFixture(t, 1)
	f := &streamFixture{
		mediaFixture: mf,
		repo:         &MockStreamRepository{},
		restreamer:   &MockRestreamer{},
		bus:          &MockEventBus{},
		likes:        memory.NewLikeRepository(),
	}
	f.presence = NewPresenceService(memory.NewPresenceRepository(), mf.broadcaster, nil, zap.NewNop().Sugar())
	f.svc = NewStreamService(f.repo, f.likes, f.presence, mf.media, mf.broadcaster, f.restreamer, f.bus, zap.NewNop().Sugar())
	return f
}

func eventOfType(t domain.EventType) interface{} {
	return mock.MatchedBy(func(e *domain.Event) bool { return e.Type == t })
}

func TestStreamService_CreateStream(t *testing.T) {
	f := newStreamFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateStream(ctx, "host", "", nil)
	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, appErr.Code)

	_, err = f.svc.CreateStream(ctx, "", "title", nil)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	f.repo.On("Create", ctx, mock.MatchedBy(func(s *domain.Stream) bool {
		return s.HostID == "host" && s.Title == "Friday set" && s.StreamKey != "" && !s.IsLive
	})).Return(nil).Once()

	stream, err := f.svc.CreateStream(ctx, "host", "Friday set", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, stream.ID)
	f.repo.AssertExpectations(t)
}

func TestStreamService_StartStream(t *testing.T) {
	f := newStreamFixture(t)
	ctx := context.Background()
	stream := &domain.Stream{ID: "s1", HostID: "host", Title: "t", CreatedAt: time.Now()}
	f.repo.On("GetByID", ctx, domain.StreamID("s1")).Return(stream, nil)

	_, err := f.svc.StartStream(ctx, "s1", "intruder", "")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound, "non-hosts cannot see the stream")

	_, err = f.svc.StartStream(ctx, "s1", "host", "http://example.com/live")
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetAppError(err).Code)

	rtmp := "rtmp://live.example.com/app/key"
	f.repo.On("Update", ctx, mock.MatchedBy(func(s *domain.Stream) bool { return s.IsLive && s.StartedAt != nil })).Return(nil).Once()
	f.bus.On("Publish", ctx, eventOfType(domain.EventStreamStarted)).Return(nil).Once()
	f.restreamer.On("Start", ctx, domain.StreamID("s1"), rtmp).Return(errors.New("ffmpeg missing")).Once()

	started, err := f.svc.StartStream(ctx, "s1", "host", rtmp)
	require.NoError(t, err, "restream failures do not fail the start")
	assert.True(t, started.IsLive)

	f.repo.AssertExpectations(t)
	f.bus.AssertExpectations(t)
	f.restreamer.AssertExpectations(t)
}

func TestStreamService_StartEndedStream(t *testing.T) {
	f := newStreamFixture(t)
	ctx := context.Background()
	ended := time.Now()
	f.repo.On("GetByID", ctx, domain.StreamID("s1")).Return(&domain.Stream{ID: "s1", HostID: "host", EndedAt: &ended}, nil)

	_, err := f.svc.StartStream(ctx, "s1", "host", "")
	assert.ErrorIs(t, err, domain.ErrStreamEnded)
	f.repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
}

func TestStreamService_StopStream(t *testing.T) {
	f := newStreamFixture(t)
	ctx := context.Background()
	started := time.Now()
	live := &domain.Stream{ID: "s1", HostID: "host", IsLive: true, StartedAt: &started}

	f.produceVideo(t, "s1", "host-conn")

	f.repo.On("GetByID", ctx, domain.StreamID("s1")).Return(live, nil).Once()
	f.repo.On("Update", ctx, mock.MatchedBy(func(s *domain.Stream) bool { return !s.IsLive && s.EndedAt != nil })).Return(nil).Once()
	f.restreamer.On("Active", domain.StreamID("s1")).Return(true).Once()
	f.restreamer.On("Stop", domain.StreamID("s1")).Return(nil).Once()
	f.bus.On("Publish", ctx, eventOfType(domain.EventStreamEnded)).Return(nil).Once()

	stopped, err := f.svc.StopStream(ctx, "s1", "host")
	require.NoError(t, err)
	assert.False(t, stopped.IsLive)
	assert.NotNil(t, stopped.EndedAt)

	require.Len(t, f.broadcaster.Events(EventStreamEnded), 1)
	_, ok := f.routers.Get("s1")
	assert.False(t, ok)
	list, _ := f.media.ListProducers(ctx, "s1")
	assert.Empty(t, list)

	// Stopping again is a no-op.
	f.repo.On("GetByID", ctx, domain.StreamID("s1")).Return(stopped, nil).Once()
	_, err = f.svc.StopStream(ctx, "s1", "host")
	require.NoError(t, err)
	assert.Len(t, f.broadcaster.Events(EventStreamEnded), 1)

	f.repo.AssertExpectations(t)
	f.restreamer.AssertExpectations(t)
	f.bus.AssertExpectations(t)
}

func TestStreamService_DetailsAndLikes(t *testing.T) {
	f := newStreamFixture(t)
	ctx := context.Background()
	stream := &domain.Stream{ID: "s1", HostID: "host", IsLive: true}
	f.repo.On("GetByID", ctx, domain.StreamID("s1")).Return(stream, nil)
	f.repo.On("GetByID", ctx, domain.StreamID("missing")).Return(nil, domain.ErrStreamNotFound)
	f.repo.On("ListLive", ctx).Return([]*domain.Stream{stream}, nil)

	n, err := f.svc.LikeStream(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = f.svc.LikeStream(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = f.svc.LikeStream(ctx, "missing", "u1")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)

	_, err = f.presence.Join(ctx, "s1", "c1", "u1")
	require.NoError(t, err)

	details, err := f.svc.GetStream(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), details.ViewerCount)
	assert.Equal(t, int64(1), details.LikeCount)

	live, err := f.svc.ListLiveStreams(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, domain.StreamID("s1"), live[0].ID)

	n, err = f.svc.UnlikeStream(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStreamEventHandler_EndsStreamLocally(t *testing.T) {
	f := newMediaFixture(t, 1)
	f.produceVideo(t, "s1", "host")

	handle := NewStreamEventHandler(f.media, f.broadcaster, zap.NewNop().Sugar())
	require.NoError(t, handle(&domain.Event{Type: domain.EventStreamEnded, StreamID: "s1", InstanceID: "other"}))

	assert.Len(t, f.broadcaster.Events(EventStreamEnded), 1)
	_, ok := f.routers.Get("s1")
	assert.False(t, ok)
	_, err := f.media.RouterCapabilities(context.Background(), "s1")
	assert.ErrorIs(t, err, domain.ErrStreamEnded)
}
