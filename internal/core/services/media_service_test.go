package services

import (
	"context"
	"testing"

	"rillcast/internal/core/domain"
	"rillcast/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaService_ProduceAnnouncesToOthers(t *testing.T) {
	f := newMediaFixture(t, 1)

	producerID := f.produceVideo(t, "s1", "host")

	events := f.broadcaster.Events(EventNewProducer)
	require.Len(t, events, 1)
	assert.Equal(t, domain.StreamID("s1"), events[0].StreamID)
	assert.Equal(t, domain.ConnectionID("host"), events[0].Except)
	assert.Equal(t, producerID, events[0].Data.(map[string]interface{})["producerId"])

	list, err := f.media.ListProducers(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []domain.ProducerInfo{{ID: producerID, Kind: domain.KindVideo}}, list)
}

func TestMediaService_ProduceValidation(t *testing.T) {
	f := newMediaFixture(t, 1)
	ctx := context.Background()

	recv := f.transport(t, "s1", "host", domain.DirectionRecv)
	_, err := f.media.Produce(ctx, "s1", "host", recv, domain.KindVideo, testutil.VP8Parameters())
	assert.ErrorIs(t, err, domain.ErrInvalidDirection)

	send := f.transport(t, "s1", "host", domain.DirectionSend)
	_, err = f.media.Produce(ctx, "s1", "host", send, "data", testutil.VP8Parameters())
	assert.ErrorIs(t, err, domain.ErrInvalidKind)

	_, err = f.media.Produce(ctx, "s1", "other", send, domain.KindVideo, testutil.VP8Parameters())
	assert.ErrorIs(t, err, domain.ErrTransportNotFound, "transports belong to their connection")

	_, err = f.media.Produce(ctx, "s2", "host", send, domain.KindVideo, testutil.VP8Parameters())
	assert.ErrorIs(t, err, domain.ErrTransportNotFound, "transports belong to their stream")

	h265 := testutil.VP8Parameters()
	h265.Codecs[0].MimeType = "video/H265"
	_, err = f.media.Produce(ctx, "s1", "host", send, domain.KindVideo, h265)
	assert.ErrorIs(t, err, domain.ErrUnsupportedCodec)

	assert.Empty(t, f.broadcaster.Events(EventNewProducer))
	assert.Zero(t, f.metrics.Open(resourceProducer))
}

func TestMediaService_CreateTransportRejectsBadDirection(t *testing.T) {
	f := newMediaFixture(t, 1)
	_, err := f.media.CreateTransport(context.Background(), "s1", "c1", "sideways")
	assert.ErrorIs(t, err, domain.ErrInvalidDirection)
	assert.Zero(t, f.engine.RoutersCreated())
}

func TestMediaService_CreateTransportAppliesDefaults(t *testing.T) {
	f := newMediaFixture(t, 1)
	tid := f.transport(t, "s1", "c1", domain.DirectionRecv)

	opts := f.fakeTransport(t, "s1", tid).Options()
	assert.Equal(t, domain.DirectionRecv, opts.Direction)
	assert.True(t, opts.EnableUDP)
	assert.False(t, opts.EnableTCP)
	assert.True(t, opts.PreferUDP)
}

func TestMediaService_ConnectTransport(t *testing.T) {
	f := newMediaFixture(t, 1)
	ctx := context.Background()
	tid := f.transport(t, "s1", "c1", domain.DirectionSend)

	err := f.media.ConnectTransport(ctx, "c2", tid, domain.ConnectParams{DTLSParameters: testutil.ClientDTLS()})
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)

	require.NoError(t, f.media.ConnectTransport(ctx, "c1", tid, domain.ConnectParams{DTLSParameters: testutil.ClientDTLS()}))
	assert.True(t, f.fakeTransport(t, "s1", tid).Connected())

	assert.Error(t, f.media.ConnectTransport(ctx, "c1", tid, domain.ConnectParams{DTLSParameters: testutil.ClientDTLS()}))
}

func TestMediaService_ConsumeCreatesPausedConsumer(t *testing.T) {
	f := newMediaFixture(t, 1)
	ctx := context.Background()
	producerID := f.produceVideo(t, "s1", "host")
	recv := f.transport(t, "s1", "viewer", domain.DirectionRecv)

	params, err := f.media.Consume(ctx, "s1", "viewer", recv, producerID, testutil.ViewerCapabilities())
	require.NoError(t, err)

	assert.Equal(t, producerID, params.ProducerID)
	assert.Equal(t, domain.KindVideo, params.Kind)
	require.Len(t, params.RTPParameters.Codecs, 1)
	assert.Equal(t, "video/VP8", params.RTPParameters.Codecs[0].MimeType)
	assert.Equal(t, uint8(101), params.RTPParameters.Codecs[0].PayloadType)
	assert.False(t, params.ProducerPaused)

	entry, ok := f.media.consumers.get("viewer", params.ID)
	require.True(t, ok)
	assert.True(t, entry.consumer.Paused())

	require.NoError(t, f.media.ResumeConsumer(ctx, "viewer", params.ID))
	assert.False(t, entry.consumer.Paused())
	assert.ErrorIs(t, f.media.ResumeConsumer(ctx, "host", params.ID), domain.ErrConsumerNotFound)
}

func TestMediaService_ConsumeFailures(t *testing.T) {
	f := newMediaFixture(t, 1)
	ctx := context.Background()
	producerID := f.produceVideo(t, "s1", "host")
	recv := f.transport(t, "s1", "viewer", domain.DirectionRecv)

	t.Run("incompatible capabilities create nothing", func(t *testing.T) {
		_, err := f.media.Consume(ctx, "s1", "viewer", recv, producerID, testutil.AudioOnlyCapabilities())
		assert.ErrorIs(t, err, domain.ErrIncompatibleCapabilities)
		assert.Zero(t, f.media.consumers.len())
	})

	t.Run("unknown producer", func(t *testing.T) {
		_, err := f.media.Consume(ctx, "s1", "viewer", recv, "nope", testutil.ViewerCapabilities())
		assert.ErrorIs(t, err, domain.ErrProducerNotFound)
	})

	t.Run("producer of another stream", func(t *testing.T) {
		otherRecv := f.transport(t, "s2", "viewer", domain.DirectionRecv)
		_, err := f.media.Consume(ctx, "s2", "viewer", otherRecv, producerID, testutil.ViewerCapabilities())
		assert.ErrorIs(t, err, domain.ErrProducerNotFound)
	})

	t.Run("send transport", func(t *testing.T) {
		send := f.transport(t, "s1", "viewer", domain.DirectionSend)
		_, err := f.media.Consume(ctx, "s1", "viewer", send, producerID, testutil.ViewerCapabilities())
		assert.ErrorIs(t, err, domain.ErrInvalidDirection)
	})

	t.Run("unknown transport", func(t *testing.T) {
		_, err := f.media.Consume(ctx, "s1", "viewer", "missing", producerID, testutil.ViewerCapabilities())
		assert.ErrorIs(t, err, domain.ErrTransportNotFound)
	})

	t.Run("producer vanished", func(t *testing.T) {
		f.media.CleanupConnection(ctx, "host")
		_, err := f.media.Consume(ctx, "s1", "viewer", recv, producerID, testutil.ViewerCapabilities())
		assert.ErrorIs(t, err, domain.ErrProducerNotFound)
	})

	assert.Zero(t, f.metrics.Open(resourceConsumer))
}

func TestMediaService_PauseResumeProducer(t *testing.T) {
	f := newMediaFixture(t, 1)
	ctx := context.Background()
	producerID := f.produceVideo(t, "s1", "host")

	require.NoError(t, f.media.PauseProducer(ctx, "host", producerID))
	require.NoError(t, f.media.PauseProducer(ctx, "host", producerID))

	recv := f.transport(t, "s1", "viewer", domain.DirectionRecv)
	params, err := f.media.Consume(ctx, "s1", "viewer", recv, producerID, testutil.ViewerCapabilities())
	require.NoError(t, err)
	assert.True(t, params.ProducerPaused)

	require.NoError(t, f.media.ResumeProducer(ctx, "host", producerID))
	assert.ErrorIs(t, f.media.PauseProducer(ctx, "viewer", producerID), domain.ErrProducerNotFound)
}

func TestMediaService_CleanupConnection(t *testing.T) {
	f := newMediaFixture(t, 1)
	ctx := context.Background()
	producerID := f.produceVideo(t, "s1", "host")
	recv := f.transport(t, "s1", "viewer", domain.DirectionRecv)
	_, err := f.media.Consume(ctx, "s1", "viewer", recv, producerID, testutil.ViewerCapabilities())
	require.NoError(t, err)

	f.media.CleanupConnection(ctx, "host")

	closed := f.broadcaster.Events(EventProducerClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, producerID, closed[0].Data.(map[string]interface{})["producerId"])
	assert.Equal(t, domain.ConnectionID("host"), closed[0].Except)

	assert.Zero(t, f.media.producers.len())
	assert.Zero(t, f.media.consumers.len(), "consumers close with their producer")
	assert.Equal(t, 1, f.media.transports.len())

	f.media.CleanupConnection(ctx, "viewer")
	f.media.CleanupConnection(ctx, "viewer")
	assert.Zero(t, f.media.transports.len())

	for _, kind := range []string{resourceTransport, resourceProducer, resourceConsumer} {
		assert.Zero(t, f.metrics.Open(kind), kind)
	}
	assert.Len(t, f.broadcaster.Events(EventProducerClosed), 1)
}

func TestMediaService_TransportFailureDropsItsResources(t *testing.T) {
	f := newMediaFixture(t, 1)
	ctx := context.Background()

	send := f.transport(t, "s1", "host", domain.DirectionSend)
	info, err := f.media.Produce(ctx, "s1", "host", send, domain.KindVideo, testutil.VP8Parameters())
	require.NoError(t, err)

	f.fakeTransport(t, "s1", send).Fail()

	assert.Zero(t, f.media.transports.len())
	assert.Zero(t, f.media.producers.len())
	closed := f.broadcaster.Events(EventProducerClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, info.ID, closed[0].Data.(map[string]interface{})["producerId"])

	err = f.media.ConnectTransport(ctx, "host", send, domain.ConnectParams{DTLSParameters: testutil.ClientDTLS()})
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
}

func TestMediaService_EndStream(t *testing.T) {
	f := newMediaFixture(t, 1)
	ctx := context.Background()
	producerID := f.produceVideo(t, "s1", "host")
	recv := f.transport(t, "s1", "viewer", domain.DirectionRecv)
	_, err := f.media.Consume(ctx, "s1", "viewer", recv, producerID, testutil.ViewerCapabilities())
	require.NoError(t, err)
	other := f.produceVideo(t, "s2", "host2")

	f.media.EndStream(ctx, "s1")

	list, _ := f.media.ListProducers(ctx, "s1")
	assert.Empty(t, list)
	list, _ = f.media.ListProducers(ctx, "s2")
	assert.Equal(t, []domain.ProducerInfo{{ID: other, Kind: domain.KindVideo}}, list)

	assert.Zero(t, f.media.consumers.len())
	assert.Equal(t, 1, f.media.transports.len())

	_, err = f.media.RouterCapabilities(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrStreamEnded)
	_, err = f.media.CreateTransport(ctx, "s1", "late", domain.DirectionRecv)
	assert.ErrorIs(t, err, domain.ErrStreamEnded)
}

func TestMediaService_TapProducer(t *testing.T) {
	f := newMediaFixture(t, 1)
	ctx := context.Background()
	producerID := f.produceVideo(t, "s1", "host")

	params, tap, err := f.media.TapProducer(ctx, "s1", producerID, "127.0.0.1:20000")
	require.NoError(t, err)
	defer tap.Close()
	assert.Equal(t, "video/VP8", params.Codecs[0].MimeType)

	router, _ := f.routers.Get("s1")
	assert.Equal(t, []string{"127.0.0.1:20000"}, router.(*testutil.FakeRouter).Taps())

	_, _, err = f.media.TapProducer(ctx, "s2", producerID, "127.0.0.1:20002")
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
}
