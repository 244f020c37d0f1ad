package webrtc

import (
	"errors"
	"io"
	"math/rand/v2"
	"sync/atomic"

	"rillcast/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Consumer sends one producer's stream to a client under its own SSRC and
// the payload type the client asked for.
type Consumer struct {
	id        domain.ConsumerID
	producer  *Producer
	params    domain.RTPParameters
	ssrc      uint32
	transport *Transport
	track     *webrtc.TrackLocalStaticRTP
	sender    *webrtc.RTPSender
	mimeType  string
	logger    *zap.SugaredLogger
	life      lifecycle

	paused atomic.Bool
	// syncing drops video until the next keyframe after a start or resume.
	syncing atomic.Bool
}

func newConsumer(t *Transport, id domain.ConsumerID, producer *Producer, caps domain.RTPCapabilities, paused bool) (*Consumer, error) {
	ssrc := rand.Uint32()
	for ssrc == 0 || ssrc == producer.ssrc {
		ssrc = rand.Uint32()
	}
	params, err := domain.ConsumerRTPParameters(producer.params, caps, ssrc)
	if err != nil {
		return nil, err
	}
	codec, _ := params.MediaCodec()

	media, err := singleCodecEngine(producer.kind, codec)
	if err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(t.router.worker.settings), webrtc.WithMediaEngine(media))

	track, err := webrtc.NewTrackLocalStaticRTP(streamCodec(codec).RTPCodecCapability, string(id), string(producer.id))
	if err != nil {
		return nil, err
	}
	sender, err := api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, err
	}

	c := &Consumer{
		id:        id,
		producer:  producer,
		params:    params,
		ssrc:      ssrc,
		transport: t,
		track:     track,
		sender:    sender,
		mimeType:  codec.MimeType,
		logger:    t.logger.With("consumer_id", id, "producer_id", producer.id),
	}
	c.paused.Store(paused)
	c.syncing.Store(producer.kind == domain.KindVideo)
	return c, nil
}

func (c *Consumer) ID() domain.ConsumerID               { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID       { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind              { return c.producer.kind }
func (c *Consumer) RTPParameters() domain.RTPParameters { return c.params }
func (c *Consumer) Paused() bool                        { return c.paused.Load() }
func (c *Consumer) OnClose(fn func())                   { c.life.onClose(fn) }

// Resume starts forwarding and asks the producer for a keyframe so video
// decodes without waiting for the next one.
func (c *Consumer) Resume() error {
	if c.life.isClosed() {
		return domain.ErrConsumerNotFound
	}
	if c.paused.Swap(false) {
		c.syncing.Store(c.producer.kind == domain.KindVideo)
		c.producer.requestKeyframe()
	}
	return nil
}

func (c *Consumer) run() {
	if !c.transport.waitReady() {
		return
	}

	codec, _ := c.params.MediaCodec()
	err := c.sender.Send(webrtc.RTPSendParameters{
		Encodings: []webrtc.RTPEncodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(c.ssrc),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		}},
	})
	if err != nil {
		if !c.life.isClosed() {
			c.logger.Warnw("failed to start sending", "error", err)
		}
		_ = c.Close()
		return
	}
	if !c.paused.Load() {
		c.producer.requestKeyframe()
	}

	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.requestKeyframe()
			}
		}
	}
}

func (c *Consumer) write(pkt *rtp.Packet) {
	if c.paused.Load() {
		return
	}
	if c.syncing.Load() {
		if !startsKeyframe(c.mimeType, pkt.Payload) {
			return
		}
		c.syncing.Store(false)
	}
	if err := c.track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		c.logger.Debugw("consumer write failed", "error", err)
	}
}

func (c *Consumer) Close() error {
	if !c.life.close() {
		return nil
	}
	if err := c.sender.Stop(); err != nil {
		c.logger.Debugw("sender stop", "error", err)
	}
	return nil
}
