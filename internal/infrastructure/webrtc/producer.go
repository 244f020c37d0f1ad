package webrtc

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"rillcast/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	receiveMTU = 1500

	// keyframeInterval bounds how often a producer is asked for a keyframe
	// no matter how many consumers request one.
	keyframeInterval = 500 * time.Millisecond
)

// Producer receives one RTP stream and fans it out to its consumers and
// plain-RTP taps.
type Producer struct {
	id        domain.ProducerID
	kind      domain.MediaKind
	params    domain.RTPParameters
	codec     domain.RTPCodecParameters
	ssrc      uint32
	transport *Transport
	receiver  *webrtc.RTPReceiver
	logger    *zap.SugaredLogger
	life      lifecycle

	paused       atomic.Bool
	lastKeyframe atomic.Int64
	// receiving is closed once the SRTP streams for the producer's SSRCs
	// are open.
	receiving chan struct{}

	mu        sync.RWMutex
	consumers map[domain.ConsumerID]*Consumer
	taps      map[*tap]struct{}
}

func newProducer(t *Transport, id domain.ProducerID, kind domain.MediaKind, params domain.RTPParameters) (*Producer, error) {
	codec, _ := params.MediaCodec()
	media, err := singleCodecEngine(kind, codec)
	if err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(t.router.worker.settings), webrtc.WithMediaEngine(media))
	receiver, err := api.NewRTPReceiver(codecType(kind), t.dtls)
	if err != nil {
		return nil, err
	}

	return &Producer{
		id:        id,
		kind:      kind,
		params:    params,
		codec:     codec,
		ssrc:      params.Encodings[0].SSRC,
		transport: t,
		receiver:  receiver,
		logger:    t.logger.With("producer_id", id, "kind", kind),
		receiving: make(chan struct{}),
		consumers: make(map[domain.ConsumerID]*Consumer),
		taps:      make(map[*tap]struct{}),
	}, nil
}

func (p *Producer) ID() domain.ProducerID               { return p.id }
func (p *Producer) Kind() domain.MediaKind              { return p.kind }
func (p *Producer) RTPParameters() domain.RTPParameters { return p.params }
func (p *Producer) Paused() bool                        { return p.paused.Load() }
func (p *Producer) OnClose(fn func())                   { p.life.onClose(fn) }

func (p *Producer) Pause() error {
	if p.life.isClosed() {
		return domain.ErrProducerNotFound
	}
	p.paused.Store(true)
	return nil
}

func (p *Producer) Resume() error {
	if p.life.isClosed() {
		return domain.ErrProducerNotFound
	}
	if p.paused.Swap(false) {
		p.requestKeyframe()
	}
	return nil
}

func (p *Producer) run() {
	if !p.transport.waitReady() {
		return
	}

	// Packets for an SSRC that no producer has declared stall the
	// transport's receive loop; pion does not expose the DTLS transport's
	// SRTP session to accept them.
	coding := webrtc.RTPCodingParameters{
		SSRC:        webrtc.SSRC(p.ssrc),
		PayloadType: webrtc.PayloadType(p.codec.PayloadType),
	}
	if rtx := p.params.Encodings[0].RTX; rtx != nil && rtx.SSRC != 0 {
		coding.RTX = webrtc.RTPRtxParameters{SSRC: webrtc.SSRC(rtx.SSRC)}
	}
	err := p.receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{RTPCodingParameters: coding}},
	})
	if err != nil {
		p.logger.Warnw("failed to start receiving", "error", err)
		_ = p.Close()
		return
	}
	close(p.receiving)

	p.transport.router.worker.spawn("producer-rtcp", p.readRTCP)
	p.forward(p.receiver.Track())
}

// forward copies packets from the remote track until the receiver stops.
func (p *Producer) forward(track *webrtc.TrackRemote) {
	engine := p.transport.router.worker.engine
	stats := &engine.stats
	buf := engine.buffers.Get()
	defer engine.buffers.Put(buf)
	pkt := &rtp.Packet{}

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if !p.life.isClosed() && !errors.Is(err, io.EOF) {
				p.logger.Warnw("producer track read failed", "error", err)
			}
			_ = p.Close()
			return
		}
		if p.paused.Load() {
			continue
		}
		stats.packets.Add(1)
		stats.bytes.Add(uint64(n))

		p.mu.RLock()
		for tp := range p.taps {
			tp.write(buf[:n])
		}
		if len(p.consumers) > 0 {
			if err := pkt.Unmarshal(buf[:n]); err != nil {
				p.mu.RUnlock()
				continue
			}
			for _, c := range p.consumers {
				c.write(pkt)
			}
		}
		p.mu.RUnlock()
	}
}

// readRTCP drains sender reports so the receive buffer never fills.
func (p *Producer) readRTCP() {
	for {
		pkts, _, err := p.receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			if sr, ok := pkt.(*rtcp.SenderReport); ok {
				p.logger.Debugw("sender report",
					"packet_count", sr.PacketCount,
					"octet_count", sr.OctetCount,
				)
			}
		}
	}
}

// requestKeyframe sends a PLI upstream. Requests within keyframeInterval
// of the previous one are dropped.
func (p *Producer) requestKeyframe() {
	if p.kind != domain.KindVideo || p.life.isClosed() {
		return
	}
	now := time.Now().UnixNano()
	last := p.lastKeyframe.Load()
	if now-last < int64(keyframeInterval) || !p.lastKeyframe.CompareAndSwap(last, now) {
		return
	}
	if _, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: p.ssrc},
	}); err != nil {
		p.logger.Debugw("failed to request keyframe", "error", err)
	}
}

func (p *Producer) addConsumer(c *Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.life.isClosed() {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *Producer) removeConsumer(id domain.ConsumerID) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

func (p *Producer) addTap(conn net.Conn) io.Closer {
	tp := &tap{conn: conn, producer: p}
	p.mu.Lock()
	closed := p.life.isClosed()
	if !closed {
		p.taps[tp] = struct{}{}
	}
	p.mu.Unlock()
	if closed {
		_ = conn.Close()
	}
	return tp
}

func (p *Producer) Close() error {
	if !p.life.close() {
		return nil
	}

	p.mu.Lock()
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	taps := p.taps
	p.taps = make(map[*tap]struct{})
	p.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for tp := range taps {
		_ = tp.conn.Close()
	}
	if err := p.receiver.Stop(); err != nil {
		p.logger.Debugw("receiver stop", "error", err)
	}
	p.logger.Debugw("producer closed", "consumers", len(consumers))
	return nil
}

// tap forwards raw RTP to a UDP address.
type tap struct {
	conn     net.Conn
	producer *Producer
	once     sync.Once
}

func (t *tap) write(b []byte) {
	// Dropped datagrams are expected when nothing listens yet.
	_, _ = t.conn.Write(b)
}

func (t *tap) Close() error {
	var err error
	t.once.Do(func() {
		t.producer.mu.Lock()
		delete(t.producer.taps, t)
		t.producer.mu.Unlock()
		err = t.conn.Close()
	})
	return err
}
