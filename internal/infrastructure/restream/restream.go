package restream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/pkg/circuitbreaker"
	"rillcast/pkg/config"
	"rillcast/pkg/distributed"
	apperrors "rillcast/pkg/errors"

	"go.uber.org/zap"
)

var (
	ErrNoVideoProducer = errors.New("stream has no video producer to restream")
	ErrStopped         = errors.New("restream stopped before ffmpeg started")
)

const (
	// portsPerSession leaves room for RTP and RTCP of one video and one
	// audio input.
	portsPerSession = 4
	lockTTL         = 30 * time.Second
)

type Config struct {
	FFmpegPath string
	// Host is where taps send RTP and ffmpeg listens.
	Host         string
	BasePort     int
	MaxSessions  int
	PollInterval time.Duration
	// StopTimeout bounds how long Stop waits for ffmpeg to exit.
	StopTimeout time.Duration
	// Launches trips after ffmpeg keeps failing to start or crashing.
	Launches circuitbreaker.Config
}

func defaultLaunchBreaker() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold:    3,
		SuccessThreshold:    1,
		Timeout:             time.Minute,
		MaxRequestsHalfOpen: 1,
	}
}

func FromConfig(cfg *config.Config) Config {
	return Config{
		FFmpegPath:   cfg.Restream.FFmpegPath,
		Host:         "127.0.0.1",
		BasePort:     cfg.Restream.BasePort,
		MaxSessions:  64,
		PollInterval: 2 * time.Second,
		StopTimeout:  5 * time.Second,
		Launches:     defaultLaunchBreaker(),
	}
}

type session struct {
	streamID domain.StreamID
	slot     int
	video    domain.ProducerID
	taps     []io.Closer
	lock     *distributed.Lock
	done     chan struct{}

	// ctx bounds the ffmpeg process; cancel is set at reservation so Stop
	// can end a session that is still starting.
	ctx    context.Context
	cancel context.CancelFunc
}

// Restreamer remuxes a stream's producers to RTMP through ffmpeg. Each
// session owns a slot of local UDP ports the producers are tapped into.
type Restreamer struct {
	cfg      Config
	media    ports.MediaService
	locks    *distributed.LockManager
	launches *circuitbreaker.CircuitBreaker
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[domain.StreamID]*session
	slots    map[int]bool
}

// New builds a Restreamer. locks may be nil when a single node runs.
func New(cfg Config, media ports.MediaService, locks *distributed.LockManager, logger *zap.SugaredLogger) *Restreamer {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 64
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.Launches.FailureThreshold <= 0 {
		cfg.Launches = defaultLaunchBreaker()
	}
	logger = logger.Named("restream")
	launches := circuitbreaker.New(cfg.Launches)
	launches.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("ffmpeg launch breaker changed state", "from", from, "to", to)
	})
	return &Restreamer{
		cfg:      cfg,
		media:    media,
		locks:    locks,
		launches: launches,
		logger:   logger,
		sessions: make(map[domain.StreamID]*session),
		slots:    make(map[int]bool),
	}
}

func (r *Restreamer) Active(streamID domain.StreamID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[streamID]
	return ok
}

// Start taps the stream's first video producer and, if present, its first
// audio producer, then launches ffmpeg pushing FLV to rtmpURL. The session
// ends on Stop, when ffmpeg exits or when the video producer goes away.
func (r *Restreamer) Start(ctx context.Context, streamID domain.StreamID, rtmpURL string) error {
	s, err := r.reserve(streamID)
	if err != nil {
		return err
	}

	if err := r.start(ctx, s, rtmpURL); err != nil {
		r.release(s)
		return err
	}
	return nil
}

func (r *Restreamer) reserve(streamID domain.StreamID) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[streamID]; ok {
		return nil, apperrors.NewConflictError("restream already running")
	}
	for slot := 0; slot < r.cfg.MaxSessions; slot++ {
		if r.slots[slot] {
			continue
		}
		r.slots[slot] = true
		ctx, cancel := context.WithCancel(context.Background())
		s := &session{streamID: streamID, slot: slot, done: make(chan struct{}), ctx: ctx, cancel: cancel}
		r.sessions[streamID] = s
		return s, nil
	}
	return nil, apperrors.NewServiceUnavailableError("no restream ports available")
}

func (r *Restreamer) start(ctx context.Context, s *session, rtmpURL string) error {
	if r.locks != nil {
		lock, err := r.locks.TryLock(ctx, "restream:"+string(s.streamID), lockTTL)
		if err != nil {
			return err
		}
		if lock == nil {
			return apperrors.NewConflictError("restream already running on another node")
		}
		s.lock = lock
	}

	producers, err := r.media.ListProducers(ctx, s.streamID)
	if err != nil {
		return fmt.Errorf("failed to list producers: %w", err)
	}
	var video, audio *domain.ProducerInfo
	for i := range producers {
		switch {
		case producers[i].Kind == domain.KindVideo && video == nil:
			video = &producers[i]
		case producers[i].Kind == domain.KindAudio && audio == nil:
			audio = &producers[i]
		}
	}
	if video == nil {
		return ErrNoVideoProducer
	}
	s.video = video.ID

	port := r.cfg.BasePort + s.slot*portsPerSession
	var inputs []input
	for _, p := range []*domain.ProducerInfo{video, audio} {
		if p == nil {
			continue
		}
		addr := r.cfg.Host + ":" + strconv.Itoa(port)
		params, tap, err := r.media.TapProducer(ctx, s.streamID, p.ID, addr)
		if err != nil {
			return err
		}
		s.taps = append(s.taps, tap)
		codec, ok := params.MediaCodec()
		if !ok {
			return fmt.Errorf("producer %s has no media codec", p.ID)
		}
		inputs = append(inputs, input{producerID: p.ID, kind: p.Kind, codec: codec, port: port})
		port += 2
	}

	description, err := describe(r.cfg.Host, inputs)
	if err != nil {
		return fmt.Errorf("failed to describe restream input: %w", err)
	}

	if s.ctx.Err() != nil {
		return ErrStopped
	}
	if err := r.launches.Allow(); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable,
			"restream paused after repeated ffmpeg failures", http.StatusServiceUnavailable)
	}

	cmd := exec.CommandContext(s.ctx, r.cfg.FFmpegPath, ffmpegArgs(rtmpURL, audio != nil)...)
	cmd.Stdin = bytes.NewReader(description)
	cmd.WaitDelay = r.cfg.StopTimeout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.launches.Failure()
		return fmt.Errorf("getting stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		if s.ctx.Err() != nil {
			return ErrStopped
		}
		r.launches.Failure()
		return fmt.Errorf("starting ffmpeg: %w", err)
	}

	logger := r.logger.With("stream_id", s.streamID, "pid", cmd.Process.Pid)
	go captureStderr(stderr, logger)
	go r.supervise(s.ctx, s, cmd, logger)

	logger.Infow("restream started", "inputs", len(inputs), "video_producer", video.ID)
	return nil
}

func ffmpegArgs(rtmpURL string, withAudio bool) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-protocol_whitelist", "pipe,udp,rtp",
		"-f", "sdp",
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
	}
	if withAudio {
		args = append(args, "-c:a", "aac", "-ar", "44100")
	} else {
		args = append(args, "-an")
	}
	return append(args, "-f", "flv", rtmpURL)
}

func captureStderr(r io.Reader, logger *zap.SugaredLogger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debugw("ffmpeg", "line", scanner.Text())
	}
}

// supervise waits for ffmpeg and stops it early when the video producer
// disappears from the stream.
func (r *Restreamer) supervise(ctx context.Context, s *session, cmd *exec.Cmd, logger *zap.SugaredLogger) {
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-exited:
			if err != nil && ctx.Err() == nil {
				logger.Warnw("ffmpeg exited", "error", err)
				r.launches.Failure()
			} else {
				logger.Infow("restream stopped")
				r.launches.Success()
			}
			s.cancel()
			r.release(s)
			return
		case <-ticker.C:
			if !r.producerAlive(ctx, s) {
				logger.Infow("video producer closed, stopping restream")
				s.cancel()
			}
		}
	}
}

func (r *Restreamer) producerAlive(ctx context.Context, s *session) bool {
	producers, err := r.media.ListProducers(ctx, s.streamID)
	if err != nil {
		return false
	}
	for _, p := range producers {
		if p.ID == s.video {
			return true
		}
	}
	return false
}

// release frees the session's taps, ports and lock.
func (r *Restreamer) release(s *session) {
	s.cancel()
	for _, tap := range s.taps {
		_ = tap.Close()
	}
	if s.lock != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := s.lock.Unlock(ctx); err != nil {
			r.logger.Warnw("failed to release restream lock", "stream_id", s.streamID, "error", err)
		}
		cancel()
	}

	r.mu.Lock()
	if r.sessions[s.streamID] == s {
		delete(r.sessions, s.streamID)
	}
	delete(r.slots, s.slot)
	r.mu.Unlock()
	close(s.done)
}

// Stop ends the stream's restream and waits for ffmpeg to exit. Stopping an
// inactive stream is a no-op.
func (r *Restreamer) Stop(streamID domain.StreamID) error {
	r.mu.Lock()
	s, ok := r.sessions[streamID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-time.After(2 * r.cfg.StopTimeout):
		return fmt.Errorf("restream for stream %s did not stop", streamID)
	}
}

// Close stops every running restream.
func (r *Restreamer) Close() error {
	r.mu.Lock()
	ids := make([]domain.StreamID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := r.Stop(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
