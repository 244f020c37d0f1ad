package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/internal/core/services"
	"rillcast/pkg/config"
	apperrors "rillcast/pkg/errors"
	"rillcast/pkg/ratelimit"
	"rillcast/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const cleanupTimeout = 5 * time.Second

// Options tune connection handling. Zero rate and connection limits
// disable the corresponding check.
type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendQueueSize  int
	AllowAnonymous bool
	MaxMessageSize int64

	MessagesPerSecond    float64
	MessageBurst         int
	ConnectionsPerMinute int
	MaxConnections       int
}

func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendQueueSize:  cfg.Signal.SendQueueSize,
		AllowAnonymous: cfg.Signal.AllowAnonymous,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
	}
	if cfg.RateLimiting.Enabled {
		opts.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		opts.MessageBurst = cfg.RateLimiting.WebSocket.Burst
		opts.ConnectionsPerMinute = cfg.RateLimiting.WebSocket.ConnectionsPerMinute
		opts.MaxConnections = cfg.RateLimiting.WebSocket.MaxConcurrent
	}
	return opts
}

// Dependencies are the registries and services the gateway drives.
// Supervisor and Metrics may be nil.
type Dependencies struct {
	Hub        *Hub
	Media      ports.MediaService
	Presence   ports.PresenceService
	Streams    ports.StreamService
	Auth       services.AuthService
	Supervisor *services.FatalSupervisor
	Metrics    ports.RelayMetrics
}

type handlerFunc func(ctx context.Context, c *client, data json.RawMessage, res *responder)

// Server is the signaling gateway: one WebSocket per participant, JSON
// request/response frames and server pushes.
type Server struct {
	deps     Dependencies
	opts     Options
	upgrader websocket.Upgrader
	handlers map[string]handlerFunc
	logger   *zap.SugaredLogger

	connLimiter *ratelimit.KeyedLimiter
	slots       *semaphore.Weighted

	mu       sync.Mutex
	clients  map[domain.ConnectionID]*client
	closing  bool
	sessions sync.WaitGroup
}

func NewServer(deps Dependencies, opts Options, logger *zap.SugaredLogger) *Server {
	s := &Server{
		deps: deps,
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:  logger,
		clients: make(map[domain.ConnectionID]*client),
	}
	if opts.ConnectionsPerMinute > 0 {
		s.connLimiter = ratelimit.PerMinute(opts.ConnectionsPerMinute)
	}
	if opts.MaxConnections > 0 {
		s.slots = semaphore.NewWeighted(int64(opts.MaxConnections))
	}

	s.handlers = map[string]handlerFunc{
		EventJoinStream:            s.handleJoinStream,
		EventLeaveStream:           s.handleLeaveStream,
		EventGetRouterCapabilities: s.handleGetRouterCapabilities,
		EventGetProducers:          s.handleGetProducers,
		EventCreateTransport:       s.handleCreateTransport,
		EventConnectTransport:      s.handleConnectTransport,
		EventProduce:               s.handleProduce,
		EventConsume:               s.handleConsume,
		EventResumeConsumer:        s.handleResumeConsumer,
		EventPauseProducer:         s.handlePauseProducer,
		EventResumeProducer:        s.handleResumeProducer,
	}
	return s
}

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.draining() {
		writeHTTPError(w, apperrors.NewWorkerFatalError())
		return
	}
	if s.isClosing() {
		writeHTTPError(w, apperrors.NewServiceUnavailableError("signaling is shutting down"))
		return
	}
	if s.connLimiter != nil && !s.connLimiter.Allow(ratelimit.ClientIP(r)) {
		writeHTTPError(w, apperrors.NewRateLimitError())
		return
	}
	if s.slots != nil {
		if !s.slots.TryAcquire(1) {
			writeHTTPError(w, apperrors.NewServiceUnavailableError("too many signaling connections"))
			return
		}
		defer s.slots.Release(1)
	}

	user, err := s.authenticate(r)
	if err != nil {
		writeHTTPError(w, apperrors.FromDomain(err))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	id := domain.ConnectionID(uuid.NewString())
	var limiter *rate.Limiter
	if s.opts.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.MessageBurst)
	}
	c := newClient(id, user, conn, s.opts.SendQueueSize, limiter,
		s.logger.With("connection_id", id, "user_id", user.ID))

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[id] = c
	s.sessions.Add(1)
	s.mu.Unlock()
	defer s.sessions.Done()

	c.logger.Infow("signaling connection opened", "anonymous", c.anonymous(), "remote_addr", r.RemoteAddr)

	go c.writePump(s.opts.PingInterval, s.opts.WriteTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	s.readLoop(ctx, c)
	cancel()
	s.disconnect(c)
}

func (s *Server) authenticate(r *http.Request) (domain.User, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}

	if token == "" {
		if s.opts.AllowAnonymous {
			return domain.User{}, nil
		}
		return domain.User{}, apperrors.NewUnauthorizedError("token required")
	}

	claims, err := s.deps.Auth.ValidateToken(token)
	if err != nil {
		return domain.User{}, apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, "invalid token", http.StatusUnauthorized)
	}
	return claims.User(), nil
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	if s.opts.MaxMessageSize > 0 {
		c.conn.SetReadLimit(s.opts.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Infow("signaling connection read failed", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))

		var req Request
		if err := json.Unmarshal(data, &req); err != nil || req.Event == "" {
			res := &responder{c: c, event: "unknown"}
			res.reject(apperrors.NewInvalidInputError("malformed request frame"))
			continue
		}
		s.handle(ctx, c, &req)
	}
}

// handle runs one request to completion. Requests of a connection are
// handled strictly in arrival order.
func (s *Server) handle(ctx context.Context, c *client, req *Request) {
	start := time.Now()
	ctx, span := tracing.TraceSignalRequest(ctx, req.Event, string(c.id))
	defer span.End()

	res := &responder{c: c, id: req.ID, event: req.Event}
	handler, known := s.handlers[req.Event]
	switch {
	case s.draining():
		res.reject(apperrors.NewWorkerFatalError())
	case c.limiter != nil && !c.limiter.Allow():
		res.reject(apperrors.NewRateLimitError())
	case !known:
		res.reject(apperrors.NewInvalidInputError(fmt.Sprintf("unknown event %q", req.Event)))
	default:
		handler(ctx, c, req.Data, res)
		if !res.settled {
			res.reject(apperrors.NewInternalError("request was not answered"))
		}
	}

	if res.err != nil {
		tracing.RecordError(ctx, res.err)
		c.logger.Debugw("signaling request failed", "event", req.Event, "code", res.code, "error", res.err)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.SignalRequest(req.Event, res.code, time.Since(start))
	}
}

// disconnect releases everything the connection held. It runs once per
// connection, after the reader stopped.
func (s *Server) disconnect(c *client) {
	c.close()

	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	streamID, _ := c.joined()
	if streamID != "" {
		s.deps.Hub.leave(streamID, c.id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	s.deps.Media.CleanupConnection(ctx, c.id)
	if streamID != "" {
		if _, err := s.deps.Presence.Leave(ctx, streamID, c.id); err != nil {
			c.logger.Warnw("failed to remove presence", "stream_id", streamID, "error", err)
		}
	}
	c.logger.Infow("signaling connection closed", "stream_id", streamID)
}

func (s *Server) draining() bool {
	return s.deps.Supervisor != nil && s.deps.Supervisor.Draining()
}

// Connections returns the number of open signaling connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Close refuses new connections, drops the open ones and waits until every
// disconnect cascade has finished or ctx is done.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain signaling connections: %w", ctx.Err())
	}
}

func writeHTTPError(w http.ResponseWriter, appErr *apperrors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus)
	json.NewEncoder(w).Encode(map[string]ErrorBody{
		"error": {Code: string(appErr.Code), Message: appErr.Message},
	})
}
