package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"rillcast/internal/core/domain"
	apperrors "rillcast/pkg/errors"
	"rillcast/pkg/tracing"
)

// responder answers one request exactly once. Requests without an id get
// no response; their failures are pushed as error events.
type responder struct {
	c     *client
	id    *uint64
	event string

	settled bool
	code    string
	err     error
}

func (r *responder) resolve(data interface{}) {
	if r.settled {
		return
	}
	r.settled = true
	r.code = "OK"
	if r.id != nil {
		r.write(Response{ID: *r.id, OK: true, Data: data})
	}
}

// resolveOrPush resolves the request, or pushes event when nobody waits
// for a response.
func (r *responder) resolveOrPush(event string, data interface{}) {
	if r.id != nil {
		r.resolve(data)
		return
	}
	if r.settled {
		return
	}
	r.settled = true
	r.code = "OK"
	r.write(Push{Event: event, Data: data})
}

func (r *responder) reject(err error) {
	if r.settled {
		return
	}
	r.settled = true
	r.err = err

	appErr := apperrors.FromDomain(err)
	r.code = string(appErr.Code)
	body := ErrorBody{Code: string(appErr.Code), Message: appErr.Message}
	if r.id != nil {
		r.write(Response{ID: *r.id, OK: false, Error: &body})
		return
	}
	r.write(Push{Event: EventError, Data: errorEvent{Request: r.event, ErrorBody: body}})
}

func (r *responder) write(v interface{}) {
	msg, err := json.Marshal(v)
	if err != nil {
		r.c.logger.Errorw("failed to encode response", "event", r.event, "error", err)
		return
	}
	r.c.enqueue(msg)
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return apperrors.NewInvalidInputError("request data is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "malformed request data", http.StatusBadRequest)
	}
	return nil
}

// requireJoined checks that the connection joined streamID.
func requireJoined(c *client, streamID domain.StreamID) error {
	if streamID == "" {
		return apperrors.NewInvalidInputError("streamId is required")
	}
	if current, _ := c.joined(); current != streamID {
		return fmt.Errorf("%w: stream %s", domain.ErrNotJoined, streamID)
	}
	return nil
}

func (s *Server) handleJoinStream(ctx context.Context, c *client, data json.RawMessage, res *responder) {
	var req joinRequest
	if err := decode(data, &req); err != nil {
		res.reject(err)
		return
	}
	if req.StreamID == "" {
		res.reject(apperrors.NewInvalidInputError("streamId is required"))
		return
	}
	if !req.Role.Valid() {
		res.reject(fmt.Errorf("%w: %q", domain.ErrInvalidRole, req.Role))
		return
	}
	tracing.AddSpanAttributes(ctx, tracing.StreamIDKey.String(string(req.StreamID)))

	ack := joinResponse{StreamID: req.StreamID, Role: req.Role}
	if current, role := c.joined(); current != "" {
		if current == req.StreamID && role == req.Role {
			res.resolveOrPush(EventJoinedStream, ack)
			return
		}
		res.reject(apperrors.NewConflictError(fmt.Sprintf("already joined stream %s as %s", current, role)))
		return
	}

	details, err := s.deps.Streams.GetStream(ctx, req.StreamID)
	if err != nil {
		res.reject(err)
		return
	}
	if details.Ended() {
		res.reject(fmt.Errorf("%w: %s", domain.ErrStreamEnded, req.StreamID))
		return
	}
	if req.Role == domain.RoleHost && (c.anonymous() || !details.IsHostedBy(c.user.ID)) {
		res.reject(fmt.Errorf("%w: only the stream's host may join as host", domain.ErrUnauthorized))
		return
	}

	c.setJoined(req.StreamID, req.Role)
	// Room membership starts after the ack is queued so that no stream
	// event can overtake it.
	res.resolveOrPush(EventJoinedStream, ack)
	s.deps.Hub.join(req.StreamID, c)

	if req.Role == domain.RoleViewer {
		if _, err := s.deps.Presence.Join(ctx, req.StreamID, c.id, c.user.ID); err != nil {
			c.logger.Warnw("failed to record viewer", "stream_id", req.StreamID, "error", err)
		}
	}
	c.logger.Infow("joined stream", "stream_id", req.StreamID, "role", req.Role)
}

func (s *Server) handleLeaveStream(ctx context.Context, c *client, data json.RawMessage, res *responder) {
	var req streamRequest
	if err := decode(data, &req); err != nil {
		res.reject(err)
		return
	}
	if err := requireJoined(c, req.StreamID); err != nil {
		res.reject(err)
		return
	}

	s.deps.Hub.leave(req.StreamID, c.id)
	c.setJoined("", "")
	if _, err := s.deps.Presence.Leave(ctx, req.StreamID, c.id); err != nil {
		c.logger.Warnw("failed to remove viewer", "stream_id", req.StreamID, "error", err)
	}
	res.resolve(streamRequest{StreamID: req.StreamID})
}

func (s *Server) handleGetRouterCapabilities(ctx context.Context, c *client, data json.RawMessage, res *responder) {
	var req streamRequest
	if err := decode(data, &req); err != nil {
		res.reject(err)
		return
	}
	if err := requireJoined(c, req.StreamID); err != nil {
		res.reject(err)
		return
	}

	caps, err := s.deps.Media.RouterCapabilities(ctx, req.StreamID)
	if err != nil {
		res.reject(err)
		return
	}
	res.resolve(capabilitiesResponse{RTPCapabilities: caps})
}

func (s *Server) handleGetProducers(ctx context.Context, c *client, data json.RawMessage, res *responder) {
	var req streamRequest
	if err := decode(data, &req); err != nil {
		res.reject(err)
		return
	}

	producers, err := s.deps.Media.ListProducers(ctx, req.StreamID)
	if err != nil {
		c.logger.Debugw("listing producers failed", "stream_id", req.StreamID, "error", err)
		producers = nil
	}
	if producers == nil {
		producers = []domain.ProducerInfo{}
	}
	res.resolve(producers)
}

func (s *Server) handleCreateTransport(ctx context.Context, c *client, data json.RawMessage, res *responder) {
	var req createTransportRequest
	if err := decode(data, &req); err != nil {
		res.reject(err)
		return
	}
	if err := requireJoined(c, req.StreamID); err != nil {
		res.reject(err)
		return
	}

	params, err := s.deps.Media.CreateTransport(ctx, req.StreamID, c.id, req.Direction)
	if err != nil {
		res.reject(err)
		return
	}
	tracing.AddSpanAttributes(ctx, tracing.TransportIDKey.String(string(params.ID)))
	res.resolve(createTransportResponse{Params: params})
}

func (s *Server) handleConnectTransport(ctx context.Context, c *client, data json.RawMessage, res *responder) {
	var req connectTransportRequest
	if err := decode(data, &req); err != nil {
		res.reject(err)
		return
	}
	if err := requireJoined(c, req.StreamID); err != nil {
		res.reject(err)
		return
	}

	err := s.deps.Media.ConnectTransport(ctx, c.id, req.TransportID, domain.ConnectParams{
		DTLSParameters: req.DTLSParameters,
		ICEParameters:  req.ICEParameters,
		ICECandidates:  req.ICECandidates,
	})
	if err != nil {
		res.reject(err)
		return
	}
	res.resolve(succeeded)
}

func (s *Server) handleProduce(ctx context.Context, c *client, data json.RawMessage, res *responder) {
	var req produceRequest
	if err := decode(data, &req); err != nil {
		res.reject(err)
		return
	}
	if err := requireJoined(c, req.StreamID); err != nil {
		res.reject(err)
		return
	}
	if _, role := c.joined(); role != domain.RoleHost {
		res.reject(fmt.Errorf("%w: only the host may produce", domain.ErrUnauthorized))
		return
	}

	info, err := s.deps.Media.Produce(ctx, req.StreamID, c.id, req.TransportID, req.Kind, req.RTPParameters)
	if err != nil {
		res.reject(err)
		return
	}
	tracing.AddSpanAttributes(ctx, tracing.ProducerIDKey.String(string(info.ID)))
	res.resolve(produceResponse{ID: info.ID})
}

func (s *Server) handleConsume(ctx context.Context, c *client, data json.RawMessage, res *responder) {
	var req consumeRequest
	if err := decode(data, &req); err != nil {
		res.reject(err)
		return
	}
	if err := requireJoined(c, req.StreamID); err != nil {
		res.reject(err)
		return
	}

	params, err := s.deps.Media.Consume(ctx, req.StreamID, c.id, req.TransportID, req.ProducerID, req.RTPCapabilities)
	if err != nil {
		res.reject(err)
		return
	}
	res.resolve(consumeResponse{Params: params})
}

func (s *Server) handleResumeConsumer(ctx context.Context, c *client, data json.RawMessage, res *responder) {
	var req consumerRequest
	if err := decode(data, &req); err != nil {
		res.reject(err)
		return
	}
	if err := s.deps.Media.ResumeConsumer(ctx, c.id, req.ConsumerID); err != nil {
		res.reject(err)
		return
	}
	res.resolve(succeeded)
}

func (s *Server) handlePauseProducer(ctx context.Context, c *client, data json.RawMessage, res *responder) {
	var req producerRequest
	if err := decode(data, &req); err != nil {
		res.reject(err)
		return
	}
	if err := s.deps.Media.PauseProducer(ctx, c.id, req.ProducerID); err != nil {
		res.reject(err)
		return
	}
	res.resolve(succeeded)
}

func (s *Server) handleResumeProducer(ctx context.Context, c *client, data json.RawMessage, res *responder) {
	var req producerRequest
	if err := decode(data, &req); err != nil {
		res.reject(err)
		return
	}
	if err := s.deps.Media.ResumeProducer(ctx, c.id, req.ProducerID); err != nil {
		res.reject(err)
		return
	}
	res.resolve(succeeded)
}
