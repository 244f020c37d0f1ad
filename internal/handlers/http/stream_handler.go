package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/internal/core/services"
	"rillcast/internal/infrastructure/middleware"
	apperrors "rillcast/pkg/errors"
	"rillcast/pkg/validation"

	"github.com/gin-gonic/gin"
)

var _ ports.StreamHTTPHandler = (*StreamHandler)(nil)

type StreamHandler struct {
	streamService ports.StreamService
	authService   services.AuthService
}

func NewStreamHandler(streamService ports.StreamService, authService services.AuthService) *StreamHandler {
	return &StreamHandler{
		streamService: streamService,
		authService:   authService,
	}
}

func (h *StreamHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/streams")
	{
		api.GET("/live", h.ListLiveStreams)
		api.GET("/:id", h.GetStream)
	}

	authed := api.Group("", middleware.AuthMiddleware(h.authService))
	{
		authed.POST("/create", h.CreateStream)
		authed.GET("/host/list", h.ListHostStreams)
		authed.POST("/:id/start", h.StartStream)
		authed.POST("/:id/stop", h.StopStream)
		authed.POST("/:id/like", h.LikeStream)
		authed.DELETE("/:id/like", h.UnlikeStream)
	}
}

type CreateStreamRequest struct {
	Title       string     `json:"title"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

type StartStreamRequest struct {
	RTMPURL string `json:"rtmp_url"`
}

type streamsResponse[T any] struct {
	Streams []T `json:"streams"`
	Count   int `json:"count"`
}

func (h *StreamHandler) CreateStream(c *gin.Context) {
	user, ok := middleware.UserFromContext(c)
	if !ok {
		_ = c.Error(domain.ErrUnauthorized)
		return
	}

	var req CreateStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError("invalid request format"))
		return
	}

	stream, err := h.streamService.CreateStream(c.Request.Context(), user.ID, strings.TrimSpace(req.Title), req.ScheduledAt)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, stream)
}

// StartStream takes an optional body; an empty one starts without restream.
func (h *StreamHandler) StartStream(c *gin.Context) {
	user, streamID, ok := h.streamRequest(c)
	if !ok {
		return
	}

	var req StartStreamRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(apperrors.NewInvalidInputError("invalid request format"))
			return
		}
	}

	stream, err := h.streamService.StartStream(c.Request.Context(), streamID, user.ID, strings.TrimSpace(req.RTMPURL))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, stream)
}

func (h *StreamHandler) StopStream(c *gin.Context) {
	user, streamID, ok := h.streamRequest(c)
	if !ok {
		return
	}

	stream, err := h.streamService.StopStream(c.Request.Context(), streamID, user.ID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, stream)
}

func (h *StreamHandler) GetStream(c *gin.Context) {
	streamID, ok := streamIDParam(c)
	if !ok {
		return
	}

	details, err := h.streamService.GetStream(c.Request.Context(), streamID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *StreamHandler) ListHostStreams(c *gin.Context) {
	user, ok := middleware.UserFromContext(c)
	if !ok {
		_ = c.Error(domain.ErrUnauthorized)
		return
	}

	streams, err := h.streamService.ListHostStreams(c.Request.Context(), user.ID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, streamsResponse[*domain.Stream]{Streams: nonNil(streams), Count: len(streams)})
}

func (h *StreamHandler) ListLiveStreams(c *gin.Context) {
	streams, err := h.streamService.ListLiveStreams(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, streamsResponse[*domain.StreamDetails]{Streams: nonNil(streams), Count: len(streams)})
}

func (h *StreamHandler) LikeStream(c *gin.Context) {
	h.like(c, h.streamService.LikeStream)
}

func (h *StreamHandler) UnlikeStream(c *gin.Context) {
	h.like(c, h.streamService.UnlikeStream)
}

func (h *StreamHandler) like(c *gin.Context, apply func(context.Context, domain.StreamID, domain.UserID) (int64, error)) {
	user, streamID, ok := h.streamRequest(c)
	if !ok {
		return
	}

	count, err := apply(c.Request.Context(), streamID, user.ID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream_id": streamID, "like_count": count})
}

// streamRequest reads the caller and the stream id of an authenticated
// per-stream route.
func (h *StreamHandler) streamRequest(c *gin.Context) (domain.User, domain.StreamID, bool) {
	user, ok := middleware.UserFromContext(c)
	if !ok {
		_ = c.Error(domain.ErrUnauthorized)
		return domain.User{}, "", false
	}
	streamID, ok := streamIDParam(c)
	if !ok {
		return domain.User{}, "", false
	}
	return user, streamID, true
}

func streamIDParam(c *gin.Context) (domain.StreamID, bool) {
	id := c.Param("id")
	if err := validation.ValidateStreamID(id); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.StreamID(id), true
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
