package ports

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type StreamHTTPHandler interface {
	CreateStream(c *gin.Context)
	StartStream(c *gin.Context)
	StopStream(c *gin.Context)
	GetStream(c *gin.Context)
	ListHostStreams(c *gin.Context)
	ListLiveStreams(c *gin.Context)
	LikeStream(c *gin.Context)
	UnlikeStream(c *gin.Context)
}

type SignalingHandler interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}
