package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/datachat-io/datachat/internal/common"
	"github.com/datachat-io/datachat/internal/config"
	"github.com/datachat-io/datachat/internal/httpapi/handlers"
	"github.com/datachat-io/datachat/internal/httpapi/middleware"
)

func NewRouter(cfg config.Config, h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))

	authGroup.POST("/analyze", h.Analyze)
	authGroup.GET("/chat-threads", h.ListChatThreads)
	authGroup.GET("/chat/:thread_id/messages", h.GetThreadMessages)
	authGroup.GET("/chat/:thread_id/sentiments", h.GetThreadSentiments)
	authGroup.DELETE("/chat/:thread_id", h.DeleteChatThread)
	authGroup.POST("/sentiment", h.UpdateSentiment)

	return r
}
