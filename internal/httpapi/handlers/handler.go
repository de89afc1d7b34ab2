package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/datachat-io/datachat/internal/common"
	"github.com/datachat-io/datachat/internal/config"
	"github.com/datachat-io/datachat/internal/store/rabbitmq"
	"github.com/datachat-io/datachat/internal/store/redisstore"
	"github.com/datachat-io/datachat/internal/thread"
)

type Handler struct {
	Cfg     config.Config
	Threads *thread.Service
	Redis   *redisstore.Store
	Rabbit  *rabbitmq.Publisher
}

func NewHandler(cfg config.Config, threads *thread.Service, rds *redisstore.Store, rabbit *rabbitmq.Publisher) *Handler {
	return &Handler{Cfg: cfg, Threads: threads, Redis: rds, Rabbit: rabbit}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}
