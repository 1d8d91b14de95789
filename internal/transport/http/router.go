package http

import (
	"github.com/gin-gonic/gin"
	"github.com/orderlab/fulfillment-service/internal/config"
	"github.com/orderlab/fulfillment-service/internal/order"
	"go.uber.org/zap"
)

func NewRouter(svc *order.Service, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, svc)
	return r
}
