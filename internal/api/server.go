package api

import (
	"net/http"
	"time"

	"github.com/davidroman0O/refsetlite/internal/metrics"
	"github.com/davidroman0O/refsetlite/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// NewEngine builds the gin engine serving the API under /api/v1 plus the
// unauthenticated /healthz and /metrics endpoints.
func NewEngine(service Service, gatherer prometheus.Gatherer, log logger.Logger) *gin.Engine {
	if log == nil {
		log = logger.NewNopLogger()
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(metrics.Handler(gatherer)))

	v1 := engine.Group("/api/v1", Authenticated())
	RegisterRoutes(v1, NewHandlers(service, log))
	return engine
}

func requestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug(c.Request.Context(), "Request served",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"took", time.Since(start))
	}
}
