package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"geodelivery/api/internal/metrics"
	"geodelivery/api/internal/storage"
	"geodelivery/api/internal/validation"
	"geodelivery/api/internal/ws"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Status events are not sensitive; the read-only feed accepts any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewRouter builds the gin engine with all routes wired.
func NewRouter(jobs *validation.JobService, local *storage.LocalBackend, hub *ws.Hub, logger zerolog.Logger) *gin.Engine {
	handler := NewHandler(jobs, local, logger)

	router := gin.New()
	router.Use(requestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(metrics.Middleware())

	router.GET("/healthz", handler.Health)
	router.GET("/metrics", metrics.Handler())

	router.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		ws.NewClient(hub, conn).Serve()
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/validation", handler.CreateJob)
		v1.POST("/validation/:jobId/files", handler.AddFiles)
		v1.POST("/validation/:jobId/start", handler.StartJob)
		v1.GET("/validation/:jobId", handler.GetJob)
		v1.GET("/logs/:logId", handler.DownloadLog)
		v1.GET("/mandates", handler.ListMandates)
		v1.PUT("/uploads/:token", handler.Upload)
	}

	return router
}

// requestLogger logs each request through zerolog. The metrics scrape and
// health probes are skipped to keep the log readable.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		path := c.Request.URL.Path
		if path == "/metrics" || path == "/healthz" {
			return
		}
		logger.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Str("client", c.ClientIP()).
			Msg("request")
	}
}
