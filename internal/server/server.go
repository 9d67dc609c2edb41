// Package server exposes the HTTP API: AI config management, synchronous AI
// execution, async media jobs and outbound message delivery.
package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"chatwire/internal/ai"
	"chatwire/internal/crypto"
	"chatwire/internal/gateway"
	"chatwire/internal/metrics"
	"chatwire/internal/queue"
	"chatwire/internal/storage"
)

type Server struct {
	store    *storage.Store
	keyring  *crypto.Keyring
	executor *ai.Executor
	queue    *queue.StreamQueue
	dedupe   *queue.JobDeduplicator
	limiter  *queue.RateLimiter
	gateway  *gateway.Client
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

type Config struct {
	Store    *storage.Store
	Keyring  *crypto.Keyring
	Executor *ai.Executor
	Queue    *queue.StreamQueue
	Dedupe   *queue.JobDeduplicator
	Limiter  *queue.RateLimiter
	Gateway  *gateway.Client
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

func New(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Server{
		store:    cfg.Store,
		keyring:  cfg.Keyring,
		executor: cfg.Executor,
		queue:    cfg.Queue,
		dedupe:   cfg.Dedupe,
		limiter:  cfg.Limiter,
		gateway:  cfg.Gateway,
		metrics:  m,
		logger:   cfg.Logger,
	}
}

// Router builds the gin engine. healthPath and metricsHandler are mounted
// alongside the API so one listener serves everything.
func (s *Server) Router(healthPath, metricsPath string, metricsHandler http.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(Recovery(s.logger))
	r.Use(RequestLogger(s.logger))

	r.GET(healthPath, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metricsHandler != nil {
		r.GET(metricsPath, gin.WrapH(metricsHandler))
	}

	api := r.Group("/api")
	{
		api.GET("/ai/operations", s.listOperations)
		api.GET("/ai/operations/:key/models", s.listModels)

		api.POST("/ai/configs", s.createConfig)
		api.GET("/ai/configs", s.listConfigs)
		api.DELETE("/ai/configs/:id", s.deleteConfig)
		api.GET("/ai/configs/:id/editable", s.configEditable)
		api.POST("/ai/configs/:id/execute", s.executeConfig)

		api.GET("/ai/usage", s.listUsage)

		api.POST("/conversations", s.createConversation)
		api.POST("/conversations/:id/messages", s.createMessage)

		api.POST("/messages/:id/transcribe", s.transcribeMessage)
		api.POST("/messages/:id/translate", s.translateMessage)
		api.POST("/messages/:id/send", s.sendMessage)
	}

	return r
}

// writeError maps domain errors onto HTTP statuses. Operator mistakes are
// 400, upstream AI failures 502, missing rows 404, the rest 500.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case ai.IsValidation(err) || gateway.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case ai.IsProvider(err):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, ai.ErrUnknownOperation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
