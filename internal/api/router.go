package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"presence-backplane/config"
	"presence-backplane/internal/metrics"
	"presence-backplane/internal/mw"
)

// RouterDeps is everything the router mounts.
type RouterDeps struct {
	Handler   *Handler
	WebSocket gin.HandlerFunc
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Log       zerolog.Logger
}

// NewRouter creates and configures a new Gin router.
func NewRouter(cfg config.ServerConfig, deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), mw.Logger(deps.Log))
	if deps.Metrics != nil {
		r.Use(mw.Metrics(deps.Metrics))
	}

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)

	// Stats are a fleet-wide count; a few seconds of staleness is fine.
	cacheStore := cache.New(cfg.StatsCacheTTL, 2*cfg.StatsCacheTTL)
	caching := mw.Cache(cacheStore, cfg.StatsCacheTTL)

	h := deps.Handler
	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.POST("/messages", h.SendMessage)
		api.POST("/messages/:id/delivered", h.MarkDelivered)

		api.GET("/users/:user_id/presence", h.GetPresence)
		api.GET("/users/:user_id/messages", h.GetUndelivered)

		api.GET("/stats", caching, h.GetStats)
	}

	if deps.WebSocket != nil {
		r.GET("/ws", deps.WebSocket)
	}
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}
