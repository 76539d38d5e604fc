package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/andresuchdata/batchflow/internal/api/handlers"
	"github.com/andresuchdata/batchflow/internal/api/middleware"
	"github.com/andresuchdata/batchflow/internal/repository"
)

type Services struct {
	Sweeps handlers.Sweeps
	// Runs is optional; /runs answers 503 without it.
	Runs           repository.RunRepository
	Metrics        middleware.RequestRecorder
	MetricsHandler http.Handler
}

// NewRouter wires the status API. ctx bounds sweeps triggered over HTTP.
func NewRouter(ctx context.Context, services *Services, allowedOrigins []string) *gin.Engine {
	router := gin.New()

	// Add middleware
	router.Use(middleware.Logger())
	router.Use(middleware.Recovery())
	if services.Metrics != nil {
		router.Use(middleware.Metrics(services.Metrics))
	}

	defaultOrigins := []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	corsConfig := cors.Config{
		AllowOrigins:     defaultOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) > 0 {
		normalizedOrigins, allowAll := normalizeAllowedOrigins(allowedOrigins)
		if allowAll {
			corsConfig.AllowOrigins = nil
			corsConfig.AllowOriginFunc = func(origin string) bool { return true }
		} else if len(normalizedOrigins) > 0 {
			corsConfig.AllowOrigins = normalizedOrigins
		}
	}
	router.Use(cors.New(corsConfig))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if services.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(services.MetricsHandler))
	}

	statusHandler := handlers.NewStatusHandler(ctx, services.Sweeps, services.Runs)
	apiGroup := router.Group("/api/v1")
	{
		apiGroup.GET("/status", statusHandler.GetStatus)
		apiGroup.GET("/runs", statusHandler.ListRuns)
		apiGroup.POST("/sweeps", statusHandler.TriggerSweep)
	}

	return router
}

func normalizeAllowedOrigins(origins []string) ([]string, bool) {
	var (
		parsed   []string
		allowAll bool
	)
	for _, origin := range origins {
		parts := strings.Split(origin, ",")
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			if trimmed == "*" {
				allowAll = true
				continue
			}
			parsed = append(parsed, trimmed)
		}
	}
	return parsed, allowAll
}
