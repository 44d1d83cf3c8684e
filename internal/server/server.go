package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/paymeter/settle/internal/attempt"
	"github.com/paymeter/settle/internal/config"
	"github.com/paymeter/settle/internal/observability/logger"
	"github.com/paymeter/settle/internal/observability/tracing"
	"github.com/paymeter/settle/internal/settlement"
	"github.com/paymeter/settle/internal/settlement/store"
)

// Server exposes the batch control surface: starting runs, retrying failed
// invoices, resuming stalled attempts, and inspecting outcomes.
type Server struct {
	engine   *gin.Engine
	runner   *settlement.Runner
	attempts *attempt.Repository
	store    *store.Store
	log      *zap.Logger
}

func NewEngine(cfg config.Config, log *zap.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(tracing.GinMiddleware())
	engine.Use(logger.GinMiddleware(logger.MiddlewareConfig{
		Logger:    log.Named("http"),
		SkipPaths: []string{"/healthz"},
	}))
	return engine
}

func NewServer(engine *gin.Engine, runner *settlement.Runner, attempts *attempt.Repository, st *store.Store, log *zap.Logger) *Server {
	return &Server{
		engine:   engine,
		runner:   runner,
		attempts: attempts,
		store:    st,
		log:      log.Named("server"),
	}
}

func (s *Server) RegisterAPIRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.engine.Group("/api")
	{
		batch := api.Group("/batch")
		{
			batch.POST("/settlement", s.StartSettlement)
			batch.POST("/settlement/retry", s.StartRetry)
			batch.POST("/settlement/resume", s.ResumeSettlement)
		}
		api.GET("/attempts/:id", s.GetAttempt)
		api.GET("/invoices/:id/status", s.GetInvoiceStatus)
	}
}

func RunHTTP(lc fx.Lifecycle, engine *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: engine,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
