package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	changelogdomain "github.com/taskhub/syncengine/internal/changelog/domain"
	"github.com/taskhub/syncengine/internal/config"
	devicedomain "github.com/taskhub/syncengine/internal/device/domain"
	idempotencydomain "github.com/taskhub/syncengine/internal/idempotency/domain"
	obslogger "github.com/taskhub/syncengine/internal/observability/logger"
	obsmetrics "github.com/taskhub/syncengine/internal/observability/metrics"
	obstracing "github.com/taskhub/syncengine/internal/observability/tracing"
	prefdomain "github.com/taskhub/syncengine/internal/preference/domain"
	"github.com/taskhub/syncengine/internal/ratelimit"
	"github.com/taskhub/syncengine/internal/scheduler"
	taskdomain "github.com/taskhub/syncengine/internal/task/domain"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

func registerGin(cfg config.Config, log *zap.Logger) *gin.Engine {
	return NewEngine(cfg, log)
}

// NewEngine builds the gin engine with the shared middleware chain and
// operational endpoints.
func NewEngine(cfg config.Config, log *zap.Logger) *gin.Engine {
	if strings.EqualFold(cfg.Environment, "production") {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           !strings.EqualFold(cfg.Environment, "production"),
		ErrorClassifier: classifyErrorForLog,
	}))
	engine.Use(obstracing.GinMiddleware())
	engine.Use(ErrorHandlingMiddleware())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return engine
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	ChangelogSvc   changelogdomain.Service
	IdempotencySvc idempotencydomain.Service
	DeviceSvc      devicedomain.Service
	PreferenceSvc  prefdomain.Service
	TaskSvc        taskdomain.Service
	Scheduler      *scheduler.Scheduler
	SyncLimiter    *ratelimit.SyncLimiter `optional:"true"`
	Metrics        *obsmetrics.Metrics    `optional:"true"`
}

type Server struct {
	gin            *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	changelogSvc   changelogdomain.Service
	idempotencySvc idempotencydomain.Service
	deviceSvc      devicedomain.Service
	preferenceSvc  prefdomain.Service
	taskSvc        taskdomain.Service
	scheduler      *scheduler.Scheduler
	syncLimiter    *ratelimit.SyncLimiter
	metrics        *obsmetrics.Metrics
}

func NewServer(p ServerParams) *Server {
	return &Server{
		gin:            p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("http.server"),
		changelogSvc:   p.ChangelogSvc,
		idempotencySvc: p.IdempotencySvc,
		deviceSvc:      p.DeviceSvc,
		preferenceSvc:  p.PreferenceSvc,
		taskSvc:        p.TaskSvc,
		scheduler:      p.Scheduler,
		syncLimiter:    p.SyncLimiter,
		metrics:        p.Metrics,
	}
}

func registerRoutes(s *Server) {
	api := s.gin.Group("/api", s.TenantRequired())
	{
		api.GET("/sync/delta", s.SyncRateLimit(), s.SyncDelta)

		api.POST("/devices", s.Idempotent("/api/devices"), s.RegisterDevice)
		api.POST("/devices/unregister", s.UnregisterDevice)
		api.DELETE("/devices/:id", s.DeleteDevice)

		api.POST("/tasks", s.Idempotent("/api/tasks"), s.CreateTask)
		api.GET("/tasks/:id", s.GetTask)
		api.PATCH("/tasks/:id", s.UpdateTask)
		api.DELETE("/tasks/:id", s.DeleteTask)

		api.GET("/me/notification-preference", s.GetPreference)
		api.PATCH("/me/notification-preference", s.UpdatePreference)
	}

	internal := s.gin.Group("/internal", s.InternalAuthRequired())
	{
		internal.POST("/notifications/process", s.TriggerProcess)
	}
}

func run(lc fx.Lifecycle, s *Server) {
	srv := &http.Server{
		Addr:    s.cfg.HTTPAddr,
		Handler: s.gin,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				s.log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					s.log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
