package http

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/perkflow/integration-gateway/internal/config"
	"github.com/perkflow/integration-gateway/internal/http/middleware"
	"github.com/perkflow/integration-gateway/internal/metrics"
	"github.com/perkflow/integration-gateway/internal/setup"
	"github.com/perkflow/integration-gateway/internal/webhook"
)

type Server struct{ e *echo.Echo }

func NewServer(cfg config.Config, stack *setup.Stack, rds *redis.Client, pub EventPublisher) *Server {
	// inbound webhook pipeline
	guard := webhook.NewGuard(stack.Secrets, cfg.Webhooks.Tolerance, clockwork.NewRealClock())
	replay := webhook.NewRedisReplayStore(rds, "")

	providers := make(map[string]bool, len(cfg.Webhooks.Providers))
	for _, p := range cfg.Webhooks.Providers {
		providers[p] = true
	}

	// echo
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	producerMW := middleware.APIKeyMiddleware(cfg.Auth.ProducerAPIKey, cfg.Auth.OperatorAPIKey, middleware.RoleProducer)
	operatorMW := middleware.APIKeyMiddleware(cfg.Auth.ProducerAPIKey, cfg.Auth.OperatorAPIKey, middleware.RoleOperator)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          rds,
		DefaultRPS:     cfg.HTTP.RateLimitRPS,
		KeyPrefix:      "rl:api:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// producer routes
	v1 := e.Group("/v1")
	v1.POST("/outbox", enqueueHandler(stack.Outbox), producerMW, rlMW)

	// operator routes
	v1.POST("/dispatch", dispatchHandler(stack.Dispatcher, cfg.Dispatcher.BatchSize, cfg.Dispatcher.RunTimeout), operatorMW)
	v1.GET("/outbox", listOutboxHandler(stack.Outbox), operatorMW)
	v1.POST("/outbox/:id/retry", retryOutboxHandler(stack.Outbox), operatorMW)
	if stack.Attempts != nil {
		v1.GET("/reports/deliveries", listDeliveriesHandler(stack.Attempts), operatorMW)
	}

	// inbound webhooks (authenticated by signature, not API key)
	e.POST("/webhooks/:provider", webhookHandler(guard, replay, pub, providers, cfg.Webhooks.ReplayTTL))

	return &Server{e: e}
}

func (s *Server) Start(addr string) error {
	log.Printf("http: listening on %s", addr)
	return s.e.Start(addr)
}
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
