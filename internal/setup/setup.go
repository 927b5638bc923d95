// Package setup wires the dispatch stack from configuration. Both the HTTP
// server and the background worker build the same stack through here.
package setup

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/perkflow/integration-gateway/internal/adapter"
	"github.com/perkflow/integration-gateway/internal/backoff"
	"github.com/perkflow/integration-gateway/internal/config"
	"github.com/perkflow/integration-gateway/internal/connector"
	"github.com/perkflow/integration-gateway/internal/dispatcher"
	"github.com/perkflow/integration-gateway/internal/ratelimit"
	"github.com/perkflow/integration-gateway/internal/repository"
	"github.com/perkflow/integration-gateway/internal/secrets"
	"github.com/perkflow/integration-gateway/internal/webhook"
)

// Stack is the assembled dispatch pipeline plus the shared pieces the HTTP
// layer reuses (secret store, allowlist, outbox repository).
type Stack struct {
	Dispatcher *dispatcher.Dispatcher
	Outbox     repository.OutboxRepository
	Attempts   repository.AttemptsRepository
	Secrets    secrets.Store
	Allowlist  *webhook.URLAllowlist
}

func BuildStack(cfg config.Config, mysqlDB, chDB *sqlx.DB, rds *redis.Client, log *zap.Logger) (*Stack, error) {
	secretStore := secrets.NewEnvStore(cfg.Secrets.EnvPrefix)

	allowlist, err := webhook.NewURLAllowlist(cfg.Webhooks.AllowedURLs)
	if err != nil {
		return nil, fmt.Errorf("webhook allowlist: %w", err)
	}

	conn := connector.New(secretStore, cfg.Dispatcher.AdapterTimeout)

	baseURL := func(id string) string { return cfg.Integrations[id].BaseURL }
	registry := adapter.NewRegistry(
		adapter.NewResend(secretStore, baseURL("resend"), cfg.Dispatcher.AdapterTimeout),
		adapter.NewTwilio(secretStore, baseURL("twilio"), cfg.Dispatcher.AdapterTimeout),
		adapter.NewSlack(conn, baseURL("slack")),
		adapter.NewHubSpot(conn, baseURL("hubspot")),
		adapter.NewOutgoingWebhook(allowlist, secretStore, cfg.Dispatcher.AdapterTimeout),
	)

	limits := make(ratelimit.Table, len(cfg.Integrations))
	for id, ic := range cfg.Integrations {
		limits[id] = ratelimit.Limit{RPS: ic.RPS, MaxConcurrency: ic.MaxConcurrency}
	}

	clock := clockwork.NewRealClock()

	var counter ratelimit.WindowCounter
	if cfg.Dispatcher.SharedRateLimit && rds != nil {
		counter = ratelimit.NewRedisCounter(rds, "")
	}
	gate := ratelimit.NewGate(limits, counter, clock)
	breakers := ratelimit.NewBreakerSet(cfg.Dispatcher.Breaker.FailThreshold, cfg.Dispatcher.Breaker.OpenFor, clock)

	outboxRepo := repository.NewOutboxRepository(mysqlDB)

	var attempts repository.AttemptsRepository
	if chDB != nil {
		attempts = repository.NewAttemptsRepository(chDB)
	}

	d := dispatcher.New(outboxRepo, registry, gate, breakers, backoff.Default(), attempts, clock, log)

	return &Stack{
		Dispatcher: d,
		Outbox:     outboxRepo,
		Attempts:   attempts,
		Secrets:    secretStore,
		Allowlist:  allowlist,
	}, nil
}
