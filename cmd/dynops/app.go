package main

import (
	"fmt"
	"net/http"

	"github.com/norpie/dynops/internal/auth"
	"github.com/norpie/dynops/internal/config"
	"github.com/norpie/dynops/internal/odata"
	"github.com/norpie/dynops/internal/queue"
	"github.com/norpie/dynops/internal/ratelimit"
	"github.com/norpie/dynops/internal/telemetry"
)

// buildClient loads configuration and wires up a resilient client ready
// to issue requests against the configured Dynamics organization.
func buildClient() (*config.Config, *odata.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	tokenSource := auth.NewClientCredentials(cfg.Auth.TenantID, cfg.Auth.ClientID, cfg.Auth.ClientSecret, cfg.Environment.Host)

	client := odata.New(odata.Config{
		Host:        cfg.Environment.Host,
		APIVersion:  cfg.Environment.APIVersion,
		RetryPolicy: cfg.RetryPolicy(),
		RateLimiter: ratelimit.New(cfg.RateLimit.BurstCapacity, cfg.RateLimit.RequestsPerMinute/60, cfg.RateLimit.Enabled),
		Logger:      telemetry.NewLogger(cfg.Logging.Level),
		TokenSource: tokenSource,
		HTTPClient:  &http.Client{Timeout: cfg.HTTP.Timeout},
	})
	return cfg, client, nil
}

// buildQueueStore opens the durable queue's SQLite store at the
// configured path.
func buildQueueStore(cfg *config.Config) (*queue.Store, error) {
	store, err := queue.Open(cfg.Queue.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	return store, nil
}
