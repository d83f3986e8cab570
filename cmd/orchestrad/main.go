// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command orchestrad is the orchestration core's process entrypoint: it
// loads configuration, wires the Tool Registry, Access Filter, Tool
// Invoker, Planner Loop, Session Store and HTTP surface together, and
// serves until a shutdown signal arrives (spec §6.2, §6.3).
//
// Usage:
//
//	orchestrad serve
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kadirpekel/orcacore/accessfilter"
	"github.com/kadirpekel/orcacore/appconfig"
	"github.com/kadirpekel/orcacore/httpapi"
	"github.com/kadirpekel/orcacore/identity"
	"github.com/kadirpekel/orcacore/invoker"
	"github.com/kadirpekel/orcacore/obscore"
	"github.com/kadirpekel/orcacore/planner"
	"github.com/kadirpekel/orcacore/planner/anthropicadapter"
	"github.com/kadirpekel/orcacore/planner/openaiadapter"
	"github.com/kadirpekel/orcacore/providerclient"
	"github.com/kadirpekel/orcacore/ratelimit"
	"github.com/kadirpekel/orcacore/sessionstore"
	"github.com/kadirpekel/orcacore/toolregistry"
)

// CLI defines the command-line interface. Grounded on cmd/hector/main.go's
// kong.CLI struct shape, reduced to the one subcommand this spec's process
// needs -- there is no config-file/zero-config split, no studio mode, no
// hot reload: every setting here is an environment variable (spec §6.3).
type CLI struct {
	Serve ServeCmd `cmd:"" help:"Start the orchestration core HTTP server."`
}

// ServeCmd starts the HTTP server and blocks until shutdown.
type ServeCmd struct{}

func (c *ServeCmd) Run() error {
	cfg, err := appconfig.Load()
	if err != nil {
		return fmt.Errorf("orchestrad: config: %w", err)
	}

	obscore.InitLogging(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := obscore.InitTracing(ctx, obscore.TracingConfig{
		Endpoint:    cfg.OTelExporterOTLPEndpoint,
		ServiceName: "orchestrad",
	})
	if err != nil {
		return fmt.Errorf("orchestrad: tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	clients := make(map[string]toolregistry.Client, len(cfg.ProviderEndpoints))
	for id, baseURL := range cfg.ProviderEndpoints {
		clients[id] = providerclient.New(id, baseURL)
	}
	registry := toolregistry.NewRegistry(clients)
	discoveryTimeout := time.Duration(cfg.DiscoveryTimeoutMs) * time.Millisecond
	registry.LoadAll(ctx, discoveryTimeout)

	filter := accessfilter.New(cfg.DevMode)

	store, err := newSessionStore(cfg)
	if err != nil {
		return fmt.Errorf("orchestrad: session store: %w", err)
	}

	inv := invoker.New(registry, store,
		invoker.WithCallTimeout(time.Duration(cfg.ToolCallTimeoutMs)*time.Millisecond),
		invoker.WithCacheTTLSeconds(cfg.CacheTTLSec),
	)

	resolver, err := newResolver(ctx, cfg)
	if err != nil {
		return fmt.Errorf("orchestrad: identity: %w", err)
	}

	modelFactory, err := newModelFactory(cfg)
	if err != nil {
		return fmt.Errorf("orchestrad: reasoning model: %w", err)
	}

	metrics := obscore.NewMetrics()

	var limiter *ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{RPS: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst})
	}

	srv := httpapi.New(registry, filter, inv, store, resolver, modelFactory,
		httpapi.WithMetrics(metrics),
		httpapi.WithRateLimiter(limiter),
		httpapi.WithMaxRounds(cfg.MaxRounds),
		httpapi.WithTurnTimeout(time.Duration(cfg.TurnTimeoutMs)*time.Millisecond),
		httpapi.WithReasoningTimeout(time.Duration(cfg.ReasoningCallTimeoutMs)*time.Millisecond),
	)

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Printf("orchestrad listening on %s\n", cfg.HTTPAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("orchestrad: serve: %w", err)
	}
	return nil
}

// newSessionStore opens the configured SQL database and wraps it in a
// sessionstore.SQLStore. SESSION_DB_DSN empty defaults to a local sqlite
// file, matching the teacher's "no persistence config means sqlite
// on-disk" default posture.
func newSessionStore(cfg *appconfig.Config) (sessionstore.Store, error) {
	dsn := cfg.SessionDBDSN
	if dsn == "" && cfg.SessionDBDriver == "sqlite" {
		dsn = "orchestrad.db"
	}

	driverName := cfg.SessionDBDriver
	switch driverName {
	case "postgres":
		driverName = "postgres"
	case "mysql":
		driverName = "mysql"
	default:
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.SessionDBDriver, err)
	}
	return sessionstore.NewSQLStore(db, cfg.SessionDBDriver)
}

// newResolver builds the identity.Resolver for DEV_MODE, BYPASS_TOKEN or
// real JWKS-backed validation, per spec §6.4.
func newResolver(ctx context.Context, cfg *appconfig.Config) (*identity.Resolver, error) {
	res := &identity.Resolver{DevMode: cfg.DevMode, BypassToken: cfg.BypassToken}
	if cfg.DevMode || cfg.BypassToken {
		return res, nil
	}

	jwksURL := os.Getenv("JWKS_URL")
	issuer := os.Getenv("OIDC_ISSUER")
	if issuer == "" {
		issuer = cfg.TenantID
	}
	if jwksURL == "" || issuer == "" {
		return nil, fmt.Errorf("JWKS_URL and an issuer (OIDC_ISSUER or TENANT_ID) are required unless DEV_MODE or BYPASS_TOKEN is set")
	}
	validator, err := identity.NewValidator(ctx, jwksURL, issuer, cfg.Audience)
	if err != nil {
		return nil, err
	}
	res.Validator = validator
	return res, nil
}

// newModelFactory selects the reasoning-model adapter named by
// REASONING_PROVIDER (spec §6.3). The adapter is built once and the
// returned factory hands that same instance to every turn; the adapters
// keep no per-call state between PlanRound calls.
func newModelFactory(cfg *appconfig.Config) (httpapi.ModelFactory, error) {
	switch cfg.ReasoningProvider {
	case "anthropic":
		adapter, err := anthropicadapter.New(anthropicadapter.Config{
			APIKey:  cfg.ReasoningAPIKey,
			BaseURL: cfg.ReasoningBaseURL,
			Model:   cfg.ReasoningModel,
		})
		if err != nil {
			return nil, err
		}
		return func() planner.ReasoningModel { return adapter }, nil
	case "openai":
		adapter, err := openaiadapter.New(openaiadapter.Config{
			APIKey:  cfg.ReasoningAPIKey,
			BaseURL: cfg.ReasoningBaseURL,
			Model:   cfg.ReasoningModel,
		})
		if err != nil {
			return nil, err
		}
		return func() planner.ReasoningModel { return adapter }, nil
	default:
		return nil, fmt.Errorf("unsupported REASONING_PROVIDER %q", cfg.ReasoningProvider)
	}
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("orchestrad"),
		kong.Description("Multi-agent tool-orchestration core"),
		kong.UsageOnError(),
	)
	err := ctx.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
