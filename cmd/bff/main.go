// Package main is the entry point for the tabula list BFF server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/capability"
	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/controller"
	"github.com/pitabwire/tabula/internal/definition"
	"github.com/pitabwire/tabula/internal/invoker"
	"github.com/pitabwire/tabula/internal/layout"
	"github.com/pitabwire/tabula/internal/locale"
	"github.com/pitabwire/tabula/internal/lookup"
	"github.com/pitabwire/tabula/internal/notify"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/internal/openapi"
	"github.com/pitabwire/tabula/internal/rowaction"
	"github.com/pitabwire/tabula/internal/session"
	"github.com/pitabwire/tabula/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "tabula-bff", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(registry)

	// OpenAPI index: every upstream operation a list, action or lookup names.
	oaIndex := openapi.NewIndex()
	specSources := buildSpecSources(cfg.Specs, cfg.Services)
	if err := oaIndex.Load(specSources); err != nil {
		logger.Error("OpenAPI index load failed", zap.Error(err))
		return 1
	}
	for _, s := range specSources {
		metrics.SetOpenAPIOperationsIndexed(s.ServiceID, len(oaIndex.AllOperationIDs(s.ServiceID)))
	}

	defs, err := definition.NewLoader().LoadAll(cfg.Definitions.Directories)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	if verrs := definition.NewValidator().Validate(defs, oaIndex); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		logger.Error("definition validation failed", zap.Int("errors", len(verrs)))
		return 1
	}
	lists := definition.NewRegistry(defs)
	metrics.SetListsLoaded(lists.ListCount())

	// Upstream credentials: the caller's bearer token by default, OAuth2
	// client credentials for services configured with that strategy.
	revoked := session.NewRevocations()
	tokens := session.NewRouter(
		session.NewForwardedTokenSource(revoked),
		session.NewClientCredentialsTokenSource(cfg.Services, os.Getenv, logger),
	)
	inv := invoker.NewOpenAPIOperationInvoker(oaIndex, cfg.Services, tokens, invoker.WithMetrics(metrics))

	capResolver, err := buildCapabilityResolver(cfg.Capability, metrics)
	if err != nil {
		logger.Error("capability resolver initialization failed", zap.Error(err))
		return 1
	}

	translator, err := locale.NewTranslator(cfg.I18n)
	if err != nil {
		logger.Error("translator initialization failed", zap.Error(err))
		return 1
	}

	layouts, err := layout.Open(ctx, cfg.Layout, metrics)
	if err != nil {
		logger.Error("layout store initialization failed", zap.Error(err))
		return 1
	}
	defer layouts.Close()

	lookups := lookup.NewProvider(lists, inv, cfg.Lookup.Cache.TTL, cfg.Lookup.Cache.MaxEntries,
		lookup.WithMetrics(metrics),
	)

	notes := notify.NewCenter(cfg.Lists.Notifications)
	manager := controller.NewManager(controller.Deps{
		Config:   cfg.Lists,
		Invoker:  inv,
		Executor: rowaction.NewExecutor(inv, notes, rowaction.WithIndex(oaIndex), rowaction.WithMetrics(metrics)),
		Layouts:  layouts,
		Notes:    notes,
		Metrics:  metrics,
		Logger:   logger,
	})
	defer manager.Close()

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL)
	loaded := func() bool { return lists.ListCount() > 0 }
	readiness := observability.ReadinessChecks{
		ListsLoaded: loaded,
		OpenAPILoaded: func() bool {
			for _, s := range specSources {
				if len(oaIndex.AllOperationIDs(s.ServiceID)) > 0 {
					return true
				}
			}
			return len(specSources) == 0
		},
		Dependencies: map[string]observability.HealthChecker{"layout_store": layouts},
	}

	var gatherer prometheus.Gatherer
	if cfg.Observability.Metrics.Enabled {
		gatherer = registry
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks, revoked),
		CapabilityResolver: capResolver,
		Translator:         translator,
		Lists:              lists,
		Manager:            manager,
		Lookups:            lookups,
		Metrics:            metrics,
		Gatherer:           gatherer,
		Readiness:          readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go manager.Run(bgCtx, sweepInterval(cfg.Lists.IdleTTL))

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("lists", lists.ListCount()),
		zap.String("layout_driver", cfg.Layout.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildSpecSources resolves spec file paths against the specs directory and
// attaches each service's base URL.
func buildSpecSources(specsCfg config.SpecsConfig, services map[string]config.ServiceConfig) []openapi.SpecSource {
	sources := make([]openapi.SpecSource, len(specsCfg.Sources))
	for i, s := range specsCfg.Sources {
		specPath := s.SpecFile
		if specsCfg.Directory != "" && !filepath.IsAbs(specPath) {
			specPath = filepath.Join(specsCfg.Directory, specPath)
		}
		sources[i] = openapi.SpecSource{
			ServiceID: s.ServiceID,
			BaseURL:   services[s.ServiceID].BaseURL,
			SpecPath:  specPath,
		}
	}
	return sources
}

// buildCapabilityResolver creates the static policy resolver.
func buildCapabilityResolver(cfg config.CapabilityConfig, metrics *observability.Metrics) (*capability.Resolver, error) {
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.StaticPolicyFile)
	if err != nil {
		return nil, fmt.Errorf("static policy: %w", err)
	}
	return capability.NewResolver(evaluator, cfg.Cache.TTL, capability.WithMetrics(metrics)), nil
}

// sweepInterval checks for idle controllers a few times per TTL.
func sweepInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return time.Minute
	}
	return max(ttl/4, 10*time.Second)
}
