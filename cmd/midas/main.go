package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/midas-platform/midas/pkg/api"
	"github.com/midas-platform/midas/pkg/auth"
	"github.com/midas-platform/midas/pkg/config"
	"github.com/midas-platform/midas/pkg/dbio"
	"github.com/midas-platform/midas/pkg/dbio/fsbased"
	"github.com/midas-platform/midas/pkg/dbio/inmem"
	"github.com/midas-platform/midas/pkg/dbio/mongo"
	"github.com/midas-platform/midas/pkg/metadata"
	"github.com/midas-platform/midas/pkg/observability"
	"github.com/midas-platform/midas/pkg/project"
	"github.com/midas-platform/midas/pkg/resolver"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", os.Getenv("MIDAS_CONFIG"), "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("midas: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("midas: %v", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx := context.Background()
	backend, cleanup, err := openBackend(ctx, cfg.DBIO)
	if err != nil {
		log.Fatalf("midas: dbio: %v", err)
	}
	defer cleanup()
	logger.Info("record store ready", "backend", cfg.DBIO.Backend)

	authn, err := auth.NewAuthenticator(auth.Config{
		Key:               cfg.JWTAuth.Key,
		Algorithm:         cfg.JWTAuth.Algorithm,
		RequireExpiration: cfg.JWTAuth.RequireExpiration,
		LegacyKey:         cfg.JWTAuth.LegacyKey,
		LegacyUser:        cfg.JWTAuth.LegacyUser,
	}, "midas", logger)
	if err != nil {
		log.Fatalf("midas: auth: %v", err)
	}

	routercfg := api.RouterConfig{
		Records:         map[string]*api.RecordService{},
		ExternalReviews: map[string]http.Handler{},
		Authn:           authn,
		CORSOrigins:     cfg.CORSOrigins,
		Log:             logger,
	}
	if err := mountServices(&routercfg, cfg, backend, logger); err != nil {
		log.Fatalf("midas: %v", err)
	}
	mountResolvers(&routercfg, cfg.Resolver, logger)
	if cfg.RateLimit.PerSecond > 0 {
		routercfg.RateLimit = api.NewGlobalRateLimiter(int(cfg.RateLimit.PerSecond), cfg.RateLimit.Burst)
	}

	obs, err := newTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		log.Fatalf("midas: telemetry: %v", err)
	}
	routercfg.Obs = obs

	mux := http.NewServeMux()
	mux.Handle("/", api.NewRouter(routercfg))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("midas: server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	shutctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutctx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	_ = obs.Shutdown(shutctx)
}

func newTelemetry(ctx context.Context, cfg config.TelemetryConfig) (*observability.Provider, error) {
	obscfg := observability.DefaultConfig()
	obscfg.Enabled = cfg.Enabled
	if cfg.OTLPEndpoint != "" {
		obscfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.Environment != "" {
		obscfg.Environment = cfg.Environment
	}
	if cfg.SampleRate > 0 {
		obscfg.SampleRate = cfg.SampleRate
	}
	obscfg.Insecure = cfg.Insecure
	return observability.New(ctx, obscfg)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openBackend opens the configured record store. The returned cleanup
// releases any held connections.
func openBackend(ctx context.Context, cfg config.DBIOConfig) (dbio.Backend, func(), error) {
	switch cfg.Backend {
	case "inmem":
		return inmem.NewBackend(), func() {}, nil
	case "fsbased":
		back, err := fsbased.NewBackend(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return back, func() {}, nil
	case "mongo":
		back, err := mongo.NewBackend(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, nil, err
		}
		return back, func() { _ = back.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unrecognized backend %q", cfg.Backend)
	}
}

// mountServices builds one record handler per configured convention,
// plus the review callbacks each convention declares.
func mountServices(rc *api.RouterConfig, cfg *config.Config, backend dbio.Backend, logger *slog.Logger) error {
	for svcname, svc := range cfg.Services {
		for convname, conv := range svc.Conventions {
			coll, shoulder := conv.Collection()

			allowed := cfg.DBIO.AllowedShoulders
			if len(allowed) == 0 {
				allowed = []string{shoulder}
			}
			factory := dbio.NewFactory(backend, dbio.ClientConfig{
				Superusers:       cfg.DBIO.Superusers,
				AllowedShoulders: allowed,
				DefaultShoulder:  shoulder,
				Compat: dbio.CompatFlags{
					QueryNoRecurse:      cfg.DBIO.Compat.QueryNoRecurse,
					HistoryNilExtra:     cfg.DBIO.Compat.HistoryNilExtra,
					PublishAlwaysDisown: cfg.DBIO.Compat.PublishAlwaysDisown,
				},
			}, dbio.FactoryWithLogger(logger))

			pcfg := project.Config{
				NAAN:              conv.NAAN,
				PublishOnApproval: conv.PublishOnApproval,
				ResolverBaseURL:   conv.ResolverBaseURL,
			}
			if pcfg.NAAN == "" {
				pcfg.NAAN = cfg.Resolver.NAAN
			}

			// one lock registry per convention so the record handler and
			// its review callbacks serialize transitions on the same record
			opts := []project.Option{project.WithLocks(project.NewLocks())}
			if conv.Schema != "" {
				val, err := project.NewSchemaValidator(conv.Schema)
				if err != nil {
					return fmt.Errorf("services.%s.conventions.%s: %w", svcname, convname, err)
				}
				opts = append(opts, project.WithValidator(val))
			}

			prefix := svcname + "/" + convname
			rc.Records[prefix] = api.NewRecordService(factory, coll, pcfg, logger, opts...)
			for path, system := range conv.ReviewSystems {
				rc.ExternalReviews[strings.Trim(path, "/")] =
					api.NewExternalReviewHandler(factory, coll, system, pcfg, logger, opts...)
			}
		}
	}
	return nil
}

// mountResolvers wires the public identifier resolver and the AIP
// listing endpoints when their upstreams are configured.
func mountResolvers(rc *api.RouterConfig, cfg config.ResolverConfig, logger *slog.Logger) {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second

	if cfg.RMMBaseURL != "" {
		rmm := metadata.NewRMMClient(cfg.RMMBaseURL, timeout)
		cache, err := metadata.NewAltBigCache(cfg.CacheDir)
		if err != nil {
			logger.Warn("metadata cache unavailable", "dir", cfg.CacheDir, "error", err)
		}
		md := metadata.NewHybridClient(rmm, cache, logger)
		rc.Resolver = resolver.NewHandler(md, resolver.HandlerConfig{
			NAAN:           cfg.NAAN,
			LandingBaseURL: cfg.LandingBaseURL,
		}, nil, logger)
	}

	if cfg.DistribBaseURL != "" {
		dist := resolver.NewDistribClient(cfg.DistribBaseURL, timeout)
		rc.AIP = resolver.NewAIPHandler(dist, logger)
	}
}
