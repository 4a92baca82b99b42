package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/prime399/study-flow-kiro-sub000/config"
	"github.com/prime399/study-flow-kiro-sub000/internal/auth"
	"github.com/prime399/study-flow-kiro-sub000/internal/billing"
	"github.com/prime399/study-flow-kiro-sub000/internal/credential"
	"github.com/prime399/study-flow-kiro-sub000/internal/ledger"
	"github.com/prime399/study-flow-kiro-sub000/internal/logging"
	"github.com/prime399/study-flow-kiro-sub000/internal/provider/factory"
	"github.com/prime399/study-flow-kiro-sub000/internal/proxy"
	"github.com/prime399/study-flow-kiro-sub000/internal/routing"
	"github.com/prime399/study-flow-kiro-sub000/internal/seeder"
	"github.com/prime399/study-flow-kiro-sub000/internal/telemetry"
	"github.com/prime399/study-flow-kiro-sub000/internal/tokens"
	"github.com/prime399/study-flow-kiro-sub000/migrations"
	"github.com/prime399/study-flow-kiro-sub000/pkg/ratelimit"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat gateway HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Bool("seed", false, "seed the development caller before serving")
	serveCmd.Flags().Bool("migrate", false, "apply the database schema before serving")
}

// backends are the shared connections every command that touches the
// database needs.
type backends struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
}

func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	logger.Info("postgres connected")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	logger.Info("redis connected")

	return &backends{pool: pool, rdb: rdb}, nil
}

func (b *backends) Close() {
	b.pool.Close()
	_ = b.rdb.Close()
}

func loadCatalog(cfg *config.Config) (*routing.Catalog, error) {
	if cfg.ModelsFile == "" {
		return routing.DefaultCatalog(), nil
	}
	return routing.LoadCatalog(cfg.ModelsFile)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, logCloser, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		return fmt.Errorf("failed to init logging: %w", err)
	}
	defer logCloser.Close()

	tp, shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.FromConfig(serviceName, Version, cfg))
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", slog.Any("error", err))
		}
	}()

	be, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	catalog, err := loadCatalog(cfg)
	if err != nil {
		return fmt.Errorf("failed to load model catalog: %w", err)
	}
	cipher, err := credential.NewCipher(cfg.CredentialKey)
	if err != nil {
		return fmt.Errorf("failed to init credential cipher: %w", err)
	}

	platform := make(map[string]credential.PlatformKey, len(cfg.Providers))
	for name, p := range cfg.Providers {
		platform[name] = credential.PlatformKey{APIKey: p.APIKey, BaseURL: p.BaseURL}
	}
	if len(platform) == 0 {
		logger.Warn("no platform provider keys configured; only BYOK callers can be served")
	}

	if migrate, _ := cmd.Flags().GetBool("migrate"); migrate {
		applied, err := migrations.Apply(ctx, be.pool)
		if err != nil {
			return err
		}
		logger.Info("schema applied", slog.Any("migrations", applied))
	}

	authStore := auth.NewPostgresStore(be.pool)
	coins := ledger.NewPostgresLedger(be.pool)
	credentials := credential.NewPostgresStore(be.pool)

	if seed, _ := cmd.Flags().GetBool("seed"); seed {
		if _, err := seeder.Seed(ctx, authStore, coins, cfg.SeedBalance, logger); err != nil {
			return err
		}
	}

	handler := proxy.NewHandler(proxy.Deps{
		Router:       routing.NewRouter(catalog),
		Availability: routing.NewAvailability(catalog, cfg.ConfiguredProviders()),
		Resolver:     credential.NewResolver(credentials, cipher, catalog, platform, logger),
		Credentials:  credentials,
		Cipher:       cipher,
		NewAdapter:   factory.New,
		Billing:      billing.NewPostgresStore(be.pool),
		Ledger:       coins,
		Limiter:      ratelimit.NewLimiter(be.rdb, cfg.DefaultRateLimitTPM),
		Counter:      tokens.NewTiktoken(),
		Tracer:       tp.Tracer(serviceName),
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     newRouter(handler, auth.NewMiddleware(authStore, be.rdb, logger), logger),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gateway starting", slog.String("port", cfg.Port), slog.Any("providers", cfg.ConfiguredProviders()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-quit:
	}
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	handler.Wait()
	logger.Info("server stopped")
	return nil
}

func newRouter(h *proxy.Handler, authMiddleware auth.Middleware, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(logging.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"` + serviceName + `"}`))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)

		// Identity is optional here; anonymous turns run on platform keys.
		r.Post("/v1/chat", h.HandleChat)
		r.Post("/v1/chat/completions", h.HandleComplete)
		r.Get("/v1/models", h.HandleModels)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireCaller)
			r.Get("/v1/usage", h.HandleUsage)

			r.Get("/v1/coins", h.HandleBalance)
			r.Post("/v1/coins/charge", h.HandleCharge)
			r.Post("/v1/coins/refund", h.HandleRefund)

			r.Get("/v1/credentials", h.HandleGetCredential)
			r.Put("/v1/credentials", h.HandlePutCredential)
			r.Delete("/v1/credentials", h.HandleDeleteCredential)
		})
	})

	return r
}
