package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/safar-saathi/careflow/internal/audit"
	careapi "github.com/safar-saathi/careflow/internal/careflow/api"
	"github.com/safar-saathi/careflow/internal/careflow/domain"
	careinfra "github.com/safar-saathi/careflow/internal/careflow/infrastructure"
	"github.com/safar-saathi/careflow/internal/careflow/service"
	"github.com/safar-saathi/careflow/internal/notification"
	"github.com/safar-saathi/careflow/internal/shared/auth"
	"github.com/safar-saathi/careflow/internal/shared/config"
	"github.com/safar-saathi/careflow/internal/shared/database"
	"github.com/safar-saathi/careflow/internal/shared/events"
	"github.com/safar-saathi/careflow/internal/shared/logging"
	"github.com/safar-saathi/careflow/internal/shared/metrics"
	secmiddleware "github.com/safar-saathi/careflow/internal/shared/middleware"
)

// App holds all application dependencies
type App struct {
	Config    *config.Config
	Log       zerolog.Logger
	DB        *database.DB
	Publisher events.Publisher
	Redis     *redis.Client
}

func main() {
	root := &cobra.Command{
		Use:           "platform",
		Short:         "Care access and transfer workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), expireGrantsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.serve(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()
			if app.DB == nil {
				return fmt.Errorf("database not available")
			}
			return database.Migrate(cmd.Context(), app.DB.Pool, app.Log)
		},
	}
}

func expireGrantsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "expire-grants",
		Short: "Mark lapsed medical data grants as expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()
			if app.DB == nil {
				return fmt.Errorf("database not available")
			}

			auditRepo := audit.NewRepository(app.DB.Pool)
			if err := auditRepo.Initialize(cmd.Context()); err != nil {
				return err
			}
			svc := service.New(
				careinfra.NewPostgresRepository(app.DB.Pool),
				audit.NewRecorder(auditRepo),
				nil,
				service.ConfigFrom(app.Config.Workflow),
				app.Log,
			)

			n, err := svc.ExpireGrants(cmd.Context(), domain.SystemActor(), limit)
			if err != nil {
				return err
			}
			app.Log.Info().Int("expired", n).Msg("grant expiry sweep finished")
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 500, "maximum grants to expire in one run")
	return cmd
}

// bootstrap loads config and connects what is reachable. With optional set,
// the server keeps running in limited mode when a backing store is down.
func bootstrap(ctx context.Context, optional bool) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app := &App{Config: cfg, Log: logging.New(cfg.Server)}

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		if !optional {
			return nil, fmt.Errorf("database not available: %w", err)
		}
		app.Log.Warn().Err(err).Msg("database not available, running in limited mode with in-memory storage")
	} else {
		app.DB = db
	}

	if !optional {
		return app, nil
	}

	if cfg.KurrentDB.Enabled {
		pub, err := events.NewPublisher(ctx, cfg.KurrentDB)
		if err != nil {
			app.Log.Warn().Err(err).Msg("KurrentDB not available, running without event streaming")
		} else {
			app.Publisher = pub
		}
	}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			app.Log.Warn().Err(err).Msg("redis not available, clinic inboxes disabled")
			client.Close()
		} else {
			app.Redis = client
		}
	}

	return app, nil
}

func (app *App) Close() {
	if app.Redis != nil {
		app.Redis.Close()
	}
	if app.Publisher != nil {
		app.Publisher.Close()
	}
	if app.DB != nil {
		app.DB.Close()
	}
}

func (app *App) serve(ctx context.Context) error {
	cfg := app.Config
	log := app.Log

	repo, auditRepo, err := app.stores(ctx, database.Migrate)
	if err != nil {
		return err
	}
	if err := auditRepo.Initialize(ctx); err != nil {
		log.Warn().Err(err).Msg("audit initialization failed")
	}

	providers := []notification.Provider{notification.NewLogProvider(log)}
	if app.Redis != nil {
		providers = append(providers, notification.NewRedisInboxProvider(app.Redis, cfg.Redis.InboxSize))
	}
	if app.Publisher != nil {
		providers = append(providers, notification.NewEventBusProvider(app.Publisher))
	}

	notifyCfg := notification.DefaultServiceConfig()
	if cfg.Notification.Workers > 0 {
		notifyCfg.Workers = cfg.Notification.Workers
	}
	if cfg.Notification.BufferSize > 0 {
		notifyCfg.BufferSize = cfg.Notification.BufferSize
	}
	if cfg.Notification.MaxRetries > 0 {
		notifyCfg.RetryAttempts = cfg.Notification.MaxRetries
	}
	notifier := notification.NewService(notifyCfg, log, providers...)
	if err := notifier.Start(ctx); err != nil {
		return err
	}
	defer notifier.Stop()

	svc := service.New(repo, audit.NewRecorder(auditRepo), notifier, service.ConfigFrom(cfg.Workflow), log)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(secmiddleware.RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(secmiddleware.CORS(secmiddleware.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	r.Use(secmiddleware.BodyLimit(1 << 20))
	r.Use(metrics.Middleware)

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())

	limiter := secmiddleware.NewKeyedRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, actorKey)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Auth))
		r.Use(limiter.Middleware)

		r.Mount("/audit", audit.NewHandler(auditRepo).Routes())
		r.Mount("/", careapi.NewHandler(svc).Routes())
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
		close(done)
	}()

	log.Info().
		Str("env", cfg.Server.Env).
		Int("port", cfg.Server.Port).
		Bool("database", app.DB != nil).
		Bool("kurrentdb", app.Publisher != nil).
		Bool("redis", app.Redis != nil).
		Msg("careflow listening")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	log.Info().Msg("server stopped")
	return nil
}

type migrateFunc func(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger) error

// stores picks Postgres when the database is connected and the memory stores
// otherwise. Limited mode covers an unreachable database, not a broken schema,
// so a failed migration is returned.
func (app *App) stores(ctx context.Context, migrate migrateFunc) (domain.Repository, audit.AuditRepository, error) {
	if app.DB == nil {
		return careinfra.NewMemoryRepository(), audit.NewMemoryRepository(), nil
	}
	if err := migrate(ctx, app.DB.Pool, app.Log); err != nil {
		return nil, nil, fmt.Errorf("migration failed: %w", err)
	}
	return careinfra.NewPostgresRepository(app.DB.Pool), audit.NewRepository(app.DB.Pool), nil
}

// actorKey rate limits authenticated callers individually and everyone
// else by client IP
func actorKey(r *http.Request) string {
	if user := auth.GetUser(r.Context()); user != nil && !user.ID.IsZero() {
		return user.UserType + ":" + user.ID.String()
	}
	return secmiddleware.ClientIP(r)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}

func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"server": "ready",
		}

		if app.DB != nil {
			if err := app.DB.Health(r.Context()); err != nil {
				checks["database"] = "not ready: " + err.Error()
			} else {
				checks["database"] = "ready"
			}
		} else {
			checks["database"] = "not configured"
		}

		if app.Publisher != nil {
			if err := app.Publisher.Health(); err != nil {
				checks["kurrentdb"] = "not ready: " + err.Error()
			} else {
				checks["kurrentdb"] = "ready"
			}
		} else {
			checks["kurrentdb"] = "not configured"
		}

		if app.Redis != nil {
			if err := app.Redis.Ping(r.Context()).Err(); err != nil {
				checks["redis"] = "not ready: " + err.Error()
			} else {
				checks["redis"] = "ready"
			}
		} else {
			checks["redis"] = "not configured"
		}

		allReady := true
		for _, status := range checks {
			if status != "ready" && status != "not configured" {
				allReady = false
				break
			}
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": checks,
		})
	}
}
