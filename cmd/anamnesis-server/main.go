package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/anamnesis/internal/config"
	"github.com/ehr/anamnesis/internal/domain/anamnesis"
	"github.com/ehr/anamnesis/internal/platform/auth"
	"github.com/ehr/anamnesis/internal/platform/db"
	"github.com/ehr/anamnesis/internal/platform/metrics"
	"github.com/ehr/anamnesis/internal/platform/middleware"
	"github.com/ehr/anamnesis/internal/platform/reqctx"
	"github.com/ehr/anamnesis/internal/platform/sidechannel"
	"github.com/ehr/anamnesis/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "anamnesis-server",
		Short: "Clinical record versioning and audit API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(clinicCmd())
	rootCmd.AddCommand(verifyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

// migrationFiles returns the embedded migrations unless dir overrides them.
func migrationFiles(dir string) fs.FS {
	if dir == "" {
		return migrations.Files
	}
	return os.DirFS(dir)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationFiles(dir))
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", db.ClinicSchema("default"), "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationFiles(dir))
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", db.ClinicSchema("default"), "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func clinicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clinic",
		Short: "Manage clinics",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a clinic schema and apply all migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating clinic schema: %s\n", db.ClinicSchema(name))
			if err := db.CreateClinicSchema(ctx, pool, name, db.NewMigrator(pool, migrations.Files)); err != nil {
				return err
			}
			fmt.Println("Clinic created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Clinic identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-validate the integrity hash of every version of a clinical record",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("aggregate")
			clinic, _ := cmd.Flags().GetString("clinic")
			id, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("--aggregate must be a clinical record id: %w", err)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if clinic == "" {
				clinic = cfg.DefaultClinic
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			ctx, release, err := db.PinClinic(ctx, pool, clinic)
			if err != nil {
				return err
			}
			defer release()
			ctx = auth.WithCaller(ctx, auth.Caller{ID: "cli:verify", Role: auth.RoleAdmin})

			svc := anamnesis.NewService(anamnesis.NewPGStore(pool), anamnesis.WithLogger(newLogger(cfg)))
			results, verifyErr := svc.VerifyAggregate(ctx, id)
			for _, r := range results {
				status := "ok"
				if !r.Valid {
					status = "MISMATCH"
				}
				fmt.Printf("v%-6d %-8s %s\n", r.VersionNumber, status, r.StoredHash)
			}
			if verifyErr != nil {
				return verifyErr
			}
			fmt.Printf("%d version(s) verified.\n", len(results))
			return nil
		},
	}
	cmd.Flags().String("aggregate", "", "Clinical record id")
	cmd.Flags().String("clinic", "", "Clinic identifier (defaults to DEFAULT_CLINIC)")
	return cmd
}

// backend is what the server needs from a storage driver.
type backend interface {
	anamnesis.Store
	Ping(ctx context.Context) error
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg)

	ctx := context.Background()

	// Storage
	var (
		store     backend
		clinicMW  echo.MiddlewareFunc
		trailName string
	)
	if cfg.UsesPostgres() {
		pool, err := openPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")

		store = anamnesis.NewPGStore(pool)
		clinicMW = db.ClinicMiddleware(pool, cfg.DefaultClinic)
		trailName = "postgres"
	} else {
		logger.Warn().Msg("using in-memory storage; data is lost on restart")
		store = anamnesis.NewMemoryStore()
		clinicMW = db.StaticClinicMiddleware(cfg.DefaultClinic)
		trailName = "memory"
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Side channel
	sinks := []sidechannel.Sink{anamnesis.NewTrailSink(trailName, store)}
	redisClient, err := sidechannel.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	if redisClient != nil {
		defer redisClient.Close()
		sinks = append(sinks, sidechannel.NewRedisStreamSink(redisClient, cfg.RedisStream, 100000))
		logger.Info().Str("stream", cfg.RedisStream).Msg("mirroring audit trail to redis")
	}
	dispatcher := sidechannel.NewDispatcher(sinks,
		sidechannel.WithQueueSize(cfg.SideChannelQueueSize),
		sidechannel.WithWorkers(cfg.SideChannelWorkers),
		sidechannel.WithMaxAttempts(cfg.SideChannelMaxAttempts),
		sidechannel.WithRetryBase(cfg.SideChannelRetryBase),
		sidechannel.WithLogger(logger),
		sidechannel.WithMetrics(m),
	)

	svc := anamnesis.NewService(store,
		anamnesis.WithPublisher(dispatcher),
		anamnesis.WithMetrics(m),
		anamnesis.WithLogger(logger),
	)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", "X-Request-ID", "X-Clinic-ID", "X-Session-ID"},
		ExposeHeaders: []string{"ETag", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit("1MB"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(store))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	identity := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		identity = auth.DevAuthMiddleware(jwtCfg)
	}

	apiV1 := e.Group("/api/v1", identity, clinicMW, reqctx.Middleware())
	apiV1.GET("/me", auth.WhoAmI)
	anamnesis.NewHandler(svc, logger).RegisterRoutes(apiV1)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("storage", cfg.StorageDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	// Drain queued audit trail events after the last request has finished.
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("audit trail queue not fully drained")
	}
	logger.Info().Msg("server stopped")
	return nil
}
