package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/booking/internal/config"
	"github.com/clinic/booking/internal/domain/scheduling"
	"github.com/clinic/booking/internal/platform/auth"
	"github.com/clinic/booking/internal/platform/db"
	"github.com/clinic/booking/internal/platform/metrics"
	"github.com/clinic/booking/internal/platform/middleware"
	"github.com/clinic/booking/internal/platform/telemetry"
	"github.com/clinic/booking/migrations"
)

const (
	serviceName = "booking-server"
	version     = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Clinic appointment scheduling and booking server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(slotsCmd())
	rootCmd.AddCommand(doctorsCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level()).With().Str("service", serviceName).Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the booking API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(fn func(m *db.Migrator) error) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for migrations")
		}
		m, err := db.NewMigrator(cfg.DatabaseURL, migrations.FS)
		if err != nil {
			return err
		}
		defer m.Close()
		return fn(m)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *db.Migrator) error {
				if err := m.Up(); err != nil {
					return err
				}
				fmt.Println("Migrations applied.")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *db.Migrator) error {
				if err := m.Down(); err != nil {
					return err
				}
				fmt.Println("Rolled back one migration.")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *db.Migrator) error {
				v, dirty, err := m.Version()
				if err != nil {
					return err
				}
				fmt.Printf("version %d (dirty: %t)\n", v, dirty)
				return nil
			})
		},
	})

	return cmd
}

func slotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Print the available slots for a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			date, _ := cmd.Flags().GetString("date")
			doctor, _ := cmd.Flags().GetString("doctor")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			st, err := openStores(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			var doctorID *uuid.UUID
			if doctor != "" {
				id, err := uuid.Parse(doctor)
				if err != nil {
					return fmt.Errorf("invalid --doctor: %w", err)
				}
				doctorID = &id
			}

			svc := scheduling.NewService(st.appointments, st.configs, st.doctors, scheduling.WithLogger(logger))
			avail, err := svc.GetAvailableSlots(ctx, date, doctorID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(avail)
		},
	}
	cmd.Flags().String("date", time.Now().Format("2006-01-02"), "Date to inspect (YYYY-MM-DD)")
	cmd.Flags().String("doctor", "", "Restrict to one doctor id")
	return cmd
}

func doctorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctors",
		Short: "Manage the doctor directory",
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Register or update a doctor",
		RunE: func(cmd *cobra.Command, args []string) error {
			idStr, _ := cmd.Flags().GetString("id")
			name, _ := cmd.Flags().GetString("name")
			inactive, _ := cmd.Flags().GetBool("inactive")

			id := uuid.New()
			if idStr != "" {
				var err error
				if id, err = uuid.Parse(idStr); err != nil {
					return fmt.Errorf("invalid --id: %w", err)
				}
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required to manage doctors")
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := scheduling.NewDoctorDirectoryPG(pool).Upsert(ctx, id, name, !inactive); err != nil {
				return err
			}
			fmt.Println(id.String())
			return nil
		},
	}
	addCmd.Flags().String("id", "", "Doctor id (generated when empty)")
	addCmd.Flags().String("name", "", "Doctor display name")
	addCmd.Flags().Bool("inactive", false, "Register the doctor as not accepting appointments")
	cmd.AddCommand(addCmd)

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, _ := cmd.Flags().GetString("sub")
			roles, _ := cmd.Flags().GetStringSlice("role")
			patient, _ := cmd.Flags().GetString("patient")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuthSigningKey == "" {
				return errors.New("AUTH_SIGNING_KEY is required to issue tokens")
			}
			token, err := auth.IssueToken(jwtConfig(cfg), sub, roles, patient, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("sub", "dev-user", "Token subject")
	cmd.Flags().StringSlice("role", []string{"staff"}, "Roles to grant")
	cmd.Flags().String("patient", "", "Patient id for the patient role")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
}

// stores bundles the repositories selected by STORAGE and CONFIG_STORE with
// the handles that must be closed on shutdown.
type stores struct {
	appointments scheduling.AppointmentRepository
	configs      scheduling.ConfigStore
	doctors      scheduling.DoctorDirectory

	pool  *pgxpool.Pool
	redis *redis.Client
	deps  map[string]db.Pinger
}

func (s *stores) Close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	st := &stores{deps: make(map[string]db.Pinger)}

	if cfg.NeedsPostgres() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		st.pool = pool
		st.deps["postgres"] = pool
		logger.Info().Msg("connected to database")
	}

	var appts scheduling.AppointmentRepository
	switch cfg.Storage {
	case config.StoragePostgres:
		appts = scheduling.NewAppointmentRepoPG(st.pool)
		st.doctors = scheduling.NewDoctorDirectoryPG(st.pool)
	default:
		appts = scheduling.NewMemoryAppointmentRepo()
		st.doctors = scheduling.NewMemoryDoctorDirectory(true)
		logger.Warn().Msg("appointments are kept in memory and lost on restart")
	}
	guard := func(name string) scheduling.GuardSettings {
		return scheduling.GuardSettings{
			Name:        name,
			CallTimeout: cfg.RepoTimeout,
			MaxFailures: cfg.BreakerMaxFailures,
			OpenTimeout: cfg.BreakerOpenTimeout,
		}
	}
	st.appointments = scheduling.NewGuardedRepository(appts, guard("appointments"), logger)
	st.doctors = scheduling.NewGuardedDoctorDirectory(st.doctors, guard("doctors"), logger)

	switch cfg.ConfigStore {
	case config.StoragePostgres:
		st.configs = scheduling.NewConfigStorePG(st.pool)
	case config.StorageRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		st.redis = redis.NewClient(opts)
		rs := scheduling.NewRedisConfigStore(st.redis)
		st.configs = rs
		st.deps["redis"] = rs
	default:
		st.configs = scheduling.NewMemoryConfigStore()
	}
	st.configs = scheduling.NewGuardedConfigStore(st.configs, guard("schedule_config"), logger)
	return st, nil
}

// newServer assembles the echo instance. It is split from runServer so the
// routing and middleware stack can be exercised without a listener.
func newServer(cfg *config.Config, st *stores, reg *prometheus.Registry, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(echomw.Secure())

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtConfig(cfg)))
	} else {
		e.Use(auth.JWTMiddleware(jwtConfig(cfg)))
	}

	e.GET("/health", db.HealthHandler(st.pool, st.deps))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler(reg)))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1",
		middleware.RateLimit(rateLimitCfg, func(c echo.Context) string {
			return auth.UserIDFromContext(c.Request().Context())
		}),
		middleware.RequestTimeout(cfg.RequestTimeout),
	)

	svc := scheduling.NewService(st.appointments, st.configs, st.doctors,
		scheduling.WithLogger(logger),
		scheduling.WithMetrics(metrics.NewBookingMetrics(reg)),
	)
	scheduling.NewHandler(svc).RegisterRoutes(apiV1)

	return e
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	ctx := context.Background()

	// Tracing
	tp, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise tracing")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Error().Err(err).Msg("tracer shutdown failed")
		}
	}()

	// Storage
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open storage")
	}
	defer st.Close()

	e := newServer(cfg, st, newRegistry(), logger)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("storage", cfg.Storage).Str("config_store", cfg.ConfigStore).
			Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info().Str("signal", sig.String()).Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
