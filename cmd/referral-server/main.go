package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/referral/referral/internal/config"
	"github.com/referral/referral/internal/domain/lab"
	"github.com/referral/referral/internal/domain/notification"
	"github.com/referral/referral/internal/domain/push"
	"github.com/referral/referral/internal/domain/sample"
	"github.com/referral/referral/internal/domain/shipment"
	"github.com/referral/referral/internal/platform/auth"
	"github.com/referral/referral/internal/platform/db"
	"github.com/referral/referral/internal/platform/middleware"
	"github.com/referral/referral/internal/platform/notify"
	"github.com/referral/referral/internal/platform/queue"
	"github.com/referral/referral/internal/platform/workflow"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "referral-server",
		Short: "Sample referral exchange server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the referral API server",
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

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

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
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Repositories and platform services
	events := workflow.NewEventRepoPG(pool)
	records := notify.NewRecordStorePG(pool)
	client := notify.NewClient(notify.Config{
		LabCode: cfg.LabCode,
		Timeout: time.Duration(cfg.NotifyTimeoutSeconds) * time.Second,
	}, records, logger)

	labSvc := lab.NewService(lab.NewRepoPG(pool))
	sampleSvc := sample.NewService(sample.NewRepoPG(pool), events, labSvc, client, logger)

	queueRepo := queue.NewRepoPG(pool)
	bridge := queue.NewBridge(queue.Config{
		Enabled: cfg.QueueEnabled,
		Delay:   time.Duration(cfg.QueueDelaySeconds) * time.Second,
	}, queueRepo, logger)

	shipmentSvc := shipment.NewService(shipment.Config{
		LabCode:            cfg.LabCode,
		AllowManualInbound: cfg.AllowManualInbound,
	}, shipment.NewRepoPG(pool), events, labSvc, sampleSvc, client, bridge, logger)
	sampleSvc.SetOriginResolver(shipmentSvc)

	// Partner push endpoint, gated by basic auth rather than bearer tokens.
	consumer := push.NewConsumer(labSvc, sampleSvc, shipmentSvc, logger)
	pushGroup := e.Group("", auth.PushBasicAuth(cfg.PushUsername, cfg.PushPassword))
	push.NewHandler(consumer).RegisterRoutes(pushGroup)

	// Admin API
	apiV1 := e.Group("/api/v1")
	if cfg.ResolvedAuthMode() == "development" {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}

	lab.NewHandler(labSvc).RegisterRoutes(apiV1)
	sample.NewHandler(sampleSvc).RegisterRoutes(apiV1)
	shipment.NewHandler(shipmentSvc).RegisterRoutes(apiV1)
	notification.NewHandler(client, records, labSvc).RegisterRoutes(apiV1)
	queue.NewHandler(queueRepo).RegisterRoutes(apiV1)

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Background queue worker
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	worker := queue.NewWorker(queueRepo, 15*time.Second, cfg.QueueChunkSize, logger)
	worker.Register(shipment.QueueActionReceiveSamples, shipmentSvc.ProcessQueuedReception)
	go worker.Start(workerCtx)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("lab_code", cfg.LabCode).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stopWorker()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
