package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/stripe/stripe-go/v82"
	"golang.org/x/sync/errgroup"

	"crmlicense.app/licensing/handlers"
	"crmlicense.app/licensing/internal/config"
	"crmlicense.app/licensing/internal/email"
	"crmlicense.app/licensing/internal/logger"
	"crmlicense.app/licensing/internal/metrics"
	"crmlicense.app/licensing/internal/version"
	"crmlicense.app/licensing/storage"
)

const shutdownTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:           "licensed",
	Short:         "CRM license server and enforcement tooling",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the license validation API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "licensed %s\n", version.Version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, sweepCmd, importCmd, checkCmd, versionCmd)
}

func main() {
	rootCmd.Version = version.Load("VERSION")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadServerConfig reads the server configuration and applies the logging
// settings it carries.
func loadServerConfig() (*config.Config, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	logger.SetOutput(os.Stderr, cfg.LogFormat)
	return cfg, nil
}

func openStorage(cfg *config.Config) (*storage.SQLiteStorage, error) {
	store, err := storage.NewSQLiteStorage(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func runServer(ctx context.Context) error {
	cfg, err := loadServerConfig()
	if err != nil {
		return err
	}

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Release:          version.Version,
			TracesSampleRate: 1.0,
		})
		if err != nil {
			return fmt.Errorf("sentry.Init: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if cfg.StripeSecret != "" {
		stripe.Key = cfg.StripeSecret
	}

	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	seeded, err := storage.SeedModules(ctx, store)
	if err != nil {
		return fmt.Errorf("seed module catalog: %w", err)
	}
	if seeded > 0 {
		logger.Info("Seeded module catalog", map[string]interface{}{"modules": seeded})
	}

	var mailer email.Sender = email.NopSender{}
	if cfg.EmailEnabled() {
		mailer = email.NewSMTPSender(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
		})
	} else {
		logger.Warn("SMTP not configured: license emails are disabled")
	}

	srv := handlers.NewHttpServer(store, handlers.Options{
		Version:             version.Version,
		AdminToken:          cfg.AdminToken,
		StripeWebhookSecret: cfg.StripeWebhookSecret,
		CORSOrigins:         cfg.CORSOrigins,
		RateLimit:           cfg.RateLimit,
		RateWindow:          cfg.RateWindow,
		Mailer:              mailer,
		Metrics:             metrics.Default(),
		Gatherer:            prometheus.DefaultGatherer,
	})
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN not set: admin API disabled")
	}
	if !cfg.StripeEnabled() {
		logger.Warn("Stripe webhook secret not set: checkout webhooks disabled")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("License server starting", map[string]interface{}{
			"version": version.Version,
			"port":    cfg.Port,
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return srv.Registry.RunSweeper(gctx, cfg.SweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("License server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
