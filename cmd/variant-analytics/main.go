package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/variantgroup/variant-analytics/internal/config"
	"github.com/variantgroup/variant-analytics/internal/datacache"
	"github.com/variantgroup/variant-analytics/internal/logging"
	"github.com/variantgroup/variant-analytics/internal/metrics"
	"github.com/variantgroup/variant-analytics/internal/objectstore"
	"github.com/variantgroup/variant-analytics/internal/secrets"
	"github.com/variantgroup/variant-analytics/internal/server"
	"github.com/variantgroup/variant-analytics/internal/session"
	"github.com/variantgroup/variant-analytics/internal/userstore"
	"github.com/variantgroup/variant-analytics/internal/warehouse"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "variant-analytics",
		Short: "Variant analytics backend",
		Long:  `Backend for the Variant analytics dashboards: warehouse-backed datasets behind a tiered cache, with object-storage-backed users and sessions`,
		RunE:  run,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.Flags().String("listen", "", "listen address override")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(usersCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
		"num_cpu": runtime.NumCPU(),
	}).Info("Starting analytics backend")

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Sentry.Enabled {
		if err := initSentry(cfg); err != nil {
			logrus.WithError(err).Error("Failed to initialize Sentry")
			// Don't fail startup if Sentry init fails
		} else {
			defer sentry.Flush(2 * time.Second)
			logrus.AddHook(logging.NewSentryHook(nil))
			if cfg.Sentry.Debug {
				logrus.AddHook(logging.NewBreadcrumbHook(nil))
			}
			logrus.Info("Sentry initialized successfully")
		}
	}

	if listenAddr, _ := cmd.Flags().GetString("listen"); listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}

	logrus.WithFields(logrus.Fields{
		"storage_provider": cfg.Storage.Provider,
		"warehouse_driver": cfg.Warehouse.Driver,
		"listen_addr":      cfg.Server.Listen,
		"datasets":         len(cfg.Cache.Datasets),
	}).Info("Configuration loaded")

	m := metrics.New(cfg.Metrics.Namespace)

	store, err := objectstore.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to create object store: %w", err)
	}
	store = objectstore.Instrument(store, m)

	wh, err := warehouse.NewSQLGateway(cfg.Warehouse)
	if err != nil {
		return fmt.Errorf("failed to connect to warehouse: %w", err)
	}
	defer func() { _ = wh.Close() }()
	cache := datacache.New(store, wh, cfg.Cache.DataPrefix, cfg.Cache.DefaultMaxAge, m)
	users := userstore.New(store, cfg.Users)
	sessionMgr := session.NewManager(store, cfg.Session)

	cookieSecret, err := secrets.CookieSecret(cfg)
	if err != nil {
		return fmt.Errorf("failed to resolve cookie secret: %w", err)
	}

	handler := server.New(cfg, cache, users, sessionMgr, cookieSecret, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Session.ReaperInterval > 0 {
		go sessionMgr.RunReaper(ctx, cfg.Session.ReaperInterval)
		logrus.WithField("interval", cfg.Session.ReaperInterval).Info("Session reaper enabled")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 2 * time.Second,

		ConnState: func(conn net.Conn, state http.ConnState) {
			if state == http.StateNew {
				if tcpConn, ok := conn.(*net.TCPConn); ok {
					_ = tcpConn.SetNoDelay(true)
					_ = tcpConn.SetKeepAlive(true)
					_ = tcpConn.SetKeepAlivePeriod(30 * time.Second)
				}
			}
		},
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sig
		logrus.Info("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Error("Failed to shutdown server gracefully")
		}
		cancel()
	}()

	logrus.WithField("addr", cfg.Server.Listen).Info("Server listening")
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-ctx.Done()
	logrus.Info("Server stopped")
	return nil
}

func initSentry(cfg *config.Config) error {
	return sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.Sentry.DSN,
		Environment:      cfg.Sentry.Environment,
		Release:          fmt.Sprintf("variant-analytics@%s", version),
		SampleRate:       cfg.Sentry.SampleRate,
		TracesSampleRate: cfg.Sentry.TracesSampleRate,
		AttachStacktrace: true,
		Debug:            cfg.Sentry.Debug,
		Tags: map[string]string{
			"server.version": version,
			"server.commit":  commit,
		},
	})
}
