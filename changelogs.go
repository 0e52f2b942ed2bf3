package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"changelogs/admin"
	"changelogs/cfg"
	"changelogs/db"
	"changelogs/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Changelogs - Audited SQLite Change Capture")

	if cfg.Config.Prometheus.Enabled {
		telemetry.Initialize(cfg.Config.NodeID)
		telemetry.InitMetrics()
	}

	log.Info().Msg("Initializing database manager")
	manager, err := db.NewManager(cfg.Config.Database, db.Options{
		LogBackend:            cfg.Config.Capture.LogBackend,
		PebbleDir:             cfg.PebbleLogDir(),
		Granularity:           cfg.Config.Capture.Granularity,
		PayloadThresholdBytes: cfg.Config.Capture.PayloadThresholdBytes,
		BusyTimeoutMS:         cfg.Config.Capture.BusyTimeoutMS,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database manager")
		return
	}
	defer manager.Close()

	var adminServer *http.Server
	if cfg.Config.Admin.Enabled {
		mux := http.NewServeMux()
		admin.RegisterRoutes(mux, admin.NewHandlers(manager.Registry(), manager.Logs()), cfg.Config.Admin.AuthToken)
		if handler := telemetry.GetMetricsHandler(); handler != nil {
			mux.Handle("/metrics", handler)
		}

		adminServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port),
			Handler: mux,
		}
		go func() {
			log.Info().Str("addr", adminServer.Addr).Msg("Admin API listening")
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("Admin API failed")
			}
		}()
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("database", cfg.Config.Database).
		Str("log_backend", cfg.Config.Capture.LogBackend).
		Msg("Node is operational")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down")
	if adminServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminServer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Admin API shutdown failed")
		}
		cancel()
	}
}
