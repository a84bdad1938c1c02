package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/waterlinehq/waterline/api"
	"github.com/waterlinehq/waterline/cfg"
	"github.com/waterlinehq/waterline/coordinator"
	"github.com/waterlinehq/waterline/db"
	"github.com/waterlinehq/waterline/notify"
	"github.com/waterlinehq/waterline/publisher"
	_ "github.com/waterlinehq/waterline/publisher/sink" // Registers nats and kafka sink factories
	"github.com/waterlinehq/waterline/retention"
	"github.com/waterlinehq/waterline/telemetry"
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

	log.Info().Msg("Waterline - Read Marker Tracking & History Retention")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	// Event ordering index and its cached oracle
	log.Info().Msg("Opening event ordering index")
	index, err := db.NewEventIndex(cfg.ResolvePath(cfg.Config.Index.Path))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open event index")
		return
	}
	defer index.Close()

	oracle, err := db.NewCachedOracle(index, cfg.Config.Index.OrderCacheSize, cfg.Config.Index.FastPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build ordering oracle")
		return
	}

	// Marker store
	log.Info().Str("backend", string(cfg.Config.Store.Backend)).Msg("Opening marker store")
	markers, err := db.NewMarkerStore()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open marker store")
		return
	}
	defer markers.Close()

	// In-process marker change fan-out
	hub := notify.NewHub()

	// External sinks
	var registry *publisher.Registry
	if cfg.Config.Publisher.Enabled && len(cfg.Config.Publisher.Sinks) > 0 {
		registry, err = publisher.NewRegistry(publisher.RegistryConfig{
			Hub:         hub,
			Resolver:    oracle,
			NodeID:      cfg.Config.NodeID,
			SinkConfigs: cfg.Config.Publisher.Sinks,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build publisher registry")
			return
		}
		if err := registry.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start publisher workers")
			return
		}
		defer registry.Stop()
	}

	// Retention purge worker
	purger := retention.NewPurger(index, retention.OptionsFromConfig())
	purger.Start()
	defer purger.Stop()

	// Read marker coordinator
	coord := coordinator.NewReadMarkerCoordinator(
		markers,
		oracle,
		hub,
		purger,
		coordinator.NewKeyedSerializer(),
	)

	// HTTP API
	server, err := api.NewServer(api.ServerConfig{
		Coordinator:      coord,
		Markers:          markers,
		Index:            index,
		Oracle:           oracle,
		BindAddress:      cfg.Config.HTTP.BindAddress,
		Port:             cfg.Config.HTTP.Port,
		AuthToken:        cfg.Config.HTTP.AuthToken,
		RetentionEnabled: cfg.Config.Retention.Enabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build HTTP API server")
		return
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Int("http_port", cfg.Config.HTTP.Port).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Waterline started successfully")

	// Wait for shutdown signal or server failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown did not complete cleanly")
	}
}
