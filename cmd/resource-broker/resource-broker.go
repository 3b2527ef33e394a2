package main

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/diwise/resource-broker/internal/pkg/application/broker"
	"github.com/diwise/resource-broker/internal/pkg/application/docs"
	"github.com/diwise/resource-broker/internal/pkg/application/metrics"
	"github.com/diwise/resource-broker/internal/pkg/application/registry"
	"github.com/diwise/resource-broker/internal/pkg/application/subscriptions"
	"github.com/diwise/resource-broker/internal/pkg/infrastructure/router"
	"github.com/diwise/resource-broker/internal/pkg/infrastructure/storage"
	"github.com/diwise/resource-broker/internal/pkg/infrastructure/storage/memory"
	"github.com/diwise/resource-broker/internal/pkg/infrastructure/storage/postgres"
	"github.com/diwise/resource-broker/internal/pkg/presentation/api"
)

const serviceName = "resource-broker"
const serviceVersion = "0.0.1"

func main() {
	logger := log.With().Str("service", strings.ToLower(serviceName)).Logger()
	logger.Info().Msg("starting up ...")

	ctx := context.Background()

	cfg := loadConfig(logger)

	reg, err := registry.New(registeredEntities()...)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build entity registry")
	}

	store := connectStorage(ctx, cfg, logger)
	defer store.Close()

	recorder := metrics.NewRecorder(store,
		time.Duration(cfg.Metrics.SlowQueryThresholdMS)*time.Millisecond,
		logger)
	defer recorder.Stop()

	var notifier subscriptions.Notifier
	if cfg.Notifier.Endpoint != "" {
		notifier, _ = subscriptions.NewNotifier(ctx, cfg.Notifier.Endpoint, logger)
		notifier.Start()
		defer notifier.Stop()
	}

	app := broker.New(reg, store, broker.Config{
		MaxPerPage: cfg.Pagination.MaxPerPage,
		Notifier:   notifier,
		Recorder:   recorder,
		Logger:     logger,
	})

	doc := docs.Generate(reg, serviceName, serviceVersion, logger)

	r := router.New(serviceName)
	if err := api.RegisterHandlers(r, app, doc, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to register handlers")
	}

	port := os.Getenv("SERVICE_PORT")
	if port == "" {
		port = cfg.Server.Port
	}
	if port == "" {
		port = "8080"
	}

	logger.Info().Str("port", port).Msg("starting to listen for connections")

	err = http.ListenAndServe(":"+port, r)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to listen for connections")
	}
}

func loadConfig(logger zerolog.Logger) *Config {
	path := os.Getenv("RESOURCE_BROKER_CONFIG")
	if path == "" {
		return &Config{}
	}

	f, err := os.Open(path)
	if err != nil {
		logger.Fatal().Err(err).Str("path", path).Msg("failed to open configuration file")
	}
	defer f.Close()

	cfg, err := LoadConfiguration(f)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse configuration file")
	}

	return cfg
}

func connectStorage(ctx context.Context, cfg *Config, logger zerolog.Logger) storage.Store {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		url = cfg.Storage.URL
	}

	if cfg.Storage.Driver == "postgres" || url != "" {
		store, err := postgres.Connect(ctx, url)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		return store
	}

	logger.Info().Msg("no database configured, using the in-memory storage engine")
	return memory.New()
}
