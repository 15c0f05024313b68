package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"modelhub/config"
	"modelhub/db"
	"modelhub/engine"
	qhttp "modelhub/http"
	"modelhub/logging"
	"modelhub/ml"
	"modelhub/monitoring"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Close()

	if err := run(cfg, *configPath, logger); err != nil {
		logger.Error("modelhub stopped with error", zap.Error(err))
		logger.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Initialize database
	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("database opened", zap.String("path", cfg.Database.Path))

	var records engine.Store = store
	if cfg.Database.CacheSize > 0 {
		if records, err = db.NewCachedStore(store, cfg.Database.CacheSize); err != nil {
			return err
		}
	}

	registry := ml.DefaultRegistry()
	codec, err := ml.NewCodec(registry, cfg.State.CompressThreshold)
	if err != nil {
		return err
	}
	defer codec.Close()

	metrics := monitoring.NewMetrics()
	hub := monitoring.NewHub(logger.Named("events"), cfg.HTTP.AllowedOrigins)
	metrics.RegisterHub(hub)
	go hub.Run()
	defer hub.Stop()

	eng := engine.New(records, registry, codec,
		engine.WithLogger(logger.Named("engine")),
		engine.WithNotifier(metrics),
		engine.WithNotifier(hub),
	)

	// 3. Start HTTP server
	server := qhttp.NewServer(qhttp.ServerConfig{
		Port:           cfg.HTTP.Port,
		Timeout:        cfg.HTTP.Timeout,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		RateLimit:      cfg.HTTP.RateLimit,
		RateBurst:      cfg.HTTP.RateBurst,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, qhttp.Dependencies{
		Engine:  eng,
		Logger:  logger.Named("http"),
		Metrics: metrics,
		Hub:     hub,
	})
	if err := server.Listen(); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	// 4. Reload the log level when the config file changes
	go func() {
		err := config.Watch(ctx, configPath, logger.Logger, func(next *config.Config) {
			if err := logger.SetLevel(next.Log.Level); err != nil {
				logger.Warn("cannot apply log level", zap.Error(err))
				return
			}
			logger.Info("log level applied", zap.String("level", next.Log.Level))
		})
		if err != nil {
			logger.Warn("config watch disabled", zap.Error(err))
		}
	}()

	// 5. Handle graceful shutdown
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return err
		}
		return errors.New("http server exited")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}
