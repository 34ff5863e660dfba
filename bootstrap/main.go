package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openterra/stac-indexer/internal/config"
	"github.com/openterra/stac-indexer/internal/elasticsearch"
	"github.com/openterra/stac-indexer/internal/logger"
)

// bootstrap ensures the collections and items indices exist with their
// mappings, then exits. It is safe to run on every deploy; creation is
// idempotent.
func main() {
	log := logger.New("bootstrap")
	cfg, err := config.LoadBootstrap()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	esClient, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.CollectionsIndex, cfg.ItemsIndex, log)
	if err != nil {
		log.Error("init elasticsearch", slog.Any("err", err))
		os.Exit(1)
	}

	// The cluster may still be coming up when this job runs; retry the
	// ping with backoff before giving up.
	retryDelay := 2 * time.Second
	connected := false
	for i := 0; i < cfg.ConnectRetries; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pingErr := esClient.Ping(pingCtx)
		cancel()

		if pingErr == nil {
			connected = true
			break
		}

		log.Warn("elasticsearch ping failed, retrying",
			slog.Any("err", pingErr),
			slog.Int("attempt", i+1),
			slog.Int("max_retries", cfg.ConnectRetries),
			slog.Duration("retry_in", retryDelay),
		)

		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			log.Info("shutdown signal received during startup")
			os.Exit(0)
		}
		retryDelay *= 2
		if retryDelay > 30*time.Second {
			retryDelay = 30 * time.Second
		}
	}

	if !connected {
		log.Error("failed to connect to elasticsearch after retries")
		os.Exit(1)
	}

	log.Info("connected to elasticsearch")

	for _, index := range []string{cfg.CollectionsIndex, cfg.ItemsIndex} {
		subCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := esClient.EnsureIndex(subCtx, index)
		cancel()
		if err != nil {
			log.Error("ensure index", slog.String("index", index), slog.Any("err", err))
			os.Exit(1)
		}
	}

	log.Info("indices ready",
		slog.String("collections", cfg.CollectionsIndex),
		slog.String("items", cfg.ItemsIndex),
	)
}
