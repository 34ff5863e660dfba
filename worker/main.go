package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/openterra/stac-indexer/internal/config"
	"github.com/openterra/stac-indexer/internal/elasticsearch"
	"github.com/openterra/stac-indexer/internal/fetch"
	"github.com/openterra/stac-indexer/internal/ingest"
	"github.com/openterra/stac-indexer/internal/logger"
	"github.com/openterra/stac-indexer/internal/stac"
)

type recordNormalizer interface {
	Normalize(ctx context.Context, raw []byte) ([]stac.Record, error)
}

type recordIngester interface {
	Ingest(ctx context.Context, records []stac.Record) error
}

func main() {
	log := logger.New("worker")
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	esClient, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.CollectionsIndex, cfg.ItemsIndex, log)
	if err != nil {
		log.Error("init elasticsearch", slog.Any("err", err))
		os.Exit(1)
	}

	fetcher, err := fetch.New(cfg.AWSRegion, log)
	if err != nil {
		log.Error("init fetcher", slog.Any("err", err))
		os.Exit(1)
	}

	normalizer := ingest.NewNormalizer(fetcher, log)
	pipeline := ingest.NewPipeline(esClient, cfg.CollectionsIndex, cfg.ItemsIndex, cfg.IngestHighWater, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		Topic:          cfg.KafkaTopic,
		GroupID:        cfg.KafkaConsumer,
		MinBytes:       1e3,
		MaxBytes:       10e6,
		CommitInterval: 0, // Disable auto-commit; manual commit only
	})
	defer reader.Close()

	dlqWriter := kafka.NewWriter(kafka.WriterConfig{
		Brokers:     cfg.KafkaBrokers,
		Topic:       cfg.KafkaTopic + "_dlq",
		MaxAttempts: 3,
	})
	defer dlqWriter.Close()

	log.Info("worker started",
		slog.String("topic", cfg.KafkaTopic),
		slog.String("group", cfg.KafkaConsumer),
		slog.String("dlq_topic", cfg.KafkaTopic+"_dlq"),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("context canceled, stopping")
				return
			}
			log.Error("fetch message", slog.Any("err", err))
			continue
		}

		// One id per message so success logs, failure logs and the DLQ
		// record all correlate.
		batchID := uuid.NewString()

		if err := processMessage(ctx, log, normalizer, pipeline, msg, batchID); err != nil {
			log.Warn("process message failed, sending to DLQ",
				slog.Any("err", err),
				slog.String("batch_id", batchID),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
			)

			if !sendToDLQ(ctx, log, dlqWriter, msg, batchID, err) {
				log.Error("DLQ write exhausted retries, skipping commit",
					slog.String("batch_id", batchID),
					slog.Int("partition", msg.Partition),
					slog.Int64("offset", msg.Offset),
				)
				continue
			}
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			log.Error("commit message", slog.Any("err", err))
		}
	}
}

func processMessage(ctx context.Context, log *slog.Logger, normalizer recordNormalizer, pipeline recordIngester, msg kafka.Message, batchID string) error {
	records, err := normalizer.Normalize(ctx, msg.Value)
	if err != nil {
		return fmt.Errorf("normalize: %w", err)
	}

	if err := pipeline.Ingest(ctx, records); err != nil {
		return err
	}

	log.Info("batch ingested",
		slog.String("batch_id", batchID),
		slog.Int("records", len(records)),
	)
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// sendToDLQ routes a failed message to the dead-letter topic with error
// context, retrying with exponential backoff. Returns false when every
// attempt failed.
func sendToDLQ(ctx context.Context, log *slog.Logger, w messageWriter, msg kafka.Message, batchID string, cause error) bool {
	dlqMsg := kafka.Message{
		Value: msg.Value,
		Headers: append(msg.Headers,
			kafka.Header{Key: "batch_id", Value: []byte(batchID)},
			kafka.Header{Key: "original_partition", Value: []byte(fmt.Sprintf("%d", msg.Partition))},
			kafka.Header{Key: "original_offset", Value: []byte(fmt.Sprintf("%d", msg.Offset))},
			kafka.Header{Key: "error", Value: []byte(cause.Error())},
			kafka.Header{Key: "timestamp", Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		),
	}

	for attempt := 0; attempt < 5; attempt++ {
		if err := w.WriteMessages(ctx, dlqMsg); err == nil {
			log.Info("message sent to DLQ",
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.Int("attempt", attempt+1),
			)
			return true
		} else {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			log.Warn("DLQ write failed, retrying",
				slog.Any("err", err),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return false
			}
		}
	}

	return false
}
