package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Common contains parameters shared by every service.
type Common struct {
	ElasticsearchAddr string
	CollectionsIndex  string
	ItemsIndex        string
	IngestHighWater   int
	AWSRegion         string
}

// Worker holds configuration for the queue -> Elasticsearch worker.
type Worker struct {
	Common
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaConsumer string
}

// API describes HTTP-layer configuration.
type API struct {
	Common
	BindAddr     string
	DefaultLimit int
	MaxLimit     int
}

// Bootstrap configures the deploy-time index setup job.
type Bootstrap struct {
	Common
	ConnectRetries int
}

func loadCommon() (Common, error) {
	c := Common{
		ElasticsearchAddr: getEnv("ELASTICSEARCH_ADDR", "http://elasticsearch:9200"),
		CollectionsIndex:  getEnv("COLLECTIONS_INDEX", "collections"),
		ItemsIndex:        getEnv("ITEMS_INDEX", "items"),
		IngestHighWater:   getInt("INGEST_HIGH_WATER", 500),
		AWSRegion:         getEnv("AWS_REGION", "us-east-1"),
	}

	if c.IngestHighWater <= 0 {
		return c, fmt.Errorf("INGEST_HIGH_WATER must be positive")
	}
	if c.CollectionsIndex == c.ItemsIndex {
		return c, fmt.Errorf("COLLECTIONS_INDEX and ITEMS_INDEX must differ")
	}

	return c, nil
}

// LoadWorker builds a Worker config from environment variables.
func LoadWorker() (*Worker, error) {
	common, err := loadCommon()
	if err != nil {
		return nil, err
	}

	c := &Worker{
		Common:        common,
		KafkaBrokers:  splitAndTrim(getEnv("KAFKA_BROKERS", "kafka:9092")),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "stac_records"),
		KafkaConsumer: getEnv("KAFKA_CONSUMER_GROUP", "stac-indexer"),
	}

	if len(c.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS must contain at least one broker")
	}

	return c, nil
}

// LoadAPI builds an API config from environment variables.
func LoadAPI() (*API, error) {
	common, err := loadCommon()
	if err != nil {
		return nil, err
	}

	c := &API{
		Common:       common,
		BindAddr:     getEnv("API_BIND_ADDR", "0.0.0.0:8080"),
		DefaultLimit: getInt("API_PAGE_SIZE", 10),
		MaxLimit:     getInt("API_MAX_PAGE_SIZE", 100),
	}

	if c.DefaultLimit <= 0 {
		return nil, fmt.Errorf("API_PAGE_SIZE must be positive")
	}
	if c.MaxLimit <= 0 {
		return nil, fmt.Errorf("API_MAX_PAGE_SIZE must be positive")
	}
	if c.DefaultLimit > c.MaxLimit {
		return nil, fmt.Errorf("API_PAGE_SIZE cannot exceed API_MAX_PAGE_SIZE")
	}

	return c, nil
}

// LoadBootstrap builds a Bootstrap config from environment variables.
func LoadBootstrap() (*Bootstrap, error) {
	common, err := loadCommon()
	if err != nil {
		return nil, err
	}

	c := &Bootstrap{
		Common:         common,
		ConnectRetries: getInt("BOOTSTRAP_CONNECT_RETRIES", 10),
	}

	if c.ConnectRetries <= 0 {
		return nil, fmt.Errorf("BOOTSTRAP_CONNECT_RETRIES must be positive")
	}

	return c, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
