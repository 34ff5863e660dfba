package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/openterra/stac-indexer/internal/stac"
)

type stubNormalizer struct {
	records []stac.Record
	err     error
	raw     []byte
}

func (s *stubNormalizer) Normalize(_ context.Context, raw []byte) ([]stac.Record, error) {
	s.raw = raw
	return s.records, s.err
}

type stubIngester struct {
	batches [][]stac.Record
	err     error
}

func (s *stubIngester) Ingest(_ context.Context, records []stac.Record) error {
	s.batches = append(s.batches, records)
	return s.err
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProcessMessageIngestsBatch(t *testing.T) {
	normalizer := &stubNormalizer{
		records: []stac.Record{
			{"id": "scene-001", "geometry": map[string]any{}},
			{"id": "landsat-8", "extent": map[string]any{}},
		},
	}
	ingester := &stubIngester{}

	msg := kafka.Message{Value: []byte(`{"Records":[]}`)}
	err := processMessage(context.Background(), discard(), normalizer, ingester, msg, "batch-1")
	require.NoError(t, err)

	require.Equal(t, msg.Value, normalizer.raw)
	require.Len(t, ingester.batches, 1)
	require.Len(t, ingester.batches[0], 2)
}

func TestProcessMessageNormalizeFailure(t *testing.T) {
	normalizer := &stubNormalizer{err: errors.New("bad envelope")}
	ingester := &stubIngester{}

	err := processMessage(context.Background(), discard(), normalizer, ingester, kafka.Message{Value: []byte(`{}`)}, "batch-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad envelope")
	require.Empty(t, ingester.batches)
}

func TestProcessMessageIngestFailure(t *testing.T) {
	normalizer := &stubNormalizer{records: []stac.Record{{"id": "x", "geometry": map[string]any{}}}}
	ingester := &stubIngester{err: errors.New("sink down")}

	err := processMessage(context.Background(), discard(), normalizer, ingester, kafka.Message{Value: []byte(`{}`)}, "batch-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "sink down")
}

type stubWriter struct {
	messages []kafka.Message
	err      error
}

func (s *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	s.messages = append(s.messages, msgs...)
	return s.err
}

func TestSendToDLQTagsBatch(t *testing.T) {
	writer := &stubWriter{}
	msg := kafka.Message{Value: []byte(`{}`), Partition: 3, Offset: 42}

	ok := sendToDLQ(context.Background(), discard(), writer, msg, "batch-7", errors.New("sink down"))
	require.True(t, ok)
	require.Len(t, writer.messages, 1)

	headers := map[string]string{}
	for _, h := range writer.messages[0].Headers {
		headers[h.Key] = string(h.Value)
	}
	require.Equal(t, "batch-7", headers["batch_id"])
	require.Equal(t, "3", headers["original_partition"])
	require.Equal(t, "42", headers["original_offset"])
	require.Equal(t, "sink down", headers["error"])
}
