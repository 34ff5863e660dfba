package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/openterra/stac-indexer/internal/stac"
)

// ErrBadPayload marks an event payload that could not be decoded.
var ErrBadPayload = errors.New("malformed event payload")

// RecordFetcher dereferences by-reference records.
type RecordFetcher interface {
	Fetch(ctx context.Context, href string) (stac.Record, error)
}

// Normalizer resolves a raw event payload into the catalog records it
// carries. Three shapes are accepted: a single record, a queue batch
// envelope, and (inside a batch) notification-wrapped message bodies. A
// payload reduced to an {href} pointer is dereferenced.
type Normalizer struct {
	fetch RecordFetcher
	log   *slog.Logger
}

// NewNormalizer builds a Normalizer around the given fetcher.
func NewNormalizer(fetcher RecordFetcher, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Normalizer{fetch: fetcher, log: logger}
}

type queueEnvelope struct {
	Records []queueMessage `json:"Records"`
}

type queueMessage struct {
	Body string `json:"body"`
}

type notification struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// Normalize returns the records in input order. A dereference failure on any
// one record aborts the whole batch; there is no partial recovery here.
func (n *Normalizer) Normalize(ctx context.Context, raw []byte) ([]stac.Record, error) {
	var env queueEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Records) > 0 {
		out := make([]stac.Record, 0, len(env.Records))
		for i, msg := range env.Records {
			rec, err := n.resolveBody(ctx, []byte(msg.Body))
			if err != nil {
				return nil, fmt.Errorf("message %d: %w", i, err)
			}
			out = append(out, rec)
		}
		n.log.Debug("normalized queue batch", slog.Int("records", len(out)))
		return out, nil
	}

	rec, err := n.resolvePayload(ctx, raw)
	if err != nil {
		return nil, err
	}
	return []stac.Record{rec}, nil
}

// resolveBody unwraps a notification envelope before resolving the payload.
func (n *Normalizer) resolveBody(ctx context.Context, raw []byte) (stac.Record, error) {
	var note notification
	if err := json.Unmarshal(raw, &note); err == nil && note.Type != "" && note.Message != "" {
		raw = []byte(note.Message)
	}
	return n.resolvePayload(ctx, raw)
}

func (n *Normalizer) resolvePayload(ctx context.Context, raw []byte) (stac.Record, error) {
	var rec stac.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadPayload, err)
	}

	if href, ok := rec["href"].(string); ok && href != "" {
		fetched, err := n.fetch.Fetch(ctx, href)
		if err != nil {
			return nil, err
		}
		return fetched, nil
	}

	return rec, nil
}
