package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/openterra/stac-indexer/internal/collcache"
	"github.com/openterra/stac-indexer/internal/elasticsearch"
	"github.com/openterra/stac-indexer/internal/stac"
)

// DefaultHighWater bounds how many directives may be in flight between the
// classifying producer and the bulk-writing consumer.
const DefaultHighWater = 500

// MissingCollectionError aborts a batch when an item references a collection
// that does not exist in the store.
type MissingCollectionError struct {
	Item       string
	Collection string
}

func (e *MissingCollectionError) Error() string {
	return fmt.Sprintf("item %q references missing collection %q", e.Item, e.Collection)
}

// Sink is the bulk-writing side of the pipeline.
type Sink interface {
	BulkWrite(ctx context.Context, directives []elasticsearch.BulkDirective) error
	CollectionExists(ctx context.Context, id string) (bool, error)
}

// Pipeline streams a batch of catalog records through classification and
// link-stripping into the bulk sink. The channel between producer and
// consumer is the backpressure bound: the sink is never asked to hold more
// than highWater pending writes, whatever the input batch size.
type Pipeline struct {
	sink             Sink
	collectionsIndex string
	itemsIndex       string
	highWater        int
	known            *collcache.Cache
	log              *slog.Logger
}

// NewPipeline builds a Pipeline over the sink. highWater <= 0 selects
// DefaultHighWater.
func NewPipeline(sink Sink, collectionsIndex, itemsIndex string, highWater int, logger *slog.Logger) *Pipeline {
	if highWater <= 0 {
		highWater = DefaultHighWater
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{
		sink:             sink,
		collectionsIndex: collectionsIndex,
		itemsIndex:       itemsIndex,
		highWater:        highWater,
		known:            collcache.New(1024, 5*time.Minute),
		log:              logger,
	}
}

// Ingest writes one batch of records. It resolves only after the sink has
// confirmed every flush; any sink or classification error fails the whole
// call. Per-record order is preserved within the batch.
func (p *Pipeline) Ingest(ctx context.Context, records []stac.Record) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	directives := make(chan elasticsearch.BulkDirective, p.highWater)
	prodErr := make(chan error, 1)

	go func() {
		defer close(directives)
		prodErr <- p.produce(ctx, records, directives)
	}()

	var flushErr error
	batch := make([]elasticsearch.BulkDirective, 0, p.highWater)
	for d := range directives {
		if flushErr != nil {
			continue // drain so the producer can exit
		}
		batch = append(batch, d)
		if len(batch) >= p.highWater {
			if err := p.sink.BulkWrite(ctx, batch); err != nil {
				flushErr = err
				cancel()
				continue
			}
			batch = batch[:0]
		}
	}
	// The directives channel is closed, so the producer has finished and its
	// verdict is buffered. A producer failure fails the whole batch: records
	// still buffered at that point must never reach the sink.
	perr := <-prodErr
	if perr == nil && flushErr == nil && len(batch) > 0 {
		flushErr = p.sink.BulkWrite(ctx, batch)
	}

	if flushErr != nil {
		return fmt.Errorf("ingest: %w", flushErr)
	}
	if perr != nil {
		return fmt.Errorf("ingest: %w", perr)
	}
	return nil
}

func (p *Pipeline) produce(ctx context.Context, records []stac.Record, out chan<- elasticsearch.BulkDirective) error {
	skipped := 0
	for i, rec := range records {
		kind, err := stac.Classify(rec)
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}

		var index string
		switch kind {
		case stac.KindNone:
			skipped++
			p.log.Warn("skipping untyped record",
				slog.Int("position", i), slog.String("id", rec.ID()))
			continue
		case stac.KindCollection:
			index = p.collectionsIndex
		case stac.KindItem:
			if err := stac.ValidateGeometry(rec); err != nil {
				return fmt.Errorf("record %d (%s): %w", i, rec.ID(), err)
			}
			if err := p.checkCollection(ctx, rec); err != nil {
				return err
			}
			index = p.itemsIndex
		}

		d := elasticsearch.BulkDirective{
			Index: index,
			ID:    rec.ID(),
			Doc:   stac.StripLinks(rec),
		}

		select {
		case out <- d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if skipped > 0 {
		p.log.Info("untyped records skipped", slog.Int("count", skipped))
	}
	return nil
}

// checkCollection is a best-effort existence probe, memoized so one batch of
// items in the same collection costs a single round trip. An item with no
// collection field declares no parent and passes unchecked.
func (p *Pipeline) checkCollection(ctx context.Context, rec stac.Record) error {
	cid := rec.Collection()
	if cid == "" {
		return nil
	}
	if p.known.IsKnown(cid) {
		return nil
	}

	exists, err := p.sink.CollectionExists(ctx, cid)
	if err != nil {
		return fmt.Errorf("check collection %q: %w", cid, err)
	}
	if !exists {
		return &MissingCollectionError{Item: rec.ID(), Collection: cid}
	}

	p.known.MarkKnown(cid)
	return nil
}
