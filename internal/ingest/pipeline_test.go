package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openterra/stac-indexer/internal/elasticsearch"
	"github.com/openterra/stac-indexer/internal/stac"
)

type stubSink struct {
	flushes     [][]elasticsearch.BulkDirective
	writeErr    error
	failOnFlush int // 1-based flush number to fail on; 0 = use writeErr always
	collections map[string]bool
	existsErr   error
	probes      []string
}

func (s *stubSink) BulkWrite(_ context.Context, directives []elasticsearch.BulkDirective) error {
	batch := make([]elasticsearch.BulkDirective, len(directives))
	copy(batch, directives)
	s.flushes = append(s.flushes, batch)
	if s.failOnFlush > 0 {
		if len(s.flushes) == s.failOnFlush {
			return s.writeErr
		}
		return nil
	}
	return s.writeErr
}

func (s *stubSink) CollectionExists(_ context.Context, id string) (bool, error) {
	s.probes = append(s.probes, id)
	if s.existsErr != nil {
		return false, s.existsErr
	}
	return s.collections[id], nil
}

func item(id, collection string) stac.Record {
	rec := stac.Record{
		"id":       id,
		"geometry": map[string]any{"type": "Point", "coordinates": []any{0.0, 0.0}},
	}
	if collection != "" {
		rec["collection"] = collection
	}
	return rec
}

func collection(id string) stac.Record {
	return stac.Record{"id": id, "extent": map[string]any{}}
}

func TestIngestRoutesAndStrips(t *testing.T) {
	sink := &stubSink{collections: map[string]bool{"landsat-8": true}}
	p := NewPipeline(sink, "collections", "items", 0, nil)

	it := item("scene-001", "landsat-8")
	it["links"] = []any{
		map[string]any{"rel": "self", "href": "x"},
		map[string]any{"rel": "license", "href": "y"},
	}

	err := p.Ingest(context.Background(), []stac.Record{collection("landsat-8"), it})
	require.NoError(t, err)

	require.Len(t, sink.flushes, 1)
	flush := sink.flushes[0]
	require.Len(t, flush, 2)

	require.Equal(t, "collections", flush[0].Index)
	require.Equal(t, "landsat-8", flush[0].ID)
	require.Equal(t, "items", flush[1].Index)
	require.Equal(t, "scene-001", flush[1].ID)

	links := flush[1].Doc["links"].([]any)
	require.Len(t, links, 1)
	require.Equal(t, "license", links[0].(map[string]any)["rel"])

	// The input record keeps its hierarchy links.
	require.Len(t, it["links"], 2)
}

func TestIngestSkipsInertRecords(t *testing.T) {
	sink := &stubSink{}
	p := NewPipeline(sink, "collections", "items", 0, nil)

	err := p.Ingest(context.Background(), []stac.Record{
		{"id": "neither-fish-nor-fowl"},
		{"id": "also-inert"},
	})
	require.NoError(t, err)
	require.Empty(t, sink.flushes)
}

func TestIngestMissingCollection(t *testing.T) {
	sink := &stubSink{collections: map[string]bool{}}
	p := NewPipeline(sink, "collections", "items", 0, nil)

	err := p.Ingest(context.Background(), []stac.Record{item("scene-001", "nope")})
	require.Error(t, err)

	var missing *MissingCollectionError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "nope", missing.Collection)
	require.Equal(t, "scene-001", missing.Item)
	require.Empty(t, sink.flushes)
}

func TestIngestItemWithNullGeometry(t *testing.T) {
	sink := &stubSink{}
	p := NewPipeline(sink, "collections", "items", 0, nil)

	err := p.Ingest(context.Background(), []stac.Record{
		{"id": "scene-null", "geometry": nil},
	})
	require.NoError(t, err)

	require.Len(t, sink.flushes, 1)
	require.Len(t, sink.flushes[0], 1)
	require.Equal(t, "items", sink.flushes[0][0].Index)
	require.Equal(t, "scene-null", sink.flushes[0][0].ID)
}

func TestIngestProducerErrorSuppressesTailFlush(t *testing.T) {
	sink := &stubSink{collections: map[string]bool{}}
	p := NewPipeline(sink, "collections", "items", 0, nil)

	// The collection record is buffered before the failing item is reached;
	// it must not be written once the batch is known to fail.
	err := p.Ingest(context.Background(), []stac.Record{
		collection("a"),
		item("scene-001", "nope"),
	})

	var missing *MissingCollectionError
	require.ErrorAs(t, err, &missing)
	require.Empty(t, sink.flushes)
}

func TestIngestMemoizesCollectionProbe(t *testing.T) {
	sink := &stubSink{collections: map[string]bool{"landsat-8": true}}
	p := NewPipeline(sink, "collections", "items", 0, nil)

	records := []stac.Record{
		item("a", "landsat-8"),
		item("b", "landsat-8"),
		item("c", "landsat-8"),
	}
	require.NoError(t, p.Ingest(context.Background(), records))
	require.Equal(t, []string{"landsat-8"}, sink.probes)
}

func TestIngestFlushesAtHighWater(t *testing.T) {
	sink := &stubSink{}
	p := NewPipeline(sink, "collections", "items", 2, nil)

	records := []stac.Record{
		collection("a"), collection("b"), collection("c"),
		collection("d"), collection("e"),
	}
	require.NoError(t, p.Ingest(context.Background(), records))

	require.Len(t, sink.flushes, 3)
	require.Len(t, sink.flushes[0], 2)
	require.Len(t, sink.flushes[1], 2)
	require.Len(t, sink.flushes[2], 1)

	// Order is preserved across flushes.
	require.Equal(t, "a", sink.flushes[0][0].ID)
	require.Equal(t, "e", sink.flushes[2][0].ID)
}

func TestIngestSinkErrorFailsBatch(t *testing.T) {
	sink := &stubSink{writeErr: errors.New("engine unavailable")}
	p := NewPipeline(sink, "collections", "items", 0, nil)

	err := p.Ingest(context.Background(), []stac.Record{collection("a")})
	require.Error(t, err)
	require.Contains(t, err.Error(), "engine unavailable")
}

func TestIngestMidStreamSinkErrorFailsWholeCall(t *testing.T) {
	sink := &stubSink{writeErr: errors.New("disk full"), failOnFlush: 2}
	p := NewPipeline(sink, "collections", "items", 2, nil)

	records := []stac.Record{
		collection("a"), collection("b"), collection("c"),
		collection("d"), collection("e"),
	}
	err := p.Ingest(context.Background(), records)
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk full")
	// No flush after the failing one.
	require.Len(t, sink.flushes, 2)
}

func TestIngestAmbiguousRecordFails(t *testing.T) {
	sink := &stubSink{}
	p := NewPipeline(sink, "collections", "items", 0, nil)

	err := p.Ingest(context.Background(), []stac.Record{
		{"id": "both", "extent": map[string]any{}, "geometry": map[string]any{}},
	})
	require.ErrorIs(t, err, stac.ErrAmbiguousRecord)
}

func TestIngestProbeErrorFailsBatch(t *testing.T) {
	sink := &stubSink{existsErr: errors.New("timeout")}
	p := NewPipeline(sink, "collections", "items", 0, nil)

	err := p.Ingest(context.Background(), []stac.Record{item("scene-001", "landsat-8")})
	require.Error(t, err)
	require.Contains(t, err.Error(), "timeout")
}

func TestIngestEmptyBatch(t *testing.T) {
	sink := &stubSink{}
	p := NewPipeline(sink, "collections", "items", 0, nil)

	require.NoError(t, p.Ingest(context.Background(), nil))
	require.Empty(t, sink.flushes)
}
