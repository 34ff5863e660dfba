package stac

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// Record is a raw catalog record as delivered by an event source. Items and
// collections share this shape; the variant is decided by Classify.
type Record map[string]any

// Kind is the record variant, decided once at ingest entry.
type Kind int

const (
	// KindNone marks a record that is neither an item nor a collection.
	// Such records are skipped during ingest, not rejected.
	KindNone Kind = iota
	KindCollection
	KindItem
)

func (k Kind) String() string {
	switch k {
	case KindCollection:
		return "collection"
	case KindItem:
		return "item"
	default:
		return "none"
	}
}

var (
	ErrAmbiguousRecord = errors.New("record carries both extent and geometry")
	ErrMissingID       = errors.New("record has no id")
)

// hierarchyRels are link relations that describe catalog structure. They are
// stripped before indexing because stored hrefs go stale as soon as the
// catalog is re-rooted.
var hierarchyRels = map[string]struct{}{
	"self":       {},
	"root":       {},
	"parent":     {},
	"child":      {},
	"collection": {},
	"item":       {},
}

// Classify determines the record variant from its structural signature:
// a collection carries an extent, an item carries a geometry. A record with
// both is ambiguous and rejected. A record with neither is KindNone.
func Classify(r Record) (Kind, error) {
	_, hasExtent := r["extent"]
	_, hasGeometry := r["geometry"]

	switch {
	case hasExtent && hasGeometry:
		return KindNone, ErrAmbiguousRecord
	case hasExtent:
		if r.ID() == "" {
			return KindNone, fmt.Errorf("collection: %w", ErrMissingID)
		}
		return KindCollection, nil
	case hasGeometry:
		if r.ID() == "" {
			return KindNone, fmt.Errorf("item: %w", ErrMissingID)
		}
		return KindItem, nil
	default:
		return KindNone, nil
	}
}

// ID returns the record id or "" when absent or not a string.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Collection returns the parent collection id of an item, or "".
func (r Record) Collection() string {
	c, _ := r["collection"].(string)
	return c
}

// Properties returns the item properties mapping, or nil.
func (r Record) Properties() map[string]any {
	p, _ := r["properties"].(map[string]any)
	return p
}

// StripLinks returns a copy of the record whose links exclude every
// hierarchy relation, preserving the order of the remaining links.
// The source record is never mutated.
func StripLinks(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}

	links, ok := r["links"].([]any)
	if !ok {
		return out
	}

	kept := make([]any, 0, len(links))
	for _, raw := range links {
		link, ok := raw.(map[string]any)
		if !ok {
			kept = append(kept, raw)
			continue
		}
		rel, _ := link["rel"].(string)
		if _, hierarchy := hierarchyRels[rel]; hierarchy {
			continue
		}
		kept = append(kept, raw)
	}
	out["links"] = kept

	return out
}

// ValidateGeometry checks that an item's geometry is decodable GeoJSON.
// A null geometry is legal for items without a footprint and passes.
func ValidateGeometry(r Record) error {
	raw, ok := r["geometry"]
	if !ok {
		return errors.New("item has no geometry")
	}
	if raw == nil {
		return nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal geometry: %w", err)
	}

	var g geom.T
	if err := geojson.Unmarshal(data, &g); err != nil {
		return fmt.Errorf("decode geometry: %w", err)
	}

	return nil
}
