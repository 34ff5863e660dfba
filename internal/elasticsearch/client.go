package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/openterra/stac-indexer/internal/search"
)

// ErrNotFound is returned when a document-addressed operation targets a
// document that does not exist.
var ErrNotFound = errors.New("document not found")

// conflictRetries is the per-document retry budget attached to every bulk
// upsert directive.
const conflictRetries = 3

// Client wraps go-elasticsearch with helpers tailored to this project.
// Construct it once and share it; the underlying client is safe for
// concurrent use.
type Client struct {
	es          *elasticsearch.Client
	collections string
	items       string
	log         *slog.Logger
}

// BulkDirective is one upsert in a bulk write: the routed index, the storage
// key, and the document body.
type BulkDirective struct {
	Index string
	ID    string
	Doc   map[string]any
}

// New instantiates the Elasticsearch client against the given endpoint with
// the two catalog indices.
func New(addr, collectionsIndex, itemsIndex string, logger *slog.Logger) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{addr},
	}

	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		es:          es,
		collections: collectionsIndex,
		items:       itemsIndex,
		log:         logger,
	}, nil
}

// CollectionsIndex returns the configured collections index name.
func (c *Client) CollectionsIndex() string { return c.collections }

// ItemsIndex returns the configured items index name.
func (c *Client) ItemsIndex() string { return c.items }

// Ping checks if Elasticsearch is available.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping failed: %s", res.Status())
	}

	return nil
}

// BulkWrite submits all directives as one bulk request of partial-document
// upserts. Any per-item failure reported by the engine fails the whole call;
// callers get no per-record outcome.
func (c *Client) BulkWrite(ctx context.Context, directives []BulkDirective) error {
	if len(directives) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range directives {
		action := map[string]any{
			"update": map[string]any{
				"_index":            d.Index,
				"_id":               d.ID,
				"retry_on_conflict": conflictRetries,
			},
		}
		payload := map[string]any{
			"doc":           d.Doc,
			"doc_as_upsert": true,
		}
		if err := enc.Encode(action); err != nil {
			return fmt.Errorf("encode bulk action: %w", err)
		}
		if err := enc.Encode(payload); err != nil {
			return fmt.Errorf("encode bulk doc: %w", err)
		}
	}

	res, err := c.es.Bulk(&buf, c.es.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("bulk write: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("bulk write failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string          `json:"_id"`
			Status int             `json:"status"`
			Error  json.RawMessage `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}

	if parsed.Errors {
		for _, item := range parsed.Items {
			for _, result := range item {
				if len(result.Error) > 0 {
					return fmt.Errorf("bulk write: document %s: status %d: %s",
						result.ID, result.Status, string(result.Error))
				}
			}
		}
		return fmt.Errorf("bulk write: engine reported item errors")
	}

	c.log.Debug("bulk write flushed", slog.Int("directives", len(directives)))
	return nil
}

// CollectionExists probes whether a collection document is present in the
// collections index.
func (c *Client) CollectionExists(ctx context.Context, id string) (bool, error) {
	req := esapi.ExistsRequest{
		Index:      c.collections,
		DocumentID: id,
	}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return false, fmt.Errorf("check collection %q: %w", id, err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("check collection %q: %s", id, res.Status())
	}
}

// Search compiles and executes a catalog query. With no explicit indices it
// searches both the collections and items indices.
func (c *Client) Search(ctx context.Context, req search.Request, indices ...string) (*search.Response, error) {
	body, err := search.Compile(req)
	if err != nil {
		return nil, fmt.Errorf("compile query: %w", err)
	}

	if includes, excludes := search.Projection(req.Fields); includes != nil {
		source := map[string]any{"includes": includes}
		if len(excludes) > 0 {
			source["excludes"] = excludes
		}
		body["_source"] = source
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	if len(indices) == 0 {
		indices = []string{c.collections, c.items}
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(indices...),
		c.es.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source map[string]any `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]map[string]any, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		results = append(results, hit.Source)
	}

	page := req.Page
	if page < 1 {
		page = search.DefaultPage
	}
	limit := req.Limit
	if limit <= 0 {
		limit = search.DefaultLimit
	}

	resp := &search.Response{
		Results: results,
		Context: search.ContextInfo{
			Page:     page,
			Limit:    limit,
			Matched:  parsed.Hits.Total.Value,
			Returned: len(results),
		},
	}
	if int64(page)*int64(limit) < parsed.Hits.Total.Value {
		resp.Links = []search.Link{{Rel: "next", Page: page + 1}}
	}

	return resp, nil
}

// UpdateItem applies an RFC 7386 style partial patch to one item, merging in
// a server-set properties.updated timestamp. Caller-supplied properties are
// preserved next to the injected timestamp.
func (c *Client) UpdateItem(ctx context.Context, id string, patch map[string]any) (map[string]any, error) {
	doc := make(map[string]any, len(patch)+1)
	for k, v := range patch {
		doc[k] = v
	}

	properties := map[string]any{}
	if supplied, ok := patch["properties"].(map[string]any); ok {
		for k, v := range supplied {
			properties[k] = v
		}
	}
	properties["updated"] = time.Now().UTC().Format(time.RFC3339)
	doc["properties"] = properties

	payload, err := json.Marshal(map[string]any{"doc": doc})
	if err != nil {
		return nil, fmt.Errorf("marshal patch: %w", err)
	}

	req := esapi.UpdateRequest{
		Index:      c.items,
		DocumentID: id,
		Body:       bytes.NewReader(payload),
		Source:     []string{"true"},
	}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return nil, fmt.Errorf("update item %q: %w", id, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, res.Body)
		return nil, fmt.Errorf("update item %q: %w", id, ErrNotFound)
	}
	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("update item %q failed: %s", id, strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Get struct {
			Source map[string]any `json:"_source"`
		} `json:"get"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode update response: %w", err)
	}

	c.log.Info("item updated", slog.String("id", id))
	return parsed.Get.Source, nil
}

// EnsureIndex creates an index with its schema mapping when absent. A
// creation race against another bootstrap (index already exists) is logged
// and swallowed; the contract is idempotent creation.
func (c *Client) EnsureIndex(ctx context.Context, name string) error {
	exists, err := c.indexExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		c.log.Debug("index already present", slog.String("index", name))
		return nil
	}

	mapping := c.mappingFor(name)
	res, err := c.es.Indices.Create(
		name,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		return fmt.Errorf("create index %q: %w", name, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		if strings.Contains(string(data), "resource_already_exists_exception") {
			c.log.Warn("index created concurrently", slog.String("index", name))
			return nil
		}
		return fmt.Errorf("create index %q failed: %s", name, strings.TrimSpace(string(data)))
	}

	c.log.Info("index created", slog.String("index", name))
	return nil
}

func (c *Client) indexExists(ctx context.Context, name string) (bool, error) {
	res, err := c.es.Indices.Exists(
		[]string{name},
		c.es.Indices.Exists.WithContext(ctx),
	)
	if err != nil {
		return false, fmt.Errorf("check index %q: %w", name, err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("check index %q: %s", name, res.Status())
	}
}

func (c *Client) mappingFor(name string) string {
	if name == c.items {
		return itemsMapping
	}
	return collectionsMapping
}

// Health pings the cluster to ensure connectivity.
func (c *Client) Health(ctx context.Context) error {
	res, err := c.es.Cluster.Health(c.es.Cluster.Health.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("cluster health bad: %s", strings.TrimSpace(string(data)))
	}
	return nil
}
