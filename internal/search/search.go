// Package search compiles declarative catalog queries into Elasticsearch
// query bodies. Everything in this package is pure: compilation never
// touches the network.
package search

// SortRule orders results by one field.
type SortRule struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

// Fields selects which document fields a search returns. A nil *Fields means
// no projection at all; a non-nil zero value means "the baseline set".
type Fields struct {
	Include []string `json:"include"`
	Exclude []string `json:"exclude"`
}

// Request is a declarative search over the catalog.
type Request struct {
	// Query maps a property name to its operators, e.g.
	// {"cloud_cover": {"gte": 0, "lt": 10}, "platform": {"eq": "landsat-8"}}.
	Query map[string]map[string]any `json:"query,omitempty"`

	// Intersects is a GeoJSON geometry the item geometry must intersect.
	Intersects map[string]any `json:"intersects,omitempty"`

	Collections []string `json:"collections,omitempty"`

	// ID and IDs are lookup shortcuts that bypass all other predicates.
	ID  string   `json:"id,omitempty"`
	IDs []string `json:"ids,omitempty"`

	// Datetime is an instant ("2020-01-01") or a closed range
	// ("2020-01-01/2020-02-01").
	Datetime string `json:"datetime,omitempty"`

	Sort   []SortRule `json:"sort,omitempty"`
	Fields *Fields    `json:"fields,omitempty"`

	Page  int `json:"page,omitempty"`  // 1-based
	Limit int `json:"limit,omitempty"` // page size
}

// ContextInfo reports pagination context alongside results.
type ContextInfo struct {
	Page     int   `json:"page"`
	Limit    int   `json:"limit"`
	Matched  int64 `json:"matched"`
	Returned int   `json:"returned"`
}

// Link is a pagination link. Href is filled in by the HTTP layer, which
// knows the request URL; the executor only sets Rel and Page.
type Link struct {
	Rel  string `json:"rel"`
	Page int    `json:"page,omitempty"`
	Href string `json:"href,omitempty"`
}

// Response is the search result envelope.
type Response struct {
	Results []map[string]any `json:"results"`
	Context ContextInfo      `json:"context"`
	Links   []Link           `json:"links,omitempty"`
}
