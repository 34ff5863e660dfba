package search

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

const (
	DefaultPage  = 1
	DefaultLimit = 10
)

var rangeOperators = []string{"gt", "lt", "gte", "lte"}

// baselineIncludes is the field set every projected response starts from.
var baselineIncludes = []string{
	"id", "type", "geometry", "bbox", "links", "assets", "collection",
	"properties.datetime",
}

// Compile translates a Request into an Elasticsearch query body. All
// predicates are AND-ed inside a constant_score filter so the engine never
// scores by relevance. The id shortcuts bypass every other predicate.
func Compile(req Request) (map[string]any, error) {
	page, limit := pageWindow(req.Page, req.Limit)

	body := map[string]any{
		"from":             (page - 1) * limit,
		"size":             limit,
		"track_total_hits": true,
		"sort":             compileSort(req.Sort),
	}

	switch {
	case req.ID != "":
		body["query"] = constantScore(map[string]any{
			"term": map[string]any{"id": req.ID},
		})
	case len(req.IDs) > 0:
		body["query"] = constantScore(map[string]any{
			"ids": map[string]any{"values": req.IDs},
		})
	default:
		filter, err := compileFilter(req)
		if err != nil {
			return nil, err
		}
		body["query"] = constantScore(filter)
	}

	return body, nil
}

// Projection computes the effective _source include and exclude lists.
// Returns nil slices when the request carries no field selection at all.
func Projection(f *Fields) (includes, excludes []string) {
	if f == nil {
		return nil, nil
	}

	seen := make(map[string]struct{}, len(baselineIncludes)+len(f.Include))
	includes = make([]string, 0, len(baselineIncludes)+len(f.Include))
	for _, field := range baselineIncludes {
		seen[field] = struct{}{}
		includes = append(includes, field)
	}
	for _, field := range f.Include {
		if _, ok := seen[field]; ok {
			continue
		}
		seen[field] = struct{}{}
		includes = append(includes, field)
	}

	if len(f.Exclude) > 0 {
		excluded := make(map[string]struct{}, len(f.Exclude))
		for _, field := range f.Exclude {
			excluded[field] = struct{}{}
		}
		kept := includes[:0]
		for _, field := range includes {
			if _, drop := excluded[field]; !drop {
				kept = append(kept, field)
			}
		}
		includes = kept
		excludes = f.Exclude
	}

	return includes, excludes
}

func compileFilter(req Request) (map[string]any, error) {
	clauses := make([]map[string]any, 0, len(req.Query)+3)

	// Deterministic clause order regardless of map iteration.
	properties := make([]string, 0, len(req.Query))
	for p := range req.Query {
		properties = append(properties, p)
	}
	sort.Strings(properties)

	for _, p := range properties {
		clauses = append(clauses, propertyClauses("properties."+p, req.Query[p])...)
	}

	if len(req.Collections) > 0 {
		clauses = append(clauses, map[string]any{
			"terms": map[string]any{"collection": req.Collections},
		})
	}

	if req.Intersects != nil {
		if err := validGeometry(req.Intersects); err != nil {
			return nil, fmt.Errorf("intersects: %w", err)
		}
		clauses = append(clauses, map[string]any{
			"geo_shape": map[string]any{
				"geometry": map[string]any{
					"shape":    req.Intersects,
					"relation": "intersects",
				},
			},
		})
	}

	if req.Datetime != "" {
		clauses = append(clauses, datetimeClause(req.Datetime))
	}

	if len(clauses) == 0 {
		return map[string]any{"match_all": map[string]any{}}, nil
	}

	return map[string]any{
		"bool": map[string]any{"must": clauses},
	}, nil
}

// propertyClauses builds at most two clauses for one property: one exact or
// set-membership clause and one merged range clause. When both eq and in are
// supplied, eq wins.
func propertyClauses(field string, ops map[string]any) []map[string]any {
	clauses := make([]map[string]any, 0, 2)

	if v, ok := ops["eq"]; ok {
		clauses = append(clauses, map[string]any{
			"term": map[string]any{field: v},
		})
	} else if v, ok := ops["in"]; ok {
		clauses = append(clauses, map[string]any{
			"terms": map[string]any{field: v},
		})
	}

	bounds := map[string]any{}
	for _, op := range rangeOperators {
		if v, ok := ops[op]; ok {
			bounds[op] = v
		}
	}
	if len(bounds) > 0 {
		clauses = append(clauses, map[string]any{
			"range": map[string]any{field: bounds},
		})
	}

	return clauses
}

func datetimeClause(value string) map[string]any {
	if start, end, ok := strings.Cut(value, "/"); ok {
		return map[string]any{
			"range": map[string]any{
				"properties.datetime": map[string]any{"gte": start, "lte": end},
			},
		}
	}
	return map[string]any{
		"term": map[string]any{"properties.datetime": value},
	}
}

func compileSort(rules []SortRule) []map[string]any {
	if len(rules) == 0 {
		return []map[string]any{
			{"properties.datetime": map[string]any{"order": "desc"}},
		}
	}

	out := make([]map[string]any, 0, len(rules))
	for _, rule := range rules {
		direction := rule.Direction
		if direction == "" {
			direction = "asc"
		}
		out = append(out, map[string]any{
			rule.Field: map[string]any{"order": direction},
		})
	}
	return out
}

func constantScore(filter map[string]any) map[string]any {
	return map[string]any{
		"constant_score": map[string]any{"filter": filter},
	}
}

func pageWindow(page, limit int) (int, int) {
	if page < 1 {
		page = DefaultPage
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return page, limit
}

func validGeometry(raw map[string]any) error {
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
