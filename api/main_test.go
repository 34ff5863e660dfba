package main

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openterra/stac-indexer/internal/search"
)

func TestFillLinkHrefsGet(t *testing.T) {
	r := httptest.NewRequest("GET", "/search?collections=landsat-8&limit=10&page=2", nil)
	resp := &search.Response{
		Links: []search.Link{{Rel: "next", Page: 3}},
	}

	fillLinkHrefs(r, resp)

	require.Equal(t, "/search?collections=landsat-8&limit=10&page=3", resp.Links[0].Href)
}

func TestFillLinkHrefsPostKeepsPageOnly(t *testing.T) {
	// A POST search carries its predicates in the body; a query-string href
	// would drop them, so no href is built.
	r := httptest.NewRequest("POST", "/search", nil)
	resp := &search.Response{
		Links: []search.Link{{Rel: "next", Page: 2}},
	}

	fillLinkHrefs(r, resp)

	require.Empty(t, resp.Links[0].Href)
	require.Equal(t, 2, resp.Links[0].Page)
}
