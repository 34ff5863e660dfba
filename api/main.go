package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openterra/stac-indexer/internal/config"
	"github.com/openterra/stac-indexer/internal/elasticsearch"
	"github.com/openterra/stac-indexer/internal/fetch"
	"github.com/openterra/stac-indexer/internal/ingest"
	"github.com/openterra/stac-indexer/internal/logger"
	"github.com/openterra/stac-indexer/internal/search"
	"github.com/openterra/stac-indexer/internal/stac"
)

func main() {
	log := logger.New("api")
	cfg, err := config.LoadAPI()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	esClient, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.CollectionsIndex, cfg.ItemsIndex, log)
	if err != nil {
		log.Error("init elasticsearch", slog.Any("err", err))
		os.Exit(1)
	}

	fetcher, err := fetch.New(cfg.AWSRegion, log)
	if err != nil {
		log.Error("init fetcher", slog.Any("err", err))
		os.Exit(1)
	}

	srv := &server{
		log:        log,
		cfg:        cfg,
		es:         esClient,
		normalizer: ingest.NewNormalizer(fetcher, log),
		pipeline:   ingest.NewPipeline(esClient, cfg.CollectionsIndex, cfg.ItemsIndex, cfg.IngestHighWater, log),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", srv.handleHealth)
	r.Get("/search", srv.handleSearchGet)
	r.Post("/search", srv.handleSearchPost)
	r.Post("/ingest", srv.handleIngest)
	r.Patch("/items/{id}", srv.handleUpdateItem)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go func() {
		log.Info("api server starting", slog.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", slog.Any("err", err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", slog.Any("err", err))
	}
}

type server struct {
	log        *slog.Logger
	cfg        *config.API
	es         *elasticsearch.Client
	normalizer *ingest.Normalizer
	pipeline   *ingest.Pipeline
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.es.Health(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleSearchGet(w http.ResponseWriter, r *http.Request) {
	req, err := s.searchRequestFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	s.runSearch(w, r, req)
}

func (s *server) handleSearchPost(w http.ResponseWriter, r *http.Request) {
	var req search.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid search body: " + err.Error()})
		return
	}
	s.runSearch(w, r, req)
}

func (s *server) runSearch(w http.ResponseWriter, r *http.Request, req search.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if req.Limit <= 0 {
		req.Limit = s.cfg.DefaultLimit
	}
	if req.Limit > s.cfg.MaxLimit {
		req.Limit = s.cfg.MaxLimit
	}

	// type=items|collections narrows the index scope; default spans both.
	var indices []string
	switch strings.TrimSpace(r.URL.Query().Get("type")) {
	case "items":
		indices = []string{s.cfg.ItemsIndex}
	case "collections":
		indices = []string{s.cfg.CollectionsIndex}
	}

	result, err := s.es.Search(ctx, req, indices...)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	fillLinkHrefs(r, result)
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	raw, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	records, err := s.normalizer.Normalize(ctx, raw)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, fetch.ErrUnsupportedSource) || errors.Is(err, ingest.ErrBadPayload) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	if err := s.pipeline.Ingest(ctx, records); err != nil {
		var missing *ingest.MissingCollectionError
		switch {
		case errors.As(err, &missing):
			writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		case errors.Is(err, stac.ErrAmbiguousRecord) || errors.Is(err, stac.ErrMissingID):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ingested": len(records)})
}

func (s *server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")

	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid patch body: " + err.Error()})
		return
	}

	updated, err := s.es.UpdateItem(ctx, id, patch)
	if err != nil {
		if errors.Is(err, elasticsearch.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// searchRequestFromQuery maps URL query parameters onto a search request.
func (s *server) searchRequestFromQuery(r *http.Request) (search.Request, error) {
	q := r.URL.Query()

	req := search.Request{
		Collections: parseCSV(q.Get("collections")),
		IDs:         parseCSV(q.Get("ids")),
		ID:          strings.TrimSpace(q.Get("id")),
		Datetime:    strings.TrimSpace(q.Get("datetime")),
		Page:        clampInt(q.Get("page"), 1, 10_000),
		Limit:       clampInt(q.Get("limit"), s.cfg.DefaultLimit, s.cfg.MaxLimit),
	}

	if raw := q.Get("query"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Query); err != nil {
			return req, errors.New("query parameter must be a JSON object: " + err.Error())
		}
	}

	if raw := q.Get("intersects"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Intersects); err != nil {
			return req, errors.New("intersects parameter must be GeoJSON: " + err.Error())
		}
	}

	for _, rule := range parseCSV(q.Get("sortby")) {
		field, direction, _ := strings.Cut(rule, ":")
		req.Sort = append(req.Sort, search.SortRule{Field: field, Direction: direction})
	}

	if q.Has("fields") {
		fields := &search.Fields{}
		for _, f := range parseCSV(q.Get("fields")) {
			if cut, ok := strings.CutPrefix(f, "-"); ok {
				fields.Exclude = append(fields.Exclude, cut)
			} else {
				fields.Include = append(fields.Include, f)
			}
		}
		req.Fields = fields
	}

	return req, nil
}

// fillLinkHrefs turns the executor's page-numbered links into absolute hrefs
// based on the request URL. Only GET requests carry their predicates in the
// URL; for POST searches the query string cannot reproduce the JSON body, so
// the link stays page-number-only and the caller re-submits the body.
func fillLinkHrefs(r *http.Request, resp *search.Response) {
	if r.Method != http.MethodGet {
		return
	}
	for i, link := range resp.Links {
		if link.Page == 0 {
			continue
		}
		u := *r.URL
		q := u.Query()
		q.Set("page", strconv.Itoa(link.Page))
		u.RawQuery = q.Encode()
		resp.Links[i].Href = u.String()
	}
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.New("read body: " + err.Error())
	}
	if len(raw) == 0 {
		return nil, errors.New("empty request body")
	}
	return raw, nil
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
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

func clampInt(raw string, fallback, max int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value <= 0 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already out; an encode failure here means the
	// client went away.
	_ = json.NewEncoder(w).Encode(payload)
}
