package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sl-wen/novel-sub001/internal/config"
	"github.com/sl-wen/novel-sub001/internal/download"
	"github.com/sl-wen/novel-sub001/internal/rules"
	"github.com/sl-wen/novel-sub001/pkg/types"
)

// Engine is the extraction surface the handlers call.
type Engine interface {
	SearchAll(ctx context.Context, srcs []*rules.Rule, keyword string, max int) []types.SearchResult
	Search(ctx context.Context, rule *rules.Rule, keyword string, max int) ([]types.SearchResult, error)
	Detail(ctx context.Context, rule *rules.Rule, rawURL string) (types.BookDetail, error)
	TOC(ctx context.Context, rule *rules.Rule, detailURL string) ([]types.Chapter, error)
	Chapter(ctx context.Context, rule *rules.Rule, chapterURL string) (string, error)
}

// Server exposes the HTTP API for searching sources and managing downloads.
type Server struct {
	sources   *rules.Store
	engine    Engine
	downloads *download.Manager
	search    config.SearchConfig
	logger    *slog.Logger
	mux       *http.ServeMux
}

// NewServer wires handlers onto an HTTP mux.
func NewServer(sources *rules.Store, engine Engine, downloads *download.Manager, search config.SearchConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if search.MaxResults <= 0 {
		search.MaxResults = 30
	}
	s := &Server{
		sources:   sources,
		engine:    engine,
		downloads: downloads,
		search:    search,
		logger:    logger.With("component", "api"),
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP satisfies the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/sources", s.handleSources)
	s.mux.HandleFunc("/api/search", s.handleSearch)
	s.mux.HandleFunc("/api/books/", s.handleBooks)
	s.mux.HandleFunc("/api/downloads", s.handleDownloads)
	s.mux.HandleFunc("/api/downloads/", s.handleDownloadByID)
	s.mux.HandleFunc("/openapi.yaml", s.handleOpenAPI)
	s.mux.HandleFunc("/docs", s.handleDocs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"sources":   s.sources.Len(),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	all := s.sources.All()
	infos := make([]SourceInfo, 0, len(all))
	for _, rule := range all {
		infos = append(infos, SourceInfo{
			ID:           rule.ID,
			Name:         rule.Name,
			BaseURL:      rule.BaseURL,
			Capabilities: rule.Capabilities(),
		})
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	keyword := strings.TrimSpace(r.URL.Query().Get("q"))
	if keyword == "" {
		http.Error(w, "missing query parameter q", http.StatusBadRequest)
		return
	}
	limit := s.search.MaxResults
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, fmt.Sprintf("invalid limit %q", raw), http.StatusBadRequest)
			return
		}
		if n < limit {
			limit = n
		}
	}

	ctx := r.Context()
	if timeout := s.search.Timeout.Or(20 * time.Second); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var results []types.SearchResult
	if raw := r.URL.Query().Get("source_id"); raw != "" {
		rule, ok := s.sourceByID(w, raw)
		if !ok {
			return
		}
		var err error
		results, err = s.engine.Search(ctx, rule, keyword, limit)
		if err != nil {
			s.logger.Warn("search failed", "source_id", rule.ID, "error", err)
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
	} else {
		results = s.engine.SearchAll(ctx, s.sources.Searchable(), keyword, limit)
	}
	if results == nil {
		results = []types.SearchResult{}
	}
	writeJSON(w, http.StatusOK, SearchResponse{
		Keyword: keyword,
		Count:   len(results),
		Results: results,
	})
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	op := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/books/"), "/")

	rawURL := strings.TrimSpace(r.URL.Query().Get("url"))
	if rawURL == "" {
		http.Error(w, "missing query parameter url", http.StatusBadRequest)
		return
	}
	rule, ok := s.sourceByID(w, r.URL.Query().Get("source_id"))
	if !ok {
		return
	}

	switch op {
	case "detail":
		detail, err := s.engine.Detail(r.Context(), rule, rawURL)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		if detail.Empty() {
			http.Error(w, "no book metadata extracted", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	case "toc":
		chapters, err := s.engine.TOC(r.Context(), rule, rawURL)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		if chapters == nil {
			chapters = []types.Chapter{}
		}
		writeJSON(w, http.StatusOK, TOCResponse{
			URL:      rawURL,
			SourceID: rule.ID,
			Count:    len(chapters),
			Chapters: chapters,
		})
	case "chapter":
		text, err := s.engine.Chapter(r.Context(), rule, rawURL)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, ChapterResponse{
			URL:      rawURL,
			SourceID: rule.ID,
			Text:     text,
		})
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleDownloads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.downloads.List())
	case http.MethodPost:
		s.startDownload(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) startDownload(w http.ResponseWriter, r *http.Request) {
	var req StartDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json payload: %v", err), http.StatusBadRequest)
		return
	}
	task, err := s.downloads.Start(req.URL, req.SourceID, req.Format)
	if err != nil {
		switch {
		case errors.Is(err, rules.ErrUnknownSource):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, task.Snapshot())
}

func (s *Server) handleDownloadByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/downloads/"), "/")
	if trimmed == "" {
		http.NotFound(w, r)
		return
	}
	parts := strings.Split(trimmed, "/")
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		snap, err := s.downloads.Progress(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}

	switch parts[1] {
	case "result":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		s.downloadResult(w, r, id)
	case "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		s.cancelDownload(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) downloadResult(w http.ResponseWriter, r *http.Request, id string) {
	data, filename, err := s.downloads.Result(id)
	switch {
	case errors.Is(err, download.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, download.ErrNotReady):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeFor(filename))
	w.Header().Set("Content-Disposition", contentDisposition(filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) cancelDownload(w http.ResponseWriter, r *http.Request, id string) {
	err := s.downloads.Cancel(id)
	switch {
	case errors.Is(err, download.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, download.ErrFinished):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) sourceByID(w http.ResponseWriter, raw string) (*rules.Rule, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		http.Error(w, "missing query parameter source_id", http.StatusBadRequest)
		return nil, false
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid source_id %q", raw), http.StatusBadRequest)
		return nil, false
	}
	rule, err := s.sources.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	return rule, true
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func contentTypeFor(filename string) string {
	if strings.HasSuffix(filename, ".epub") {
		return "application/epub+zip"
	}
	return "text/plain; charset=utf-8"
}

// contentDisposition builds an attachment header carrying both an ASCII
// fallback filename and the RFC 5987 encoded one, since source titles are
// usually non-Latin script.
func contentDisposition(filename string) string {
	return fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s",
		asciiFallback(filename), rfc5987Encode(filename))
}

func asciiFallback(filename string) string {
	var b strings.Builder
	for _, r := range filename {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			b.WriteByte('_')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// rfc5987Encode percent-encodes every byte outside the attr-char set.
func rfc5987Encode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case strings.IndexByte("!#$&+-.^_`|~", c) >= 0:
		return true
	}
	return false
}
