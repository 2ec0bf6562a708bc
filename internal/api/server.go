package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"movereg/internal/models"
	"movereg/internal/storage"
	apperrors "movereg/pkg/errors"
	"movereg/pkg/logger"
	"movereg/pkg/metrics"

	"github.com/gorilla/mux"
)

// Registry is the storage surface the API needs.
type Registry interface {
	CreateFromCrawledData(ctx context.Context, p storage.IngestParams) (*models.Package, error)
	IncreaseDownloadCount(ctx context.Context, url, rev, subdir string, fetcher storage.Fetcher) (int64, error)
	GetBySlug(ctx context.Context, slug string) (*models.Package, error)
	GetVersions(ctx context.Context, packageID int64) ([]models.PackageVersion, error)
}

// Config holds API server configuration
type Config struct {
	Port       string
	EnableCORS bool
}

// Server represents the API server
type Server struct {
	config  Config
	router  *mux.Router
	store   Registry
	fetcher storage.Fetcher
	log     *logger.Logger
}

// NewServer creates a new API server
func NewServer(config Config, store Registry, fetcher storage.Fetcher, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Get()
	}
	s := &Server{
		config:  config,
		router:  mux.NewRouter(),
		store:   store,
		fetcher: fetcher,
		log:     log,
	}
	s.setupRoutes()
	return s
}

// Start starts the API server
func (s *Server) Start() error {
	addr := ":" + s.config.Port
	s.log.Info().Str("addr", addr).Msg("API server listening")
	return http.ListenAndServe(addr, s.router)
}

// ServeHTTP makes the server usable directly as a handler in tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")

	s.router.HandleFunc("/api/v1/packages", s.handlePublish).Methods("POST")
	s.router.HandleFunc("/api/v1/packages/downloads", s.handleDownload).Methods("POST")
	s.router.HandleFunc("/api/v1/packages/{slug}", s.handleGetPackage).Methods("GET")
	s.router.HandleFunc("/api/v1/packages/{slug}/versions", s.handleListVersions).Methods("GET")

	if s.config.EnableCORS {
		s.router.Use(corsMiddleware)
	}
	s.router.Use(s.loggingMiddleware)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// PublishRequest asks the registry to ingest a repository revision on
// behalf of the authenticated account.
type PublishRequest struct {
	URL    string `json:"url"`
	Rev    string `json:"rev"`
	Subdir string `json:"subdir,omitempty"`
}

// handlePublish fetches live metadata for the requested repository and
// maps it onto package and version rows owned by the caller.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	actorID, err := actorFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	httpsURL := storage.NormalizeRepoURL(req.URL)
	subpath := ""
	if req.Subdir != "" {
		subpath = req.Subdir + "/Move.toml"
	}

	meta, err := s.fetcher.FetchRepoData(r.Context(), httpsURL, subpath, req.Rev)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if err := meta.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	pkg, err := s.store.CreateFromCrawledData(r.Context(), storage.IngestParams{
		RepoURL:     httpsURL,
		Description: meta.Description,
		Rev:         meta.Rev,
		TotalFiles:  0,
		TotalSize:   meta.Size,
		ActorID:     &actorID,
		Metadata:    *meta,
	})
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"package": packageResponse(pkg),
		"version": meta.Version,
	})
}

// DownloadRequest records one download of a package revision.
type DownloadRequest struct {
	URL    string `json:"url"`
	Rev    string `json:"rev"`
	Subdir string `json:"subdir,omitempty"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" || req.Rev == "" {
		writeError(w, http.StatusBadRequest, "url and rev are required")
		return
	}

	changed, err := s.store.IncreaseDownloadCount(r.Context(), req.URL, req.Rev, req.Subdir, s.fetcher)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rows_affected": changed,
	})
}

func (s *Server) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	pkg, err := s.store.GetBySlug(r.Context(), slug)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, packageResponse(pkg))
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	pkg, err := s.store.GetBySlug(r.Context(), slug)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	versions, err := s.store.GetVersions(r.Context(), pkg.ID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(versions))
	for i := range versions {
		v := &versions[i]
		out = append(out, map[string]interface{}{
			"version":         v.Version,
			"license":         v.License,
			"rev":             v.Rev,
			"total_files":     v.TotalFiles,
			"total_size":      v.TotalSize,
			"downloads_count": v.DownloadsCount,
			"shadow":          v.IsShadow(),
			"created_at":      v.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"package":  pkg.Slug,
		"versions": out,
	})
}

func packageResponse(pkg *models.Package) map[string]interface{} {
	return map[string]interface{}{
		"id":                    pkg.ID,
		"name":                  pkg.Name,
		"slug":                  pkg.Slug,
		"description":           pkg.Description,
		"repository_url":        pkg.RepositoryURL,
		"total_downloads_count": pkg.TotalDownloadsCount,
		"created_at":            pkg.CreatedAt,
		"updated_at":            pkg.UpdatedAt,
	}
}

func actorFromRequest(r *http.Request) (int64, error) {
	raw := r.Header.Get("X-Account-ID")
	if raw == "" {
		return 0, apperrors.NewValidationError("X-Account-ID header is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.NewValidationError("X-Account-ID must be a positive integer")
	}
	return id, nil
}

// writeAppError maps typed errors to HTTP responses. Conflicts carry
// their kind so clients can tell a duplicate version from an ownership
// rejection.
func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	body := map[string]interface{}{
		"error": err.Error(),
	}
	if kind := apperrors.GetConflictKind(err); kind != "" {
		body["conflict"] = string(kind)
	}
	if status >= 500 {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}

// Middleware functions

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Account-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
