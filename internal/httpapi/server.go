// Package httpapi exposes the media server's loopback HTTP surface: index
// listings, derivative endpoints (thumbs, album covers, video mosaics), media
// range streaming, and the two-phase file-mutation endpoints.
package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/mediaroot/mediarootd/internal/albumcover"
	"github.com/mediaroot/mediarootd/internal/fileops"
	"github.com/mediaroot/mediarootd/internal/index"
	"github.com/mediaroot/mediarootd/internal/logging"
	"github.com/mediaroot/mediarootd/internal/mediatype"
	"github.com/mediaroot/mediarootd/internal/sandbox"
	"github.com/mediaroot/mediarootd/internal/thumbcache"
	"github.com/mediaroot/mediarootd/internal/videomosaic"
)

// Config holds the HTTP server configuration.
type Config struct {
	Listen    string // address to bind, e.g. "127.0.0.1:8640"
	CacheRoot string // derivative cache root, for /api/stats occupancy counts
}

// Deps bundles the services the handlers dispatch into.
type Deps struct {
	Sandbox *sandbox.Sandbox
	Types   *mediatype.Set
	Index   *index.Cache
	Thumbs  *thumbcache.Cache
	Covers  *albumcover.Cache
	Mosaics *videomosaic.Cache
	Fileops *fileops.Service
}

// Server is the HTTP front end.
type Server struct {
	server *http.Server
	deps   Deps
	cfg    Config
	wg     sync.WaitGroup
}

// NewServer wires the routes and builds the server. It does not bind yet.
func NewServer(cfg Config, deps Deps) *Server {
	s := &Server{deps: deps, cfg: cfg}
	s.server = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // media streaming can be slow
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the route tree; used directly by tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// setupRoutes configures all HTTP routes with the middleware chain.
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return s.logRequest(s.stripHeaders(s.cors(h)))
	}

	mux.HandleFunc("/api/health", wrap(s.handleHealth))
	mux.HandleFunc("/api/albums", wrap(s.handleAlbums))
	mux.HandleFunc("/api/scattered", wrap(s.handleScattered))
	mux.HandleFunc("/api/videos", wrap(s.handleVideos))
	mux.HandleFunc("/api/others", wrap(s.handleOthers))
	mux.HandleFunc("/api/album-images", wrap(s.handleAlbumImages))
	mux.HandleFunc("/api/search", wrap(s.handleSearch))
	mux.HandleFunc("/api/stats", wrap(s.handleStats))

	mux.HandleFunc("/api/thumb", wrap(s.handleThumb))
	mux.HandleFunc("/api/album-cover", wrap(s.handleAlbumCover))
	mux.HandleFunc("/api/video-mosaic", wrap(s.handleVideoMosaic))
	mux.HandleFunc("/api/media", wrap(s.handleMedia))
	mux.HandleFunc("/api/thumbs/warm", wrap(s.handleThumbsWarm))

	mux.HandleFunc("/api/delete", wrap(s.handleDelete))
	mux.HandleFunc("/api/move", wrap(s.handleMove))
	mux.HandleFunc("/api/trash/restore", wrap(s.handleTrashRestore))
	mux.HandleFunc("/api/trash/empty", wrap(s.handleTrashEmpty))

	// Catch-all so OPTIONS preflights answer 204 on any path and unknown
	// routes get the JSON error envelope instead of the default text 404.
	mux.HandleFunc("/", wrap(s.handleNotFound))

	return mux
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logging.L_info("httpapi: server starting", "addr", s.server.Addr)

		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logging.L_error("httpapi: server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server with a 5s drain window.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		logging.L_error("httpapi: shutdown error", "error", err)
		return err
	}
	s.wg.Wait()
	logging.L_info("httpapi: server stopped")
	return nil
}

// logRequest wraps a handler to trace method, path, status, and duration.
func (s *Server) logRequest(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(lw, r)

		logging.L_trace("httpapi: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.statusCode,
			"duration", time.Since(start))
	}
}

// loggingResponseWriter wraps ResponseWriter to capture the status code.
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// stripHeaders removes fingerprinting headers.
func (s *Server) stripHeaders(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")
		handler(w, r)
	}
}

// cors sets the loopback CORS headers on every response and answers OPTIONS
// preflights with 204.
func (s *Server) cors(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler(w, r)
	}
}
