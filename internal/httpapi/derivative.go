package httpapi

import (
	"net/http"
	"os"
	"time"

	"github.com/mediaroot/mediarootd/internal/apierr"
	"github.com/mediaroot/mediarootd/internal/logging"
)

// handleThumb answers GET /api/thumb?path=<rel>.
func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	res, err := s.deps.Thumbs.Ensure(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.serveDerivative(w, r, res.Path, res.Fingerprint, res.SourceMtime)
}

// handleAlbumCover answers GET /api/album-cover?path=<rel>.
func (s *Server) handleAlbumCover(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	res, err := s.deps.Covers.Ensure(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.serveDerivative(w, r, res.Path, res.Fingerprint, time.Time{})
}

// handleVideoMosaic answers GET /api/video-mosaic?path=<rel>.
func (s *Server) handleVideoMosaic(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	res, err := s.deps.Mosaics.Ensure(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.serveDerivative(w, r, res.Path, res.Fingerprint, time.Time{})
}

// serveDerivative streams a cached JPEG with ETag revalidation. The ETag is
// the fingerprint, so a changed source yields a changed ETag by construction.
func (s *Server) serveDerivative(w http.ResponseWriter, r *http.Request, path, fp string, srcMtime time.Time) {
	etag := `"` + fp + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=0, must-revalidate")
	if !srcMtime.IsZero() {
		w.Header().Set("Last-Modified", srcMtime.UTC().Format(http.TimeFormat))
	}

	if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		writeError(w, apierr.Ofw(apierr.CodeThumbnailFailed, err))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, apierr.Ofw(apierr.CodeThumbnailFailed, err))
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", formatInt(info.Size()))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := copyStream(w, f); err != nil {
		// Client went away mid-stream; nothing to report.
		logging.L_trace("httpapi: derivative stream aborted", "error", err)
	}
}

// etagMatches checks an If-None-Match header against the response ETag,
// handling the wildcard and comma-separated candidate lists.
func etagMatches(header, etag string) bool {
	if header == "*" {
		return true
	}
	for _, candidate := range splitComma(header) {
		if candidate == etag || candidate == "W/"+etag {
			return true
		}
	}
	return false
}
