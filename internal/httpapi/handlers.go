package httpapi

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/mediaroot/mediarootd/internal/apierr"
	"github.com/mediaroot/mediarootd/internal/fileops"
	"github.com/mediaroot/mediarootd/internal/index"
	"github.com/mediaroot/mediarootd/internal/sandbox"
)

// handleNotFound is the catch-all for unregistered paths.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, apierr.Of(apierr.CodeNotFound, "no such endpoint: "+r.URL.Path))
}

// handleHealth answers GET /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// getIndex resolves the current MediaIndex, rebuilding when refresh is set.
func (s *Server) getIndex(r *http.Request) (*index.MediaIndex, error) {
	idx, err := s.deps.Index.Get(refreshRequested(r))
	if err != nil {
		if _, ok := apierr.As(err); ok {
			return nil, err
		}
		return nil, apierr.Ofw(apierr.CodeIndexBuildFailed, err)
	}
	return idx, nil
}

// listingResponse is the common body of the album/scattered/video listings.
type listingResponse struct {
	MediaRoot   string      `json:"media_root"`
	ScannedAtMs int64       `json:"scanned_at_ms"`
	Items       interface{} `json:"items"`
}

func (s *Server) handleAlbums(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	idx, err := s.getIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listingResponse{MediaRoot: idx.MediaRootAbs, ScannedAtMs: idx.ScannedAtMs, Items: idx.Albums})
}

func (s *Server) handleScattered(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	idx, err := s.getIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listingResponse{MediaRoot: idx.MediaRootAbs, ScannedAtMs: idx.ScannedAtMs, Items: idx.ScatteredImages})
}

func (s *Server) handleVideos(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	idx, err := s.getIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listingResponse{MediaRoot: idx.MediaRootAbs, ScannedAtMs: idx.ScannedAtMs, Items: idx.Videos})
}

func (s *Server) handleOthers(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	idx, err := s.getIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"media_root":    idx.MediaRootAbs,
		"scanned_at_ms": idx.ScannedAtMs,
		"games":         idx.Games,
		"others":        idx.Others,
	})
}

// handleAlbumImages answers GET /api/album-images?path=<rel> with the album's
// direct image children, sorted case-foldedly.
func (s *Server) handleAlbumImages(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	rel, err := sandbox.Normalize(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, apierr.Of(apierr.CodeSandboxViolation, err.Error()))
		return
	}

	abs, err := s.deps.Sandbox.Resolve(rel, true)
	if err != nil {
		if sandbox.IsViolation(err) {
			writeError(w, apierr.Of(apierr.CodeSandboxViolation, err.Error()))
		} else {
			writeError(w, apierr.Of(apierr.CodeNotFound, "album not found: "+rel))
		}
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		writeError(w, apierr.Of(apierr.CodeNotFound, "album not found: "+rel))
		return
	}
	if !info.IsDir() {
		writeError(w, apierr.Of(apierr.CodeNotADir, "not a directory: "+rel))
		return
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		writeError(w, apierr.Of(apierr.CodeReadDirFailed, "cannot list album: "+rel))
		return
	}

	var items []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if s.deps.Types.IsImage(strings.ToLower(filepath.Ext(e.Name()))) {
			if rel == "" {
				items = append(items, e.Name())
			} else {
				items = append(items, rel+"/"+e.Name())
			}
		}
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := strings.ToLower(items[i]), strings.ToLower(items[j])
		if a != b {
			return a < b
		}
		return items[i] < items[j]
	})
	if items == nil {
		items = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"album_rel_path": rel,
		"count":          len(items),
		"items":          items,
	})
}

// handleSearch answers GET /api/search?q=<term>&types=<kinds>&limit=<n>.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query().Get("q")
	if strings.TrimSpace(q) == "" {
		writeError(w, apierr.Of(apierr.CodeInvalidRequest, "q parameter is required"))
		return
	}
	kinds, err := index.ParseSearchKinds(r.URL.Query().Get("types"))
	if err != nil {
		writeError(w, apierr.Of(apierr.CodeInvalidRequest, err.Error()))
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, apierr.Of(apierr.CodeInvalidRequest, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	idx, err := s.getIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}
	results := idx.Search(q, kinds, limit)
	if results == nil {
		results = []index.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":   index.NormalizeQuery(q),
		"count":   len(results),
		"results": results,
	})
}

// handleStats answers GET /api/stats with the current index stats plus
// derivative-cache occupancy counts.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	idx, err := s.getIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}

	cache := map[string]int{}
	for _, kind := range []string{"thumbs", "album-covers", "video-mosaics"} {
		cache[kind] = countCacheFiles(filepath.Join(s.cfg.CacheRoot, kind))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"media_root":    idx.MediaRootAbs,
		"scanned_at_ms": idx.ScannedAtMs,
		"counts": map[string]int{
			"albums":           len(idx.Albums),
			"scattered_images": len(idx.ScatteredImages),
			"videos":           len(idx.Videos),
			"games":            len(idx.Games),
			"others":           len(idx.Others),
		},
		"scan_stats":  idx.Stats,
		"cache_files": cache,
	})
}

// countCacheFiles counts the .jpg derivative files below root; 0 when the
// directory does not exist yet.
func countCacheFiles(root string) int {
	count := 0
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".jpg") {
			count++
		}
		return nil
	})
	return count
}

// handleThumbsWarm answers POST /api/thumbs/warm.
func (s *Server) handleThumbsWarm(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var body struct {
		Paths []string `json:"paths"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	result := s.deps.Thumbs.EnqueueMany(body.Paths)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"ok":             true,
		"accepted":       len(result.Accepted),
		"skipped_cached": len(result.SkippedCached),
		"rejected":       len(result.Rejected),
	})
}

// handleDelete answers POST /api/delete.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var body struct {
		Path         string `json:"path"`
		Confirm      bool   `json:"confirm"`
		ConfirmToken string `json:"confirm_token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Path == "" {
		writeError(w, apierr.Of(apierr.CodeInvalidPath, "path is required"))
		return
	}
	outcome, err := s.deps.Fileops.Delete(fileops.DeleteRequest{
		Path: body.Path, Confirm: body.Confirm, ConfirmToken: body.ConfirmToken,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// handleMove answers POST /api/move.
func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var body struct {
		Src           string `json:"src"`
		Dst           string `json:"dst"`
		CreateParents bool   `json:"create_parents"`
		Confirm       bool   `json:"confirm"`
		ConfirmToken  string `json:"confirm_token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Src == "" || body.Dst == "" {
		writeError(w, apierr.Of(apierr.CodeInvalidPath, "src and dst are required"))
		return
	}
	outcome, err := s.deps.Fileops.Move(fileops.MoveRequest{
		Src: body.Src, Dst: body.Dst, CreateParents: body.CreateParents,
		Confirm: body.Confirm, ConfirmToken: body.ConfirmToken,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// handleTrashRestore answers POST /api/trash/restore.
func (s *Server) handleTrashRestore(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var body struct {
		Path         string `json:"path"`
		Confirm      bool   `json:"confirm"`
		ConfirmToken string `json:"confirm_token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Path == "" {
		writeError(w, apierr.Of(apierr.CodeInvalidPath, "path is required"))
		return
	}
	outcome, err := s.deps.Fileops.Restore(fileops.RestoreRequest{
		Path: body.Path, Confirm: body.Confirm, ConfirmToken: body.ConfirmToken,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// handleTrashEmpty answers POST /api/trash/empty.
func (s *Server) handleTrashEmpty(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var body struct {
		Confirm      bool   `json:"confirm"`
		ConfirmToken string `json:"confirm_token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	outcome, err := s.deps.Fileops.Empty(fileops.EmptyRequest{
		Confirm: body.Confirm, ConfirmToken: body.ConfirmToken,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}
