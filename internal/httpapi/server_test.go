package httpapi

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mediaroot/mediarootd/internal/albumcover"
	"github.com/mediaroot/mediarootd/internal/fileops"
	"github.com/mediaroot/mediarootd/internal/index"
	"github.com/mediaroot/mediarootd/internal/inventory"
	"github.com/mediaroot/mediarootd/internal/mediatype"
	"github.com/mediaroot/mediarootd/internal/oplog"
	"github.com/mediaroot/mediarootd/internal/sandbox"
	"github.com/mediaroot/mediarootd/internal/thumbcache"
	"github.com/mediaroot/mediarootd/internal/videomosaic"
)

type testEnv struct {
	root      string
	oplogPath string
	server    *Server
	thumbs    *thumbcache.Cache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	cacheRoot := t.TempDir()
	oplogPath := filepath.Join(t.TempDir(), "ops.jsonl")

	sb, err := sandbox.New(root)
	if err != nil {
		t.Fatal(err)
	}
	types := mediatype.Default()
	log, err := oplog.Open(oplogPath)
	if err != nil {
		t.Fatal(err)
	}

	idx := index.NewCache(index.ScanBuilder(sb, types, inventory.DefaultOptions()))
	thumbs := thumbcache.New(thumbcache.DefaultConfig(cacheRoot), sb, types)
	t.Cleanup(thumbs.Close)
	covers := albumcover.New(albumcover.DefaultConfig(cacheRoot), sb, types)
	mosaics := videomosaic.New(videomosaic.DefaultConfig(cacheRoot, 4), sb, types)
	ops := fileops.New(sb, log, fileops.DefaultConfig([]byte("test-secret")))

	server := NewServer(Config{Listen: "127.0.0.1:0", CacheRoot: cacheRoot}, Deps{
		Sandbox: sb,
		Types:   types,
		Index:   idx,
		Thumbs:  thumbs,
		Covers:  covers,
		Mosaics: mosaics,
		Fileops: ops,
	})

	return &testEnv{root: root, oplogPath: oplogPath, server: server, thumbs: thumbs}
}

func (e *testEnv) do(t *testing.T, method, target string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) write(t *testing.T, rel, content string) {
	t.Helper()
	abs := filepath.Join(e.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) writePNG(t *testing.T, rel string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 32), G: uint8(y * 32), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	e.write(t, rel, buf.String())
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("invalid JSON response %q: %v", w.Body.String(), err)
	}
	return m
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	m := decodeJSON(t, w)
	e, ok := m["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("no error envelope in %q", w.Body.String())
	}
	code, _ := e["code"].(string)
	return code
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if m := decodeJSON(t, w); m["ok"] != true {
		t.Errorf("body = %v", m)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q", cc)
	}
	if ao := w.Header().Get("Access-Control-Allow-Origin"); ao != "*" {
		t.Errorf("CORS header = %q", ao)
	}
}

func TestOptionsPreflight(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodOptions, "/api/albums", nil, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status %d", w.Code)
	}
	if m := w.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(m, "POST") {
		t.Errorf("Allow-Methods = %q", m)
	}
}

func TestAlbumListingPartition(t *testing.T) {
	env := newTestEnv(t)
	env.writePNG(t, "travel/beach/1.png")
	env.writePNG(t, "travel/beach/2.png")
	env.writePNG(t, "travel/preview.png")
	env.writePNG(t, "loose.png")
	env.write(t, "video.mp4", "not really video")
	env.write(t, "_trash/x/trashed.png", "hidden")

	w := env.do(t, http.MethodGet, "/api/albums?refresh=1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	m := decodeJSON(t, w)
	items := m["items"].([]interface{})
	if len(items) != 1 {
		t.Fatalf("expected 1 album, got %v", items)
	}
	album := items[0].(map[string]interface{})
	if album["rel_path"] != "travel/beach" {
		t.Errorf("album = %v", album)
	}

	w = env.do(t, http.MethodGet, "/api/scattered", nil, nil)
	scattered := decodeJSON(t, w)["items"].([]interface{})
	if len(scattered) != 2 {
		t.Errorf("expected 2 scattered images, got %v", scattered)
	}

	w = env.do(t, http.MethodGet, "/api/videos", nil, nil)
	videos := decodeJSON(t, w)["items"].([]interface{})
	if len(videos) != 1 {
		t.Errorf("expected 1 video, got %v", videos)
	}
}

func TestAlbumImagesSortedCaseFolded(t *testing.T) {
	env := newTestEnv(t)
	env.writePNG(t, "album/B.png")
	env.writePNG(t, "album/a.png")
	env.write(t, "album/note.txt", "skip me")

	w := env.do(t, http.MethodGet, "/api/album-images?path=album", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	m := decodeJSON(t, w)
	if m["album_rel_path"] != "album" || m["count"].(float64) != 2 {
		t.Errorf("body = %v", m)
	}
	items := m["items"].([]interface{})
	if items[0] != "album/a.png" || items[1] != "album/B.png" {
		t.Errorf("items not case-foldedly sorted: %v", items)
	}
}

func TestAlbumImagesErrors(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "file.txt", "x")

	if w := env.do(t, http.MethodGet, "/api/album-images?path=missing", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("missing dir: status %d", w.Code)
	}
	w := env.do(t, http.MethodGet, "/api/album-images?path=file.txt", nil, nil)
	if w.Code != http.StatusNotFound || errorCode(t, w) != "NOT_A_DIR" {
		t.Errorf("file: status %d code %s", w.Code, errorCode(t, w))
	}
	if w := env.do(t, http.MethodGet, "/api/album-images?path=../escape", nil, nil); w.Code != http.StatusBadRequest {
		t.Errorf("traversal: status %d", w.Code)
	}
}

func TestMediaRangeRequests(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "v.mp4", "0123456789")

	// Single in-bounds range.
	w := env.do(t, http.MethodGet, "/api/media?path=v.mp4", nil, map[string]string{"Range": "bytes=2-5"})
	if w.Code != http.StatusPartialContent {
		t.Fatalf("status %d", w.Code)
	}
	if w.Body.String() != "2345" {
		t.Errorf("body = %q", w.Body.String())
	}
	if cr := w.Header().Get("Content-Range"); cr != "bytes 2-5/10" {
		t.Errorf("Content-Range = %q", cr)
	}

	// Out-of-range start.
	w = env.do(t, http.MethodGet, "/api/media?path=v.mp4", nil, map[string]string{"Range": "bytes=999-"})
	if w.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status %d", w.Code)
	}
	if cr := w.Header().Get("Content-Range"); cr != "bytes */10" {
		t.Errorf("Content-Range = %q", cr)
	}
	if w.Body.Len() != 0 {
		t.Errorf("body should be empty, got %q", w.Body.String())
	}

	// Open-ended range.
	w = env.do(t, http.MethodGet, "/api/media?path=v.mp4", nil, map[string]string{"Range": "bytes=7-"})
	if w.Code != http.StatusPartialContent || w.Body.String() != "789" {
		t.Errorf("open range: status %d body %q", w.Code, w.Body.String())
	}

	// Suffix range.
	w = env.do(t, http.MethodGet, "/api/media?path=v.mp4", nil, map[string]string{"Range": "bytes=-3"})
	if w.Code != http.StatusPartialContent || w.Body.String() != "789" {
		t.Errorf("suffix range: status %d body %q", w.Code, w.Body.String())
	}

	// No range header: full body.
	w = env.do(t, http.MethodGet, "/api/media?path=v.mp4", nil, nil)
	if w.Code != http.StatusOK || w.Body.String() != "0123456789" {
		t.Errorf("full: status %d body %q", w.Code, w.Body.String())
	}
	if ar := w.Header().Get("Accept-Ranges"); ar != "bytes" {
		t.Errorf("Accept-Ranges = %q", ar)
	}
}

func TestMediaNotFoundAndSandbox(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, http.MethodGet, "/api/media?path=missing.mp4", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("missing: status %d", w.Code)
	}
	w := env.do(t, http.MethodGet, "/api/media?path=..%2Fetc%2Fpasswd", nil, nil)
	if w.Code != http.StatusBadRequest || errorCode(t, w) != "SANDBOX_VIOLATION" {
		t.Errorf("traversal: status %d code %q", w.Code, errorCode(t, w))
	}
}

func TestConfirmedMoveFlow(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "a.txt", "contents")

	body := map[string]interface{}{"src": "a.txt", "dst": "moved/a.txt", "create_parents": true}
	w := env.do(t, http.MethodPost, "/api/move", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("preview status %d: %s", w.Code, w.Body.String())
	}
	m := decodeJSON(t, w)
	if m["confirm_required"] != true {
		t.Fatalf("expected confirm_required, got %v", m)
	}
	token := m["confirm_token"].(string)

	body["confirm"] = true
	body["confirm_token"] = token
	w = env.do(t, http.MethodPost, "/api/move", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("confirm status %d: %s", w.Code, w.Body.String())
	}
	if m := decodeJSON(t, w); m["executed"] != true {
		t.Errorf("expected executed, got %v", m)
	}

	if _, err := os.Stat(filepath.Join(env.root, "moved", "a.txt")); err != nil {
		t.Errorf("moved file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.root, "a.txt")); !os.IsNotExist(err) {
		t.Errorf("source still present: %v", err)
	}

	data, err := os.ReadFile(env.oplogPath)
	if err != nil {
		t.Fatalf("oplog: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 oplog line, got %d", len(lines))
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("oplog line not JSON: %v", err)
	}
	if entry["op"] != "move" || entry["success"] != true {
		t.Errorf("oplog entry = %v", entry)
	}
}

func TestStaleConfirmToken(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "doomed.txt", "bytes")

	w := env.do(t, http.MethodPost, "/api/delete", map[string]interface{}{"path": "doomed.txt"}, nil)
	token := decodeJSON(t, w)["confirm_token"].(string)

	// Touch the file so its mtime (bound into the token) changes.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(filepath.Join(env.root, "doomed.txt"), future, future); err != nil {
		t.Fatal(err)
	}

	w = env.do(t, http.MethodPost, "/api/delete", map[string]interface{}{
		"path": "doomed.txt", "confirm": true, "confirm_token": token,
	}, nil)
	if w.Code != http.StatusConflict || errorCode(t, w) != "STALE_CONFIRM_TOKEN" {
		t.Errorf("status %d code %q", w.Code, errorCode(t, w))
	}
}

func TestDeleteArchiveRestoreRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "keep/me.txt", "precious bytes")

	// Archive.
	w := env.do(t, http.MethodPost, "/api/delete", map[string]interface{}{"path": "keep/me.txt"}, nil)
	token := decodeJSON(t, w)["confirm_token"].(string)
	w = env.do(t, http.MethodPost, "/api/delete", map[string]interface{}{
		"path": "keep/me.txt", "confirm": true, "confirm_token": token,
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("archive status %d: %s", w.Code, w.Body.String())
	}
	dst := decodeJSON(t, w)["dst_rel_path"].(string)
	if !strings.HasPrefix(dst, "_trash/") {
		t.Fatalf("dst = %q", dst)
	}

	// Restore.
	w = env.do(t, http.MethodPost, "/api/trash/restore", map[string]interface{}{"path": dst}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("restore preview status %d: %s", w.Code, w.Body.String())
	}
	restoreToken := decodeJSON(t, w)["confirm_token"].(string)
	w = env.do(t, http.MethodPost, "/api/trash/restore", map[string]interface{}{
		"path": dst, "confirm": true, "confirm_token": restoreToken,
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("restore status %d: %s", w.Code, w.Body.String())
	}

	data, err := os.ReadFile(filepath.Join(env.root, "keep", "me.txt"))
	if err != nil || string(data) != "precious bytes" {
		t.Errorf("restored content = %q, err %v", data, err)
	}
}

func TestDeleteRootForbidden(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/delete", map[string]interface{}{"path": "."}, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("status %d", w.Code)
	}
	w = env.do(t, http.MethodPost, "/api/delete", map[string]interface{}{"path": "_trash"}, nil)
	if w.Code != http.StatusForbidden || errorCode(t, w) != "TRASH_ROOT_FORBIDDEN" {
		t.Errorf("status %d code %q", w.Code, errorCode(t, w))
	}
}

func TestInvalidJSONBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/delete", strings.NewReader("{nope"))
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d", w.Code)
	}
}

func TestThumbETagFlow(t *testing.T) {
	env := newTestEnv(t)
	env.writePNG(t, "loose.png")

	w := env.do(t, http.MethodGet, "/api/thumb?path=loose.png", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatal("no ETag")
	}
	if cc := w.Header().Get("Cache-Control"); cc != "public, max-age=0, must-revalidate" {
		t.Errorf("Cache-Control = %q", cc)
	}
	if w.Body.Len() == 0 {
		t.Error("empty thumbnail body")
	}

	// Revalidation hit.
	w = env.do(t, http.MethodGet, "/api/thumb?path=loose.png", nil, map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusNotModified {
		t.Fatalf("status %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("304 body should be empty, got %d bytes", w.Body.Len())
	}

	// Touching the source shifts the fingerprint and thus the ETag.
	future := time.Now().Add(3 * time.Second)
	if err := os.Chtimes(filepath.Join(env.root, "loose.png"), future, future); err != nil {
		t.Fatal(err)
	}
	w = env.do(t, http.MethodGet, "/api/thumb?path=loose.png", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if newTag := w.Header().Get("ETag"); newTag == etag {
		t.Errorf("ETag unchanged after mtime bump: %q", newTag)
	}
}

func TestThumbRejectsNonImage(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "doc.txt", "words")
	w := env.do(t, http.MethodGet, "/api/thumb?path=doc.txt", nil, nil)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status %d", w.Code)
	}
}

func TestThumbsWarm(t *testing.T) {
	env := newTestEnv(t)
	env.writePNG(t, "a.png")
	env.writePNG(t, "b.png")

	w := env.do(t, http.MethodPost, "/api/thumbs/warm", map[string]interface{}{
		"paths": []string{"a.png", "b.png", "../escape.png", "missing.txt"},
	}, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	m := decodeJSON(t, w)
	if m["ok"] != true {
		t.Errorf("body = %v", m)
	}
	if m["accepted"].(float64) != 2 {
		t.Errorf("accepted = %v", m["accepted"])
	}
	if m["rejected"].(float64) != 2 {
		t.Errorf("rejected = %v", m["rejected"])
	}
}

func TestSearchEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.writePNG(t, "travel/beach/1.png")
	env.writePNG(t, "loose.png")

	w := env.do(t, http.MethodGet, "/api/search?q=beach&refresh=1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	m := decodeJSON(t, w)
	if m["count"].(float64) != 1 {
		t.Errorf("count = %v, body %v", m["count"], m)
	}

	if w := env.do(t, http.MethodGet, "/api/search", nil, nil); w.Code != http.StatusBadRequest {
		t.Errorf("missing q: status %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/search?q=x&types=bogus", nil, nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad types: status %d", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.writePNG(t, "loose.png")

	w := env.do(t, http.MethodGet, "/api/stats?refresh=1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	m := decodeJSON(t, w)
	counts := m["counts"].(map[string]interface{})
	if counts["scattered_images"].(float64) != 1 {
		t.Errorf("counts = %v", counts)
	}
	if _, ok := m["cache_files"]; !ok {
		t.Error("missing cache_files")
	}
}
