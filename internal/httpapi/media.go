package httpapi

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mediaroot/mediarootd/internal/apierr"
	"github.com/mediaroot/mediarootd/internal/logging"
	"github.com/mediaroot/mediarootd/internal/sandbox"
)

// handleMedia answers GET /api/media?path=<rel>: streams a file from the
// MediaRoot honoring a single bytes= range.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, apierr.Of(apierr.CodeInvalidRequest, "method not allowed"))
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
			writeError(w, apierr.Of(apierr.CodeNotFound, "media not found: "+rel))
		}
		return
	}

	f, err := os.Open(abs)
	if err != nil {
		writeError(w, apierr.Of(apierr.CodeNotFound, "media not found: "+rel))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, apierr.Ofw(apierr.CodeStatFailed, err))
		return
	}
	if info.IsDir() {
		writeError(w, apierr.Of(apierr.CodeNotAFile, "path is a directory: "+rel))
		return
	}

	size := info.Size()
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(abs)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", contentType)

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", formatInt(size))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		streamSection(w, f, 0, size)
		return
	}

	start, end, ok := parseByteRange(rangeHeader, size)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	length := end - start + 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", formatInt(length))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return
	}
	streamSection(w, f, start, length)
}

// parseByteRange parses a single "bytes=" range against size. Supported
// forms: start-end, start-, -suffix. Multi-range requests and unsatisfiable
// ranges report !ok.
func parseByteRange(header string, size int64) (start, end int64, ok bool) {
	spec, found := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false
	}
	spec = strings.TrimSpace(spec)

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return 0, 0, false
	}
	startStr, endStr := strings.TrimSpace(spec[:dash]), strings.TrimSpace(spec[dash+1:])

	if startStr == "" {
		// -suffix: last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		if size == 0 {
			return 0, 0, false
		}
		return size - n, size - 1, true
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}
	if endStr == "" {
		return start, size - 1, true
	}
	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	if end >= size {
		end = size - 1
	}
	return start, end, true
}

// streamSection copies up to length bytes to the client; a disconnect mid-copy
// terminates the loop silently.
func streamSection(w http.ResponseWriter, f *os.File, offset, length int64) {
	if _, err := io.CopyN(w, f, length); err != nil {
		logging.L_trace("httpapi: media stream ended early", "offset", offset, "error", err)
	}
}

func copyStream(w io.Writer, r io.Reader) (int64, error) {
	return io.Copy(w, r)
}

func formatInt(n int64) string { return strconv.FormatInt(n, 10) }

func splitComma(s string) []string {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
