package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/mediaroot/mediarootd/internal/apierr"
	"github.com/mediaroot/mediarootd/internal/logging"
)

// maxBodyBytes bounds mutation request bodies; paths are short.
const maxBodyBytes = 1 << 20

// errorEnvelope is the error body shape: {"error":{"code","message"}}.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON serializes v with Cache-Control: no-store, the default for every
// non-derivative endpoint.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.L_trace("httpapi: response write failed", "error", err)
	}
}

// writeError renders err through the apierr taxonomy, falling back to a 500
// INTERNAL for anything untyped.
func writeError(w http.ResponseWriter, err error) {
	ae, ok := apierr.As(err)
	if !ok {
		logging.L_error("httpapi: unclassified error", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{
			Error: errorBody{Code: "INTERNAL", Message: err.Error()},
		})
		return
	}
	writeJSON(w, ae.HTTPStatus, errorEnvelope{
		Error: errorBody{Code: ae.Code, Message: ae.Message},
	})
}

// decodeBody parses a JSON request body into dst with a size cap.
func decodeBody(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return apierr.Of(apierr.CodeInvalidRequest, "failed to read request body")
	}
	if len(body) > maxBodyBytes {
		return apierr.Of(apierr.CodeInvalidContentLength, "request body too large")
	}
	if len(body) == 0 {
		return apierr.Of(apierr.CodeInvalidJSON, "empty request body")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apierr.Of(apierr.CodeInvalidJSON, "invalid JSON body: "+err.Error())
	}
	return nil
}

// requireMethod answers 405 for a mismatched method and reports whether the
// handler should continue.
func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeJSON(w, http.StatusMethodNotAllowed, errorEnvelope{
			Error: errorBody{Code: apierr.CodeInvalidRequest, Message: "method not allowed"},
		})
		return false
	}
	return true
}

// refreshRequested reports whether the query's refresh flag is truthy
// (1, true, yes).
func refreshRequested(r *http.Request) bool {
	switch r.URL.Query().Get("refresh") {
	case "1", "true", "yes":
		return true
	}
	return false
}
