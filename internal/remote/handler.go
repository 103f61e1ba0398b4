package remote

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"melissi-go/internal/melissi"
)

// maxUpload bounds a revision request body.
const maxUpload = 64 << 20

// NewHandler serves the sync server REST API on top of m. When creds is
// non-nil every request must carry matching basic auth.
func NewHandler(m *MemoryRemote, creds *melissi.Credentials) http.Handler {
	h := &handler{m: m}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/droplet/{$}", h.createDroplet)
	mux.HandleFunc("POST /api/droplet/{id}/revision/{$}", h.createRevision)
	mux.HandleFunc("DELETE /api/droplet/{id}/{$}", h.deleteDroplet)
	mux.HandleFunc("POST /api/cell/{$}", h.createCell)
	mux.HandleFunc("PUT /api/cell/{id}/{$}", h.updateCell)
	mux.HandleFunc("DELETE /api/cell/{id}/{$}", h.deleteCell)

	if creds == nil {
		return mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != creds.Username || pass != creds.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="melissi"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

type handler struct {
	m *MemoryRemote
}

func (h *handler) createDroplet(w http.ResponseWriter, r *http.Request) {
	var in objectRequest
	if !decode(w, r, &in) {
		return
	}
	id, err := h.m.CreateDroplet(r.Context(), in.Name, in.Cell)
	respond(w, err, map[string]int64{"pk": id})
}

func (h *handler) createRevision(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		http.Error(w, fmt.Sprintf("parsing form: %v", err), http.StatusBadRequest)
		return
	}
	number, err := strconv.ParseInt(r.FormValue("number"), 10, 64)
	if err != nil {
		http.Error(w, "invalid number", http.StatusBadRequest)
		return
	}

	rev := &melissi.RevisionUpload{Hash: r.FormValue("md5"), Number: number}
	if f, _, err := r.FormFile("patch"); err == nil {
		defer f.Close()
		patch, err := io.ReadAll(f)
		if err != nil {
			http.Error(w, "reading patch", http.StatusBadRequest)
			return
		}
		rev.Patch = patch
	} else if f, _, err := r.FormFile("content"); err == nil {
		defer f.Close()
		rev.Content = f
	} else {
		rev.Content = bytes.NewReader(nil)
	}

	n, err := h.m.CreateRevision(r.Context(), id, rev)
	respond(w, err, map[string]int64{"number": n})
}

func (h *handler) deleteDroplet(w http.ResponseWriter, r *http.Request) {
	if id, ok := pathID(w, r); ok {
		respond(w, h.m.DeleteDroplet(r.Context(), id), nil)
	}
}

func (h *handler) createCell(w http.ResponseWriter, r *http.Request) {
	var in objectRequest
	if !decode(w, r, &in) {
		return
	}
	id, err := h.m.CreateCell(r.Context(), in.Name, in.Parent)
	respond(w, err, map[string]int64{"pk": id})
}

func (h *handler) updateCell(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in objectRequest
	if !decode(w, r, &in) {
		return
	}
	respond(w, h.m.UpdateCell(r.Context(), id, in.Name, in.Parent), nil)
}

func (h *handler) deleteCell(w http.ResponseWriter, r *http.Request) {
	if id, ok := pathID(w, r); ok {
		respond(w, h.m.DeleteCell(r.Context(), id), nil)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("decoding body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func respond(w http.ResponseWriter, err error, body map[string]int64) {
	var status *StatusError
	switch {
	case errors.Is(err, melissi.ErrRemoteNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &status):
		http.Error(w, status.Body, status.Code)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	case body == nil:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"reply": body})
	}
}
