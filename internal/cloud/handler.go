package cloud

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tonimelisma/ownedsync/internal/snapshot"
)

const (
	maxBodyBytes     = 8 << 20
	feedWriteTimeout = 5 * time.Second
)

// HandlerOptions configures NewHandler.
type HandlerOptions struct {
	// Token, when set, is the bearer token every request must carry.
	Token  string
	Logger *slog.Logger
	// OnRequest, when set, is called after each request with the route
	// pattern and response status.
	OnRequest func(route string, status int)
}

type handler struct {
	store Store
	opts  HandlerOptions
	log   *slog.Logger
}

// NewHandler serves store over the REST API that HTTPStore speaks.
func NewHandler(store Store, opts HandlerOptions) http.Handler {
	h := &handler{store: store, opts: opts, log: opts.Logger}
	if h.log == nil {
		h.log = slog.Default()
	}

	mux := http.NewServeMux()
	h.route(mux, "GET /users/{uid}/library", h.getLibrary)
	h.route(mux, "PUT /users/{uid}/library", h.putLibrary)
	h.route(mux, "GET /users/{uid}/backups", h.listBackups)
	h.route(mux, "POST /users/{uid}/backups", h.createBackup)
	h.route(mux, "GET /users/{uid}/backups/latest", h.latestBackup)
	h.route(mux, "DELETE /users/{uid}/backups/{id}", h.deleteBackup)
	h.route(mux, "POST /users/{uid}/backups/cleanup", h.cleanupBackups)
	h.route(mux, "GET /users/{uid}/feed", h.feed)

	return mux
}

// statusWriter records the response status for OnRequest.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and websocket.Accept reach the
// underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (h *handler) route(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		if h.authorized(r) {
			fn(sw, r)
		} else {
			h.fail(sw, r, ErrUnauthorized)
		}

		if h.opts.OnRequest != nil {
			h.opts.OnRequest(pattern, sw.status)
		}
	})
}

func (h *handler) authorized(r *http.Request) bool {
	if h.opts.Token == "" {
		return true
	}

	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")

	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(h.opts.Token)) == 1
}

func (h *handler) getLibrary(w http.ResponseWriter, r *http.Request) {
	s, err := h.store.ReadSnapshot(r.Context(), r.PathValue("uid"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if s == nil {
		h.fail(w, r, ErrNotFound)
		return
	}

	writeJSON(w, http.StatusOK, s)
}

func (h *handler) putLibrary(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	s := req.Snapshot.Renormalize()
	if err := h.store.WriteSnapshot(r.Context(), r.PathValue("uid"), s, req.RemovedTrackIDs); err != nil {
		h.fail(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listBackups(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListBackups(r.Context(), r.PathValue("uid"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if list == nil {
		list = []Backup{}
	}

	writeJSON(w, http.StatusOK, backupList{Backups: list})
}

func (h *handler) createBackup(w http.ResponseWriter, r *http.Request) {
	var s snapshot.Snapshot
	if err := decodeBody(r, &s); err != nil {
		h.fail(w, r, err)
		return
	}

	s = s.Renormalize()
	if s.Count == 0 {
		h.fail(w, r, fmt.Errorf("%w: refusing to back up an empty library", ErrBadRequest))
		return
	}

	if err := h.store.WriteBackup(r.Context(), r.PathValue("uid"), s); err != nil {
		h.fail(w, r, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

func (h *handler) latestBackup(w http.ResponseWriter, r *http.Request) {
	s, err := h.store.ReadLatestBackup(r.Context(), r.PathValue("uid"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if s == nil {
		h.fail(w, r, ErrNotFound)
		return
	}

	writeJSON(w, http.StatusOK, s)
}

func (h *handler) deleteBackup(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteBackup(r.Context(), r.PathValue("uid"), r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) cleanupBackups(w http.ResponseWriter, r *http.Request) {
	keep, err := strconv.Atoi(r.URL.Query().Get("keep"))
	if err != nil || keep < 1 {
		h.fail(w, r, fmt.Errorf("%w: keep must be a positive integer", ErrBadRequest))
		return
	}

	if err := h.store.CleanupBackups(r.Context(), r.PathValue("uid"), keep); err != nil {
		h.fail(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// feed streams library changes for one user as JSON websocket messages.
func (h *handler) feed(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	if err := ValidateUID(uid); err != nil {
		h.fail(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("change feed upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The client never sends; CloseRead ends ctx when it disconnects.
	ctx := conn.CloseRead(r.Context())

	h.log.Debug("change feed subscribed", slog.String("uid", uid))

	watchErr := h.store.Watch(ctx, uid, func(c Change) {
		writeCtx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
		defer cancel()

		if err := wsjson.Write(writeCtx, conn, c); err != nil {
			h.log.Debug("change feed write failed", slog.String("uid", uid), slog.String("error", err.Error()))
		}
	})
	if watchErr != nil {
		h.log.Warn("change feed ended", slog.String("uid", uid), slog.String("error", watchErr.Error()))
		conn.Close(websocket.StatusInternalError, "watch failed")
	}
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}

	http.Error(w, err.Error(), status)
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("%w: body larger than %d bytes", ErrBadRequest, maxBodyBytes)
		}

		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
