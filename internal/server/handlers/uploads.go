package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gotuner/internal/errors"
	"github.com/3leaps/gotuner/pkg/remote"
	"github.com/3leaps/gotuner/pkg/transfer"
)

// UploadsHandler implements the upload-session protocol on local disk:
// one directory per session under dir, served back under /files/uploads.
type UploadsHandler struct {
	dir       string
	publicURL string
	logger    *zap.Logger
}

// NewUploadsHandler stores sessions under dir. publicURL is the base for
// returned file URLs; empty derives it from each request.
func NewUploadsHandler(dir, publicURL string, logger *zap.Logger) *UploadsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UploadsHandler{dir: dir, publicURL: strings.TrimRight(publicURL, "/"), logger: logger}
}

// CreateSession allocates a session directory.
func (h *UploadsHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Join(h.dir, id), 0755); err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "failed to create upload session"))
		return
	}
	h.logger.Info("upload session created", zap.String("session", id))
	apperrors.WriteJSON(w, http.StatusOK, remote.UploadSession{ID: id})
}

// Upload streams the multipart "file" part into the session. A "filename"
// field, when sent before the file part, overrides the part's file name.
// The connection read deadline is lifted for the body.
func (h *UploadsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	sessionDir, ok := h.session(w, r)
	if !ok {
		return
	}
	// Datasets outlive any server-wide read timeout.
	if err := http.NewResponseController(w).SetReadDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Warn("failed to clear read deadline", zap.Error(err))
	}
	mr, err := r.MultipartReader()
	if err != nil {
		respondWithError(w, r, apperrors.NewInvalidRequest("expected multipart/form-data"))
		return
	}

	var name string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			respondWithError(w, r, apperrors.NewInvalidRequest("malformed multipart body"))
			return
		}
		switch part.FormName() {
		case "filename":
			b, _ := io.ReadAll(io.LimitReader(part, 1024))
			name = strings.TrimSpace(string(b))
		case "file":
			if name == "" {
				name = part.FileName()
			}
			if !validName(name) {
				respondWithError(w, r, apperrors.NewInvalidRequest("invalid file name"))
				return
			}
			n, err := transfer.ToFile(r.Context(), part, filepath.Join(sessionDir, name), transfer.Options{Expected: -1})
			if err != nil {
				respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "failed to store upload"))
				return
			}
			h.logger.Info("upload stored", zap.String("file", name), zap.Int64("bytes", n))
			apperrors.WriteJSON(w, http.StatusOK, map[string]any{"filename": name, "size": n})
			return
		}
		_ = part.Close()
	}
	respondWithError(w, r, apperrors.NewInvalidRequest(`multipart body has no "file" part`))
}

// FileURL returns the URL the uploaded file is served from.
func (h *UploadsHandler) FileURL(w http.ResponseWriter, r *http.Request) {
	sessionDir, ok := h.session(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "file")
	if !validName(name) {
		respondWithError(w, r, apperrors.NewInvalidRequest("invalid file name"))
		return
	}
	if st, err := os.Stat(filepath.Join(sessionDir, name)); err != nil || !st.Mode().IsRegular() {
		respondWithError(w, r, apperrors.NewNotFound("file not found in session"))
		return
	}
	session := chi.URLParam(r, "session")
	apperrors.WriteJSON(w, http.StatusOK, remote.UploadSession{
		ID:  session,
		URL: h.baseURL(r) + "/files/uploads/" + session + "/" + name,
	})
}

// Serve streams an uploaded file. Range requests are supported.
func (h *UploadsHandler) Serve(w http.ResponseWriter, r *http.Request) {
	sessionDir, ok := h.session(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "file")
	if !validName(name) {
		respondWithError(w, r, apperrors.NewNotFound("file not found"))
		return
	}
	f, err := os.Open(filepath.Join(sessionDir, name))
	if err != nil {
		respondWithError(w, r, apperrors.NewNotFound("file not found"))
		return
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil || !st.Mode().IsRegular() {
		respondWithError(w, r, apperrors.NewNotFound("file not found"))
		return
	}
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct == "" {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	http.ServeContent(w, r, name, st.ModTime(), f)
}

func (h *UploadsHandler) session(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "session")
	if _, err := uuid.Parse(id); err != nil {
		respondWithError(w, r, apperrors.NewNotFound("upload session not found"))
		return "", false
	}
	dir := filepath.Join(h.dir, id)
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		respondWithError(w, r, apperrors.NewNotFound("upload session not found"))
		return "", false
	}
	return dir, true
}

func (h *UploadsHandler) baseURL(r *http.Request) string {
	if h.publicURL != "" {
		return h.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(fwd, ",")[0]))
	}
	return scheme + "://" + r.Host
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && len(name) <= 255
}
