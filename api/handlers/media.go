package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"subtitlepipe/api/dto"
	"subtitlepipe/api/middleware"
)

// Service is the surface the HTTP layer needs from the media service.
type Service interface {
	SubmitDirect(ctx context.Context, ownerID string, file io.Reader, filename string) (*dto.MediaResponse, error)
	SubmitLocal(ctx context.Context, ownerID string, file io.Reader, filename string) (*dto.MediaResponse, error)
	SubmitFromURL(ctx context.Context, ownerID, rawURL string) (*dto.MediaResponse, error)
	SubmitPresigned(ctx context.Context, ownerID, filename string) (*dto.PresignUploadResponse, error)
	Verify(ctx context.Context, ownerID, mediaID string) (*dto.VerifyResponse, error)
	Process(ctx context.Context, ownerID, mediaID string) (*dto.ProcessResponse, error)
	List(ctx context.Context, ownerID string) ([]*dto.MediaResponse, error)
	Status(ctx context.Context, ownerID, mediaID string) (*dto.StatusResponse, error)
	PlaybackInfo(ctx context.Context, ownerID, mediaID string) (*dto.PlaybackResponse, error)
	SourceFile(ctx context.Context, ownerID, mediaID string) (string, error)
	SubtitleObject(ctx context.Context, key string) (io.ReadCloser, error)
}

// Sockets attaches an authenticated websocket connection to the live feed.
type Sockets interface {
	Register(conn *websocket.Conn, ownerID string)
}

type MediaHandler struct {
	service       Service
	sockets       Sockets
	maxUploadSize int64
	upgrader      websocket.Upgrader
	logger        *zap.Logger
}

func NewMediaHandler(service Service, sockets Sockets, maxUploadSize int64, logger *zap.Logger) *MediaHandler {
	return &MediaHandler{
		service:       service,
		sockets:       sockets,
		maxUploadSize: maxUploadSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *MediaHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/media/upload", h.Upload)
	mux.HandleFunc("POST /api/media/upload-local", h.UploadLocal)
	mux.HandleFunc("POST /api/media/upload-url", h.UploadFromURL)
	mux.HandleFunc("POST /api/media/presign-upload", h.PresignUpload)
	mux.HandleFunc("GET /api/media/verify/{id}", h.Verify)
	mux.HandleFunc("POST /api/media/process", h.Process)
	mux.HandleFunc("GET /api/media/list", h.List)
	mux.HandleFunc("GET /api/media/status/{id}", h.Status)
	mux.HandleFunc("GET /api/media/playback/{id}", h.Playback)
	mux.HandleFunc("GET /api/media/file/{id}", h.SourceFile)
	mux.HandleFunc("GET /api/media/subtitle/{key...}", h.Subtitle)
	mux.HandleFunc("GET /api/media/ws", h.Live)
}

func (h *MediaHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)

	file, header, err := r.FormFile("file")
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	resp, err := h.service.SubmitDirect(r.Context(), middleware.GetOwnerID(r.Context()), file, header.Filename)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, resp)
}

// UploadLocal accepts the same multipart body as Upload but stages the
// source on the volume shared with the worker instead of object storage.
func (h *MediaHandler) UploadLocal(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)

	file, header, err := r.FormFile("file")
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	resp, err := h.service.SubmitLocal(r.Context(), middleware.GetOwnerID(r.Context()), file, header.Filename)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, resp)
}

func (h *MediaHandler) UploadFromURL(w http.ResponseWriter, r *http.Request) {
	var req dto.SubmitURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		h.respondError(w, r, http.StatusBadRequest, "body must be JSON with a 'url' field")
		return
	}

	resp, err := h.service.SubmitFromURL(r.Context(), middleware.GetOwnerID(r.Context()), req.URL)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, resp)
}

func (h *MediaHandler) PresignUpload(w http.ResponseWriter, r *http.Request) {
	var req dto.PresignUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Filename == "" {
		h.respondError(w, r, http.StatusBadRequest, "body must be JSON with a 'filename' field")
		return
	}

	resp, err := h.service.SubmitPresigned(r.Context(), middleware.GetOwnerID(r.Context()), req.Filename)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, resp)
}

func (h *MediaHandler) Verify(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Verify(r.Context(), middleware.GetOwnerID(r.Context()), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *MediaHandler) Process(w http.ResponseWriter, r *http.Request) {
	var req dto.MediaIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MediaID == "" {
		h.respondError(w, r, http.StatusBadRequest, "body must be JSON with a 'media_id' field")
		return
	}

	resp, err := h.service.Process(r.Context(), middleware.GetOwnerID(r.Context()), req.MediaID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, resp)
}

func (h *MediaHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.List(r.Context(), middleware.GetOwnerID(r.Context()))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if items == nil {
		items = []*dto.MediaResponse{}
	}
	h.respondJSON(w, http.StatusOK, items)
}

func (h *MediaHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Status(r.Context(), middleware.GetOwnerID(r.Context()), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *MediaHandler) Playback(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.PlaybackInfo(r.Context(), middleware.GetOwnerID(r.Context()), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// SourceFile streams a locally-staged source video straight from disk.
func (h *MediaHandler) SourceFile(w http.ResponseWriter, r *http.Request) {
	path, err := h.service.SourceFile(r.Context(), middleware.GetOwnerID(r.Context()), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	http.ServeFile(w, r, path)
}

func (h *MediaHandler) Subtitle(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		h.respondError(w, r, http.StatusBadRequest, "subtitle key is required")
		return
	}

	obj, err := h.service.SubtitleObject(r.Context(), key)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	defer obj.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="subtitles.ass"`)
	if _, err := io.Copy(w, obj); err != nil {
		h.logger.Warn("subtitle stream interrupted",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func (h *MediaHandler) Live(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.GetOwnerID(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.sockets.Register(conn, ownerID)
}

func (h *MediaHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dto.ErrMediaNotFound):
		h.respondError(w, r, http.StatusNotFound, "media item not found")
	case errors.Is(err, dto.ErrForbidden):
		h.respondError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, dto.ErrNotAVideo):
		h.respondError(w, r, http.StatusUnsupportedMediaType, "not a recognized video format")
	case errors.Is(err, dto.ErrInvalidInput):
		h.respondError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, dto.ErrSourceNotFound):
		h.respondError(w, r, http.StatusConflict, "source artifact is missing; submit again")
	case errors.Is(err, dto.ErrStorageUnavailable):
		h.respondError(w, r, http.StatusServiceUnavailable, "storage is unavailable, try again later")
	default:
		h.logger.Error("request failed",
			zap.String("trace_id", middleware.GetTraceID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		h.respondError(w, r, http.StatusInternalServerError, "internal server error")
	}
}

func (h *MediaHandler) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("response encode failed", zap.Error(err))
	}
}

func (h *MediaHandler) respondError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	h.respondJSON(w, status, dto.ErrorResponse{
		Error:   msg,
		TraceID: middleware.GetTraceID(r.Context()),
	})
}
