package dto

import "errors"

var (
	ErrMediaNotFound      = errors.New("media item not found")
	ErrForbidden          = errors.New("media item belongs to another owner")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotAVideo          = errors.New("payload is not a recognized video format")
	ErrStorageUnavailable = errors.New("durable storage write could not be confirmed")
	ErrSourceNotFound     = errors.New("source object not found in storage")
)

type SubmitURLRequest struct {
	URL string `json:"url"`
}

type MediaIDRequest struct {
	MediaID string `json:"media_id"`
}

type PresignUploadRequest struct {
	Filename string `json:"filename"`
}

// PresignUploadResponse hands the client a time-limited direct-to-storage
// upload URL; the client PUTs the file there, then calls verify and process.
type PresignUploadResponse struct {
	MediaID   string `json:"media_id"`
	Key       string `json:"key"`
	UploadURL string `json:"upload_url"`
}

type MediaResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	ResultKey string `json:"result_key,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type StatusResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

type VerifyResponse struct {
	Verified bool   `json:"verified"`
	Size     int64  `json:"size,omitempty"`
	Message  string `json:"message,omitempty"`
}

type ProcessResponse struct {
	MediaID    string `json:"media_id"`
	Generation int    `json:"generation"`
	Status     string `json:"status"`
}

type PlaybackResponse struct {
	MediaID   string  `json:"media_id"`
	Title     string  `json:"title"`
	SourceURL string  `json:"source_url"`
	ResultURL *string `json:"result_url"`
}

// LiveEvent is the shape pushed over the websocket channel.
type LiveEvent struct {
	MediaID         string `json:"media_id"`
	Type            string `json:"type"`
	Percent         *int   `json:"percent,omitempty"`
	Message         string `json:"message,omitempty"`
	ResultAvailable *bool  `json:"result_available,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}
