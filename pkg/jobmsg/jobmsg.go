package jobmsg

// EventsChannel is the redis pub/sub channel carrying job lifecycle events
// from workers to the event bridge.
const EventsChannel = "jobs:events"

// Payload is the message placed on the job queue for one processing attempt.
// The media id doubles as the queue's idempotency key; generation
// distinguishes resubmissions of the same media item.
type Payload struct {
	MediaID       string `json:"media_id"`
	Generation    int    `json:"generation"`
	SourceLocator string `json:"source_locator"`
	IsLocalSource bool   `json:"is_local_source"`
	AuthToken     string `json:"auth_token"`
	ResultHint    string `json:"result_hint"`
	TraceID       string `json:"trace_id"`
}

type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is one job lifecycle notification. Progress events carry percent and
// message; completed carries the result key; failed carries the raw reason.
type Event struct {
	MediaID    string    `json:"media_id"`
	Generation int       `json:"generation"`
	Type       EventType `json:"type"`
	Percent    int       `json:"percent,omitempty"`
	Message    string    `json:"message,omitempty"`
	ResultKey  string    `json:"result_key,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// FailureCategory is the stable, user-facing classification of a failure.
// Raw reasons stay in server logs.
type FailureCategory string

const (
	FailureSourceNotFound FailureCategory = "source_not_found"
	FailureProcessing     FailureCategory = "processing_error"
	FailureStalled        FailureCategory = "stalled"
	FailureUnknown        FailureCategory = "unknown"
)

// StalledReason is the failure reason recorded when a claimed job outlives
// its lease without reporting progress.
const StalledReason = "stalled: worker lease expired"
