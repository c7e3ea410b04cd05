package models

import (
	"time"
)

type MediaStatus string

const (
	StatusPending    MediaStatus = "pending"
	StatusProcessing MediaStatus = "processing"
	StatusCompleted  MediaStatus = "completed"
	StatusFailed     MediaStatus = "failed"
)

// Terminal reports whether a status admits no further transitions short of an
// explicit resubmission.
func (s MediaStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// MediaItem is the authoritative record of one submitted video. Exactly one
// of SourceKey/LocalPath is the source locator, picked by IsLocalSource.
type MediaItem struct {
	ID            string
	OwnerID       string
	Title         string
	SourceKey     string
	LocalPath     string
	IsLocalSource bool
	ResultKey     string
	Status        MediaStatus
	Progress      int
	JobGeneration int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SourceLocator returns whichever locator is authoritative.
func (m *MediaItem) SourceLocator() string {
	if m.IsLocalSource {
		return m.LocalPath
	}
	return m.SourceKey
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobClaimed   JobStatus = "claimed"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) Active() bool {
	return s == JobQueued || s == JobClaimed
}

// Job is one processing attempt, keyed by media id. Generation increments on
// resubmission so late events from superseded attempts can be recognized.
type Job struct {
	MediaID        string
	Generation     int
	Status         JobStatus
	SourceLocator  string
	IsLocalSource  bool
	AuthToken      string
	ResultHint     string
	ClaimedBy      string
	LeaseExpiresAt *time.Time
	ResultKey      string
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
