package database

import (
	"encoding/json"
	"time"
)

// CatalogItem is one source record for a feed type. Payload is the item's
// JSON object, kept as given so feed files preserve its key order.
type CatalogItem struct {
	FeedType  string
	ItemID    string
	Position  int
	Payload   json.RawMessage
	UpdatedAt time.Time
}

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusRetrying  JobStatus = "retrying"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

type JobRun struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	FeedType   string     `json:"feed_type"`
	Status     JobStatus  `json:"status"`
	Step       string     `json:"step"`
	Batch      int        `json:"batch"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
