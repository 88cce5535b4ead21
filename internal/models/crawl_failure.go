package models

import "time"

// CrawlFailure is published to the dead-letter queue when a page could not be
// fetched and the failure policy routes it there.
type CrawlFailure struct {
	URL        string    `json:"url"`
	Error      string    `json:"error"`
	StatusCode int       `json:"status_code,omitempty"`
	Attempts   int       `json:"attempts"`
	WorkerID   string    `json:"worker_id"`
	FailedAt   time.Time `json:"failed_at"`
}
