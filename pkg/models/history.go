package models

import "time"

const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// HistoryEntry is the audit row written once a job finishes. It is never read back
// to answer polls.
type HistoryEntry struct {
	Token        string    `db:"token"         json:"token"`
	Mode         string    `db:"mode"          json:"mode"`
	Status       string    `db:"status"        json:"status"`
	ErrorMessage *string   `db:"error_message" json:"error_message,omitempty"`
	TagCount     int       `db:"tag_count"     json:"tag_count"`
	ImageDigest  string    `db:"image_digest"  json:"image_digest"`
	ImageBytes   int       `db:"image_bytes"   json:"image_bytes"`
	DurationMS   int64     `db:"duration_ms"   json:"duration_ms"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
	CompletedAt  time.Time `db:"completed_at"  json:"completed_at"`
}
