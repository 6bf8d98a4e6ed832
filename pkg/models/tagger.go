// Package models contains shared data models used across the imagetagger codebase.
package models

import "context"

// Tagger is the core interface every inference backend must implement.
// Handlers and the scheduler depend on this, never on a worker process directly.
type Tagger interface {
	// Tag runs the model on raw image bytes and returns tags ordered as the model reports them.
	Tag(ctx context.Context, image []byte) ([]Tag, error)
	// Name returns the backend identifier (e.g., "process-pool", "mock").
	Name() string
}

// Tag is one (tag, score) pair produced by the model.
type Tag struct {
	Name  string  `json:"tag"`
	Score float64 `json:"score"`
}

// ClampScores forces every score into [0, 1].
func ClampScores(tags []Tag) []Tag {
	for i := range tags {
		if tags[i].Score < 0 {
			tags[i].Score = 0
		}
		if tags[i].Score > 1.0 {
			tags[i].Score = 1.0
		}
	}
	return tags
}
