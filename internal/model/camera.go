package model

import "time"

// Camera represents a configured camera source.
// Source is either a local device index ("0") or a stream URL.
type Camera struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Source    string    `json:"source"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}
