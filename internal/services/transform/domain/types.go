// Package domain holds the normalized entity model
package domain

import "time"

// Entity is the normalized form of one extracted unit. ExternalID is the
// stable upstream identity; re-syncs update the same row and bump Revision
type Entity struct {
	ID         string
	TenantID   string
	ExternalID string
	Kind       string
	Title      string
	Body       string
	// Data keeps the normalized payload for the API and debugging
	Data      []byte
	Revision  int
	UpdatedAt time.Time
}

// EmbedText is the text the embedding stage vectorizes
func (e Entity) EmbedText() string {
	if e.Body == "" {
		return e.Title
	}
	return e.Title + "\n\n" + e.Body
}
