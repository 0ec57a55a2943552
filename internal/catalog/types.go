// Package catalog persists channels and media records. It owns the
// (channel, message_id) uniqueness invariant and the pending/approved/failed
// approval state transitions; the unique constraint is enforced by the schema,
// not only here.
package catalog

import (
	"time"

	"github.com/chanvault/chanvault/internal/platform"
)

// ApprovalState is the lifecycle state of a media record.
type ApprovalState string

const (
	StatePending  ApprovalState = "pending"
	StateApproved ApprovalState = "approved"
	StateFailed   ApprovalState = "failed"
)

// Channel is a tracked message source. Cursor is the last message ID whose
// batch was fully processed, so pulls resume without re-scanning history.
type Channel struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Active    bool      `json:"active"`
	Cursor    int64     `json:"cursor"`
	CreatedAt time.Time `json:"created_at"`
}

// MediaRecord is the durable record of one qualifying attachment.
// (ChannelUsername, MessageID) is the natural key.
type MediaRecord struct {
	ID              int64              `json:"id"`
	ChannelUsername string             `json:"channel_username"`
	MessageID       int64              `json:"message_id"`
	FileName        string             `json:"file_name"`
	Kind            platform.MediaKind `json:"media_kind"`
	MimeType        string             `json:"mime_type,omitempty"`
	SizeBytes       int64              `json:"size_bytes"`
	State           ApprovalState      `json:"status"`
	StorageKey      string             `json:"storage_key,omitempty"`
	FailureCause    string             `json:"failure_cause,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	ApprovedAt      *time.Time         `json:"approved_at,omitempty"`
}

// NewMediaRecord carries the fields for a first-sighting insert.
type NewMediaRecord struct {
	ChannelUsername string
	MessageID       int64
	FileName        string
	Kind            platform.MediaKind
	MimeType        string
	SizeBytes       int64
}

// MediaFilter narrows media listings.
type MediaFilter struct {
	Kind         platform.MediaKind
	ApprovedOnly bool
	PendingOnly  bool
	Channel      string
	Offset       int
	Limit        int
}

// Counts is the catalog snapshot reported by diagnostics.
type Counts struct {
	TotalChannels  int64 `json:"total_channels"`
	ActiveChannels int64 `json:"active_channels"`
	TotalMedia     int64 `json:"total_media"`
	PendingMedia   int64 `json:"pending_media"`
	ApprovedMedia  int64 `json:"approved_media"`
}
