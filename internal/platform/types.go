// Package platform defines the abstraction over the external messaging
// platform session: connecting, fetching channel history, downloading
// attachments, and subscribing to live updates. One concrete implementation
// (Telegram via MTProto) is bound at process start; everything above it
// depends only on these types.
package platform

import (
	"context"
	"io"
	"time"
)

// MediaKind classifies a supported attachment.
type MediaKind string

const (
	MediaKindAudio    MediaKind = "audio"
	MediaKindDocument MediaKind = "document"
)

// String returns the media kind as a plain string.
func (k MediaKind) String() string {
	return string(k)
}

// Attachment is the normalized metadata of a message's file payload.
type Attachment struct {
	FileName string
	MimeType string
	Size     int64
}

// Message is one channel message as seen by the platform session.
// Attachment is nil for messages without a file payload.
type Message struct {
	ID         int64
	Channel    string
	Date       time.Time
	Text       string
	Attachment *Attachment
}

// Self describes the authenticated account behind the session.
type Self struct {
	ID       int64
	Username string
	Bot      bool
}

// EventHandler consumes live messages delivered while the session is connected.
type EventHandler func(ctx context.Context, msg Message)

// Session is the capability set of an authenticated platform session.
// All methods are fallible and rate-limited; callers are expected to go
// through the connection manager before issuing network operations.
type Session interface {
	// Connect authenticates and establishes the session. Credential problems
	// are reported with KindCredentialMissing or KindCredentialInvalid and
	// must not be retried by callers.
	Connect(ctx context.Context) error
	// Close tears the session down. Safe to call on a session that never
	// connected.
	Close(ctx context.Context) error
	// Connected reports whether the underlying transport is currently up.
	Connected() bool
	// Self returns the authenticated account identity.
	Self(ctx context.Context) (Self, error)
	// FetchBatch returns up to limit messages from the channel with IDs
	// strictly greater than afterID, oldest first.
	FetchBatch(ctx context.Context, channel string, afterID int64, limit int) ([]Message, error)
	// DownloadByID streams the attachment bytes of the given message into w
	// and returns the number of bytes written.
	DownloadByID(ctx context.Context, channel string, messageID int64, w io.Writer) (int64, error)
	// SubscribeEvents registers the live-message handler. At most one handler
	// is active; registration survives reconnects of the same session object.
	SubscribeEvents(handler EventHandler)
}
