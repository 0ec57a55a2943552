// Package ingest pulls channel history and live messages, filters them to
// supported media kinds, and records first sightings as pending media.
package ingest

import (
	"strings"

	"github.com/chanvault/chanvault/internal/platform"
)

// Classifier maps a declared content type to a media kind. The mapping is
// configuration data: supporting a new content type is a config entry, not a
// code branch.
type Classifier struct {
	kinds map[string]platform.MediaKind
}

// NewClassifier builds a Classifier from a content-type to media-kind table.
// Entries with unknown kind names are dropped.
func NewClassifier(mimeKinds map[string]string) *Classifier {
	kinds := make(map[string]platform.MediaKind, len(mimeKinds))
	for mime, kind := range mimeKinds {
		mime = normalizeMime(mime)
		if mime == "" {
			continue
		}
		switch platform.MediaKind(strings.ToLower(strings.TrimSpace(kind))) {
		case platform.MediaKindAudio:
			kinds[mime] = platform.MediaKindAudio
		case platform.MediaKindDocument:
			kinds[mime] = platform.MediaKindDocument
		}
	}
	return &Classifier{kinds: kinds}
}

// Classify returns the media kind for a declared content type; ok is false
// for unsupported types, which are always discarded.
func (c *Classifier) Classify(mimeType string) (platform.MediaKind, bool) {
	kind, ok := c.kinds[normalizeMime(mimeType)]
	return kind, ok
}

func normalizeMime(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	// Declared types may carry parameters ("audio/ogg; codecs=opus").
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mime
}
