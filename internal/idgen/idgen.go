// Package idgen generates and validates the identifiers used across the
// hub: agent ids, message ids, group-message ids, round-table ids, and
// issued-key ids.
package idgen

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// NewMessageID returns a fresh globally-unique message id.
func NewMessageID() string {
	return uuid.NewString()
}

// NewGroupMessageID returns a fresh group-message id, stable across all
// per-recipient deliveries of a single group post.
func NewGroupMessageID() string {
	return uuid.NewString()
}

// NewAgentID returns a server-generated agent id in the
// "agent://<uuid>" form used when registration omits one.
func NewAgentID() string {
	return "agent://" + uuid.NewString()
}

// NewRoundTableID returns a short id for a new round table.
func NewRoundTableID() string {
	return "rt-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NewKeyID returns a fresh issued-API-key id.
func NewKeyID() string {
	return "key-" + uuid.NewString()
}

// ValidatePathSafe rejects ids unsuitable to ever appear in a URL path
// segment, even after escaping: empty, or containing whitespace or
// control characters. Scheme-prefixed ids ("agent://alice",
// "group://team") are allowed through unchanged — the hub normalizes
// them for routing via EncodePathSegment rather than rejecting the
// format.
func ValidatePathSafe(id string) error {
	if id == "" {
		return fmt.Errorf("idgen: id must not be empty")
	}
	if strings.ContainsAny(id, " \t\r\n") {
		return fmt.Errorf("idgen: id %q contains whitespace", id)
	}
	for _, r := range id {
		if r < 0x20 {
			return fmt.Errorf("idgen: id %q contains a control character", id)
		}
	}
	return nil
}

// EncodePathSegment escapes an id (which may itself contain "/", as in
// "agent://alice") so it can be embedded as a single URL path segment.
func EncodePathSegment(id string) string {
	return url.PathEscape(id)
}

// DecodePathSegment reverses EncodePathSegment, returning the original
// id from a URL path segment.
func DecodePathSegment(segment string) (string, error) {
	id, err := url.PathUnescape(segment)
	if err != nil {
		return "", fmt.Errorf("idgen: decode path segment: %w", err)
	}
	return id, nil
}
