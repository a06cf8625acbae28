// Package chat holds the types shared by every layer of the synchronizer:
// messages as the user sees them, the error taxonomy and user-facing notices.
package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Origin tells where a transcript entry currently stands.
type Origin int

const (
	// Local entries were typed on this client and are not yet seen in a snapshot.
	Local Origin = iota
	// Confirmed entries were reported by the backend.
	Confirmed
	// Failed entries were sent locally but never showed up, or were refused.
	Failed
)

func (o Origin) String() string {
	switch o {
	case Local:
		return "local"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText lets Origin travel as a readable string in JSON views.
func (o Origin) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// ParseOrigin is the inverse of Origin.String.
func ParseOrigin(s string) (Origin, error) {
	switch s {
	case "local":
		return Local, nil
	case "confirmed":
		return Confirmed, nil
	case "failed":
		return Failed, nil
	}
	return 0, fmt.Errorf("unknown origin %q", s)
}

// Message is one transcript entry.
type Message struct {
	Author string    `json:"author"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
	Origin Origin    `json:"origin"`

	// LocalID is set only for entries that originated on this client
	// (Local or Failed). Confirmed entries carry uuid.Nil.
	LocalID uuid.UUID `json:"local_id,omitempty"`

	// FailReason explains a Failed entry.
	FailReason string `json:"fail_reason,omitempty"`
}

// SameContent reports whether two messages carry the identical
// (author, body, sentAt) triple.
func (m Message) SameContent(o Message) bool {
	return m.Author == o.Author && m.Body == o.Body && m.SentAt.Equal(o.SentAt)
}

// IsLocal reports whether the entry still belongs to this client only.
func (m Message) IsLocal() bool {
	return m.Origin == Local || m.Origin == Failed
}
