package hermes

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/chatsync/internal/chat"
)

const (
	// SubjectNotices matches every session notice.
	SubjectNotices = "chatsync.notice.>"

	// SubjectMessagePosted is published by the relay for every stored message.
	SubjectMessagePosted = "chatsync.relay.message.posted"
)

// NoticeSubject returns the subject a notice of kind is published on.
func NoticeSubject(kind chat.NoticeKind) string {
	return "chatsync.notice." + string(kind)
}

// NoticeEvent is the wire form of a session notice.
type NoticeEvent struct {
	Kind     string    `json:"kind"`
	Identity string    `json:"identity,omitempty"`
	Channel  string    `json:"channel,omitempty"`
	LocalID  string    `json:"local_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// MessagePostedEvent announces a message accepted by the relay.
type MessagePostedEvent struct {
	Channel        string    `json:"channel"`
	Author         string    `json:"author"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sent_at"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// NoticePublisher forwards session notices to the bus. Publish failures are
// logged and otherwise ignored; the bus is never on the critical path.
type NoticePublisher struct {
	pub    Publisher
	logger *slog.Logger
}

func NewNoticePublisher(pub Publisher, logger *slog.Logger) *NoticePublisher {
	return &NoticePublisher{pub: pub, logger: logger}
}

func (p *NoticePublisher) Notify(n chat.Notice) {
	ev := NoticeEvent{
		Kind:     string(n.Kind),
		Identity: n.Identity,
		Channel:  n.Channel,
		Detail:   n.Detail,
		At:       n.At,
	}
	if n.LocalID != uuid.Nil {
		ev.LocalID = n.LocalID.String()
	}
	if err := p.pub.Publish(NoticeSubject(n.Kind), ev); err != nil {
		p.logger.Warn("failed to publish notice", "kind", n.Kind, "error", err)
	}
}
