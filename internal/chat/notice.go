package chat

import (
	"time"

	"github.com/google/uuid"
)

// NoticeKind classifies user-facing notices.
type NoticeKind string

const (
	NoticeJoined       NoticeKind = "joined"
	NoticeJoinRejected NoticeKind = "join_rejected"
	NoticeFetchFailed  NoticeKind = "fetch_failed"
	NoticeSendRejected NoticeKind = "send_rejected"
	NoticeSendFailed   NoticeKind = "send_failed"
)

// Notice is something the user should see that is not a transcript entry.
type Notice struct {
	Kind     NoticeKind `json:"kind"`
	Identity string     `json:"identity,omitempty"`
	Channel  string     `json:"channel,omitempty"`
	LocalID  uuid.UUID  `json:"local_id,omitempty"`
	Detail   string     `json:"detail,omitempty"`
	At       time.Time  `json:"at"`
}

// Notifier receives notices.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// Notifiers fans a notice out to several receivers.
type Notifiers []Notifier

func (ns Notifiers) Notify(n Notice) {
	for _, x := range ns {
		if x != nil {
			x.Notify(n)
		}
	}
}
