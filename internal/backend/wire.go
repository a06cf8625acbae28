package backend

import (
	"time"

	"github.com/MikeSquared-Agency/chatsync/internal/chat"
)

// Routes served by the chat backend.
const (
	PathRegister = "/api/v1/register"
	PathJoin     = "/api/v1/join"
	PathFetch    = "/api/v1/messages/fetch"
	PathSend     = "/api/v1/messages/send"
	PathChannels = "/api/v1/channels"

	// HeaderIdempotencyKey carries the local id of a send so the backend can
	// drop resubmissions.
	HeaderIdempotencyKey = "Idempotency-Key"
)

// Envelope statuses.
const (
	StatusSuccess  = "success"
	StatusAccepted = "accepted"
	StatusError    = "error"
)

// Envelope is the {status, message?} shape every response carries.
type Envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type RegisterRequest struct {
	Identity string `json:"identity" validate:"required,max=64"`
}

type JoinRequest struct {
	Identity string `json:"identity" validate:"required,max=64"`
	Channel  string `json:"channel" validate:"required,max=64"`
}

type FetchRequest struct {
	Identity string `json:"identity" validate:"required,max=64"`
	Channel  string `json:"channel" validate:"required,max=64"`
}

type SendRequest struct {
	Identity string `json:"identity" validate:"required,max=64"`
	Channel  string `json:"channel" validate:"required,max=64"`
	Body     string `json:"body" validate:"required,max=4000"`
}

// WireMessage is a message as the backend reports it.
type WireMessage struct {
	Author string    `json:"author"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
}

type FetchResponse struct {
	Envelope
	Messages []WireMessage `json:"messages"`
}

type ChannelsResponse struct {
	Envelope
	Channels []string `json:"channels"`
}

// ToMessage converts a wire message into a confirmed transcript entry.
func (w WireMessage) ToMessage() chat.Message {
	return chat.Message{
		Author: w.Author,
		Body:   w.Body,
		SentAt: w.SentAt,
		Origin: chat.Confirmed,
	}
}
