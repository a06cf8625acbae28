// Package backend talks to the remote chat service. Every call is a single
// HTTP attempt; retries are the caller's business.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/MikeSquared-Agency/chatsync/internal/chat"
)

const defaultTimeout = 30 * time.Second

type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient returns a client for the backend at baseURL. Per-call deadlines
// come from the caller's context; the http.Client timeout is only a backstop.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
	}
}

// Register performs the identity handshake.
func (c *Client) Register(ctx context.Context, identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return chat.ErrEmptyIdentity
	}

	status, body, err := c.do(ctx, "register", http.MethodPost, PathRegister, RegisterRequest{Identity: identity}, "")
	if err != nil {
		return err
	}
	if !isSuccess(status) {
		return &chat.RejectedError{Op: "register", Code: status, Reason: reason(body)}
	}
	return nil
}

// Join asks the backend to admit identity to channel.
func (c *Client) Join(ctx context.Context, identity, channel string) error {
	if strings.TrimSpace(channel) == "" {
		return chat.ErrEmptyChannel
	}

	status, body, err := c.do(ctx, "join", http.MethodPost, PathJoin, JoinRequest{Identity: identity, Channel: channel}, "")
	if err != nil {
		return err
	}
	if !isSuccess(status) {
		return &chat.RejectedError{Op: "join", Code: status, Reason: reason(body)}
	}
	return nil
}

// Fetch pulls the authoritative snapshot of channel. The result is ordered
// as the backend returned it and every entry is Confirmed.
func (c *Client) Fetch(ctx context.Context, identity, channel string) ([]chat.Message, error) {
	status, body, err := c.do(ctx, "fetch", http.MethodPost, PathFetch, FetchRequest{Identity: identity, Channel: channel}, "")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &chat.ServerError{Op: "fetch", Code: status, Message: reason(body)}
	}

	var resp FetchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &chat.ServerError{Op: "fetch", Code: status, Message: fmt.Sprintf("unmarshal response: %v", err)}
	}

	return lo.Map(resp.Messages, func(w WireMessage, _ int) chat.Message { return w.ToMessage() }), nil
}

// Send submits body to channel. Success only means the backend accepted the
// message for delivery; it becomes visible to others with a later snapshot.
// localID is sent as the idempotency key.
func (c *Client) Send(ctx context.Context, identity, channel, body string, localID uuid.UUID) error {
	if strings.TrimSpace(body) == "" {
		return chat.ErrEmptyBody
	}
	if channel == "" {
		return chat.ErrNoChannel
	}

	key := ""
	if localID != uuid.Nil {
		key = localID.String()
	}
	status, respBody, err := c.do(ctx, "send", http.MethodPost, PathSend, SendRequest{Identity: identity, Channel: channel, Body: body}, key)
	if err != nil {
		return err
	}
	if !isSuccess(status) {
		return &chat.RejectedError{Op: "send", Code: status, Reason: reason(respBody)}
	}
	return nil
}

// ListChannels returns the static channel list.
func (c *Client) ListChannels(ctx context.Context) ([]string, error) {
	status, body, err := c.do(ctx, "channels", http.MethodGet, PathChannels, nil, "")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &chat.ServerError{Op: "channels", Code: status, Message: reason(body)}
	}

	var resp ChannelsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal channels: %w", err)
	}
	return resp.Channels, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, payload any, idempotencyKey string) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, &chat.NetworkError{Op: op, Timeout: isTimeout(ctx, err), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &chat.NetworkError{Op: op, Timeout: isTimeout(ctx, err), Err: fmt.Errorf("read response: %w", err)}
	}
	return resp.StatusCode, respBody, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// reason pulls the human message out of an error envelope, falling back to
// the raw body.
func reason(body []byte) string {
	var env Envelope
	if json.Unmarshal(body, &env) == nil && env.Message != "" {
		return env.Message
	}
	return strings.TrimSpace(string(body))
}
