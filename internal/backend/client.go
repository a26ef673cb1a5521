// Package backend is the HTTP client for the room/call backend: joining and
// leaving rooms and calls, call liveness pings, the polling transport's batch
// message endpoints, and room snapshots.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const apiPath = "/ocs/v2.php/apps/spreed/api/v1"

var (
	// ErrRoomGone indicates the room no longer exists server-side or the
	// backend is in maintenance mode. Callers must not retry; the collaborator
	// is redirected to the room listing instead.
	ErrRoomGone = errors.New("backend: room gone or maintenance mode")
	// ErrPasswordRequired indicates the room join was rejected pending a
	// password.
	ErrPasswordRequired = errors.New("backend: password required")
)

// StatusError is returned for non-2xx responses that do not map to a sentinel
// error.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: unexpected status %d", e.Code)
}

// IsStatus reports whether err carries the given HTTP status code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

func NewClient(baseURL string, hc *http.Client, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: invalid base url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend: unsupported base url scheme %q", u.Scheme)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{base: u, http: hc, logger: logger}, nil
}

// AuthBackendURL is the callback URL passed opaquely through the socket
// transport's hello frame; the signaling server uses it to validate the
// user id and ticket against this backend.
func (c *Client) AuthBackendURL() string {
	return c.base.String() + apiPath + "/signaling/backend"
}

type ocsMeta struct {
	StatusCode int    `json:"statuscode"`
	Message    string `json:"message,omitempty"`
}

type ocsBody struct {
	Meta ocsMeta         `json:"meta"`
	Data json.RawMessage `json:"data"`
}

type ocsEnvelope struct {
	OCS ocsBody `json:"ocs"`
}

// do performs a request against the OCS API and decodes the envelope's data
// into out (when out is non-nil).
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+apiPath+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("OCS-APIRequest", "true")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}

	var envelope ocsEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("backend: decoding %s %s: %w", method, path, err)
	}
	if len(envelope.OCS.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.OCS.Data, out); err != nil {
		return fmt.Errorf("backend: decoding %s %s data: %w", method, path, err)
	}
	return nil
}

// JoinRoom marks this client as an active participant of the room and returns
// the backend-issued session id for it.
func (c *Client) JoinRoom(ctx context.Context, token, password string) (string, error) {
	form := url.Values{}
	if password != "" {
		form.Set("password", password)
	}
	var data struct {
		SessionID string `json:"sessionId"`
	}
	err := c.do(ctx, http.MethodPost, "/room/"+url.PathEscape(token)+"/participants/active", form, &data)
	if err != nil {
		switch {
		case IsStatus(err, http.StatusNotFound), IsStatus(err, http.StatusServiceUnavailable):
			return "", fmt.Errorf("%w: %v", ErrRoomGone, err)
		case IsStatus(err, http.StatusForbidden):
			return "", fmt.Errorf("%w: %v", ErrPasswordRequired, err)
		}
		return "", err
	}
	return data.SessionID, nil
}

func (c *Client) LeaveRoom(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodDelete, "/room/"+url.PathEscape(token)+"/participants/active", nil, nil)
}

func (c *Client) JoinCall(ctx context.Context, token string) error {
	err := c.do(ctx, http.MethodPost, "/call/"+url.PathEscape(token), nil, nil)
	if err != nil && (IsStatus(err, http.StatusNotFound) || IsStatus(err, http.StatusServiceUnavailable)) {
		return fmt.Errorf("%w: %v", ErrRoomGone, err)
	}
	return err
}

func (c *Client) LeaveCall(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodDelete, "/call/"+url.PathEscape(token), nil, nil)
}

// PingCall reports liveness for the joined call.
func (c *Client) PingCall(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/call/"+url.PathEscape(token)+"/ping", nil, nil)
}

// OutgoingMessage is one entry in a polling transport send batch.
type OutgoingMessage struct {
	Ev        string `json:"ev"`
	Fn        string `json:"fn,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// InboundMessage is one entry in a polling transport receive response.
type InboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SendMessages delivers a batch of outgoing messages for the room in one
// request. Messages are delivered in slice order.
func (c *Client) SendMessages(ctx context.Context, token string, msgs []OutgoingMessage) error {
	encoded, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("messages", string(encoded))
	return c.do(ctx, http.MethodPost, "/signaling/"+url.PathEscape(token), form, nil)
}

// PullMessages performs one receive request for the room. The backend holds
// the request open until messages are available or its own timeout elapses.
func (c *Client) PullMessages(ctx context.Context, token string) ([]InboundMessage, error) {
	var msgs []InboundMessage
	if err := c.do(ctx, http.MethodGet, "/signaling/"+url.PathEscape(token), nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Probe verifies the signaling endpoint is reachable. The polling transport
// uses it to emit its connect event.
func (c *Client) Probe(ctx context.Context) error {
	return c.SendMessages(ctx, "", []OutgoingMessage{{Ev: "connect"}})
}

// Room is a backend room snapshot.
type Room struct {
	Token    string `json:"token"`
	Name     string `json:"name,omitempty"`
	LastPing int64  `json:"lastPing,omitempty"`
}

// ListRooms returns the rooms this user participates in.
func (c *Client) ListRooms(ctx context.Context) ([]Room, error) {
	var rooms []Room
	if err := c.do(ctx, http.MethodGet, "/room", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// GetRoom returns a single room snapshot, e.g. for public/guest sessions that
// have no room listing.
func (c *Client) GetRoom(ctx context.Context, token string) (Room, error) {
	var room Room
	if err := c.do(ctx, http.MethodGet, "/room/"+url.PathEscape(token), nil, &room); err != nil {
		return Room{}, err
	}
	return room, nil
}
