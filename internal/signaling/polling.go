package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/openconvo/signaling-client/internal/backend"
	"github.com/openconvo/signaling-client/internal/metrics"
)

// pollingTransport emulates a persistent signaling channel with HTTP
// request/response cycles against the backend: a fixed-interval batch send
// loop, one long-poll receive loop per joined room, a call liveness ping loop
// and a room snapshot poll.
type pollingTransport struct {
	s      *Session
	logger *slog.Logger

	mu    sync.Mutex
	queue []backend.OutgoingMessage
	// roomToken/callToken mirror the wire-level membership the loops serve.
	roomToken    string
	callToken    string
	pingFailures int

	// cancel functions for the per-membership loops. The send loop runs for
	// the transport's whole lifetime on the session context.
	stopPull     context.CancelFunc
	stopPing     context.CancelFunc
	stopRoomPoll context.CancelFunc

	sendStarted bool
}

func newPollingTransport(s *Session) *pollingTransport {
	return &pollingTransport{
		s:      s,
		logger: s.logger.With("transport", "polling"),
	}
}

func (t *pollingTransport) needsSession() bool { return false }

// Connect probes the signaling endpoint so the connect event fires with the
// same meaning as the socket transport's, and starts the batch send loop.
func (t *pollingTransport) Connect() {
	t.mu.Lock()
	started := t.sendStarted
	t.sendStarted = true
	t.mu.Unlock()
	if !started {
		go t.sendLoop(t.s.ctx)
	}
	go func() {
		if err := t.s.backend.Probe(t.s.ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			t.logger.Warn("signaling endpoint probe failed", "err", err)
			return
		}
		t.s.emit(Event{Kind: EventConnect})
	}()
}

// sendLoop flushes queued outbound messages in one request per interval.
// On failure the batch stays queued and is retried with whatever accumulated
// since; order is preserved.
func (t *pollingTransport) sendLoop(ctx context.Context) {
	ticker := newTicker(t.s.cfg.SendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		batch := t.queue
		room := t.roomToken
		t.mu.Unlock()
		if len(batch) == 0 || room == "" {
			continue
		}

		if err := t.s.backend.SendMessages(ctx, room, batch); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			t.logger.Warn("message batch send failed", "room", room, "count", len(batch), "err", err)
			continue
		}
		t.s.metrics.Inc(metrics.CounterBatchesSent)

		// Remove exactly the sent prefix; messages enqueued during the
		// request remain for the next cycle.
		t.mu.Lock()
		t.queue = t.queue[len(batch):]
		if len(t.queue) == 0 {
			t.queue = nil
		}
		t.mu.Unlock()
	}
}

func (t *pollingTransport) enqueue(msg backend.OutgoingMessage) {
	t.mu.Lock()
	t.queue = append(t.queue, msg)
	t.mu.Unlock()
	t.s.metrics.Inc(metrics.CounterMessagesSent)
}

func (t *pollingTransport) SendCallMessage(data json.RawMessage) {
	t.enqueue(backend.OutgoingMessage{Ev: "message", Fn: string(data)})
}

func (t *pollingTransport) sendToSession(sessionID string, data json.RawMessage) {
	t.enqueue(backend.OutgoingMessage{Ev: "message", Fn: string(data), SessionID: sessionID})
}

// RoomJoined starts the receive loop for the joined room. The backend session
// id doubles as this transport's signaling session id.
func (t *pollingTransport) RoomJoined(token, backendSessionID string) {
	t.s.setSessionID(backendSessionID)

	t.mu.Lock()
	if t.stopPull != nil {
		t.stopPull()
	}
	t.roomToken = token
	ctx, cancel := context.WithCancel(t.s.ctx)
	t.stopPull = cancel
	t.mu.Unlock()

	go t.pullLoop(ctx, token)
}

func (t *pollingTransport) RoomLeft(token string) {
	t.mu.Lock()
	if t.roomToken != token {
		t.mu.Unlock()
		return
	}
	t.roomToken = ""
	if t.stopPull != nil {
		t.stopPull()
		t.stopPull = nil
	}
	t.queue = nil
	t.mu.Unlock()
	t.s.setSessionID("")
	t.s.clearRosterEmitLeft()
}

// pullLoop keeps exactly one receive request outstanding for the room. A
// successful pull is re-issued immediately (the backend holds the request
// open until data is available); failures are retried after a delay. A
// 403/404 means the room session is gone and the loop ends.
func (t *pollingTransport) pullLoop(ctx context.Context, token string) {
	for {
		msgs, err := t.s.backend.PullMessages(ctx, token)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if backend.IsStatus(err, http.StatusForbidden) || backend.IsStatus(err, http.StatusNotFound) {
				t.logger.Warn("receive loop ended, room session is gone", "room", token, "err", err)
				return
			}
			t.s.metrics.Inc(metrics.CounterPullFailures)
			t.logger.Warn("receive request failed, retrying", "room", token, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-after(t.s.cfg.PullRetryDelay):
			}
			continue
		}
		for _, msg := range msgs {
			t.dispatch(msg)
		}
	}
}

func (t *pollingTransport) dispatch(msg backend.InboundMessage) {
	t.s.metrics.Inc(metrics.CounterFramesReceived)
	switch msg.Type {
	case "usersInRoom":
		var parts []struct {
			SessionID string `json:"sessionId"`
			UserID    string `json:"userId"`
		}
		if err := json.Unmarshal(msg.Data, &parts); err != nil {
			t.logger.Warn("discarding malformed usersInRoom payload", "err", err)
			return
		}
		full := make([]Participant, 0, len(parts))
		for _, p := range parts {
			full = append(full, Participant{SessionID: p.SessionID, UserID: p.UserID})
		}
		t.s.reconcileRoster(full)
	case "message":
		t.s.handleMessage(msg.Data)
	default:
		t.logger.Debug("ignoring unknown inbound message type", "type", msg.Type)
	}
}

// CallJoined starts the liveness ping loop for the call.
func (t *pollingTransport) CallJoined(token string) {
	t.mu.Lock()
	if t.stopPing != nil {
		t.stopPing()
	}
	t.callToken = token
	t.pingFailures = 0
	ctx, cancel := context.WithCancel(t.s.ctx)
	t.stopPing = cancel
	t.mu.Unlock()

	go t.pingLoop(ctx, token)
}

func (t *pollingTransport) CallLeft(token string) {
	t.mu.Lock()
	if t.callToken != token {
		t.mu.Unlock()
		return
	}
	t.callToken = ""
	if t.stopPing != nil {
		t.stopPing()
		t.stopPing = nil
	}
	t.mu.Unlock()
}

// pingLoop reports call liveness at a fixed interval. A 404 tears the room
// down immediately (it is gone server-side); other failures tear it down
// after the configured consecutive-failure budget is exhausted. Any success
// resets the budget.
func (t *pollingTransport) pingLoop(ctx context.Context, token string) {
	ticker := newTicker(t.s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := t.s.backend.PingCall(ctx, token)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			t.mu.Lock()
			t.pingFailures = 0
			t.mu.Unlock()
			t.s.bumpRoomPing(token)
			continue
		}

		t.s.metrics.Inc(metrics.CounterPingFailures)
		if backend.IsStatus(err, http.StatusNotFound) {
			t.logger.Warn("call vanished server-side", "call", token, "err", err)
			t.teardownAfterPings(token)
			return
		}

		t.mu.Lock()
		t.pingFailures++
		failures := t.pingFailures
		t.mu.Unlock()
		t.logger.Warn("call ping failed", "call", token, "failures", failures, "err", err)
		if failures >= t.s.cfg.PingFailureLimit {
			t.teardownAfterPings(token)
			return
		}
	}
}

func (t *pollingTransport) teardownAfterPings(token string) {
	t.mu.Lock()
	t.roomToken = ""
	t.callToken = ""
	t.queue = nil
	if t.stopPull != nil {
		t.stopPull()
		t.stopPull = nil
	}
	if t.stopPing != nil {
		t.stopPing()
		t.stopPing = nil
	}
	t.mu.Unlock()
	t.s.setSessionID("")
	t.s.handlePingTeardown(token)
}

// RoomsRegistered starts the fixed-interval room snapshot poll. The polling
// transport has no server push for room changes, so the registered collection
// is refreshed on a timer.
func (t *pollingTransport) RoomsRegistered() {
	t.mu.Lock()
	if t.stopRoomPoll != nil {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(t.s.ctx)
	t.stopRoomPoll = cancel
	t.mu.Unlock()

	go t.roomPollLoop(ctx)
}

func (t *pollingTransport) roomPollLoop(ctx context.Context) {
	ticker := newTicker(t.s.cfg.RoomPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := t.s.SyncRooms(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Warn("room poll failed", "err", err)
		}
	}
}

// ForceReconnect re-registers the session with the backend. There is no
// persistent channel to cycle; with newSession the room is rejoined, which
// issues a fresh backend session id.
func (t *pollingTransport) ForceReconnect(newSession bool) {
	if !newSession {
		t.Connect()
		return
	}
	t.mu.Lock()
	t.queue = nil
	t.mu.Unlock()
	t.s.setSessionID("")
	t.s.rejoinCurrentRoom()
}

func (t *pollingTransport) Disconnect() {
	t.mu.Lock()
	t.roomToken = ""
	t.callToken = ""
	t.queue = nil
	if t.stopPull != nil {
		t.stopPull()
		t.stopPull = nil
	}
	if t.stopPing != nil {
		t.stopPing()
		t.stopPing = nil
	}
	if t.stopRoomPoll != nil {
		t.stopRoomPoll()
		t.stopRoomPoll = nil
	}
	t.mu.Unlock()
}
