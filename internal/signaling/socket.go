package signaling

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/openconvo/signaling-client/internal/metrics"
)

// socketTransport keeps a resumable WebSocket session to a standalone
// signaling server: hello handshake with ticket auth, correlation-id
// request/response matching, room announcements, server-push events, and a
// jittered exponential reconnect with session resumption.
type socketTransport struct {
	s      *Session
	logger *slog.Logger

	// writeMu serializes frame writes; gorilla connections allow at most one
	// concurrent writer.
	writeMu sync.Mutex

	mu         sync.Mutex
	conn       *websocket.Conn
	closed     bool
	helloDone  bool
	everHello  bool
	resumeID   string
	nextID     int
	callbacks  map[string]func(serverFrame)
	pending    []clientFrame
	backoff    *backoff.ExponentialBackOff
	retryTimer *time.Timer
	// reconnected is set when a hello completes after a disconnect; the next
	// room join event then reconciles the roster against participants that
	// vanished while the channel was down.
	reconnected bool
	// forceReconnectDeferred records a ForceReconnect that arrived while a
	// reconnect was already scheduled; forceReconnectNewSession keeps the
	// strongest newSession request seen while deferred.
	forceReconnectDeferred   bool
	forceReconnectNewSession bool

	// announcedRoom is the room confirmed by the server for this channel;
	// announcedSessionID is the backend room session id to re-announce with.
	announcedRoom      string
	announcedSessionID string
	pendingJoinCall    string
}

func newSocketTransport(s *Session) *socketTransport {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectInitialInterval
	bo.RandomizationFactor = 0.5
	bo.Multiplier = 2
	bo.MaxInterval = s.cfg.ReconnectMaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &socketTransport{
		s:         s,
		logger:    s.logger.With("transport", "socket"),
		callbacks: make(map[string]func(serverFrame)),
		backoff:   bo,
	}
}

func (t *socketTransport) needsSession() bool { return true }

func (t *socketTransport) Connect() {
	go t.connect()
}

// endpointURL normalizes a configured server URL to the websocket endpoint:
// http(s) schemes are rewritten to ws(s) and the protocol path is appended.
func endpointURL(raw string) string {
	u := strings.TrimRight(raw, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/spreed"
}

// pickEndpoint chooses one configured server at random, spreading sessions
// across a server cluster.
func (t *socketTransport) pickEndpoint() string {
	servers := t.s.cfg.Servers
	return endpointURL(servers[rand.Intn(len(servers))])
}

func (t *socketTransport) connect() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	endpoint := t.pickEndpoint()
	dialer := websocket.Dialer{
		HandshakeTimeout: t.s.cfg.WSHandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(t.s.ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if t.s.ctx.Err() != nil {
			return
		}
		t.logger.Warn("signaling server dial failed", "endpoint", endpoint, "err", err)
		t.scheduleReconnect()
		return
	}
	conn.SetReadLimit(t.s.cfg.MaxFrameBytes)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	t.helloDone = false
	t.mu.Unlock()

	t.s.metrics.Inc(metrics.CounterSocketConnects)
	t.logger.Info("connected to signaling server", "endpoint", endpoint)

	go t.readLoop(conn)
	t.sendHello(conn)
}

// sendHello performs the handshake: a resume id when one is held, the backend
// auth payload otherwise. The response (or error) arrives correlated by id.
func (t *socketTransport) sendHello(conn *websocket.Conn) {
	t.mu.Lock()
	resumeID := t.resumeID
	t.mu.Unlock()

	hello := &helloRequest{Version: helloVersion}
	if resumeID != "" {
		hello.ResumeID = resumeID
	} else {
		hello.Auth = &helloAuth{
			URL: t.s.backend.AuthBackendURL(),
			Params: helloAuthParams{
				UserID: t.s.cfg.UserID,
				Ticket: t.s.cfg.Ticket,
			},
		}
	}

	frame := clientFrame{Type: "hello", Hello: hello}
	t.registerCallback(&frame, func(resp serverFrame) {
		t.handleHelloResponse(conn, resumeID != "", resp)
	})
	if err := t.writeFrame(conn, frame); err != nil {
		t.logger.Warn("hello send failed", "err", err)
		t.dropConn(conn)
	}
}

func (t *socketTransport) handleHelloResponse(conn *websocket.Conn, resumed bool, resp serverFrame) {
	if resp.Error != nil {
		// Any rejection of a resume attempt invalidates the held resume id:
		// retrying it would only fail again. Fall back to a fresh hello.
		if resumed {
			t.logger.Info("session could not be resumed, starting a fresh one",
				"code", resp.Error.Code)
			t.s.metrics.Inc(metrics.CounterResumeFailures)
			t.mu.Lock()
			t.resumeID = ""
			t.announcedRoom = ""
			t.mu.Unlock()
			t.s.setSessionID("")
			t.sendHello(conn)
			return
		}
		t.logger.Error("hello rejected", "code", resp.Error.Code, "message", resp.Error.Message)
		t.dropConn(conn)
		return
	}
	if resp.Hello == nil {
		return
	}

	t.mu.Lock()
	wasHello := t.everHello
	t.everHello = true
	t.resumeID = resp.Hello.ResumeID
	t.reconnected = wasHello
	announced := t.announcedRoom
	t.mu.Unlock()

	t.s.setSessionID(resp.Hello.SessionID)
	if resp.Hello.Server != nil {
		t.s.setFeatures(resp.Hello.Server.Features)
	}
	t.backoff.Reset()
	t.logger.Info("signaling session established",
		"session", resp.Hello.SessionID, "resumed", resumed && wasHello)

	// On a resume the server kept the room; only the roster may have drifted,
	// which the next join event reconciles. A fresh session must re-establish
	// room membership with the backend and re-announce it; the same path runs
	// a join that was deferred while no session id existed yet.
	if !resumed || announced == "" {
		if wasHello {
			t.mu.Lock()
			t.announcedRoom = ""
			t.mu.Unlock()
		}
		t.s.rejoinCurrentRoom()
	}
	if wasHello {
		// The room list may have changed while the channel was down.
		t.s.resyncRooms()
	}

	// Drain the queue completely before marking the channel ready, so a frame
	// submitted concurrently cannot jump ahead of frames queued earlier.
	for {
		t.mu.Lock()
		pending := t.pending
		t.pending = nil
		if len(pending) == 0 {
			t.helloDone = true
			t.mu.Unlock()
			break
		}
		t.mu.Unlock()
		for _, frame := range pending {
			if err := t.writeFrame(conn, frame); err != nil {
				t.logger.Warn("queued frame send failed", "err", err)
				t.dropConn(conn)
				return
			}
		}
	}

	t.s.emit(Event{Kind: EventConnect})

	t.mu.Lock()
	deferred := t.forceReconnectDeferred
	newSession := t.forceReconnectNewSession
	t.forceReconnectDeferred = false
	t.forceReconnectNewSession = false
	t.mu.Unlock()
	if deferred {
		t.ForceReconnect(newSession)
	}
}

// registerCallback assigns the next correlation id to the frame and stores
// the callback for the matching response.
func (t *socketTransport) registerCallback(frame *clientFrame, fn func(serverFrame)) {
	t.mu.Lock()
	t.nextID++
	id := strconv.Itoa(t.nextID)
	t.callbacks[id] = fn
	t.mu.Unlock()
	frame.ID = id
}

func (t *socketTransport) takeCallback(id string) func(serverFrame) {
	if id == "" {
		return nil
	}
	t.mu.Lock()
	fn := t.callbacks[id]
	delete(t.callbacks, id)
	t.mu.Unlock()
	return fn
}

// writeFrame writes a frame with the configured deadline. Serialized because
// the connection allows only one concurrent writer.
func (t *socketTransport) writeFrame(conn *websocket.Conn, frame clientFrame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.s.cfg.WSWriteTimeout))
	return conn.WriteJSON(frame)
}

// send delivers a frame on the established channel, or queues it until the
// hello completes. Queued frames are flushed in order.
func (t *socketTransport) send(frame clientFrame) {
	t.mu.Lock()
	conn := t.conn
	ready := t.helloDone && conn != nil
	if !ready {
		t.pending = append(t.pending, frame)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if err := t.writeFrame(conn, frame); err != nil {
		t.logger.Warn("frame send failed", "type", frame.Type, "err", err)
		t.dropConn(conn)
	}
}

func (t *socketTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.dropConnErr(conn, err)
			return
		}
		frame, err := parseServerFrame(data)
		if err != nil {
			t.logger.Warn("discarding malformed frame", "err", err)
			continue
		}
		t.s.metrics.Inc(metrics.CounterFramesReceived)
		t.handleFrame(conn, frame)
	}
}

func (t *socketTransport) handleFrame(conn *websocket.Conn, frame serverFrame) {
	if fn := t.takeCallback(frame.ID); fn != nil {
		fn(frame)
		return
	}

	switch frame.Type {
	case "hello":
		// The server re-established the session on its own, e.g. after an
		// internal restart. Adopt the new session like a handshake response.
		t.handleHelloResponse(conn, false, frame)
	case "room":
		t.handleRoomPush(frame.Room)
	case "event":
		t.handleEvent(frame.Event)
	case "message":
		data := frame.Message.Data
		if frame.Message.Sender != nil {
			data = attachSender(data, frame.Message.Sender.SessionID)
		}
		t.s.handleMessage(data)
	case "error":
		t.logger.Error("server error", "code", frame.Error.Code, "message", frame.Error.Message)
	case "bye":
		t.logger.Info("server closed the session")
		t.mu.Lock()
		t.resumeID = ""
		t.mu.Unlock()
		t.dropConn(conn)
	default:
		t.logger.Debug("ignoring unknown frame type", "type", frame.Type)
	}
}

// handleRoomPush reacts to an unsolicited room frame: the server moved this
// session to a different room, or out of any room (empty room id).
func (t *socketTransport) handleRoomPush(room *roomFrame) {
	t.mu.Lock()
	if room.RoomID == t.announcedRoom {
		t.mu.Unlock()
		// Same room pushed again: properties changed, refresh the snapshot.
		t.s.resyncRooms()
		return
	}
	t.announcedRoom = room.RoomID
	t.pendingJoinCall = ""
	t.mu.Unlock()
	t.s.handleForcedRoomChange(room.RoomID)
}

func (t *socketTransport) handleEvent(ev *eventFrame) {
	switch ev.Target {
	case "room":
		switch {
		case len(ev.Join) > 0:
			t.mu.Lock()
			reconnected := t.reconnected
			t.reconnected = false
			t.mu.Unlock()
			t.s.applyJoinEvent(participantsFromEvent(ev.Join), reconnected)
		case len(ev.Leave) > 0:
			t.s.applyLeaveEvent(ev.Leave)
		case ev.Type == "message":
			t.logger.Debug("ignoring room event message")
		}
	case "roomlist":
		t.s.resyncRooms()
	case "participants":
		if ev.Update != nil {
			t.s.applyParticipantsUpdate(participantsFromEvent(ev.Update.Users))
			t.s.resyncRooms()
		}
	default:
		t.logger.Debug("ignoring event for unknown target", "target", ev.Target)
	}
}

// RoomJoined announces the backend room join on the channel. The server
// acknowledges with a room frame carrying the same id; a call join requested
// meanwhile is held back until that acknowledgement.
func (t *socketTransport) RoomJoined(token, backendSessionID string) {
	t.mu.Lock()
	t.announcedSessionID = backendSessionID
	t.pendingJoinCall = ""
	t.mu.Unlock()
	t.announceRoom(token, backendSessionID)
}

func (t *socketTransport) announceRoom(token, backendSessionID string) {
	frame := clientFrame{
		Type: "room",
		Room: &roomFrame{RoomID: token, SessionID: backendSessionID},
	}
	t.registerCallback(&frame, func(resp serverFrame) {
		if resp.Error != nil {
			t.logger.Error("room announcement rejected",
				"room", token, "code", resp.Error.Code, "message", resp.Error.Message)
			return
		}
		if resp.Room == nil || resp.Room.RoomID != token {
			return
		}
		t.mu.Lock()
		t.announcedRoom = token
		callToken := t.pendingJoinCall
		t.pendingJoinCall = ""
		t.mu.Unlock()
		t.logger.Debug("room announcement acknowledged", "room", token)
		t.s.bumpRoomPing(token)
		if callToken != "" {
			go t.s.joinCall(callToken)
		}
	})
	t.send(frame)
}

// deferCallJoin holds a call join back until the room announcement for its
// token has been acknowledged. Reports whether the join was deferred.
func (t *socketTransport) deferCallJoin(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.announcedRoom == token {
		return false
	}
	t.pendingJoinCall = token
	return true
}

// RoomLeft announces leaving by switching to the empty room.
func (t *socketTransport) RoomLeft(token string) {
	t.mu.Lock()
	if t.announcedRoom != token {
		t.mu.Unlock()
		return
	}
	t.announcedRoom = ""
	t.announcedSessionID = ""
	t.pendingJoinCall = ""
	t.mu.Unlock()
	t.send(clientFrame{Type: "room", Room: &roomFrame{RoomID: ""}})
	t.s.clearRosterEmitLeft()
}

func (t *socketTransport) CallJoined(token string) {}
func (t *socketTransport) CallLeft(token string)   {}

// SendCallMessage routes a negotiation payload to the session named by the
// payload's "to" field.
func (t *socketTransport) SendCallMessage(data json.RawMessage) {
	var envelope struct {
		To string `json:"to"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.To == "" {
		t.logger.Warn("dropping call message without a recipient")
		return
	}
	t.sendToSession(envelope.To, data)
}

func (t *socketTransport) sendToSession(sessionID string, data json.RawMessage) {
	t.s.metrics.Inc(metrics.CounterMessagesSent)
	t.send(clientFrame{
		Type: "message",
		Message: &outgoingMessage{
			Recipient: messageRecipient{Type: "session", SessionID: sessionID},
			Data:      data,
		},
	})
}

func (t *socketTransport) sendRoomMessage(data json.RawMessage) {
	t.s.metrics.Inc(metrics.CounterMessagesSent)
	t.send(clientFrame{
		Type: "message",
		Message: &outgoingMessage{
			Recipient: messageRecipient{Type: "room"},
			Data:      data,
		},
	})
}

// RoomsRegistered is a no-op: room list changes arrive as server push events.
func (t *socketTransport) RoomsRegistered() {}

// ForceReconnect cycles the channel. With newSession the current signaling
// session is abandoned instead of resumed: a bye is sent and the resume id
// dropped, and a joined call is marked left locally so it is rejoined under
// the new session.
func (t *socketTransport) ForceReconnect(newSession bool) {
	// Abandoning the session must happen even when the actual reconnect is
	// deferred below, or a scheduled retry would resume the doomed session.
	if newSession {
		t.mu.Lock()
		t.resumeID = ""
		t.announcedRoom = ""
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			_ = t.writeFrame(conn, clientFrame{Type: "bye", Bye: &byeFrame{}})
		}
		t.s.setSessionID("")
		if callToken := t.s.CurrentCallToken(); callToken != "" {
			t.s.leaveCall(callToken, true)
		}
	}

	t.mu.Lock()
	if t.retryTimer != nil {
		// A reconnect is already scheduled; run another cycle once it
		// completes so the caller's intent is not lost.
		t.forceReconnectDeferred = true
		t.forceReconnectNewSession = t.forceReconnectNewSession || newSession
		t.mu.Unlock()
		return
	}
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		t.dropConn(conn)
	} else {
		t.scheduleReconnect()
	}
}

// dropConn closes the connection and lets the read loop's error path drive
// the reconnect, so a disconnect is handled exactly once.
func (t *socketTransport) dropConn(conn *websocket.Conn) {
	_ = conn.Close()
}

func (t *socketTransport) dropConnErr(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.helloDone = false
	// Responses for frames already written can no longer arrive. Keep only
	// callbacks whose frames are still queued for the next channel.
	live := make(map[string]func(serverFrame), len(t.pending))
	for _, f := range t.pending {
		if fn, ok := t.callbacks[f.ID]; ok {
			live[f.ID] = fn
		}
	}
	t.callbacks = live
	closed := t.closed
	t.mu.Unlock()
	_ = conn.Close()
	if closed || t.s.ctx.Err() != nil {
		return
	}
	t.logger.Warn("signaling channel lost", "err", err)
	t.s.metrics.Inc(metrics.CounterSocketReconnects)
	t.scheduleReconnect()
}

// scheduleReconnect arms the single reconnect timer with the next jittered
// backoff delay. A timer that is already armed is left alone.
func (t *socketTransport) scheduleReconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.retryTimer != nil {
		return
	}
	delay := t.backoff.NextBackOff()
	t.logger.Info("scheduling reconnect", "delay", delay)
	t.retryTimer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		t.retryTimer = nil
		t.mu.Unlock()
		t.connect()
	})
}

// Disconnect closes the channel for good: a best-effort bye releases the
// server-side session immediately instead of waiting for its timeout.
func (t *socketTransport) Disconnect() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.helloDone = false
	t.resumeID = ""
	t.pending = nil
	t.callbacks = make(map[string]func(serverFrame))
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
	t.mu.Unlock()

	if conn != nil {
		_ = t.writeFrame(conn, clientFrame{Type: "bye", Bye: &byeFrame{}})
		_ = conn.Close()
	}
}
