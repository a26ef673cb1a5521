package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openconvo/signaling-client/internal/backend"
	"github.com/openconvo/signaling-client/internal/metrics"
)

func TestEndpointURL(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"https://sig.example.org", "wss://sig.example.org/spreed"},
		{"https://sig.example.org/", "wss://sig.example.org/spreed"},
		{"http://sig.example.org:8080", "ws://sig.example.org:8080/spreed"},
		{"wss://sig.example.org", "wss://sig.example.org/spreed"},
		{"ws://sig.example.org/", "ws://sig.example.org/spreed"},
	} {
		if got := endpointURL(tc.in); got != tc.want {
			t.Fatalf("endpointURL(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

// wsServer accepts signaling channel connections for tests to script.
type wsServer struct {
	t     *testing.T
	ts    *httptest.Server
	conns chan *websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{t: t, conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	s.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/spreed" {
			http.NotFound(w, r)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- c
	}))
	t.Cleanup(s.ts.Close)
	return s
}

func (s *wsServer) accept() *websocket.Conn {
	s.t.Helper()
	select {
	case c := <-s.conns:
		s.t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(3 * time.Second):
		s.t.Fatalf("timed out waiting for a connection")
		return nil
	}
}

// wireFrame mirrors the client frame layout for server-side assertions.
type wireFrame struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Hello *struct {
		Version  string `json:"version"`
		ResumeID string `json:"resumeid"`
		Auth     *struct {
			URL    string `json:"url"`
			Params struct {
				UserID string `json:"userid"`
				Ticket string `json:"ticket"`
			} `json:"params"`
		} `json:"auth"`
	} `json:"hello"`
	Room *struct {
		RoomID    string `json:"roomid"`
		SessionID string `json:"sessionid"`
	} `json:"room"`
	Message *struct {
		Recipient struct {
			Type      string `json:"type"`
			SessionID string `json:"sessionid"`
		} `json:"recipient"`
		Data json.RawMessage `json:"data"`
	} `json:"message"`
}

func readClientFrame(t *testing.T, c *websocket.Conn) wireFrame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f wireFrame
	if err := c.ReadJSON(&f); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return f
}

func writeServerFrame(t *testing.T, c *websocket.Conn, frame map[string]any) {
	t.Helper()
	_ = c.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if err := c.WriteJSON(frame); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func answerHello(t *testing.T, c *websocket.Conn, sessionID, resumeID string, features []string) wireFrame {
	t.Helper()
	f := readClientFrame(t, c)
	if f.Type != "hello" || f.Hello == nil {
		t.Fatalf("expected hello frame, got %+v", f)
	}
	hello := map[string]any{"sessionid": sessionID, "resumeid": resumeID}
	if features != nil {
		hello["server"] = map[string]any{"features": features, "version": "1.0"}
	}
	writeServerFrame(t, c, map[string]any{"id": f.ID, "type": "hello", "hello": hello})
	return f
}

func newSocketSession(t *testing.T, backendHandler http.Handler, serverURL string) *Session {
	t.Helper()
	ts := httptest.NewServer(backendHandler)
	t.Cleanup(ts.Close)
	cfg := testConfig()
	cfg.BackendBaseURL = ts.URL
	cfg.Servers = []string{serverURL}
	cfg.UserID = "alice"
	cfg.Ticket = "ticket-1"
	cfg.ReconnectInitialInterval = 10 * time.Millisecond
	cfg.ReconnectMaxInterval = 50 * time.Millisecond
	bc, err := backend.NewClient(ts.URL, ts.Client(), testLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	s := New(cfg, bc, testLogger())
	t.Cleanup(s.Disconnect)
	return s
}

func TestSocketHelloHandshake(t *testing.T) {
	ws := newWSServer(t)
	s := newSocketSession(t, http.NotFoundHandler(), ws.ts.URL)
	events := recordEvents(s)

	s.Connect()
	c := ws.accept()

	f := readClientFrame(t, c)
	if f.Type != "hello" || f.Hello == nil {
		t.Fatalf("expected hello, got %+v", f)
	}
	if f.Hello.Version != helloVersion {
		t.Fatalf("hello version=%q, want %q", f.Hello.Version, helloVersion)
	}
	if f.Hello.ResumeID != "" {
		t.Fatalf("fresh hello must not carry a resume id, got %q", f.Hello.ResumeID)
	}
	if f.Hello.Auth == nil {
		t.Fatalf("fresh hello must carry the auth payload")
	}
	if want := s.backend.AuthBackendURL(); f.Hello.Auth.URL != want {
		t.Fatalf("auth url=%q, want %q", f.Hello.Auth.URL, want)
	}
	if f.Hello.Auth.Params.UserID != "alice" || f.Hello.Auth.Params.Ticket != "ticket-1" {
		t.Fatalf("auth params=%+v", f.Hello.Auth.Params)
	}
	if f.ID == "" {
		t.Fatalf("hello must carry a correlation id")
	}

	writeServerFrame(t, c, map[string]any{
		"id":   f.ID,
		"type": "hello",
		"hello": map[string]any{
			"sessionid": "sess-1",
			"resumeid":  "res-1",
			"server":    map[string]any{"features": []string{"mcu"}},
		},
	})

	waitEvent(t, events, EventConnect)
	if got := s.SessionID(); got != "sess-1" {
		t.Fatalf("SessionID=%q, want sess-1", got)
	}
	if !s.HasFeature("mcu") {
		t.Fatalf("mcu feature not recorded from hello")
	}
}

func TestSocketQueuedMessagesFlushInOrderAfterHello(t *testing.T) {
	ws := newWSServer(t)
	s := newSocketSession(t, http.NotFoundHandler(), ws.ts.URL)
	events := recordEvents(s)

	// Queued before the channel exists; must go out FIFO once the session is
	// established.
	s.SendMessage(json.RawMessage(`{"to":"s2","seq":1}`))
	s.SendMessage(json.RawMessage(`{"to":"s2","seq":2}`))

	s.Connect()
	c := ws.accept()
	answerHello(t, c, "sess-1", "res-1", nil)

	first := readClientFrame(t, c)
	second := readClientFrame(t, c)
	if first.Type != "message" || second.Type != "message" {
		t.Fatalf("expected two message frames, got %q and %q", first.Type, second.Type)
	}
	if first.Message.Recipient.SessionID != "s2" {
		t.Fatalf("recipient=%+v", first.Message.Recipient)
	}
	var seq struct {
		Seq int `json:"seq"`
	}
	if err := json.Unmarshal(first.Message.Data, &seq); err != nil || seq.Seq != 1 {
		t.Fatalf("first queued frame=%s", first.Message.Data)
	}
	if err := json.Unmarshal(second.Message.Data, &seq); err != nil || seq.Seq != 2 {
		t.Fatalf("second queued frame=%s", second.Message.Data)
	}
	waitEvent(t, events, EventConnect)
}

func TestSocketJoinRoomAnnouncesAfterBackendJoin(t *testing.T) {
	var joins atomic.Int32
	ws := newWSServer(t)
	s := newSocketSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			joins.Add(1)
		}
		writeOCS(w, map[string]string{"sessionId": "backend-1"})
	}), ws.ts.URL)
	events := recordEvents(s)

	s.Connect()
	c := ws.accept()
	answerHello(t, c, "sess-1", "res-1", nil)
	waitEvent(t, events, EventConnect)

	s.JoinRoom("abc123", "")
	changed := waitEvent(t, events, EventRoomChanged)
	if changed.RoomToken != "abc123" {
		t.Fatalf("roomChanged=%+v", changed)
	}
	waitEvent(t, events, EventJoinRoom)

	announce := readClientFrame(t, c)
	if announce.Type != "room" || announce.Room == nil {
		t.Fatalf("expected room announce, got %+v", announce)
	}
	if announce.Room.RoomID != "abc123" || announce.Room.SessionID != "backend-1" {
		t.Fatalf("announce=%+v", announce.Room)
	}
	writeServerFrame(t, c, map[string]any{
		"id":   announce.ID,
		"type": "room",
		"room": map[string]any{"roomid": "abc123"},
	})

	// Roster push after the announce is acknowledged.
	writeServerFrame(t, c, map[string]any{
		"type": "event",
		"event": map[string]any{
			"target": "room",
			"type":   "join",
			"join":   []map[string]any{{"sessionid": "s1", "userid": "u1"}},
		},
	})
	joined := waitEvent(t, events, EventUsersJoined)
	if len(joined.Participants) != 1 || joined.Participants[0].SessionID != "s1" {
		t.Fatalf("usersJoined=%v", joined.Participants)
	}

	if got := joins.Load(); got != 1 {
		t.Fatalf("backend saw %d joins, want 1", got)
	}
	expectNoEvent(t, events, EventJoinRoom, 100*time.Millisecond)
}

func TestSocketJoinBeforeHelloIsDeferred(t *testing.T) {
	var joins atomic.Int32
	ws := newWSServer(t)
	s := newSocketSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			joins.Add(1)
		}
		writeOCS(w, map[string]string{"sessionId": "backend-1"})
	}), ws.ts.URL)
	events := recordEvents(s)

	// No session id yet: the join must wait for the hello response.
	s.JoinRoom("abc123", "")
	time.Sleep(50 * time.Millisecond)
	if got := joins.Load(); got != 0 {
		t.Fatalf("backend saw %d joins before the session existed, want 0", got)
	}

	s.Connect()
	c := ws.accept()
	answerHello(t, c, "sess-1", "res-1", nil)

	waitEvent(t, events, EventJoinRoom)
	announce := readClientFrame(t, c)
	if announce.Type != "room" || announce.Room.RoomID != "abc123" {
		t.Fatalf("announce=%+v", announce)
	}
	if got := joins.Load(); got != 1 {
		t.Fatalf("backend saw %d joins, want 1", got)
	}
}

func TestSocketResumeFallsBackToFreshHello(t *testing.T) {
	ws := newWSServer(t)
	s := newSocketSession(t, http.NotFoundHandler(), ws.ts.URL)
	events := recordEvents(s)

	s.Connect()
	c := ws.accept()
	answerHello(t, c, "sess-1", "res-1", nil)
	waitEvent(t, events, EventConnect)

	// Drop the channel; the client reconnects and tries to resume.
	_ = c.Close()
	c2 := ws.accept()
	resume := readClientFrame(t, c2)
	if resume.Type != "hello" || resume.Hello.ResumeID != "res-1" {
		t.Fatalf("expected resume hello, got %+v", resume)
	}
	if resume.Hello.Auth != nil {
		t.Fatalf("resume hello must not carry auth")
	}

	writeServerFrame(t, c2, map[string]any{
		"id":    resume.ID,
		"type":  "error",
		"error": map[string]any{"code": "no_such_session"},
	})

	fresh := readClientFrame(t, c2)
	if fresh.Type != "hello" || fresh.Hello.ResumeID != "" || fresh.Hello.Auth == nil {
		t.Fatalf("expected fresh hello with auth, got %+v", fresh)
	}
	writeServerFrame(t, c2, map[string]any{
		"id":    fresh.ID,
		"type":  "hello",
		"hello": map[string]any{"sessionid": "sess-2", "resumeid": "res-2"},
	})

	waitEvent(t, events, EventConnect)
	if got := s.SessionID(); got != "sess-2" {
		t.Fatalf("SessionID=%q, want sess-2", got)
	}
	if got := s.Metrics().Get(metrics.CounterResumeFailures); got != 1 {
		t.Fatalf("resume_failures=%d, want 1", got)
	}
	if got := s.Metrics().Get(metrics.CounterSocketReconnects); got != 1 {
		t.Fatalf("socket_reconnects=%d, want 1", got)
	}
}

func TestSocketResumeFallsBackAfterServerError(t *testing.T) {
	ws := newWSServer(t)
	s := newSocketSession(t, http.NotFoundHandler(), ws.ts.URL)
	events := recordEvents(s)

	s.Connect()
	c := ws.accept()
	answerHello(t, c, "sess-1", "res-1", nil)
	waitEvent(t, events, EventConnect)

	_ = c.Close()
	c2 := ws.accept()
	resume := readClientFrame(t, c2)
	if resume.Type != "hello" || resume.Hello.ResumeID != "res-1" {
		t.Fatalf("expected resume hello, got %+v", resume)
	}

	// A rejection unrelated to the resume id still invalidates it: retrying
	// the same resume would only fail again.
	writeServerFrame(t, c2, map[string]any{
		"id":    resume.ID,
		"type":  "error",
		"error": map[string]any{"code": "internal_error"},
	})

	fresh := readClientFrame(t, c2)
	if fresh.Type != "hello" {
		t.Fatalf("expected hello, got %+v", fresh)
	}
	if fresh.Hello.ResumeID != "" || fresh.Hello.Auth == nil {
		t.Fatalf("expected fresh hello with auth, got resumeid=%q", fresh.Hello.ResumeID)
	}
	writeServerFrame(t, c2, map[string]any{
		"id":    fresh.ID,
		"type":  "hello",
		"hello": map[string]any{"sessionid": "sess-2", "resumeid": "res-2"},
	})

	waitEvent(t, events, EventConnect)
	if got := s.SessionID(); got != "sess-2" {
		t.Fatalf("SessionID=%q, want sess-2", got)
	}
}

func TestSocketUnsolicitedHelloReplacesSession(t *testing.T) {
	ws := newWSServer(t)
	s := newSocketSession(t, http.NotFoundHandler(), ws.ts.URL)
	events := recordEvents(s)

	s.Connect()
	c := ws.accept()
	answerHello(t, c, "sess-1", "res-1", nil)
	waitEvent(t, events, EventConnect)

	// The server may establish a replacement session on its own, pushing a
	// hello with no correlation id.
	writeServerFrame(t, c, map[string]any{
		"type":  "hello",
		"hello": map[string]any{"sessionid": "sess-2", "resumeid": "res-2"},
	})

	waitEvent(t, events, EventConnect)
	if got := s.SessionID(); got != "sess-2" {
		t.Fatalf("SessionID=%q, want sess-2", got)
	}
}

func TestSocketDropPrunesUnansweredCallbacks(t *testing.T) {
	ws := newWSServer(t)
	s := newSocketSession(t, http.NotFoundHandler(), ws.ts.URL)
	events := recordEvents(s)

	s.Connect()
	c := ws.accept()
	answerHello(t, c, "sess-1", "res-1", nil)
	waitEvent(t, events, EventConnect)

	// A request whose response never arrived before the channel dropped must
	// not leave its callback registered on the next channel.
	st := s.transport.(*socketTransport)
	stale := clientFrame{Type: "room", Room: &roomFrame{RoomID: "abc123"}}
	st.registerCallback(&stale, func(serverFrame) {})

	_ = c.Close()
	c2 := ws.accept()
	answerHello(t, c2, "sess-1", "res-1", nil)
	waitEvent(t, events, EventConnect)

	st.mu.Lock()
	leftover := len(st.callbacks)
	st.mu.Unlock()
	if leftover != 0 {
		t.Fatalf("callbacks=%d after reconnect, want 0", leftover)
	}
}

func TestForceReconnectNewSessionKeptWhileRetryScheduled(t *testing.T) {
	ws := newWSServer(t)
	s := newSocketSession(t, http.NotFoundHandler(), ws.ts.URL)
	st := s.transport.(*socketTransport)

	s.setSessionID("sess-1")
	st.mu.Lock()
	st.resumeID = "res-1"
	st.announcedRoom = "abc123"
	st.retryTimer = time.AfterFunc(time.Hour, func() {})
	st.mu.Unlock()

	s.ForceReconnect(true)

	if got := s.SessionID(); got != "" {
		t.Fatalf("SessionID=%q, want cleared", got)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.resumeID != "" || st.announcedRoom != "" {
		t.Fatalf("resumeID=%q announcedRoom=%q, want both cleared",
			st.resumeID, st.announcedRoom)
	}
	if !st.forceReconnectDeferred || !st.forceReconnectNewSession {
		t.Fatalf("deferred=%v newSession=%v, want both recorded",
			st.forceReconnectDeferred, st.forceReconnectNewSession)
	}
}

func TestSocketSendAfterHelloFollowsQueuedFrames(t *testing.T) {
	ws := newWSServer(t)
	s := newSocketSession(t, http.NotFoundHandler(), ws.ts.URL)

	s.SendMessage(json.RawMessage(`{"to":"s2","seq":1}`))
	s.SendMessage(json.RawMessage(`{"to":"s2","seq":2}`))
	s.SendMessage(json.RawMessage(`{"to":"s2","seq":3}`))

	s.Connect()
	c := ws.accept()
	answerHello(t, c, "sess-1", "res-1", nil)

	// Submitted while the queue may still be flushing; must come out last.
	s.SendMessage(json.RawMessage(`{"to":"s2","seq":4}`))

	for want := 1; want <= 4; want++ {
		f := readClientFrame(t, c)
		if f.Type != "message" {
			t.Fatalf("frame %d: type=%q", want, f.Type)
		}
		var seq struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(f.Message.Data, &seq); err != nil || seq.Seq != want {
			t.Fatalf("frame %d out of order: %s", want, f.Message.Data)
		}
	}
}

func TestSocketForcedRoomChangePush(t *testing.T) {
	ws := newWSServer(t)
	s := newSocketSession(t, http.NotFoundHandler(), ws.ts.URL)
	events := recordEvents(s)

	s.Connect()
	c := ws.accept()
	answerHello(t, c, "sess-1", "res-1", nil)
	waitEvent(t, events, EventConnect)

	writeServerFrame(t, c, map[string]any{
		"type": "room",
		"room": map[string]any{"roomid": "xyz789"},
	})
	changed := waitEvent(t, events, EventRoomChanged)
	if changed.RoomToken != "xyz789" {
		t.Fatalf("roomChanged=%+v", changed)
	}
}

func TestSocketMessageAttachesSender(t *testing.T) {
	ws := newWSServer(t)
	s := newSocketSession(t, http.NotFoundHandler(), ws.ts.URL)
	events := recordEvents(s)

	s.Connect()
	c := ws.accept()
	answerHello(t, c, "sess-1", "res-1", nil)
	waitEvent(t, events, EventConnect)

	writeServerFrame(t, c, map[string]any{
		"type": "message",
		"message": map[string]any{
			"sender": map[string]any{"type": "session", "sessionid": "s2"},
			"data":   map[string]any{"type": "offer"},
		},
	})
	msg := waitEvent(t, events, EventMessage)
	var decoded struct {
		Type string `json:"type"`
		From string `json:"from"`
	}
	if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
		t.Fatalf("Unmarshal payload: %v", err)
	}
	if decoded.From != "s2" || decoded.Type != "offer" {
		t.Fatalf("payload=%s", msg.Payload)
	}
}

func TestSocketRoomListEventTriggersSync(t *testing.T) {
	ws := newWSServer(t)
	s := newSocketSession(t, http.NotFoundHandler(), ws.ts.URL)
	events := recordEvents(s)

	collection := &blockingCollection{
		release: make(chan struct{}),
		rooms:   []backend.Room{{Token: "abc123"}},
	}
	close(collection.release)
	s.mu.Lock()
	s.collection = collection
	s.mu.Unlock()

	s.Connect()
	c := ws.accept()
	answerHello(t, c, "sess-1", "res-1", nil)
	waitEvent(t, events, EventConnect)

	writeServerFrame(t, c, map[string]any{
		"type":  "event",
		"event": map[string]any{"target": "roomlist", "type": "update"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for collection.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("room list push did not trigger a sync")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDeferCallJoinUntilAnnounceAck(t *testing.T) {
	ws := newWSServer(t)
	s := newSocketSession(t, http.NotFoundHandler(), ws.ts.URL)
	st := s.transport.(*socketTransport)

	if !st.deferCallJoin("abc123") {
		t.Fatalf("call join must be deferred before the room is announced")
	}
	st.mu.Lock()
	st.announcedRoom = "abc123"
	st.mu.Unlock()
	if st.deferCallJoin("abc123") {
		t.Fatalf("call join must proceed once the room announce is acknowledged")
	}
}

func TestReconnectBackoffBounds(t *testing.T) {
	s := newPollingSession(t, http.NotFoundHandler())
	s.cfg.ReconnectInitialInterval = time.Second
	s.cfg.ReconnectMaxInterval = 16 * time.Second
	st := newSocketTransport(s)

	base := time.Second
	for attempt := 1; attempt <= 8; attempt++ {
		d := st.backoff.NextBackOff()
		lo := base / 2
		hi := base + base/2
		if d < lo || d > hi {
			t.Fatalf("attempt %d: backoff %v outside [%v, %v]", attempt, d, lo, hi)
		}
		if base < 16*time.Second {
			base *= 2
			if base > 16*time.Second {
				base = 16 * time.Second
			}
		}
	}

	st.backoff.Reset()
	d := st.backoff.NextBackOff()
	if d < time.Second/2 || d > time.Second+time.Second/2 {
		t.Fatalf("after reset backoff %v outside first-attempt bounds", d)
	}
}

func TestSocketDisconnectSendsBye(t *testing.T) {
	ws := newWSServer(t)
	s := newSocketSession(t, http.NotFoundHandler(), ws.ts.URL)
	events := recordEvents(s)

	s.Connect()
	c := ws.accept()
	answerHello(t, c, "sess-1", "res-1", nil)
	waitEvent(t, events, EventConnect)

	s.Disconnect()
	f := readClientFrame(t, c)
	if f.Type != "bye" {
		t.Fatalf("expected bye frame on disconnect, got %+v", f)
	}
}
