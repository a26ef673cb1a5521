package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openconvo/signaling-client/internal/backend"
	"github.com/openconvo/signaling-client/internal/config"
	"github.com/openconvo/signaling-client/internal/metrics"
)

// Session is the protocol state machine. It owns room/call membership, the
// session identifiers and the participant roster, and mediates between the
// active transport and the rest of the application.
//
// Command methods never fail synchronously: outcomes are delivered through
// the event bus. State is mutated only by the session's own protocol
// handlers.
type Session struct {
	cfg     config.Config
	logger  *slog.Logger
	bus     *Bus
	metrics *metrics.Metrics
	backend *backend.Client

	ctx    context.Context
	cancel context.CancelFunc

	transport transport

	mu                 sync.Mutex
	sessionID          string
	currentRoomToken   string
	confirmedRoomToken string
	currentCallToken   string
	confirmedCallToken string
	features           map[string]bool
	joined             map[string]bool
	collection         RoomCollection
	room               RoomRef

	syncMu sync.Mutex
	flight *syncFlight
}

type syncFlight struct {
	done  chan struct{}
	rooms []backend.Room
	err   error
}

func New(cfg config.Config, bc *backend.Client, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:      cfg,
		logger:   logger,
		bus:      NewBus(),
		metrics:  metrics.New(),
		backend:  bc,
		ctx:      ctx,
		cancel:   cancel,
		features: make(map[string]bool),
		joined:   make(map[string]bool),
	}
	if cfg.UsesSocket() {
		s.transport = newSocketTransport(s)
	} else {
		s.transport = newPollingTransport(s)
	}
	return s
}

func (s *Session) Metrics() *metrics.Metrics { return s.metrics }

// Connect establishes the transport channel. Safe to call once; reconnects
// are handled internally by the transport.
func (s *Session) Connect() {
	s.transport.Connect()
}

// On registers a handler for an event kind and returns an id usable with Off.
// Handlers for the stun/turn server kinds are invoked immediately with the
// configured lists, matching callers that expect the data on subscription.
func (s *Session) On(kind EventKind, fn Handler) int {
	id := s.bus.On(kind, fn)
	switch kind {
	case EventStunServers:
		if servers := s.cfg.StunServers(); len(servers) > 0 {
			fn(Event{Kind: kind, ICEServers: servers})
		}
	case EventTurnServers:
		if servers := s.cfg.TurnServers(); len(servers) > 0 {
			fn(Event{Kind: kind, ICEServers: servers})
		}
	}
	return id
}

func (s *Session) Off(kind EventKind, id int) {
	s.bus.Off(kind, id)
}

func (s *Session) emit(ev Event) {
	s.bus.Emit(ev)
}

func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) CurrentRoomToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRoomToken
}

func (s *Session) CurrentCallToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentCallToken
}

func (s *Session) HasFeature(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.features[name]
}

func (s *Session) setSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

func (s *Session) setFeatures(names []string) {
	s.mu.Lock()
	s.features = make(map[string]bool, len(names))
	for _, name := range names {
		s.features[name] = true
	}
	s.mu.Unlock()
}

// JoinRoom joins the room, optionally with a password. Joining the room that
// is already current is a no-op. On 404/503 an EventRoomGone is emitted; on
// 403 an EventPasswordRequired is emitted and a retried JoinRoom with the
// password continues the flow.
func (s *Session) JoinRoom(token, password string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	if token == s.confirmedRoomToken {
		s.mu.Unlock()
		return
	}
	if s.transport.needsSession() && s.sessionID == "" {
		// Joining before the hello response would register the participant
		// twice once the deferred join runs; remember the token and let the
		// hello handler re-issue the join.
		s.currentRoomToken = token
		s.mu.Unlock()
		s.logger.Debug("no session yet, deferring room join", "room", token)
		return
	}
	s.mu.Unlock()
	go s.joinRoom(token, password)
}

func (s *Session) joinRoom(token, password string) {
	sessionID, err := s.backend.JoinRoom(s.ctx, token, password)
	if err != nil {
		switch {
		case errors.Is(err, backend.ErrRoomGone):
			s.logger.Warn("room gone or maintenance mode", "room", token, "err", err)
			s.emit(Event{Kind: EventRoomGone, RoomToken: token})
		case errors.Is(err, backend.ErrPasswordRequired):
			s.logger.Info("room requires a password", "room", token)
			s.emit(Event{Kind: EventPasswordRequired, RoomToken: token})
		default:
			s.logger.Error("room join failed", "room", token, "err", err)
		}
		return
	}

	s.mu.Lock()
	previous := s.confirmedRoomToken
	s.currentRoomToken = token
	s.confirmedRoomToken = token
	// If the session was in a call for this room before (e.g. a rejoin after
	// reconnect), rejoin the call; otherwise call state is reset.
	rejoinCall := s.currentCallToken == token
	if !rejoinCall {
		s.currentCallToken = ""
	}
	s.confirmedCallToken = ""
	s.mu.Unlock()

	s.logger.Info("joined room", "room", token, "backend_session", sessionID)
	s.emit(Event{Kind: EventRoomChanged, PreviousRoomToken: previous, RoomToken: token})
	s.emit(Event{Kind: EventJoinRoom, RoomToken: token})
	s.transport.RoomJoined(token, sessionID)
	if rejoinCall {
		go s.joinCall(token)
	}
}

// rejoinCurrentRoom re-issues the room join after a fresh (non-resumed) hello.
func (s *Session) rejoinCurrentRoom() {
	s.mu.Lock()
	token := s.currentRoomToken
	s.confirmedRoomToken = ""
	s.mu.Unlock()
	if token == "" {
		return
	}
	go s.joinRoom(token, "")
}

// LeaveRoom leaves the room: any current call is left first, the leaveRoom
// event is emitted synchronously, then the wire-level unjoin happens.
// Leaving a room that is not joined is a safe no-op.
func (s *Session) LeaveRoom(token string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	if token != s.currentRoomToken {
		s.mu.Unlock()
		return
	}
	callToken := s.currentCallToken
	s.mu.Unlock()

	s.emit(Event{Kind: EventLeaveRoom, RoomToken: token})
	go func() {
		if callToken != "" {
			s.leaveCall(callToken, false)
		}
		s.transport.RoomLeft(token)
		if err := s.backend.LeaveRoom(s.ctx, token); err != nil {
			s.logger.Warn("room leave failed", "room", token, "err", err)
			return
		}
		s.mu.Lock()
		if token == s.currentRoomToken {
			s.currentRoomToken = ""
			s.confirmedRoomToken = ""
		}
		s.mu.Unlock()
	}()
}

// LeaveCurrentRoom leaves whatever room is current, if any.
func (s *Session) LeaveCurrentRoom() {
	s.LeaveRoom(s.CurrentRoomToken())
}

// JoinCall joins the call in the current room. The call token must match the
// current room token; joining the already-current call is a no-op.
func (s *Session) JoinCall(token string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	if token != s.currentRoomToken {
		s.mu.Unlock()
		s.logger.Warn("refusing to join call outside the current room", "call", token)
		return
	}
	if token == s.confirmedCallToken {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	go s.joinCall(token)
}

func (s *Session) joinCall(token string) {
	if deferred := s.transportDefersCall(token); deferred {
		return
	}
	if err := s.backend.JoinCall(s.ctx, token); err != nil {
		if errors.Is(err, backend.ErrRoomGone) {
			s.logger.Warn("call gone or maintenance mode", "call", token, "err", err)
			s.emit(Event{Kind: EventRoomGone, RoomToken: token})
			return
		}
		s.logger.Error("call join failed", "call", token, "err", err)
		return
	}
	s.mu.Lock()
	s.currentCallToken = token
	s.confirmedCallToken = token
	s.mu.Unlock()
	s.logger.Info("joined call", "call", token)
	s.emit(Event{Kind: EventJoinCall, RoomToken: token})
	s.transport.CallJoined(token)
}

// transportDefersCall lets the socket transport hold a call join back until
// the room announcement is acknowledged.
func (s *Session) transportDefersCall(token string) bool {
	st, ok := s.transport.(*socketTransport)
	if !ok {
		return false
	}
	return st.deferCallJoin(token)
}

// LeaveCall leaves the call. A missing token or a call that is not joined is
// a safe no-op.
func (s *Session) LeaveCall(token string) {
	if token == "" {
		return
	}
	if s.CurrentCallToken() != token {
		return
	}
	go s.leaveCall(token, false)
}

// leaveCall performs the wire-level call leave. keepToken preserves the call
// token so a forced reconnect can rejoin afterwards.
func (s *Session) leaveCall(token string, keepToken bool) {
	if err := s.backend.LeaveCall(s.ctx, token); err != nil {
		s.logger.Warn("call leave failed", "call", token, "err", err)
		return
	}
	s.mu.Lock()
	if !keepToken && token == s.currentCallToken {
		s.currentCallToken = ""
	}
	if token == s.confirmedCallToken {
		s.confirmedCallToken = ""
	}
	s.mu.Unlock()
	s.logger.Info("left call", "call", token)
	s.emit(Event{Kind: EventLeaveCall, RoomToken: token})
	s.transport.CallLeft(token)
}

// SendMessage routes an opaque negotiation payload through the active
// transport. The socket transport extracts the recipient from the payload's
// "to" field; the polling transport batches it for the next send cycle.
func (s *Session) SendMessage(data json.RawMessage) {
	s.transport.SendCallMessage(data)
}

// SendRoomMessage broadcasts a payload to the whole room. Only valid while in
// a call.
func (s *Session) SendRoomMessage(data json.RawMessage) {
	if s.CurrentCallToken() == "" {
		s.logger.Warn("not in a call, not sending room message")
		return
	}
	st, ok := s.transport.(*socketTransport)
	if !ok {
		s.logger.Warn("room messages require the socket transport")
		return
	}
	st.sendRoomMessage(data)
}

// RequestOffer asks the MCU to send an offer from the given publisher
// session. Requires the "mcu" server feature.
func (s *Session) RequestOffer(sessionID, roomType string) {
	if !s.HasFeature("mcu") {
		s.logger.Warn("cannot request an offer without an mcu")
		return
	}
	s.sendSignalingCommand(sessionID, "requestoffer", roomType)
}

// SendOffer asks the MCU to have the given session receive our offer.
// Requires the "mcu" server feature.
func (s *Session) SendOffer(sessionID, roomType string) {
	if !s.HasFeature("mcu") {
		s.logger.Warn("cannot send an offer without an mcu")
		return
	}
	s.sendSignalingCommand(sessionID, "sendoffer", roomType)
}

func (s *Session) sendSignalingCommand(sessionID, kind, roomType string) {
	payload, err := json.Marshal(struct {
		Type     string `json:"type"`
		RoomType string `json:"roomType"`
	}{Type: kind, RoomType: roomType})
	if err != nil {
		return
	}
	s.transport.sendToSession(sessionID, payload)
}

// SetRoomCollection registers the room listing, starts the transport's room
// poll where applicable, and performs an initial sync.
func (s *Session) SetRoomCollection(ctx context.Context, collection RoomCollection) ([]backend.Room, error) {
	s.mu.Lock()
	s.collection = collection
	s.mu.Unlock()
	s.transport.RoomsRegistered()
	return s.SyncRooms(ctx)
}

// SetRoom registers a single room for sessions without a listing.
func (s *Session) SetRoom(room RoomRef) {
	s.mu.Lock()
	s.room = room
	s.mu.Unlock()
	s.transport.RoomsRegistered()
}

// SyncRooms refreshes the registered room collection, or the single
// registered room, or resolves empty when neither is registered. Concurrent
// calls coalesce onto the in-flight request.
func (s *Session) SyncRooms(ctx context.Context) ([]backend.Room, error) {
	s.syncMu.Lock()
	if f := s.flight; f != nil {
		s.syncMu.Unlock()
		select {
		case <-f.done:
			return f.rooms, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &syncFlight{done: make(chan struct{})}
	s.flight = f
	s.syncMu.Unlock()

	f.rooms, f.err = s.doSyncRooms(ctx)

	s.syncMu.Lock()
	s.flight = nil
	s.syncMu.Unlock()
	close(f.done)
	if f.err == nil {
		s.metrics.Inc(metrics.CounterRoomsSynced)
	}
	return f.rooms, f.err
}

func (s *Session) doSyncRooms(ctx context.Context) ([]backend.Room, error) {
	s.mu.Lock()
	collection := s.collection
	room := s.room
	s.mu.Unlock()
	switch {
	case collection != nil:
		return collection.Refresh(ctx)
	case room != nil:
		r, err := room.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		return []backend.Room{r}, nil
	default:
		return nil, nil
	}
}

// resyncRooms triggers a background sync, e.g. after a server push indicating
// the room list changed.
func (s *Session) resyncRooms() {
	go func() {
		if _, err := s.SyncRooms(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("room sync failed", "err", err)
		}
	}()
}

func (s *Session) bumpRoomPing(token string) {
	s.mu.Lock()
	collection := s.collection
	s.mu.Unlock()
	if collection != nil {
		collection.BumpLastPing(token, time.Now())
	}
}

// reconcileRoster applies a full authoritative roster (polling transport's
// usersInRoom) and emits join/leave deltas against the tracked membership.
func (s *Session) reconcileRoster(full []Participant) {
	s.mu.Lock()
	gone := make(map[string]bool, len(s.joined))
	for id := range s.joined {
		gone[id] = true
	}
	var joins []Participant
	for _, p := range full {
		if p.SessionID == "" {
			continue
		}
		delete(gone, p.SessionID)
		if !s.joined[p.SessionID] {
			s.joined[p.SessionID] = true
			joins = append(joins, p)
		}
	}
	var left []string
	for id := range gone {
		delete(s.joined, id)
		left = append(left, id)
	}
	s.mu.Unlock()

	if len(left) > 0 {
		s.emit(Event{Kind: EventUsersLeft, SessionIDs: left})
	}
	if len(joins) > 0 {
		s.emit(Event{Kind: EventUsersJoined, Participants: joins})
	}
	s.emit(Event{Kind: EventParticipantListChanged})
}

// applyJoinEvent applies a server-push join. After a reconnect the push is
// authoritative for the whole room: previously tracked participants missing
// from it have silently vanished and are emitted as left.
func (s *Session) applyJoinEvent(parts []Participant, reconnected bool) {
	if len(parts) == 0 {
		return
	}
	s.mu.Lock()
	vanished := make(map[string]bool)
	if reconnected {
		for id := range s.joined {
			vanished[id] = true
		}
	}
	var joins []Participant
	for _, p := range parts {
		if p.SessionID == "" {
			continue
		}
		delete(vanished, p.SessionID)
		if !s.joined[p.SessionID] {
			s.joined[p.SessionID] = true
			joins = append(joins, p)
		}
	}
	var left []string
	for id := range vanished {
		delete(s.joined, id)
		left = append(left, id)
	}
	s.mu.Unlock()

	if len(left) > 0 {
		s.emit(Event{Kind: EventUsersLeft, SessionIDs: left})
	}
	if len(joins) > 0 {
		s.emit(Event{Kind: EventUsersJoined, Participants: joins})
	}
	s.emit(Event{Kind: EventParticipantListChanged})
}

func (s *Session) applyLeaveEvent(ids []string) {
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	for _, id := range ids {
		delete(s.joined, id)
	}
	s.mu.Unlock()
	s.emit(Event{Kind: EventUsersLeft, SessionIDs: ids})
	s.emit(Event{Kind: EventParticipantListChanged})
}

func (s *Session) applyParticipantsUpdate(parts []Participant) {
	s.emit(Event{Kind: EventUsersChanged, Participants: parts})
	s.emit(Event{Kind: EventParticipantListChanged})
}

// clearRosterEmitLeft empties the tracked roster: everyone we knew about has
// effectively left for us (room left or forced room change).
func (s *Session) clearRosterEmitLeft() {
	s.mu.Lock()
	left := make([]string, 0, len(s.joined))
	for id := range s.joined {
		left = append(left, id)
	}
	s.joined = make(map[string]bool)
	s.mu.Unlock()
	if len(left) > 0 {
		s.emit(Event{Kind: EventUsersLeft, SessionIDs: left})
	}
}

// handleForcedRoomChange reacts to the backend moving this session to a
// different room (administrative action).
func (s *Session) handleForcedRoomChange(newToken string) {
	s.mu.Lock()
	previous := s.currentRoomToken
	s.currentRoomToken = ""
	s.confirmedRoomToken = ""
	s.currentCallToken = ""
	s.confirmedCallToken = ""
	s.mu.Unlock()
	s.logger.Info("room changed by server", "previous", previous, "room", newToken)
	s.clearRosterEmitLeft()
	s.emit(Event{Kind: EventRoomChanged, PreviousRoomToken: previous, RoomToken: newToken})
}

// handlePingTeardown clears local room membership after repeated ping
// failures. The backend room may still be valid (a network blip outlasting
// the ping budget produces a false-positive leave); availability of the UI is
// favored over strict consistency here.
func (s *Session) handlePingTeardown(token string) {
	s.mu.Lock()
	callToken := s.currentCallToken
	if token == s.currentRoomToken {
		s.currentRoomToken = ""
		s.confirmedRoomToken = ""
	}
	s.currentCallToken = ""
	s.confirmedCallToken = ""
	s.mu.Unlock()
	s.logger.Warn("tearing down room after repeated ping failures", "room", token)
	if callToken != "" {
		s.emit(Event{Kind: EventLeaveCall, RoomToken: callToken})
	}
	s.clearRosterEmitLeft()
	s.emit(Event{Kind: EventLeaveRoom, RoomToken: token})
}

func (s *Session) handleMessage(payload json.RawMessage) {
	s.emit(Event{Kind: EventMessage, Payload: payload})
}

// ForceReconnect re-establishes the signaling session. With newSession the
// current session is abandoned (the call is marked left but its token kept so
// it is rejoined afterwards).
func (s *Session) ForceReconnect(newSession bool) {
	s.transport.ForceReconnect(newSession)
}

// Disconnect tears the session down: the transport channel is closed, all
// loops are cancelled and local state is cleared.
func (s *Session) Disconnect() {
	s.transport.Disconnect()
	s.cancel()
	s.mu.Lock()
	s.sessionID = ""
	s.currentRoomToken = ""
	s.confirmedRoomToken = ""
	s.currentCallToken = ""
	s.confirmedCallToken = ""
	s.joined = make(map[string]bool)
	s.mu.Unlock()
}

// participantsFromEvent converts wire participants into event payloads.
func participantsFromEvent(parts []eventParticipant) []Participant {
	out := make([]Participant, 0, len(parts))
	for _, p := range parts {
		out = append(out, p.participant())
	}
	return out
}

// checkCallSubState guards the invariant that a call token is only ever set
// while its room token is current. Used by tests and debug assertions.
func (s *Session) checkCallSubState() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentCallToken != "" && s.currentCallToken != s.currentRoomToken {
		return fmt.Errorf("call token %q outside room %q", s.currentCallToken, s.currentRoomToken)
	}
	return nil
}
