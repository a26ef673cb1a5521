package signaling

import (
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"
)

// EventKind enumerates the session lifecycle events delivered through the Bus.
type EventKind int

const (
	EventConnect EventKind = iota
	EventRoomChanged
	EventJoinRoom
	EventLeaveRoom
	EventJoinCall
	EventLeaveCall
	EventUsersJoined
	EventUsersLeft
	EventUsersChanged
	EventParticipantListChanged
	EventMessage
	EventStunServers
	EventTurnServers
	EventPasswordRequired
	EventRoomGone
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventRoomChanged:
		return "roomChanged"
	case EventJoinRoom:
		return "joinRoom"
	case EventLeaveRoom:
		return "leaveRoom"
	case EventJoinCall:
		return "joinCall"
	case EventLeaveCall:
		return "leaveCall"
	case EventUsersJoined:
		return "usersJoined"
	case EventUsersLeft:
		return "usersLeft"
	case EventUsersChanged:
		return "usersChanged"
	case EventParticipantListChanged:
		return "participantListChanged"
	case EventMessage:
		return "message"
	case EventStunServers:
		return "stunservers"
	case EventTurnServers:
		return "turnservers"
	case EventPasswordRequired:
		return "passwordRequired"
	case EventRoomGone:
		return "roomGone"
	default:
		return "unknown"
	}
}

// Participant identifies a session present in the current room.
type Participant struct {
	SessionID string
	UserID    string
}

// Event carries the payload for one emitted event. Only the fields relevant
// to the Kind are set.
type Event struct {
	Kind EventKind

	// RoomToken is set for room/call lifecycle events. PreviousRoomToken is
	// additionally set for EventRoomChanged.
	RoomToken         string
	PreviousRoomToken string

	// Participants is set for EventUsersJoined and EventUsersChanged.
	Participants []Participant
	// SessionIDs is set for EventUsersLeft.
	SessionIDs []string

	// Payload is set for EventMessage: the opaque negotiation payload with the
	// sender session id attached under "from" where known.
	Payload json.RawMessage

	// ICEServers is set for EventStunServers and EventTurnServers.
	ICEServers []webrtc.ICEServer
}

// Handler receives events. Handlers run synchronously on the emitting
// goroutine, in registration order.
type Handler func(Event)

type subscriber struct {
	id int
	fn Handler
}

// Bus is a typed in-process publish/subscribe registry keyed by event kind.
type Bus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[EventKind][]subscriber
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[EventKind][]subscriber)}
}

// On registers a handler and returns an id usable with Off.
func (b *Bus) On(kind EventKind, fn Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[kind] = append(b.handlers[kind], subscriber{id: id, fn: fn})
	return id
}

func (b *Bus) Off(kind EventKind, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[kind]
	for i, sub := range subs {
		if sub.id == id {
			b.handlers[kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit delivers the event to all handlers registered for its kind. The
// handler list is snapshotted so handlers may subscribe/unsubscribe while an
// emit is in progress.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	subs := make([]subscriber, len(b.handlers[ev.Kind]))
	copy(subs, b.handlers[ev.Kind])
	b.mu.Unlock()
	for _, sub := range subs {
		sub.fn(ev)
	}
}
