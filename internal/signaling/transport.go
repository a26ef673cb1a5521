package signaling

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openconvo/signaling-client/internal/backend"
)

// transport is the wire strategy behind a Session. Exactly one instance is
// created per Session and survives ordinary reconnects.
//
// The Session performs the backend REST calls itself; the transport hooks
// below perform the transport-specific follow-up (announcing the room over
// the socket, starting the polling loops, ...).
type transport interface {
	// Connect establishes the channel. For the socket transport this dials and
	// performs the hello handshake; for the polling transport it starts the
	// batch send loop and probes the signaling endpoint.
	Connect()

	// needsSession reports whether room joins must wait for a session id
	// (socket transport before the hello response).
	needsSession() bool

	// RoomJoined runs after a successful backend room join.
	RoomJoined(token, backendSessionID string)
	// RoomLeft performs the wire-level unjoin.
	RoomLeft(token string)

	CallJoined(token string)
	CallLeft(token string)

	// SendCallMessage routes an opaque negotiation payload. The socket
	// transport extracts the recipient session id from the payload's "to"
	// field; the polling transport batches it.
	SendCallMessage(data json.RawMessage)
	// sendToSession routes a payload to one recipient session id.
	sendToSession(sessionID string, data json.RawMessage)

	// RoomsRegistered runs when a room collection or single room is
	// registered; the polling transport starts its room-change poll.
	RoomsRegistered()

	ForceReconnect(newSession bool)

	Disconnect()
}

// RoomCollection is the registered room listing, refreshed as a whole on
// sync. Implemented by backend.RoomDirectory.
type RoomCollection interface {
	Refresh(ctx context.Context) ([]backend.Room, error)
	BumpLastPing(token string, ts time.Time)
}

// RoomRef is a single registered room for sessions without a listing
// (public/guest mode). Implemented by backend.SingleRoom.
type RoomRef interface {
	Token() string
	Refresh(ctx context.Context) (backend.Room, error)
}
