package backend

import (
	"context"
	"sort"
	"sync"
	"time"
)

// RoomDirectory caches the rooms the user participates in. It satisfies the
// signaling package's room collection contract: refreshed as a whole, sorted
// by last ping so the joined room surfaces first.
type RoomDirectory struct {
	client *Client

	mu    sync.Mutex
	rooms map[string]Room
}

func NewRoomDirectory(client *Client) *RoomDirectory {
	return &RoomDirectory{
		client: client,
		rooms:  make(map[string]Room),
	}
}

func (d *RoomDirectory) Refresh(ctx context.Context) ([]Room, error) {
	rooms, err := d.client.ListRooms(ctx)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.rooms = make(map[string]Room, len(rooms))
	for _, room := range rooms {
		d.rooms[room.Token] = room
	}
	d.mu.Unlock()
	return d.Rooms(), nil
}

// BumpLastPing marks a room as freshly active. Used on room join when the room
// list is not re-fetched from the backend.
func (d *RoomDirectory) BumpLastPing(token string, ts time.Time) {
	d.mu.Lock()
	if room, ok := d.rooms[token]; ok {
		room.LastPing = ts.Unix()
		d.rooms[token] = room
	}
	d.mu.Unlock()
}

// Rooms returns the cached rooms sorted by last ping, newest first.
func (d *RoomDirectory) Rooms() []Room {
	d.mu.Lock()
	out := make([]Room, 0, len(d.rooms))
	for _, room := range d.rooms {
		out = append(out, room)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastPing != out[j].LastPing {
			return out[i].LastPing > out[j].LastPing
		}
		return out[i].Token < out[j].Token
	})
	return out
}

// SingleRoom tracks one room for sessions without a room listing (public share
// or guest mode).
type SingleRoom struct {
	client *Client
	token  string

	mu   sync.Mutex
	room Room
}

func NewSingleRoom(client *Client, token string) *SingleRoom {
	return &SingleRoom{client: client, token: token}
}

func (r *SingleRoom) Token() string {
	return r.token
}

func (r *SingleRoom) Refresh(ctx context.Context) (Room, error) {
	room, err := r.client.GetRoom(ctx, r.token)
	if err != nil {
		return Room{}, err
	}
	r.mu.Lock()
	r.room = room
	r.mu.Unlock()
	return room, nil
}
