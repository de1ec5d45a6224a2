// Package state holds client-side presence: which rooms exist and who
// is currently in each room's call. Display state only — the call
// session never reads it.
package state

import (
	"sort"
	"sync"
	"time"
)

// RoomPresence is the last known call presence for one room.
type RoomPresence struct {
	Name               string
	ActiveParticipants []string
	LastUpdate         time.Time
}

// InCall reports whether anyone is in the room's call.
func (p RoomPresence) InCall() bool { return len(p.ActiveParticipants) > 0 }

// RoomEvent announces a change to the table.
type RoomEvent struct {
	Type   string        `json:"type"`
	RoomID int64         `json:"room_id,omitempty"`
	Room   *RoomPresence `json:"room,omitempty"`
}

// RoomTable tracks room presence and fans changes out to listeners.
type RoomTable struct {
	mu        sync.Mutex
	rooms     map[int64]RoomPresence
	listeners []chan RoomEvent
}

func NewRoomTable() *RoomTable {
	return &RoomTable{
		rooms:     map[int64]RoomPresence{},
		listeners: make([]chan RoomEvent, 0),
	}
}

// ApplyPresence replaces the room's participant list wholesale with the
// server snapshot. An empty list means the call is over but the room
// stays known.
func (t *RoomTable) ApplyPresence(roomID int64, participants []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[roomID]
	room.ActiveParticipants = append([]string(nil), participants...)
	room.LastUpdate = time.Now()
	t.rooms[roomID] = room
	t.notifyListeners(RoomEvent{Type: "update", RoomID: roomID, Room: &room})
}

// AddRoom seeds a newly announced room. An existing entry keeps its
// presence.
func (t *RoomTable) AddRoom(roomID int64, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.rooms[roomID]
	room.Name = name
	if !ok {
		room.LastUpdate = time.Now()
	}
	t.rooms[roomID] = room
	t.notifyListeners(RoomEvent{Type: "update", RoomID: roomID, Room: &room})
}

// Remove drops a room.
func (t *RoomTable) Remove(roomID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rooms, roomID)
	t.notifyListeners(RoomEvent{Type: "remove", RoomID: roomID})
}

// Get returns one room's presence.
func (t *RoomTable) Get(roomID int64) (RoomPresence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.rooms[roomID]
	return room, ok
}

// IDs returns the known room ids, sorted.
func (t *RoomTable) IDs() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]int64, 0, len(t.rooms))
	for id := range t.rooms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot copies the whole table.
func (t *RoomTable) Snapshot() map[int64]RoomPresence {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[int64]RoomPresence, len(t.rooms))
	for k, v := range t.rooms {
		cp[k] = v
	}
	return cp
}

// PruneStale drops rooms whose presence has not been refreshed since
// the cutoff. Guards against a notification channel that silently
// stopped updating a room.
func (t *RoomTable) PruneStale(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, room := range t.rooms {
		if room.LastUpdate.Before(cutoff) {
			delete(t.rooms, id)
			t.notifyListeners(RoomEvent{Type: "remove", RoomID: id})
		}
	}
}

func (t *RoomTable) Subscribe() chan RoomEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan RoomEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *RoomTable) Unsubscribe(ch chan RoomEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *RoomTable) notifyListeners(evt RoomEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
