package notify

import (
	"context"
	"testing"
	"time"

	"github.com/MikhailOznobikhin/moznods/internal/proto"
	"github.com/MikhailOznobikhin/moznods/internal/state"
)

func TestHandleRoutesEnvelopes(t *testing.T) {
	rooms := state.NewRoomTable()
	c := NewClient("ws://localhost", "tok", rooms)

	var added []int64
	c.OnRoomAdded = func(roomID int64, _ string) { added = append(added, roomID) }

	push := func(msgType string, payload any) {
		t.Helper()
		env, err := proto.New(msgType, payload)
		if err != nil {
			t.Fatal(err)
		}
		c.handle(env)
	}

	push(proto.TypeRoomAdded, proto.RoomAdded{ID: 3, Name: "general"})
	push(proto.TypeRoomPresenceUpdate, proto.RoomPresenceUpdate{
		RoomID: 3, ActiveParticipants: []string{"bob"},
	})
	push("unrelated_type", nil)

	room, ok := rooms.Get(3)
	if !ok {
		t.Fatal("room 3 not in table")
	}
	if room.Name != "general" {
		t.Fatalf("expected room name general, got %q", room.Name)
	}
	if len(room.ActiveParticipants) != 1 || room.ActiveParticipants[0] != "bob" {
		t.Fatalf("unexpected presence: %v", room.ActiveParticipants)
	}
	if len(added) != 1 || added[0] != 3 {
		t.Fatalf("unexpected OnRoomAdded calls: %v", added)
	}
}

func TestRunPrunesStalePresenceWhileDisconnected(t *testing.T) {
	rooms := state.NewRoomTable()
	rooms.AddRoom(1, "general")

	// Unroutable address: every connect attempt fails immediately, so
	// the loop keeps cycling through its prune-and-backoff path.
	c := NewClient("ws://127.0.0.1:1", "tok", rooms)
	c.PresenceTTL = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := rooms.Get(1); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("stale room survived the reconnect loop")
}
