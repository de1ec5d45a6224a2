// Package notify maintains the always-on notification channel: a
// websocket carrying room presence and membership announcements for the
// whole account. It is independent of any call; losing it never
// touches an active call session.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/MikhailOznobikhin/moznods/internal/proto"
	"github.com/MikhailOznobikhin/moznods/internal/state"
)

var log = logging.Logger("notify")

// defaultPresenceTTL is how long a room's presence entry survives
// without a refresh while the channel is down. While connected the
// server keeps entries current, so pruning only runs between reconnect
// attempts.
const defaultPresenceTTL = 15 * time.Minute

// Client keeps the notification channel connected and routes its
// envelopes into the room table.
type Client struct {
	wsBase string
	token  string
	rooms  *state.RoomTable

	// OnRoomAdded, when set, is called after the table is updated.
	OnRoomAdded func(roomID int64, name string)

	// PresenceTTL overrides defaultPresenceTTL. Zero means the default.
	PresenceTTL time.Duration
}

func NewClient(wsBase, token string, rooms *state.RoomTable) *Client {
	return &Client{wsBase: wsBase, token: token, rooms: rooms}
}

// Run connects and re-connects with a small backoff until ctx is
// cancelled. Presence is display state, so a gap during reconnect is
// acceptable; the next update replaces the room's list wholesale.
func (c *Client) Run(ctx context.Context) {
	backoff := 250 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.runOnce(ctx); err != nil {
			log.Warnf("notification channel: %v", err)
		}

		// The connection is down; anything not refreshed within the TTL
		// may have missed removals and cannot be trusted.
		c.rooms.PruneStale(time.Now().Add(-c.presenceTTL()))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

func (c *Client) presenceTTL() time.Duration {
	if c.PresenceTTL > 0 {
		return c.PresenceTTL
	}
	return defaultPresenceTTL
}

func (c *Client) runOnce(ctx context.Context) error {
	u := fmt.Sprintf("%s/ws/notifications/?token=%s",
		strings.TrimRight(c.wsBase, "/"), url.QueryEscape(c.token))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	log.Infof("notification channel connected")

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warnf("dropping malformed envelope: %v", err)
			continue
		}
		c.handle(env)
	}
}

func (c *Client) handle(env proto.Envelope) {
	switch env.Type {
	case proto.TypeRoomPresenceUpdate:
		var pu proto.RoomPresenceUpdate
		if err := env.Decode(&pu); err != nil {
			log.Warnf("%v", err)
			return
		}
		c.rooms.ApplyPresence(pu.RoomID, pu.ActiveParticipants)

	case proto.TypeRoomAdded:
		var ra proto.RoomAdded
		if err := env.Decode(&ra); err != nil {
			log.Warnf("%v", err)
			return
		}
		c.rooms.AddRoom(ra.ID, ra.Name)
		log.Infof("added to room %d (%s)", ra.ID, ra.Name)
		if c.OnRoomAdded != nil {
			c.OnRoomAdded(ra.ID, ra.Name)
		}

	default:
		log.Debugf("ignoring envelope type %q", env.Type)
	}
}
