// Package signal implements the call signaling channel: a persistent
// websocket to the relay server, scoped to one room and authenticated by
// token. It carries proto envelopes both ways and is never in the media
// path. The channel is owned by the call session; nothing else closes or
// replaces it.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/MikhailOznobikhin/moznods/internal/proto"
	"github.com/gorilla/websocket"
)

var log = logging.Logger("signal")

// ErrAccessDenied means the relay refused the connection or closed it
// with its access-denied code: bad token or not a participant of the
// room. Distinct from a dropped connection so callers can show an
// authorization error instead of a generic one.
var ErrAccessDenied = errors.New("signal: access denied")

// ErrConnectionLost means the channel closed abnormally mid-call.
var ErrConnectionLost = errors.New("signal: connection lost")

// Channel is one open call signaling connection.
type Channel struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	events chan proto.Envelope
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	reason error
}

// Dial opens the signaling channel for roomID. wsBase is the relay's
// websocket base URL ("wss://host"); the token is passed as a query
// parameter the way the relay expects it.
func Dial(ctx context.Context, wsBase string, roomID int64, token string) (*Channel, error) {
	u := fmt.Sprintf("%s/ws/call/%d/?token=%s",
		strings.TrimRight(wsBase, "/"), roomID, url.QueryEscape(token))

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized) {
			return nil, fmt.Errorf("%w: relay rejected handshake (%s)", ErrAccessDenied, resp.Status)
		}
		return nil, fmt.Errorf("dial signaling channel: %w", err)
	}

	c := &Channel{
		conn:   conn,
		events: make(chan proto.Envelope, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()

	log.Infof("connected to call channel for room %d", roomID)
	return c, nil
}

// Events returns inbound envelopes. The channel is closed when the
// connection ends; CloseReason then reports why.
func (c *Channel) Events() <-chan proto.Envelope {
	return c.events
}

// Send writes one envelope. Safe for concurrent use.
func (c *Channel) Send(env proto.Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return net.ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

// SendType marshals payload into an envelope of msgType and sends it.
func (c *Channel) SendType(msgType string, payload any) error {
	env, err := proto.New(msgType, payload)
	if err != nil {
		return err
	}
	return c.Send(env)
}

// CloseReason reports why the channel ended, valid once Events is
// closed. nil means a normal closure (including a local Close), which
// callers treat as an implicit leave rather than an error.
func (c *Channel) CloseReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Close performs a normal closure. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)

	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	return c.conn.Close()
}

func (c *Channel) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.recordClose(err)
			return
		}

		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warnf("dropping malformed envelope: %v", err)
			continue
		}
		if env.Type == "" {
			log.Warnf("dropping envelope with no type")
			continue
		}

		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}

// recordClose classifies the read error into the channel's close reason.
func (c *Channel) recordClose(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		// Local Close: the read error is just our own teardown.
		return
	}
	c.closed = true

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			c.reason = nil
		case proto.CloseAccessDenied:
			c.reason = fmt.Errorf("%w (close code %d)", ErrAccessDenied, ce.Code)
		default:
			c.reason = fmt.Errorf("%w (close code %d)", ErrConnectionLost, ce.Code)
		}
	} else {
		c.reason = fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	if c.reason != nil {
		log.Warnf("call channel closed: %v", c.reason)
	} else {
		log.Debugf("call channel closed normally")
	}
}
