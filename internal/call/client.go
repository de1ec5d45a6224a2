package call

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/MikhailOznobikhin/moznods/internal/util"
)

// ErrCallInProgress is returned by Join while another call session is
// active. One call at a time; the caller leaves first.
var ErrCallInProgress = errors.New("call: another call is already active")

// DialFunc opens a signaling channel for a room.
type DialFunc func(ctx context.Context, roomID int64) (Signaler, error)

// Client is the call entry point: it enforces the single-active-session
// rule and fans session events out to subscribers.
type Client struct {
	selfID   int64
	selfName string
	media    MediaSource
	dial     DialFunc

	// seam for tests; production wiring uses PionFactory.newTransport.
	newTransport func() (peerTransport, error)

	mu      sync.Mutex
	active  *Session
	joining bool

	listenerMu sync.Mutex
	listeners  map[chan Event]struct{}

	recent *util.RingBuffer[Event]
}

// New builds a client for the local user.
func New(selfID int64, selfName string, media MediaSource, factory *PionFactory, dial DialFunc) *Client {
	return &Client{
		selfID:       selfID,
		selfName:     selfName,
		media:        media,
		dial:         dial,
		newTransport: factory.newTransport,
		listeners:    make(map[chan Event]struct{}),
		recent:       util.NewRingBuffer[Event](128),
	}
}

// Join starts a session in roomID. Fails with ErrCallInProgress while a
// session exists, including one still joining.
func (c *Client) Join(ctx context.Context, roomID int64, wantVideo bool) (*Session, error) {
	c.mu.Lock()
	if c.active != nil || c.joining {
		c.mu.Unlock()
		return nil, ErrCallInProgress
	}
	c.joining = true
	c.mu.Unlock()

	s := &Session{
		roomID:   roomID,
		selfID:   c.selfID,
		selfName: c.selfName,
		media:    c.media,
		dial: func(ctx context.Context) (Signaler, error) {
			return c.dial(ctx, roomID)
		},
		publish:      c.publish,
		onDone:       c.sessionDone,
		participants: make(map[int64]Participant),
		done:         make(chan struct{}),
	}

	if err := s.join(ctx, wantVideo, c.newTransport); err != nil {
		c.mu.Lock()
		c.joining = false
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	c.joining = false
	c.active = s
	c.mu.Unlock()

	log.Printf("CALL: joined room %d", roomID)
	return s, nil
}

// Active returns the current session, if any.
func (c *Client) Active() (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.active != nil
}

// Close leaves the active session, if any.
func (c *Client) Close() {
	s, ok := c.Active()
	if ok {
		s.Leave()
	}
}

func (c *Client) sessionDone(s *Session) {
	c.mu.Lock()
	if c.active == s {
		c.active = nil
	}
	c.mu.Unlock()
}

// Subscribe registers an event listener. The returned cancel func must
// be called when done. Slow listeners lose events rather than block the
// session.
func (c *Client) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel := func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// Recent returns the most recent events, oldest first. Diagnostic
// surface for the status command.
func (c *Client) Recent() []Event {
	return c.recent.Snapshot()
}

func (c *Client) publish(evt Event) {
	c.recent.Push(evt)

	c.listenerMu.Lock()
	for ch := range c.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
	c.listenerMu.Unlock()
}
