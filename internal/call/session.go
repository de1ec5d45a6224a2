// Package call orchestrates one room call: the signaling channel, one
// peer link per remote participant, and the local media lifecycle. The
// full mesh is driven entirely by relayed envelopes; the server never
// touches SDP or media.
package call

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/MikhailOznobikhin/moznods/internal/proto"
)

// Signaler is the session's view of the signaling channel.
type Signaler interface {
	Send(env proto.Envelope) error
	SendType(msgType string, payload any) error
	Events() <-chan proto.Envelope
	CloseReason() error
	Close() error
}

// MediaSource is the session's view of the local capture controller.
type MediaSource interface {
	Acquire(wantVideo bool) (videoGranted bool, err error)
	Tracks() []webrtc.TrackLocal
	Track(kind webrtc.RTPCodecType) webrtc.TrackLocal
	HasVideo() bool
	AudioEnabled() bool
	VideoEnabled() bool
	ToggleAudio() (enabled bool, changed bool)
	ToggleVideo() (enabled bool, added webrtc.TrackLocal, err error)
	Release()
}

// State is where a session is in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateAcquiringMedia
	StateConnecting
	StateActive
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringMedia:
		return "acquiring_media"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// Participant is one roster entry as last reported by the server.
type Participant struct {
	UserID   int64
	Username string
	State    string
}

// Session is one attempt to be in one room's call, from join to the
// return to idle. A finished session is not reused.
type Session struct {
	roomID   int64
	selfID   int64
	selfName string

	media   MediaSource
	dial    func(ctx context.Context) (Signaler, error)
	publish func(Event)
	onDone  func(*Session)

	links *linkSet

	mu           sync.Mutex
	sig          Signaler
	state        State
	lastErr      string
	participants map[int64]Participant
	finished     bool

	done chan struct{}
}

// join runs the entry sequence: capture media, dial the channel,
// announce join_call. Any failure rolls everything back to idle with
// the error recorded.
func (s *Session) join(ctx context.Context, wantVideo bool, newTransport func() (peerTransport, error)) error {
	s.setState(StateAcquiringMedia)

	if _, err := s.media.Acquire(wantVideo); err != nil {
		s.finish(err)
		return err
	}

	sig, err := s.dial(ctx)
	if err != nil {
		s.media.Release()
		s.finish(err)
		return err
	}

	s.mu.Lock()
	s.sig = sig
	s.mu.Unlock()

	s.links = newLinkSet(newTransport, sig, s.media, s.selfName, linkHooks{
		onRemoteTrack: func(userID int64, info RemoteTrackInfo) {
			s.publish(Event{Type: EventRemoteTrack, RoomID: s.roomID, UserID: userID, TrackKind: info.Kind})
		},
		onLinkState: func(userID int64, state webrtc.PeerConnectionState) {
			s.publish(Event{Type: EventLinkStateChanged, RoomID: s.roomID, UserID: userID, LinkState: state.String()})
		},
	})

	s.setState(StateConnecting)

	if err := sig.SendType(proto.TypeJoinCall, nil); err != nil {
		s.media.Release()
		_ = sig.Close()
		s.finish(err)
		return err
	}

	go s.dispatchLoop()
	return nil
}

// dispatchLoop consumes the channel until it closes. A close the
// session did not initiate is an implicit leave: tear down without
// sending leave_call on a connection that is already gone.
func (s *Session) dispatchLoop() {
	for env := range s.sig.Events() {
		s.handleEnvelope(env)
	}
	s.teardown(s.sig.CloseReason(), false)
}

func (s *Session) handleEnvelope(env proto.Envelope) {
	switch env.Type {
	case proto.TypeCallState:
		var cs proto.CallState
		if err := env.Decode(&cs); err != nil {
			log.Printf("CALL: %v", err)
			return
		}
		s.applyRoster(cs.Participants)

	case proto.TypeUserJoined:
		var uj proto.UserJoined
		if err := env.Decode(&uj); err != nil {
			log.Printf("CALL: %v", err)
			return
		}
		if uj.User.ID == s.selfID {
			return
		}
		s.upsertParticipant(uj.User.ID, uj.User.Username, "connecting")
		s.publish(Event{Type: EventParticipantJoined, RoomID: s.roomID, UserID: uj.User.ID, Username: uj.User.Username})
		// The side already in the call offers to the newcomer.
		if err := s.links.EnsureLink(uj.User.ID, true); err != nil {
			log.Printf("CALL: %v", err)
		}

	case proto.TypeUserLeft:
		var ul proto.UserLeft
		if err := env.Decode(&ul); err != nil {
			log.Printf("CALL: %v", err)
			return
		}
		s.removeParticipant(ul.UserID)
		s.links.CloseLink(ul.UserID)
		s.publish(Event{Type: EventParticipantLeft, RoomID: s.roomID, UserID: ul.UserID})

	case proto.TypeExistingParticipants:
		var ep proto.ExistingParticipants
		if err := env.Decode(&ep); err != nil {
			log.Printf("CALL: %v", err)
			return
		}
		// Join acknowledged: the joiner offers toward everyone already in.
		s.markActive()
		for _, u := range ep.Users {
			if u.ID == s.selfID {
				continue
			}
			s.upsertParticipant(u.ID, u.Username, "active")
			if err := s.links.EnsureLink(u.ID, true); err != nil {
				log.Printf("CALL: %v", err)
			}
		}

	case proto.TypeOffer:
		var o proto.Offer
		if err := env.Decode(&o); err != nil {
			log.Printf("CALL: %v", err)
			return
		}
		if o.FromUsername != "" {
			s.upsertParticipant(o.FromUserID, o.FromUsername, "connecting")
		}
		if err := s.links.HandleOffer(o.FromUserID, o.SDP); err != nil {
			log.Printf("CALL: %v", err)
		}

	case proto.TypeAnswer:
		var a proto.Answer
		if err := env.Decode(&a); err != nil {
			log.Printf("CALL: %v", err)
			return
		}
		if err := s.links.HandleAnswer(a.FromUserID, a.SDP); err != nil {
			log.Printf("CALL: %v", err)
		}

	case proto.TypeICECandidate:
		var ic proto.ICECandidate
		if err := env.Decode(&ic); err != nil {
			log.Printf("CALL: %v", err)
			return
		}
		if err := s.links.HandleCandidate(ic.FromUserID, ic.Candidate); err != nil {
			log.Printf("CALL: %v", err)
		}

	case proto.TypeRequestMic:
		var rm proto.RequestMic
		if err := env.Decode(&rm); err != nil {
			log.Printf("CALL: %v", err)
			return
		}
		if s.State() == StateActive && !s.media.AudioEnabled() {
			s.publish(Event{Type: EventMicRequested, RoomID: s.roomID, UserID: rm.FromUserID})
		}

	case proto.TypeError:
		var se proto.ServerError
		if err := env.Decode(&se); err != nil {
			log.Printf("CALL: %v", err)
			return
		}
		log.Printf("CALL: server error: %s", se.Detail)

	default:
		log.Printf("CALL: ignoring envelope type %q", env.Type)
	}
}

// applyRoster replaces the roster wholesale with the server snapshot.
// Self is tracked separately, so it never appears as a participant.
func (s *Session) applyRoster(infos []proto.ParticipantInfo) {
	s.mu.Lock()
	s.participants = make(map[int64]Participant, len(infos))
	for _, p := range infos {
		if p.UserID == s.selfID {
			continue
		}
		s.participants[p.UserID] = Participant{UserID: p.UserID, Username: p.Username, State: p.State}
	}
	s.mu.Unlock()

	s.markActive()
	s.publish(Event{Type: EventRosterUpdated, RoomID: s.roomID})
}

// markActive moves connecting → active and clears the error field. A
// roster snapshot or existing-participants list means the server
// accepted the join.
func (s *Session) markActive() {
	s.mu.Lock()
	promoted := s.state == StateConnecting
	if promoted {
		s.state = StateActive
		s.lastErr = ""
	}
	s.mu.Unlock()

	if promoted {
		s.publish(Event{Type: EventStateChanged, RoomID: s.roomID, State: StateActive})
	}
}

func (s *Session) upsertParticipant(userID int64, username, state string) {
	if userID == 0 || userID == s.selfID {
		return
	}
	s.mu.Lock()
	if existing, ok := s.participants[userID]; ok {
		if username != "" {
			existing.Username = username
		}
		existing.State = state
		s.participants[userID] = existing
	} else {
		s.participants[userID] = Participant{UserID: userID, Username: username, State: state}
	}
	s.mu.Unlock()
}

func (s *Session) removeParticipant(userID int64) {
	s.mu.Lock()
	delete(s.participants, userID)
	s.mu.Unlock()
}

// Leave ends the session deliberately: the server is told before the
// channel closes. Safe from any state and idempotent.
func (s *Session) Leave() {
	s.teardown(nil, true)
}

// teardown is the single exit path back to idle. reason, when non-nil,
// is recorded as the session error.
func (s *Session) teardown(reason error, sendLeave bool) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.state = StateLeaving
	sig := s.sig
	s.mu.Unlock()

	s.publish(Event{Type: EventStateChanged, RoomID: s.roomID, State: StateLeaving})

	if s.links != nil {
		s.links.CloseAll()
	}
	s.media.Release()

	if sig != nil {
		if sendLeave {
			_ = sig.SendType(proto.TypeLeaveCall, nil)
		}
		_ = sig.Close()
	}

	s.mu.Lock()
	s.participants = make(map[int64]Participant)
	if reason != nil {
		s.lastErr = reason.Error()
	}
	s.state = StateIdle
	s.mu.Unlock()

	if reason != nil {
		log.Printf("CALL: session for room %d ended: %v", s.roomID, reason)
		s.publish(Event{Type: EventSessionError, RoomID: s.roomID, Err: reason.Error()})
	}
	s.publish(Event{Type: EventStateChanged, RoomID: s.roomID, State: StateIdle})

	s.onDone(s)
	close(s.done)
}

// finish records a join failure and returns the session to idle without
// the full teardown (nothing was set up yet past what join rolled back).
func (s *Session) finish(reason error) {
	s.mu.Lock()
	s.finished = true
	s.lastErr = reason.Error()
	s.state = StateIdle
	s.mu.Unlock()

	s.publish(Event{Type: EventSessionError, RoomID: s.roomID, Err: reason.Error()})
	s.publish(Event{Type: EventStateChanged, RoomID: s.roomID, State: StateIdle})

	s.onDone(s)
	close(s.done)
}

// ToggleAudio flips the microphone. Mute swaps the senders' tracks for
// nil so the m-lines stay put and no renegotiation happens.
func (s *Session) ToggleAudio() bool {
	enabled, changed := s.media.ToggleAudio()
	if changed && s.links != nil {
		s.links.SetTrackEnabled(webrtc.RTPCodecTypeAudio, enabled)
	}
	return enabled
}

// ToggleVideo flips the camera. Turning video on in a call that started
// audio-only captures a fresh track, attaches it everywhere and
// renegotiates each link once. A capture failure is reported but leaves
// the session state untouched.
func (s *Session) ToggleVideo() (bool, error) {
	enabled, added, err := s.media.ToggleVideo()
	if err != nil {
		s.mu.Lock()
		s.lastErr = err.Error()
		s.mu.Unlock()
		s.publish(Event{Type: EventSessionError, RoomID: s.roomID, Err: err.Error()})
		return s.media.VideoEnabled(), err
	}
	if s.links == nil {
		return enabled, nil
	}
	if added != nil {
		s.links.AddLocalTrack(added)
		s.links.RenegotiateAll()
	} else {
		s.links.SetTrackEnabled(webrtc.RTPCodecTypeVideo, enabled)
	}
	return enabled, nil
}

// RequestMic asks target to unmute. Advisory only.
func (s *Session) RequestMic(target int64) error {
	s.mu.Lock()
	sig := s.sig
	s.mu.Unlock()
	if sig == nil {
		return nil
	}
	return sig.SendType(proto.TypeRequestMic, proto.RequestMic{TargetUserID: target})
}

// AcceptMicRequest unmutes in response to a mic request. No-op when
// already unmuted.
func (s *Session) AcceptMicRequest() {
	if !s.media.AudioEnabled() {
		s.ToggleAudio()
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.publish(Event{Type: EventStateChanged, RoomID: s.roomID, State: st})
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RoomID reports which room this session is (or was) in.
func (s *Session) RoomID() int64 { return s.roomID }

// LastError reports the most recent session error, empty after a
// successful (re)join.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Participants returns the roster sorted by user id.
func (s *Session) Participants() []Participant {
	s.mu.Lock()
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// AudioEnabled reports the local microphone state.
func (s *Session) AudioEnabled() bool { return s.media.AudioEnabled() }

// VideoEnabled reports the local camera state.
func (s *Session) VideoEnabled() bool { return s.media.VideoEnabled() }

// RemoteTracks reports inbound tracks for one participant.
func (s *Session) RemoteTracks(userID int64) []RemoteTrackInfo {
	if s.links == nil {
		return nil
	}
	return s.links.RemoteTracks(userID)
}

// LinkStats reports inbound media counters for one participant.
func (s *Session) LinkStats(userID int64) (LinkStats, bool) {
	if s.links == nil {
		return LinkStats{}, false
	}
	return s.links.Stats(userID)
}

// Done is closed when the session has returned to idle.
func (s *Session) Done() <-chan struct{} { return s.done }
