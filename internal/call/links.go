package call

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/MikhailOznobikhin/moznods/internal/proto"
)

// pliInterval is how often a picture loss indication is sent for each
// inbound video track, keeping decoders recoverable after packet loss.
const pliInterval = 3 * time.Second

// RemoteTrackInfo describes one inbound media track surfaced to
// observers.
type RemoteTrackInfo struct {
	UserID int64
	Kind   string
	ID     string
	SSRC   uint32
}

// LinkStats are inbound media counters for one peer link.
type LinkStats struct {
	PacketsIn uint64
	BytesIn   uint64
}

// linkHooks are the notifications a link set raises toward the session.
// All hooks are invoked from transport callback goroutines.
type linkHooks struct {
	onRemoteTrack func(userID int64, info RemoteTrackInfo)
	onLinkState   func(userID int64, state webrtc.PeerConnectionState)
}

// linkSet owns one peer link per remote participant. Every remote user
// gets exactly one link regardless of how many triggers race to create
// it; a failure on one link never touches the others.
type linkSet struct {
	newTransport func() (peerTransport, error)
	sig          Signaler
	media        MediaSource
	selfName     string
	hooks        linkHooks

	mu    sync.Mutex
	links map[int64]*peerLink
}

func newLinkSet(newTransport func() (peerTransport, error), sig Signaler, media MediaSource, selfName string, hooks linkHooks) *linkSet {
	return &linkSet{
		newTransport: newTransport,
		sig:          sig,
		media:        media,
		selfName:     selfName,
		hooks:        hooks,
		links:        make(map[int64]*peerLink),
	}
}

// EnsureLink creates the link for userID if none exists. When created
// and asOfferer is set, an offer is produced and sent; an existing link
// is left untouched so racing triggers cannot produce duplicate offers.
func (s *linkSet) EnsureLink(userID int64, asOfferer bool) error {
	link, created, err := s.ensure(userID)
	if err != nil {
		return err
	}
	if created && asOfferer {
		return link.sendOffer()
	}
	return nil
}

func (s *linkSet) ensure(userID int64) (*peerLink, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if link, ok := s.links[userID]; ok {
		return link, false, nil
	}

	pc, err := s.newTransport()
	if err != nil {
		return nil, false, fmt.Errorf("peer %d: %w", userID, err)
	}

	link := &peerLink{
		userID:  userID,
		set:     s,
		pc:      pc,
		senders: make(map[webrtc.RTPCodecType]trackSender),
		done:    make(chan struct{}),
	}

	tracks := s.media.Tracks()
	if len(tracks) == 0 {
		// Nothing captured locally; still negotiate inbound media.
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				log.Printf("CALL: peer %d: recvonly %s transceiver: %v", userID, kind, err)
			}
		}
	} else {
		for _, t := range tracks {
			sender, err := pc.AddTrack(t)
			if err != nil {
				log.Printf("CALL: peer %d: add %s track: %v", userID, t.Kind(), err)
				continue
			}
			link.senders[t.Kind()] = sender
		}
	}

	pc.OnICECandidate(link.onICECandidate)
	pc.OnTrack(link.onTrack)
	pc.OnConnectionStateChange(link.onConnectionState)

	s.links[userID] = link
	log.Printf("CALL: peer %d: link created", userID)
	return link, true, nil
}

// HandleOffer applies a remote offer, creating the link on demand, and
// sends the answer back.
func (s *linkSet) HandleOffer(from int64, sdp webrtc.SessionDescription) error {
	link, _, err := s.ensure(from)
	if err != nil {
		return err
	}
	return link.acceptOffer(sdp)
}

// HandleAnswer applies a remote answer. An answer for an unknown user is
// dropped: the peer left (or never existed) and tearing anything down
// for it would be wrong.
func (s *linkSet) HandleAnswer(from int64, sdp webrtc.SessionDescription) error {
	link := s.lookup(from)
	if link == nil {
		log.Printf("CALL: peer %d: dropping answer for unknown link", from)
		return nil
	}
	return link.acceptAnswer(sdp)
}

// HandleCandidate applies or buffers a remote ICE candidate. Candidates
// for unknown users are dropped silently.
func (s *linkSet) HandleCandidate(from int64, cand webrtc.ICECandidateInit) error {
	link := s.lookup(from)
	if link == nil {
		return nil
	}
	return link.addCandidate(cand)
}

// Renegotiate sends a fresh offer on the given link, e.g. after the
// local track set changed.
func (s *linkSet) Renegotiate(userID int64) error {
	link := s.lookup(userID)
	if link == nil {
		return fmt.Errorf("peer %d: no link", userID)
	}
	return link.sendOffer()
}

// RenegotiateAll offers to every link. Per-link failures are logged and
// skipped; one bad peer must not block the rest.
func (s *linkSet) RenegotiateAll() {
	for _, link := range s.snapshot() {
		if err := link.sendOffer(); err != nil {
			log.Printf("CALL: peer %d: renegotiate: %v", link.userID, err)
		}
	}
}

// AddLocalTrack attaches a late local track (camera turned on mid-call)
// to every link. Callers follow up with RenegotiateAll.
func (s *linkSet) AddLocalTrack(t webrtc.TrackLocal) {
	for _, link := range s.snapshot() {
		link.mu.Lock()
		if link.closed {
			link.mu.Unlock()
			continue
		}
		sender, err := link.pc.AddTrack(t)
		if err != nil {
			log.Printf("CALL: peer %d: add late %s track: %v", link.userID, t.Kind(), err)
		} else {
			link.senders[t.Kind()] = sender
		}
		link.mu.Unlock()
	}
}

// SetTrackEnabled mutes or unmutes one kind on every link by swapping
// the sender's track out for nil and back. Swapping keeps the m-line so
// no renegotiation is needed.
func (s *linkSet) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) {
	var replacement webrtc.TrackLocal
	if enabled {
		replacement = s.media.Track(kind)
	}
	for _, link := range s.snapshot() {
		link.mu.Lock()
		sender := link.senders[kind]
		if sender == nil || link.closed {
			link.mu.Unlock()
			continue
		}
		if err := sender.ReplaceTrack(replacement); err != nil {
			log.Printf("CALL: peer %d: replace %s track: %v", link.userID, kind, err)
		}
		link.mu.Unlock()
	}
}

// CloseLink tears down the link for userID. No-op when none exists.
func (s *linkSet) CloseLink(userID int64) {
	s.mu.Lock()
	link := s.links[userID]
	delete(s.links, userID)
	s.mu.Unlock()

	if link != nil {
		link.close()
	}
}

// CloseAll tears down every link.
func (s *linkSet) CloseAll() {
	s.mu.Lock()
	links := make([]*peerLink, 0, len(s.links))
	for _, link := range s.links {
		links = append(links, link)
	}
	s.links = make(map[int64]*peerLink)
	s.mu.Unlock()

	for _, link := range links {
		link.close()
	}
}

// Count reports how many links exist.
func (s *linkSet) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// Stats reports inbound counters for userID's link.
func (s *linkSet) Stats(userID int64) (LinkStats, bool) {
	link := s.lookup(userID)
	if link == nil {
		return LinkStats{}, false
	}
	return LinkStats{
		PacketsIn: link.packetsIn.Load(),
		BytesIn:   link.bytesIn.Load(),
	}, true
}

// RemoteTracks reports the inbound tracks seen on userID's link.
func (s *linkSet) RemoteTracks(userID int64) []RemoteTrackInfo {
	link := s.lookup(userID)
	if link == nil {
		return nil
	}
	link.mu.Lock()
	defer link.mu.Unlock()
	out := make([]RemoteTrackInfo, len(link.remote))
	copy(out, link.remote)
	return out
}

func (s *linkSet) lookup(userID int64) *peerLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[userID]
}

func (s *linkSet) snapshot() []*peerLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peerLink, 0, len(s.links))
	for _, link := range s.links {
		out = append(out, link)
	}
	return out
}

// send pushes an envelope out on the signaling channel. Send failures
// are per-peer trouble, logged and swallowed.
func (s *linkSet) send(msgType string, payload any) {
	if err := s.sig.SendType(msgType, payload); err != nil {
		log.Printf("CALL: sending %s: %v", msgType, err)
	}
}

// peerLink is the connection to one remote participant. mu guards the
// transport's signaling-state interactions: candidates must not go out
// between setting a local description and sending it, and remote
// candidates must not be applied before the remote description.
type peerLink struct {
	userID int64
	set    *linkSet

	mu        sync.Mutex
	pc        peerTransport
	senders   map[webrtc.RTPCodecType]trackSender
	pending   []webrtc.ICECandidateInit
	remoteSet bool
	remote    []RemoteTrackInfo
	closed    bool

	done chan struct{}

	packetsIn atomic.Uint64
	bytesIn   atomic.Uint64
}

// sendOffer creates an offer, installs it locally and sends it. The
// lock is held across both so gathered candidates can only go out after
// the peer has seen the offer.
func (l *peerLink) sendOffer() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("peer %d: create offer: %w", l.userID, err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("peer %d: set local offer: %w", l.userID, err)
	}
	if local := l.pc.LocalDescription(); local != nil {
		offer = *local
	}

	l.set.send(proto.TypeOffer, proto.Offer{
		TargetUserID: l.userID,
		FromUsername: l.set.selfName,
		SDP:          offer,
	})
	log.Printf("CALL: peer %d: offer sent", l.userID)
	return nil
}

// acceptOffer applies the remote offer, flushes buffered candidates and
// answers.
func (l *peerLink) acceptOffer(sdp webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}

	if err := l.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("peer %d: set remote offer: %w", l.userID, err)
	}
	l.remoteSet = true
	l.flushPending()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("peer %d: create answer: %w", l.userID, err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("peer %d: set local answer: %w", l.userID, err)
	}
	if local := l.pc.LocalDescription(); local != nil {
		answer = *local
	}

	l.set.send(proto.TypeAnswer, proto.Answer{
		TargetUserID: l.userID,
		SDP:          answer,
	})
	log.Printf("CALL: peer %d: answer sent", l.userID)
	return nil
}

func (l *peerLink) acceptAnswer(sdp webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}

	if err := l.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("peer %d: set remote answer: %w", l.userID, err)
	}
	l.remoteSet = true
	l.flushPending()
	log.Printf("CALL: peer %d: answer applied", l.userID)
	return nil
}

// addCandidate applies a remote candidate, or buffers it in arrival
// order until the remote description lands.
func (l *peerLink) addCandidate(cand webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}

	if !l.remoteSet {
		l.pending = append(l.pending, cand)
		return nil
	}
	if err := l.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("peer %d: add candidate: %w", l.userID, err)
	}
	return nil
}

// flushPending applies buffered candidates in order. Caller holds l.mu.
func (l *peerLink) flushPending() {
	for _, cand := range l.pending {
		if err := l.pc.AddICECandidate(cand); err != nil {
			log.Printf("CALL: peer %d: buffered candidate: %v", l.userID, err)
		}
	}
	l.pending = nil
}

func (l *peerLink) onICECandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	init := c.ToJSON()
	l.mu.Unlock()

	l.set.send(proto.TypeICECandidate, proto.ICECandidate{
		TargetUserID: l.userID,
		Candidate:    init,
	})
}

func (l *peerLink) onTrack(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	info := RemoteTrackInfo{
		UserID: l.userID,
		Kind:   tr.Kind().String(),
		ID:     tr.ID(),
		SSRC:   uint32(tr.SSRC()),
	}

	l.mu.Lock()
	l.remote = append(l.remote, info)
	l.mu.Unlock()

	log.Printf("CALL: peer %d: remote %s track %s", l.userID, info.Kind, info.ID)

	go l.drain(tr)
	if tr.Kind() == webrtc.RTPCodecTypeVideo {
		go l.pliLoop(tr)
	}

	if l.set.hooks.onRemoteTrack != nil {
		l.set.hooks.onRemoteTrack(l.userID, info)
	}
}

// drain reads inbound RTP so the interceptors run and the receive
// buffers never back up. The packets themselves go nowhere; playback is
// out of scope for this client.
func (l *peerLink) drain(tr *webrtc.TrackRemote) {
	for {
		pkt, _, err := tr.ReadRTP()
		if err != nil {
			return
		}
		l.observe(pkt)
	}
}

func (l *peerLink) observe(pkt *rtp.Packet) {
	l.packetsIn.Add(1)
	l.bytesIn.Add(uint64(pkt.MarshalSize()))
}

// pliLoop periodically asks the remote encoder for a keyframe.
func (l *peerLink) pliLoop(tr *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			err := l.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

func (l *peerLink) onConnectionState(state webrtc.PeerConnectionState) {
	log.Printf("CALL: peer %d: connection %s", l.userID, state)
	if l.set.hooks.onLinkState != nil {
		l.set.hooks.onLinkState(l.userID, state)
	}
}

// close tears the transport down. Idempotent.
func (l *peerLink) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.done)
	pc := l.pc
	l.mu.Unlock()

	if err := pc.Close(); err != nil {
		log.Printf("CALL: peer %d: close: %v", l.userID, err)
	}
	log.Printf("CALL: peer %d: link closed", l.userID)
}
