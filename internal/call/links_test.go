package call

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/MikhailOznobikhin/moznods/internal/proto"
)

// ── test fakes ──

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (f *fakeTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (f *fakeTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (f *fakeTrack) ID() string                            { return f.id }
func (f *fakeTrack) RID() string                           { return "" }
func (f *fakeTrack) StreamID() string                      { return "fake-stream" }
func (f *fakeTrack) Kind() webrtc.RTPCodecType             { return f.kind }

type fakeSender struct {
	mu       sync.Mutex
	current  webrtc.TrackLocal
	replaced []webrtc.TrackLocal
}

func (f *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = t
	f.replaced = append(f.replaced, t)
	return nil
}

type fakeTransport struct {
	mu           sync.Mutex
	localTracks  []webrtc.TrackLocal
	senders      map[webrtc.RTPCodecType]*fakeSender
	recvOnly     []webrtc.RTPCodecType
	localDesc    *webrtc.SessionDescription
	remoteDesc   *webrtc.SessionDescription
	candidates   []webrtc.ICECandidateInit
	offersMade   int
	closed       bool
	onICE        func(*webrtc.ICECandidate)
	onTrack      func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onConnChange func(webrtc.PeerConnectionState)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{senders: map[webrtc.RTPCodecType]*fakeSender{}}
}

func (f *fakeTransport) AddTrack(track webrtc.TrackLocal) (trackSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localTracks = append(f.localTracks, track)
	s := &fakeSender{current: track}
	f.senders[track.Kind()] = s
	return s, nil
}

func (f *fakeTransport) AddTransceiverFromKind(kind webrtc.RTPCodecType, _ ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recvOnly = append(f.recvOnly, kind)
	return nil, nil
}

func (f *fakeTransport) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offersMade++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("offer-%d", f.offersMade),
	}, nil
}

func (f *fakeTransport) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteDesc == nil {
		return webrtc.SessionDescription{}, errors.New("no remote description")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (f *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localDesc = &desc
	return nil
}

func (f *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteDesc = &desc
	return nil
}

func (f *fakeTransport) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.localDesc
}

func (f *fakeTransport) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteDesc
}

func (f *fakeTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteDesc == nil {
		return errors.New("remote description is not set")
	}
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *fakeTransport) OnICECandidate(cb func(*webrtc.ICECandidate)) { f.onICE = cb }
func (f *fakeTransport) OnTrack(cb func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.onTrack = cb
}
func (f *fakeTransport) OnConnectionStateChange(cb func(webrtc.PeerConnectionState)) {
	f.onConnChange = cb
}
func (f *fakeTransport) WriteRTCP([]rtcp.Packet) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) offerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offersMade
}

func (f *fakeTransport) appliedCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(f.candidates))
	copy(out, f.candidates)
	return out
}

// transportLog hands out fake transports and remembers them in
// creation order.
type transportLog struct {
	mu      sync.Mutex
	created []*fakeTransport
	failNew error
}

func (tl *transportLog) new() (peerTransport, error) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.failNew != nil {
		return nil, tl.failNew
	}
	ft := newFakeTransport()
	tl.created = append(tl.created, ft)
	return ft, nil
}

func (tl *transportLog) count() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return len(tl.created)
}

func (tl *transportLog) at(i int) *fakeTransport {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.created[i]
}

type fakeSignaler struct {
	mu     sync.Mutex
	sent   []proto.Envelope
	events chan proto.Envelope
	reason error
	closed bool
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{events: make(chan proto.Envelope, 64)}
}

func (f *fakeSignaler) Send(env proto.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("signaler closed")
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSignaler) SendType(msgType string, payload any) error {
	env, err := proto.New(msgType, payload)
	if err != nil {
		return err
	}
	return f.Send(env)
}

func (f *fakeSignaler) Events() <-chan proto.Envelope { return f.events }

func (f *fakeSignaler) CloseReason() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

func (f *fakeSignaler) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

// dropWithReason simulates the server closing the connection.
func (f *fakeSignaler) dropWithReason(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.reason = err
		close(f.events)
	}
}

// push injects an inbound envelope as if the server sent it.
func (f *fakeSignaler) push(t *testing.T, msgType string, payload any) {
	t.Helper()
	env, err := proto.New(msgType, payload)
	if err != nil {
		t.Fatal(err)
	}
	f.events <- env
}

func (f *fakeSignaler) sentOfType(msgType string) []proto.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []proto.Envelope
	for _, env := range f.sent {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

type fakeMedia struct {
	mu           sync.Mutex
	tracks       []webrtc.TrackLocal
	audioEnabled bool
	videoEnabled bool
	acquireErr   error
	released     int

	lateTrack     webrtc.TrackLocal
	toggleVideoOn bool
}

func (f *fakeMedia) Acquire(wantVideo bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return false, f.acquireErr
	}
	f.audioEnabled = true
	f.videoEnabled = wantVideo && f.trackLocked(webrtc.RTPCodecTypeVideo) != nil
	return f.videoEnabled, nil
}

func (f *fakeMedia) Tracks() []webrtc.TrackLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), f.tracks...)
}

func (f *fakeMedia) trackLocked(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	for _, t := range f.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

func (f *fakeMedia) Track(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trackLocked(kind)
}

func (f *fakeMedia) HasVideo() bool {
	return f.Track(webrtc.RTPCodecTypeVideo) != nil
}

func (f *fakeMedia) AudioEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audioEnabled
}

func (f *fakeMedia) VideoEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.videoEnabled
}

func (f *fakeMedia) ToggleAudio() (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioEnabled = !f.audioEnabled
	return f.audioEnabled, true
}

func (f *fakeMedia) ToggleVideo() (bool, webrtc.TrackLocal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trackLocked(webrtc.RTPCodecTypeVideo) != nil {
		f.videoEnabled = !f.videoEnabled
		return f.videoEnabled, nil, nil
	}
	if f.lateTrack == nil {
		return false, nil, errors.New("no camera")
	}
	f.tracks = append(f.tracks, f.lateTrack)
	f.videoEnabled = true
	return true, f.lateTrack, nil
}

func (f *fakeMedia) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	f.audioEnabled = false
	f.videoEnabled = false
}

func (f *fakeMedia) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// waitUntil polls cond for up to two seconds.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ── linkSet tests ──

func newTestLinkSet(media MediaSource) (*linkSet, *transportLog, *fakeSignaler) {
	tl := &transportLog{}
	sig := newFakeSignaler()
	set := newLinkSet(tl.new, sig, media, "alice", linkHooks{})
	return set, tl, sig
}

func TestEnsureLinkIsIdempotent(t *testing.T) {
	media := &fakeMedia{tracks: []webrtc.TrackLocal{
		&fakeTrack{id: "a", kind: webrtc.RTPCodecTypeAudio},
	}}
	set, tl, sig := newTestLinkSet(media)

	if err := set.EnsureLink(7, true); err != nil {
		t.Fatal(err)
	}
	if err := set.EnsureLink(7, true); err != nil {
		t.Fatal(err)
	}

	if tl.count() != 1 {
		t.Fatalf("expected 1 transport, got %d", tl.count())
	}
	if got := len(sig.sentOfType(proto.TypeOffer)); got != 1 {
		t.Fatalf("expected 1 offer, got %d", got)
	}
	if set.Count() != 1 {
		t.Fatalf("expected 1 link, got %d", set.Count())
	}
}

func TestOfferCarriesTargetAndUsername(t *testing.T) {
	media := &fakeMedia{tracks: []webrtc.TrackLocal{
		&fakeTrack{id: "a", kind: webrtc.RTPCodecTypeAudio},
	}}
	set, _, sig := newTestLinkSet(media)

	if err := set.EnsureLink(42, true); err != nil {
		t.Fatal(err)
	}

	offers := sig.sentOfType(proto.TypeOffer)
	if len(offers) != 1 {
		t.Fatalf("expected 1 offer, got %d", len(offers))
	}
	var o proto.Offer
	if err := offers[0].Decode(&o); err != nil {
		t.Fatal(err)
	}
	if o.TargetUserID != 42 {
		t.Fatalf("expected target 42, got %d", o.TargetUserID)
	}
	if o.FromUsername != "alice" {
		t.Fatalf("expected from_username alice, got %q", o.FromUsername)
	}
	if o.SDP.Type != webrtc.SDPTypeOffer {
		t.Fatalf("expected offer SDP, got %v", o.SDP.Type)
	}
}

func TestRecvOnlyTransceiversWithoutLocalTracks(t *testing.T) {
	set, tl, _ := newTestLinkSet(&fakeMedia{})

	if err := set.EnsureLink(7, false); err != nil {
		t.Fatal(err)
	}

	ft := tl.at(0)
	if len(ft.recvOnly) != 2 {
		t.Fatalf("expected 2 recvonly transceivers, got %d", len(ft.recvOnly))
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	media := &fakeMedia{tracks: []webrtc.TrackLocal{
		&fakeTrack{id: "a", kind: webrtc.RTPCodecTypeAudio},
	}}
	set, tl, _ := newTestLinkSet(media)

	if err := set.EnsureLink(7, true); err != nil {
		t.Fatal(err)
	}

	first := webrtc.ICECandidateInit{Candidate: "candidate-1"}
	second := webrtc.ICECandidateInit{Candidate: "candidate-2"}
	if err := set.HandleCandidate(7, first); err != nil {
		t.Fatal(err)
	}
	if err := set.HandleCandidate(7, second); err != nil {
		t.Fatal(err)
	}

	ft := tl.at(0)
	if len(ft.appliedCandidates()) != 0 {
		t.Fatal("candidates applied before remote description")
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}
	if err := set.HandleAnswer(7, answer); err != nil {
		t.Fatal(err)
	}

	applied := ft.appliedCandidates()
	if len(applied) != 2 {
		t.Fatalf("expected 2 applied candidates, got %d", len(applied))
	}
	if applied[0].Candidate != "candidate-1" || applied[1].Candidate != "candidate-2" {
		t.Fatalf("candidates applied out of order: %v", applied)
	}

	// After the remote description, candidates apply immediately.
	third := webrtc.ICECandidateInit{Candidate: "candidate-3"}
	if err := set.HandleCandidate(7, third); err != nil {
		t.Fatal(err)
	}
	if got := len(ft.appliedCandidates()); got != 3 {
		t.Fatalf("expected 3 applied candidates, got %d", got)
	}
}

func TestUnknownPeerMessagesAreDropped(t *testing.T) {
	set, tl, _ := newTestLinkSet(&fakeMedia{})

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}
	if err := set.HandleAnswer(99, answer); err != nil {
		t.Fatalf("answer for unknown peer should be dropped, got %v", err)
	}
	if err := set.HandleCandidate(99, webrtc.ICECandidateInit{Candidate: "c"}); err != nil {
		t.Fatalf("candidate for unknown peer should be dropped, got %v", err)
	}
	if tl.count() != 0 {
		t.Fatal("dropped messages must not create links")
	}
}

func TestHandleOfferCreatesLinkAndAnswers(t *testing.T) {
	media := &fakeMedia{tracks: []webrtc.TrackLocal{
		&fakeTrack{id: "a", kind: webrtc.RTPCodecTypeAudio},
	}}
	set, tl, sig := newTestLinkSet(media)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}
	if err := set.HandleOffer(7, offer); err != nil {
		t.Fatal(err)
	}

	if tl.count() != 1 {
		t.Fatalf("expected 1 transport, got %d", tl.count())
	}

	answers := sig.sentOfType(proto.TypeAnswer)
	if len(answers) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(answers))
	}
	var a proto.Answer
	if err := answers[0].Decode(&a); err != nil {
		t.Fatal(err)
	}
	if a.TargetUserID != 7 {
		t.Fatalf("expected answer target 7, got %d", a.TargetUserID)
	}
	// Answering must not also send an offer.
	if got := len(sig.sentOfType(proto.TypeOffer)); got != 0 {
		t.Fatalf("answerer sent %d offers", got)
	}
}

func TestSetTrackEnabledSwapsSenderTrack(t *testing.T) {
	audio := &fakeTrack{id: "a", kind: webrtc.RTPCodecTypeAudio}
	media := &fakeMedia{tracks: []webrtc.TrackLocal{audio}}
	set, tl, _ := newTestLinkSet(media)

	if err := set.EnsureLink(7, true); err != nil {
		t.Fatal(err)
	}

	set.SetTrackEnabled(webrtc.RTPCodecTypeAudio, false)
	set.SetTrackEnabled(webrtc.RTPCodecTypeAudio, true)

	sender := tl.at(0).senders[webrtc.RTPCodecTypeAudio]
	if len(sender.replaced) != 2 {
		t.Fatalf("expected 2 replace calls, got %d", len(sender.replaced))
	}
	if sender.replaced[0] != nil {
		t.Fatal("mute should replace with nil")
	}
	if sender.replaced[1] != audio {
		t.Fatal("unmute should restore the local track")
	}
}

func TestLateTrackRenegotiatesEachLinkOnce(t *testing.T) {
	audio := &fakeTrack{id: "a", kind: webrtc.RTPCodecTypeAudio}
	media := &fakeMedia{tracks: []webrtc.TrackLocal{audio}}
	set, tl, _ := newTestLinkSet(media)

	if err := set.EnsureLink(1, true); err != nil {
		t.Fatal(err)
	}
	if err := set.EnsureLink(2, true); err != nil {
		t.Fatal(err)
	}

	video := &fakeTrack{id: "v", kind: webrtc.RTPCodecTypeVideo}
	set.AddLocalTrack(video)
	set.RenegotiateAll()

	for i := 0; i < tl.count(); i++ {
		ft := tl.at(i)
		if ft.offerCount() != 2 {
			t.Fatalf("transport %d: expected 2 offers (initial + renegotiation), got %d", i, ft.offerCount())
		}
		if ft.senders[webrtc.RTPCodecTypeVideo] == nil {
			t.Fatalf("transport %d: video track not attached", i)
		}
	}
}

func TestCloseLinkAndCloseAll(t *testing.T) {
	media := &fakeMedia{tracks: []webrtc.TrackLocal{
		&fakeTrack{id: "a", kind: webrtc.RTPCodecTypeAudio},
	}}
	set, tl, _ := newTestLinkSet(media)

	for _, id := range []int64{1, 2, 3} {
		if err := set.EnsureLink(id, false); err != nil {
			t.Fatal(err)
		}
	}

	set.CloseLink(2)
	set.CloseLink(2) // idempotent
	set.CloseLink(99)

	if set.Count() != 2 {
		t.Fatalf("expected 2 links left, got %d", set.Count())
	}
	if !tl.at(1).isClosed() {
		t.Fatal("closed link's transport still open")
	}

	set.CloseAll()
	if set.Count() != 0 {
		t.Fatalf("expected 0 links, got %d", set.Count())
	}
	for i := 0; i < tl.count(); i++ {
		if !tl.at(i).isClosed() {
			t.Fatalf("transport %d not closed", i)
		}
	}
}

func TestLocalCandidatesForwardedWithTarget(t *testing.T) {
	media := &fakeMedia{tracks: []webrtc.TrackLocal{
		&fakeTrack{id: "a", kind: webrtc.RTPCodecTypeAudio},
	}}
	set, tl, sig := newTestLinkSet(media)

	if err := set.EnsureLink(7, true); err != nil {
		t.Fatal(err)
	}

	ft := tl.at(0)
	if ft.onICE == nil {
		t.Fatal("no OnICECandidate callback registered")
	}
	// End-of-gathering sentinel must not be forwarded.
	ft.onICE(nil)

	if got := len(sig.sentOfType(proto.TypeICECandidate)); got != 0 {
		t.Fatalf("nil candidate was forwarded: %d envelopes", got)
	}
}
