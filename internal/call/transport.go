package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/MikhailOznobikhin/moznods/internal/config"
)

// trackSender is the slice of *webrtc.RTPSender used for muting.
type trackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// peerTransport is the slice of *webrtc.PeerConnection the link set
// actually drives. Kept as an interface so link behaviour is testable
// without ICE agents or codecs.
type peerTransport interface {
	AddTrack(track webrtc.TrackLocal) (trackSender, error)
	AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

// PionFactory builds real peer connections. The ICE server list can be
// swapped at runtime (config hot-reload); connections already open keep
// the servers they were built with.
type PionFactory struct {
	mu       sync.Mutex
	servers  []webrtc.ICEServer
	populate func(*webrtc.MediaEngine)
}

// NewPionFactory builds a factory. populate registers the codecs the
// local capture encodes to; nil falls back to pion's defaults, which is
// only correct for recv-only connections.
func NewPionFactory(servers []webrtc.ICEServer, populate func(*webrtc.MediaEngine)) *PionFactory {
	return &PionFactory{servers: servers, populate: populate}
}

// SetICEServers replaces the server list used for future connections.
func (f *PionFactory) SetICEServers(servers []webrtc.ICEServer) {
	f.mu.Lock()
	f.servers = servers
	f.mu.Unlock()
}

func (f *PionFactory) iceServers() []webrtc.ICEServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webrtc.ICEServer, len(f.servers))
	copy(out, f.servers)
	return out
}

func (f *PionFactory) newTransport() (peerTransport, error) {
	me := &webrtc.MediaEngine{}
	if f.populate != nil {
		f.populate(me)
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Mobile peers on flaky links routinely go quiet for long stretches,
	// so the defaults (5s/25s) tear calls down too eagerly.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return pionTransport{pc}, nil
}

// pionTransport adapts *webrtc.PeerConnection to peerTransport: only
// AddTrack needs wrapping, to widen its return type.
type pionTransport struct {
	*webrtc.PeerConnection
}

func (t pionTransport) AddTrack(track webrtc.TrackLocal) (trackSender, error) {
	return t.PeerConnection.AddTrack(track)
}

// ICEServersFromConfig converts the configured server list to pion's
// representation.
func ICEServersFromConfig(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		ice := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			ice.Username = s.Username
			ice.Credential = s.Credential
		}
		out = append(out, ice)
	}
	return out
}
