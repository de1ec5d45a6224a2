// Package media owns the local capture: microphone and camera via
// pion/mediadevices, VP8+Opus encoded. The controller is the only
// component that may add tracks or change their intended-enabled flags;
// peer links share the same tracks read-only.
package media

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/MikhailOznobikhin/moznods/internal/config"
)

// Acquisition failures, classified for user-facing reporting. Wrapped
// around the underlying driver error.
var (
	ErrDeviceNotFound   = errors.New("required device (camera or microphone) not found")
	ErrPermissionDenied = errors.New("permission to access camera/microphone denied")
	ErrAcquire          = errors.New("failed to access camera/microphone")
)

// Controller acquires and releases the local capture stream and exposes
// the mute/camera toggles. One controller serves consecutive call
// sessions; Acquire/Release bracket each call.
type Controller struct {
	selector *mediadevices.CodecSelector
	cfg      config.Media

	// seam for tests; defaults to mediadevices.GetUserMedia
	getUserMedia func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)

	mu           sync.Mutex
	stream       mediadevices.MediaStream
	audioEnabled bool
	videoEnabled bool
}

// NewController builds the VP8+Opus codec selector used both for
// capture and for the peer connections' media engine.
func NewController(cfg config.Media) (*Controller, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = cfg.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Controller{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		cfg:          cfg,
		getUserMedia: mediadevices.GetUserMedia,
	}, nil
}

// PopulateEngine registers the controller's codecs on a media engine.
// Every peer connection must use an engine populated here, or the
// captured tracks cannot be negotiated.
func (c *Controller) PopulateEngine(me *webrtc.MediaEngine) {
	c.selector.Populate(me)
}

// Acquire captures audio, and video when wantVideo is set and video is
// not disabled by config. If the video+audio capture fails it retries
// audio-only and reports the effective capability actually granted.
// Returns whether video was granted. On total failure no tracks are
// left open and a classified error is returned.
func (c *Controller) Acquire(wantVideo bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		return false, errors.New("media: stream already acquired")
	}

	if c.cfg.DisableVideo {
		wantVideo = false
	}

	if wantVideo {
		stream, err := c.getUserMedia(c.constraints(true))
		if err == nil {
			c.adopt(stream, true)
			return true, nil
		}
		log.Printf("MEDIA: video+audio capture failed, retrying audio-only: %v", err)
	}

	stream, err := c.getUserMedia(c.constraints(false))
	if err != nil {
		return false, classify(err)
	}
	c.adopt(stream, false)
	return false, nil
}

// adopt takes ownership of a freshly captured stream. Caller holds c.mu.
func (c *Controller) adopt(stream mediadevices.MediaStream, video bool) {
	for _, t := range stream.GetTracks() {
		track := t
		track.OnEnded(func(err error) {
			if err != nil {
				log.Printf("MEDIA: local %s track ended: %v", track.Kind(), err)
			}
		})
	}
	c.stream = stream
	c.audioEnabled = true
	c.videoEnabled = video
	log.Printf("MEDIA: captured local stream (video=%v) — %d track(s)", video, len(stream.GetTracks()))
}

func (c *Controller) constraints(video bool) mediadevices.MediaStreamConstraints {
	constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	if video {
		constraints.Video = c.videoConstraints()
	}
	return constraints
}

func (c *Controller) videoConstraints() func(*mediadevices.MediaTrackConstraints) {
	maxW, maxH := c.cfg.MaxWidth, c.cfg.MaxHeight
	return func(mc *mediadevices.MediaTrackConstraints) {
		// Exclude MJPEG — some cameras expose an MJPEG node that produces
		// malformed JPEG frames, which poisons the VP8 encoder.
		mc.FrameFormat = prop.FrameFormatOneOf{
			frame.FormatYUYV,
			frame.FormatI420,
			frame.FormatI444,
			frame.FormatRGBA,
		}
		mc.Width = prop.IntRanged{Max: maxW}
		mc.Height = prop.IntRanged{Max: maxH}
	}
}

// Tracks returns the current local tracks as track locals for peer
// attachment. Nil when nothing is acquired.
func (c *Controller) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	tracks := c.stream.GetTracks()
	out := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	return out
}

// Track returns the local track of the given kind, or nil.
func (c *Controller) Track(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackLocked(kind)
}

func (c *Controller) trackLocked(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	if c.stream == nil {
		return nil
	}
	for _, t := range c.stream.GetTracks() {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// HasVideo reports whether a video track exists at all, independent of
// the enabled flag.
func (c *Controller) HasVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackLocked(webrtc.RTPCodecTypeVideo) != nil
}

// AudioEnabled reports the intended audio state.
func (c *Controller) AudioEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioEnabled
}

// VideoEnabled reports the intended video state.
func (c *Controller) VideoEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoEnabled
}

// ToggleAudio flips the intended audio state. No effect when nothing is
// acquired. Returns the new state and whether anything changed.
func (c *Controller) ToggleAudio() (enabled bool, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return false, false
	}
	c.audioEnabled = !c.audioEnabled
	log.Printf("MEDIA: audio enabled=%v", c.audioEnabled)
	return c.audioEnabled, true
}

// ToggleVideo flips the intended video state. When video is being turned
// on and no video track exists, a fresh video-only capture is attempted
// and the new track is returned so the caller can attach it to every
// peer link and renegotiate. On capture failure the state is left
// unchanged (still no video) and the classified error is returned.
func (c *Controller) ToggleVideo() (enabled bool, added webrtc.TrackLocal, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream == nil {
		return false, nil, nil
	}

	if c.trackLocked(webrtc.RTPCodecTypeVideo) != nil {
		c.videoEnabled = !c.videoEnabled
		log.Printf("MEDIA: video enabled=%v", c.videoEnabled)
		return c.videoEnabled, nil, nil
	}

	if c.cfg.DisableVideo {
		return false, nil, fmt.Errorf("%w: video disabled by configuration", ErrAcquire)
	}

	// Late video add: the call started audio-only.
	vs, err := c.getUserMedia(mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Video: c.videoConstraints(),
	})
	if err != nil {
		return false, nil, classify(err)
	}

	videos := vs.GetVideoTracks()
	if len(videos) == 0 {
		for _, t := range vs.GetTracks() {
			t.Close()
		}
		return false, nil, fmt.Errorf("%w: capture returned no video track", ErrAcquire)
	}
	track := videos[0]
	track.OnEnded(func(err error) {
		if err != nil {
			log.Printf("MEDIA: local video track ended: %v", err)
		}
	})
	c.stream.AddTrack(track)
	c.videoEnabled = true
	log.Printf("MEDIA: late video track attached")
	return true, track, nil
}

// Release stops every track and drops the stream. Idempotent; safe to
// call when nothing is acquired. The camera/microphone hardware must be
// free after this returns.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream == nil {
		return
	}
	for _, t := range c.stream.GetTracks() {
		if err := t.Close(); err != nil {
			log.Printf("MEDIA: closing %s track: %v", t.Kind(), err)
		}
	}
	c.stream = nil
	c.audioEnabled = false
	c.videoEnabled = false
	log.Printf("MEDIA: local stream released")
}

// classify maps a driver error onto the user-facing taxonomy.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "operation not permitted"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "failed to find the best driver"),
		strings.Contains(msg, "no such device"),
		strings.Contains(msg, "no such file"),
		strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	default:
		return fmt.Errorf("%w: %v", ErrAcquire, err)
	}
}
