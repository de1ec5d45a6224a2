package call

// EventType enumerates what a call client can observe. Events are the
// only way session internals reach the UI layer.
type EventType string

const (
	EventStateChanged      EventType = "state_changed"
	EventRosterUpdated     EventType = "roster_updated"
	EventParticipantJoined EventType = "participant_joined"
	EventParticipantLeft   EventType = "participant_left"
	EventRemoteTrack       EventType = "remote_track"
	EventLinkStateChanged  EventType = "link_state_changed"
	EventMicRequested      EventType = "mic_requested"
	EventSessionError      EventType = "session_error"
)

// Event is one observable change. Fields beyond Type are filled per
// event kind; RoomID is always set.
type Event struct {
	Type   EventType
	RoomID int64

	State     State  // state_changed
	UserID    int64  // participant_*, remote_track, link_state_changed, mic_requested
	Username  string // participant_joined
	TrackKind string // remote_track
	LinkState string // link_state_changed
	Err       string // session_error
}
