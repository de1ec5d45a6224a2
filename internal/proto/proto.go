// Package proto defines the wire envelopes exchanged with the moznods
// relay server: the call signaling channel (scoped to one room) and the
// always-on notification channel. The server relays SDP/ICE payloads
// unchanged and injects from_user_id on point-to-point messages.
package proto

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Call-channel envelope types.
const (
	TypeJoinCall             = "join_call"
	TypeLeaveCall            = "leave_call"
	TypeCallState            = "call_state"
	TypeUserJoined           = "user_joined"
	TypeUserLeft             = "user_left"
	TypeExistingParticipants = "existing_participants"
	TypeOffer                = "offer"
	TypeAnswer               = "answer"
	TypeICECandidate         = "ice_candidate"
	TypeRequestMic           = "request_mic"
	TypeError                = "error"
)

// Notification-channel envelope types.
const (
	TypeRoomPresenceUpdate = "room_presence_update"
	TypeRoomAdded          = "room_added"
)

// CloseAccessDenied is the websocket close code the relay sends when the
// token is invalid or the user is not a participant of the room.
// Anything else that is not a normal closure means the connection was
// lost mid-call.
const CloseAccessDenied = 4403

// Envelope is the {type, data} JSON object carried on both channels.
// Data stays raw until the type is known; outbound envelopes are built
// with New.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// New builds an envelope with the payload marshalled into Data. A nil
// payload produces an envelope with no data field (join_call, leave_call).
func New(msgType string, payload any) (Envelope, error) {
	env := Envelope{Type: msgType}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env.Data = b
	return env, nil
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// UserRef identifies a user in user_joined / existing_participants.
type UserRef struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// ParticipantInfo is one roster entry in a call_state snapshot.
type ParticipantInfo struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	State    string `json:"state"`
}

// CallState is the authoritative roster snapshot for the room's call.
type CallState struct {
	Participants []ParticipantInfo `json:"participants"`
}

// UserJoined announces a user entering the call. The receiver is the
// offerer for this pair.
type UserJoined struct {
	User UserRef `json:"user"`
}

// UserLeft announces a user leaving the call (explicit leave or
// disconnect — the relay does not distinguish).
type UserLeft struct {
	UserID int64 `json:"user_id"`
}

// ExistingParticipants is the roster sent to a client that joins an
// in-progress call. The joining side is the offerer toward each entry.
type ExistingParticipants struct {
	Users []UserRef `json:"users"`
}

// Offer carries an SDP offer. Outbound messages set TargetUserID; the
// relay rewrites delivery with FromUserID. FromUsername is filled by the
// sender so the receiver can label a peer it has never seen in a roster.
type Offer struct {
	TargetUserID int64                     `json:"target_user_id,omitempty"`
	FromUserID   int64                     `json:"from_user_id,omitempty"`
	FromUsername string                    `json:"from_username,omitempty"`
	SDP          webrtc.SessionDescription `json:"sdp"`
}

// Answer carries an SDP answer, addressed like Offer.
type Answer struct {
	TargetUserID int64                     `json:"target_user_id,omitempty"`
	FromUserID   int64                     `json:"from_user_id,omitempty"`
	SDP          webrtc.SessionDescription `json:"sdp"`
}

// ICECandidate carries one connectivity candidate, addressed like Offer.
type ICECandidate struct {
	TargetUserID int64                   `json:"target_user_id,omitempty"`
	FromUserID   int64                   `json:"from_user_id,omitempty"`
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
}

// RequestMic asks a specific muted participant to enable their
// microphone.
type RequestMic struct {
	TargetUserID int64 `json:"target_user_id,omitempty"`
	FromUserID   int64 `json:"from_user_id,omitempty"`
}

// ServerError is the relay's report of a malformed client message.
type ServerError struct {
	Detail string `json:"detail"`
}

// RoomAdded announces a room the user was just added to.
type RoomAdded struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// RoomPresenceUpdate reports which users are currently in a room's call.
// Display state only — it never drives call-session transitions.
type RoomPresenceUpdate struct {
	RoomID             int64    `json:"room_id"`
	ActiveParticipants []string `json:"active_participants"`
}
