package domain

import (
	"time"
)

// CallType is the media profile of a call, fixed at creation.
type CallType string

const (
	CallTypeVoice CallType = "voice" // microphone only
	CallTypeVideo CallType = "video" // microphone + camera
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	return t == CallTypeVoice || t == CallTypeVideo
}

// CallStatus is the lifecycle state of a call session.
type CallStatus string

const (
	CallStatusCalling   CallStatus = "calling"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusConnected CallStatus = "connected"
	CallStatusEnded     CallStatus = "ended"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusMissed    CallStatus = "missed"
)

// Terminal reports whether no further transition is permitted out of s.
func (s CallStatus) Terminal() bool {
	return s == CallStatusEnded || s == CallStatusRejected || s == CallStatusMissed
}

// SessionDescription is one half of an offer/answer negotiation.
// The SDP payload is opaque to the engine and passed through to the transport.
type SessionDescription struct {
	Type string `json:"type" firestore:"type"`
	SDP  string `json:"sdp" firestore:"sdp"`
}

// CallSession is one call attempt between exactly two users. The record is
// shared state: the caller writes the offer, the callee writes the answer,
// and either party writes its own status transitions. Nothing is mutated
// after a terminal status is reached.
type CallSession struct {
	ID        string              `json:"id" firestore:"-"`
	CallerID  string              `json:"caller_id" firestore:"callerId"`
	CalleeID  string              `json:"callee_id" firestore:"calleeId"`
	Type      CallType            `json:"type" firestore:"type"`
	Status    CallStatus          `json:"status" firestore:"status"`
	Offer     *SessionDescription `json:"offer,omitempty" firestore:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty" firestore:"answer,omitempty"`
	CreatedAt time.Time           `json:"created_at" firestore:"createdAt,serverTimestamp"`
	EndedAt   *time.Time          `json:"ended_at,omitempty" firestore:"endedAt,omitempty"`
}

// Duration returns the elapsed time between creation and the terminal
// transition, or zero if the call has not ended.
func (c *CallSession) Duration() time.Duration {
	if c.EndedAt == nil {
		return 0
	}
	return c.EndedAt.Sub(c.CreatedAt)
}

// CallLogEntry is one terminal call as recorded in the durable call history.
type CallLogEntry struct {
	CallID          string     `json:"call_id"`
	CallerID        string     `json:"caller_id"`
	CalleeID        string     `json:"callee_id"`
	Type            CallType   `json:"type"`
	Status          CallStatus `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
}

// IceCandidate is one discovered network path descriptor, exchanged through
// the signaling channel. Candidates are append-only; each side filters out
// the candidates it authored itself by comparing Sender.
type IceCandidate struct {
	Candidate        string  `json:"candidate" firestore:"candidate"`
	SDPMid           *string `json:"sdp_mid,omitempty" firestore:"sdpMid"`
	SDPMLineIndex    *uint16 `json:"sdp_mline_index,omitempty" firestore:"sdpMLineIndex"`
	UsernameFragment *string `json:"username_fragment,omitempty" firestore:"usernameFragment,omitempty"`

	Sender    string    `json:"sender" firestore:"sender"`
	CreatedAt time.Time `json:"created_at" firestore:"createdAt,serverTimestamp"`
}
