// Package signaling defines the durable, shared mailbox two peers use to
// exchange an offer/answer pair and a stream of ICE candidates for one call.
package signaling

import (
	"context"

	"pairchat-backend/internal/domain"
)

// Unsubscribe stops the subscription it was returned from. Safe to call
// more than once.
type Unsubscribe func()

// Channel is the signaling mailbox for call negotiation data.
//
// Delivery order matches write order for a single writer; across concurrent
// writers the only guarantee is last-write-wins on the status field.
// Candidate subscriptions deliver every candidate, including ones authored
// by the subscriber's own user ID; echo suppression is the consumer's job.
type Channel interface {
	// CreateCall creates a new call record with status calling and the
	// caller's offer, returning the assigned call ID.
	CreateCall(ctx context.Context, callerID, calleeID string, callType domain.CallType, offer domain.SessionDescription) (string, error)

	// GetCall loads one call record.
	GetCall(ctx context.Context, callID string) (*domain.CallSession, error)

	// SetAnswer stores the callee's answer and transitions the call to
	// connected. Returns INVALID_STATE if the call already reached a
	// terminal status or already carries an answer, so the first of two
	// racing answers wins.
	SetAnswer(ctx context.Context, callID string, answer domain.SessionDescription) error

	// SetStatus writes a status transition, stamping endedAt when the new
	// status is terminal. Returns INVALID_STATE when the call is already
	// terminal.
	SetStatus(ctx context.Context, callID string, status domain.CallStatus) error

	// SubscribeToCall pushes every update of the record, including the
	// initial state, until unsubscribed.
	SubscribeToCall(ctx context.Context, callID string, onChange func(*domain.CallSession)) (Unsubscribe, error)

	// AddIceCandidate appends one candidate to the call's candidate stream.
	// Candidates are never mutated or deduplicated by the channel.
	AddIceCandidate(ctx context.Context, callID string, candidate *domain.IceCandidate) error

	// SubscribeToIceCandidates delivers each candidate exactly once, in the
	// order the backing store reports additions. Candidates already present
	// at subscription time are delivered first.
	SubscribeToIceCandidates(ctx context.Context, callID string, onAdd func(*domain.IceCandidate)) (Unsubscribe, error)

	// SubscribeToIncomingCalls delivers every newly created call addressed
	// to userID whose status is still calling at delivery time. Calls
	// created before subscription start are not delivered.
	SubscribeToIncomingCalls(ctx context.Context, userID string, onIncoming func(*domain.CallSession)) (Unsubscribe, error)
}
