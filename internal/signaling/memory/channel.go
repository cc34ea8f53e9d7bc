// Package memory provides an in-process signaling channel. It backs the
// engine's tests and local single-node development; production deployments
// use the firestore implementation.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"pairchat-backend/internal/domain"
	"pairchat-backend/internal/signaling"
	"pairchat-backend/pkg/errors"
)

// Channel is an in-memory signaling.Channel. Subscription callbacks are
// invoked synchronously after the triggering write, outside the channel
// lock, so callbacks may re-enter the channel.
type Channel struct {
	mu       sync.Mutex
	calls    map[string]*callState
	incoming map[int]*incomingSub
	created  map[int]func(*domain.CallSession)
	nextSub  int
}

type callState struct {
	session    domain.CallSession
	candidates []*domain.IceCandidate
	callSubs   map[int]func(*domain.CallSession)
	candSubs   map[int]func(*domain.IceCandidate)
}

type incomingSub struct {
	userID string
	fn     func(*domain.CallSession)
}

// NewChannel creates an empty in-memory channel.
func NewChannel() *Channel {
	return &Channel{
		calls:    make(map[string]*callState),
		incoming: make(map[int]*incomingSub),
		created:  make(map[int]func(*domain.CallSession)),
	}
}

var _ signaling.Channel = (*Channel)(nil)

// CreateCall creates a new call record and notifies incoming-call
// subscribers registered for the callee.
func (c *Channel) CreateCall(_ context.Context, callerID, calleeID string, callType domain.CallType, offer domain.SessionDescription) (string, error) {
	if !callType.Valid() {
		return "", errors.InvalidInputError("unknown call type")
	}

	session := domain.CallSession{
		ID:        uuid.NewString(),
		CallerID:  callerID,
		CalleeID:  calleeID,
		Type:      callType,
		Status:    domain.CallStatusCalling,
		Offer:     &offer,
		CreatedAt: time.Now(),
	}

	c.mu.Lock()
	c.calls[session.ID] = &callState{
		session:  session,
		callSubs: make(map[int]func(*domain.CallSession)),
		candSubs: make(map[int]func(*domain.IceCandidate)),
	}
	var notify []func(*domain.CallSession)
	for _, sub := range c.incoming {
		if sub.userID == session.CalleeID {
			notify = append(notify, sub.fn)
		}
	}
	for _, fn := range c.created {
		notify = append(notify, fn)
	}
	c.mu.Unlock()

	for _, fn := range notify {
		fn(cloneSession(&session))
	}

	return session.ID, nil
}

// GetCall loads one call record.
func (c *Channel) GetCall(_ context.Context, callID string) (*domain.CallSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.calls[callID]
	if !ok {
		return nil, errors.CallNotFoundError()
	}
	return cloneSession(&state.session), nil
}

// SetAnswer stores the answer and transitions the call to connected. A call
// that is already terminal or already answered is rejected.
func (c *Channel) SetAnswer(_ context.Context, callID string, answer domain.SessionDescription) error {
	c.mu.Lock()
	state, ok := c.calls[callID]
	if !ok {
		c.mu.Unlock()
		return errors.CallNotFoundError()
	}
	if state.session.Status.Terminal() {
		c.mu.Unlock()
		return errors.InvalidStateError("call already terminal")
	}
	if state.session.Answer != nil {
		c.mu.Unlock()
		return errors.InvalidStateError("call already answered")
	}

	state.session.Answer = &answer
	state.session.Status = domain.CallStatusConnected
	snapshot, notify := c.snapshotLocked(state)
	c.mu.Unlock()

	deliver(snapshot, notify)
	return nil
}

// SetStatus writes a status transition, stamping EndedAt on terminal ones.
func (c *Channel) SetStatus(_ context.Context, callID string, status domain.CallStatus) error {
	c.mu.Lock()
	state, ok := c.calls[callID]
	if !ok {
		c.mu.Unlock()
		return errors.CallNotFoundError()
	}
	if state.session.Status.Terminal() {
		c.mu.Unlock()
		return errors.InvalidStateError("call already terminal")
	}

	state.session.Status = status
	if status.Terminal() {
		now := time.Now()
		state.session.EndedAt = &now
	}
	snapshot, notify := c.snapshotLocked(state)
	c.mu.Unlock()

	deliver(snapshot, notify)
	return nil
}

// SubscribeToCall registers onChange and delivers the current state before
// returning.
func (c *Channel) SubscribeToCall(_ context.Context, callID string, onChange func(*domain.CallSession)) (signaling.Unsubscribe, error) {
	c.mu.Lock()
	state, ok := c.calls[callID]
	if !ok {
		c.mu.Unlock()
		return nil, errors.CallNotFoundError()
	}
	id := c.nextSub
	c.nextSub++
	state.callSubs[id] = onChange
	initial := cloneSession(&state.session)
	c.mu.Unlock()

	onChange(initial)

	return func() {
		c.mu.Lock()
		if s, ok := c.calls[callID]; ok {
			delete(s.callSubs, id)
		}
		c.mu.Unlock()
	}, nil
}

// AddIceCandidate appends one candidate and notifies candidate subscribers.
func (c *Channel) AddIceCandidate(_ context.Context, callID string, candidate *domain.IceCandidate) error {
	stored := *candidate
	stored.CreatedAt = time.Now()

	c.mu.Lock()
	state, ok := c.calls[callID]
	if !ok {
		c.mu.Unlock()
		return errors.CallNotFoundError()
	}
	state.candidates = append(state.candidates, &stored)
	notify := make([]func(*domain.IceCandidate), 0, len(state.candSubs))
	for _, fn := range state.candSubs {
		notify = append(notify, fn)
	}
	c.mu.Unlock()

	for _, fn := range notify {
		cand := stored
		fn(&cand)
	}
	return nil
}

// SubscribeToIceCandidates delivers candidates already present, then every
// later addition in append order.
func (c *Channel) SubscribeToIceCandidates(_ context.Context, callID string, onAdd func(*domain.IceCandidate)) (signaling.Unsubscribe, error) {
	c.mu.Lock()
	state, ok := c.calls[callID]
	if !ok {
		c.mu.Unlock()
		return nil, errors.CallNotFoundError()
	}
	id := c.nextSub
	c.nextSub++
	state.candSubs[id] = onAdd
	existing := make([]*domain.IceCandidate, len(state.candidates))
	for i, cand := range state.candidates {
		copied := *cand
		existing[i] = &copied
	}
	c.mu.Unlock()

	for _, cand := range existing {
		onAdd(cand)
	}

	return func() {
		c.mu.Lock()
		if s, ok := c.calls[callID]; ok {
			delete(s.candSubs, id)
		}
		c.mu.Unlock()
	}, nil
}

// SubscribeToIncomingCalls registers for calls created after this point
// whose callee is userID.
func (c *Channel) SubscribeToIncomingCalls(_ context.Context, userID string, onIncoming func(*domain.CallSession)) (signaling.Unsubscribe, error) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.incoming[id] = &incomingSub{userID: userID, fn: onIncoming}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.incoming, id)
		c.mu.Unlock()
	}, nil
}

// SubscribeToNewCalls registers for every call created after this point,
// regardless of participant. Used by the notifier daemon.
func (c *Channel) SubscribeToNewCalls(_ context.Context, onCreate func(*domain.CallSession)) (signaling.Unsubscribe, error) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.created[id] = onCreate
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.created, id)
		c.mu.Unlock()
	}, nil
}

// snapshotLocked copies the session and the registered call subscribers.
// Callers must hold c.mu.
func (c *Channel) snapshotLocked(state *callState) (*domain.CallSession, []func(*domain.CallSession)) {
	notify := make([]func(*domain.CallSession), 0, len(state.callSubs))
	for _, fn := range state.callSubs {
		notify = append(notify, fn)
	}
	return cloneSession(&state.session), notify
}

func deliver(session *domain.CallSession, subs []func(*domain.CallSession)) {
	for _, fn := range subs {
		fn(cloneSession(session))
	}
}

func cloneSession(s *domain.CallSession) *domain.CallSession {
	copied := *s
	if s.Offer != nil {
		offer := *s.Offer
		copied.Offer = &offer
	}
	if s.Answer != nil {
		answer := *s.Answer
		copied.Answer = &answer
	}
	if s.EndedAt != nil {
		ended := *s.EndedAt
		copied.EndedAt = &ended
	}
	return &copied
}
