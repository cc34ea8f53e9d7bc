// Package firestore implements the signaling channel on Cloud Firestore.
// Each call is one document in the calls collection; its ICE candidates live
// in a candidates subcollection. Snapshot listeners back the subscriptions.
package firestore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"pairchat-backend/internal/domain"
	"pairchat-backend/internal/signaling"
	"pairchat-backend/pkg/errors"
	"pairchat-backend/pkg/logger"
)

const (
	callsCollection      = "calls"
	candidatesCollection = "candidates"
)

// Channel is a Firestore-backed signaling.Channel.
type Channel struct {
	client *firestore.Client
	calls  *firestore.CollectionRef
}

// NewChannel creates a channel on top of an initialized Firestore client.
func NewChannel(client *firestore.Client) *Channel {
	return &Channel{
		client: client,
		calls:  client.Collection(callsCollection),
	}
}

var _ signaling.Channel = (*Channel)(nil)

// CreateCall creates the call document with status calling and the offer.
func (c *Channel) CreateCall(ctx context.Context, callerID, calleeID string, callType domain.CallType, offer domain.SessionDescription) (string, error) {
	if !callType.Valid() {
		return "", errors.InvalidInputError("unknown call type")
	}

	ref := c.calls.NewDoc()
	session := domain.CallSession{
		CallerID: callerID,
		CalleeID: calleeID,
		Type:     callType,
		Status:   domain.CallStatusCalling,
		Offer:    &offer,
	}

	if _, err := ref.Create(ctx, &session); err != nil {
		return "", errors.ChannelUnavailableError(err)
	}
	return ref.ID, nil
}

// GetCall loads one call document.
func (c *Channel) GetCall(ctx context.Context, callID string) (*domain.CallSession, error) {
	snap, err := c.calls.Doc(callID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, errors.CallNotFoundError()
		}
		return nil, errors.ChannelUnavailableError(err)
	}
	return decodeCall(snap)
}

// SetAnswer stores the answer and moves the call to connected. The
// transaction rejects calls that are already terminal or already answered,
// so only the first of two racing answers lands.
func (c *Channel) SetAnswer(ctx context.Context, callID string, answer domain.SessionDescription) error {
	ref := c.calls.Doc(callID)
	err := c.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return errors.CallNotFoundError()
			}
			return err
		}
		session, err := decodeCall(snap)
		if err != nil {
			return err
		}
		if session.Status.Terminal() {
			return errors.InvalidStateError("call already terminal")
		}
		if session.Answer != nil {
			return errors.InvalidStateError("call already answered")
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "answer", Value: &answer},
			{Path: "status", Value: domain.CallStatusConnected},
		})
	})
	return wrapTxErr(err)
}

// SetStatus writes a status transition, stamping endedAt on terminal ones.
func (c *Channel) SetStatus(ctx context.Context, callID string, newStatus domain.CallStatus) error {
	ref := c.calls.Doc(callID)
	err := c.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return errors.CallNotFoundError()
			}
			return err
		}
		session, err := decodeCall(snap)
		if err != nil {
			return err
		}
		if session.Status.Terminal() {
			return errors.InvalidStateError("call already terminal")
		}
		updates := []firestore.Update{{Path: "status", Value: newStatus}}
		if newStatus.Terminal() {
			updates = append(updates, firestore.Update{Path: "endedAt", Value: firestore.ServerTimestamp})
		}
		return tx.Update(ref, updates)
	})
	return wrapTxErr(err)
}

// SubscribeToCall attaches a snapshot listener to the call document.
func (c *Channel) SubscribeToCall(ctx context.Context, callID string, onChange func(*domain.CallSession)) (signaling.Unsubscribe, error) {
	ctx, cancel := context.WithCancel(ctx)
	iter := c.calls.Doc(callID).Snapshots(ctx)

	go func() {
		defer iter.Stop()
		for {
			snap, err := iter.Next()
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("call snapshot listener stopped",
						zap.String("call_id", callID), zap.Error(err))
				}
				return
			}
			if !snap.Exists() {
				continue
			}
			session, err := decodeCall(snap)
			if err != nil {
				logger.Warn("failed to decode call snapshot",
					zap.String("call_id", callID), zap.Error(err))
				continue
			}
			onChange(session)
		}
	}()

	return func() { cancel() }, nil
}

// AddIceCandidate appends one candidate document; createdAt is stamped by
// the server.
func (c *Channel) AddIceCandidate(ctx context.Context, callID string, candidate *domain.IceCandidate) error {
	ref := c.calls.Doc(callID).Collection(candidatesCollection).NewDoc()
	if _, err := ref.Create(ctx, candidate); err != nil {
		return errors.ChannelUnavailableError(err)
	}
	return nil
}

// SubscribeToIceCandidates listens for additions to the candidates
// subcollection in createdAt order. The first snapshot reports all existing
// candidates as additions, so late subscribers still see the full stream.
func (c *Channel) SubscribeToIceCandidates(ctx context.Context, callID string, onAdd func(*domain.IceCandidate)) (signaling.Unsubscribe, error) {
	ctx, cancel := context.WithCancel(ctx)
	query := c.calls.Doc(callID).Collection(candidatesCollection).OrderBy("createdAt", firestore.Asc)
	iter := query.Snapshots(ctx)

	go func() {
		defer iter.Stop()
		for {
			qsnap, err := iter.Next()
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("candidate listener stopped",
						zap.String("call_id", callID), zap.Error(err))
				}
				return
			}
			for _, change := range qsnap.Changes {
				if change.Kind != firestore.DocumentAdded {
					continue
				}
				var cand domain.IceCandidate
				if err := change.Doc.DataTo(&cand); err != nil {
					logger.Warn("failed to decode candidate",
						zap.String("call_id", callID), zap.Error(err))
					continue
				}
				onAdd(&cand)
			}
		}
	}()

	return func() { cancel() }, nil
}

// SubscribeToIncomingCalls listens for calls addressed to userID created
// after subscription start. The createdAt lower bound gives new-records-only
// semantics: the initial snapshot is empty.
func (c *Channel) SubscribeToIncomingCalls(ctx context.Context, userID string, onIncoming func(*domain.CallSession)) (signaling.Unsubscribe, error) {
	query := c.calls.
		Where("calleeId", "==", userID).
		Where("status", "==", string(domain.CallStatusCalling)).
		Where("createdAt", ">", time.Now()).
		OrderBy("createdAt", firestore.Asc)
	return c.watchCreations(ctx, query, onIncoming)
}

// SubscribeToNewCalls listens for every call created after subscription
// start, regardless of callee. Used by the push relay daemon; not part of
// the signaling.Channel interface.
func (c *Channel) SubscribeToNewCalls(ctx context.Context, onCreate func(*domain.CallSession)) (signaling.Unsubscribe, error) {
	query := c.calls.
		Where("status", "==", string(domain.CallStatusCalling)).
		Where("createdAt", ">", time.Now()).
		OrderBy("createdAt", firestore.Asc)
	return c.watchCreations(ctx, query, onCreate)
}

func (c *Channel) watchCreations(ctx context.Context, query firestore.Query, onCreate func(*domain.CallSession)) (signaling.Unsubscribe, error) {
	ctx, cancel := context.WithCancel(ctx)
	iter := query.Snapshots(ctx)

	go func() {
		defer iter.Stop()
		for {
			qsnap, err := iter.Next()
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("incoming-call listener stopped", zap.Error(err))
				}
				return
			}
			for _, change := range qsnap.Changes {
				if change.Kind != firestore.DocumentAdded {
					continue
				}
				session, err := decodeCall(change.Doc)
				if err != nil {
					logger.Warn("failed to decode incoming call", zap.Error(err))
					continue
				}
				onCreate(session)
			}
		}
	}()

	return func() { cancel() }, nil
}

func decodeCall(snap *firestore.DocumentSnapshot) (*domain.CallSession, error) {
	var session domain.CallSession
	if err := snap.DataTo(&session); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, "malformed call document", err)
	}
	session.ID = snap.Ref.ID
	return &session, nil
}

// wrapTxErr keeps AppErrors produced inside a transaction intact and wraps
// infrastructure failures as channel-unavailable.
func wrapTxErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.IsAppError(err) {
		return err
	}
	return errors.ChannelUnavailableError(err)
}
