package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairchat-backend/internal/domain"
	"pairchat-backend/pkg/errors"
)

func offer() domain.SessionDescription {
	return domain.SessionDescription{Type: "offer", SDP: "v=0\r\no=caller\r\n"}
}

func answer() domain.SessionDescription {
	return domain.SessionDescription{Type: "answer", SDP: "v=0\r\no=callee\r\n"}
}

func TestCreateAndGetCall(t *testing.T) {
	ch := NewChannel()

	callID, err := ch.CreateCall(context.Background(), "alice", "bob", domain.CallTypeVoice, offer())
	require.NoError(t, err)
	require.NotEmpty(t, callID)

	session, err := ch.GetCall(context.Background(), callID)
	require.NoError(t, err)
	assert.Equal(t, "alice", session.CallerID)
	assert.Equal(t, "bob", session.CalleeID)
	assert.Equal(t, domain.CallStatusCalling, session.Status)
	require.NotNil(t, session.Offer)
	assert.False(t, session.CreatedAt.IsZero())
}

func TestGetCallNotFound(t *testing.T) {
	ch := NewChannel()

	_, err := ch.GetCall(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCallNotFound))
}

func TestSetAnswerTransitionsToConnected(t *testing.T) {
	ch := NewChannel()
	callID, err := ch.CreateCall(context.Background(), "alice", "bob", domain.CallTypeVideo, offer())
	require.NoError(t, err)

	require.NoError(t, ch.SetAnswer(context.Background(), callID, answer()))

	session, err := ch.GetCall(context.Background(), callID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusConnected, session.Status)
	require.NotNil(t, session.Answer)
	assert.Equal(t, "answer", session.Answer.Type)
}

func TestSetAnswerOnTerminalCall(t *testing.T) {
	ch := NewChannel()
	callID, err := ch.CreateCall(context.Background(), "alice", "bob", domain.CallTypeVoice, offer())
	require.NoError(t, err)
	require.NoError(t, ch.SetStatus(context.Background(), callID, domain.CallStatusRejected))

	err = ch.SetAnswer(context.Background(), callID, answer())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
}

func TestSetAnswerOnAnsweredCall(t *testing.T) {
	ch := NewChannel()
	callID, err := ch.CreateCall(context.Background(), "alice", "bob", domain.CallTypeVoice, offer())
	require.NoError(t, err)

	first := answer()
	require.NoError(t, ch.SetAnswer(context.Background(), callID, first))

	second := domain.SessionDescription{Type: "answer", SDP: "v=0\r\no=callee-tablet\r\n"}
	err = ch.SetAnswer(context.Background(), callID, second)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))

	session, err := ch.GetCall(context.Background(), callID)
	require.NoError(t, err)
	require.NotNil(t, session.Answer)
	assert.Equal(t, first.SDP, session.Answer.SDP, "first answer wins")
}

func TestSetStatusStampsEndedAt(t *testing.T) {
	ch := NewChannel()
	callID, err := ch.CreateCall(context.Background(), "alice", "bob", domain.CallTypeVoice, offer())
	require.NoError(t, err)

	require.NoError(t, ch.SetStatus(context.Background(), callID, domain.CallStatusEnded))

	session, err := ch.GetCall(context.Background(), callID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, session.Status)
	require.NotNil(t, session.EndedAt)
}

func TestSetStatusTerminalTwice(t *testing.T) {
	ch := NewChannel()
	callID, err := ch.CreateCall(context.Background(), "alice", "bob", domain.CallTypeVoice, offer())
	require.NoError(t, err)

	require.NoError(t, ch.SetStatus(context.Background(), callID, domain.CallStatusEnded))
	err = ch.SetStatus(context.Background(), callID, domain.CallStatusRejected)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))

	session, err := ch.GetCall(context.Background(), callID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, session.Status, "first terminal status wins")
}

func TestSubscribeToCallDeliversInitialState(t *testing.T) {
	ch := NewChannel()
	callID, err := ch.CreateCall(context.Background(), "alice", "bob", domain.CallTypeVoice, offer())
	require.NoError(t, err)

	var got []domain.CallStatus
	unsub, err := ch.SubscribeToCall(context.Background(), callID, func(s *domain.CallSession) {
		got = append(got, s.Status)
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, ch.SetAnswer(context.Background(), callID, answer()))
	require.NoError(t, ch.SetStatus(context.Background(), callID, domain.CallStatusEnded))

	require.Len(t, got, 3)
	assert.Equal(t, domain.CallStatusCalling, got[0])
	assert.Equal(t, domain.CallStatusConnected, got[1])
	assert.Equal(t, domain.CallStatusEnded, got[2])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ch := NewChannel()
	callID, err := ch.CreateCall(context.Background(), "alice", "bob", domain.CallTypeVoice, offer())
	require.NoError(t, err)

	count := 0
	unsub, err := ch.SubscribeToCall(context.Background(), callID, func(*domain.CallSession) {
		count++
	})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	unsub()
	unsub() // safe to repeat

	require.NoError(t, ch.SetStatus(context.Background(), callID, domain.CallStatusEnded))
	assert.Equal(t, 1, count)
}

func TestCandidateSubscriptionReplaysExisting(t *testing.T) {
	ch := NewChannel()
	callID, err := ch.CreateCall(context.Background(), "alice", "bob", domain.CallTypeVoice, offer())
	require.NoError(t, err)

	early := &domain.IceCandidate{Candidate: "candidate:1", Sender: "alice"}
	require.NoError(t, ch.AddIceCandidate(context.Background(), callID, early))

	var got []string
	unsub, err := ch.SubscribeToIceCandidates(context.Background(), callID, func(c *domain.IceCandidate) {
		got = append(got, c.Candidate)
	})
	require.NoError(t, err)
	defer unsub()

	late := &domain.IceCandidate{Candidate: "candidate:2", Sender: "bob"}
	require.NoError(t, ch.AddIceCandidate(context.Background(), callID, late))

	require.Len(t, got, 2)
	assert.Equal(t, "candidate:1", got[0], "pre-existing candidates replay first")
	assert.Equal(t, "candidate:2", got[1])
}

func TestCandidatesKeepSender(t *testing.T) {
	ch := NewChannel()
	callID, err := ch.CreateCall(context.Background(), "alice", "bob", domain.CallTypeVoice, offer())
	require.NoError(t, err)

	var senders []string
	unsub, err := ch.SubscribeToIceCandidates(context.Background(), callID, func(c *domain.IceCandidate) {
		senders = append(senders, c.Sender)
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, ch.AddIceCandidate(context.Background(), callID, &domain.IceCandidate{Candidate: "candidate:1", Sender: "alice"}))
	require.NoError(t, ch.AddIceCandidate(context.Background(), callID, &domain.IceCandidate{Candidate: "candidate:2", Sender: "bob"}))

	assert.Equal(t, []string{"alice", "bob"}, senders, "candidates are delivered to everyone, echoes included")
}

func TestIncomingCallsOnlyForCallee(t *testing.T) {
	ch := NewChannel()

	var forBob, forCarol int
	unsubBob, err := ch.SubscribeToIncomingCalls(context.Background(), "bob", func(*domain.CallSession) { forBob++ })
	require.NoError(t, err)
	defer unsubBob()
	unsubCarol, err := ch.SubscribeToIncomingCalls(context.Background(), "carol", func(*domain.CallSession) { forCarol++ })
	require.NoError(t, err)
	defer unsubCarol()

	_, err = ch.CreateCall(context.Background(), "alice", "bob", domain.CallTypeVoice, offer())
	require.NoError(t, err)

	assert.Equal(t, 1, forBob)
	assert.Zero(t, forCarol)
}

func TestSubscriberMutationsDoNotLeak(t *testing.T) {
	ch := NewChannel()
	callID, err := ch.CreateCall(context.Background(), "alice", "bob", domain.CallTypeVoice, offer())
	require.NoError(t, err)

	unsub, err := ch.SubscribeToCall(context.Background(), callID, func(s *domain.CallSession) {
		s.Status = domain.CallStatusMissed
		if s.Offer != nil {
			s.Offer.SDP = "tampered"
		}
	})
	require.NoError(t, err)
	defer unsub()

	session, err := ch.GetCall(context.Background(), callID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCalling, session.Status)
	assert.Equal(t, offer().SDP, session.Offer.SDP)
}
