package call

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairchat-backend/internal/domain"
	"pairchat-backend/internal/media"
	"pairchat-backend/internal/signaling"
	"pairchat-backend/internal/signaling/memory"
	"pairchat-backend/pkg/config"
	"pairchat-backend/pkg/errors"
)

// eventRecorder captures session callbacks for assertions.
type eventRecorder struct {
	mu           sync.Mutex
	statuses     []domain.CallStatus
	localStreams int
	remoteTracks int
	ended        atomic.Int32
}

func (r *eventRecorder) OnLocalStream(*media.Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localStreams++
}

func (r *eventRecorder) OnRemoteTrack(*webrtc.TrackRemote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remoteTracks++
}

func (r *eventRecorder) OnStatusChange(status domain.CallStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *eventRecorder) OnCallEnded() {
	r.ended.Add(1)
}

func (r *eventRecorder) sawStatus(status domain.CallStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.statuses {
		if s == status {
			return true
		}
	}
	return false
}

// deniedAcquirer simulates the user refusing microphone/camera access.
type deniedAcquirer struct{}

func (deniedAcquirer) Acquire(context.Context, domain.CallType) (*media.Stream, error) {
	return nil, errors.PermissionDeniedError("media access denied")
}

func (deniedAcquirer) SwitchVideoSource(context.Context, *media.Stream) (*media.Track, error) {
	return nil, errors.PermissionDeniedError("media access denied")
}

// countingAcquirer counts acquisitions on top of a real acquirer.
type countingAcquirer struct {
	inner    media.Acquirer
	acquired atomic.Int32
}

func (a *countingAcquirer) Acquire(ctx context.Context, callType domain.CallType) (*media.Stream, error) {
	a.acquired.Add(1)
	return a.inner.Acquire(ctx, callType)
}

func (a *countingAcquirer) SwitchVideoSource(ctx context.Context, s *media.Stream) (*media.Track, error) {
	return a.inner.SwitchVideoSource(ctx, s)
}

// spyChannel counts call record creations.
type spyChannel struct {
	signaling.Channel
	created atomic.Int32
}

func (s *spyChannel) CreateCall(ctx context.Context, callerID, calleeID string, callType domain.CallType, offer domain.SessionDescription) (string, error) {
	s.created.Add(1)
	return s.Channel.CreateCall(ctx, callerID, calleeID, callType, offer)
}

func newTestSession(userID string, channel signaling.Channel, events Events) *Session {
	cfg := DefaultConfig()
	cfg.RingTimeout = 0
	return NewSession(userID, channel, media.NewStaticAcquirer(), cfg, events)
}

func TestConfigFromApp(t *testing.T) {
	cc := config.CallConfig{
		STUNServers: []string{"stun:stun.example.org:3478"},
		RingTimeout: 12 * time.Second,
	}

	cfg := ConfigFromApp(cc)
	assert.Equal(t, cc.STUNServers, cfg.STUNServers)
	assert.Equal(t, 12*time.Second, cfg.RingTimeout)
}

func TestStartCallCreatesRecord(t *testing.T) {
	channel := memory.NewChannel()
	caller := newTestSession("alice", channel, nil)
	defer caller.EndCall(context.Background())

	callID, err := caller.StartCall(context.Background(), "bob", domain.CallTypeVoice)
	require.NoError(t, err)
	require.NotEmpty(t, callID)
	assert.Equal(t, callID, caller.CallID())
	assert.Equal(t, StateNegotiating, caller.State())

	session, err := channel.GetCall(context.Background(), callID)
	require.NoError(t, err)
	assert.Equal(t, "alice", session.CallerID)
	assert.Equal(t, "bob", session.CalleeID)
	assert.Equal(t, domain.CallTypeVoice, session.Type)
	assert.Equal(t, domain.CallStatusCalling, session.Status)
	require.NotNil(t, session.Offer)
	assert.Equal(t, "offer", session.Offer.Type)
	assert.NotEmpty(t, session.Offer.SDP)
	assert.Nil(t, session.Answer)
}

func TestStartCallRejectsUnknownType(t *testing.T) {
	caller := newTestSession("alice", memory.NewChannel(), nil)

	_, err := caller.StartCall(context.Background(), "bob", domain.CallType("fax"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
	assert.Equal(t, StateIdle, caller.State())
}

func TestStartCallMediaDeniedWritesNothing(t *testing.T) {
	spy := &spyChannel{Channel: memory.NewChannel()}
	caller := NewSession("alice", spy, deniedAcquirer{}, DefaultConfig(), nil)

	_, err := caller.StartCall(context.Background(), "bob", domain.CallTypeVideo)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied))
	assert.Equal(t, int32(0), spy.created.Load(), "no call record without media")
	assert.Equal(t, StateFailed, caller.State())
}

func TestStartCallRequiresIdleSession(t *testing.T) {
	channel := memory.NewChannel()
	caller := newTestSession("alice", channel, nil)
	defer caller.EndCall(context.Background())

	_, err := caller.StartCall(context.Background(), "bob", domain.CallTypeVoice)
	require.NoError(t, err)

	_, err = caller.StartCall(context.Background(), "bob", domain.CallTypeVoice)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
}

func TestAnswerCallConnects(t *testing.T) {
	channel := memory.NewChannel()
	callerEvents := &eventRecorder{}
	caller := newTestSession("alice", channel, callerEvents)
	callee := newTestSession("bob", channel, nil)
	defer caller.EndCall(context.Background())
	defer callee.EndCall(context.Background())

	callID, err := caller.StartCall(context.Background(), "bob", domain.CallTypeVoice)
	require.NoError(t, err)

	require.NoError(t, callee.AnswerCall(context.Background(), callID))
	assert.Equal(t, callID, callee.CallID())

	session, err := channel.GetCall(context.Background(), callID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusConnected, session.Status)
	require.NotNil(t, session.Answer)
	assert.Equal(t, "answer", session.Answer.Type)

	assert.True(t, callerEvents.sawStatus(domain.CallStatusConnected))
	assert.NotNil(t, caller.LocalStream())
	assert.NotNil(t, callee.LocalStream())
}

func TestAnswerCallAlreadyAnswered(t *testing.T) {
	channel := memory.NewChannel()
	caller := newTestSession("alice", channel, nil)
	callee := newTestSession("bob", channel, nil)
	defer caller.EndCall(context.Background())
	defer callee.EndCall(context.Background())

	callID, err := caller.StartCall(context.Background(), "bob", domain.CallTypeVoice)
	require.NoError(t, err)
	require.NoError(t, callee.AnswerCall(context.Background(), callID))

	counting := &countingAcquirer{inner: media.NewStaticAcquirer()}
	late := NewSession("bob", channel, counting, DefaultConfig(), nil)

	err = late.AnswerCall(context.Background(), callID)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
	assert.Equal(t, int32(0), counting.acquired.Load(), "no media acquired for a dead call")
}

func TestAnswerCallUnknownCall(t *testing.T) {
	callee := newTestSession("bob", memory.NewChannel(), nil)

	err := callee.AnswerCall(context.Background(), "no-such-call")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCallNotFound))
}

func TestRejectCallWithoutMedia(t *testing.T) {
	channel := memory.NewChannel()
	callerEvents := &eventRecorder{}
	caller := newTestSession("alice", channel, callerEvents)
	defer caller.EndCall(context.Background())

	callID, err := caller.StartCall(context.Background(), "bob", domain.CallTypeVoice)
	require.NoError(t, err)

	counting := &countingAcquirer{inner: media.NewStaticAcquirer()}
	callee := NewSession("bob", channel, counting, DefaultConfig(), nil)
	require.NoError(t, callee.RejectCall(context.Background(), callID))

	assert.Equal(t, int32(0), counting.acquired.Load(), "rejecting never touches media")
	assert.Equal(t, StateClosed, callee.State())

	session, err := channel.GetCall(context.Background(), callID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRejected, session.Status)
	require.NotNil(t, session.EndedAt)

	// The caller observes the terminal status and tears down.
	assert.True(t, callerEvents.sawStatus(domain.CallStatusRejected))
	assert.Equal(t, StateClosed, caller.State())
	assert.Equal(t, int32(1), callerEvents.ended.Load())
}

func TestEndCallIdempotent(t *testing.T) {
	channel := memory.NewChannel()
	events := &eventRecorder{}
	caller := newTestSession("alice", channel, events)

	callID, err := caller.StartCall(context.Background(), "bob", domain.CallTypeVoice)
	require.NoError(t, err)
	stream := caller.LocalStream()

	require.NoError(t, caller.EndCall(context.Background()))
	require.NoError(t, caller.EndCall(context.Background()))

	assert.Equal(t, StateClosed, caller.State())
	assert.True(t, stream.Closed())
	assert.Equal(t, int32(1), events.ended.Load(), "completion fires exactly once")

	session, err := channel.GetCall(context.Background(), callID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, session.Status)
	require.NotNil(t, session.EndedAt)
}

func TestEndCallAfterConnect(t *testing.T) {
	channel := memory.NewChannel()
	callerEvents := &eventRecorder{}
	calleeEvents := &eventRecorder{}
	caller := newTestSession("alice", channel, callerEvents)
	callee := newTestSession("bob", channel, calleeEvents)

	callID, err := caller.StartCall(context.Background(), "bob", domain.CallTypeVideo)
	require.NoError(t, err)
	require.NoError(t, callee.AnswerCall(context.Background(), callID))

	// Callee hangs up; both sides converge on ended.
	require.NoError(t, callee.EndCall(context.Background()))

	session, err := channel.GetCall(context.Background(), callID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, session.Status)

	assert.Equal(t, StateClosed, callee.State())
	assert.Equal(t, StateClosed, caller.State())
	assert.Equal(t, int32(1), callerEvents.ended.Load())
	assert.Equal(t, int32(1), calleeEvents.ended.Load())
	assert.True(t, caller.LocalStream() == nil || caller.LocalStream().Closed())

	// A straggler hangup on the caller is a no-op.
	require.NoError(t, caller.EndCall(context.Background()))
	assert.Equal(t, int32(1), callerEvents.ended.Load())
}

func TestRingTimeoutMarksMissed(t *testing.T) {
	channel := memory.NewChannel()
	events := &eventRecorder{}
	cfg := DefaultConfig()
	cfg.RingTimeout = 100 * time.Millisecond
	caller := NewSession("alice", channel, media.NewStaticAcquirer(), cfg, events)

	callID, err := caller.StartCall(context.Background(), "bob", domain.CallTypeVoice)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		session, err := channel.GetCall(context.Background(), callID)
		return err == nil && session.Status == domain.CallStatusMissed
	}, 2*time.Second, 10*time.Millisecond, "unanswered call becomes missed")

	require.Eventually(t, func() bool {
		return caller.State() == StateClosed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), events.ended.Load())
}

func TestAnswerCancelsRingTimeout(t *testing.T) {
	channel := memory.NewChannel()
	cfg := DefaultConfig()
	cfg.RingTimeout = 150 * time.Millisecond
	caller := NewSession("alice", channel, media.NewStaticAcquirer(), cfg, nil)
	callee := newTestSession("bob", channel, nil)
	defer caller.EndCall(context.Background())
	defer callee.EndCall(context.Background())

	callID, err := caller.StartCall(context.Background(), "bob", domain.CallTypeVoice)
	require.NoError(t, err)
	require.NoError(t, callee.AnswerCall(context.Background(), callID))

	time.Sleep(300 * time.Millisecond)

	session, err := channel.GetCall(context.Background(), callID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusConnected, session.Status, "answered call never goes missed")
}

func TestSwitchCameraKeepsCallState(t *testing.T) {
	channel := memory.NewChannel()
	caller := newTestSession("alice", channel, nil)
	defer caller.EndCall(context.Background())

	callID, err := caller.StartCall(context.Background(), "bob", domain.CallTypeVideo)
	require.NoError(t, err)

	stream := caller.LocalStream()
	require.NotNil(t, stream.VideoTrack())
	before := stream.VideoTrack()
	facingBefore := stream.Facing()

	require.NoError(t, caller.SwitchCamera(context.Background()))

	after := stream.VideoTrack()
	assert.NotEqual(t, before.ID(), after.ID(), "video track replaced")
	assert.NotEqual(t, facingBefore, stream.Facing())
	assert.False(t, before.Active(), "old track released")

	session, err := channel.GetCall(context.Background(), callID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCalling, session.Status, "no renegotiation, no status change")
	assert.Equal(t, StateNegotiating, caller.State())
}

func TestSwitchCameraVoiceCallNoop(t *testing.T) {
	caller := newTestSession("alice", memory.NewChannel(), nil)
	defer caller.EndCall(context.Background())

	_, err := caller.StartCall(context.Background(), "bob", domain.CallTypeVoice)
	require.NoError(t, err)

	require.NoError(t, caller.SwitchCamera(context.Background()))
	assert.Nil(t, caller.LocalStream().VideoTrack())
}

func TestSwitchCameraWithoutCall(t *testing.T) {
	caller := newTestSession("alice", memory.NewChannel(), nil)

	err := caller.SwitchCamera(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
}

func TestToggleMute(t *testing.T) {
	caller := newTestSession("alice", memory.NewChannel(), nil)
	defer caller.EndCall(context.Background())

	_, err := caller.StartCall(context.Background(), "bob", domain.CallTypeVoice)
	require.NoError(t, err)

	audio := caller.LocalStream().AudioTrack()
	require.True(t, audio.Enabled())

	assert.True(t, caller.ToggleMute(), "first toggle mutes")
	assert.False(t, audio.Enabled())
	assert.True(t, audio.Active(), "muted track stays attached")

	assert.False(t, caller.ToggleMute(), "second toggle unmutes")
	assert.True(t, audio.Enabled())
}

func TestToggleVideo(t *testing.T) {
	caller := newTestSession("alice", memory.NewChannel(), nil)
	defer caller.EndCall(context.Background())

	_, err := caller.StartCall(context.Background(), "bob", domain.CallTypeVideo)
	require.NoError(t, err)

	video := caller.LocalStream().VideoTrack()
	assert.True(t, caller.ToggleVideo(), "first toggle turns camera off")
	assert.False(t, video.Enabled())
	assert.False(t, caller.ToggleVideo())
	assert.True(t, video.Enabled())
}

func TestToggleVideoVoiceCall(t *testing.T) {
	caller := newTestSession("alice", memory.NewChannel(), nil)
	defer caller.EndCall(context.Background())

	_, err := caller.StartCall(context.Background(), "bob", domain.CallTypeVoice)
	require.NoError(t, err)

	assert.False(t, caller.ToggleVideo(), "voice calls have no camera to toggle")
}

func TestOwnCandidatesSuppressed(t *testing.T) {
	channel := memory.NewChannel()
	caller := newTestSession("alice", channel, nil)
	defer caller.EndCall(context.Background())

	_, err := caller.StartCall(context.Background(), "bob", domain.CallTypeVoice)
	require.NoError(t, err)

	mid := "0"
	echo := &domain.IceCandidate{Candidate: "candidate:1 1 udp 1 127.0.0.1 50000 typ host", SDPMid: &mid, Sender: "alice"}
	caller.onRemoteCandidate(echo)

	caller.mu.Lock()
	queued := len(caller.pendingRemote)
	caller.mu.Unlock()
	assert.Zero(t, queued, "own candidates never queue or apply")
}

func TestEarlyCandidatesQueueUntilAnswer(t *testing.T) {
	channel := memory.NewChannel()
	caller := newTestSession("alice", channel, nil)
	defer caller.EndCall(context.Background())

	_, err := caller.StartCall(context.Background(), "bob", domain.CallTypeVoice)
	require.NoError(t, err)

	mid := "0"
	remote := &domain.IceCandidate{Candidate: "candidate:1 1 udp 1 127.0.0.1 50000 typ host", SDPMid: &mid, Sender: "bob"}
	caller.onRemoteCandidate(remote)

	caller.mu.Lock()
	queued := len(caller.pendingRemote)
	caller.mu.Unlock()
	assert.Equal(t, 1, queued, "candidates before the answer are held, not dropped")
}

func TestPreCallCandidatesFlushInOrder(t *testing.T) {
	channel := memory.NewChannel()
	caller := newTestSession("alice", channel, nil)
	defer caller.EndCall(context.Background())

	callID, err := caller.StartCall(context.Background(), "bob", domain.CallTypeVoice)
	require.NoError(t, err)

	// Simulate candidates gathered before the call record existed.
	mid := "0"
	first := &domain.IceCandidate{Candidate: "candidate:1 1 udp 2 127.0.0.1 50000 typ host", SDPMid: &mid, Sender: "alice"}
	second := &domain.IceCandidate{Candidate: "candidate:2 1 udp 1 127.0.0.1 50001 typ host", SDPMid: &mid, Sender: "alice"}
	caller.mu.Lock()
	caller.pendingLocal = append(caller.pendingLocal, first, second)
	caller.mu.Unlock()

	caller.flushLocalCandidates(callID)

	// Real gathering may interleave its own candidates; match only the
	// synthetic ones.
	var got []string
	unsub, err := channel.SubscribeToIceCandidates(context.Background(), callID, func(cand *domain.IceCandidate) {
		if cand.Candidate == first.Candidate || cand.Candidate == second.Candidate {
			got = append(got, cand.Candidate)
		}
	})
	require.NoError(t, err)
	defer unsub()

	require.Len(t, got, 2)
	assert.Equal(t, first.Candidate, got[0])
	assert.Equal(t, second.Candidate, got[1])

	caller.mu.Lock()
	remaining := len(caller.pendingLocal)
	caller.mu.Unlock()
	assert.Zero(t, remaining)
}
