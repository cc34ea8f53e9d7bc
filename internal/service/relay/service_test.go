package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairchat-backend/internal/domain"
	"pairchat-backend/internal/signaling/memory"
)

type fakePusher struct {
	incoming   atomic.Int32
	missed     atomic.Int32
	tokenCount int
}

func (f *fakePusher) SendIncomingCallNotification(_ context.Context, _ *domain.CallSession) (int, error) {
	f.incoming.Add(1)
	return f.tokenCount, nil
}

func (f *fakePusher) SendMissedCallNotification(_ context.Context, _ *domain.CallSession) (int, error) {
	f.missed.Add(1)
	return f.tokenCount, nil
}

type fakeLog struct {
	mu       sync.Mutex
	recorded []*domain.CallSession
}

func (f *fakeLog) Record(_ context.Context, session *domain.CallSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, session)
	return nil
}

func (f *fakeLog) entries() []*domain.CallSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.CallSession(nil), f.recorded...)
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	incoming []*domain.CallSession
	updates  []*domain.CallSession
}

func (f *fakeBroadcaster) NotifyIncomingCall(session *domain.CallSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incoming = append(f.incoming, session)
}

func (f *fakeBroadcaster) NotifyCallUpdate(session *domain.CallSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, session)
}

func (f *fakeBroadcaster) sawUpdate(status domain.CallStatus) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.updates {
		if s.Status == status {
			return true
		}
	}
	return false
}

func sampleOffer() domain.SessionDescription {
	return domain.SessionDescription{Type: "offer", SDP: "v=0\r\n"}
}

func startRelay(t *testing.T, svc *Service) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("relay did not stop")
		}
	})
	// Let the subscription register before the test creates calls.
	time.Sleep(10 * time.Millisecond)
	return cancel
}

func TestRelayNotifiesIncomingCall(t *testing.T) {
	channel := memory.NewChannel()
	pusher := &fakePusher{tokenCount: 2}
	broadcaster := &fakeBroadcaster{}
	svc := NewService(channel, pusher, &fakeLog{}, broadcaster)
	startRelay(t, svc)

	_, err := channel.CreateCall(context.Background(), "alice", "bob", domain.CallTypeVoice, sampleOffer())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return pusher.incoming.Load() == 1
	}, time.Second, 10*time.Millisecond)

	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	require.Len(t, broadcaster.incoming, 1)
	assert.Equal(t, "bob", broadcaster.incoming[0].CalleeID)
}

func TestRelayRecordsEndedCall(t *testing.T) {
	channel := memory.NewChannel()
	pusher := &fakePusher{tokenCount: 1}
	callLog := &fakeLog{}
	broadcaster := &fakeBroadcaster{}
	svc := NewService(channel, pusher, callLog, broadcaster)
	startRelay(t, svc)

	ctx := context.Background()
	callID, err := channel.CreateCall(ctx, "alice", "bob", domain.CallTypeVideo, sampleOffer())
	require.NoError(t, err)

	require.NoError(t, channel.SetAnswer(ctx, callID, domain.SessionDescription{Type: "answer", SDP: "v=0\r\n"}))
	require.NoError(t, channel.SetStatus(ctx, callID, domain.CallStatusEnded))

	require.Eventually(t, func() bool {
		return len(callLog.entries()) == 1
	}, time.Second, 10*time.Millisecond)

	entry := callLog.entries()[0]
	assert.Equal(t, callID, entry.ID)
	assert.Equal(t, domain.CallStatusEnded, entry.Status)
	assert.NotNil(t, entry.EndedAt)
	assert.True(t, broadcaster.sawUpdate(domain.CallStatusEnded))
	assert.Zero(t, pusher.missed.Load())
}

func TestRelayMissedCallPush(t *testing.T) {
	channel := memory.NewChannel()
	pusher := &fakePusher{tokenCount: 1}
	callLog := &fakeLog{}
	svc := NewService(channel, pusher, callLog, &fakeBroadcaster{})
	startRelay(t, svc)

	ctx := context.Background()
	callID, err := channel.CreateCall(ctx, "alice", "bob", domain.CallTypeVoice, sampleOffer())
	require.NoError(t, err)

	require.NoError(t, channel.SetStatus(ctx, callID, domain.CallStatusMissed))

	require.Eventually(t, func() bool {
		return pusher.missed.Load() == 1 && len(callLog.entries()) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, domain.CallStatusMissed, callLog.entries()[0].Status)
}

func TestRelayWithoutCallLog(t *testing.T) {
	channel := memory.NewChannel()
	pusher := &fakePusher{tokenCount: 1}
	svc := NewService(channel, pusher, nil, &fakeBroadcaster{})
	startRelay(t, svc)

	ctx := context.Background()
	callID, err := channel.CreateCall(ctx, "alice", "bob", domain.CallTypeVoice, sampleOffer())
	require.NoError(t, err)

	require.NoError(t, channel.SetStatus(ctx, callID, domain.CallStatusRejected))

	// The rejected transition still reaches the watcher without a log.
	require.Eventually(t, func() bool {
		return pusher.incoming.Load() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRelayDeduplicatesReplayedCreations(t *testing.T) {
	channel := memory.NewChannel()
	pusher := &fakePusher{tokenCount: 1}
	broadcaster := &fakeBroadcaster{}
	svc := NewService(channel, pusher, nil, broadcaster)

	ctx := context.Background()
	callID, err := channel.CreateCall(ctx, "alice", "bob", domain.CallTypeVoice, sampleOffer())
	require.NoError(t, err)

	session, err := channel.GetCall(ctx, callID)
	require.NoError(t, err)

	svc.handleNewCall(ctx, session)
	svc.handleNewCall(ctx, session)

	assert.Equal(t, int32(1), pusher.incoming.Load())

	require.NoError(t, channel.SetStatus(ctx, callID, domain.CallStatusEnded))
	svc.wg.Wait()
}

func TestRelaySkipsNonRingingCreations(t *testing.T) {
	pusher := &fakePusher{tokenCount: 1}
	svc := NewService(memory.NewChannel(), pusher, nil, &fakeBroadcaster{})

	svc.handleNewCall(context.Background(), &domain.CallSession{
		ID:       "historic",
		CalleeID: "bob",
		Status:   domain.CallStatusEnded,
	})

	assert.Zero(t, pusher.incoming.Load())
	svc.wg.Wait()
}
