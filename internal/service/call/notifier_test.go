package call

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairchat-backend/internal/domain"
	"pairchat-backend/internal/signaling"
	"pairchat-backend/internal/signaling/memory"
)

func sampleOffer() domain.SessionDescription {
	return domain.SessionDescription{Type: "offer", SDP: "v=0\r\n"}
}

func TestNotifierDeliversNewCalls(t *testing.T) {
	channel := memory.NewChannel()
	notifier := NewNotifier("bob", channel)
	defer notifier.Stop()

	var mu sync.Mutex
	var got []*domain.CallSession
	require.NoError(t, notifier.Start(context.Background(), func(s *domain.CallSession) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, s)
	}))

	callID, err := channel.CreateCall(context.Background(), "alice", "bob", domain.CallTypeVideo, sampleOffer())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, callID, got[0].ID)
	assert.Equal(t, "alice", got[0].CallerID)
	assert.Equal(t, domain.CallTypeVideo, got[0].Type)
}

func TestNotifierIgnoresCallsForOthers(t *testing.T) {
	channel := memory.NewChannel()
	notifier := NewNotifier("bob", channel)
	defer notifier.Stop()

	var mu sync.Mutex
	count := 0
	require.NoError(t, notifier.Start(context.Background(), func(*domain.CallSession) {
		mu.Lock()
		defer mu.Unlock()
		count++
	}))

	_, err := channel.CreateCall(context.Background(), "alice", "carol", domain.CallTypeVoice, sampleOffer())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}

func TestNotifierIgnoresHistoricalCalls(t *testing.T) {
	channel := memory.NewChannel()

	_, err := channel.CreateCall(context.Background(), "alice", "bob", domain.CallTypeVoice, sampleOffer())
	require.NoError(t, err)

	notifier := NewNotifier("bob", channel)
	defer notifier.Stop()

	var mu sync.Mutex
	count := 0
	require.NoError(t, notifier.Start(context.Background(), func(*domain.CallSession) {
		mu.Lock()
		defer mu.Unlock()
		count++
	}))

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count, "calls from before the watch never ring")
}

func TestNotifierStop(t *testing.T) {
	channel := memory.NewChannel()
	notifier := NewNotifier("bob", channel)

	var mu sync.Mutex
	count := 0
	require.NoError(t, notifier.Start(context.Background(), func(*domain.CallSession) {
		mu.Lock()
		defer mu.Unlock()
		count++
	}))

	notifier.Stop()
	notifier.Stop() // safe to repeat

	_, err := channel.CreateCall(context.Background(), "alice", "bob", domain.CallTypeVoice, sampleOffer())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}

// fakeIncomingChannel drives the notifier callback directly to exercise
// duplicate suppression and status filtering.
type fakeIncomingChannel struct {
	signaling.Channel
	deliver func(*domain.CallSession)
}

func (f *fakeIncomingChannel) SubscribeToIncomingCalls(_ context.Context, _ string, onIncoming func(*domain.CallSession)) (signaling.Unsubscribe, error) {
	f.deliver = onIncoming
	return func() {}, nil
}

func TestNotifierSuppressesDuplicates(t *testing.T) {
	fake := &fakeIncomingChannel{}
	notifier := NewNotifier("bob", fake)
	defer notifier.Stop()

	count := 0
	require.NoError(t, notifier.Start(context.Background(), func(*domain.CallSession) {
		count++
	}))

	incoming := &domain.CallSession{ID: "call-1", CallerID: "alice", CalleeID: "bob", Type: domain.CallTypeVoice, Status: domain.CallStatusCalling}
	fake.deliver(incoming)
	fake.deliver(incoming)

	assert.Equal(t, 1, count, "the same call rings once")
}

func TestNotifierSkipsNonRingingStatuses(t *testing.T) {
	fake := &fakeIncomingChannel{}
	notifier := NewNotifier("bob", fake)
	defer notifier.Stop()

	count := 0
	require.NoError(t, notifier.Start(context.Background(), func(*domain.CallSession) {
		count++
	}))

	fake.deliver(&domain.CallSession{ID: "call-2", Status: domain.CallStatusEnded})
	fake.deliver(&domain.CallSession{ID: "call-3", Status: domain.CallStatusRejected})

	assert.Zero(t, count)
}
