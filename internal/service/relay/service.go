// Package relay is the server-side incoming-call notifier. It watches the
// signaling channel for new calls, wakes the callee's devices over push and
// WebSocket, and records terminal calls to the durable call log. Running it
// as a daemon means the callee is reachable even when no client has a live
// subscription of its own.
package relay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"pairchat-backend/internal/domain"
	"pairchat-backend/internal/signaling"
	"pairchat-backend/pkg/cache"
	"pairchat-backend/pkg/constants"
	pkgcontext "pairchat-backend/pkg/context"
	"pairchat-backend/pkg/logger"
	"pairchat-backend/pkg/metrics"
)

const (
	seenTTL     = 10 * time.Minute
	seenMaxSize = 10000
)

// CallSource is the slice of the signaling channel the relay consumes.
type CallSource interface {
	SubscribeToNewCalls(ctx context.Context, onCreate func(*domain.CallSession)) (signaling.Unsubscribe, error)
	SubscribeToCall(ctx context.Context, callID string, onChange func(*domain.CallSession)) (signaling.Unsubscribe, error)
}

// Pusher delivers wake-up notifications to a user's registered devices.
type Pusher interface {
	SendIncomingCallNotification(ctx context.Context, session *domain.CallSession) (int, error)
	SendMissedCallNotification(ctx context.Context, session *domain.CallSession) (int, error)
}

// CallLog records terminal calls for the history view.
type CallLog interface {
	Record(ctx context.Context, session *domain.CallSession) error
}

// Broadcaster fans call events out to connected WebSocket clients.
type Broadcaster interface {
	NotifyIncomingCall(session *domain.CallSession)
	NotifyCallUpdate(session *domain.CallSession)
}

// Service watches for new calls and relays their lifecycle. Pusher and
// Broadcaster are required; CallLog may be nil, which disables history
// recording but keeps notifications working.
type Service struct {
	source      CallSource
	pusher      Pusher
	callLog     CallLog
	broadcaster Broadcaster
	seen        *cache.SeenCache
	wg          sync.WaitGroup
}

// NewService creates a relay service.
func NewService(source CallSource, pusher Pusher, callLog CallLog, broadcaster Broadcaster) *Service {
	return &Service{
		source:      source,
		pusher:      pusher,
		callLog:     callLog,
		broadcaster: broadcaster,
		seen:        cache.NewSeenCache(seenTTL, seenMaxSize),
	}
}

// Run subscribes to new calls and blocks until ctx is cancelled. Per-call
// watchers started by Run are waited for before returning.
func (s *Service) Run(ctx context.Context) error {
	unsub, err := s.source.SubscribeToNewCalls(ctx, func(session *domain.CallSession) {
		s.handleNewCall(ctx, session)
	})
	if err != nil {
		return err
	}

	logger.Info("Call relay started")

	<-ctx.Done()
	unsub()
	s.wg.Wait()

	logger.Info("Call relay stopped")
	return nil
}

// handleNewCall processes one created call: dedupe, wake the callee, then
// follow the call to its terminal status.
func (s *Service) handleNewCall(ctx context.Context, session *domain.CallSession) {
	// Backends may replay a creation after reconnect.
	if session.Status != domain.CallStatusCalling {
		return
	}
	if !s.seen.Mark(session.ID) {
		return
	}

	metrics.IncomingCallsNotifiedTotal.Inc()
	logger.Info("Relaying incoming call",
		zap.String("call_id", session.ID),
		zap.String("callee_id", session.CalleeID),
		zap.String("call_type", string(session.Type)))

	s.notifyIncoming(ctx, session)
	s.broadcaster.NotifyIncomingCall(session)

	s.wg.Add(1)
	go s.watchCall(ctx, session.ID)
}

// notifyIncoming sends the push wake-up and accounts for the outcome.
func (s *Service) notifyIncoming(ctx context.Context, session *domain.CallSession) {
	count, err := s.pusher.SendIncomingCallNotification(ctx, session)
	switch {
	case err != nil:
		metrics.PushRelayTotal.WithLabelValues("failed").Inc()
		logger.Warn("Incoming-call push failed",
			zap.String("call_id", session.ID),
			zap.Error(err))
	case count == 0:
		metrics.PushRelayTotal.WithLabelValues("no_tokens").Inc()
	default:
		metrics.PushRelayTotal.WithLabelValues("sent").Inc()
	}
}

// watchCall follows one call until it reaches a terminal status, relaying
// every update to connected clients. The watch gives up after the maximum
// call duration so an abandoned record cannot leak a subscription.
func (s *Service) watchCall(ctx context.Context, callID string) {
	defer s.wg.Done()

	terminal := make(chan *domain.CallSession, 1)

	unsub, err := s.source.SubscribeToCall(ctx, callID, func(session *domain.CallSession) {
		s.broadcaster.NotifyCallUpdate(session)
		if session.Status.Terminal() {
			select {
			case terminal <- session:
			default:
			}
		}
	})
	if err != nil {
		logger.Warn("Failed to watch call",
			zap.String("call_id", callID),
			zap.Error(err))
		return
	}
	defer unsub()

	timeout := time.NewTimer(constants.MaxCallDuration)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
	case <-timeout.C:
		logger.Warn("Abandoning call watch after maximum duration",
			zap.String("call_id", callID))
	case session := <-terminal:
		s.finishCall(ctx, session)
	}
}

// finishCall handles a call's terminal transition: missed-call push, call
// log write, and the duration metric.
func (s *Service) finishCall(parent context.Context, session *domain.CallSession) {
	ctx, cancel := pkgcontext.WithDefaultTimeout(parent)
	defer cancel()

	if session.Status == domain.CallStatusMissed {
		if _, err := s.pusher.SendMissedCallNotification(ctx, session); err != nil {
			logger.Warn("Missed-call push failed",
				zap.String("call_id", session.ID),
				zap.Error(err))
		}
	}

	duration := session.Duration()
	if duration > constants.MaxCallDuration {
		duration = constants.MaxCallDuration
	}
	metrics.CallDurationSeconds.Observe(duration.Seconds())

	if s.callLog == nil {
		return
	}
	if err := s.callLog.Record(ctx, session); err != nil {
		metrics.CallLogWritesTotal.WithLabelValues("failed").Inc()
		logger.Error("Failed to record call",
			zap.String("call_id", session.ID),
			zap.Error(err))
		return
	}
	metrics.CallLogWritesTotal.WithLabelValues(string(session.Status)).Inc()
}
