package call

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"pairchat-backend/internal/domain"
	"pairchat-backend/internal/signaling"
	"pairchat-backend/pkg/cache"
	"pairchat-backend/pkg/logger"
	"pairchat-backend/pkg/metrics"
)

// notifyDedupeTTL bounds how long a call ID is remembered for duplicate
// suppression. Longer than any plausible ring window.
const notifyDedupeTTL = 10 * time.Minute

// Notifier watches the signaling channel for new calls addressed to one
// user and raises each at most once. It holds no transport or media; the
// consumer decides whether to answer by constructing a Session.
type Notifier struct {
	userID  string
	channel signaling.Channel
	seen    *cache.SeenCache

	mu    sync.Mutex
	unsub signaling.Unsubscribe
}

// NewNotifier creates a stopped notifier for userID.
func NewNotifier(userID string, channel signaling.Channel) *Notifier {
	return &Notifier{
		userID:  userID,
		channel: channel,
		seen:    cache.NewSeenCache(notifyDedupeTTL, 1000),
	}
}

// Start begins watching for incoming calls, invoking onIncoming once per
// call ID. Only calls created after Start are raised; historical records
// never ring. Calling Start while already started restarts the watch.
func (n *Notifier) Start(ctx context.Context, onIncoming func(*domain.CallSession)) error {
	unsub, err := n.channel.SubscribeToIncomingCalls(ctx, n.userID, func(session *domain.CallSession) {
		if session.Status != domain.CallStatusCalling {
			return
		}
		if !n.seen.Mark(session.ID) {
			logger.Debug("duplicate incoming call suppressed",
				zap.String("call_id", session.ID))
			return
		}

		metrics.IncomingCallsNotifiedTotal.Inc()
		logger.Info("incoming call",
			zap.String("call_id", session.ID),
			zap.String("caller_id", session.CallerID),
			zap.String("type", string(session.Type)))

		onIncoming(session)
	})
	if err != nil {
		return err
	}

	n.mu.Lock()
	prev := n.unsub
	n.unsub = unsub
	n.mu.Unlock()
	if prev != nil {
		prev()
	}

	logger.Info("incoming call watch started", zap.String("user_id", n.userID))
	return nil
}

// Stop ends the watch. Safe to call without a prior Start, and more than
// once.
func (n *Notifier) Stop() {
	n.mu.Lock()
	unsub := n.unsub
	n.unsub = nil
	n.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
