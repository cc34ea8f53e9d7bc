package push

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pairchat-backend/internal/domain"
	"pairchat-backend/pkg/logger"
)

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
	}
}

// RegisterToken registers a push notification token for a user, reviving
// the record when the same token value re-registers.
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	existing, err := s.repo.GetByToken(ctx, token.Token)
	if err == nil && existing != nil {
		existing.Active = true
		existing.UpdatedAt = time.Now()
		existing.DeviceID = token.DeviceID
		existing.Platform = token.Platform
		existing.UserID = token.UserID
		return s.repo.Update(ctx, existing)
	}

	return s.repo.Store(ctx, token)
}

// UnregisterToken removes a push notification token
func (s *Service) UnregisterToken(ctx context.Context, tokenID string) error {
	return s.repo.Delete(ctx, tokenID)
}

// UnregisterAllTokens removes all tokens for a user
func (s *Service) UnregisterAllTokens(ctx context.Context, userID string) error {
	return s.repo.DeleteByUserID(ctx, userID)
}

// GetTokensByUserID retrieves all tokens for a user
func (s *Service) GetTokensByUserID(ctx context.Context, userID string) ([]*Token, error) {
	return s.repo.GetByUserID(ctx, userID)
}

// GetTokenByValue retrieves a token by its raw value
func (s *Service) GetTokenByValue(ctx context.Context, token string) (*Token, error) {
	return s.repo.GetByToken(ctx, token)
}

// SendIncomingCallNotification wakes the callee's devices for a ringing call.
func (s *Service) SendIncomingCallNotification(ctx context.Context, session *domain.CallSession) (int, error) {
	notification := &Notification{
		Title:    "Incoming Call",
		Body:     fmt.Sprintf("Incoming %s call", session.Type),
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data: map[string]string{
			"type":      "call",
			"call_id":   session.ID,
			"caller_id": session.CallerID,
			"call_type": string(session.Type),
		},
	}

	return s.send(ctx, notification, session.CalleeID, session.ID)
}

// SendMissedCallNotification tells the callee about an unanswered call.
func (s *Service) SendMissedCallNotification(ctx context.Context, session *domain.CallSession) (int, error) {
	notification := &Notification{
		Title:    "Missed Call",
		Body:     fmt.Sprintf("You missed a %s call", session.Type),
		Priority: "normal",
		Sound:    "default",
		Data: map[string]string{
			"type":      "missed_call",
			"call_id":   session.ID,
			"caller_id": session.CallerID,
			"call_type": string(session.Type),
		},
	}

	return s.send(ctx, notification, session.CalleeID, session.ID)
}

// send delivers a notification to every active token of userID, returning
// the number of tokens targeted.
func (s *Service) send(ctx context.Context, notification *Notification, userID, callID string) (int, error) {
	tokens, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		logger.Warn("Failed to get push tokens for user",
			zap.String("user_id", userID),
			zap.Error(err))
		return 0, err
	}

	var active []string
	for _, token := range tokens {
		if token.Active {
			active = append(active, token.Token)
		}
	}

	if len(active) == 0 {
		logger.Info("No active push tokens for user",
			zap.String("user_id", userID),
			zap.String("call_id", callID))
		return 0, nil
	}

	result, err := s.provider.Send(ctx, notification, active)
	if err != nil {
		logger.Error("Failed to send push notification",
			zap.String("call_id", callID),
			zap.Int("token_count", len(active)),
			zap.Error(err))
		return len(active), fmt.Errorf("failed to send push notification: %w", err)
	}

	logger.Info("Push notification sent",
		zap.String("call_id", callID),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	if len(result.InvalidTokens) > 0 {
		s.handleInvalidTokens(ctx, result.InvalidTokens)
	}

	return len(active), nil
}

// handleInvalidTokens marks invalid tokens as inactive
func (s *Service) handleInvalidTokens(ctx context.Context, invalidTokens []string) {
	for _, tokenStr := range invalidTokens {
		token, err := s.repo.GetByToken(ctx, tokenStr)
		if err == nil && token != nil {
			if err := s.repo.MarkInactive(ctx, token.ID); err != nil {
				logger.Warn("Failed to mark token as inactive",
					zap.String("token_id", token.ID),
					zap.Error(err))
			}
		}
	}
}
