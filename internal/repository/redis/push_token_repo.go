// Package redis holds the Redis-backed repositories of the call notifier.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pairchat-backend/pkg/constants"
	"pairchat-backend/pkg/logger"
	"pairchat-backend/pkg/push"
)

// PushTokenRepository handles push notification token storage in Redis.
//
// Keys:
//
//	push:token:{token}       JSON token record
//	push:id:{id}             token value, for lookups by ID
//	push:user:{userID}:tokens set of token values
type PushTokenRepository struct {
	client *redis.Client
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *redis.Client) *PushTokenRepository {
	return &PushTokenRepository{
		client: client,
	}
}

func tokenKey(token string) string   { return "push:token:" + token }
func tokenIDKey(id string) string    { return "push:id:" + id }
func userTokensKey(id string) string { return "push:user:" + id + ":tokens" }

// Store stores a push notification token
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}

	now := time.Now()
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, tokenKey(token.Token), data, constants.PushTokenExpiry)
	pipe.Set(ctx, tokenIDKey(token.ID), token.Token, constants.PushTokenExpiry)
	pipe.SAdd(ctx, userTokensKey(token.UserID), token.Token)
	pipe.Expire(ctx, userTokensKey(token.UserID), constants.PushTokenExpiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	logger.Debug("Push token stored",
		zap.String("token_id", token.ID),
		zap.String("user_id", token.UserID),
		zap.String("token_type", string(token.Type)))

	return nil
}

// GetByToken retrieves a token by its value. A missing token returns
// (nil, nil).
func (r *PushTokenRepository) GetByToken(ctx context.Context, tokenStr string) (*push.Token, error) {
	data, err := r.client.Get(ctx, tokenKey(tokenStr)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token push.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return &token, nil
}

// getByID resolves a token ID to its record via the ID index.
func (r *PushTokenRepository) getByID(ctx context.Context, tokenID string) (*push.Token, error) {
	tokenStr, err := r.client.Get(ctx, tokenIDKey(tokenID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve token id: %w", err)
	}
	return r.GetByToken(ctx, tokenStr)
}

// GetByUserID retrieves all tokens for a user
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID string) ([]*push.Token, error) {
	tokens, err := r.client.SMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	var result []*push.Token
	for _, tokenStr := range tokens {
		token, err := r.GetByToken(ctx, tokenStr)
		if err != nil {
			logger.Warn("Failed to get token",
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		if token == nil {
			// Record expired; drop the dangling set member.
			r.client.SRem(ctx, userTokensKey(userID), tokenStr)
			continue
		}
		result = append(result, token)
	}

	return result, nil
}

// Update updates an existing token
func (r *PushTokenRepository) Update(ctx context.Context, token *push.Token) error {
	token.UpdatedAt = time.Now()

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, tokenKey(token.Token), data, constants.PushTokenExpiry)
	pipe.Set(ctx, tokenIDKey(token.ID), token.Token, constants.PushTokenExpiry)
	pipe.SAdd(ctx, userTokensKey(token.UserID), token.Token)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}

	logger.Debug("Push token updated",
		zap.String("token_id", token.ID),
		zap.String("user_id", token.UserID))

	return nil
}

// Delete removes a token by ID
func (r *PushTokenRepository) Delete(ctx context.Context, tokenID string) error {
	token, err := r.getByID(ctx, tokenID)
	if err != nil {
		return err
	}
	if token == nil {
		return nil
	}

	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, userTokensKey(token.UserID), token.Token)
	pipe.Del(ctx, tokenKey(token.Token))
	pipe.Del(ctx, tokenIDKey(tokenID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	logger.Debug("Push token deleted",
		zap.String("token_id", tokenID),
		zap.String("user_id", token.UserID))

	return nil
}

// DeleteByUserID removes all tokens for a user
func (r *PushTokenRepository) DeleteByUserID(ctx context.Context, userID string) error {
	tokens, err := r.GetByUserID(ctx, userID)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	for _, token := range tokens {
		pipe.Del(ctx, tokenKey(token.Token))
		pipe.Del(ctx, tokenIDKey(token.ID))
	}
	pipe.Del(ctx, userTokensKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete user tokens: %w", err)
	}

	logger.Debug("All push tokens deleted for user",
		zap.String("user_id", userID),
		zap.Int("count", len(tokens)))

	return nil
}

// MarkInactive marks a token as inactive so sends skip it until the device
// re-registers.
func (r *PushTokenRepository) MarkInactive(ctx context.Context, tokenID string) error {
	token, err := r.getByID(ctx, tokenID)
	if err != nil {
		return err
	}
	if token == nil {
		return nil
	}

	token.Active = false
	return r.Update(ctx, token)
}
