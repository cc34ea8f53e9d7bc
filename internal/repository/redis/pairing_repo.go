package redis

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/redis/go-redis/v9"

	"pairchat-backend/pkg/errors"
	"pairchat-backend/pkg/pairing"
)

// PairingRepository stores each user's pairing public key so the partner can
// fetch it and derive the shared secret on their own device. Private keys
// never leave the clients.
type PairingRepository struct {
	client *redis.Client
}

// NewPairingRepository creates a new pairing key repository
func NewPairingRepository(client *redis.Client) *PairingRepository {
	return &PairingRepository{client: client}
}

func pairingKey(userID string) string {
	return fmt.Sprintf("pairing:pubkey:%s", userID)
}

// StorePublicKey saves a user's X25519 public key. Re-pairing overwrites the
// previous key.
func (r *PairingRepository) StorePublicKey(ctx context.Context, userID string, publicKey []byte) error {
	if len(publicKey) != pairing.KeySize {
		return errors.InvalidInputError("public key must be 32 bytes")
	}

	encoded := base64.StdEncoding.EncodeToString(publicKey)
	if err := r.client.Set(ctx, pairingKey(userID), encoded, 0).Err(); err != nil {
		return errors.DatabaseError(fmt.Errorf("failed to store public key: %w", err))
	}
	return nil
}

// GetPublicKey loads a user's X25519 public key.
func (r *PairingRepository) GetPublicKey(ctx context.Context, userID string) ([]byte, error) {
	encoded, err := r.client.Get(ctx, pairingKey(userID)).Result()
	if err == redis.Nil {
		return nil, errors.NotFoundError("Pairing key")
	}
	if err != nil {
		return nil, errors.DatabaseError(fmt.Errorf("failed to get public key: %w", err))
	}

	publicKey, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.InternalError("stored public key is corrupt")
	}
	if len(publicKey) != pairing.KeySize {
		return nil, errors.InternalError("stored public key has wrong size")
	}
	return publicKey, nil
}

// DeletePublicKey removes a user's pairing key, e.g. when the pair is
// dissolved.
func (r *PairingRepository) DeletePublicKey(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, pairingKey(userID)).Err(); err != nil {
		return errors.DatabaseError(fmt.Errorf("failed to delete public key: %w", err))
	}
	return nil
}
