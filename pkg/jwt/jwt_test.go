package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairchat-backend/pkg/errors"
)

const testSecret = "test-secret-key-for-unit-tests-only-0000"

func TestGenerateAndValidateAccessToken(t *testing.T) {
	mgr := NewManager(testSecret, 15*time.Minute, 720*time.Hour)

	token, err := mgr.GenerateAccessToken("user-abc", "alice@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-abc", claims.UserID)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, "pairchat-auth", claims.Issuer)
	assert.Equal(t, "user-abc", claims.Subject)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	mgr := NewManager(testSecret, 15*time.Minute, 720*time.Hour)
	other := NewManager("a-completely-different-secret-value-111", 15*time.Minute, 720*time.Hour)

	token, err := mgr.GenerateAccessToken("user-abc", "alice@example.com")
	require.NoError(t, err)

	_, err = other.ValidateToken(token)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidToken))
}

func TestValidateExpiredToken(t *testing.T) {
	mgr := NewManager(testSecret, -time.Minute, 720*time.Hour)

	token, err := mgr.GenerateAccessToken("user-abc", "alice@example.com")
	require.NoError(t, err)

	_, err = mgr.ValidateToken(token)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeExpiredToken))
	assert.True(t, IsTokenExpired(token))
}

func TestValidateGarbageToken(t *testing.T) {
	mgr := NewManager(testSecret, 15*time.Minute, 720*time.Hour)

	_, err := mgr.ValidateToken("not.a.token")
	require.Error(t, err)
	assert.True(t, IsTokenExpired("not.a.token"))
}

func TestRefreshToken(t *testing.T) {
	mgr := NewManager(testSecret, 15*time.Minute, 720*time.Hour)

	token, err := mgr.GenerateRefreshToken("user-abc")
	require.NoError(t, err)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-abc", claims.UserID)
	assert.Empty(t, claims.Email)
}

func TestExtractUserID(t *testing.T) {
	mgr := NewManager(testSecret, 15*time.Minute, 720*time.Hour)

	token, err := mgr.GenerateAccessToken("user-abc", "alice@example.com")
	require.NoError(t, err)

	userID, err := mgr.ExtractUserID(token)
	require.NoError(t, err)
	assert.Equal(t, "user-abc", userID)
}
