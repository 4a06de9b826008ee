// ABOUTME: Tests for JWT session token issue and verify
// ABOUTME: Covers round-trips, expiry, tampering, and algorithm enforcement

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTManager_RoundTrip(t *testing.T) {
	m := NewJWTManager([]byte("test-secret"))

	token, err := m.Issue("agent-1", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	agentID, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", agentID)
}

func TestJWTManager_ExpiredToken(t *testing.T) {
	m := NewJWTManager([]byte("test-secret"))

	token, err := m.Issue("agent-1", -time.Minute)
	require.NoError(t, err)

	_, err = m.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTManager_WrongSecret(t *testing.T) {
	m := NewJWTManager([]byte("test-secret"))
	other := NewJWTManager([]byte("different-secret"))

	token, err := m.Issue("agent-1", time.Hour)
	require.NoError(t, err)

	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTManager_GarbageToken(t *testing.T) {
	m := NewJWTManager([]byte("test-secret"))

	_, err := m.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTManager_MissingSubjectClaim(t *testing.T) {
	secret := []byte("test-secret")
	m := NewJWTManager(secret)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	_, err = m.Verify(signed)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestJWTManager_RejectsUnsignedToken(t *testing.T) {
	m := NewJWTManager([]byte("test-secret"))

	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "agent-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
