package crypto

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestJWTManager_RoundTrip(t *testing.T) {
	m, err := NewJWTManager("super-secret")
	require.NoError(t, err)

	token, err := m.CreateToken("user-1", "alpha", time.Hour)
	require.NoError(t, err)

	claims, err := m.VerifyToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "alpha", claims.Namespace)
	require.NotNil(t, claims.ExpiresAt)
}

func TestJWTManager_KeyIsDeterministic(t *testing.T) {
	a, err := NewJWTManager("super-secret")
	require.NoError(t, err)
	b, err := NewJWTManager("super-secret")
	require.NoError(t, err)
	other, err := NewJWTManager("another-secret")
	require.NoError(t, err)

	token, err := a.CreateToken("u", "alpha", 0)
	require.NoError(t, err)

	_, err = b.VerifyToken(token)
	require.NoError(t, err)
	_, err = other.VerifyToken(token)
	require.Error(t, err)
}

func TestJWTManager_Rejects(t *testing.T) {
	_, err := NewJWTManager("  ")
	require.Error(t, err)

	m, err := NewJWTManager("super-secret")
	require.NoError(t, err)

	_, err = m.CreateToken("u", "", 0)
	require.ErrorIs(t, err, ErrNoNamespace)

	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	token, err := m.CreateToken("u", "alpha", time.Minute)
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = m.VerifyToken(token)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{Namespace: "alpha"})
	signed, err := hs.SignedString([]byte("k"))
	require.NoError(t, err)
	_, err = m.VerifyToken(signed)
	require.Error(t, err)

	_, err = m.VerifyToken("not-a-token")
	require.Error(t, err)
}
