package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestExpiryFromToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	t.Run("ExpClaim", func(t *testing.T) {
		tok := signed(t, jwt.MapClaims{"exp": now.Unix() + 3000, "device_id": "ios:key-1"})
		exp, ok := ExpiryFromToken(tok, now, time.Minute)
		require.True(t, ok)
		assert.Equal(t, now.Add(3000*time.Second).Unix(), exp.Unix())
	})

	t.Run("ExpiredTokenStillDecodes", func(t *testing.T) {
		tok := signed(t, jwt.MapClaims{"exp": now.Unix() - 10})
		exp, ok := ExpiryFromToken(tok, now, time.Minute)
		require.True(t, ok)
		assert.True(t, exp.Before(now))
	})

	t.Run("MissingExp", func(t *testing.T) {
		tok := signed(t, jwt.MapClaims{"device_id": "ios:key-1"})
		exp, ok := ExpiryFromToken(tok, now, 55*time.Minute)
		assert.False(t, ok)
		assert.Equal(t, now.Add(55*time.Minute), exp)
	})

	t.Run("NotAJWT", func(t *testing.T) {
		exp, ok := ExpiryFromToken("opaque", now, 55*time.Minute)
		assert.False(t, ok)
		assert.Equal(t, now.Add(55*time.Minute), exp)
	})
}
