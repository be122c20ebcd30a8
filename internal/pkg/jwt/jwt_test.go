package jwt

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "sandbox-secret"

func TestGenerateAndParse(t *testing.T) {
	for _, userID := range []int64{0, 1, 42, 1 << 40} {
		token, err := GenerateToken(userID, testSecret, 24)
		require.NoError(t, err)

		claims, err := ParseToken(token, testSecret)
		require.NoError(t, err)
		assert.Equal(t, userID, claims.UserID)
		assert.WithinDuration(t, time.Now().Add(24*time.Hour), claims.ExpiresAt.Time, time.Minute)
	}
}

func TestGenerateTokenTTL(t *testing.T) {
	token, err := GenerateTokenTTL(7, testSecret, 5*time.Minute)
	require.NoError(t, err)

	claims, err := ParseToken(token, testSecret)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), claims.ExpiresAt.Time, 5*time.Second)

	_, err = GenerateTokenTTL(7, "", time.Minute)
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestParseToken_Rejects(t *testing.T) {
	expired, err := GenerateTokenTTL(1, testSecret, -time.Minute)
	require.NoError(t, err)

	valid, err := GenerateToken(1, testSecret, 1)
	require.NoError(t, err)

	// 其他签名算法
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{UserID: 1}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		secret string
		want   error
	}{
		{"empty", "", testSecret, ErrInvalidToken},
		{"garbage", "not.a.token", testSecret, ErrInvalidToken},
		{"wrong secret", valid, "other-secret", ErrInvalidToken},
		{"expired", expired, testSecret, ErrExpiredToken},
		{"other algorithm", hs512, testSecret, ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ParseToken(tt.token, tt.secret)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, claims)
		})
	}
}
