package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWT_RoundTrip(t *testing.T) {
	token, err := GenerateJWT("secret", 42, time.Hour)
	require.NoError(t, err)

	id, err := ValidateJWT("secret", token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestJWT_Rejects(t *testing.T) {
	token, err := GenerateJWT("secret", 42, time.Hour)
	require.NoError(t, err)
	_, err = ValidateJWT("other-secret", token)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	expired, err := GenerateJWT("secret", 42, -time.Minute)
	require.NoError(t, err)
	_, err = ValidateJWT("secret", expired)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "42"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ValidateJWT("secret", unsigned)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	_, err = ValidateJWT("secret", "garbage")
	assert.Error(t, err)

	_, err = GenerateJWT("", 1, time.Hour)
	assert.Error(t, err)
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)
	assert.True(t, CheckPasswordHash("hunter2", hash))
	assert.False(t, CheckPasswordHash("hunter3", hash))
}
