package util

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTManager_GenerateAndValidate(t *testing.T) {
	m := NewJWTManager("test-secret", "lafia-backend", "lafia-users", 5*time.Minute)

	token, expiresAt, err := m.GenerateToken("user-1", "Doc@Example.COM", "DOCTOR")
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "doc@example.com", claims.Email)
	assert.Equal(t, "DOCTOR", claims.Role)
}

func TestJWTManager_RejectsWrongSecret(t *testing.T) {
	issuer := NewJWTManager("secret-one", "lafia-backend", "lafia-users", time.Minute)
	verifier := NewJWTManager("secret-two", "lafia-backend", "lafia-users", time.Minute)

	token, _, err := issuer.GenerateToken("user-1", "a@b.c", "PATIENT")
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestJWTManager_RejectsWrongAudience(t *testing.T) {
	issuer := NewJWTManager("secret", "lafia-backend", "other-app", time.Minute)
	verifier := NewJWTManager("secret", "lafia-backend", "lafia-users", time.Minute)

	token, _, err := issuer.GenerateToken("user-1", "a@b.c", "PATIENT")
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTManager_RejectsGarbage(t *testing.T) {
	m := NewJWTManager("secret", "", "", time.Minute)

	_, err := m.ValidateToken("")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.ValidateToken("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc"))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken("abc"))
	assert.Equal(t, "", BearerToken(""))
}
