package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidateRoundTrip(t *testing.T) {
	svc := NewTokenService("test-secret-at-least-32-bytes-long", time.Hour)

	token, err := svc.Issue("alice")
	require.NoError(t, err)

	username, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", username)
}

func TestValidateRejectsGarbage(t *testing.T) {
	svc := NewTokenService("test-secret-at-least-32-bytes-long", time.Hour)
	_, err := svc.Validate("not-a-real-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsExpired(t *testing.T) {
	svc := NewTokenService("test-secret-at-least-32-bytes-long", -time.Hour)
	token, err := svc.Issue("alice")
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	svc1 := NewTokenService("secret-one-at-least-32-bytes-long!!", time.Hour)
	svc2 := NewTokenService("secret-two-at-least-32-bytes-long!!", time.Hour)

	token, err := svc1.Issue("alice")
	require.NoError(t, err)

	_, err = svc2.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
