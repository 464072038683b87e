package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionPayloadRoundTrip(t *testing.T) {
	s := NewSigner("test-secret")

	payload, err := s.SessionPayload("ss-1", "vm-42", time.Now().Add(10*time.Minute))
	require.NoError(t, err)
	require.NotEmpty(t, payload)

	ssID, machineID, err := s.ParseSessionPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, "ss-1", ssID)
	assert.Equal(t, "vm-42", machineID)
}

func TestSessionPayloadExpires(t *testing.T) {
	s := NewSigner("test-secret")

	payload, err := s.SessionPayload("ss-1", "vm-42", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, _, err = s.ParseSessionPayload(payload)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestSessionPayloadRejectsWrongSecret(t *testing.T) {
	payload, err := NewSigner("secret-a").SessionPayload("ss-1", "vm-42", time.Now().Add(10*time.Minute))
	require.NoError(t, err)

	_, _, err = NewSigner("secret-b").ParseSessionPayload(payload)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyOperator(t *testing.T) {
	s := NewSigner("test-secret")

	bearer, err := s.OperatorToken("tech-7", time.Hour)
	require.NoError(t, err)
	assert.NoError(t, s.VerifyOperator(bearer))
}

func TestVerifyOperatorRejectsSessionToken(t *testing.T) {
	s := NewSigner("test-secret")

	// A QR session payload is a valid token but carries no role.
	payload, err := s.SessionPayload("ss-1", "vm-42", time.Now().Add(10*time.Minute))
	require.NoError(t, err)

	assert.ErrorIs(t, s.VerifyOperator(payload), ErrNotOperator)
}

func TestVerifyOperatorRejectsExpired(t *testing.T) {
	s := NewSigner("test-secret")

	bearer, err := s.OperatorToken("tech-7", -time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, s.VerifyOperator(bearer), ErrTokenInvalid)
}
