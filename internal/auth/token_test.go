package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenManager_IssueAndVerify(t *testing.T) {
	m := NewTokenManager("test-secret", time.Hour)

	token, err := m.Issue(42)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	userID, err := m.Verify(token)
	require.NoError(t, err)
	assert.EqualValues(t, 42, userID)
}

func TestTokenManager_MissingVsInvalid(t *testing.T) {
	m := NewTokenManager("test-secret", time.Hour)

	// No token at all: unauthenticated.
	_, err := m.Verify("")
	assert.ErrorIs(t, err, ErrTokenMissing)

	// Unparseable garbage counts as missing too.
	_, err = m.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrTokenMissing)

	// Expired token: forbidden, distinct from missing.
	expired := NewTokenManager("test-secret", -time.Minute)
	token, err := expired.Issue(42)
	require.NoError(t, err)

	_, err = m.Verify(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	assert.NotErrorIs(t, err, ErrTokenMissing)
}

func TestTokenManager_RejectsForeignSignature(t *testing.T) {
	ours := NewTokenManager("secret-a", time.Hour)
	theirs := NewTokenManager("secret-b", time.Hour)

	token, err := theirs.Issue(7)
	require.NoError(t, err)

	_, err = ours.Verify(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
