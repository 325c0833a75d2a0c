package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenManager_RequiresSecret(t *testing.T) {
	_, err := NewTokenManager("", time.Hour)
	assert.Error(t, err)
}

func TestTokenManager_IssueAndValidateRoundTrip(t *testing.T) {
	m, err := NewTokenManager("test-secret", time.Hour)
	require.NoError(t, err)

	token, exp, err := m.Issue("agent-1", "session-1", []string{"event:append:own"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", claims.AgentID)
	assert.Equal(t, "session-1", claims.SessionID)
	assert.Equal(t, []string{"event:append:own"}, claims.Capabilities)
}

func TestTokenManager_RejectsExpiredToken(t *testing.T) {
	m, err := NewTokenManager("test-secret", time.Millisecond)
	require.NoError(t, err)

	token, _, err := m.Issue("agent-1", "session-1", nil)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = m.Validate(token)
	assert.Error(t, err)
}

func TestTokenManager_ValidateServesCachedClaimsOnRepeatCalls(t *testing.T) {
	m, err := NewTokenManager("test-secret", time.Hour)
	require.NoError(t, err)

	token, _, err := m.Issue("agent-1", "session-1", []string{"event:append:own"})
	require.NoError(t, err)

	first, err := m.Validate(token)
	require.NoError(t, err)
	second, err := m.Validate(token)
	require.NoError(t, err)

	assert.Equal(t, first.AgentID, second.AgentID)
	assert.Equal(t, first.SessionID, second.SessionID)
}

func TestTokenManager_RejectsTokenFromDifferentSecret(t *testing.T) {
	m1, err := NewTokenManager("secret-one", time.Hour)
	require.NoError(t, err)
	m2, err := NewTokenManager("secret-two", time.Hour)
	require.NoError(t, err)

	token, _, err := m1.Issue("agent-1", "session-1", nil)
	require.NoError(t, err)

	_, err = m2.Validate(token)
	assert.Error(t, err)
}
