package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_AllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(map[OperationClass]ClassLimit{
		"validate": {RequestsPerSecond: 1, Burst: 3},
	})

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("validate", "agent-1"), "request %d should be within burst", i)
	}
	assert.False(t, rl.Allow("validate", "agent-1"), "fourth request should exceed the burst")
}

func TestRateLimiter_BucketsArePerAgent(t *testing.T) {
	rl := NewRateLimiter(map[OperationClass]ClassLimit{
		"validate": {RequestsPerSecond: 1, Burst: 1},
	})

	assert.True(t, rl.Allow("validate", "agent-1"))
	assert.False(t, rl.Allow("validate", "agent-1"))
	assert.True(t, rl.Allow("validate", "agent-2"), "a different agent has its own bucket")
}

func TestRateLimiter_BucketsArePerClass(t *testing.T) {
	rl := NewRateLimiter(map[OperationClass]ClassLimit{
		"validate":           {RequestsPerSecond: 1, Burst: 1},
		"elicitation:create": {RequestsPerSecond: 1, Burst: 1},
	})

	assert.True(t, rl.Allow("validate", "agent-1"))
	assert.False(t, rl.Allow("validate", "agent-1"))
	assert.True(t, rl.Allow("elicitation:create", "agent-1"), "a different class has its own bucket")
}

func TestRateLimiter_CheckReturnsRateLimitedError(t *testing.T) {
	rl := NewRateLimiter(map[OperationClass]ClassLimit{
		"validate": {RequestsPerSecond: 1, Burst: 1},
	})

	assert.NoError(t, rl.Check("validate", "agent-1"))
	assert.Error(t, rl.Check("validate", "agent-1"))
}

func TestRateLimiter_Reset(t *testing.T) {
	rl := NewRateLimiter(map[OperationClass]ClassLimit{
		"validate": {RequestsPerSecond: 1, Burst: 1},
	})
	rl.Allow("validate", "agent-1")
	rl.Reset()
	assert.True(t, rl.Allow("validate", "agent-1"), "reset should clear the bucket")
}
