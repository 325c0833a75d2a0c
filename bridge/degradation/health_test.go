package degradation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewHealthChecker_AppliesDefaults(t *testing.T) {
	c := New(DefaultConfig(), nil, nil)
	h := NewHealthChecker(c, "", 0, 0, 0)

	assert.Equal(t, "/", h.mountPath)
	assert.Equal(t, float64(90), h.memoryThreshold)
	assert.Equal(t, float64(90), h.diskThreshold)
	assert.Equal(t, 5*time.Second, h.interval)
}

func TestNewHealthChecker_HonorsExplicitValues(t *testing.T) {
	c := New(DefaultConfig(), nil, nil)
	h := NewHealthChecker(c, "/data", 75, 80, time.Second)

	assert.Equal(t, "/data", h.mountPath)
	assert.Equal(t, float64(75), h.memoryThreshold)
	assert.Equal(t, float64(80), h.diskThreshold)
	assert.Equal(t, time.Second, h.interval)
}

func TestHealthChecker_SampleReadsHostMetrics(t *testing.T) {
	c := New(DefaultConfig(), nil, nil)
	h := NewHealthChecker(c, "/", 90, 90, time.Second)

	sample, err := h.Sample(context.Background())
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, sample.MemoryUsedPercent, float64(0))
	assert.GreaterOrEqual(t, sample.DiskUsedPercent, float64(0))
}
