package resourceguard

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestShouldAcceptSubscribeRespectsRateLimit(t *testing.T) {
	g := New(Config{MaxSubscribesPerSec: 1, CPURejectThreshold: 100, SampleInterval: time.Second}, zerolog.Nop())

	accept, _ := g.ShouldAcceptSubscribe()
	require.True(t, accept, "burst should allow at least one immediate admission")

	var rejected bool
	for i := 0; i < 10; i++ {
		if accept, _ := g.ShouldAcceptSubscribe(); !accept {
			rejected = true
			break
		}
	}
	require.True(t, rejected, "rate limiter must eventually reject a burst beyond its configured rate")
}

func TestShouldAcceptSubscribeRejectsOverCPUThreshold(t *testing.T) {
	g := New(Config{MaxSubscribesPerSec: 1000, CPURejectThreshold: 50, SampleInterval: time.Second}, zerolog.Nop())
	g.currentCPU.Store(90.0)

	accept, reason := g.ShouldAcceptSubscribe()
	require.False(t, accept)
	require.NotEmpty(t, reason)
}

func TestCgroupMemoryLimitNoErrorWhenAbsent(t *testing.T) {
	// On a host with no cgroup memory controller files, this must not
	// error — it reports 0 (unconstrained) rather than failing.
	limit, err := CgroupMemoryLimit()
	require.NoError(t, err)
	require.GreaterOrEqual(t, limit, int64(0))
}
