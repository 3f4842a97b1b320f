// Package resourceguard provides admission control for new Subscribe
// streams: a token-bucket rate limiter plus a CPU safety brake, adapted
// from the teacher's ResourceGuard (resource_guard.go), and cgroup-aware
// memory-limit detection (cgroup.go) that is reported for health only and
// not enforced at admission. Sluice has no NATS/broadcast
// rate limiters to guard — its analogous hot path is the rate of new
// subscribe streams — so this keeps the teacher's static-configuration
// philosophy and swaps in that one limiter.
package resourceguard

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"
)

// Config carries the static limits the guard enforces.
type Config struct {
	MaxSubscribesPerSec float64
	CPURejectThreshold  float64
	SampleInterval      time.Duration
}

// Guard enforces admission control on new subscribe streams.
type Guard struct {
	cfg    Config
	logger zerolog.Logger

	subscribeLimiter *rate.Limiter

	currentCPU atomic.Value // float64
}

// New constructs a Guard. currentCPU starts at 0 until the first
// UpdateResources sample lands.
func New(cfg Config, logger zerolog.Logger) *Guard {
	burst := int(cfg.MaxSubscribesPerSec * 2)
	if burst < 1 {
		burst = 1
	}
	g := &Guard{
		cfg:              cfg,
		logger:           logger,
		subscribeLimiter: rate.NewLimiter(rate.Limit(cfg.MaxSubscribesPerSec), burst),
	}
	g.currentCPU.Store(0.0)
	return g
}

// ShouldAcceptSubscribe reports whether a new subscribe stream may be
// admitted: within the configured rate, and CPU is below the reject
// threshold.
func (g *Guard) ShouldAcceptSubscribe() (accept bool, reason string) {
	currentCPU := g.currentCPU.Load().(float64)
	if currentCPU > g.cfg.CPURejectThreshold {
		g.logger.Warn().
			Float64("cpu_percent", currentCPU).
			Float64("threshold", g.cfg.CPURejectThreshold).
			Msg("subscribe rejected: cpu over threshold")
		return false, fmt.Sprintf("cpu %.1f%% > %.1f%%", currentCPU, g.cfg.CPURejectThreshold)
	}
	if !g.subscribeLimiter.Allow() {
		g.logger.Warn().Msg("subscribe rejected: rate limit exceeded")
		return false, "subscribe rate limit exceeded"
	}
	return true, ""
}

// UpdateResources samples current CPU usage. Call this periodically
// (StartMonitoring does so automatically).
func (g *Guard) UpdateResources() {
	percents, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		g.logger.Error().Err(err).Msg("failed to sample cpu usage")
		return
	}
	if len(percents) > 0 {
		g.currentCPU.Store(percents[0])
	}
}

// StartMonitoring runs UpdateResources on cfg.SampleInterval until ctx
// is cancelled.
func (g *Guard) StartMonitoring(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SampleInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.UpdateResources()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// CurrentCPU returns the last sampled CPU percentage.
func (g *Guard) CurrentCPU() float64 {
	return g.currentCPU.Load().(float64)
}

// CgroupMemoryLimit returns the container memory limit in bytes,
// supporting both cgroup v2 (memory.max) and v1
// (memory.limit_in_bytes). Returns 0 if no limit is detected (bare
// metal / unconstrained).
func CgroupMemoryLimit() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		return strconv.ParseInt(limitStr, 10, 64)
	}
	return 0, nil
}

// NumGoroutine is exposed for health-check reporting (spec §6
// health surface is an ambient concern, not part of the wire protocol).
func NumGoroutine() int {
	return runtime.NumGoroutine()
}
