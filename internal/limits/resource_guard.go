package limits

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/adred-codev/cs_gateway/internal/monitoring"
	"github.com/adred-codev/cs_gateway/internal/types"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// GuardConfig holds the static limits enforced by ResourceGuard.
type GuardConfig struct {
	MaxConnections     int
	CPURejectThreshold float64 // Reject new connections above this CPU %
	MemoryLimit        int64   // Reject new connections above this RSS (bytes)
}

// ResourceGuard enforces static resource limits at connection admission.
//
// Checks are made against values sampled by StartMonitoring, never
// measured on the upgrade path itself.
type ResourceGuard struct {
	config GuardConfig
	logger zerolog.Logger

	proc *process.Process

	currentCPU    atomic.Value // float64
	currentMemory atomic.Value // int64 (bytes)

	currentConns *int64 // Pointer to the gateway's current connection count
}

// NewResourceGuard creates a guard reading the live connection count from currentConns.
func NewResourceGuard(config GuardConfig, logger zerolog.Logger, currentConns *int64) *ResourceGuard {
	rg := &ResourceGuard{
		config:       config,
		logger:       logger.With().Str("component", "resource_guard").Logger(),
		currentConns: currentConns,
	}
	rg.currentCPU.Store(0.0)
	rg.currentMemory.Store(int64(0))

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		rg.logger.Warn().Err(err).Msg("Process stats unavailable, CPU and memory brakes disabled")
	} else {
		rg.proc = proc
	}

	monitoring.SetMaxConnections(config.MaxConnections)

	rg.logger.Info().
		Int("max_connections", config.MaxConnections).
		Float64("cpu_reject_threshold", config.CPURejectThreshold).
		Int64("memory_limit_mb", config.MemoryLimit/(1024*1024)).
		Msg("ResourceGuard initialized")

	return rg
}

// ShouldAcceptConnection checks if a new connection can be accepted
//
// Checks (in order):
//  1. Hard connection limit
//  2. CPU emergency brake
//  3. Memory emergency brake
func (rg *ResourceGuard) ShouldAcceptConnection() (accept bool, reason string) {
	currentConns := atomic.LoadInt64(rg.currentConns)
	currentCPU := rg.currentCPU.Load().(float64)
	currentMemory := rg.currentMemory.Load().(int64)

	if currentConns >= int64(rg.config.MaxConnections) {
		monitoring.IncrementCapacityRejection("at_max_connections")
		return false, fmt.Sprintf("at max connections (%d)", rg.config.MaxConnections)
	}

	if rg.config.CPURejectThreshold > 0 && currentCPU > rg.config.CPURejectThreshold {
		monitoring.IncrementCapacityRejection("cpu_overload")
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", currentCPU, rg.config.CPURejectThreshold)
	}

	if rg.config.MemoryLimit > 0 && currentMemory > rg.config.MemoryLimit {
		monitoring.IncrementCapacityRejection("memory_limit")
		return false, "memory limit exceeded"
	}

	return true, ""
}

// StartMonitoring samples process CPU and memory every interval until ctx is done.
// Samples are also copied into stats for the /health endpoint.
func (rg *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration, stats *types.Stats) {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	go func() {
		defer monitoring.RecoverPanic(rg.logger, "resourceGuardMonitor", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rg.sample(stats)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (rg *ResourceGuard) sample(stats *types.Stats) {
	var cpuPercent float64
	var rss int64

	if rg.proc != nil {
		if pct, err := rg.proc.CPUPercent(); err == nil {
			cpuPercent = pct / float64(runtime.GOMAXPROCS(0))
		}
		if mem, err := rg.proc.MemoryInfo(); err == nil {
			rss = int64(mem.RSS)
		}
	}

	rg.currentCPU.Store(cpuPercent)
	rg.currentMemory.Store(rss)

	if stats != nil {
		stats.Mu.Lock()
		stats.CPUPercent = cpuPercent
		stats.MemoryMB = float64(rss) / (1024 * 1024)
		stats.Mu.Unlock()
	}

	monitoring.UpdateSystemMetrics(cpuPercent, rss, runtime.NumGoroutine())
}
