package utils

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	log "github.com/sirupsen/logrus"
)

var (
	lastCPUTime   time.Time
	lastCPUUsage  float64
	cpuUsageMutex sync.Mutex
)

const cpuSampleMaxAge = 500 * time.Millisecond

// SystemStats holds current process and host statistics for the dashboard.
type SystemStats struct {
	NumCPU      int     `json:"num_cpu"`
	GoRoutines  int     `json:"go_routines"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryAlloc uint64  `json:"memory_alloc"`
	MemorySys   uint64  `json:"memory_sys"`

	ActiveRecordings int `json:"active_recordings"`

	Timestamp time.Time `json:"timestamp"`
}

// CollectSystemStats samples host CPU usage (cached briefly to avoid hammering
// /proc) and the Go runtime's memory counters.
func CollectSystemStats(activeRecordings int) SystemStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return SystemStats{
		NumCPU:           runtime.NumCPU(),
		GoRoutines:       runtime.NumGoroutine(),
		CPUUsage:         sampleCPUUsage(),
		MemoryAlloc:      mem.Alloc,
		MemorySys:        mem.Sys,
		ActiveRecordings: activeRecordings,
		Timestamp:        time.Now(),
	}
}

// sampleCPUUsage returns overall CPU utilisation, reusing the last sample if
// it is fresh enough.
func sampleCPUUsage() float64 {
	cpuUsageMutex.Lock()
	defer cpuUsageMutex.Unlock()

	if time.Since(lastCPUTime) < cpuSampleMaxAge {
		return lastCPUUsage
	}

	percentages, err := cpu.Percent(0, false)
	if err != nil || len(percentages) == 0 {
		log.Debugf("Failed to sample CPU usage: %v", err)
		return lastCPUUsage
	}

	lastCPUUsage = percentages[0]
	lastCPUTime = time.Now()
	return lastCPUUsage
}
