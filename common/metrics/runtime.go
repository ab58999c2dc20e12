package metrics

import (
	"os"
	"runtime"
	"sync"
	"time"
)

// SystemInfo holds static process information captured once at startup
// and logged so execution records can be correlated with the host.
type SystemInfo struct {
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	Hostname   string `json:"hostname"`
	CPULogical int    `json:"cpu_logical"`
	GoVersion  string `json:"go_version"`
}

var (
	systemInfo     *SystemInfo
	systemInfoOnce sync.Once
)

// GetSystemInfo returns cached system information
func GetSystemInfo() *SystemInfo {
	systemInfoOnce.Do(func() {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		systemInfo = &SystemInfo{
			OS:         runtime.GOOS,
			Arch:       runtime.GOARCH,
			Hostname:   hostname,
			CPULogical: runtime.NumCPU(),
			GoVersion:  runtime.Version(),
		}
	})
	return systemInfo
}

// ToArgs flattens the info into logger key/value pairs
func (si *SystemInfo) ToArgs() []any {
	return []any{
		"os", si.OS,
		"arch", si.Arch,
		"hostname", si.Hostname,
		"cpu_logical", si.CPULogical,
		"go_version", si.GoVersion,
	}
}

// RuntimeMetrics captures wall clock and heap deltas around a single node
// execution attempt.
type RuntimeMetrics struct {
	startedAt  time.Time
	finishedAt time.Time
	heapStart  uint64
	heapEnd    uint64
}

// CaptureStart snapshots the runtime at the beginning of an attempt
func CaptureStart() *RuntimeMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return &RuntimeMetrics{
		startedAt: time.Now(),
		heapStart: m.HeapAlloc,
	}
}

// Finalize snapshots the runtime at the end of an attempt
func (rm *RuntimeMetrics) Finalize() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	rm.finishedAt = time.Now()
	rm.heapEnd = m.HeapAlloc
}

// WallClock is the elapsed time between capture and finalize
func (rm *RuntimeMetrics) WallClock() time.Duration {
	if rm.finishedAt.IsZero() {
		return time.Since(rm.startedAt)
	}
	return rm.finishedAt.Sub(rm.startedAt)
}

// HeapDeltaBytes is the heap growth during the attempt. Negative when the
// collector ran mid-attempt.
func (rm *RuntimeMetrics) HeapDeltaBytes() int64 {
	return int64(rm.heapEnd) - int64(rm.heapStart)
}
