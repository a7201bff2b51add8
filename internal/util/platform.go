package util

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemInfo holds information about the host system.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUModel     string `json:"cpu_model"`
	CPUCores     int    `json:"cpu_cores"`
	TotalMemory  uint64 `json:"total_memory_mb"`
}

// GetSystemInfo gathers system information. Fields that cannot be read
// are left empty.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if hostInfo, err := host.Info(); err == nil {
		info.OS = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
	}
	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = memInfo.Total / (1024 * 1024)
	}

	return info
}

// ProcessStats is a resource snapshot of the running ConnectServer.
type ProcessStats struct {
	PID        int32         `json:"pid"`
	CPUPercent float64       `json:"cpu_percent"`
	RSSMB      uint64        `json:"rss_mb"`
	Goroutines int           `json:"goroutines"`
	Uptime     time.Duration `json:"uptime_ns"`
}

var (
	selfOnce  sync.Once
	self      *process.Process
	startedAt = time.Now()
)

// GetProcessStats samples CPU and memory of the current process.
func GetProcessStats() ProcessStats {
	stats := ProcessStats{
		PID:        int32(os.Getpid()),
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(startedAt),
	}

	selfOnce.Do(func() {
		self, _ = process.NewProcess(stats.PID)
	})
	if self == nil {
		return stats
	}
	if pct, err := self.CPUPercent(); err == nil {
		stats.CPUPercent = pct
	}
	if memInfo, err := self.MemoryInfo(); err == nil {
		stats.RSSMB = memInfo.RSS / (1024 * 1024)
	}
	return stats
}
