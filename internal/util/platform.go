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

const mib = 1024 * 1024

// SystemInfo describes the machine the server runs on.
type SystemInfo struct {
	Platform     string    `json:"platform"`
	Hostname     string    `json:"hostname"`
	OS           string    `json:"os"`
	Kernel       string    `json:"kernel"`
	Architecture string    `json:"architecture"`
	CPUModel     string    `json:"cpu_model"`
	CPUCores     int       `json:"cpu_cores"`
	TotalMemory  uint64    `json:"total_memory_mb"`
	BootTime     time.Time `json:"boot_time"`
	GoVersion    string    `json:"go_version"`
}

// GetSystemInfo gathers system information. Fields gopsutil cannot read on
// this platform are left empty.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		Platform:     runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	if hostInfo, err := host.Info(); err == nil {
		info.OS = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
		info.Kernel = hostInfo.KernelVersion
		info.BootTime = time.Unix(int64(hostInfo.BootTime), 0).UTC()
	}

	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = memInfo.Total / mib
	}

	return info
}

var (
	selfOnce sync.Once
	self     *process.Process
	selfErr  error
)

// selfProcess returns the gopsutil handle for this server process.
func selfProcess() (*process.Process, error) {
	selfOnce.Do(func() {
		self, selfErr = process.NewProcess(int32(os.Getpid()))
	})
	return self, selfErr
}

// CPUUsage reports machine-wide load next to what the server itself uses.
type CPUUsage struct {
	SystemPercent  float64 `json:"system_percent"`
	ProcessPercent float64 `json:"process_percent"`
	Cores          int     `json:"cores"`
}

// GetCPUUsage samples CPU usage. The process figure is averaged over the
// process lifetime.
func GetCPUUsage() (*CPUUsage, error) {
	usage := &CPUUsage{Cores: runtime.NumCPU()}

	percentages, err := cpu.Percent(0, false)
	if err != nil {
		return nil, err
	}
	if len(percentages) > 0 {
		usage.SystemPercent = percentages[0]
	}

	if proc, err := selfProcess(); err == nil {
		if p, err := proc.CPUPercent(); err == nil {
			usage.ProcessPercent = p
		}
	}
	return usage, nil
}

// MemoryUsage describes system memory and the server process footprint.
type MemoryUsage struct {
	Total       uint64  `json:"total_mb"`
	Used        uint64  `json:"used_mb"`
	Available   uint64  `json:"available_mb"`
	UsedPercent float64 `json:"used_percent"`

	ProcessRSS uint64 `json:"process_rss_mb"`
	Threads    int32  `json:"threads"`
	OpenFiles  int32  `json:"open_files"`
	Goroutines int    `json:"goroutines"`
}

// GetMemoryUsage returns system memory usage and the resources held by this
// process. Open files include every peer socket.
func GetMemoryUsage() (*MemoryUsage, error) {
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}

	usage := &MemoryUsage{
		Total:       memInfo.Total / mib,
		Used:        memInfo.Used / mib,
		Available:   memInfo.Available / mib,
		UsedPercent: memInfo.UsedPercent,
		Goroutines:  runtime.NumGoroutine(),
	}

	if proc, err := selfProcess(); err == nil {
		if rss, err := proc.MemoryInfo(); err == nil {
			usage.ProcessRSS = rss.RSS / mib
		}
		if n, err := proc.NumThreads(); err == nil {
			usage.Threads = n
		}
		if n, err := proc.NumFDs(); err == nil {
			usage.OpenFiles = n
		}
	}

	return usage, nil
}

// FileExists checks if a file or directory exists at the given path.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
