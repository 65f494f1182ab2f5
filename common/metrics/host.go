// Package metrics describes the host the service runs on and the runtime
// state reported by the health endpoint.
package metrics

import (
	"bufio"
	"bytes"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// Host holds static host information captured once at startup
type Host struct {
	OS               string `json:"os"`
	Arch             string `json:"arch"`
	Hostname         string `json:"hostname"`
	CPULogical       int    `json:"cpu_logical"`
	TotalMemoryMB    uint64 `json:"total_memory_mb"`
	GoVersion        string `json:"go_version"`
	InContainer      bool   `json:"in_container"`
	ContainerRuntime string `json:"container_runtime,omitempty"`
}

// memoryPerWorkerMB is what one scale-worker process may need for a large
// decode
const memoryPerWorkerMB = 512

var (
	host     *Host
	hostOnce sync.Once
)

// GetHost returns cached host information
func GetHost() *Host {
	hostOnce.Do(func() {
		host = captureHost()
	})
	return host
}

func captureHost() *Host {
	h := &Host{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		CPULogical: runtime.NumCPU(),
		GoVersion:  runtime.Version(),
	}

	if hostname, err := os.Hostname(); err == nil {
		h.Hostname = hostname
	} else {
		h.Hostname = "unknown"
	}

	h.InContainer, h.ContainerRuntime = detectContainer()
	if data, err := os.ReadFile("/proc/meminfo"); err == nil {
		h.TotalMemoryMB = parseMemTotal(data)
	}
	return h
}

// DefaultWorkers sizes the codec process pool: one per CPU, fewer when
// memory cannot hold that many decodes
func (h *Host) DefaultWorkers() int {
	n := h.CPULogical
	if h.TotalMemoryMB > 0 {
		n = min(n, int(h.TotalMemoryMB/memoryPerWorkerMB))
	}
	return max(n, 1)
}

func detectContainer() (bool, string) {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true, "docker"
	}
	if _, err := os.Stat("/var/run/secrets/kubernetes.io"); err == nil {
		return true, "kubernetes"
	}

	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		content := string(data)
		switch {
		case strings.Contains(content, "docker"):
			return true, "docker"
		case strings.Contains(content, "kubepods"):
			return true, "kubernetes"
		case strings.Contains(content, "containerd"):
			return true, "containerd"
		}
	}
	return false, ""
}

// parseMemTotal reads MemTotal (kB) from /proc/meminfo content, in MB
func parseMemTotal(data []byte) uint64 {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return 0
			}
			return kb / 1024
		}
	}
	return 0
}
