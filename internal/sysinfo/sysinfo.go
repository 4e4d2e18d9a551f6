// Package sysinfo gathers the OS/arch/hardware snapshot and runtime usage
// metrics the Agent reports on every heartbeat, grounded in
// original_source/agent/system.py's get_system_info/get_runtime_metrics,
// reimplemented against /proc and golang.org/x/sys/unix instead of psutil.
package sysinfo

import (
	"bufio"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Snapshot is the OS/arch/hardware block of a heartbeat payload.
type Snapshot struct {
	OS struct {
		Name    string `json:"name"`
		Release string `json:"release"`
		Version string `json:"version"`
	} `json:"os"`
	Arch struct {
		Machine string `json:"machine"`
	} `json:"arch"`
	Hardware struct {
		Node      string `json:"node"`
		Processor string `json:"processor"`
		CPUCount  int    `json:"cpu_count"`
	} `json:"hardware"`
}

// Gather collects a static OS/arch/hardware snapshot.
func Gather() Snapshot {
	var s Snapshot
	s.OS.Name = capitalize(runtime.GOOS)
	s.OS.Release = kernelRelease()
	s.OS.Version = s.OS.Release
	s.Arch.Machine = runtime.GOARCH
	hostname, _ := os.Hostname()
	s.Hardware.Node = hostname
	s.Hardware.Processor = runtime.GOARCH
	s.Hardware.CPUCount = runtime.NumCPU()
	return s
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func kernelRelease() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "unknown"
	}
	return cString(uts.Release[:])
}

func cString(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// Usage is the normalized runtime metrics block of a heartbeat payload.
type Usage struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
	MemoryUsedBytes  int64   `json:"memory_used_bytes"`
	MemoryTotalBytes int64   `json:"memory_total_bytes"`
	StoragePercent   float64 `json:"storage_percent"`
	StorageUsedBytes int64   `json:"storage_used_bytes"`
	StorageTotalBytes int64  `json:"storage_total_bytes"`
}

// GatherUsage samples CPU, memory, and root-filesystem usage. CPU percent
// is measured over a short window (~200ms) of /proc/stat deltas, mirroring
// psutil's non-blocking interval=None semantics closely enough for a
// 10-second heartbeat cadence.
func GatherUsage() Usage {
	var u Usage
	u.CPUPercent = sampleCPUPercent(200 * time.Millisecond)

	if used, total, ok := memoryUsage(); ok {
		u.MemoryUsedBytes = used
		u.MemoryTotalBytes = total
		if total > 0 {
			u.MemoryPercent = round2(float64(used) / float64(total) * 100)
		}
	}

	if used, total, ok := diskUsage("/"); ok {
		u.StorageUsedBytes = used
		u.StorageTotalBytes = total
		if total > 0 {
			u.StoragePercent = round2(float64(used) / float64(total) * 100)
		}
	}
	return u
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

func sampleCPUPercent(window time.Duration) float64 {
	idle0, total0, ok := readCPUStat()
	if !ok {
		return 0
	}
	time.Sleep(window)
	idle1, total1, ok := readCPUStat()
	if !ok {
		return 0
	}
	dIdle := idle1 - idle0
	dTotal := total1 - total0
	if dTotal <= 0 {
		return 0
	}
	return round2((1 - float64(dIdle)/float64(dTotal)) * 100)
}

func readCPUStat() (idle, total uint64, ok bool) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, 0, false
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, false
	}
	var sum uint64
	var vals []uint64
	for _, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			continue
		}
		vals = append(vals, v)
		sum += v
	}
	if len(vals) < 4 {
		return 0, 0, false
	}
	return vals[3], sum, true
}

func memoryUsage() (used, total int64, ok bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	values := map[string]int64{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		fields := strings.Fields(parts[1])
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		values[parts[0]] = v * 1024 // kB -> bytes
	}
	totalB, ok1 := values["MemTotal"]
	availB, ok2 := values["MemAvailable"]
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	return totalB - availB, totalB, true
}

func diskUsage(path string) (used, total int64, ok bool) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, false
	}
	totalBytes := int64(stat.Blocks) * int64(stat.Bsize)
	freeBytes := int64(stat.Bfree) * int64(stat.Bsize)
	return totalBytes - freeBytes, totalBytes, true
}

// LocalIPv4 probes the machine's outbound-facing IPv4 address by connecting
// a UDP socket to a well-known address and reading the local endpoint
// getsockname assigned, without sending any packets -- no traffic actually
// leaves the host for a UDP "connect". Grounded in
// original_source/agent/system.py's reliance on psutil, generalized to the
// spec's explicit UDP-connect probe technique since Go has no psutil
// equivalent in the example pack.
func LocalIPv4(targets ...string) string {
	if len(targets) == 0 {
		targets = []string{"8.8.8.8:80", "1.1.1.1:80"}
	}
	for _, target := range targets {
		if ip := probeUDP(target); ip != "" {
			return ip
		}
	}
	return ""
}

func probeUDP(target string) string {
	conn, err := net.Dial("udp", target)
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}
