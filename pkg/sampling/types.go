// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sampling

import (
	"fmt"
	"path/filepath"
	"runtime"
	"time"
)

// ResourceSnapshot bundles one sampling cycle's hardware and per-process
// measurements for a single node. A snapshot is assembled exactly once per
// cycle and is immutable afterwards; the dispatcher is its sole consumer.
type ResourceSnapshot struct {
	Timestamp time.Time       `json:"timestamp"`
	NodeID    string          `json:"nodeId"`
	Hardware  HardwareSample  `json:"hardware"`
	Processes []ProcessSample `json:"processes"`
}

// HardwareSample holds node-wide resource readings for one cycle.
type HardwareSample struct {
	// CPUPercent is the system-wide CPU utilization, clamped to [0,100].
	CPUPercent float64 `json:"cpuPercent"`
	// TotalMemoryBytes is the total usable physical memory.
	TotalMemoryBytes uint64 `json:"totalMemoryBytes"`
	// CommittedMemoryBytes is memory the OS has promised, not necessarily resident.
	CommittedMemoryBytes uint64 `json:"committedMemoryBytes"`
	// PercentMemoryUsed is CommittedMemoryBytes over TotalMemoryBytes, clamped to [0,100].
	PercentMemoryUsed float64 `json:"percentMemoryUsed"`
	// Volumes carries per-volume disk capacity and usage.
	Volumes []VolumeInfo `json:"volumes,omitempty"`
}

// ProcessSample holds one deployed process's resource readings.
// A sample for a process that exited mid-cycle is still emitted, with both
// metrics zeroed, rather than being omitted from the snapshot.
type ProcessSample struct {
	ProcessID           int32   `json:"processId"`
	ServiceID           string  `json:"serviceId"`
	CPUPercent          float64 `json:"cpuPercent"`
	PrivateWorkingSetMB float64 `json:"privateWorkingSetMB"`
}

// VolumeInfo describes capacity and usage of one mounted volume.
type VolumeInfo struct {
	MountPoint  string  `json:"mountPoint"`
	TotalBytes  uint64  `json:"totalBytes"`
	FreeBytes   uint64  `json:"freeBytes"`
	UsedPercent float64 `json:"usedPercent"`
}

// MemorySample is a MemoryProvider reading.
type MemorySample struct {
	TotalBytes     uint64
	CommittedBytes uint64
}

// ProcessUsage is a ProcessResourceProvider reading for a single process.
type ProcessUsage struct {
	CPUPercent          float64
	PrivateWorkingSetMB float64
}

const (
	DefaultInterval     = 5 * time.Second
	DefaultCycleTimeout = 30 * time.Second
	DefaultHostProcPath = "/proc"
	DefaultQueueDepth   = 8
	DefaultMaxInFlight  = 2
)

// Config holds the sampling layer's tunables. Interval and CycleTimeout are
// owned externally and consumed here as values.
type Config struct {
	// Interval between scheduled sampling ticks.
	Interval time.Duration
	// CycleTimeout bounds a single cycle's sampling work. It does not bound
	// dispatch, which is asynchronous to the cycle.
	CycleTimeout time.Duration
	// HostProcPath is the procfs mount point; override for containerized
	// environments where the host's /proc is mounted elsewhere.
	HostProcPath string
	// QueueDepth is the dispatch queue capacity. When the queue is full the
	// oldest queued snapshot is dropped.
	QueueDepth int
	// MaxInFlight caps concurrent snapshot deliveries to the aggregator.
	MaxInFlight int
}

// ApplyDefaults fills in zero-valued fields with defaults.
func (c *Config) ApplyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = DefaultCycleTimeout
	}
	if c.HostProcPath == "" {
		c.HostProcPath = DefaultHostProcPath
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", c.Interval)
	}
	if c.CycleTimeout <= 0 {
		return fmt.Errorf("cycle timeout must be positive, got %v", c.CycleTimeout)
	}
	if c.HostProcPath == "" {
		return fmt.Errorf("HostProcPath must not be empty")
	}
	// procfs is only consulted on Linux; the default "/proc" is not an
	// absolute path by Windows rules.
	if runtime.GOOS == "linux" && !filepath.IsAbs(c.HostProcPath) {
		return fmt.Errorf("HostProcPath must be an absolute path, got: %q", c.HostProcPath)
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("queue depth must be positive, got %d", c.QueueDepth)
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("max in-flight must be positive, got %d", c.MaxInFlight)
	}
	return nil
}
