// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sampling

import "context"

// CPUProvider reports system-wide instantaneous CPU utilization.
type CPUProvider interface {
	// Utilization returns the current CPU utilization percentage in [0,100].
	// Metric reads are not designed for concurrent invocation: the Linux
	// implementation owns mutable delta state with single-writer discipline.
	Utilization() (float64, Reading)
}

// MemoryProvider reports system-wide memory totals and committed bytes.
type MemoryProvider interface {
	Committed() (MemorySample, Reading)
}

// ProcessResourceProvider reports per-process CPU% and private working set.
type ProcessResourceProvider interface {
	// Sample reads the given process's resource usage. A process that has
	// exited yields a zeroed ProcessUsage with a degraded Reading, never an
	// error.
	Sample(pid int32) (ProcessUsage, Reading)
}

// VolumeProvider reports per-volume disk capacity and usage.
type VolumeProvider interface {
	Volumes() ([]VolumeInfo, Reading)
}

// Providers is an immutable handle bundling one provider instance per metric
// family. It is produced exactly once per process by the platform factory and
// passed by reference into the sampling loop; there is no hidden global
// accessor for individual providers.
type Providers struct {
	CPU     CPUProvider
	Memory  MemoryProvider
	Process ProcessResourceProvider
	Volume  VolumeProvider
}

// Transport delivers serialized snapshots to the aggregator. Delivery is
// one-way: the caller neither awaits nor inspects aggregator-side processing.
type Transport interface {
	DeliverSnapshot(ctx context.Context, nodeName string, payload []byte) error
}

// Placement enumerates the processes deployed on a node. The mapping is
// supplied externally and treated as a trusted, possibly-stale view.
type Placement interface {
	// ListDeployedProcesses returns the current process id to service
	// identifier mapping for the node.
	ListDeployedProcesses(ctx context.Context, nodeName string) (map[int32]string, error)
}
