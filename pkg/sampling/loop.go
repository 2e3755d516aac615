// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sampling

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/antimetal/resmon/pkg/host"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// Loop drives the periodic sampling cycle: wait for the next scheduled tick,
// pull a hardware sample, sample each deployed process sequentially, assemble
// a ResourceSnapshot, and hand it to the dispatcher without awaiting
// delivery. One Loop runs per node and is the sole steady-state caller of the
// provider handle.
type Loop struct {
	config     Config
	logger     logr.Logger
	nodeName   string
	providers  *Providers
	placement  Placement
	dispatcher *dispatcher
}

type LoopOptions struct {
	Config    Config
	Logger    logr.Logger
	NodeName  string
	Providers *Providers
	Placement Placement
	Transport Transport
}

func NewLoop(opts LoopOptions) (*Loop, error) {
	if opts.Logger.GetSink() == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts.Providers == nil {
		return nil, fmt.Errorf("providers handle is required")
	}
	if opts.Placement == nil {
		return nil, fmt.Errorf("placement collaborator is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	// Get node name from environment if not provided
	nodeName := opts.NodeName
	if nodeName == "" {
		resolved, err := host.NodeName()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve node name: %w", err)
		}
		nodeName = resolved
	}

	config := opts.Config
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger.WithName("sampling-loop")
	return &Loop{
		config:     config,
		logger:     logger,
		nodeName:   nodeName,
		providers:  opts.Providers,
		placement:  opts.Placement,
		dispatcher: newDispatcher(opts.Transport, nodeName, config, opts.Logger),
	}, nil
}

// NodeName returns the node name snapshots are attributed to.
func (l *Loop) NodeName() string {
	return l.nodeName
}

// Run executes the sampling loop until ctx is cancelled. A fatal reading
// aborts the loop and the error is returned to the caller, which decides
// whether to restart. Cancellation returns nil.
func (l *Loop) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return l.dispatcher.run(gctx)
	})
	g.Go(func() error {
		return l.runCycles(gctx)
	})
	return g.Wait()
}

func (l *Loop) runCycles(ctx context.Context) error {
	l.logger.Info("sampling started",
		"node", l.nodeName,
		"interval", l.config.Interval,
		"cycleTimeout", l.config.CycleTimeout)

	// Ticks are scheduled from a fixed epoch so that sampling or dispatch
	// latency cannot stretch the cadence.
	epoch := time.Now()
	for tick := 1; ; tick++ {
		next := epoch.Add(time.Duration(tick) * l.config.Interval)
		if !sleepUntil(ctx, next) {
			l.logger.Info("sampling stopped", "node", l.nodeName)
			return nil
		}

		snapshot, err := l.sampleCycle(ctx)
		if err != nil {
			return err
		}
		if snapshot == nil {
			// Wholly skipped cycle; nothing is dispatched.
			continue
		}

		// Cancellation observed before dispatch suppresses this cycle's
		// snapshot. Once enqueued, the dispatch is committed.
		if ctx.Err() != nil {
			l.logger.Info("sampling stopped", "node", l.nodeName)
			return nil
		}
		l.dispatcher.enqueue(snapshot)
	}
}

// sleepUntil blocks until deadline or ctx cancellation. It returns false if
// the wait was cancelled.
func sleepUntil(ctx context.Context, deadline time.Time) bool {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return ctx.Err() == nil
	}
}

// sampleCycle produces one snapshot. It returns (nil, nil) for a wholly
// skipped cycle: cycle timeout exceeded or the placement lookup failed. Both
// are logged so a skipped cycle is distinguishable from a snapshot carrying
// degraded zero readings.
func (l *Loop) sampleCycle(ctx context.Context) (*ResourceSnapshot, error) {
	cctx, cancel := context.WithTimeout(ctx, l.config.CycleTimeout)
	defer cancel()

	hardware, err := l.sampleHardware()
	if err != nil {
		return nil, err
	}
	// Provider reads are synchronous; a stalled hardware pass is caught
	// here so it skips the cycle instead of running unbounded.
	if cctx.Err() != nil {
		l.logger.Info("skipping cycle: hardware sampling exceeded cycle timeout",
			"timeout", l.config.CycleTimeout)
		return nil, nil
	}

	deployed, err := l.placement.ListDeployedProcesses(cctx, l.nodeName)
	if err != nil {
		l.logger.Error(err, "skipping cycle: placement lookup failed", "node", l.nodeName)
		return nil, nil
	}

	// Deterministic order so consumers see stable sequences.
	pids := make([]int32, 0, len(deployed))
	for pid := range deployed {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	// Processes are sampled sequentially on purpose: fanning out would
	// momentarily spike the very CPU load being measured.
	processes := make([]ProcessSample, 0, len(pids))
	for _, pid := range pids {
		if cctx.Err() != nil {
			l.logger.Info("skipping cycle: sampling exceeded cycle timeout",
				"timeout", l.config.CycleTimeout, "sampled", len(processes), "deployed", len(pids))
			return nil, nil
		}

		usage, reading := l.providers.Process.Sample(pid)
		switch reading.State {
		case ReadDegraded:
			l.logger.V(1).Info("process sample degraded to zero",
				"pid", pid, "service", deployed[pid], "reason", reading.Err)
			usage = ProcessUsage{}
		case ReadFatal:
			return nil, fmt.Errorf("sampling process %d: %w", pid, reading.Err)
		}
		processes = append(processes, ProcessSample{
			ProcessID:           pid,
			ServiceID:           deployed[pid],
			CPUPercent:          usage.CPUPercent,
			PrivateWorkingSetMB: usage.PrivateWorkingSetMB,
		})
	}

	return &ResourceSnapshot{
		Timestamp: time.Now(),
		NodeID:    l.nodeName,
		Hardware:  hardware,
		Processes: processes,
	}, nil
}

func (l *Loop) sampleHardware() (HardwareSample, error) {
	var hw HardwareSample

	cpu, reading := l.providers.CPU.Utilization()
	switch reading.State {
	case ReadDegraded:
		l.logger.V(1).Info("cpu reading degraded to zero", "reason", reading.Err)
		cpu = 0
	case ReadFatal:
		return hw, fmt.Errorf("reading cpu utilization: %w", reading.Err)
	}
	hw.CPUPercent = cpu

	mem, reading := l.providers.Memory.Committed()
	switch reading.State {
	case ReadDegraded:
		l.logger.V(1).Info("memory reading degraded to zero", "reason", reading.Err)
		mem = MemorySample{}
	case ReadFatal:
		return hw, fmt.Errorf("reading committed memory: %w", reading.Err)
	}
	hw.TotalMemoryBytes = mem.TotalBytes
	hw.CommittedMemoryBytes = mem.CommittedBytes
	if mem.TotalBytes > 0 {
		pct := float64(mem.CommittedBytes) / float64(mem.TotalBytes) * 100
		hw.PercentMemoryUsed = clampPercent(pct)
	}

	volumes, reading := l.providers.Volume.Volumes()
	switch reading.State {
	case ReadDegraded:
		l.logger.V(1).Info("volume readings degraded", "reason", reading.Err)
		volumes = nil
	case ReadFatal:
		return hw, fmt.Errorf("reading volumes: %w", reading.Err)
	}
	hw.Volumes = volumes

	return hw, nil
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
