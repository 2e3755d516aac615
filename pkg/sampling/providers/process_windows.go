// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package providers

import (
	"fmt"
	"runtime"
	"strings"
	"unsafe"

	"github.com/antimetal/resmon/pkg/sampling"
	"github.com/go-logr/logr"
	"golang.org/x/sys/windows"
)

// Compile-time interface check
var _ sampling.ProcessResourceProvider = (*pdhProcessProvider)(nil)

// pdhProcessProvider samples per-process metrics from the "Process"
// performance counter category. The working-set counter is rebound to the
// resolved process name on every call because instance names follow process
// identity, not pid. The per-process CPU rate counter needs two collections
// to produce a value, so those are bound once per pid and kept until the
// process goes away; a pid's first sampled cycle reports CPU 0.
//
// A pid that cannot be resolved to a running process is an expected race
// (the process exited between placement enumeration and sampling) and
// degrades to zero values.
type pdhProcessProvider struct {
	logger logr.Logger
	query  *pdhQuery
	cores  int

	cpuCounters map[int32]uintptr
}

func newPDHProcessProvider(logger logr.Logger, config sampling.Config) (*pdhProcessProvider, error) {
	query, err := openPDHQuery()
	if err != nil {
		return nil, fmt.Errorf("creating process counter query: %w", err)
	}
	return &pdhProcessProvider{
		logger:      logger.WithName("process"),
		query:       query,
		cores:       runtime.NumCPU(),
		cpuCounters: make(map[int32]uintptr),
	}, nil
}

func (p *pdhProcessProvider) Sample(pid int32) (sampling.ProcessUsage, sampling.Reading) {
	name, err := resolveProcessName(pid)
	if err != nil {
		p.dropCPUCounter(pid)
		return sampling.ProcessUsage{}, sampling.Degraded(
			fmt.Errorf("resolving process %d: %w", pid, err))
	}

	cpuCounter, bound := p.cpuCounters[pid]
	if !bound {
		counter, err := p.query.addCounter(fmt.Sprintf(`\Process(%s)\%% Processor Time`, name))
		if err != nil {
			if !isExpectedCounterFailure(err) {
				return sampling.ProcessUsage{}, sampling.Fatal(err)
			}
		} else {
			p.cpuCounters[pid] = counter
			cpuCounter = counter
		}
	}

	workingSetPath := fmt.Sprintf(`\Process(%s)\Working Set - Private`, name)
	workingSetCounter, err := p.query.addCounter(workingSetPath)
	if err != nil {
		if isExpectedCounterFailure(err) {
			return sampling.ProcessUsage{}, sampling.Degraded(err)
		}
		return sampling.ProcessUsage{}, sampling.Fatal(err)
	}
	defer p.query.removeCounter(workingSetCounter)

	if err := p.query.collect(); err != nil {
		if isExpectedCounterFailure(err) {
			return sampling.ProcessUsage{}, sampling.Degraded(err)
		}
		return sampling.ProcessUsage{}, sampling.Fatal(err)
	}

	workingSetBytes, err := p.query.value(workingSetCounter, workingSetPath)
	if err != nil {
		if isExpectedCounterFailure(err) {
			return sampling.ProcessUsage{}, sampling.Degraded(err)
		}
		return sampling.ProcessUsage{}, sampling.Fatal(err)
	}
	if workingSetBytes < 0 {
		workingSetBytes = 0
	}

	var cpuPercent float64
	if cpuCounter != 0 {
		// Raw value is percent of one core; normalize to [0,100] across all
		// cores. A rate counter with a single collection yields an expected
		// invalid-data failure and the cycle reports 0.
		raw, err := p.query.value(cpuCounter, "% Processor Time")
		if err == nil {
			cpuPercent = raw / float64(p.cores)
		} else if !isExpectedCounterFailure(err) {
			return sampling.ProcessUsage{}, sampling.Fatal(err)
		}
	}
	if cpuPercent < 0 {
		cpuPercent = 0
	}
	if cpuPercent > 100 {
		cpuPercent = 100
	}

	return sampling.ProcessUsage{
		CPUPercent:          cpuPercent,
		PrivateWorkingSetMB: workingSetBytes / (1024 * 1024),
	}, sampling.OK()
}

func (p *pdhProcessProvider) dropCPUCounter(pid int32) {
	if counter, ok := p.cpuCounters[pid]; ok {
		p.query.removeCounter(counter)
		delete(p.cpuCounters, pid)
	}
}

// resolveProcessName finds the executable name (without extension) for pid
// via a toolhelp process snapshot.
func resolveProcessName(pid int32) (string, error) {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return "", fmt.Errorf("creating process snapshot: %w", err)
	}
	defer windows.CloseHandle(snapshot) //nolint:errcheck

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	if err := windows.Process32First(snapshot, &entry); err != nil {
		return "", fmt.Errorf("walking process snapshot: %w", err)
	}
	for {
		if int32(entry.ProcessID) == pid {
			name := windows.UTF16ToString(entry.ExeFile[:])
			return strings.TrimSuffix(name, ".exe"), nil
		}
		if err := windows.Process32Next(snapshot, &entry); err != nil {
			return "", fmt.Errorf("process %d not found", pid)
		}
	}
}
