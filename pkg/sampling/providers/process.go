// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package providers

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/antimetal/resmon/pkg/sampling"
	"github.com/go-logr/logr"
)

// Compile-time interface check
var _ sampling.ProcessResourceProvider = (*procProcessProvider)(nil)

// lastCPUStaleAfter bounds how long per-pid CPU delta state survives without
// being sampled before a sweep reclaims it.
const lastCPUStaleAfter = 5 * time.Minute

// procProcessProvider samples one process's CPU% and private working set
// from /proc/[pid]/stat and /proc/[pid]/status.
//
// Private working set is estimated as VmRSS - RssFile: resident memory minus
// resident file-backed pages. CPU% comes from utime+stime deltas between
// consecutive samples of the same pid, normalized by wall time and core
// count.
//
// A process that exits between cycles is an expected race: any unreadable
// per-pid source degrades that sample to zero values, it never raises an
// error. The per-pid delta map is owned by this instance and Sample is not
// safe for concurrent callers.
type procProcessProvider struct {
	logger   logr.Logger
	procPath string
	cores    int
	userHZ   float64
	now      func() time.Time

	lastCPU map[int32]procCPUTime
}

type procCPUTime struct {
	totalTicks uint64
	at         time.Time
}

func newProcProcessProvider(logger logr.Logger, config sampling.Config) *procProcessProvider {
	return &procProcessProvider{
		logger:   logger.WithName("process"),
		procPath: config.HostProcPath,
		cores:    runtime.NumCPU(),
		userHZ:   100, // USER_HZ; fixed at 100 on every supported architecture
		now:      time.Now,
		lastCPU:  make(map[int32]procCPUTime),
	}
}

func (p *procProcessProvider) Sample(pid int32) (sampling.ProcessUsage, sampling.Reading) {
	cpuPercent, reading := p.sampleCPU(pid)
	if reading.State != sampling.ReadOK {
		return sampling.ProcessUsage{}, reading
	}

	workingSetMB, reading := p.sampleWorkingSet(pid)
	if reading.State != sampling.ReadOK {
		return sampling.ProcessUsage{}, reading
	}

	return sampling.ProcessUsage{
		CPUPercent:          cpuPercent,
		PrivateWorkingSetMB: workingSetMB,
	}, sampling.OK()
}

// sampleCPU reads /proc/[pid]/stat and computes CPU% against the previous
// sample of the same pid. The first sample of a pid establishes the baseline
// and reports 0.
func (p *procProcessProvider) sampleCPU(pid int32) (float64, sampling.Reading) {
	statPath := filepath.Join(p.procPath, strconv.Itoa(int(pid)), "stat")
	data, err := os.ReadFile(statPath)
	if err != nil {
		delete(p.lastCPU, pid)
		return 0, sampling.Degraded(fmt.Errorf("reading %s: %w", statPath, err))
	}

	totalTicks, err := parseStatCPUTicks(string(data))
	if err != nil {
		return 0, sampling.Fatal(fmt.Errorf("parsing %s: %w", statPath, err))
	}

	currentTime := p.now()
	var cpuPercent float64
	if prev, ok := p.lastCPU[pid]; ok && totalTicks >= prev.totalTicks {
		wall := currentTime.Sub(prev.at).Seconds()
		if wall > 0 {
			cpuSeconds := float64(totalTicks-prev.totalTicks) / p.userHZ
			cpuPercent = cpuSeconds / wall * 100 / float64(p.cores)
		}
	}
	if cpuPercent < 0 {
		cpuPercent = 0
	}
	if cpuPercent > 100 {
		cpuPercent = 100
	}

	p.lastCPU[pid] = procCPUTime{totalTicks: totalTicks, at: currentTime}
	p.sweepStale(currentTime)
	return cpuPercent, sampling.OK()
}

// parseStatCPUTicks extracts utime+stime from a /proc/[pid]/stat line. The
// comm field can contain spaces and parentheses, so fields are split after
// the last ')'.
func parseStatCPUTicks(stat string) (uint64, error) {
	lastParen := strings.LastIndex(stat, ")")
	if lastParen == -1 {
		return 0, fmt.Errorf("invalid stat format: no closing parenthesis")
	}
	fields := strings.Fields(strings.TrimSpace(stat[lastParen+1:]))
	if len(fields) < 13 {
		return 0, fmt.Errorf("invalid stat format: insufficient fields")
	}

	// utime and stime are fields 11 and 12 after comm, in clock ticks.
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing utime: %w", err)
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing stime: %w", err)
	}
	return utime + stime, nil
}

// sampleWorkingSet reads VmRSS and RssFile from /proc/[pid]/status and
// returns (VmRSS - RssFile) in megabytes. RssFile is absent on kernels older
// than 4.5; the estimate then falls back to full VmRSS.
func (p *procProcessProvider) sampleWorkingSet(pid int32) (float64, sampling.Reading) {
	statusPath := filepath.Join(p.procPath, strconv.Itoa(int(pid)), "status")
	file, err := os.Open(statusPath)
	if err != nil {
		return 0, sampling.Degraded(fmt.Errorf("opening %s: %w", statusPath, err))
	}
	defer file.Close()

	var vmRSSKB, rssFileKB int64
	haveVmRSS := false
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 {
			continue
		}
		switch strings.TrimSuffix(parts[0], ":") {
		case "VmRSS":
			if v, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
				vmRSSKB = v
				haveVmRSS = true
			}
		case "RssFile":
			if v, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
				rssFileKB = v
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, sampling.Degraded(fmt.Errorf("reading %s: %w", statusPath, err))
	}
	if !haveVmRSS {
		return 0, sampling.Degraded(fmt.Errorf("VmRSS missing from %s", statusPath))
	}

	privateKB := vmRSSKB - rssFileKB
	if privateKB < 0 {
		privateKB = 0
	}
	return float64(privateKB) / 1024, sampling.OK()
}

// sweepStale drops delta state for pids that have not been sampled recently,
// so pids leaving the deployed set do not accumulate forever.
func (p *procProcessProvider) sweepStale(currentTime time.Time) {
	for pid, entry := range p.lastCPU {
		if currentTime.Sub(entry.at) > lastCPUStaleAfter {
			delete(p.lastCPU, pid)
		}
	}
}
