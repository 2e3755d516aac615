// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package providers

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/antimetal/resmon/pkg/sampling"
	"github.com/go-logr/logr"
)

// Compile-time interface check
var _ sampling.CPUProvider = (*procCPUProvider)(nil)

// procCPUProvider computes system-wide CPU utilization from /proc/uptime,
// which exposes cumulative seconds since boot and cumulative idle seconds
// summed across all cores.
//
// The provider is stateful: it keeps the previous (uptime, idle) pair and the
// last computed value, and derives utilization from the deltas between
// consecutive reads. The first read after construction therefore yields the
// average utilization since boot. The delta state is owned exclusively by
// this instance with single-writer discipline; Utilization must not be
// called concurrently.
type procCPUProvider struct {
	logger     logr.Logger
	uptimePath string
	cores      int

	// delta state, single owner
	prevUptime float64
	prevIdle   float64
	lastValue  float64
}

func newProcCPUProvider(logger logr.Logger, config sampling.Config) *procCPUProvider {
	return &procCPUProvider{
		logger:     logger.WithName("cpu"),
		uptimePath: filepath.Join(config.HostProcPath, "uptime"),
		cores:      runtime.NumCPU(),
	}
}

// Utilization returns the CPU utilization percentage in [0,100].
//
// If uptime has not advanced since the previous call there is no new tick to
// measure, so the last computed value is returned unchanged. That is an
// idempotence contract (and avoids a zero-width delta), not stale caching.
func (p *procCPUProvider) Utilization() (float64, sampling.Reading) {
	uptime, idle, reading := p.readCounters()
	if reading.State != sampling.ReadOK {
		return 0, reading
	}

	if uptime == p.prevUptime {
		return p.lastValue, sampling.OK()
	}
	if uptime < p.prevUptime {
		// Counters went backwards (host rebooted or uptime was reset);
		// reseed and keep reporting the last value until the next tick.
		p.prevUptime = uptime
		p.prevIdle = idle
		return p.lastValue, sampling.OK()
	}

	deltaUptime := uptime - p.prevUptime
	deltaIdle := idle - p.prevIdle
	utilization := 100 - ((deltaIdle/deltaUptime)/float64(p.cores))*100

	// Numeric noise in the counters can push the result slightly past
	// either bound.
	if utilization < 0 {
		utilization = 0
	}
	if utilization > 100 {
		utilization = 100
	}

	p.prevUptime = uptime
	p.prevIdle = idle
	p.lastValue = utilization
	return utilization, sampling.OK()
}

// readCounters reads the (uptimeSeconds, idleSeconds) pair. An unreadable
// accounting source is reported per-call, distinct from a normal zero
// reading.
func (p *procCPUProvider) readCounters() (uptime, idle float64, reading sampling.Reading) {
	data, err := os.ReadFile(p.uptimePath)
	if err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			return 0, 0, sampling.Degraded(fmt.Errorf("reading %s: %w", p.uptimePath, err))
		}
		return 0, 0, sampling.Fatal(fmt.Errorf("reading %s: %w", p.uptimePath, err))
	}

	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, 0, sampling.Fatal(fmt.Errorf("unexpected format in %s: %q", p.uptimePath, string(data)))
	}
	uptime, err = strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, sampling.Fatal(fmt.Errorf("parsing uptime seconds from %s: %w", p.uptimePath, err))
	}
	idle, err = strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, sampling.Fatal(fmt.Errorf("parsing idle seconds from %s: %w", p.uptimePath, err))
	}
	return uptime, idle, sampling.OK()
}
