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
	"strconv"
	"testing"
	"time"

	"github.com/antimetal/resmon/pkg/sampling"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createProcessTestProvider(t *testing.T) *procProcessProvider {
	config := sampling.Config{HostProcPath: t.TempDir()}
	config.ApplyDefaults()
	provider := newProcProcessProvider(logr.Discard(), config)
	provider.cores = 1
	return provider
}

// writeProcessStat writes a /proc/[pid]/stat line with the given utime and
// stime tick counts. The comm field deliberately contains a space and
// parentheses to exercise the last-')' split.
func writeProcessStat(t *testing.T, procDir string, pid int32, utime, stime uint64) {
	pidDir := filepath.Join(procDir, strconv.Itoa(int(pid)))
	require.NoError(t, os.MkdirAll(pidDir, 0755))
	stat := fmt.Sprintf("%d (my (cmd)) S 1 1 1 0 -1 4194304 100 0 0 0 %d %d 0 0 20 0 1 0 1000 1000000 100 18446744073709551615",
		pid, utime, stime)
	require.NoError(t, os.WriteFile(filepath.Join(pidDir, "stat"), []byte(stat), 0644))
}

func writeProcessStatus(t *testing.T, procDir string, pid int32, content string) {
	pidDir := filepath.Join(procDir, strconv.Itoa(int(pid)))
	require.NoError(t, os.MkdirAll(pidDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(pidDir, "status"), []byte(content), 0644))
}

func TestProcessProvider_ExitedProcessDegradesToZero(t *testing.T) {
	provider := createProcessTestProvider(t)

	usage, reading := provider.Sample(4242)
	assert.Equal(t, sampling.ReadDegraded, reading.State)
	assert.Error(t, reading.Err)
	assert.Equal(t, sampling.ProcessUsage{}, usage)
}

func TestProcessProvider_WorkingSetSubtractsFileBacked(t *testing.T) {
	provider := createProcessTestProvider(t)
	writeProcessStat(t, provider.procPath, 100, 0, 0)
	writeProcessStatus(t, provider.procPath, 100, `Name:	mycmd
VmRSS:	10240 kB
RssFile:	4096 kB
`)

	usage, reading := provider.Sample(100)
	require.Equal(t, sampling.ReadOK, reading.State)
	// (10240 - 4096) kB = 6 MB
	assert.InDelta(t, 6.0, usage.PrivateWorkingSetMB, 0.0001)
}

func TestProcessProvider_WorkingSetFallsBackWithoutRssFile(t *testing.T) {
	provider := createProcessTestProvider(t)
	writeProcessStat(t, provider.procPath, 100, 0, 0)
	writeProcessStatus(t, provider.procPath, 100, `Name:	mycmd
VmRSS:	2048 kB
`)

	usage, reading := provider.Sample(100)
	require.Equal(t, sampling.ReadOK, reading.State)
	assert.InDelta(t, 2.0, usage.PrivateWorkingSetMB, 0.0001)
}

func TestProcessProvider_MissingVmRSSDegrades(t *testing.T) {
	provider := createProcessTestProvider(t)
	writeProcessStat(t, provider.procPath, 100, 0, 0)
	writeProcessStatus(t, provider.procPath, 100, `Name:	mycmd
Threads:	4
`)

	_, reading := provider.Sample(100)
	assert.Equal(t, sampling.ReadDegraded, reading.State)
	require.Error(t, reading.Err)
	assert.Contains(t, reading.Err.Error(), "VmRSS")
}

func TestProcessProvider_CPUDeltaBetweenSamples(t *testing.T) {
	provider := createProcessTestProvider(t)
	writeProcessStatus(t, provider.procPath, 100, "VmRSS:\t1024 kB\n")

	clock := time.Unix(1000, 0)
	provider.now = func() time.Time { return clock }

	// Baseline sample: no previous state, reports 0.
	writeProcessStat(t, provider.procPath, 100, 50, 50)
	usage, reading := provider.Sample(100)
	require.Equal(t, sampling.ReadOK, reading.State)
	assert.Equal(t, 0.0, usage.CPUPercent)

	// 100 additional ticks (1 CPU second at USER_HZ=100) over 1s of wall
	// time on 1 core = 100%.
	clock = clock.Add(time.Second)
	writeProcessStat(t, provider.procPath, 100, 100, 100)
	usage, reading = provider.Sample(100)
	require.Equal(t, sampling.ReadOK, reading.State)
	assert.InDelta(t, 100.0, usage.CPUPercent, 0.0001)
}

func TestProcessProvider_CPUNormalizedByCores(t *testing.T) {
	provider := createProcessTestProvider(t)
	provider.cores = 4
	writeProcessStatus(t, provider.procPath, 100, "VmRSS:\t1024 kB\n")

	clock := time.Unix(1000, 0)
	provider.now = func() time.Time { return clock }

	writeProcessStat(t, provider.procPath, 100, 0, 0)
	_, reading := provider.Sample(100)
	require.Equal(t, sampling.ReadOK, reading.State)

	clock = clock.Add(time.Second)
	writeProcessStat(t, provider.procPath, 100, 50, 50)
	usage, reading := provider.Sample(100)
	require.Equal(t, sampling.ReadOK, reading.State)
	// 1 CPU second over 1s across 4 cores = 25%.
	assert.InDelta(t, 25.0, usage.CPUPercent, 0.0001)
}

func TestProcessProvider_CPUClampedAt100(t *testing.T) {
	provider := createProcessTestProvider(t)
	writeProcessStatus(t, provider.procPath, 100, "VmRSS:\t1024 kB\n")

	clock := time.Unix(1000, 0)
	provider.now = func() time.Time { return clock }

	writeProcessStat(t, provider.procPath, 100, 0, 0)
	_, reading := provider.Sample(100)
	require.Equal(t, sampling.ReadOK, reading.State)

	// 10 CPU seconds of ticks over 1s of wall time: tick granularity can
	// overshoot, the result is capped.
	clock = clock.Add(time.Second)
	writeProcessStat(t, provider.procPath, 100, 500, 500)
	usage, reading := provider.Sample(100)
	require.Equal(t, sampling.ReadOK, reading.State)
	assert.Equal(t, 100.0, usage.CPUPercent)
}

func TestProcessProvider_MalformedStatIsFatal(t *testing.T) {
	provider := createProcessTestProvider(t)
	pidDir := filepath.Join(provider.procPath, "100")
	require.NoError(t, os.MkdirAll(pidDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(pidDir, "stat"), []byte("not a stat line at all"), 0644))

	_, reading := provider.Sample(100)
	assert.Equal(t, sampling.ReadFatal, reading.State)
	assert.Error(t, reading.Err)
}

func TestProcessProvider_DeltaStateDroppedOnExit(t *testing.T) {
	provider := createProcessTestProvider(t)
	writeProcessStatus(t, provider.procPath, 100, "VmRSS:\t1024 kB\n")
	writeProcessStat(t, provider.procPath, 100, 50, 50)

	_, reading := provider.Sample(100)
	require.Equal(t, sampling.ReadOK, reading.State)
	assert.Contains(t, provider.lastCPU, int32(100))

	// Process exits: its stat disappears and the baseline must go with it
	// so a recycled pid cannot inherit the old counters.
	pidDir := filepath.Join(provider.procPath, "100")
	require.NoError(t, os.RemoveAll(pidDir))

	_, reading = provider.Sample(100)
	assert.Equal(t, sampling.ReadDegraded, reading.State)
	assert.NotContains(t, provider.lastCPU, int32(100))
}

func TestProcessProvider_SweepsStaleDeltaState(t *testing.T) {
	provider := createProcessTestProvider(t)
	writeProcessStatus(t, provider.procPath, 100, "VmRSS:\t1024 kB\n")
	writeProcessStat(t, provider.procPath, 100, 50, 50)
	writeProcessStatus(t, provider.procPath, 200, "VmRSS:\t1024 kB\n")
	writeProcessStat(t, provider.procPath, 200, 10, 10)

	clock := time.Unix(1000, 0)
	provider.now = func() time.Time { return clock }

	_, reading := provider.Sample(100)
	require.Equal(t, sampling.ReadOK, reading.State)
	_, reading = provider.Sample(200)
	require.Equal(t, sampling.ReadOK, reading.State)

	// Pid 100 stops being sampled; after the staleness window any sample
	// sweeps its entry.
	clock = clock.Add(lastCPUStaleAfter + time.Second)
	_, reading = provider.Sample(200)
	require.Equal(t, sampling.ReadOK, reading.State)
	assert.NotContains(t, provider.lastCPU, int32(100))
	assert.Contains(t, provider.lastCPU, int32(200))
}
