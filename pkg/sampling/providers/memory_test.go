// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package providers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/antimetal/resmon/pkg/sampling"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createMemoryTestProvider(t *testing.T, meminfoContent string) *procMemoryProvider {
	tmpDir := t.TempDir()
	if meminfoContent != "" {
		err := os.WriteFile(filepath.Join(tmpDir, "meminfo"), []byte(meminfoContent), 0644)
		require.NoError(t, err)
	}

	config := sampling.Config{HostProcPath: tmpDir}
	config.ApplyDefaults()
	return newProcMemoryProvider(logr.Discard(), config)
}

func TestMemoryProvider_CommittedBytes(t *testing.T) {
	meminfo := `MemTotal:       1000 kB
MemFree:        200 kB
MemAvailable:   300 kB
Buffers:        17 kB
Cached:         50 kB
SwapTotal:      100 kB
SwapFree:       40 kB
`
	provider := createMemoryTestProvider(t, meminfo)

	sample, reading := provider.Committed()
	require.Equal(t, sampling.ReadOK, reading.State)
	// (1000 - 300 - 200 + (100 - 40)) * 1024
	assert.Equal(t, uint64(675840), sample.CommittedBytes)
	assert.Equal(t, uint64(1024000), sample.TotalBytes)
}

func TestMemoryProvider_MissingRequiredField(t *testing.T) {
	// MemAvailable absent: pre-3.14 kernels. The attempt degrades and the
	// error names the missing field.
	meminfo := `MemTotal:       1000 kB
MemFree:        200 kB
SwapTotal:      100 kB
SwapFree:       40 kB
`
	provider := createMemoryTestProvider(t, meminfo)

	sample, reading := provider.Committed()
	assert.Equal(t, sampling.ReadDegraded, reading.State)
	require.Error(t, reading.Err)
	assert.Contains(t, reading.Err.Error(), "MemAvailable")
	assert.Equal(t, sampling.MemorySample{}, sample)
}

func TestMemoryProvider_UnderflowClampsToZero(t *testing.T) {
	// Transient accounting skew: MemAvailable + MemFree exceed MemTotal.
	meminfo := `MemTotal:       1000 kB
MemFree:        600 kB
MemAvailable:   600 kB
SwapTotal:      0 kB
SwapFree:       0 kB
`
	provider := createMemoryTestProvider(t, meminfo)

	sample, reading := provider.Committed()
	require.Equal(t, sampling.ReadOK, reading.State)
	assert.Equal(t, uint64(0), sample.CommittedBytes)
	assert.Equal(t, uint64(1024000), sample.TotalBytes)
}

func TestMemoryProvider_MissingSourceIsDegraded(t *testing.T) {
	provider := createMemoryTestProvider(t, "")

	sample, reading := provider.Committed()
	assert.Equal(t, sampling.ReadDegraded, reading.State)
	assert.Error(t, reading.Err)
	assert.Equal(t, sampling.MemorySample{}, sample)
}

func TestMemoryProvider_SkipsUnparseableLines(t *testing.T) {
	meminfo := `MemTotal:       1000 kB
garbage line that is not a counter at all maybe
MemFree:        200 kB
MemAvailable:   300 kB
HugePages_Total:   notanumber
SwapTotal:      100 kB
SwapFree:       40 kB
`
	provider := createMemoryTestProvider(t, meminfo)

	sample, reading := provider.Committed()
	require.Equal(t, sampling.ReadOK, reading.State)
	assert.Equal(t, uint64(675840), sample.CommittedBytes)
}
