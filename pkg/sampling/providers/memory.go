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
	"strconv"
	"strings"

	"github.com/antimetal/resmon/pkg/sampling"
	"github.com/go-logr/logr"
)

// Compile-time interface check
var _ sampling.MemoryProvider = (*procMemoryProvider)(nil)

// meminfo fields the committed-bytes computation requires. A missing field
// fails that sampling attempt only, never the process.
var requiredMeminfoFields = []string{"MemTotal", "MemFree", "MemAvailable", "SwapTotal", "SwapFree"}

// procMemoryProvider reads committed memory from /proc/meminfo.
//
// Committed bytes are computed as
//
//	(MemTotal - MemAvailable - MemFree + (SwapTotal - SwapFree)) * 1024
//
// An older variant of this formula omits MemAvailable; the MemAvailable
// subtracting form is canonical here since MemAvailable accounts for
// reclaimable page cache that kernels >= 3.14 report directly.
type procMemoryProvider struct {
	logger      logr.Logger
	meminfoPath string
}

func newProcMemoryProvider(logger logr.Logger, config sampling.Config) *procMemoryProvider {
	return &procMemoryProvider{
		logger:      logger.WithName("memory"),
		meminfoPath: filepath.Join(config.HostProcPath, "meminfo"),
	}
}

func (p *procMemoryProvider) Committed() (sampling.MemorySample, sampling.Reading) {
	fields, reading := p.parseMeminfo()
	if reading.State != sampling.ReadOK {
		return sampling.MemorySample{}, reading
	}

	for _, name := range requiredMeminfoFields {
		if _, ok := fields[name]; !ok {
			return sampling.MemorySample{}, sampling.Degraded(
				fmt.Errorf("required field %s missing from %s", name, p.meminfoPath))
		}
	}

	// All values are kilobytes. Compute signed so transient accounting skew
	// cannot wrap; byte counts never go negative.
	committedKB := int64(fields["MemTotal"]) - int64(fields["MemAvailable"]) - int64(fields["MemFree"]) +
		(int64(fields["SwapTotal"]) - int64(fields["SwapFree"]))
	if committedKB < 0 {
		committedKB = 0
	}

	return sampling.MemorySample{
		TotalBytes:     fields["MemTotal"] * 1024,
		CommittedBytes: uint64(committedKB) * 1024,
	}, sampling.OK()
}

// parseMeminfo reads /proc/meminfo into a field name to kilobyte value map.
//
// Lines are formatted as "FieldName:   value kB"; some fields carry no unit.
// Individual lines that fail to parse are skipped, the required-field check
// above catches anything load-bearing.
func (p *procMemoryProvider) parseMeminfo() (map[string]uint64, sampling.Reading) {
	file, err := os.Open(p.meminfoPath)
	if err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			return nil, sampling.Degraded(fmt.Errorf("opening %s: %w", p.meminfoPath, err))
		}
		return nil, sampling.Fatal(fmt.Errorf("opening %s: %w", p.meminfoPath, err))
	}
	defer file.Close()

	fields := make(map[string]uint64)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 {
			continue
		}
		name := strings.TrimSuffix(parts[0], ":")
		value, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			p.logger.V(2).Info("failed to parse meminfo field",
				"field", name, "value", parts[1], "error", err)
			continue
		}
		fields[name] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, sampling.Fatal(fmt.Errorf("reading %s: %w", p.meminfoPath, err))
	}
	return fields, sampling.OK()
}
