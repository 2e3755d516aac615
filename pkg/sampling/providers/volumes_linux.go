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
	"sort"
	"strings"

	"github.com/antimetal/resmon/pkg/sampling"
	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
)

// Compile-time interface check
var _ sampling.VolumeProvider = (*procVolumeProvider)(nil)

// procVolumeProvider reports capacity and usage per mounted block-device
// filesystem, from /proc/mounts plus statfs on each mount point.
type procVolumeProvider struct {
	logger     logr.Logger
	mountsPath string
}

func newProcVolumeProvider(logger logr.Logger, config sampling.Config) *procVolumeProvider {
	return &procVolumeProvider{
		logger:     logger.WithName("volumes"),
		mountsPath: filepath.Join(config.HostProcPath, "mounts"),
	}
}

func (p *procVolumeProvider) Volumes() ([]sampling.VolumeInfo, sampling.Reading) {
	file, err := os.Open(p.mountsPath)
	if err != nil {
		return nil, sampling.Degraded(fmt.Errorf("opening %s: %w", p.mountsPath, err))
	}
	defer file.Close()

	// One entry per device; a device mounted in several places (bind mounts)
	// is reported once, at its first mount point.
	seen := make(map[string]bool)
	var volumes []sampling.VolumeInfo

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		device, mountPoint := fields[0], fields[1]
		if !strings.HasPrefix(device, "/dev/") || seen[device] {
			continue
		}

		var stat unix.Statfs_t
		if err := unix.Statfs(mountPoint, &stat); err != nil {
			p.logger.V(2).Info("statfs failed, skipping volume",
				"mountPoint", mountPoint, "error", err)
			continue
		}
		seen[device] = true

		blockSize := uint64(stat.Bsize)
		total := stat.Blocks * blockSize
		free := stat.Bavail * blockSize
		var usedPercent float64
		if total > 0 {
			usedPercent = float64(total-free) / float64(total) * 100
		}
		volumes = append(volumes, sampling.VolumeInfo{
			MountPoint:  mountPoint,
			TotalBytes:  total,
			FreeBytes:   free,
			UsedPercent: usedPercent,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, sampling.Degraded(fmt.Errorf("reading %s: %w", p.mountsPath, err))
	}

	sort.Slice(volumes, func(i, j int) bool { return volumes[i].MountPoint < volumes[j].MountPoint })
	return volumes, sampling.OK()
}
