// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package providers

import (
	"fmt"

	"github.com/antimetal/resmon/pkg/sampling"
	"github.com/go-logr/logr"
	"golang.org/x/sys/windows"
)

// Compile-time interface check
var _ sampling.VolumeProvider = (*winVolumeProvider)(nil)

// winVolumeProvider reports capacity and usage for every fixed logical drive.
type winVolumeProvider struct {
	logger logr.Logger
}

func newWinVolumeProvider(logger logr.Logger, config sampling.Config) *winVolumeProvider {
	return &winVolumeProvider{logger: logger.WithName("volumes")}
}

func (p *winVolumeProvider) Volumes() ([]sampling.VolumeInfo, sampling.Reading) {
	mask, err := windows.GetLogicalDrives()
	if err != nil {
		return nil, sampling.Degraded(fmt.Errorf("enumerating logical drives: %w", err))
	}

	var volumes []sampling.VolumeInfo
	for i := 0; i < 26; i++ {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		root := string(rune('A'+i)) + `:\`
		rootPtr, err := windows.UTF16PtrFromString(root)
		if err != nil {
			continue
		}
		if windows.GetDriveType(rootPtr) != windows.DRIVE_FIXED {
			continue
		}

		var available, total, totalFree uint64
		if err := windows.GetDiskFreeSpaceEx(rootPtr, &available, &total, &totalFree); err != nil {
			p.logger.V(2).Info("failed to read drive space, skipping volume",
				"drive", root, "error", err)
			continue
		}
		var usedPercent float64
		if total > 0 {
			usedPercent = float64(total-totalFree) / float64(total) * 100
		}
		volumes = append(volumes, sampling.VolumeInfo{
			MountPoint:  root,
			TotalBytes:  total,
			FreeBytes:   totalFree,
			UsedPercent: usedPercent,
		})
	}
	return volumes, sampling.OK()
}
