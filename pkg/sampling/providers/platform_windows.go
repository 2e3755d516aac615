// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package providers

import (
	"github.com/antimetal/resmon/pkg/sampling"
	"github.com/go-logr/logr"
)

func newPlatformProviders(logger logr.Logger, config sampling.Config) (*sampling.Providers, error) {
	cpu, err := newPDHCPUProvider(logger, config)
	if err != nil {
		return nil, err
	}
	memory, err := newPDHMemoryProvider(logger, config)
	if err != nil {
		return nil, err
	}
	process, err := newPDHProcessProvider(logger, config)
	if err != nil {
		return nil, err
	}
	return &sampling.Providers{
		CPU:     cpu,
		Memory:  memory,
		Process: process,
		Volume:  newWinVolumeProvider(logger, config),
	}, nil
}
