// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package providers supplies the platform-specific implementations of the
// sampling provider contracts and the factory that selects them by host OS
// family. Linux implementations read procfs; Windows implementations read
// performance counters through PDH.
package providers

import (
	"errors"
	"sync"

	"github.com/antimetal/resmon/pkg/sampling"
	"github.com/go-logr/logr"
)

// ErrUnsupportedPlatform is returned by New on hosts that are neither Linux
// nor Windows. Selection fails fast instead of handing out an unusable
// provider handle.
var ErrUnsupportedPlatform = errors.New("unsupported platform: resource providers require linux or windows")

var (
	once    sync.Once
	handle  *sampling.Providers
	initErr error
)

// New returns the process-wide provider handle, constructing it on first
// call. Construction happens exactly once per process lifetime and is safe
// under concurrent first access; every caller observes the same handle.
// Providers are never disposed except at process shutdown.
func New(logger logr.Logger, config sampling.Config) (*sampling.Providers, error) {
	once.Do(func() {
		config.ApplyDefaults()
		if err := config.Validate(); err != nil {
			initErr = err
			return
		}
		handle, initErr = newPlatformProviders(logger.WithName("providers"), config)
	})
	return handle, initErr
}
