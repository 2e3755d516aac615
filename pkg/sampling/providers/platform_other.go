// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build !linux && !windows

package providers

import (
	"fmt"
	"runtime"

	"github.com/antimetal/resmon/pkg/sampling"
	"github.com/go-logr/logr"
)

func newPlatformProviders(logger logr.Logger, config sampling.Config) (*sampling.Providers, error) {
	return nil, fmt.Errorf("%w (GOOS=%s)", ErrUnsupportedPlatform, runtime.GOOS)
}
