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
)

// Compile-time interface check
var _ sampling.CPUProvider = (*pdhCPUProvider)(nil)

const processorTimeCounterPath = `\Processor(_Total)\% Processor Time`

// pdhCPUProvider reads system-wide CPU utilization from the
// "% Processor Time, all cores" performance counter.
type pdhCPUProvider struct {
	logger  logr.Logger
	query   *pdhQuery
	counter uintptr
}

func newPDHCPUProvider(logger logr.Logger, config sampling.Config) (*pdhCPUProvider, error) {
	query, err := openPDHQuery()
	if err != nil {
		return nil, fmt.Errorf("creating cpu counter query: %w", err)
	}
	counter, err := query.addCounter(processorTimeCounterPath)
	if err != nil {
		query.close()
		return nil, fmt.Errorf("binding cpu counter: %w", err)
	}

	// The first sample after counter creation is a warm-up: rate counters
	// need two collections before they produce a value. Collect once here
	// and discard it so Utilization returns usable values from the start.
	if err := query.collect(); err != nil {
		logger.V(1).Info("cpu counter warm-up collect failed", "error", err)
	}

	return &pdhCPUProvider{
		logger:  logger.WithName("cpu"),
		query:   query,
		counter: counter,
	}, nil
}

func (p *pdhCPUProvider) Utilization() (float64, sampling.Reading) {
	if err := p.query.collect(); err != nil {
		if isExpectedCounterFailure(err) {
			return 0, sampling.Degraded(err)
		}
		return 0, sampling.Fatal(err)
	}
	value, err := p.query.value(p.counter, processorTimeCounterPath)
	if err != nil {
		if isExpectedCounterFailure(err) {
			return 0, sampling.Degraded(err)
		}
		return 0, sampling.Fatal(err)
	}

	if value < 0 {
		value = 0
	}
	if value > 100 {
		value = 100
	}
	return value, sampling.OK()
}
