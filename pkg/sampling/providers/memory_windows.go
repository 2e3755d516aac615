// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package providers

import (
	"fmt"
	"unsafe"

	"github.com/antimetal/resmon/pkg/sampling"
	"github.com/go-logr/logr"
	"golang.org/x/sys/windows"
)

// Compile-time interface check
var _ sampling.MemoryProvider = (*pdhMemoryProvider)(nil)

const committedBytesCounterPath = `\Memory\Committed Bytes`

var (
	modkernel32              = windows.NewLazySystemDLL("kernel32.dll")
	procGlobalMemoryStatusEx = modkernel32.NewProc("GlobalMemoryStatusEx")
)

type memoryStatusEx struct {
	Length               uint32
	MemoryLoad           uint32
	TotalPhys            uint64
	AvailPhys            uint64
	TotalPageFile        uint64
	AvailPageFile        uint64
	TotalVirtual         uint64
	AvailVirtual         uint64
	AvailExtendedVirtual uint64
}

// pdhMemoryProvider reads committed bytes from the "Committed Bytes"
// performance counter and total physical memory from GlobalMemoryStatusEx.
type pdhMemoryProvider struct {
	logger  logr.Logger
	query   *pdhQuery
	counter uintptr
}

func newPDHMemoryProvider(logger logr.Logger, config sampling.Config) (*pdhMemoryProvider, error) {
	query, err := openPDHQuery()
	if err != nil {
		return nil, fmt.Errorf("creating memory counter query: %w", err)
	}
	counter, err := query.addCounter(committedBytesCounterPath)
	if err != nil {
		query.close()
		return nil, fmt.Errorf("binding memory counter: %w", err)
	}
	return &pdhMemoryProvider{
		logger:  logger.WithName("memory"),
		query:   query,
		counter: counter,
	}, nil
}

func (p *pdhMemoryProvider) Committed() (sampling.MemorySample, sampling.Reading) {
	if err := p.query.collect(); err != nil {
		if isExpectedCounterFailure(err) {
			return sampling.MemorySample{}, sampling.Degraded(err)
		}
		return sampling.MemorySample{}, sampling.Fatal(err)
	}
	committed, err := p.query.value(p.counter, committedBytesCounterPath)
	if err != nil {
		if isExpectedCounterFailure(err) {
			return sampling.MemorySample{}, sampling.Degraded(err)
		}
		return sampling.MemorySample{}, sampling.Fatal(err)
	}
	if committed < 0 {
		committed = 0
	}

	status := memoryStatusEx{}
	status.Length = uint32(unsafe.Sizeof(status))
	ret, _, callErr := procGlobalMemoryStatusEx.Call(uintptr(unsafe.Pointer(&status)))
	if ret == 0 {
		return sampling.MemorySample{}, sampling.Fatal(
			fmt.Errorf("GlobalMemoryStatusEx failed: %w", callErr))
	}

	return sampling.MemorySample{
		TotalBytes:     status.TotalPhys,
		CommittedBytes: uint64(committed),
	}, sampling.OK()
}
