// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package providers

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modpdh = windows.NewLazySystemDLL("pdh.dll")

	procPdhOpenQuery                = modpdh.NewProc("PdhOpenQueryW")
	procPdhAddEnglishCounter        = modpdh.NewProc("PdhAddEnglishCounterW")
	procPdhCollectQueryData         = modpdh.NewProc("PdhCollectQueryData")
	procPdhGetFormattedCounterValue = modpdh.NewProc("PdhGetFormattedCounterValue")
	procPdhRemoveCounter            = modpdh.NewProc("PdhRemoveCounter")
	procPdhCloseQuery               = modpdh.NewProc("PdhCloseQuery")
)

const pdhFmtDouble = 0x00000200

// PDH status codes that represent expected, transient conditions rather than
// broken counters: the instance vanished (process exited), the counter is not
// present on this system, or a rate counter has not accumulated two samples
// yet.
const (
	pdhCstatusNoInstance = 0x800007D1
	pdhNoData            = 0x800007D5
	pdhCstatusNoObject   = 0xC0000BB8
	pdhCstatusNoCounter  = 0xC0000BC0
	pdhInvalidData       = 0xC0000BC6
)

type pdhFmtCounterValueDouble struct {
	CStatus uint32
	_       uint32
	Value   float64
}

type pdhError struct {
	op   string
	path string
	code uintptr
}

func (e *pdhError) Error() string {
	return fmt.Sprintf("%s(%s) failed: %#x", e.op, e.path, e.code)
}

// isExpectedCounterFailure reports whether err is one of the PDH or access
// failures the sampling contract degrades to zero instead of propagating.
func isExpectedCounterFailure(err error) bool {
	var pe *pdhError
	if !errors.As(err, &pe) {
		return errors.Is(err, windows.ERROR_ACCESS_DENIED)
	}
	switch pe.code {
	case pdhCstatusNoInstance, pdhCstatusNoObject, pdhCstatusNoCounter, pdhInvalidData, pdhNoData:
		return true
	case uintptr(windows.ERROR_ACCESS_DENIED):
		return true
	}
	return false
}

// pdhQuery wraps one PDH query handle. Counters are added by English path so
// provider behavior does not depend on the host locale.
type pdhQuery struct {
	handle uintptr
}

func openPDHQuery() (*pdhQuery, error) {
	var handle uintptr
	ret, _, _ := procPdhOpenQuery.Call(0, 0, uintptr(unsafe.Pointer(&handle)))
	if ret != 0 {
		return nil, &pdhError{op: "PdhOpenQuery", code: ret}
	}
	return &pdhQuery{handle: handle}, nil
}

func (q *pdhQuery) addCounter(path string) (uintptr, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	var counter uintptr
	ret, _, _ := procPdhAddEnglishCounter.Call(
		q.handle, uintptr(unsafe.Pointer(pathPtr)), 0, uintptr(unsafe.Pointer(&counter)))
	if ret != 0 {
		return 0, &pdhError{op: "PdhAddEnglishCounter", path: path, code: ret}
	}
	return counter, nil
}

func (q *pdhQuery) collect() error {
	ret, _, _ := procPdhCollectQueryData.Call(q.handle)
	if ret != 0 {
		return &pdhError{op: "PdhCollectQueryData", code: ret}
	}
	return nil
}

func (q *pdhQuery) value(counter uintptr, path string) (float64, error) {
	var v pdhFmtCounterValueDouble
	ret, _, _ := procPdhGetFormattedCounterValue.Call(
		counter, pdhFmtDouble, 0, uintptr(unsafe.Pointer(&v)))
	if ret != 0 {
		return 0, &pdhError{op: "PdhGetFormattedCounterValue", path: path, code: ret}
	}
	return v.Value, nil
}

func (q *pdhQuery) removeCounter(counter uintptr) {
	procPdhRemoveCounter.Call(counter) //nolint:errcheck
}

func (q *pdhQuery) close() {
	procPdhCloseQuery.Call(q.handle) //nolint:errcheck
}
