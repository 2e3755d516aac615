// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sampling

// ReadState classifies the outcome of a single metric read.
type ReadState int

const (
	// ReadOK means the read produced a usable value.
	ReadOK ReadState = iota
	// ReadDegraded means an expected, transient condition (process exited,
	// permission denied, missing accounting field) zeroed this reading. The
	// cycle continues and the zero value is reported as-is. A degraded
	// reading is a different outcome from a normal zero: it always carries
	// the triggering error for logs.
	ReadDegraded
	// ReadFatal means an unclassified failure. The current sampling cycle is
	// abandoned and the error propagates to the loop's caller.
	ReadFatal
)

func (s ReadState) String() string {
	switch s {
	case ReadOK:
		return "ok"
	case ReadDegraded:
		return "degraded"
	case ReadFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Reading reports how a metric read went. Providers return a Reading next to
// the value instead of encoding expected-vs-unexpected failures in error
// types; callers branch on State.
type Reading struct {
	State ReadState
	Err   error
}

// OK returns a successful Reading.
func OK() Reading {
	return Reading{State: ReadOK}
}

// Degraded returns a Reading for an expected failure that zeroed the value.
func Degraded(err error) Reading {
	return Reading{State: ReadDegraded, Err: err}
}

// Fatal returns a Reading for an unclassified failure.
func Fatal(err error) Reading {
	return Reading{State: ReadFatal, Err: err}
}
