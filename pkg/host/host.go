// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package host provides utilities for host and machine identification
package host

import "os"

// Hostname returns the hostname reported by the kernel.
// In particular it returns the hostname of the host machine
// when inside a container.
func Hostname() (string, error) {
	return hostname()
}

// NodeName returns the name this node reports as: the NODE_NAME
// environment variable when set, otherwise the kernel hostname.
func NodeName() (string, error) {
	if name := os.Getenv("NODE_NAME"); name != "" {
		return name, nil
	}
	return Hostname()
}

// MachineID returns a unique machine ID of the local system that is set
// during installation or boot by systemd. PIDs and node names are only
// unique within a single host; the machine ID disambiguates snapshot
// streams when node names collide across a cluster.
func MachineID() (string, error) {
	return machineID()
}
