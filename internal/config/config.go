// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/antimetal/resmon/pkg/config/environment"
	"github.com/antimetal/resmon/pkg/host"
	"github.com/antimetal/resmon/pkg/sampling"
)

var (
	nodeName            string
	intervalSeconds     int
	cycleTimeoutSeconds int
	hostProcPath        string
	aggregatorAddr      string
	aggregatorSecure    bool
	placementManifest   string
	queueDepth          int
	maxInFlight         int
)

func init() {
	flag.StringVar(&nodeName, "node-name", "",
		"Name this node reports as; defaults to $NODE_NAME, then the hostname")
	flag.IntVar(&intervalSeconds, "interval-seconds", int(sampling.DefaultInterval/time.Second),
		"Seconds between sampling ticks")
	flag.IntVar(&cycleTimeoutSeconds, "cycle-timeout-seconds", int(sampling.DefaultCycleTimeout/time.Second),
		"Seconds a single sampling cycle may take before it is skipped")
	flag.StringVar(&hostProcPath, "host-proc", sampling.DefaultHostProcPath,
		"Path to the host procfs mount")
	flag.StringVar(&aggregatorAddr, "aggregator-address", "",
		"Address of the aggregator intake service")
	flag.BoolVar(&aggregatorSecure, "aggregator-secure", true,
		"Use a TLS connection to the aggregator")
	flag.StringVar(&placementManifest, "placement-manifest", "/etc/resmon/placement.json",
		"Path to the deployed-process manifest file")
	flag.IntVar(&queueDepth, "dispatch-queue-depth", sampling.DefaultQueueDepth,
		"Snapshots buffered for dispatch before the oldest is dropped")
	flag.IntVar(&maxInFlight, "dispatch-max-in-flight", sampling.DefaultMaxInFlight,
		"Maximum concurrent snapshot deliveries")
}

// Agent is the agent's resolved configuration.
type Agent struct {
	NodeName          string
	Sampling          sampling.Config
	AggregatorAddr    string
	AggregatorSecure  bool
	PlacementManifest string
}

// Load resolves configuration from parsed flags and the environment.
// NODE_NAME and HOST_PROC fill in flags left at their defaults so
// containerized deployments can inject them without touching the command
// line.
func Load() (Agent, error) {
	name := nodeName
	if name == "" {
		resolved, err := host.NodeName()
		if err != nil {
			return Agent{}, fmt.Errorf("failed to resolve node name: %w", err)
		}
		name = resolved
	}

	procPath := hostProcPath
	if procPath == sampling.DefaultHostProcPath {
		procPath = environment.GetHostPaths().Proc
	}

	if aggregatorAddr == "" {
		return Agent{}, fmt.Errorf("-aggregator-address is required")
	}

	cfg := Agent{
		NodeName: name,
		Sampling: sampling.Config{
			Interval:     time.Duration(intervalSeconds) * time.Second,
			CycleTimeout: time.Duration(cycleTimeoutSeconds) * time.Second,
			HostProcPath: procPath,
			QueueDepth:   queueDepth,
			MaxInFlight:  maxInFlight,
		},
		AggregatorAddr:    aggregatorAddr,
		AggregatorSecure:  aggregatorSecure,
		PlacementManifest: placementManifest,
	}
	cfg.Sampling.ApplyDefaults()
	if err := cfg.Sampling.Validate(); err != nil {
		return Agent{}, err
	}
	return cfg, nil
}
