// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antimetal/resmon/internal/config"
	"github.com/antimetal/resmon/internal/placement"
	"github.com/antimetal/resmon/internal/transport"
	"github.com/antimetal/resmon/pkg/host"
	"github.com/antimetal/resmon/pkg/sampling"
	"github.com/antimetal/resmon/pkg/sampling/providers"
)

var devLogging bool

func init() {
	flag.BoolVar(&devLogging, "dev-logging", false,
		"Use human-readable development log output")
}

func main() {
	flag.Parse()

	var zapLog *zap.Logger
	var err error
	if devLogging {
		zapLog, err = zap.NewDevelopment()
	} else {
		zapLog, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLog.Sync() //nolint:errcheck
	logger := zapr.NewLogger(zapLog).WithName("resmon")

	cfg, err := config.Load()
	if err != nil {
		logger.Error(err, "invalid configuration")
		os.Exit(1)
	}

	machineID, err := host.MachineID()
	if err != nil {
		logger.V(1).Info("machine ID unavailable", "reason", err)
	}
	logger.Info("starting agent",
		"node", cfg.NodeName,
		"machineID", machineID,
		"aggregator", cfg.AggregatorAddr,
		"interval", cfg.Sampling.Interval)

	// Provider selection fails here, at startup, on unsupported platforms.
	provs, err := providers.New(logger, cfg.Sampling)
	if err != nil {
		logger.Error(err, "failed to construct resource providers")
		os.Exit(1)
	}

	watcher, err := placement.NewManifestWatcher(cfg.PlacementManifest, logger)
	if err != nil {
		logger.Error(err, "failed to set up placement manifest watcher",
			"path", cfg.PlacementManifest)
		os.Exit(1)
	}

	client, err := transport.New(logger,
		transport.Addr(cfg.AggregatorAddr),
		transport.Secure(cfg.AggregatorSecure),
	)
	if err != nil {
		logger.Error(err, "failed to create aggregator client")
		os.Exit(1)
	}
	defer client.Close() //nolint:errcheck

	loop, err := sampling.NewLoop(sampling.LoopOptions{
		Config:    cfg.Sampling,
		Logger:    logger,
		NodeName:  cfg.NodeName,
		Providers: provs,
		Placement: watcher,
		Transport: client,
	})
	if err != nil {
		logger.Error(err, "failed to create sampling loop")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watcher.Start(gctx)
	})
	g.Go(func() error {
		return loop.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error(err, "agent terminated")
		os.Exit(1)
	}
	logger.Info("agent shut down")
}
