// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sampling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot(node string) *ResourceSnapshot {
	return &ResourceSnapshot{
		Timestamp: time.Now(),
		NodeID:    node,
		Hardware:  HardwareSample{CPUPercent: 10},
	}
}

func TestDispatcher_EnqueueNeverBlocks(t *testing.T) {
	config := Config{QueueDepth: 2}
	config.ApplyDefaults()
	d := newDispatcher(&recordingTransport{}, "node-0", config, logr.Discard())

	// No sender running: the queue fills, then every further enqueue must
	// evict the oldest entry instead of blocking.
	for i := 0; i < 5; i++ {
		d.enqueue(testSnapshot("node-0"))
	}
	assert.Equal(t, uint64(3), d.Dropped())
	assert.Len(t, d.queue, 2)
}

func TestDispatcher_DropsOldestKeepsFreshest(t *testing.T) {
	config := Config{QueueDepth: 2}
	config.ApplyDefaults()
	transport := &recordingTransport{}
	d := newDispatcher(transport, "node-0", config, logr.Discard())

	for _, node := range []string{"s1", "s2", "s3", "s4", "s5"} {
		d.enqueue(testSnapshot(node))
	}
	require.Equal(t, uint64(3), d.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()

	require.Eventually(t, func() bool { return transport.count() == 2 },
		2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	// The two freshest snapshots survived the eviction.
	snapshots := transport.snapshots(t)
	nodes := []string{snapshots[0].NodeID, snapshots[1].NodeID}
	assert.ElementsMatch(t, []string{"s4", "s5"}, nodes)
	assert.Equal(t, uint64(2), d.Delivered())
}

// concurrencyTransport tracks the peak number of simultaneous deliveries.
type concurrencyTransport struct {
	mu      sync.Mutex
	current int
	peak    int
	total   int
}

func (c *concurrencyTransport) DeliverSnapshot(ctx context.Context, nodeName string, payload []byte) error {
	c.mu.Lock()
	c.current++
	if c.current > c.peak {
		c.peak = c.current
	}
	c.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	c.mu.Lock()
	c.current--
	c.total++
	c.mu.Unlock()
	return nil
}

func (c *concurrencyTransport) stats() (peak, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak, c.total
}

func TestDispatcher_BoundsInFlightDeliveries(t *testing.T) {
	config := Config{QueueDepth: 16, MaxInFlight: 2}
	config.ApplyDefaults()
	transport := &concurrencyTransport{}
	d := newDispatcher(transport, "node-0", config, logr.Discard())

	for i := 0; i < 6; i++ {
		d.enqueue(testSnapshot("node-0"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()

	require.Eventually(t, func() bool { _, total := transport.stats(); return total == 6 },
		5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	peak, _ := transport.stats()
	assert.LessOrEqual(t, peak, 2)
	assert.Equal(t, uint64(6), d.Delivered())
}

func TestDispatcher_CountsFailedDeliveries(t *testing.T) {
	config := Config{}
	config.ApplyDefaults()
	transport := &recordingTransport{err: context.DeadlineExceeded}
	d := newDispatcher(transport, "node-0", config, logr.Discard())

	d.enqueue(testSnapshot("node-0"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()

	require.Eventually(t, func() bool { return d.failed.Load() == 1 },
		2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, uint64(0), d.Delivered())
}

func TestDispatcher_PayloadIsSnapshotJSON(t *testing.T) {
	config := Config{}
	config.ApplyDefaults()
	transport := &recordingTransport{}
	d := newDispatcher(transport, "node-0", config, logr.Discard())

	snapshot := testSnapshot("node-0")
	snapshot.Processes = []ProcessSample{{ProcessID: 204, ServiceID: "svcA", CPUPercent: 5}}
	d.enqueue(snapshot)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()

	require.Eventually(t, func() bool { return transport.count() == 1 },
		2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	var decoded ResourceSnapshot
	transport.mu.Lock()
	payload := transport.payloads[0]
	transport.mu.Unlock()
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "node-0", decoded.NodeID)
	require.Len(t, decoded.Processes, 1)
	assert.Equal(t, "svcA", decoded.Processes[0].ServiceID)
}
