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
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"
)

// deliveryTimeout bounds a single snapshot send. Snapshots are
// fire-and-forget: there are no retries and no guaranteed delivery.
const deliveryTimeout = 10 * time.Second

// dispatcher decouples snapshot delivery from the sampling cadence. The loop
// enqueues without blocking; a sender goroutine serializes snapshots and
// delivers them with a bounded in-flight count. When the queue is full the
// oldest queued snapshot is dropped, so an unreachable aggregator costs
// bounded memory and the freshest data survives.
type dispatcher struct {
	transport Transport
	nodeName  string
	logger    logr.Logger
	queue     chan *ResourceSnapshot
	inflight  *semaphore.Weighted

	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

func newDispatcher(transport Transport, nodeName string, config Config, logger logr.Logger) *dispatcher {
	return &dispatcher{
		transport: transport,
		nodeName:  nodeName,
		logger:    logger.WithName("dispatcher"),
		queue:     make(chan *ResourceSnapshot, config.QueueDepth),
		inflight:  semaphore.NewWeighted(int64(config.MaxInFlight)),
	}
}

// enqueue commits a snapshot for delivery. It never blocks: if the queue is
// full, the oldest queued snapshot is dropped to make room.
func (d *dispatcher) enqueue(snapshot *ResourceSnapshot) {
	for {
		select {
		case d.queue <- snapshot:
			return
		default:
		}
		select {
		case stale := <-d.queue:
			d.dropped.Add(1)
			d.logger.V(1).Info("dispatch queue full, dropped oldest snapshot",
				"droppedTimestamp", stale.Timestamp, "totalDropped", d.dropped.Load())
		default:
		}
	}
}

// run delivers queued snapshots until ctx is cancelled. Queued snapshots are
// abandoned on shutdown; delivery of every snapshot is explicitly not
// guaranteed.
func (d *dispatcher) run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case snapshot := <-d.queue:
			payload, err := json.Marshal(snapshot)
			if err != nil {
				d.logger.Error(err, "failed to serialize snapshot", "timestamp", snapshot.Timestamp)
				continue
			}
			if err := d.inflight.Acquire(ctx, 1); err != nil {
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer d.inflight.Release(1)
				d.send(ctx, payload)
			}()
		}
	}
}

func (d *dispatcher) send(ctx context.Context, payload []byte) {
	sendCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	if err := d.transport.DeliverSnapshot(sendCtx, d.nodeName, payload); err != nil {
		d.failed.Add(1)
		d.logger.V(1).Info("snapshot delivery failed",
			"error", err, "totalFailed", d.failed.Load())
		return
	}
	d.delivered.Add(1)
}

// Dropped reports how many snapshots were evicted from the queue.
func (d *dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Delivered reports how many snapshots were successfully handed to the transport.
func (d *dispatcher) Delivered() uint64 {
	return d.delivered.Load()
}
