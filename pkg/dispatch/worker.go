/*
 Copyright The FairSched Authors

 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

// Package dispatch runs one worker per queue: it pulls the highest priority
// request, attempts a ledger allocation and hands successful ones to the
// workload controller. Requests that do not fit right now are held locally,
// bounded by the backfill depth, and flushed back into the queue whenever
// the ledger signals a release.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"go.uber.org/zap"

	"github.com/fairsched/fairsched-core/pkg/api"
	"github.com/fairsched/fairsched-core/pkg/common"
	"github.com/fairsched/fairsched-core/pkg/log"
	"github.com/fairsched/fairsched-core/pkg/metrics"
	"github.com/fairsched/fairsched-core/pkg/queue"
	"github.com/fairsched/fairsched-core/pkg/quota"
)

type heldItem struct {
	item    *queue.Item
	request *api.Request
}

// Worker drains one queue against one quota.
type Worker struct {
	queue      *queue.Queue
	quota      *quota.Quota
	controller api.WorkloadController

	backfillDepth  int
	dequeueTimeout time.Duration

	// local pending list of un-dispatchable items, only touched by the
	// worker goroutine
	held        []heldItem
	lastRelease time.Time

	metrics    *metrics.SchedulerMetrics
	dequeueLog *log.RateLimitedLogger
	stopOnce   sync.Once
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewWorker wires a worker to its queue, ledger and controller. All three
// are required.
func NewWorker(q *queue.Queue, ledger *quota.Quota, controller api.WorkloadController, backfillDepth int, dequeueTimeout time.Duration) (*Worker, error) {
	if q == nil {
		return nil, &common.ConfigurationError{Component: "dispatch worker", Missing: "queue"}
	}
	if ledger == nil {
		return nil, &common.ConfigurationError{Component: "dispatch worker " + q.Name(), Missing: "quota"}
	}
	if controller == nil {
		return nil, &common.ConfigurationError{Component: "dispatch worker " + q.Name(), Missing: "workload controller"}
	}
	if backfillDepth <= 0 {
		backfillDepth = 1
	}
	if dequeueTimeout <= 0 {
		dequeueTimeout = time.Second
	}
	return &Worker{
		queue:          q,
		quota:          ledger,
		controller:     controller,
		backfillDepth:  backfillDepth,
		dequeueTimeout: dequeueTimeout,
		metrics:        metrics.GetSchedulerMetrics(),
		dequeueLog:     log.RateLimitedLog(log.Dispatch, 10*time.Second),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}, nil
}

// Run starts the worker loop, it exits when Stop is called or the queue
// closes.
func (w *Worker) Run() {
	go w.loop()
}

// Stop terminates the loop and waits for it to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	<-w.doneCh
}

func (w *Worker) loop() {
	defer close(w.doneCh)
	ctx := context.Background()
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		// freed capacity: give held items a new chance in priority order
		if len(w.held) > 0 && w.quota.LastRelease().After(w.lastRelease) {
			w.flushHeld(ctx)
		}

		// full backfill list, pulling more would only grow the local
		// pending set: wait for a release instead
		if len(w.held) >= w.backfillDepth {
			w.quota.WaitForRelease(w.lastRelease, w.dequeueTimeout)
			continue
		}

		item, request, err := w.queue.Dequeue(ctx, true, w.dequeueTimeout)
		if err != nil {
			if errors.Is(err, common.ErrQueueClosed) {
				log.Log(log.Dispatch).Info("queue closed, worker exiting",
					zap.String("queue", w.queue.Name()))
				return
			}
			// a broken store would hit this every timeout, keep it quiet
			w.dequeueLog.Error("dequeue failed",
				zap.String("queue", w.queue.Name()),
				zap.Error(err))
			continue
		}
		if item == nil {
			// timeout, loop re-checks stop and release signals
			continue
		}
		w.process(ctx, item, request)
	}
}

// process handles a single dequeued item. Individual failures are contained
// here so one bad request can never stall the queue, only genuine resource
// shortage is retryable.
func (w *Worker) process(ctx context.Context, item *queue.Item, request *api.Request) {
	span := opentracing.StartSpan("dispatch")
	span.SetTag("queue", w.queue.Name())
	span.SetTag("request", request.ID)
	span.SetTag("user", item.UserID)
	defer span.Finish()

	state, err := w.controller.GetInstanceState(ctx, request.ID)
	if err != nil {
		log.Log(log.Dispatch).Warn("state check failed, dropping item",
			zap.Int64("id", item.ID),
			zap.String("request", request.ID),
			zap.Error(err))
		w.drop(ctx, item)
		return
	}
	if !state.Schedulable() {
		log.Log(log.Dispatch).Info("request no longer schedulable, dropping item",
			zap.Int64("id", item.ID),
			zap.String("request", request.ID),
			zap.String("state", string(state)))
		w.drop(ctx, item)
		return
	}

	allocated, err := w.quota.Allocate(request.ID, request.Resources, false)
	if err != nil {
		// a disabled shared pool is maintenance, not a verdict on the
		// request: hold the item until the pool comes back
		if errors.Is(err, common.ErrSharedQuotaDisabled) {
			log.Log(log.Dispatch).Info("shared pool disabled, holding item",
				zap.Int64("id", item.ID),
				zap.String("request", request.ID))
			span.SetTag("held", true)
			w.metrics.IncDispatched("held")
			w.held = append(w.held, heldItem{item: item, request: request})
			return
		}
		// quota exceeded or duplicate: caller errors, never retried
		log.Log(log.Dispatch).Warn("allocation rejected, dropping item",
			zap.Int64("id", item.ID),
			zap.String("request", request.ID),
			zap.Error(err))
		span.SetTag("error", true)
		w.drop(ctx, item)
		return
	}
	if !allocated {
		span.SetTag("held", true)
		w.metrics.IncDispatched("held")
		w.held = append(w.held, heldItem{item: item, request: request})
		return
	}

	if err = w.controller.BuildInstance(ctx, request); err != nil {
		// compensate: the allocation must not leak
		w.quota.Release(request.ID, request.Resources)
		log.Log(log.Dispatch).Warn("build failed, allocation released and item held for retry",
			zap.Int64("id", item.ID),
			zap.String("request", request.ID),
			zap.Error(err))
		span.SetTag("error", true)
		w.metrics.IncDispatched("build_failed")
		w.held = append(w.held, heldItem{item: item, request: request})
		return
	}

	w.metrics.IncDispatched("built")
	if err = w.queue.Delete(ctx, item); err != nil {
		log.Log(log.Dispatch).Warn("failed to delete dispatched item",
			zap.Int64("id", item.ID),
			zap.Error(err))
	}
	log.Log(log.Dispatch).Info("request dispatched",
		zap.String("queue", w.queue.Name()),
		zap.String("request", request.ID),
		zap.Int64("priority", item.Priority))
}

// flushHeld puts every held item back into the queue so they compete in
// priority order against the freed capacity.
func (w *Worker) flushHeld(ctx context.Context) {
	w.lastRelease = w.quota.LastRelease()
	flushed := w.held
	w.held = nil
	for _, h := range flushed {
		h.item.RetryCount++
		if err := w.queue.Restore(ctx, h.item); err != nil {
			if errors.Is(err, common.ErrQueueClosed) {
				return
			}
			log.Log(log.Dispatch).Warn("failed to restore held item",
				zap.Int64("id", h.item.ID),
				zap.Error(err))
		}
	}
	if len(flushed) > 0 {
		log.Log(log.Dispatch).Debug("held items flushed back to queue",
			zap.String("queue", w.queue.Name()),
			zap.Int("items", len(flushed)))
	}
}

// drop removes a poison or stale item permanently.
func (w *Worker) drop(ctx context.Context, item *queue.Item) {
	w.metrics.IncDispatched("dropped")
	if err := w.queue.Delete(ctx, item); err != nil {
		log.Log(log.Dispatch).Warn("failed to delete dropped item",
			zap.Int64("id", item.ID),
			zap.Error(err))
	}
}

// HeldCount is the size of the local pending list. Only meaningful from the
// worker goroutine or after Stop, exposed for tests and status reporting.
func (w *Worker) HeldCount() int {
	return len(w.held)
}
