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

// Package queue implements the durable, priority ordered request queue.
// Items are served by (priority desc, creation time asc), ties within the
// same priority are FIFO. The in-memory structure only carries item headers,
// payloads stay in the backing store until dequeue.
package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/fairsched/fairsched-core/pkg/api"
	"github.com/fairsched/fairsched-core/pkg/common"
	"github.com/fairsched/fairsched-core/pkg/log"
	"github.com/fairsched/fairsched-core/pkg/metrics"
)

// Item is the queued header of a request. The payload is owned by the store
// until the item is dequeued, the id is assigned by the store on insert.
type Item struct {
	ID         int64
	Queue      string
	UserID     string
	ProjectID  string
	Priority   int64
	RetryCount int
	CreatedAt  time.Time
	LastUpdate time.Time
}

func itemID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// itemLess orders the btree: highest priority first, earliest creation time
// within the same priority, id as the final tie break.
func itemLess(a, b *Item) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

const btreeDegree = 16

// Queue is one priority queue, owned by a project or the shared dynamic
// pool.
type Queue struct {
	name  string
	store Store

	items *btree.BTreeG[*Item]
	size  int // persisted items not yet deleted, includes dequeued ones

	state   *fsm.FSM
	metrics *metrics.QueueMetrics

	lock sync.Mutex
	cond *sync.Cond
}

// NewQueue creates an empty open queue on top of the given store.
func NewQueue(name string, store Store) (*Queue, error) {
	if store == nil {
		return nil, &common.ConfigurationError{Component: "queue " + name, Missing: "backing store"}
	}
	q := &Queue{
		name:    name,
		store:   store,
		items:   btree.NewG(btreeDegree, itemLess),
		state:   newQueueState(),
		metrics: metrics.GetQueueMetrics(name),
	}
	q.cond = sync.NewCond(&q.lock)
	return q, nil
}

// LoadFromStore rebuilds the in-memory headers after a restart.
func (q *Queue) LoadFromStore(ctx context.Context) error {
	headers, err := q.store.LoadAll(ctx, q.name)
	if err != nil {
		return err
	}
	q.lock.Lock()
	defer q.lock.Unlock()
	for _, item := range headers {
		q.items.ReplaceOrInsert(item)
		q.size++
	}
	q.metrics.SetBacklog(q.items.Len())
	if len(headers) > 0 {
		q.cond.Broadcast()
		log.Log(log.Queue).Info("queue restored from store",
			zap.String("queue", q.name),
			zap.Int("items", len(headers)))
	}
	return nil
}

// Enqueue persists the request and inserts its header, waking one blocked
// dequeuer. Fails fast once the queue left the Open state.
func (q *Queue) Enqueue(ctx context.Context, userID, projectID string, priority int64, payload *api.Request) (int64, error) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.state.Current() != Open.String() {
		return 0, common.ErrQueueClosed
	}
	created := payload.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	item := &Item{
		Queue:      q.name,
		UserID:     userID,
		ProjectID:  projectID,
		Priority:   priority,
		RetryCount: payload.RetryCount,
		CreatedAt:  created,
		LastUpdate: time.Now(),
	}
	id, err := q.store.Insert(ctx, item, payload)
	if err != nil {
		return 0, err
	}
	item.ID = id
	q.items.ReplaceOrInsert(item)
	q.size++
	q.metrics.IncItems("enqueued")
	q.metrics.SetBacklog(q.items.Len())
	q.cond.Signal()
	log.Log(log.Queue).Debug("enqueued",
		zap.String("queue", q.name),
		zap.Int64("id", id),
		zap.String("user", userID),
		zap.Int64("priority", priority))
	return id, nil
}

// Dequeue pops the highest priority item and hydrates its payload from the
// store. A blocking call waits up to the timeout (indefinitely when zero)
// re-checking on every wakeup. It returns ErrQueueClosed once the queue is
// closed, and nil item without error on timeout or when non-blocking finds
// the queue empty.
func (q *Queue) Dequeue(ctx context.Context, blocking bool, timeout time.Duration) (*Item, *api.Request, error) {
	q.lock.Lock()
	var timer *time.Timer
	expired := false
	if blocking && timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			q.lock.Lock()
			expired = true
			q.lock.Unlock()
			q.cond.Broadcast()
		})
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if q.state.Current() == Closed.String() {
			q.lock.Unlock()
			return nil, nil, common.ErrQueueClosed
		}
		if item, ok := q.items.DeleteMin(); ok {
			q.metrics.IncItems("dequeued")
			q.metrics.SetBacklog(q.items.Len())
			q.metrics.ObserveWaitTime(time.Since(item.CreatedAt).Seconds())
			q.lock.Unlock()
			// lazy hydration keeps the heap small for large backlogs
			payload, err := q.store.FetchPayload(ctx, item.ID)
			if err != nil {
				// a transient store error must not orphan the header, only
				// a permanently missing payload stays out
				notFound := &common.NotFoundError{}
				if !errors.As(err, &notFound) {
					q.lock.Lock()
					if q.state.Current() != Closed.String() {
						q.items.ReplaceOrInsert(item)
						q.metrics.SetBacklog(q.items.Len())
						q.cond.Signal()
					}
					q.lock.Unlock()
				}
				log.Log(log.Queue).Error("failed to hydrate queue item",
					zap.String("queue", q.name),
					zap.Int64("id", item.ID),
					zap.Error(err))
				return nil, nil, err
			}
			return item, payload, nil
		}
		if !blocking || expired {
			q.lock.Unlock()
			return nil, nil, nil
		}
		q.cond.Wait()
	}
}

// Restore re-adds an already persisted item, used by workers to put back
// items that could not be satisfied yet. The header update (retry count,
// last update) is persisted, the item is not re-inserted as new.
func (q *Queue) Restore(ctx context.Context, item *Item) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.state.Current() == Closed.String() {
		return common.ErrQueueClosed
	}
	item.LastUpdate = time.Now()
	if err := q.store.Update(ctx, item); err != nil {
		return err
	}
	q.items.ReplaceOrInsert(item)
	q.metrics.IncItems("restored")
	q.metrics.SetBacklog(q.items.Len())
	q.cond.Signal()
	return nil
}

// UpdatePriorities recomputes the priority of every queued item belonging to
// the user and re-heapifies. Fair share priorities drift over time, without
// this pass old items would be served with stale scores. O(n) over the
// backlog.
func (q *Queue) UpdatePriorities(ctx context.Context, userID string, recompute func(*Item) (int64, error)) int {
	q.lock.Lock()
	defer q.lock.Unlock()
	var owned []*Item
	q.items.Ascend(func(item *Item) bool {
		if item.UserID == userID {
			owned = append(owned, item)
		}
		return true
	})
	updated := 0
	for _, item := range owned {
		priority, err := recompute(item)
		if err != nil {
			log.Log(log.Queue).Warn("priority recompute failed, keeping stale priority",
				zap.String("queue", q.name),
				zap.Int64("id", item.ID),
				zap.Error(err))
			continue
		}
		if priority == item.Priority {
			continue
		}
		q.items.Delete(item)
		item.Priority = priority
		item.LastUpdate = time.Now()
		q.items.ReplaceOrInsert(item)
		if err = q.store.Update(ctx, item); err != nil {
			log.Log(log.Queue).Warn("failed to persist updated priority",
				zap.Int64("id", item.ID),
				zap.Error(err))
		}
		updated++
	}
	return updated
}

// Delete removes the item permanently from the backing store and from the
// backlog if still queued.
func (q *Queue) Delete(ctx context.Context, item *Item) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if err := q.store.Delete(ctx, item.ID); err != nil {
		return err
	}
	q.items.Delete(item)
	q.size--
	q.metrics.IncItems("deleted")
	q.metrics.SetBacklog(q.items.Len())
	return nil
}

// MarkDraining rejects further enqueues while the backlog is removed.
func (q *Queue) MarkDraining() error {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.state.Event(context.Background(), Drain.String(), q.name)
}

// Close transitions the queue to its terminal state and wakes every blocked
// dequeuer. Closing is irreversible.
func (q *Queue) Close() {
	q.lock.Lock()
	if err := q.state.Event(context.Background(), Close.String(), q.name); err != nil {
		log.Log(log.Queue).Warn("queue close transition failed",
			zap.String("queue", q.name),
			zap.Error(err))
	}
	q.lock.Unlock()
	q.cond.Broadcast()
}

func (q *Queue) Name() string {
	return q.name
}

// IsOpen reports whether the queue still accepts new items.
func (q *Queue) IsOpen() bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.state.Current() == Open.String()
}

// CurrentState returns the lifecycle state name.
func (q *Queue) CurrentState() string {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.state.Current()
}

// Backlog is the number of items currently queued in memory.
func (q *Queue) Backlog() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.items.Len()
}

// Size is the live counter of persisted items, including dequeued ones that
// have not been deleted yet.
func (q *Queue) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.size
}
