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

// Package quota implements the resource ledger: per project accounting of
// in-use versus hard limit with blocking and non-blocking allocation.
// Permanent projects draw from their private allocation, dynamic projects
// compete for the injected SharedQuota pool.
package quota

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fairsched/fairsched-core/pkg/common"
	"github.com/fairsched/fairsched-core/pkg/common/resources"
	"github.com/fairsched/fairsched-core/pkg/log"
	"github.com/fairsched/fairsched-core/pkg/metrics"
)

// Quota is the ledger for one project. An entity id (workload instance) is
// tracked in at most one of the active, pending or errored sets at any time
// and can never be double allocated.
type Quota struct {
	projectID string
	dynamic   bool

	used  *resources.Resource
	limit *resources.Resource

	active  map[string]*resources.Resource // id -> amounts taken
	pending map[string]struct{}            // ids with an allocate in flight
	errored map[string]*resources.Resource // ids the platform moved to error, resources still held

	shared *SharedQuota

	closed         bool
	lastAllocation time.Time
	lastRelease    time.Time

	metrics *metrics.QuotaMetrics
	lock    sync.Mutex
	cond    *sync.Cond
}

// NewQuota creates the ledger for a project. Dynamic projects must get the
// shared pool injected, its absence is a startup configuration error.
func NewQuota(projectID string, limit *resources.Resource, dynamic bool, shared *SharedQuota) (*Quota, error) {
	if dynamic && shared == nil {
		return nil, &common.ConfigurationError{Component: "quota", Missing: "shared quota for dynamic project " + projectID}
	}
	q := &Quota{
		projectID: projectID,
		dynamic:   dynamic,
		used:      resources.NewResource(),
		limit:     limit.Clone(),
		active:    make(map[string]*resources.Resource),
		pending:   make(map[string]struct{}),
		errored:   make(map[string]*resources.Resource),
		shared:    shared,
		metrics:   metrics.GetQuotaMetrics(projectID),
	}
	q.cond = sync.NewCond(&q.lock)
	if dynamic {
		shared.registerWaiter(q.cond)
	}
	q.updateMetrics()
	return q, nil
}

// Allocate takes the asked resources for the entity id. A blocking call
// suspends until enough headroom exists or the ledger is closed or the
// shared pool disabled, re-checking headroom on every wakeup. A non-blocking
// call makes one attempt and returns false when there is no room right now.
//
// An ask that can never fit the hard limit fails with QuotaExceededError,
// an id already tracked as active or errored fails with
// DuplicateAllocationError. Calling again for an id that is still pending is
// allowed and simply continues waiting for the original call to settle.
func (q *Quota) Allocate(entityID string, ask *resources.Resource, blocking bool) (bool, error) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.closed {
		return false, common.ErrQuotaClosed
	}
	if _, ok := q.active[entityID]; ok {
		return false, &common.DuplicateAllocationError{EntityID: entityID}
	}
	if _, ok := q.errored[entityID]; ok {
		return false, &common.DuplicateAllocationError{EntityID: entityID}
	}
	if _, ok := q.pending[entityID]; ok {
		return q.waitForPending(entityID, blocking)
	}

	if !q.dynamic {
		if kind := resources.ExceedsLimit(q.limit, ask); kind != "" {
			q.metrics.IncAllocations("exceeded")
			return false, &common.QuotaExceededError{
				EntityID:     entityID,
				ResourceKind: kind,
				Requested:    float64(ask.Get(kind)),
				Limit:        float64(q.limit.Get(kind)),
			}
		}
	}

	q.pending[entityID] = struct{}{}
	ok, err := q.allocateLocked(entityID, ask, blocking)
	if !ok {
		delete(q.pending, entityID)
		return ok, err
	}
	// a concurrent release may have dropped the pending marker while we
	// were waiting, the caller gave the allocation up: hand it back
	if _, stillPending := q.pending[entityID]; !stillPending {
		q.returnResources(ask)
		return false, nil
	}
	delete(q.pending, entityID)
	q.active[entityID] = ask.Clone()
	q.lastAllocation = time.Now()
	log.Log(log.Quota).Debug("allocated",
		zap.String("project", q.projectID),
		zap.String("entity", entityID),
		zap.Stringer("resources", ask),
		zap.Bool("shared", q.dynamic))
	return true, nil
}

// allocateLocked runs the wait loop. Lock held on entry and exit, released
// while suspended on the condition variable.
func (q *Quota) allocateLocked(entityID string, ask *resources.Resource, blocking bool) (bool, error) {
	for {
		if q.closed {
			return false, nil
		}
		if q.dynamic {
			ok, err := q.shared.tryAllocate(entityID, ask)
			if err != nil || ok {
				return ok, err
			}
		} else {
			if resources.FitIn(q.limit, q.used, ask) {
				resources.AddTo(q.used, ask)
				q.metrics.IncAllocations("allocated")
				q.updateMetrics()
				return true, nil
			}
			q.metrics.IncAllocations("rejected")
		}
		if !blocking {
			return false, nil
		}
		q.cond.Wait()
	}
}

// waitForPending handles the re-entrant allocate for an id that already has
// a call in flight. Lock held on entry.
func (q *Quota) waitForPending(entityID string, blocking bool) (bool, error) {
	if !blocking {
		return false, nil
	}
	for {
		if _, ok := q.pending[entityID]; !ok {
			_, allocated := q.active[entityID]
			return allocated, nil
		}
		if q.closed {
			return false, nil
		}
		q.cond.Wait()
	}
}

// Release gives back the resources held by the entity id and wakes blocked
// allocate calls. An id that is still pending is simply unmarked, no
// resources changed. An unknown id is tolerated and logged, upstream failure
// paths may release twice.
func (q *Quota) Release(entityID string, ask *resources.Resource) bool {
	q.lock.Lock()
	defer q.lock.Unlock()

	if _, ok := q.pending[entityID]; ok {
		delete(q.pending, entityID)
		q.cond.Broadcast()
		log.Log(log.Quota).Debug("released pending allocation",
			zap.String("project", q.projectID),
			zap.String("entity", entityID))
		return true
	}

	recorded, ok := q.active[entityID]
	if !ok {
		recorded, ok = q.errored[entityID]
	}
	if !ok {
		log.Log(log.Quota).Debug("nothing to release",
			zap.String("project", q.projectID),
			zap.String("entity", entityID))
		return false
	}
	delete(q.active, entityID)
	delete(q.errored, entityID)

	amounts := ask
	if amounts == nil {
		amounts = recorded
	}
	q.returnResources(amounts)
	q.lastRelease = time.Now()
	q.cond.Broadcast()
	log.Log(log.Quota).Debug("released",
		zap.String("project", q.projectID),
		zap.String("entity", entityID),
		zap.Stringer("resources", amounts),
		zap.Bool("shared", q.dynamic))
	return true
}

// returnResources hands resources back to the backing pool. Lock held.
func (q *Quota) returnResources(amounts *resources.Resource) {
	if q.dynamic {
		q.shared.release(amounts)
		return
	}
	if resources.SubFromClamped(q.used, amounts) {
		log.Log(log.Quota).Warn("quota release clamped at zero",
			zap.String("project", q.projectID),
			zap.Stringer("released", amounts))
	}
	q.metrics.IncAllocations("released")
	q.updateMetrics()
}

// MarkErrored moves an active entity to the errored set, keeping its
// resources accounted until the final release.
func (q *Quota) MarkErrored(entityID string) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	recorded, ok := q.active[entityID]
	if !ok {
		return false
	}
	delete(q.active, entityID)
	q.errored[entityID] = recorded
	return true
}

// Close shuts the ledger down, waking every blocked allocate call. The
// shared pool is owned by the manager and left untouched.
func (q *Quota) Close() {
	q.lock.Lock()
	q.closed = true
	q.lock.Unlock()
	q.cond.Broadcast()
	if q.dynamic {
		q.shared.removeWaiter(q.cond)
	}
}

func (q *Quota) ProjectID() string {
	return q.projectID
}

func (q *Quota) IsDynamic() bool {
	return q.dynamic
}

// Used returns a copy of the consumption this ledger draws from: the shared
// pool for dynamic projects, the private allocation otherwise.
func (q *Quota) Used() *resources.Resource {
	if q.dynamic {
		return q.shared.Used()
	}
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.used.Clone()
}

func (q *Quota) Limit() *resources.Resource {
	if q.dynamic {
		return q.shared.Limit()
	}
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.limit.Clone()
}

// SetLimit replaces the private hard limits, growing them may unblock
// waiters. Ignored for dynamic projects, their limit lives in the pool.
func (q *Quota) SetLimit(limit *resources.Resource) {
	if q.dynamic {
		return
	}
	q.lock.Lock()
	q.limit = limit.Clone()
	q.updateMetrics()
	q.lock.Unlock()
	q.cond.Broadcast()
}

// LastRelease is the monotonic signal workers poll to decide whether held
// items should be retried against freed capacity.
func (q *Quota) LastRelease() time.Time {
	if q.dynamic {
		return q.shared.LastRelease()
	}
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.lastRelease
}

// WaitForRelease blocks until a release newer than the given timestamp is
// observed, the ledger closes or the timeout expires. Returns true only when
// a newer release arrived. Workers use this as backpressure when their
// backfill list is full.
func (q *Quota) WaitForRelease(after time.Time, timeout time.Duration) bool {
	expired := false
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			q.lock.Lock()
			expired = true
			q.lock.Unlock()
			q.cond.Broadcast()
		})
		defer timer.Stop()
	}
	q.lock.Lock()
	defer q.lock.Unlock()
	for {
		if q.closed {
			return false
		}
		last := q.lastRelease
		if q.dynamic {
			last = q.shared.LastRelease()
		}
		if last.After(after) {
			return true
		}
		if expired {
			return false
		}
		q.cond.Wait()
	}
}

// IsTracked reports whether the id is in any of the membership sets.
func (q *Quota) IsTracked(entityID string) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	if _, ok := q.active[entityID]; ok {
		return true
	}
	if _, ok := q.pending[entityID]; ok {
		return true
	}
	_, ok := q.errored[entityID]
	return ok
}

// Counts returns the sizes of the active, pending and errored sets.
func (q *Quota) Counts() (active, pending, errored int) {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.active), len(q.pending), len(q.errored)
}

// updateMetrics must be called with the lock held.
func (q *Quota) updateMetrics() {
	for kind, value := range q.used.Resources {
		q.metrics.SetResource("used", kind, float64(value))
	}
	if q.limit == nil {
		return
	}
	for kind, value := range q.limit.Resources {
		q.metrics.SetResource("limit", kind, float64(value))
	}
}
