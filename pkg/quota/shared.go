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

// SharedQuota is the floating capacity pool shared by all dynamic projects.
// It is created once at manager startup and injected into every Quota that
// needs it, there is no hidden global instance. Only Quota allocate/release
// paths mutate the counters, always under the pool's own lock.
type SharedQuota struct {
	enabled bool
	closed  bool
	used    *resources.Resource
	limit   *resources.Resource

	// timestamps workers use to detect that capacity changed since the
	// last time they looked
	lastAllocation time.Time
	lastRelease    time.Time

	// conds of dynamic quotas with blocked allocate calls
	waiters map[*sync.Cond]struct{}

	metrics *metrics.QuotaMetrics
	lock    sync.Mutex
}

const sharedQuotaName = "shared"

// NewSharedQuota creates the pool with the given hard limits.
func NewSharedQuota(limit *resources.Resource, enabled bool) *SharedQuota {
	s := &SharedQuota{
		enabled: enabled,
		used:    resources.NewResource(),
		limit:   limit.Clone(),
		waiters: make(map[*sync.Cond]struct{}),
		metrics: metrics.GetQuotaMetrics(sharedQuotaName),
	}
	s.updateMetrics()
	return s
}

// Enable opens the pool for allocations. Re-opening counts as a capacity
// event so workers retry items held while the pool was disabled.
func (s *SharedQuota) Enable() {
	s.lock.Lock()
	s.enabled = true
	s.lastRelease = time.Now()
	s.lock.Unlock()
	s.notifyWaiters()
	log.Log(log.Quota).Info("shared quota enabled")
}

// Disable stops new allocations. Blocked allocate calls wake up and fail,
// already allocated resources stay accounted until released.
func (s *SharedQuota) Disable() {
	s.lock.Lock()
	s.enabled = false
	s.lock.Unlock()
	s.notifyWaiters()
	log.Log(log.Quota).Info("shared quota disabled")
}

func (s *SharedQuota) IsEnabled() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.enabled && !s.closed
}

// SetLimit replaces the hard limits, typically on a config refresh. Growing
// the limits may unblock waiters.
func (s *SharedQuota) SetLimit(limit *resources.Resource) {
	s.lock.Lock()
	s.limit = limit.Clone()
	s.lastRelease = time.Now()
	s.updateMetrics()
	s.lock.Unlock()
	s.notifyWaiters()
}

// Close shuts the pool down permanently, waking all blocked waiters.
func (s *SharedQuota) Close() {
	s.lock.Lock()
	s.closed = true
	s.lock.Unlock()
	s.notifyWaiters()
}

// tryAllocate makes a single non-blocking attempt to take the asked
// resources from the pool. The returned error is terminal (disabled pool or
// an ask that can never fit), false with a nil error means "not right now".
func (s *SharedQuota) tryAllocate(entityID string, ask *resources.Resource) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return false, common.ErrQuotaClosed
	}
	if !s.enabled {
		return false, common.ErrSharedQuotaDisabled
	}
	if kind := resources.ExceedsLimit(s.limit, ask); kind != "" {
		s.metrics.IncAllocations("exceeded")
		return false, &common.QuotaExceededError{
			EntityID:     entityID,
			ResourceKind: kind,
			Requested:    float64(ask.Get(kind)),
			Limit:        float64(s.limit.Get(kind)),
		}
	}
	if !resources.FitIn(s.limit, s.used, ask) {
		s.metrics.IncAllocations("rejected")
		return false, nil
	}
	resources.AddTo(s.used, ask)
	s.lastAllocation = time.Now()
	s.metrics.IncAllocations("allocated")
	s.updateMetrics()
	return true, nil
}

// release returns the given resources to the pool and wakes every waiter.
func (s *SharedQuota) release(ask *resources.Resource) {
	s.lock.Lock()
	if resources.SubFromClamped(s.used, ask) {
		log.Log(log.Quota).Warn("shared quota release clamped at zero",
			zap.Stringer("released", ask))
	}
	s.lastRelease = time.Now()
	s.metrics.IncAllocations("released")
	s.updateMetrics()
	s.lock.Unlock()
	s.notifyWaiters()
}

// registerWaiter adds the cond of a dynamic quota so pool level events can
// wake its blocked allocate calls.
func (s *SharedQuota) registerWaiter(c *sync.Cond) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.waiters[c] = struct{}{}
}

func (s *SharedQuota) removeWaiter(c *sync.Cond) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.waiters, c)
}

func (s *SharedQuota) notifyWaiters() {
	s.lock.Lock()
	conds := make([]*sync.Cond, 0, len(s.waiters))
	for c := range s.waiters {
		conds = append(conds, c)
	}
	s.lock.Unlock()
	for _, c := range conds {
		c.Broadcast()
	}
}

// Used returns a copy of the current pool consumption.
func (s *SharedQuota) Used() *resources.Resource {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.used.Clone()
}

// Limit returns a copy of the pool hard limits.
func (s *SharedQuota) Limit() *resources.Resource {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.limit.Clone()
}

func (s *SharedQuota) LastAllocation() time.Time {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lastAllocation
}

func (s *SharedQuota) LastRelease() time.Time {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lastRelease
}

// updateMetrics must be called with the lock held.
func (s *SharedQuota) updateMetrics() {
	for kind, value := range s.used.Resources {
		s.metrics.SetResource("used", kind, float64(value))
	}
	for kind, value := range s.limit.Resources {
		s.metrics.SetResource("limit", kind, float64(value))
	}
}
