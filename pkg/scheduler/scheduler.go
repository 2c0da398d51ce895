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

// Package scheduler ties the core together: it owns the project registry,
// the per project queues and quotas, the shared dynamic queue, the dispatch
// workers and the periodic fair share tick.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fairsched/fairsched-core/pkg/api"
	"github.com/fairsched/fairsched-core/pkg/common"
	"github.com/fairsched/fairsched-core/pkg/common/configs"
	"github.com/fairsched/fairsched-core/pkg/common/resources"
	"github.com/fairsched/fairsched-core/pkg/dispatch"
	"github.com/fairsched/fairsched-core/pkg/fairshare"
	"github.com/fairsched/fairsched-core/pkg/log"
	"github.com/fairsched/fairsched-core/pkg/metrics"
	"github.com/fairsched/fairsched-core/pkg/queue"
	"github.com/fairsched/fairsched-core/pkg/quota"
)

// DynamicQueueName is the single queue serving all dynamic projects.
const DynamicQueueName = "dynamic"

type projectContext struct {
	project api.Project
	quota   *quota.Quota
	queue   *queue.Queue
}

// Scheduler is the admission control manager.
type Scheduler struct {
	conf       *configs.SchedulerConfig
	identity   api.IdentityDirectory
	usage      api.UsageReporter
	controller api.WorkloadController
	store      queue.Store

	calculator *fairshare.Calculator
	shared     *quota.SharedQuota
	pool       *dispatch.Pool

	projects     map[string]*projectContext
	dynamicQueue *queue.Queue
	dynamicQuota *quota.Quota

	handlers map[OpKind]opHandler
	metrics  *metrics.SchedulerMetrics

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	lock     sync.RWMutex
}

// New builds the scheduler from its collaborators. Every collaborator is
// required, a missing one is a fatal configuration error.
func New(conf *configs.SchedulerConfig, identity api.IdentityDirectory, usage api.UsageReporter, controller api.WorkloadController, store queue.Store) (*Scheduler, error) {
	if conf == nil {
		return nil, &common.ConfigurationError{Component: "scheduler", Missing: "configuration"}
	}
	if controller == nil {
		return nil, &common.ConfigurationError{Component: "scheduler", Missing: "workload controller"}
	}
	if store == nil {
		return nil, &common.ConfigurationError{Component: "scheduler", Missing: "queue store"}
	}
	calculator, err := fairshare.NewCalculator(identity, usage, conf.FairShare)
	if err != nil {
		return nil, err
	}

	sharedLimit, err := resources.NewResourceFromConf(conf.SharedPool.Resources)
	if err != nil {
		return nil, err
	}
	shared := quota.NewSharedQuota(sharedLimit, conf.SharedPool.Enabled)

	dynamicQuota, err := quota.NewQuota(DynamicQueueName, resources.NewResource(), true, shared)
	if err != nil {
		return nil, err
	}
	dynamicQueue, err := queue.NewQueue(DynamicQueueName, store)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		conf:         conf,
		identity:     identity,
		usage:        usage,
		controller:   controller,
		store:        store,
		calculator:   calculator,
		shared:       shared,
		pool:         dispatch.NewPool(),
		projects:     make(map[string]*projectContext),
		dynamicQueue: dynamicQueue,
		dynamicQuota: dynamicQuota,
		metrics:      metrics.GetSchedulerMetrics(),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	s.handlers = s.initHandlers()
	return s, nil
}

// Start loads the project registry, restores persisted backlogs, starts the
// dispatch workers and the periodic tick.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.refreshProjects(ctx); err != nil {
		return err
	}
	if err := s.calculator.CalculateFairShares(ctx, nil); err != nil {
		return err
	}
	if err := s.dynamicQueue.LoadFromStore(ctx); err != nil {
		return err
	}
	worker, err := dispatch.NewWorker(s.dynamicQueue, s.dynamicQuota, s.controller,
		s.conf.Queue.BackfillDepth, s.conf.Queue.DequeueTimeout)
	if err != nil {
		return err
	}
	s.pool.Add(DynamicQueueName, worker)

	s.lock.RLock()
	contexts := make([]*projectContext, 0, len(s.projects))
	for _, pc := range s.projects {
		contexts = append(contexts, pc)
	}
	s.lock.RUnlock()
	for _, pc := range contexts {
		if pc.queue == s.dynamicQueue {
			continue
		}
		if err = pc.queue.LoadFromStore(ctx); err != nil {
			return err
		}
		worker, err = dispatch.NewWorker(pc.queue, pc.quota, s.controller,
			s.conf.Queue.BackfillDepth, s.conf.Queue.DequeueTimeout)
		if err != nil {
			return err
		}
		s.pool.Add(pc.queue.Name(), worker)
	}

	go s.run()
	log.Log(log.Scheduler).Info("scheduler started",
		zap.Int("projects", len(contexts)),
		zap.Duration("tickInterval", s.conf.Tick.Interval))
	return nil
}

// Stop shuts everything down: the tick, the workers and the queues. Blocked
// dequeuers and allocators are woken by the close broadcasts.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh

		s.lock.Lock()
		contexts := make([]*projectContext, 0, len(s.projects))
		for _, pc := range s.projects {
			contexts = append(contexts, pc)
		}
		s.lock.Unlock()

		s.dynamicQueue.Close()
		for _, pc := range contexts {
			if pc.queue != s.dynamicQueue {
				pc.queue.Close()
			}
			if pc.quota != s.dynamicQuota {
				pc.quota.Close()
			}
		}
		s.dynamicQuota.Close()
		s.pool.StopAll()
		s.shared.Close()
		log.Log(log.Scheduler).Info("scheduler stopped")
	})
}

// Submit computes the priority for the request and enqueues it on the
// owning queue. Ephemeral requests always go through the shared dynamic
// queue since they bill against the shared pool, not the project's private
// allocation. The returned id identifies the persisted queue item.
func (s *Scheduler) Submit(ctx context.Context, request *api.Request) (int64, error) {
	if !resources.StrictlyGreaterThanZero(request.Resources) {
		return 0, fmt.Errorf("request %s asks for no resources", request.ID)
	}
	s.lock.RLock()
	pc, ok := s.projects[request.ProjectID]
	s.lock.RUnlock()
	if !ok {
		return 0, &common.NotFoundError{Kind: "project", ID: request.ProjectID}
	}
	priority, err := s.calculator.CalculatePriority(request.UserID, request.ProjectID, request.CreatedAt, request.RetryCount)
	if err != nil {
		return 0, err
	}
	target := pc.queue
	if request.Ephemeral {
		target = s.dynamicQueue
	}
	return target.Enqueue(ctx, request.UserID, request.ProjectID, priority, request)
}

// run is the periodic tick loop.
func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.conf.Tick.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(context.Background())
		}
	}
}

// tick refreshes membership, recomputes fair shares and re-prioritizes
// every backlog so queued items track the latest scores.
func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	if err := s.refreshProjects(ctx); err != nil {
		log.Log(log.Scheduler).Error("project refresh failed", zap.Error(err))
	}
	if err := s.calculator.CalculateFairShares(ctx, nil); err != nil {
		log.Log(log.Scheduler).Error("fair share recompute failed", zap.Error(err))
		return
	}
	table := s.calculator.GetTable()
	if table == nil {
		return
	}

	recompute := func(item *queue.Item) (int64, error) {
		return s.calculator.CalculatePriority(item.UserID, item.ProjectID, item.CreatedAt, item.RetryCount)
	}
	s.lock.RLock()
	queues := make(map[string]*queue.Queue, len(s.projects)+1)
	queues[DynamicQueueName] = s.dynamicQueue
	for _, pc := range s.projects {
		queues[pc.queue.Name()] = pc.queue
	}
	s.lock.RUnlock()
	updated := 0
	for _, q := range queues {
		for userID := range table.Users {
			updated += q.UpdatePriorities(ctx, userID, recompute)
		}
	}

	s.metrics.ObserveTickDuration(time.Since(start).Seconds())
	log.Log(log.Scheduler).Debug("tick complete",
		zap.Int("reprioritized", updated),
		zap.Duration("elapsed", time.Since(start)))
}

// refreshProjects reconciles the registry against the identity source:
// unknown projects are added with the configured default private quota,
// vanished projects are removed.
func (s *Scheduler) refreshProjects(ctx context.Context) error {
	listed, err := s.identity.ListProjects(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(listed))
	for _, p := range listed {
		seen[p.ID] = true
		s.lock.RLock()
		_, known := s.projects[p.ID]
		s.lock.RUnlock()
		if known {
			continue
		}
		limit, err := resources.NewResourceFromConf(s.conf.Quota.DefaultProjectResources)
		if err != nil {
			return err
		}
		if err = s.addProject(ctx, p, limit); err != nil {
			return err
		}
	}

	s.lock.RLock()
	var gone []string
	for id := range s.projects {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	s.lock.RUnlock()
	for _, id := range gone {
		if err := s.removeProject(ctx, id); err != nil {
			log.Log(log.Scheduler).Warn("failed to remove vanished project",
				zap.String("project", id),
				zap.Error(err))
		}
	}
	return nil
}

// addProject registers the project. Dynamic projects share the dynamic
// queue and ledger, permanent ones get their own pair plus a worker once
// the scheduler is running.
func (s *Scheduler) addProject(ctx context.Context, p api.Project, limit *resources.Resource) error {
	s.lock.Lock()
	if _, ok := s.projects[p.ID]; ok {
		s.lock.Unlock()
		return nil
	}
	pc := &projectContext{project: p}
	if p.Dynamic {
		pc.quota = s.dynamicQuota
		pc.queue = s.dynamicQueue
		s.projects[p.ID] = pc
		s.lock.Unlock()
		log.Log(log.Scheduler).Info("dynamic project added", zap.String("project", p.ID))
		return nil
	}

	projectQuota, err := quota.NewQuota(p.ID, limit, false, nil)
	if err != nil {
		s.lock.Unlock()
		return err
	}
	projectQueue, err := queue.NewQueue(p.ID, s.store)
	if err != nil {
		s.lock.Unlock()
		return err
	}
	pc.quota = projectQuota
	pc.queue = projectQueue
	s.projects[p.ID] = pc
	started := s.started()
	s.lock.Unlock()

	if started {
		if err = projectQueue.LoadFromStore(ctx); err != nil {
			return err
		}
		worker, err := dispatch.NewWorker(projectQueue, projectQuota, s.controller,
			s.conf.Queue.BackfillDepth, s.conf.Queue.DequeueTimeout)
		if err != nil {
			return err
		}
		s.pool.Add(p.ID, worker)
	}
	log.Log(log.Scheduler).Info("project added",
		zap.String("project", p.ID),
		zap.Stringer("quota", limit))
	return nil
}

// removeProject drains and closes the project's queue and quota. Dynamic
// projects only leave the registry, the shared queue stays.
func (s *Scheduler) removeProject(_ context.Context, projectID string) error {
	s.lock.Lock()
	pc, ok := s.projects[projectID]
	if !ok {
		s.lock.Unlock()
		return &common.NotFoundError{Kind: "project", ID: projectID}
	}
	delete(s.projects, projectID)
	s.lock.Unlock()

	if pc.queue != s.dynamicQueue {
		pc.queue.Close()
		s.pool.Remove(projectID)
		pc.quota.Close()
	}
	log.Log(log.Scheduler).Info("project removed", zap.String("project", projectID))
	return nil
}

// started reports whether the worker pool is live. Lock held by caller.
func (s *Scheduler) started() bool {
	return s.pool.Get(DynamicQueueName) != nil
}

// SharedQuota exposes the injected pool, used by admin handlers to toggle
// it at runtime.
func (s *Scheduler) SharedQuota() *quota.SharedQuota {
	return s.shared
}
