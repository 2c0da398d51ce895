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

package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fairsched/fairsched-core/pkg/api"
	"github.com/fairsched/fairsched-core/pkg/common"
	"github.com/fairsched/fairsched-core/pkg/common/resources"
	"github.com/fairsched/fairsched-core/pkg/fairshare"
	"github.com/fairsched/fairsched-core/pkg/queue"
)

// OpKind identifies an administrative or inspection operation.
type OpKind int

const (
	OpQueueStatus OpKind = iota
	OpQuotaStatus
	OpPriority
	OpAddProject
	OpRemoveProject
	OpShowUsage
)

func (k OpKind) String() string {
	switch k {
	case OpQueueStatus:
		return "queue-status"
	case OpQuotaStatus:
		return "quota-status"
	case OpPriority:
		return "priority"
	case OpAddProject:
		return "add-project"
	case OpRemoveProject:
		return "remove-project"
	case OpShowUsage:
		return "show-usage"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Operation is a single management request against the running scheduler.
// Only the fields the kind needs are read.
type Operation struct {
	Kind      OpKind
	ProjectID string
	UserID    string
	CreatedAt time.Time
	Project   *api.Project
	Limit     *resources.Resource
}

// QueueStatus describes one queue backlog.
type QueueStatus struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Backlog int    `json:"backlog"`
	Size    int    `json:"size"`
}

// ResourceStatus is a point in time usage versus limit pair.
type ResourceStatus struct {
	InUse map[string]resources.Quantity `json:"inUse"`
	Limit map[string]resources.Quantity `json:"limit"`
}

// QuotaStatus describes one ledger.
type QuotaStatus struct {
	ProjectID string         `json:"projectId"`
	Dynamic   bool           `json:"dynamic"`
	Resources ResourceStatus `json:"resources"`
	Active    int            `json:"active"`
	Pending   int            `json:"pending"`
	Errored   int            `json:"errored"`
}

// PriorityStatus is the result of a priority probe.
type PriorityStatus struct {
	UserID    string    `json:"userId"`
	ProjectID string    `json:"projectId"`
	CreatedAt time.Time `json:"createdAt"`
	Priority  int64     `json:"priority"`
}

type opHandler func(ctx context.Context, op Operation) (interface{}, error)

func (s *Scheduler) initHandlers() map[OpKind]opHandler {
	return map[OpKind]opHandler{
		OpQueueStatus:   s.handleQueueStatus,
		OpQuotaStatus:   s.handleQuotaStatus,
		OpPriority:      s.handlePriority,
		OpAddProject:    s.handleAddProject,
		OpRemoveProject: s.handleRemoveProject,
		OpShowUsage:     s.handleShowUsage,
	}
}

// Execute runs the operation and returns its kind specific result.
func (s *Scheduler) Execute(ctx context.Context, op Operation) (interface{}, error) {
	handler, ok := s.handlers[op.Kind]
	if !ok {
		return nil, fmt.Errorf("unsupported operation %s", op.Kind)
	}
	return handler(ctx, op)
}

func (s *Scheduler) handleQueueStatus(_ context.Context, op Operation) (interface{}, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if op.ProjectID != common.Empty {
		pc, ok := s.projects[op.ProjectID]
		if !ok {
			return nil, &common.NotFoundError{Kind: "project", ID: op.ProjectID}
		}
		return []QueueStatus{queueStatusOf(pc.queue)}, nil
	}
	statuses := []QueueStatus{queueStatusOf(s.dynamicQueue)}
	for _, pc := range s.projects {
		if pc.queue == s.dynamicQueue {
			continue
		}
		statuses = append(statuses, queueStatusOf(pc.queue))
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses, nil
}

func queueStatusOf(q *queue.Queue) QueueStatus {
	return QueueStatus{
		Name:    q.Name(),
		State:   q.CurrentState(),
		Backlog: q.Backlog(),
		Size:    q.Size(),
	}
}

func (s *Scheduler) handleQuotaStatus(_ context.Context, op Operation) (interface{}, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if op.ProjectID != common.Empty {
		pc, ok := s.projects[op.ProjectID]
		if !ok {
			return nil, &common.NotFoundError{Kind: "project", ID: op.ProjectID}
		}
		return []QuotaStatus{quotaStatusOf(pc)}, nil
	}
	statuses := make([]QuotaStatus, 0, len(s.projects))
	for _, pc := range s.projects {
		statuses = append(statuses, quotaStatusOf(pc))
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ProjectID < statuses[j].ProjectID })
	return statuses, nil
}

func quotaStatusOf(pc *projectContext) QuotaStatus {
	active, pending, errored := pc.quota.Counts()
	return QuotaStatus{
		ProjectID: pc.project.ID,
		Dynamic:   pc.project.Dynamic,
		Resources: ResourceStatus{
			InUse: pc.quota.Used().Resources,
			Limit: pc.quota.Limit().Resources,
		},
		Active:  active,
		Pending: pending,
		Errored: errored,
	}
}

func (s *Scheduler) handlePriority(_ context.Context, op Operation) (interface{}, error) {
	createdAt := op.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	priority, err := s.calculator.CalculatePriority(op.UserID, op.ProjectID, createdAt, 0)
	if err != nil {
		return nil, err
	}
	return &PriorityStatus{
		UserID:    op.UserID,
		ProjectID: op.ProjectID,
		CreatedAt: createdAt,
		Priority:  priority,
	}, nil
}

func (s *Scheduler) handleAddProject(ctx context.Context, op Operation) (interface{}, error) {
	if op.Project == nil {
		return nil, &common.ConfigurationError{Component: "add-project", Missing: "project"}
	}
	limit := op.Limit
	if limit == nil {
		var err error
		limit, err = resources.NewResourceFromConf(s.conf.Quota.DefaultProjectResources)
		if err != nil {
			return nil, err
		}
	}
	if err := s.addProject(ctx, *op.Project, limit); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Scheduler) handleRemoveProject(ctx context.Context, op Operation) (interface{}, error) {
	return nil, s.removeProject(ctx, op.ProjectID)
}

func (s *Scheduler) handleShowUsage(_ context.Context, _ Operation) (interface{}, error) {
	table := s.calculator.GetTable()
	if table == nil {
		return nil, &common.NotFoundError{Kind: "usage table", ID: "current"}
	}
	return table, nil
}

// Table re-export keeps webservice handlers from importing fairshare just
// for the type assertion.
type UsageTable = fairshare.Table
